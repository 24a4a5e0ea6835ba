package session

import "strings"

// ReplyReset is sent back when a conversation was reset.
const ReplyReset = "✅ 已开启新对话"

// DefaultResetCommands start a fresh upstream conversation.
var DefaultResetCommands = []string{"/reset", "/new", "新对话"}

// Commands matches user text against the configured reset commands.
type Commands struct {
	reset map[string]struct{}
}

func NewCommands(reset []string) *Commands {
	if len(reset) == 0 {
		reset = DefaultResetCommands
	}
	c := &Commands{reset: make(map[string]struct{}, len(reset))}
	for _, r := range reset {
		if r = normalize(r); r != "" {
			c.reset[r] = struct{}{}
		}
	}
	return c
}

// IsReset reports whether text is exactly a reset command, ignoring
// surrounding space and ASCII case.
func (c *Commands) IsReset(text string) bool {
	if c == nil {
		return false
	}
	_, ok := c.reset[normalize(text)]
	return ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
