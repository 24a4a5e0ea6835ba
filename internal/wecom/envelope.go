package wecom

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedEnvelope is returned when a request body or decrypted payload
// is not the JSON shape the protocol requires.
var ErrMalformedEnvelope = errors.New("wecom: malformed envelope")

// Message kinds carried in Envelope.MsgType.
const (
	MsgTypeText   = "text"
	MsgTypeVoice  = "voice"
	MsgTypeMixed  = "mixed"
	MsgTypeImage  = "image"
	MsgTypeFile   = "file"
	MsgTypeEvent  = "event"
	MsgTypeStream = "stream"
)

// ChatTypeGroup marks a group conversation; anything else is a direct chat.
const ChatTypeGroup = "group"

// Envelope is a decrypted callback message.
type Envelope struct {
	MsgID       string `json:"msgid"`
	AIBotID     string `json:"aibotid,omitempty"`
	ChatID      string `json:"chatid,omitempty"`
	ChatType    string `json:"chattype,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
	MsgType     string `json:"msgtype"`
	From        Sender `json:"from"`

	Text   *TextContent  `json:"text,omitempty"`
	Voice  *TextContent  `json:"voice,omitempty"`
	Mixed  *MixedContent `json:"mixed,omitempty"`
	Image  *MediaContent `json:"image,omitempty"`
	File   *MediaContent `json:"file,omitempty"`
	Event  *EventContent `json:"event,omitempty"`
	Stream *StreamRef    `json:"stream,omitempty"`
}

type Sender struct {
	UserID string `json:"userid"`
}

type TextContent struct {
	Content string `json:"content"`
}

type MixedContent struct {
	Items []MixedItem `json:"msg_item"`
}

type MixedItem struct {
	MsgType string        `json:"msgtype"`
	Text    *TextContent  `json:"text,omitempty"`
	Image   *MediaContent `json:"image,omitempty"`
}

type MediaContent struct {
	URL string `json:"url"`
}

type EventContent struct {
	EventType string `json:"eventtype"`
}

// StreamRef identifies the stream a poll callback asks about.
type StreamRef struct {
	ID string `json:"id"`
}

// IsGroup reports whether the message came from a group chat.
func (e *Envelope) IsGroup() bool { return e.ChatType == ChatTypeGroup }

// Source is a short label for logs: group:<chatid> or user:<userid>.
func (e *Envelope) Source() string {
	if e.IsGroup() {
		return "group:" + e.ChatID
	}
	return "user:" + e.From.UserID
}

// StreamID returns the polled stream id, or "" for non-poll messages.
func (e *Envelope) StreamID() string {
	if e.Stream == nil {
		return ""
	}
	return e.Stream.ID
}

// ParseEnvelope decodes a decrypted payload.
func ParseEnvelope(plaintext string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(plaintext), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return &env, nil
}

// ParseEncrypted extracts the "encrypt" field from a callback request body.
func ParseEncrypted(body []byte) (string, error) {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return "", fmt.Errorf("%w: body is not a JSON object", ErrMalformedEnvelope)
	}
	var req struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if req.Encrypt == "" {
		return "", fmt.Errorf("%w: missing encrypt field", ErrMalformedEnvelope)
	}
	return req.Encrypt, nil
}

// StreamReply is the plaintext reply for a stream message.
type StreamReply struct {
	MsgType string      `json:"msgtype"`
	Stream  StreamFrame `json:"stream"`
}

type StreamFrame struct {
	ID      string `json:"id"`
	Finish  bool   `json:"finish"`
	Content string `json:"content"`
}

// NewStreamReply builds a stream reply frame.
func NewStreamReply(id string, finish bool, content string) *StreamReply {
	return &StreamReply{
		MsgType: MsgTypeStream,
		Stream:  StreamFrame{ID: id, Finish: finish, Content: content},
	}
}

// SealedReply is the encrypted response body returned to the platform.
type SealedReply struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    int64  `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// Seal serializes v, encrypts it and signs the ciphertext with the given nonce.
func (c *Codec) Seal(v any, nonce string, now time.Time) (*SealedReply, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wecom: marshal reply: %w", err)
	}
	enc, err := c.Encrypt(string(plain))
	if err != nil {
		return nil, err
	}
	ts := now.Unix()
	return &SealedReply{
		Encrypt:      enc,
		MsgSignature: c.Sign(strconv.FormatInt(ts, 10), nonce, enc),
		Timestamp:    ts,
		Nonce:        nonce,
	}, nil
}

var mentionPattern = regexp.MustCompile(`@\S+\s?`)

// ExtractText returns the user-facing text of a text, voice or mixed message.
// In group chats @mentions are stripped. Other kinds yield "".
func ExtractText(env *Envelope, isGroup bool) string {
	var text string
	switch env.MsgType {
	case MsgTypeText:
		if env.Text != nil {
			text = env.Text.Content
		}
	case MsgTypeVoice:
		if env.Voice != nil {
			return strings.TrimSpace(env.Voice.Content)
		}
		return ""
	case MsgTypeMixed:
		if env.Mixed != nil {
			parts := make([]string, 0, len(env.Mixed.Items))
			for _, it := range env.Mixed.Items {
				if it.MsgType == MsgTypeText && it.Text != nil {
					parts = append(parts, it.Text.Content)
				}
			}
			text = strings.Join(parts, " ")
		}
	default:
		return ""
	}
	if isGroup {
		text = mentionPattern.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
