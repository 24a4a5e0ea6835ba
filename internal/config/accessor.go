package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Paths are dot-separated JSON names, e.g. "upstream.maxRetries".

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath returns the value at path.
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid array index %q in %s", key, path)
			}
			cur = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", cur, key)
		}
	}
	return cur, nil
}

// SetByPath assigns value at path. Only paths that exist in Config can be
// set; section objects cannot be replaced wholesale. String values are
// coerced to bool or number when they parse as one, and comma-separated
// strings fill list fields.
func SetByPath(cfg *Config, path string, value any) error {
	m, err := toMap(cfg)
	if err != nil {
		return err
	}
	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown config section: %s", key)
		}
		parent = child
	}

	last := parts[len(parts)-1]
	old, known := parent[last]
	if !known {
		if !isOptionalField(path) {
			return fmt.Errorf("unknown config key: %s", path)
		}
		old = ""
	}
	if _, isSection := old.(map[string]any); isSection {
		return fmt.Errorf("%s is a section, set one of its keys instead", path)
	}
	parent[last] = coerce(old, value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// isOptionalField covers omitempty string fields that vanish from the map
// when empty.
func isOptionalField(path string) bool {
	switch path {
	case "general.logFile", "wecom.receiverId", "upstream.token":
		return true
	}
	return false
}

func coerce(old, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch old.(type) {
	case []any:
		items := []any{}
		for _, it := range strings.Split(s, ",") {
			if it = strings.TrimSpace(it); it != "" {
				items = append(items, it)
			}
		}
		return items
	case string:
		return s
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Session.ResetCommands = append([]string(nil), cfg.Session.ResetCommands...)
	c.WeCom.Token = maskString(c.WeCom.Token)
	c.WeCom.EncodingAESKey = maskString(c.WeCom.EncodingAESKey)
	c.Upstream.Token = maskString(c.Upstream.Token)
	return &c
}

// maskString keeps the first and last 4 characters of long secrets.
func maskString(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

// Entry is one flattened config value.
type Entry struct {
	Path  string
	Value any
}

// ListPaths flattens the config into sorted path/value entries.
func ListPaths(cfg *Config) []Entry {
	m, err := toMap(cfg)
	if err != nil {
		return nil
	}
	var out []Entry
	flatten("", m, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func flatten(prefix string, m map[string]any, out *[]Entry) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(path, sub, out)
			continue
		}
		*out = append(*out, Entry{Path: path, Value: v})
	}
}
