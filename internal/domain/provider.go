package domain

import "context"

// StreamingProvider is an upstream LLM gateway that answers a single prompt
// with an incremental event stream.
type StreamingProvider interface {
	Name() string
	// ChatStream sends events to out until the upstream response ends. It does
	// not close out; the caller owns the channel. Sends must honour ctx.
	ChatStream(ctx context.Context, req ChatRequest, out chan<- StreamEvent) error
	Healthy(ctx context.Context) error
}

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	// StreamToken carries an incremental text delta.
	StreamToken StreamEventType = "token"
	// StreamDone carries the canonical final text, possibly empty.
	StreamDone StreamEventType = "done"
)

// StreamEvent represents a single streaming event from an upstream provider.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
}

type ChatRequest struct {
	Input     string // user text
	SessionID string // conversation key the upstream keeps history under
	Model     string // optional: override the provider default
}
