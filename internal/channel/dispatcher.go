package channel

import (
	"context"
	"log/slog"
	"time"

	"wecombridge/internal/metrics"
	"wecombridge/internal/session"
	"wecombridge/internal/stream"
	"wecombridge/internal/wecom"
)

// ThinkingPlaceholder is shown while a stream has no content yet.
const ThinkingPlaceholder = "思考中..."

const mediaTimeout = 30 * time.Second

// Starter launches a detached upstream run for a stream.
type Starter interface {
	Start(text, sessionID, streamID string)
}

// Sessions resolves and resets upstream session ids.
type Sessions interface {
	SessionID(ctx context.Context, base string) (string, error)
	Reset(ctx context.Context, base string) (int, error)
}

// Images turns an image URL into prompt text.
type Images interface {
	Placeholder(ctx context.Context, url string) string
}

type DispatcherConfig struct {
	Registry *stream.Registry
	Dedup    *stream.Dedup
	Driver   Starter
	Sessions Sessions          // optional; without it session ids never change
	Commands *session.Commands // optional
	Images   Images            // optional; without it images are ignored
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Dispatcher routes decrypted callbacks. A nil reply means the request is
// acknowledged with an empty body.
type Dispatcher struct {
	registry *stream.Registry
	dedup    *stream.Dedup
	driver   Starter
	sessions Sessions
	commands *session.Commands
	images   Images
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		registry: cfg.Registry,
		dedup:    cfg.Dedup,
		driver:   cfg.Driver,
		sessions: cfg.Sessions,
		commands: cfg.Commands,
		images:   cfg.Images,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "dispatcher"),
	}
}

// Dispatch handles one callback and returns the reply to encrypt, if any.
func (d *Dispatcher) Dispatch(ctx context.Context, env *wecom.Envelope) *wecom.StreamReply {
	if env.MsgType == wecom.MsgTypeStream {
		return d.poll(env)
	}
	return d.message(ctx, env)
}

func (d *Dispatcher) poll(env *wecom.Envelope) *wecom.StreamReply {
	id := env.StreamID()
	st, ok := d.registry.Get(id)
	if !ok {
		d.logger.Info("poll for unknown stream", "stream_id", id)
		d.metrics.Callback(env.MsgType, "unknown_stream")
		return nil
	}
	if d.dedup.Seen(env.MsgID) {
		d.metrics.DedupHit()
		d.metrics.Callback(env.MsgType, "duplicate")
		return nil
	}

	content := st.Content
	if content == "" {
		content = ThinkingPlaceholder
	}
	d.logger.Debug("poll", "stream_id", id, "finish", st.Finished, "len", len(st.Content))
	d.metrics.Callback(env.MsgType, "poll")
	return wecom.NewStreamReply(id, st.Finished, content)
}

func (d *Dispatcher) message(ctx context.Context, env *wecom.Envelope) *wecom.StreamReply {
	if d.dedup.Seen(env.MsgID) {
		d.logger.Debug("duplicate message", "msgid", env.MsgID)
		d.metrics.DedupHit()
		d.metrics.Callback(env.MsgType, "duplicate")
		return nil
	}
	if env.MsgType == wecom.MsgTypeEvent {
		var eventType string
		if env.Event != nil {
			eventType = env.Event.EventType
		}
		d.logger.Info("event", "eventtype", eventType, "from", env.From.UserID)
		d.metrics.Callback(env.MsgType, "event")
		return nil
	}

	isGroup := env.IsGroup()
	base := session.BaseID(isGroup, env.ChatID, env.From.UserID)

	if env.MsgType == wecom.MsgTypeImage {
		return d.image(ctx, env, base)
	}

	text := wecom.ExtractText(env, isGroup)
	d.logger.Info("message", "source", env.Source(), "msgtype", env.MsgType, "msgid", env.MsgID, "text", preview(text, 100))
	if text == "" {
		d.metrics.Callback(env.MsgType, "empty")
		return nil
	}

	if d.commands.IsReset(text) && d.sessions != nil {
		return d.reset(ctx, env, base)
	}

	sessionID := d.sessionID(ctx, base)
	st := d.registry.Create(env.ResponseURL)
	d.driver.Start(text, sessionID, st.ID)
	d.logger.Info("stream started", "stream_id", st.ID, "session", sessionID)
	d.metrics.Callback(env.MsgType, "started")
	return wecom.NewStreamReply(st.ID, false, ThinkingPlaceholder)
}

// image replies at once and resolves the download in the background, since
// the platform expects an answer within a few seconds.
func (d *Dispatcher) image(ctx context.Context, env *wecom.Envelope, base string) *wecom.StreamReply {
	if d.images == nil || env.Image == nil {
		d.logger.Info("image ignored", "source", env.Source(), "msgid", env.MsgID)
		d.metrics.Callback(env.MsgType, "empty")
		return nil
	}

	sessionID := d.sessionID(ctx, base)
	st := d.registry.Create(env.ResponseURL)
	url := env.Image.URL
	bg := context.WithoutCancel(ctx)
	go func() {
		mctx, cancel := context.WithTimeout(bg, mediaTimeout)
		defer cancel()
		d.driver.Start(d.images.Placeholder(mctx, url), sessionID, st.ID)
	}()
	d.logger.Info("image stream started", "stream_id", st.ID, "session", sessionID)
	d.metrics.Callback(env.MsgType, "started")
	return wecom.NewStreamReply(st.ID, false, ThinkingPlaceholder)
}

func (d *Dispatcher) reset(ctx context.Context, env *wecom.Envelope, base string) *wecom.StreamReply {
	st := d.registry.Create(env.ResponseURL)
	reply := session.ReplyReset
	if _, err := d.sessions.Reset(ctx, base); err != nil {
		d.logger.Error("session reset failed", "session", base, "err", err)
		reply = stream.ReplyInternalError
	}
	d.registry.Finish(st.ID, reply)
	d.metrics.Callback(env.MsgType, "reset")
	return wecom.NewStreamReply(st.ID, true, reply)
}

func (d *Dispatcher) sessionID(ctx context.Context, base string) string {
	if d.sessions == nil {
		return base
	}
	id, err := d.sessions.SessionID(ctx, base)
	if err != nil {
		d.logger.Warn("session lookup failed, using base id", "session", base, "err", err)
		return base
	}
	return id
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
