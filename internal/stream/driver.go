package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"wecombridge/internal/domain"
	"wecombridge/internal/metrics"
	"wecombridge/internal/provider"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Texts written into a stream when the upstream produced no usable answer.
const (
	ReplyNoReply       = "(无回复)"
	ReplyUnavailable   = "⚠️ 服务暂时不可用，请稍后再试"
	ReplyRequestFailed = "⚠️ 请求失败，请稍后再试"
	ReplyInternalError = "⚠️ 内部错误"
)

// Status is the terminal classification of one driver run.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusNoReply       Status = "no_reply"
	StatusUnavailable   Status = "unavailable"
	StatusRequestFailed Status = "request_failed"
	StatusInternal      Status = "internal_error"
	StatusCancelled     Status = "cancelled"
)

const eventBuffer = 64

// Outcome summarizes a finished run.
type Outcome struct {
	StreamID   string
	SessionID  string
	Status     Status
	ContentLen int
	Duration   time.Duration
	FinishedAt time.Time
}

// Journal persists run outcomes. Implementations must be safe for concurrent use.
type Journal interface {
	RecordOutcome(ctx context.Context, o Outcome) error
}

type DriverConfig struct {
	Registry *Registry
	Provider domain.StreamingProvider
	Journal  Journal            // optional
	Metrics  *metrics.Collector // optional
	Logger   *slog.Logger

	// Timeout bounds a whole upstream run. Zero means no limit beyond the
	// registry TTL.
	Timeout time.Duration
	// MaxConcurrent caps in-flight upstream streams. Zero is unlimited.
	MaxConcurrent int
	// RateLimitPerMinute throttles new upstream requests. Zero disables.
	RateLimitPerMinute int
	// BaseContext parents every detached run; cancelling it stops them all.
	BaseContext context.Context
}

// Driver consumes upstream event streams and writes them into the registry.
// It is the only writer for the streams it runs.
type Driver struct {
	registry *Registry
	provider domain.StreamingProvider
	journal  Journal
	metrics  *metrics.Collector
	logger   *slog.Logger
	timeout  time.Duration
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	base     context.Context

	wg sync.WaitGroup
}

func NewDriver(cfg DriverConfig) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	d := &Driver{
		registry: cfg.Registry,
		provider: cfg.Provider,
		journal:  cfg.Journal,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "stream.driver"),
		timeout:  cfg.Timeout,
		base:     cfg.BaseContext,
	}
	if cfg.MaxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if cfg.RateLimitPerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1)
	}
	return d
}

// Start runs the stream in a detached goroutine. The run is cancelled when
// the registry evicts the stream or the base context ends.
func (d *Driver) Start(text, sessionID, streamID string) {
	ctx, cancel := context.WithCancel(d.base)
	if !d.registry.Attach(streamID, cancel) {
		d.logger.Warn("stream vanished before start", "stream_id", streamID)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		d.Run(ctx, text, sessionID, streamID)
	}()
}

// Wait blocks until every started run has returned.
func (d *Driver) Wait() { d.wg.Wait() }

// Run performs one upstream request for streamID and leaves the stream
// finished on every exit path, panics included.
func (d *Driver) Run(ctx context.Context, text, sessionID, streamID string) (out Outcome) {
	start := time.Now()
	out = Outcome{StreamID: streamID, SessionID: sessionID}
	d.metrics.StreamStarted()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("driver panic", "stream_id", streamID, "panic", r, "stack", string(debug.Stack()))
			d.registry.Fail(streamID, ReplyInternalError)
			out.Status = StatusInternal
		}
		out.Duration = time.Since(start)
		out.FinishedAt = time.Now()
		if s, ok := d.registry.Get(streamID); ok {
			out.ContentLen = len(s.Content)
		}
		d.metrics.StreamFinished(string(out.Status), out.Duration)
		d.record(out)
	}()

	out.Status = d.consume(ctx, text, sessionID, streamID)
	return out
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("provider panic: %v", e.value) }

func (d *Driver) consume(ctx context.Context, text, sessionID, streamID string) Status {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := d.acquire(ctx); err != nil {
		return d.fail(ctx, streamID, err)
	}
	defer d.release()

	events := make(chan domain.StreamEvent, eventBuffer)
	errCh := make(chan error, 1)
	go func() {
		defer close(events)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("provider panic", "stream_id", streamID, "panic", r, "stack", string(debug.Stack()))
				errCh <- &panicError{value: r}
			}
		}()
		errCh <- d.provider.ChatStream(ctx, domain.ChatRequest{Input: text, SessionID: sessionID}, events)
	}()

	var status Status
	for ev := range events {
		switch ev.Type {
		case domain.StreamToken:
			d.registry.Append(streamID, ev.Content)
		case domain.StreamDone:
			if status == "" {
				status = d.finish(streamID, ev.Content)
			}
		}
	}
	err := <-errCh

	if status != "" {
		// Completed before the transport ended; later errors cannot change it.
		if err != nil {
			d.logger.Debug("error after completion ignored", "stream_id", streamID, "err", err)
		}
		return status
	}
	if err != nil {
		return d.fail(ctx, streamID, err)
	}
	return d.finish(streamID, "")
}

func (d *Driver) acquire(ctx context.Context) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("concurrency limit: %w", err)
		}
	}
	return nil
}

func (d *Driver) release() {
	if d.sem != nil {
		d.sem.Release(1)
	}
}

// finish closes the stream, substituting the no-reply text when nothing
// was produced at all.
func (d *Driver) finish(streamID, final string) Status {
	if final == "" {
		if s, ok := d.registry.Get(streamID); ok && s.Content == "" {
			d.registry.Finish(streamID, ReplyNoReply)
			return StatusNoReply
		}
	}
	d.registry.Finish(streamID, final)
	return StatusCompleted
}

func (d *Driver) fail(ctx context.Context, streamID string, err error) Status {
	var (
		se *provider.StatusError
		pe *panicError
	)
	switch {
	case errors.As(err, &pe):
		d.registry.Fail(streamID, ReplyInternalError)
		return StatusInternal
	case errors.As(err, &se):
		d.logger.Warn("upstream unavailable", "stream_id", streamID, "status", se.StatusCode)
		d.registry.Fail(streamID, ReplyUnavailable)
		return StatusUnavailable
	case errors.Is(ctx.Err(), context.Canceled):
		d.logger.Info("stream cancelled", "stream_id", streamID)
		d.registry.Fail(streamID, ReplyRequestFailed)
		return StatusCancelled
	default:
		d.logger.Warn("upstream request failed", "stream_id", streamID, "err", err)
		d.registry.Fail(streamID, ReplyRequestFailed)
		return StatusRequestFailed
	}
}

func (d *Driver) record(o Outcome) {
	if d.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.journal.RecordOutcome(ctx, o); err != nil {
		d.logger.Warn("record outcome failed", "stream_id", o.StreamID, "err", err)
	}
}
