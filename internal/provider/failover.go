package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"wecombridge/internal/domain"
)

// Failover tries upstreams in order. It only moves to the next one while
// nothing has been forwarded yet; once a token has reached the caller the
// stream is committed to that upstream and its error is returned as is.
type Failover struct {
	providers []domain.StreamingProvider
	logger    *slog.Logger
}

var _ domain.StreamingProvider = (*Failover)(nil)

// NewFailover creates a failover chain. At least one provider is required.
func NewFailover(providers []domain.StreamingProvider, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		providers: providers,
		logger:    logger.With("component", "provider.failover"),
	}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

// Healthy succeeds when any upstream in the chain is healthy.
func (f *Failover) Healthy(ctx context.Context) error {
	var errs []error
	for _, p := range f.providers {
		err := p.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("no healthy upstream in failover chain: %w", errors.Join(errs...))
}

func (f *Failover) ChatStream(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	if len(f.providers) == 0 {
		return errors.New("failover chain is empty")
	}
	var lastErr error
	for i, p := range f.providers {
		forwarded, err := f.try(ctx, p, req, out)
		if err == nil {
			if i > 0 {
				f.logger.Info("used fallback upstream", "upstream", p.Name(), "attempt", i+1)
			}
			return nil
		}
		if forwarded || ctx.Err() != nil {
			return err
		}
		lastErr = err
		f.logger.Warn("upstream failed before first event, trying next",
			"upstream", p.Name(),
			"attempt", i+1,
			"err", err,
		)
	}
	return fmt.Errorf("all upstreams in failover chain failed: %w", lastErr)
}

// try runs one upstream on a private channel so a failed attempt never
// leaves events in out. It reports whether anything was forwarded.
func (f *Failover) try(ctx context.Context, p domain.StreamingProvider, req domain.ChatRequest, out chan<- domain.StreamEvent) (bool, error) {
	inner := make(chan domain.StreamEvent)
	errCh := make(chan error, 1)
	go func() {
		defer close(inner)
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("upstream %s panicked: %v", p.Name(), rec)
			}
		}()
		errCh <- p.ChatStream(ctx, req, inner)
	}()

	forwarded := false
	for ev := range inner {
		select {
		case out <- ev:
			forwarded = true
		case <-ctx.Done():
			for range inner {
			}
			<-errCh
			return forwarded, ctx.Err()
		}
	}
	return forwarded, <-errCh
}
