package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 30s"

// Sweepable is anything with expired entries to drop.
type Sweepable interface {
	Sweep() int
}

// Sweeper evicts expired registry and dedup entries on a cron schedule. Get
// already hides expired entries, so the schedule only bounds memory and how
// soon abandoned drivers get cancelled.
type Sweeper struct {
	schedule string
	targets  map[string]Sweepable
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

func NewSweeper(schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		schedule: schedule,
		targets:  make(map[string]Sweepable),
		cron:     cron.New(),
		logger:   logger.With("component", "stream.sweeper"),
	}
}

// Add registers a named target. Call before Start.
func (s *Sweeper) Add(name string, t Sweepable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[name] = t
}

// Start schedules sweeps and stops them when ctx ends.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, s.SweepOnce); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("sweeper started", "schedule", s.schedule, "targets", len(s.targets))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// SweepOnce sweeps every target immediately.
func (s *Sweeper) SweepOnce() {
	s.mu.Lock()
	targets := make(map[string]Sweepable, len(s.targets))
	for k, v := range s.targets {
		targets[k] = v
	}
	s.mu.Unlock()

	for name, t := range targets {
		if n := t.Sweep(); n > 0 {
			s.logger.Debug("swept", "target", name, "removed", n)
		}
	}
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	// SweepOnce takes s.mu, so wait for it unlocked.
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}
