package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTarget struct{ calls atomic.Int32 }

func (c *countingTarget) Sweep() int {
	c.calls.Add(1)
	return 0
}

func TestSweeper_SweepOnce(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)
	dedup := NewDedup(DedupConfig{Window: time.Minute, Now: clock.Now})

	reg.Finish(reg.Create("").ID, "done")
	dedup.Seen("m1")
	clock.Advance(2 * time.Minute)

	s := NewSweeper("", quietLogger())
	s.Add("registry", reg)
	s.Add("dedup", dedup)
	s.SweepOnce()

	assert.Zero(t, reg.Len())
	assert.Zero(t, dedup.Len())
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	s := NewSweeper("every now and then", quietLogger())
	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "invalid sweep schedule")
}

func TestSweeper_RunsOnSchedule(t *testing.T) {
	target := &countingTarget{}
	s := NewSweeper("@every 1s", quietLogger())
	s.Add("counter", target)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return target.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	s.Stop()
	s.Stop()
}
