package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(RegistryConfig{Now: clock.Now, Logger: quietLogger()})
}

func TestRegistry_CreateIsVisible(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	s := r.Create("https://example.com/resp")
	assert.Len(t, s.ID, 32)
	assert.Equal(t, PhaseCreated, s.Phase())

	got, ok := r.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s, got)
	assert.Equal(t, "https://example.com/resp", got.ResponseURL)
	assert.Equal(t, clock.Now(), got.CreatedAt)
}

func TestRegistry_IDsAreUnique(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := r.Create("").ID
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestRegistry_UpdatesAndFinish(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	id := r.Create("").ID

	assert.True(t, r.Append(id, "Hel"))
	assert.True(t, r.Append(id, "lo"))
	s, _ := r.Get(id)
	assert.Equal(t, "Hello", s.Content)
	assert.Equal(t, PhaseStreaming, s.Phase())

	assert.True(t, r.Replace(id, "Hi"))
	clock.Advance(time.Second)
	assert.True(t, r.Finish(id, ""))

	s, _ = r.Get(id)
	assert.Equal(t, "Hi", s.Content)
	assert.True(t, s.Finished)
	assert.Equal(t, clock.Now(), s.FinishedAt)
	assert.Equal(t, PhaseFinished, s.Phase())
}

func TestRegistry_FinishedIsImmutable(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	id := r.Create("").ID
	require.True(t, r.Finish(id, "done"))

	assert.False(t, r.Append(id, "more"))
	assert.False(t, r.Replace(id, "other"))
	assert.False(t, r.Finish(id, "again"))
	assert.False(t, r.Fail(id, "err"))

	s, _ := r.Get(id)
	assert.Equal(t, "done", s.Content)
	assert.True(t, s.Finished)
}

func TestRegistry_UnknownID(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	_, ok := r.Get("nope")
	assert.False(t, ok)
	assert.False(t, r.Append("nope", "x"))
	assert.False(t, r.Finish("nope", "x"))
}

func TestRegistry_GraceAfterFinish(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	id := r.Create("").ID

	clock.Advance(5 * time.Minute)
	r.Finish(id, "ok")

	clock.Advance(29 * time.Second)
	_, ok := r.Get(id)
	assert.True(t, ok, "still inside grace")

	clock.Advance(2 * time.Second)
	_, ok = r.Get(id)
	assert.False(t, ok, "grace elapsed")

	assert.Equal(t, 1, r.Len(), "lazy expiry keeps the entry until sweep")
	assert.Equal(t, 1, r.Sweep())
	assert.Zero(t, r.Len())
}

func TestRegistry_AbsoluteTTL(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	id := r.Create("").ID
	r.Append(id, "partial")

	clock.Advance(10*time.Minute - time.Second)
	_, ok := r.Get(id)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = r.Get(id)
	assert.False(t, ok)
}

func TestRegistry_SweepCancelsAttached(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	id := r.Create("").ID

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, r.Attach(id, cancel))

	clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, r.Sweep())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestRegistry_AttachMissingCancelsAtOnce(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	assert.False(t, r.Attach("gone", cancel))
	assert.Error(t, ctx.Err())
}

func TestRegistry_CloseCancelsAll(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	var ctxs []context.Context
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		r.Attach(r.Create("").ID, cancel)
		ctxs = append(ctxs, ctx)
	}
	r.Close()
	for _, ctx := range ctxs {
		assert.Error(t, ctx.Err())
	}
	assert.Equal(t, 3, r.Len())
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	id := r.Create("").ID

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s, ok := r.Get(id)
				if ok && s.Finished {
					assert.Equal(t, "final", s.Content)
				}
			}
		}()
	}
	for j := 0; j < 100; j++ {
		r.Append(id, "x")
	}
	r.Finish(id, "final")
	wg.Wait()
}
