package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedup_Sequence(t *testing.T) {
	d := NewDedup(DedupConfig{})
	var got []bool
	for _, id := range []string{"a", "a", "b"} {
		got = append(got, d.Seen(id))
	}
	assert.Equal(t, []bool{false, true, false}, got)
}

func TestDedup_EmptyIDNeverRecorded(t *testing.T) {
	d := NewDedup(DedupConfig{})
	assert.False(t, d.Seen(""))
	assert.False(t, d.Seen(""))
	assert.Zero(t, d.Len())
}

func TestDedup_WindowExpiry(t *testing.T) {
	clock := newFakeClock()
	d := NewDedup(DedupConfig{Window: time.Minute, Now: clock.Now})

	assert.False(t, d.Seen("m1"))
	clock.Advance(59 * time.Second)
	assert.True(t, d.Seen("m1"))
	clock.Advance(2 * time.Second)
	assert.False(t, d.Seen("m1"), "forgotten after the window")
}

func TestDedup_SweepOnOverflow(t *testing.T) {
	clock := newFakeClock()
	d := NewDedup(DedupConfig{Window: time.Minute, MaxEntries: 10, Now: clock.Now})

	for i := 0; i < 10; i++ {
		d.Seen(fmt.Sprintf("old-%d", i))
	}
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 10, d.Len())

	d.Seen("new")
	assert.Equal(t, 1, d.Len())
}

func TestDedup_ConcurrentSameID(t *testing.T) {
	d := NewDedup(DedupConfig{})
	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !d.Seen("same") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load())
}
