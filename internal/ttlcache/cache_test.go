package ttlcache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func TestCache_PutGet(t *testing.T) {
	c := New[string, int](Policy{})
	c.Put("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_MaxAgeHidesExpired(t *testing.T) {
	clk := newClock()
	c := New[string, int](Policy{MaxAge: time.Minute}, WithClock[string, int](clk.Now))
	c.Put("a", 1)

	clk.Advance(59 * time.Second)
	_, ok := c.Get("a")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "lazy expiry keeps the slot until a sweep")

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestCache_PutIfAbsent(t *testing.T) {
	clk := newClock()
	c := New[string, struct{}](Policy{MaxAge: time.Minute}, WithClock[string, struct{}](clk.Now))
	assert.True(t, c.PutIfAbsent("a", struct{}{}))
	assert.False(t, c.PutIfAbsent("a", struct{}{}))

	clk.Advance(2 * time.Minute)
	assert.True(t, c.PutIfAbsent("a", struct{}{}), "expired keys can be stored again")
}

func TestCache_SizeTriggeredSweep(t *testing.T) {
	clk := newClock()
	c := New[int, int](Policy{MaxAge: time.Minute, MaxSize: 3}, WithClock[int, int](clk.Now))
	c.Put(1, 1)
	c.Put(2, 2)
	clk.Advance(2 * time.Minute)
	c.Put(3, 3)
	assert.Equal(t, 3, c.Len(), "no sweep until size exceeds MaxSize")

	c.Put(4, 4)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(3)
	assert.True(t, ok)
}

func TestCache_SizeSweepKeepsFreshEntries(t *testing.T) {
	c := New[int, int](Policy{MaxAge: time.Hour, MaxSize: 2})
	for i := 0; i < 10; i++ {
		c.Put(i, i)
	}
	assert.Equal(t, 10, c.Len(), "bounded by age, not by count")
}

func TestCache_ExpiryFuncAndEvict(t *testing.T) {
	clk := newClock()
	var evicted []string
	c := New[string, bool](Policy{},
		WithClock[string, bool](clk.Now),
		WithExpiry[string, bool](func(done bool, _, _ time.Time) bool { return done }),
		WithEvict[string, bool](func(k string, _ bool) { evicted = append(evicted, k) }),
	)
	c.Put("live", false)
	c.Put("done", true)

	_, ok := c.Get("done")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, []string{"done"}, evicted)

	assert.True(t, c.Delete("live"))
	assert.False(t, c.Delete("live"))
	assert.Equal(t, []string{"done", "live"}, evicted)
}

func TestCache_Range(t *testing.T) {
	c := New[int, int](Policy{})
	for i := 0; i < 5; i++ {
		c.Put(i, i*i)
	}
	sum := 0
	c.Range(func(_ int, v int) bool {
		sum += v
		return true
	})
	assert.Equal(t, 0+1+4+9+16, sum)
}

func TestCache_ConcurrentPutIfAbsent(t *testing.T) {
	c := New[string, int](Policy{MaxAge: time.Minute, MaxSize: 100})
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.PutIfAbsent("same", 1) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
