// Package stream turns an asynchronous upstream reply into state that the
// webhook can poll: a registry of reply states, a dedup filter for callback
// retries, and the driver that feeds upstream events into the registry.
package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wecombridge/internal/ttlcache"

	"github.com/google/uuid"
)

const (
	defaultTTL   = 10 * time.Minute
	defaultGrace = 30 * time.Second
)

// Phase is the lifecycle position of a stream. Evicted streams are simply
// absent from the registry.
type Phase string

const (
	PhaseCreated   Phase = "created"
	PhaseStreaming Phase = "streaming"
	PhaseFinished  Phase = "finished"
)

// State is an immutable snapshot of one reply.
type State struct {
	ID          string
	Content     string
	Finished    bool
	CreatedAt   time.Time
	FinishedAt  time.Time
	ResponseURL string
}

func (s State) Phase() Phase {
	switch {
	case s.Finished:
		return PhaseFinished
	case s.Content != "":
		return PhaseStreaming
	default:
		return PhaseCreated
	}
}

// entry holds the current snapshot. Writers swap the pointer; readers never
// see a partially written state.
type entry struct {
	state atomic.Pointer[State]

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (e *entry) stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

type RegistryConfig struct {
	TTL    time.Duration    // absolute lifetime from creation (default 10m)
	Grace  time.Duration    // lifetime after finishing (default 30s)
	Now    func() time.Time // optional clock
	NewID  func() string    // optional id source
	Logger *slog.Logger
}

// Registry is the table of in-flight replies. The table lock is only taken
// for lookup, insert and delete; state updates go through the entry.
type Registry struct {
	cache  *ttlcache.Cache[string, *entry]
	grace  time.Duration
	newID  func() string
	logger *slog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.NewID == nil {
		cfg.NewID = newStreamID
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		grace:  cfg.Grace,
		newID:  cfg.NewID,
		logger: cfg.Logger.With("component", "stream.registry"),
	}
	opts := []ttlcache.Option[string, *entry]{
		ttlcache.WithExpiry[string, *entry](r.finishedExpired),
		ttlcache.WithEvict[string, *entry](func(_ string, e *entry) { e.stop() }),
	}
	if cfg.Now != nil {
		opts = append(opts, ttlcache.WithClock[string, *entry](cfg.Now))
	}
	r.cache = ttlcache.New(ttlcache.Policy{MaxAge: cfg.TTL}, opts...)
	return r
}

func newStreamID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (r *Registry) finishedExpired(e *entry, _, now time.Time) bool {
	s := e.state.Load()
	return s.Finished && now.Sub(s.FinishedAt) >= r.grace
}

// Create registers a new empty reply and returns its snapshot. The state is
// visible to Get before Create returns.
func (r *Registry) Create(responseURL string) State {
	s := &State{
		ID:          r.newID(),
		CreatedAt:   r.cache.Now(),
		ResponseURL: responseURL,
	}
	e := &entry{}
	e.state.Store(s)
	r.cache.Put(s.ID, e)
	return *s
}

// Get returns the current snapshot, or false for unknown or expired ids.
func (r *Registry) Get(id string) (State, bool) {
	e, ok := r.cache.Get(id)
	if !ok {
		return State{}, false
	}
	return *e.state.Load(), true
}

// Attach ties a cancel func to the stream so eviction stops its driver. If the
// stream is already gone, cancel runs immediately and Attach returns false.
func (r *Registry) Attach(id string, cancel context.CancelFunc) bool {
	e, ok := r.cache.Get(id)
	if !ok {
		cancel()
		return false
	}
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	return true
}

// update applies fn to a copy of the current state and swaps it in. Finished
// states are immutable, so update is a no-op for them.
func (r *Registry) update(id string, fn func(*State)) bool {
	e, ok := r.cache.Get(id)
	if !ok {
		return false
	}
	for {
		old := e.state.Load()
		if old.Finished {
			return false
		}
		next := *old
		fn(&next)
		if e.state.CompareAndSwap(old, &next) {
			return true
		}
	}
}

// Append adds an incremental delta to the content.
func (r *Registry) Append(id, delta string) bool {
	if delta == "" {
		return false
	}
	return r.update(id, func(s *State) { s.Content += delta })
}

// Replace overwrites the content without finishing.
func (r *Registry) Replace(id, content string) bool {
	return r.update(id, func(s *State) { s.Content = content })
}

// Finish marks the stream finished, replacing the content when final is
// non-empty.
func (r *Registry) Finish(id, final string) bool {
	now := r.cache.Now()
	return r.update(id, func(s *State) {
		if final != "" {
			s.Content = final
		}
		s.Finished = true
		s.FinishedAt = now
	})
}

// Fail finishes the stream with a user-visible error message as content.
func (r *Registry) Fail(id, message string) bool {
	now := r.cache.Now()
	return r.update(id, func(s *State) {
		s.Content = message
		s.Finished = true
		s.FinishedAt = now
	})
}

// Sweep evicts expired streams, cancelling any driver still attached.
func (r *Registry) Sweep() int {
	n := r.cache.Sweep()
	if n > 0 {
		r.logger.Debug("evicted streams", "count", n)
	}
	return n
}

// Len counts stored streams, including expired ones not yet swept.
func (r *Registry) Len() int { return r.cache.Len() }

// Close cancels every attached driver. Entries stay readable.
func (r *Registry) Close() {
	var entries []*entry
	r.cache.Range(func(_ string, e *entry) bool {
		entries = append(entries, e)
		return true
	})
	for _, e := range entries {
		e.stop()
	}
}
