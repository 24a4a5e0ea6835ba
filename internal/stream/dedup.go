package stream

import (
	"time"

	"wecombridge/internal/ttlcache"
)

const (
	defaultDedupWindow     = 10 * time.Minute
	defaultDedupMaxEntries = 1000
)

type DedupConfig struct {
	Window     time.Duration    // how long an id is remembered (default 10m)
	MaxEntries int              // table size that triggers a sweep (default 1000)
	Now        func() time.Time // optional clock
}

// Dedup remembers callback message ids so platform retries are answered
// without starting a second reply. Memory is bounded by a sweep that runs
// when the table grows past MaxEntries, so expiry is not time-exact.
type Dedup struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewDedup(cfg DedupConfig) *Dedup {
	if cfg.Window <= 0 {
		cfg.Window = defaultDedupWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultDedupMaxEntries
	}
	opts := []ttlcache.Option[string, struct{}]{}
	if cfg.Now != nil {
		opts = append(opts, ttlcache.WithClock[string, struct{}](cfg.Now))
	}
	return &Dedup{
		cache: ttlcache.New(ttlcache.Policy{MaxAge: cfg.Window, MaxSize: cfg.MaxEntries}, opts...),
	}
}

// Seen reports whether id was already recorded, recording it if not. The
// check and the insert are atomic, so concurrent deliveries of one id see
// exactly one false. Empty ids are never recorded.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	return !d.cache.PutIfAbsent(id, struct{}{})
}

// Sweep drops ids older than the window.
func (d *Dedup) Sweep() int { return d.cache.Sweep() }

func (d *Dedup) Len() int { return d.cache.Len() }
