// Package ratelimit provides the per-target token buckets that gate
// downstream calls. Acquisition never blocks: a false result means "reject
// now", not "wait".
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Settings configures one bucket.
type Settings struct {
	RefillPerMinute float64
	Burst           int
}

// SettingsFunc resolves the settings for a target.
type SettingsFunc func(target string) Settings

// Limiter is implemented by the in-process registry and the Redis backend.
type Limiter interface {
	Acquire(ctx context.Context, target string) (bool, error)
}

// Stats is a point-in-time view of a bucket.
type Stats struct {
	Name            string  `json:"name"`
	Tokens          float64 `json:"tokens"`
	Burst           int     `json:"burst"`
	RefillPerMinute float64 `json:"refill_per_minute"`
}

// Bucket is a token bucket that starts full, refills continuously at
// RefillPerMinute/60 tokens per second and never holds more than Burst tokens.
type Bucket struct {
	name     string
	settings Settings
	lim      *rate.Limiter
	now      func() time.Time
}

// NewBucket returns a full bucket.
func NewBucket(name string, settings Settings, now func() time.Time) *Bucket {
	settings = normalize(settings)
	if now == nil {
		now = time.Now
	}
	b := &Bucket{
		name:     name,
		settings: settings,
		lim:      rate.NewLimiter(rate.Limit(settings.RefillPerMinute/60), settings.Burst),
		now:      now,
	}
	return b
}

// Acquire takes one token if available.
func (b *Bucket) Acquire() bool {
	return b.lim.AllowN(b.now(), 1)
}

// Tokens reports the tokens available right now.
func (b *Bucket) Tokens() float64 {
	return b.lim.TokensAt(b.now())
}

// Stats returns a snapshot of the bucket.
func (b *Bucket) Stats() Stats {
	return Stats{
		Name:            b.name,
		Tokens:          b.Tokens(),
		Burst:           b.settings.Burst,
		RefillPerMinute: b.settings.RefillPerMinute,
	}
}

func normalize(s Settings) Settings {
	if s.RefillPerMinute <= 0 {
		s.RefillPerMinute = 60
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	return s
}

// Registry keeps one in-process bucket per target.
type Registry struct {
	settings SettingsFunc
	now      func() time.Time

	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewRegistry creates an in-process limiter. now may be nil.
func NewRegistry(settings SettingsFunc, now func() time.Time) *Registry {
	if settings == nil {
		settings = func(string) Settings { return Settings{} }
	}
	return &Registry{settings: settings, now: now, buckets: make(map[string]*Bucket)}
}

// Get returns the bucket for target, creating it on first use.
func (r *Registry) Get(target string) *Bucket {
	r.mu.RLock()
	b, ok := r.buckets[target]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.buckets[target]; ok {
		return b
	}
	b = NewBucket(target, r.settings(target), r.now)
	r.buckets[target] = b
	return b
}

// Acquire implements Limiter.
func (r *Registry) Acquire(_ context.Context, target string) (bool, error) {
	return r.Get(target).Acquire(), nil
}

// Snapshot returns every bucket's stats ordered by target.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.buckets))
	for _, b := range r.buckets {
		out = append(out, b.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var _ Limiter = (*Registry)(nil)
