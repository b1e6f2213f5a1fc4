// Package calendar caches rendered capture agent calendars and tracks the
// schedule's last modification time that decides their freshness.
package calendar

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	appLog "capsched/internal/log"
	"capsched/internal/metrics"
)

// Entry is a rendered calendar together with the lastModified value it was
// generated against.
type Entry struct {
	Text        string    `json:"text"`
	GeneratedAt time.Time `json:"generatedAt"`
	Basis       time.Time `json:"basis"`
}

// Backend stores entries by agent id. A missing entry is (Entry{}, false, nil).
type Backend interface {
	Get(ctx context.Context, agent string) (Entry, bool, error)
	Put(ctx context.Context, agent string, e Entry) error
}

// SharedClock is implemented by backends whose entries are visible to
// other processes. lastModified is then kept in the backend as well, so a
// mutation made by any process stales the entries of all of them.
type SharedClock interface {
	// LastModified returns the shared value; found is false before the
	// first Bump.
	LastModified(ctx context.Context) (at time.Time, found bool, err error)
	// Bump raises the shared value to at, or to one tick past the current
	// value when that is not earlier, and returns the stored value.
	Bump(ctx context.Context, at time.Time) (time.Time, error)
}

// Generator renders the calendar text for one agent.
type Generator func(ctx context.Context) (string, error)

// Cache serves calendars from a Backend and regenerates them when the
// schedule changed after they were built. Generation is serialized: at most
// one generator runs at a time across all agents.
type Cache struct {
	mu      sync.Mutex
	backend Backend
	shared  SharedClock
	now     func() time.Time

	// lastModified is unix nanoseconds; it only ever grows. With a shared
	// backend it is the latest value this process has seen or written.
	lastModified atomic.Int64
}

// New creates a Cache. A nil backend means a MemoryBackend, a nil clock
// means time.Now.
func New(backend Backend, now func() time.Time) *Cache {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if now == nil {
		now = time.Now
	}
	c := &Cache{backend: backend, now: now}
	if sc, ok := backend.(SharedClock); ok {
		// The backend's value decides; a process start is not a change.
		c.shared = sc
	} else {
		c.lastModified.Store(now().UnixNano())
	}
	return c
}

// LastModified returns the latest lastModified known to this process
// without consulting a shared backend. Use Sync for the authoritative value.
func (c *Cache) LastModified() time.Time {
	return time.Unix(0, c.lastModified.Load())
}

// Sync returns lastModified, first pulling in changes made by other
// processes when the backend is shared. If the backend cannot be reached
// the local value is returned.
func (c *Cache) Sync(ctx context.Context) time.Time {
	if c.shared == nil {
		return c.LastModified()
	}
	at, found, err := c.shared.LastModified(ctx)
	if err == nil && !found {
		at, err = c.shared.Bump(ctx, c.now())
	}
	if err != nil {
		appLog.Warn("shared last-modified unavailable, using local value", "err", err.Error())
		return c.LastModified()
	}
	return c.raise(at)
}

// raise moves lastModified up to at and returns the resulting value.
func (c *Cache) raise(at time.Time) time.Time {
	n := at.UnixNano()
	for {
		prev := c.lastModified.Load()
		if n <= prev {
			return time.Unix(0, prev)
		}
		if c.lastModified.CompareAndSwap(prev, n) {
			return time.Unix(0, n)
		}
	}
}

// Invalidate marks every cached calendar stale and returns the new
// lastModified. The value strictly increases even if the clock does not.
// With a shared backend the new value is published there too.
func (c *Cache) Invalidate(ctx context.Context) time.Time {
	var t time.Time
	for {
		prev := c.lastModified.Load()
		next := c.now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if c.lastModified.CompareAndSwap(prev, next) {
			t = time.Unix(0, next)
			break
		}
	}

	if c.shared != nil {
		at, err := c.shared.Bump(ctx, t)
		if err != nil {
			appLog.Warn("shared last-modified not updated", "err", err.Error())
		} else {
			t = c.raise(at)
		}
	}
	metrics.SetLastModified(float64(t.UnixNano()) / 1e9)
	return t
}

// Get returns the calendar of agent, calling gen when no entry exists or the
// cached one predates the last Invalidate.
func (c *Cache) Get(ctx context.Context, agent string, gen Generator) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	basis := c.Sync(ctx)

	cached, ok, err := c.backend.Get(ctx, agent)
	if err != nil {
		appLog.Warn("calendar cache read failed, regenerating", "agent", agent, "err", err.Error())
		ok = false
	}
	if ok && !cached.Basis.Before(basis) {
		metrics.RecordCalendarRequest(true)
		return cached, nil
	}
	metrics.RecordCalendarRequest(false)

	started := time.Now()
	text, err := gen(ctx)
	if err != nil {
		return Entry{}, err
	}
	metrics.ObserveCalendarGeneration(time.Since(started).Seconds())

	entry := Entry{Text: text, GeneratedAt: c.now(), Basis: basis}
	if err := c.backend.Put(ctx, agent, entry); err != nil {
		appLog.Warn("calendar cache write failed", "agent", agent, "err", err.Error())
	}
	appLog.Debug("calendar generated", "agent", agent, "bytes", len(text))
	return entry, nil
}

// MemoryBackend keeps entries in a map.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (b *MemoryBackend) Get(_ context.Context, agent string) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[agent]
	return e, ok, nil
}

func (b *MemoryBackend) Put(_ context.Context, agent string, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[agent] = e
	return nil
}

// Delete drops the entry of agent.
func (b *MemoryBackend) Delete(_ context.Context, agent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, agent)
	return nil
}
