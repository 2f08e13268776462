package memory

import (
	"sort"
	"sync"
	"time"

	positions "fleet-link/internal/positions/domain"
)

// Entry is a cached position together with its staleness at read time.
type Entry struct {
	Position  positions.Position  `json:"position"`
	Staleness positions.Staleness `json:"staleness"`
}

// Cache keeps the latest position per entity. Writes are monotonic in CapturedAt.
type Cache struct {
	mu         sync.RWMutex
	data       map[string]positions.Position
	thresholds positions.Thresholds
	clock      positions.Clock
}

// Option configures a Cache.
type Option func(*Cache)

// WithThresholds overrides the staleness thresholds.
func WithThresholds(t positions.Thresholds) Option {
	return func(c *Cache) {
		c.thresholds = t
	}
}

// WithClock overrides the clock used for receivedAt stamping and staleness.
func WithClock(clock positions.Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCache constructs an empty cache.
func NewCache(opts ...Option) (*Cache, error) {
	c := &Cache{
		data:       make(map[string]positions.Position),
		thresholds: positions.DefaultThresholds(),
		clock:      positions.SystemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.thresholds.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Put stores the position unless an equal-or-newer capture is already cached.
// It reports whether the position was applied.
func (c *Cache) Put(entityID string, position positions.Position) (bool, error) {
	position.EntityID = entityID
	if err := position.Validate(); err != nil {
		return false, err
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(position, now), nil
}

// BatchPut applies Put semantics per record inside a single critical section so
// readers never see a partially applied batch. Invalid records are skipped and
// returned alongside the applied count.
func (c *Cache) BatchPut(records []positions.Position) (int, []error) {
	if len(records) == 0 {
		return 0, nil
	}
	now := c.clock.Now()
	var errs []error
	valid := make([]positions.Position, 0, len(records))
	for _, record := range records {
		if err := record.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		valid = append(valid, record)
	}

	applied := 0
	c.mu.Lock()
	for _, record := range valid {
		if c.putLocked(record, now) {
			applied++
		}
	}
	c.mu.Unlock()
	return applied, errs
}

func (c *Cache) putLocked(position positions.Position, now time.Time) bool {
	if current, ok := c.data[position.EntityID]; ok && position.CapturedAt.Before(current.CapturedAt) {
		return false
	}
	if position.ReceivedAt.IsZero() {
		position.ReceivedAt = now
	}
	position.CapturedAt = position.CapturedAt.UTC()
	position.ReceivedAt = position.ReceivedAt.UTC()
	c.data[position.EntityID] = position
	return true
}

// Get returns the cached position and its staleness. Missing entities report
// StalenessUnknown and ok=false.
func (c *Cache) Get(entityID string) (positions.Position, positions.Staleness, bool) {
	c.mu.RLock()
	position, ok := c.data[entityID]
	c.mu.RUnlock()
	if !ok {
		return positions.Position{}, positions.StalenessUnknown, false
	}
	return position, c.thresholds.Classify(position.ReceivedAt, c.clock.Now()), true
}

// Snapshot returns every cached entry ordered by entity id.
func (c *Cache) Snapshot() []Entry {
	now := c.clock.Now()
	c.mu.RLock()
	out := make([]Entry, 0, len(c.data))
	for _, position := range c.data {
		out = append(out, Entry{Position: position, Staleness: c.thresholds.Classify(position.ReceivedAt, now)})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Position.EntityID < out[j].Position.EntityID
	})
	return out
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Sweep purges every record received before now-olderThan and returns the count removed.
func (c *Cache) Sweep(olderThan time.Duration) int {
	if olderThan <= 0 {
		return 0
	}
	cutoff := c.clock.Now().Add(-olderThan)
	removed := 0
	c.mu.Lock()
	for id, position := range c.data {
		if position.ReceivedAt.Before(cutoff) {
			delete(c.data, id)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}
