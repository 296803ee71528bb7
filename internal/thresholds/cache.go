// Package thresholds provides the cached threshold configuration used by
// eligibility decisions.
//
// A [Cache] is built explicitly and injected into its consumers; there is
// no package-level instance. The cache loads lazily from a [Source], serves
// reads from memory until it is invalidated (or its optional TTL passes),
// and falls back to [models.DefaultThresholds] when the source fails or is
// empty. Updates are written key by key and invalidate the cache, so the
// next read observes them. Callers that cannot tolerate a stale value call
// [Cache.Refresh].
package thresholds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/pkg/models"
)

// ErrConfigUnavailable is reported when the threshold source cannot be
// read. Reads degrade to the default thresholds.
var ErrConfigUnavailable = errors.New("threshold configuration unavailable")

// Source is the backing store for raw threshold values.
type Source interface {
	// LoadThresholds returns every stored key/value pair. An empty map is
	// valid and means "use defaults".
	LoadThresholds(ctx context.Context) (map[string]string, error)
	// SetThreshold stores a single key.
	SetThreshold(ctx context.Context, key, value string) error
}

// Reader is the read side of the cache, as consumed by eligibility.
type Reader interface {
	Get(ctx context.Context) models.Thresholds
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL expires cached values after ttl. Zero keeps them until
// invalidated.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithLogger sets the logger used for fallbacks and parse warnings.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithFallbackHook is called every time a read falls back to defaults
// because the source failed.
func WithFallbackHook(hook func(ctx context.Context, err error)) Option {
	return func(c *Cache) { c.onFallback = hook }
}

// Cache is a lazily populated, explicitly invalidated threshold cache.
type Cache struct {
	source     Source
	logger     *logging.Logger
	now        func() time.Time
	ttl        time.Duration
	onFallback func(ctx context.Context, err error)

	mu         sync.RWMutex
	cached     *models.Thresholds
	loadedAt   time.Time
	generation uint64

	group singleflight.Group
}

// NewCache creates a cache over source.
func NewCache(source Source, opts ...Option) *Cache {
	c := &Cache{
		source: source,
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Component("thresholds")
	return c
}

// Get returns the current thresholds. It never fails: when the source is
// unavailable the defaults are returned and the failure is logged.
func (c *Cache) Get(ctx context.Context) models.Thresholds {
	if th, ok := c.fresh(); ok {
		return th
	}
	v, err, _ := c.group.Do("thresholds", func() (any, error) {
		return c.load(ctx)
	})
	if err != nil {
		c.fallback(ctx, err)
		return models.DefaultThresholds()
	}
	return clone(v.(models.Thresholds))
}

// Refresh forces a reload from the source, bypassing the cache. On failure
// it returns the defaults together with an error wrapping
// ErrConfigUnavailable.
func (c *Cache) Refresh(ctx context.Context) (models.Thresholds, error) {
	c.Invalidate()
	th, err := c.load(ctx)
	if err != nil {
		c.fallback(ctx, err)
		return models.DefaultThresholds(), err
	}
	return clone(th), nil
}

// Invalidate drops the cached value. Loads already in flight will not
// repopulate the cache.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.generation++
	c.mu.Unlock()
}

// Update validates and stores one threshold, then invalidates the cache.
func (c *Cache) Update(ctx context.Context, key, value string) error {
	if err := ValidateValue(key, value); err != nil {
		return err
	}
	defer c.Invalidate()
	if err := c.source.SetThreshold(ctx, key, value); err != nil {
		return fmt.Errorf("failed to store threshold %s: %w", key, err)
	}
	c.logger.Info("threshold updated", "key", key, "value", value)
	return nil
}

// UpdateMany applies a partial threshold set key by key. Every value is
// validated before anything is written. Keys are written in sorted order;
// on failure the keys written so far stay written.
func (c *Cache) UpdateMany(ctx context.Context, values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k, v := range values {
		if err := ValidateValue(k, v); err != nil {
			return err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	defer c.Invalidate()
	for _, k := range keys {
		if err := c.source.SetThreshold(ctx, k, values[k]); err != nil {
			return fmt.Errorf("failed to store threshold %s: %w", k, err)
		}
	}
	c.logger.Info("thresholds updated", "keys", keys)
	return nil
}

func (c *Cache) fresh() (models.Thresholds, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached == nil {
		return models.Thresholds{}, false
	}
	if c.ttl > 0 && c.now().Sub(c.loadedAt) >= c.ttl {
		return models.Thresholds{}, false
	}
	return clone(*c.cached), true
}

func (c *Cache) load(ctx context.Context) (models.Thresholds, error) {
	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	raw, err := c.source.LoadThresholds(ctx)
	if err != nil {
		return models.Thresholds{}, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}

	th, problems := Parse(raw)
	for _, p := range problems {
		c.logger.Warn("ignoring invalid threshold value, using default", "error", p)
	}

	c.mu.Lock()
	if c.generation == gen {
		stored := clone(th)
		c.cached = &stored
		c.loadedAt = c.now()
	}
	c.mu.Unlock()
	return th, nil
}

func (c *Cache) fallback(ctx context.Context, err error) {
	c.logger.Warn("threshold source unavailable, using defaults", "error", err)
	if c.onFallback != nil {
		c.onFallback(ctx, err)
	}
}

func clone(t models.Thresholds) models.Thresholds {
	t.StrategicAccountPlans = append([]string(nil), t.StrategicAccountPlans...)
	return t
}
