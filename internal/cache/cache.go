// Package cache is the process-wide TTL cache for metadata lookups.
//
// Values live in a ttlcache store; the service keeps its own index of live
// keys so it can invalidate by glob pattern and count keys per prefix. Every
// entry carries an absolute expiry checked on read, so a value is never served
// past insertedAt+ttl regardless of how the store schedules eviction.
package cache

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Key prefixes. Every key built by the generators in keys.go starts with one of these.
const (
	PrefixTables       = "tables"
	PrefixProcedures   = "procedures"
	PrefixSchema       = "schema"
	PrefixColumns      = "columns"
	PrefixDependencies = "dependencies"
)

// Prefixes lists the known key prefixes in reporting order.
var Prefixes = []string{PrefixTables, PrefixProcedures, PrefixSchema, PrefixColumns, PrefixDependencies}

// Config is the cache service's own config type.
type Config struct {
	// DefaultTTL applies to keys whose prefix has no entry in TTLs.
	DefaultTTL time.Duration
	// TTLs maps a key prefix to its TTL.
	TTLs map[string]time.Duration
}

// DefaultConfig returns the stock TTLs: schema-shaped lookups live longer than listings.
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 5 * time.Minute,
		TTLs: map[string]time.Duration{
			PrefixTables:       10 * time.Minute,
			PrefixProcedures:   5 * time.Minute,
			PrefixSchema:       30 * time.Minute,
			PrefixColumns:      30 * time.Minute,
			PrefixDependencies: 15 * time.Minute,
		},
	}
}

type entry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
}

func (e entry) expiresAt() time.Time { return e.insertedAt.Add(e.ttl) }

// Metrics is a snapshot of hit/miss counters. HitRatio is a percentage in [0,100].
type Metrics struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
}

// Info describes the cache configuration and the keys it currently tracks.
type Info struct {
	DefaultTTL   string            `json:"default_ttl"`
	TTLs         map[string]string `json:"ttls"`
	TrackedKeys  int               `json:"tracked_keys"`
	KeysByPrefix map[string]int    `json:"keys_by_prefix"`
	OtherKeys    int               `json:"other_keys"`
}

// Service is a TTL cache with pattern invalidation and hit/miss metrics.
// It is safe for concurrent use.
type Service struct {
	config Config
	logger zerolog.Logger
	store  *ttlcache.Cache[string, entry]
	group  singleflight.Group

	mu   sync.Mutex
	keys map[string]time.Time // key -> absolute expiry

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// New creates a Service. Panics on a non-positive TTL.
func New(config Config, logger zerolog.Logger) *Service {
	if config.DefaultTTL <= 0 {
		panic(fmt.Sprintf("cache: default TTL must be positive, got %s", config.DefaultTTL))
	}
	for prefix, ttl := range config.TTLs {
		if ttl <= 0 {
			panic(fmt.Sprintf("cache: TTL for prefix %q must be positive, got %s", prefix, ttl))
		}
	}
	opts := ttlcache.Options[string, entry]{}.SetDefaultTTL(config.DefaultTTL)
	return &Service{
		config: config,
		logger: logger,
		store:  ttlcache.New(opts),
		keys:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Close stops the store's background eviction.
func (s *Service) Close() {
	s.store.Close()
}

// TTLFor returns the TTL used for key when the caller does not pass one.
func (s *Service) TTLFor(key string) time.Duration {
	if ttl, ok := s.config.TTLs[prefixOf(key)]; ok {
		return ttl
	}
	return s.config.DefaultTTL
}

// GetOrCreate returns the cached value for key, or calls factory, caches its
// result for ttl (the key's prefix TTL when ttl <= 0) and returns it. Factory
// errors are returned unchanged and nothing is cached. Concurrent misses on the
// same key share a single factory call. The shared call runs detached from the
// callers' cancellation, so factory must bound its own work; a caller whose ctx
// ends stops waiting and gets ctx.Err() while the others keep waiting.
func GetOrCreate[T any](ctx context.Context, s *Service, key string, ttl time.Duration, factory func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := s.lookup(key); ok {
		s.hits.Add(1)
		return cast[T](key, v)
	}
	s.misses.Add(1)

	factoryCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		if v, ok := s.lookup(key); ok {
			return v, nil
		}
		v, err := factory(factoryCtx)
		if err != nil {
			return nil, err
		}
		s.Set(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			s.logger.Debug().Err(res.Err).Str("key", key).Bool("shared", res.Shared).Msg("cache factory failed")
			return zero, res.Err
		}
		return cast[T](key, res.Val)
	}
}

func cast[T any](key string, v any) (T, error) {
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: key %q holds %T, not %T", key, v, zero)
	}
	return t, nil
}

// Get returns the live value for key without touching the hit/miss counters.
func (s *Service) Get(key string) (any, bool) {
	return s.lookup(key)
}

// Set stores value under key for ttl (the key's prefix TTL when ttl <= 0).
func (s *Service) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.TTLFor(key)
	}
	e := entry{value: value, insertedAt: s.now(), ttl: ttl}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Set(key, e, ttl)
	s.keys[key] = e.expiresAt()
}

// Remove deletes key. It reports whether a live entry was tracked.
func (s *Service) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.keys[key]
	delete(s.keys, key)
	s.store.Delete(key)
	return ok && s.now().Before(exp)
}

// RemoveByPattern deletes every live key matching pattern, where * matches
// any substring and everything else matches literally, ignoring case like the
// key builders do. Returns the number removed.
func (s *Service) RemoveByPattern(pattern string) int {
	re := globToRegexp(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	removed := 0
	for key := range s.keys {
		if !re.MatchString(key) {
			continue
		}
		delete(s.keys, key)
		s.store.Delete(key)
		removed++
	}
	s.logger.Info().Str("pattern", pattern).Int("removed", removed).Msg("cache invalidated")
	return removed
}

// Clear deletes every tracked key and returns how many live keys were tracked.
// Entries the service never tracked are left to expire in the store.
func (s *Service) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	n := len(s.keys)
	for key := range s.keys {
		s.store.Delete(key)
	}
	s.keys = make(map[string]time.Time)
	s.logger.Info().Int("removed", n).Msg("cache cleared")
	return n
}

// GetMetrics returns a snapshot of the hit/miss counters.
func (s *Service) GetMetrics() Metrics {
	hits := s.hits.Load()
	misses := s.misses.Load()
	m := Metrics{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		m.HitRatio = float64(hits) / float64(total) * 100
	}
	return m
}

// ResetMetrics zeroes the hit/miss counters.
func (s *Service) ResetMetrics() {
	s.hits.Store(0)
	s.misses.Store(0)
}

// GetCacheInfo returns the configured TTLs and a per-prefix count of live keys.
func (s *Service) GetCacheInfo() Info {
	info := Info{
		DefaultTTL:   s.config.DefaultTTL.String(),
		TTLs:         make(map[string]string, len(Prefixes)),
		KeysByPrefix: make(map[string]int, len(Prefixes)),
	}
	for _, p := range Prefixes {
		info.TTLs[p] = s.TTLFor(p + ":").String()
		info.KeysByPrefix[p] = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	info.TrackedKeys = len(s.keys)
	for key := range s.keys {
		p := prefixOf(key)
		if _, known := info.KeysByPrefix[p]; known {
			info.KeysByPrefix[p]++
		} else {
			info.OtherKeys++
		}
	}
	return info
}

// Keys returns the live tracked keys in sorted order.
func (s *Service) Keys() []string {
	s.mu.Lock()
	s.pruneLocked()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (s *Service) lookup(key string) (any, bool) {
	e, ok := s.store.Get(key)
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt()) {
		s.mu.Lock()
		if exp, tracked := s.keys[key]; tracked && exp.Equal(e.expiresAt()) {
			delete(s.keys, key)
			s.store.Delete(key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// pruneLocked drops expired keys from the index. Caller holds s.mu.
func (s *Service) pruneLocked() {
	now := s.now()
	for key, exp := range s.keys {
		if !now.Before(exp) {
			delete(s.keys, key)
			s.store.Delete(key)
		}
	}
}

func prefixOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

func globToRegexp(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("(?i)^" + strings.Join(parts, ".*") + "$")
}
