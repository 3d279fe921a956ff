package secretstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/systmms/tenantkeys/internal/secure"
)

// DefaultCacheTTL is how long a cached credential may be served.
const DefaultCacheTTL = 5 * time.Minute

// CacheObserver receives cache hit and miss notifications, typically to
// feed metrics. Implementations must be cheap and non-blocking.
type CacheObserver interface {
	CacheHit(namespace string)
	CacheMiss(namespace string)
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultCacheTTL. A zero or negative TTL disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithClock injects the clock used to age cache entries.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithNamespace sets the cache namespace. It defaults to the backend name.
func WithNamespace(ns string) Option {
	return func(s *Store) {
		s.namespace = ns
	}
}

// WithCacheObserver registers an observer for cache lookups.
func WithCacheObserver(o CacheObserver) Option {
	return func(s *Store) {
		s.observer = o
	}
}

type cacheKey struct {
	namespace string
	name      string
}

type cacheEntry struct {
	sealed    *secure.SecureBuffer
	version   int64
	meta      Metadata
	fetchedAt time.Time
}

// Store is a cached, versioned view over a Backend. It is safe for
// concurrent use.
type Store struct {
	backend   Backend
	namespace string
	ttl       time.Duration
	clock     clock.Clock
	observer  CacheObserver

	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry

	fetches singleflight.Group
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		namespace: backend.Name(),
		ttl:       DefaultCacheTTL,
		clock:     clock.WallClock,
		entries:   make(map[cacheKey]*cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the cache namespace of this store.
func (s *Store) Namespace() string {
	return s.namespace
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Get returns the latest version of name.
func (s *Store) Get(ctx context.Context, name string) (Record, error) {
	if rec, ok := s.cached(name); ok {
		return rec, nil
	}

	// Concurrent misses for one name share a single backend call.
	v, err, _ := s.fetches.Do(name, func() (interface{}, error) {
		ver, err := s.backend.GetLatestVersion(ctx, name)
		if err != nil {
			return nil, err
		}
		meta := metadataFromVersion(ver)
		if err := s.remember(name, ver.Number, ver.Value, meta); err != nil {
			return nil, err
		}
		return Record{Name: name, Value: string(ver.Value), Version: ver.Number, Metadata: meta}, nil
	})
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

// GetVersion returns a specific version of name. Only the cached latest
// version is served from memory; anything else goes to the backend.
func (s *Store) GetVersion(ctx context.Context, name string, n int64) (Record, error) {
	if n < 1 {
		return Record{}, ValidationError{Backend: s.backend.Name(), Message: "version must be positive, got " + strconv.FormatInt(n, 10)}
	}

	if rec, ok := s.cached(name); ok && rec.Version == n {
		return rec, nil
	}

	ver, err := s.backend.GetVersion(ctx, name, n)
	if err != nil {
		return Record{}, err
	}
	return Record{Name: name, Value: string(ver.Value), Version: ver.Number, Metadata: metadataFromVersion(ver)}, nil
}

// Put stores value as a new version of name, creating the container when it
// does not exist yet, and returns the version number the backend assigned.
func (s *Store) Put(ctx context.Context, name, value string, meta Metadata) (int64, error) {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.clock.Now().UTC()
	}

	err := s.backend.CreateContainer(ctx, name, meta.labels())
	if err != nil && !IsAlreadyExists(err) {
		return 0, fmt.Errorf("failed to create secret %s: %w", name, err)
	}

	version, err := s.backend.AddVersion(ctx, name, []byte(value))
	if err != nil {
		return 0, fmt.Errorf("failed to add version to %s: %w", name, err)
	}

	if err := s.remember(name, version, []byte(value), meta); err != nil {
		return 0, err
	}
	return version, nil
}

// Exists reports whether name has at least one version.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Get(ctx, name)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Resolve reads the secret a Ref points at.
func (s *Store) Resolve(ctx context.Context, ref Ref) (Record, error) {
	if ref.Namespace != s.namespace {
		return Record{}, ValidationError{
			Backend: s.backend.Name(),
			Message: fmt.Sprintf("reference %s is for namespace %q, store serves %q", ref, ref.Namespace, s.namespace),
		}
	}
	if ref.Version > 0 {
		return s.GetVersion(ctx, ref.Name, ref.Version)
	}
	return s.Get(ctx, ref.Name)
}

// Invalidate drops the cache entry for name.
func (s *Store) Invalidate(name string) {
	key := cacheKey{namespace: s.namespace, name: name}

	s.mu.Lock()
	entry := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if entry != nil {
		entry.sealed.Destroy()
	}
}

// Close wipes every cached value.
func (s *Store) Close() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[cacheKey]*cacheEntry)
	s.mu.Unlock()

	for _, e := range entries {
		e.sealed.Destroy()
	}
}

// CachedVersion returns the version number currently cached for name, if any.
func (s *Store) CachedVersion(name string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[cacheKey{namespace: s.namespace, name: name}]
	if !ok {
		return 0, false
	}
	return e.version, true
}

func (s *Store) cached(name string) (Record, bool) {
	if s.ttl <= 0 {
		return Record{}, false
	}

	s.mu.RLock()
	e, ok := s.entries[cacheKey{namespace: s.namespace, name: name}]
	s.mu.RUnlock()

	if !ok || s.clock.Now().Sub(e.fetchedAt) >= s.ttl {
		s.observeMiss()
		return Record{}, false
	}

	value, err := e.sealed.Reveal()
	if err != nil {
		// Invalidated while we were reading it.
		s.observeMiss()
		return Record{}, false
	}

	s.observeHit()
	return Record{Name: name, Value: value, Version: e.version, Metadata: e.meta}, true
}

// remember caches value unless a newer version is already cached.
func (s *Store) remember(name string, version int64, value []byte, meta Metadata) error {
	if s.ttl <= 0 {
		return nil
	}

	sealed, err := secure.NewSecureBuffer(value)
	if err != nil {
		return fmt.Errorf("failed to seal cached value for %s: %w", name, err)
	}

	key := cacheKey{namespace: s.namespace, name: name}
	entry := &cacheEntry{sealed: sealed, version: version, meta: meta, fetchedAt: s.clock.Now()}

	s.mu.Lock()
	prev, ok := s.entries[key]
	if ok && prev.version > version {
		s.mu.Unlock()
		sealed.Destroy()
		return nil
	}
	s.entries[key] = entry
	s.mu.Unlock()

	if ok {
		prev.sealed.Destroy()
	}
	return nil
}

func (s *Store) observeHit() {
	if s.observer != nil {
		s.observer.CacheHit(s.namespace)
	}
}

func (s *Store) observeMiss() {
	if s.observer != nil {
		s.observer.CacheMiss(s.namespace)
	}
}
