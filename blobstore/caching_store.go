package blobstore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/buildcache/internal/cache"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntryBytes is the largest blob a CachingStore keeps in memory
// when no limit is given.
const DefaultMaxEntryBytes = 4 << 20

// CachingStore wraps a Store with an in-memory LRU of small blobs.
//
// It is intended for remote backends where every miss costs a round trip.
// Concurrent misses for the same key are collapsed into a single inner Read.
type CachingStore struct {
	inner    Store
	cache    *cache.LRU
	maxEntry int64
	group    singleflight.Group

	// gen changes around every inner write; fills that started under an
	// older generation are not cached. fillMu orders fills against writes.
	gen    atomic.Uint64
	fillMu sync.Mutex
}

// NewCachingStore creates a new CachingStore holding at most capacity bytes.
// Blobs larger than maxEntryBytes bypass the cache; maxEntryBytes defaults to
// DefaultMaxEntryBytes if <= 0.
func NewCachingStore(inner Store, capacity, maxEntryBytes int64) *CachingStore {
	if maxEntryBytes <= 0 {
		maxEntryBytes = DefaultMaxEntryBytes
	}
	return &CachingStore{
		inner:    inner,
		cache:    cache.NewLRU(capacity),
		maxEntry: maxEntryBytes,
	}
}

// Exists answers from the cache when possible.
func (s *CachingStore) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok := s.cache.Get(key); ok {
		return true, nil
	}
	return s.inner.Exists(ctx, key)
}

// fetchResult is shared by every caller collapsed onto one inner Read.
// Small blobs are shared as bytes; a large blob holds a handle and is
// handed to exactly one caller.
type fetchResult struct {
	data   []byte
	cached bool
	blob   ReadableBlob
	once   sync.Once
}

func (r *fetchResult) claim() (ReadableBlob, bool) {
	claimed := false
	r.once.Do(func() { claimed = true })
	return r.blob, claimed
}

// Read returns a cached blob or fetches it from the inner store.
func (s *CachingStore) Read(ctx context.Context, key string) (ReadableBlob, error) {
	if data, ok := s.cache.Get(key); ok {
		return BytesBlob(data), nil
	}

	// The fill outlives any single caller: one client going away must not
	// fail the others collapsed onto the same key.
	fillCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.fill(fillCtx, key)
	})

	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		go release(ch)
		return ReadableBlob{}, ctx.Err()
	}
	if r.Err != nil {
		return ReadableBlob{}, r.Err
	}

	res := r.Val.(*fetchResult)
	if res.cached {
		return BytesBlob(res.data), nil
	}
	if blob, ok := res.claim(); ok {
		return blob, nil
	}
	return s.inner.Read(ctx, key)
}

func (s *CachingStore) fill(ctx context.Context, key string) (*fetchResult, error) {
	gen := s.gen.Load()

	blob, err := s.inner.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if blob.Size() > s.maxEntry {
		return &fetchResult{blob: blob}, nil
	}

	data, err := ReadAll(blob)
	if err != nil {
		return nil, err
	}
	s.fillMu.Lock()
	if s.gen.Load() == gen {
		s.cache.Set(key, data)
	}
	s.fillMu.Unlock()
	return &fetchResult{data: data, cached: true}, nil
}

// release waits for a fill the caller abandoned and closes its handle unless
// another caller took it.
func release(ch <-chan singleflight.Result) {
	r := <-ch
	if r.Err != nil {
		return
	}
	res := r.Val.(*fetchResult)
	if res.cached {
		return
	}
	if blob, ok := res.claim(); ok {
		_ = blob.Close()
	}
}

// Write stores data in the inner store first, then refreshes the cache.
func (s *CachingStore) Write(ctx context.Context, key string, data []byte) error {
	s.gen.Add(1)
	err := s.inner.Write(ctx, key, data)
	s.group.Forget(key)

	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.gen.Add(1)

	if err != nil || int64(len(data)) > s.maxEntry {
		s.cache.Remove(key)
		return err
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	s.cache.Set(key, copied)
	return nil
}

// Stats returns the cache hit and miss counts.
func (s *CachingStore) Stats() (hits, misses int64) {
	return s.cache.Stats()
}
