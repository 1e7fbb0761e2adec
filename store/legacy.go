package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/batch"
	"github.com/wolfeidau/jupiter-cache/telemetry"
	"github.com/wolfeidau/jupiter-cache/transport"
)

var (
	// ErrNotFound is returned by legacy reads that miss.
	ErrNotFound = errors.New("store: entry not found")

	// ErrNotUsable is returned when the store failed its bootstrap or has
	// been closed.
	ErrNotUsable = errors.New("store: service not available")

	// ErrReadOnly is returned by legacy writes against a read-only store.
	ErrReadOnly = errors.New("store: read-only")
)

// legacyKey maps a legacy string key into the keyspace the debug miss
// filters operate on.
func (s *CacheStore) legacyKey(key string) jupitercache.CacheKey {
	return jupitercache.CacheKey{
		Bucket: jupitercache.Bucket(s.cfg.defaultBucket()),
		Hash:   jupitercache.HashBytes([]byte(key)),
	}
}

func (s *CacheStore) legacyURI(key string) string {
	return fmt.Sprintf("api/v1/c/ddc/%s/%s/%s", s.cfg.Namespace, s.cfg.defaultBucket(), key)
}

// CachedDataProbablyExists checks one legacy key, sharing a batched query
// with concurrent callers.
func (s *CacheStore) CachedDataProbablyExists(ctx context.Context, key string) bool {
	if !s.IsUsable() {
		return false
	}
	if s.cfg.Debug.SimulateGetMiss != nil && s.cfg.Debug.SimulateGetMiss(s.legacyKey(key)) {
		return false
	}

	s.exists.Add(1)
	entry := &batch.Entry{Bucket: s.cfg.defaultBucket(), Key: key, Verb: batch.VerbHead}
	if err := s.batcher.Do(ctx, entry); err != nil || !entry.OK {
		s.misses.Add(1)
		return false
	}
	s.hits.Add(1)
	return true
}

// CachedDataProbablyExistsBatch checks several legacy keys. The checks run
// concurrently and coalesce into shared batched queries.
func (s *CacheStore) CachedDataProbablyExistsBatch(ctx context.Context, keys []string) []bool {
	results := make([]bool, len(keys))
	if !s.IsUsable() {
		return results
	}
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			results[i] = s.CachedDataProbablyExists(ctx, key)
		}(i, key)
	}
	wg.Wait()
	return results
}

// GetCachedData reads one legacy entry. Concurrent reads of the same key
// share one fetch; the underlying query is batched with other callers.
func (s *CacheStore) GetCachedData(ctx context.Context, key string) ([]byte, error) {
	if !s.IsUsable() {
		return nil, ErrNotUsable
	}
	if s.cfg.Debug.SimulateGetMiss != nil && s.cfg.Debug.SimulateGetMiss(s.legacyKey(key)) {
		return nil, ErrNotFound
	}

	start := time.Now()
	v, err, _ := s.getGroup.Do(key, func() (any, error) {
		entry := &batch.Entry{Bucket: s.cfg.defaultBucket(), Key: key, Verb: batch.VerbGet}
		if err := s.batcher.Do(ctx, entry); err != nil {
			return nil, fmt.Errorf("querying %s: %w", key, err)
		}
		if !entry.OK {
			return nil, ErrNotFound
		}
		return entry.Data, nil
	})

	s.gets.Add(1)
	if err != nil {
		s.misses.Add(1)
		telemetry.RecordCacheOp(ctx, "get", "error", time.Since(start))
		return nil, err
	}
	data := v.([]byte)
	s.hits.Add(1)
	s.bytesReceived.Add(uint64(len(data)))
	telemetry.RecordCacheOp(ctx, "get", "ok", time.Since(start))
	return data, nil
}

// PutCachedData writes one legacy entry, declaring the payload hash so the
// service can verify the upload.
func (s *CacheStore) PutCachedData(ctx context.Context, key string, data []byte) error {
	if !s.isWritable() {
		if !s.IsUsable() {
			return ErrNotUsable
		}
		return ErrReadOnly
	}
	if s.cfg.Debug.SimulatePutMiss != nil && s.cfg.Debug.SimulatePutMiss(s.legacyKey(key)) {
		return nil
	}

	start := time.Now()
	req, err := s.putPool.WaitFree(ctx, false)
	if err != nil {
		return err
	}
	defer req.Release()

	hash := jupitercache.HashBytes(data)
	resp, err := req.Put(s.legacyURI(key), "application/octet-stream", data).
		AddHeader(transport.HeaderIoHash, hash.String()).
		Perform(ctx)
	if err != nil {
		telemetry.RecordCacheOp(ctx, "put", "error", time.Since(start))
		return fmt.Errorf("putting %s: %w", key, err)
	}
	s.puts.Add(1)
	if !resp.IsSuccess() {
		telemetry.RecordCacheOp(ctx, "put", "error", time.Since(start))
		return fmt.Errorf("putting %s: status %d", key, resp.Status)
	}
	s.bytesSent.Add(uint64(len(data)))
	telemetry.RecordCacheOp(ctx, "put", "ok", time.Since(start))
	return nil
}

// RemoveCachedData deletes one legacy entry. Transient entries are left for
// the service's own garbage collection.
func (s *CacheStore) RemoveCachedData(ctx context.Context, key string, transient bool) error {
	if transient {
		return nil
	}
	if !s.isWritable() {
		if !s.IsUsable() {
			return ErrNotUsable
		}
		return ErrReadOnly
	}

	req, err := s.putPool.WaitFree(ctx, false)
	if err != nil {
		return err
	}
	defer req.Release()

	resp, err := req.Delete(s.legacyURI(key)).ExpectStatus(404).Perform(ctx)
	if err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	if !resp.IsSuccess() && resp.Status != 404 {
		return fmt.Errorf("removing %s: status %d", key, resp.Status)
	}
	return nil
}
