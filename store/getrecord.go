package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/cbobj"
	"github.com/wolfeidau/jupiter-cache/cbuf"
	"github.com/wolfeidau/jupiter-cache/telemetry"
	"github.com/wolfeidau/jupiter-cache/transport"
)

// getRecord loads one record: the root document from the ref endpoint, then
// whatever payloads the per-value policies require. Any sub-operation
// failing fails the whole record.
func (s *CacheStore) getRecord(ctx context.Context, req GetRequest) GetResponse {
	start := time.Now()
	resp := GetResponse{Name: req.Name, Key: req.Key, UserData: req.UserData, Status: jupitercache.StatusError}

	done := func() GetResponse {
		s.gets.Add(1)
		s.bytesReceived.Add(resp.BytesReceived)
		if resp.Status == jupitercache.StatusOk {
			s.hits.Add(1)
		} else {
			s.misses.Add(1)
		}
		telemetry.RecordCacheOp(ctx, "get", statusResult(resp.Status), time.Since(start))
		return resp
	}

	record, n, status := s.getRecordOnly(ctx, req.Name, req.Key)
	resp.BytesReceived += n
	if record == nil {
		resp.Status = status
		return done()
	}

	// Partition the values by their effective policy: skip-data values only
	// need an existence check, data-ready values need nothing, the rest need
	// a payload fetch.
	var heads, gets []jupitercache.IdentifiedValue
	for _, v := range record.Values() {
		policy := req.Policy.ValuePolicy(v.ID)
		switch {
		case policy.Has(jupitercache.PolicySkipData):
			heads = append(heads, v)
		case v.IsDataReady():
		default:
			gets = append(gets, v)
		}
	}

	fetched := make(map[jupitercache.ValueID]cbuf.Buffer, len(gets))
	var mu sync.Mutex
	var failed atomic.Bool
	var received atomic.Uint64
	var wg sync.WaitGroup

	if len(heads) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !s.checkBlobsExist(ctx, req.Name, req.Key, heads) {
				failed.Store(true)
			}
		}()
	}
	for _, v := range gets {
		wg.Add(1)
		go func(v jupitercache.IdentifiedValue) {
			defer wg.Done()
			buf, n, err := s.fetchBlob(ctx, v.RawHash)
			received.Add(n)
			if err != nil {
				s.logger.Debug("cache miss with failed payload fetch",
					slog.String("key", req.Key.String()), slog.String("name", req.Name),
					slog.String("value_id", string(v.ID)), slog.Any("error", err))
				failed.Store(true)
				return
			}
			if jupitercache.IoHash(buf.RawHash()) != v.RawHash {
				s.logger.Warn("downloaded payload hash mismatch",
					slog.String("key", req.Key.String()), slog.String("name", req.Name),
					slog.String("value_id", string(v.ID)),
					slog.String("expected", v.RawHash.String()),
					slog.String("actual", jupitercache.IoHash(buf.RawHash()).String()))
				telemetry.RecordVerifyFailure(ctx, "get")
				failed.Store(true)
				return
			}
			mu.Lock()
			fetched[v.ID] = buf
			mu.Unlock()
		}(v)
	}
	wg.Wait()
	resp.BytesReceived += received.Load()

	if ctx.Err() != nil {
		resp.Status = jupitercache.StatusCanceled
		return done()
	}
	if failed.Load() {
		return done()
	}

	out, err := rebuildRecord(record, req.Policy, fetched)
	if err != nil {
		s.logger.Warn("failed to assemble record",
			slog.String("key", req.Key.String()), slog.String("name", req.Name), slog.Any("error", err))
		return done()
	}
	resp.Record = out
	resp.Status = jupitercache.StatusOk
	return done()
}

// rebuildRecord reassembles the fetched record in its original value order,
// stripping payloads from skip-data values and meta when the policy says so.
func rebuildRecord(record *jupitercache.CacheRecord, policy jupitercache.RecordPolicy, fetched map[jupitercache.ValueID]cbuf.Buffer) (*jupitercache.CacheRecord, error) {
	builder := jupitercache.NewRecordBuilder(record.Key)
	if !policy.Default.Has(jupitercache.PolicySkipMeta) && !record.Meta.IsEmpty() {
		builder.SetMeta(record.Meta)
	}
	for _, v := range record.Values() {
		valuePolicy := policy.ValuePolicy(v.ID)
		switch {
		case valuePolicy.Has(jupitercache.PolicySkipData):
			builder.AddValue(jupitercache.IdentifiedValue{ID: v.ID, Value: v.RemoveData()})
		case v.IsDataReady():
			builder.AddValue(v)
		default:
			buf, ok := fetched[v.ID]
			if !ok {
				return nil, fmt.Errorf("missing payload for value %q", v.ID)
			}
			builder.AddValue(jupitercache.IdentifiedValue{ID: v.ID, Value: jupitercache.NewValue(buf)})
		}
	}
	return builder.Build()
}

// getRecordOnly fetches and decodes the root record document.
func (s *CacheStore) getRecordOnly(ctx context.Context, name string, key jupitercache.CacheKey) (*jupitercache.CacheRecord, uint64, jupitercache.Status) {
	refsURI := fmt.Sprintf("api/v1/refs/%s/%s/%s",
		s.cfg.structuredNamespace(), key.Bucket.Norm(), key.Hash)

	req, err := s.getPool.WaitFree(ctx, false)
	if err != nil {
		return nil, 0, statusForErr(ctx)
	}
	resp, err := req.Get(refsURI).
		AddHeader("Accept", transport.ContentTypeCompactBinary).
		ExpectStatus(404).
		Perform(ctx)
	req.Release()
	if err != nil {
		return nil, 0, statusForErr(ctx)
	}

	n := uint64(len(resp.Body))
	if !resp.IsSuccess() {
		s.logger.Debug("cache miss with missing record",
			slog.String("key", key.String()), slog.String("name", name), slog.Int("status", resp.Status))
		return nil, n, jupitercache.StatusError
	}

	obj, err := cbobj.FromBytes(resp.Body)
	if err != nil {
		s.logger.Warn("cache miss with invalid record document",
			slog.String("key", key.String()), slog.String("name", name), slog.Any("error", err))
		return nil, n, jupitercache.StatusError
	}
	record, err := jupitercache.LoadRecord(key, obj)
	if err != nil {
		s.logger.Warn("cache miss with record load failure",
			slog.String("key", key.String()), slog.String("name", name), slog.Any("error", err))
		return nil, n, jupitercache.StatusError
	}
	return record, n, jupitercache.StatusOk
}

// checkBlobsExist asks the exists endpoint which of the value payloads are
// missing. It reports true only when every payload is present.
//
// The endpoint answers an empty needs array both when everything exists and
// when it recognizes nothing at all, so an empty answer to a non-empty query
// is treated as all missing rather than all present.
func (s *CacheStore) checkBlobsExist(ctx context.Context, name string, key jupitercache.CacheKey, values []jupitercache.IdentifiedValue) bool {
	var sb strings.Builder
	fmt.Fprintf(&sb, "api/v1/compressed-blobs/%s/exists?", s.cfg.structuredNamespace())
	for i, v := range values {
		if i > 0 {
			sb.WriteByte('&')
		}
		fmt.Fprintf(&sb, "id=%s", v.RawHash)
	}

	req, err := s.getPool.WaitFree(ctx, false)
	if err != nil {
		return false
	}
	resp, err := req.Post(sb.String(), "application/octet-stream", nil).Perform(ctx)
	req.Release()
	if err != nil || !resp.IsSuccess() {
		return false
	}

	var needs needsResponse
	if err := json.Unmarshal(resp.Body, &needs); err != nil {
		s.logger.Warn("unparseable exists response",
			slog.String("key", key.String()), slog.String("name", name), slog.Any("error", err))
		return false
	}
	if len(needs.Needs) == 0 {
		s.logger.Debug("exists check answered empty needs, treating all as missing",
			slog.String("key", key.String()), slog.String("name", name))
		return false
	}

	// Match each missing hash to one value. Duplicate hashes in the query
	// come back once per copy, so each need consumes one matching value.
	missing := false
	matched := make([]bool, len(values))
	for _, needed := range needs.Needs {
		h, err := jupitercache.ParseHash(needed)
		if err != nil {
			continue
		}
		for i, v := range values {
			if !matched[i] && v.RawHash == h {
				matched[i] = true
				missing = true
				s.logger.Debug("cache miss with missing payload",
					slog.String("key", key.String()), slog.String("name", name),
					slog.String("value_id", string(v.ID)))
				break
			}
		}
	}
	return !missing
}

// fetchBlob downloads one compressed payload. The service normally answers
// with a compressed-buffer container, but raw octet-stream responses are
// compressed client-side; responses without a content type are assumed to be
// containers.
func (s *CacheStore) fetchBlob(ctx context.Context, hash jupitercache.IoHash) (cbuf.Buffer, uint64, error) {
	req, err := s.asyncPool.WaitFree(ctx, true)
	if err != nil {
		return cbuf.Buffer{}, 0, err
	}
	defer req.Release()

	blobURI := fmt.Sprintf("api/v1/compressed-blobs/%s/%s", s.cfg.structuredNamespace(), hash)
	resp, err := req.Get(blobURI).
		AddHeader("Accept", "*/*").
		ExpectStatus(404).
		Perform(ctx)
	if err != nil {
		return cbuf.Buffer{}, 0, err
	}
	n := uint64(len(resp.Body))
	if !resp.IsSuccess() {
		return cbuf.Buffer{}, n, fmt.Errorf("fetching blob %s: status %d", hash, resp.Status)
	}

	switch resp.Header.Get("Content-Type") {
	case "application/octet-stream":
		return cbuf.Compress(resp.Body), n, nil
	default:
		buf, err := cbuf.FromCompressed(resp.Body)
		if err != nil {
			return cbuf.Buffer{}, n, fmt.Errorf("fetching blob %s: %w", hash, err)
		}
		return buf, n, nil
	}
}
