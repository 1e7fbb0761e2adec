package store

import (
	"bytes"
	"cmp"
	"context"
	"log/slog"
	"slices"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/cbuf"
	"github.com/wolfeidau/jupiter-cache/telemetry"
)

// ChunkRequest asks for a byte range of one value. An invalid ID addresses a
// standalone value; a valid ID addresses a value inside a record. RawSize is
// clamped to the value bounds, so reading to the end just takes a large size.
type ChunkRequest struct {
	Name      string
	Key       jupitercache.CacheKey
	ID        jupitercache.ValueID
	RawOffset uint64
	RawSize   uint64
	Policy    jupitercache.CachePolicy
	UserData  uint64
}

// ChunkResponse reports one chunk. RawSize is the clamped size of the range;
// Data is nil for skip-data requests.
type ChunkResponse struct {
	Name      string
	Key       jupitercache.CacheKey
	ID        jupitercache.ValueID
	RawOffset uint64
	RawSize   uint64
	RawHash   jupitercache.IoHash
	Data      []byte
	UserData  uint64
	Status    jupitercache.Status
}

// OnChunkComplete receives chunk outcomes.
type OnChunkComplete func(ChunkResponse)

// heldValue carries one decompressed value across consecutive chunk requests
// so that several ranges of the same value cost one fetch.
type heldValue struct {
	valid  bool
	key    jupitercache.CacheKey
	id     jupitercache.ValueID
	value  jupitercache.Value
	reader *cbuf.Reader
}

// GetChunks reads byte ranges of values asynchronously. The service has no
// range-read endpoint for compressed blobs, so each distinct value is fetched
// whole and sliced client-side; requests are sorted by value so consecutive
// ranges of one value share a fetch and one decompression.
func (s *CacheStore) GetChunks(ctx context.Context, reqs []ChunkRequest, onComplete OnChunkComplete) {
	sorted := make([]ChunkRequest, len(reqs))
	copy(sorted, reqs)
	slices.SortStableFunc(sorted, compareChunks)

	canceled := func() {
		for _, req := range sorted {
			onComplete(ChunkResponse{
				Name: req.Name, Key: req.Key, ID: req.ID,
				RawOffset: req.RawOffset, UserData: req.UserData,
				Status: jupitercache.StatusCanceled,
			})
		}
	}

	s.submit(ctx,
		func(ctx context.Context) {
			var held heldValue
			var record *jupitercache.CacheRecord
			for _, req := range sorted {
				onComplete(s.getChunk(ctx, req, &held, &record))
			}
		},
		canceled)
}

func compareChunks(a, b ChunkRequest) int {
	if c := cmp.Compare(a.Key.Bucket.Norm(), b.Key.Bucket.Norm()); c != 0 {
		return c
	}
	if c := bytes.Compare(a.Key.Hash[:], b.Key.Hash[:]); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ID, b.ID); c != 0 {
		return c
	}
	return cmp.Compare(a.RawOffset, b.RawOffset)
}

// getChunk serves one range, reusing the held value when the request
// addresses the same value as the previous one.
func (s *CacheStore) getChunk(ctx context.Context, req ChunkRequest, held *heldValue, record **jupitercache.CacheRecord) ChunkResponse {
	resp := ChunkResponse{
		Name: req.Name, Key: req.Key, ID: req.ID,
		RawOffset: req.RawOffset, UserData: req.UserData,
		Status: jupitercache.StatusError,
	}
	if ctx.Err() != nil {
		resp.Status = jupitercache.StatusCanceled
		return resp
	}

	existsOnly := req.Policy.Has(jupitercache.PolicySkipData)

	sameValue := held.valid && held.key == req.Key && held.id == req.ID
	needsData := !existsOnly && (held.reader == nil || !held.reader.HasSource())
	if !sameValue || needsData {
		*held = heldValue{}
		if !s.gateGet(req.Key, req.Policy, req.Name, "chunk") {
			return resp
		}
		if req.ID.IsValid() {
			s.holdRecordValue(ctx, req, existsOnly, held, record)
		} else {
			s.holdStandaloneValue(ctx, req, held)
		}
	}

	if !held.valid || (!existsOnly && (held.reader == nil || !held.reader.HasSource())) {
		return resp
	}

	rawSize := held.value.RawSize
	offset := min(req.RawOffset, rawSize)
	size := min(req.RawSize, rawSize-offset)
	resp.RawOffset = req.RawOffset
	resp.RawSize = size
	resp.RawHash = held.value.RawHash

	if !existsOnly {
		data, err := held.reader.Decompress(offset, size)
		if err != nil || uint64(len(data)) != size {
			s.logger.Warn("chunk decompression failed",
				slog.String("key", req.Key.String()), slog.String("name", req.Name), slog.Any("error", err))
			return resp
		}
		resp.Data = data
	}
	resp.Status = jupitercache.StatusOk
	return resp
}

// holdRecordValue locates a value inside a record, fetching the record
// document when the held one does not match, and the payload when needed.
func (s *CacheStore) holdRecordValue(ctx context.Context, req ChunkRequest, existsOnly bool, held *heldValue, record **jupitercache.CacheRecord) {
	if *record == nil || (*record).Key != req.Key {
		*record = nil
		rec, n, _ := s.getRecordOnly(ctx, req.Name, req.Key)
		s.bytesReceived.Add(n)
		*record = rec
	}
	if *record == nil {
		return
	}

	v, ok := (*record).Value(req.ID)
	if !ok {
		s.logger.Debug("chunk miss with unknown value id",
			slog.String("key", req.Key.String()), slog.String("name", req.Name),
			slog.String("value_id", string(req.ID)))
		return
	}
	held.key = req.Key
	held.id = req.ID
	held.value = v.Value
	held.valid = true

	switch {
	case v.IsDataReady():
		held.reader = cbuf.NewReader(v.Data)
	case existsOnly:
	default:
		buf, n, err := s.fetchBlob(ctx, v.RawHash)
		s.bytesReceived.Add(n)
		if err != nil || jupitercache.IoHash(buf.RawHash()) != v.RawHash {
			if err == nil {
				telemetry.RecordVerifyFailure(ctx, "chunk")
			}
			held.valid = false
			return
		}
		held.reader = cbuf.NewReader(buf)
	}
}

// holdStandaloneValue fetches a standalone value inline.
func (s *CacheStore) holdStandaloneValue(ctx context.Context, req ChunkRequest, held *heldValue) {
	gv := s.getValue(ctx, GetValueRequest{
		Name: req.Name, Key: req.Key, Policy: req.Policy, UserData: req.UserData,
	})
	if gv.Status != jupitercache.StatusOk {
		return
	}
	held.key = req.Key
	held.id = req.ID
	held.value = gv.Value
	held.valid = true
	if gv.Value.HasData() {
		held.reader = cbuf.NewReader(gv.Value.Data)
	}
}
