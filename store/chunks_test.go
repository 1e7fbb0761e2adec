package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/cbuf"
)

func collectChunks(t *testing.T, s *CacheStore, reqs []ChunkRequest) map[uint64]ChunkResponse {
	t.Helper()
	ch := make(chan ChunkResponse, len(reqs))
	s.GetChunks(context.Background(), reqs, func(resp ChunkResponse) { ch <- resp })
	out := make(map[uint64]ChunkResponse, len(reqs))
	for range reqs {
		resp := waitFor(t, ch)
		out[resp.UserData] = resp
	}
	return out
}

func TestGetChunks_SlicesOneFetch(t *testing.T) {
	m := newMockJupiter(t)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 64) // 1 KiB
	record := testRecord(t, "bulk", map[jupitercache.ValueID][]byte{"data": payload})
	m.putRecord(record)

	s := newTestStore(t, m)
	resps := collectChunks(t, s, []ChunkRequest{
		{Name: "tail", Key: record.Key, ID: "data", RawOffset: 512, RawSize: 1 << 20,
			Policy: jupitercache.PolicyDefault, UserData: 2},
		{Name: "head", Key: record.Key, ID: "data", RawOffset: 0, RawSize: 128,
			Policy: jupitercache.PolicyDefault, UserData: 1},
	})

	// Both ranges of the same value share one record fetch and one payload
	// fetch.
	require.Equal(t, int32(1), m.refGets.Load())
	require.Equal(t, int32(1), m.blobGets.Load())

	head := resps[1]
	require.Equal(t, jupitercache.StatusOk, head.Status)
	require.Equal(t, payload[:128], head.Data)
	require.Equal(t, uint64(128), head.RawSize)
	require.Equal(t, jupitercache.HashBytes(payload), head.RawHash)

	tail := resps[2]
	require.Equal(t, jupitercache.StatusOk, tail.Status)
	require.Equal(t, payload[512:], tail.Data)
	require.Equal(t, uint64(len(payload)-512), tail.RawSize)
}

func TestGetChunks_SkipDataReportsSizeWithoutFetch(t *testing.T) {
	m := newMockJupiter(t)
	payload := []byte("sized but never downloaded")
	record := testRecord(t, "bulk", map[jupitercache.ValueID][]byte{"data": payload})
	m.putRecord(record)

	s := newTestStore(t, m)
	resps := collectChunks(t, s, []ChunkRequest{
		{Name: "probe", Key: record.Key, ID: "data", RawOffset: 0, RawSize: 1 << 20,
			Policy: jupitercache.PolicyDefault | jupitercache.PolicySkipData, UserData: 1},
	})

	resp := resps[1]
	require.Equal(t, jupitercache.StatusOk, resp.Status)
	require.Nil(t, resp.Data)
	require.Equal(t, uint64(len(payload)), resp.RawSize)
	require.Zero(t, m.blobGets.Load())
}

func TestGetChunks_StandaloneValue(t *testing.T) {
	m := newMockJupiter(t)
	payload := []byte("standalone value sliced by range")
	key := jupitercache.CacheKey{Bucket: "bulk", Hash: jupitercache.HashBytes([]byte("blob"))}
	m.inline[key.String()] = inlineAnswer{body: cbuf.Compress(payload).Bytes()}

	s := newTestStore(t, m)
	resps := collectChunks(t, s, []ChunkRequest{
		{Name: "mid", Key: key, RawOffset: 4, RawSize: 10,
			Policy: jupitercache.PolicyDefault, UserData: 1},
	})

	resp := resps[1]
	require.Equal(t, jupitercache.StatusOk, resp.Status)
	require.Equal(t, payload[4:14], resp.Data)
}

func TestGetChunks_UnknownValueIDIsError(t *testing.T) {
	m := newMockJupiter(t)
	record := testRecord(t, "bulk", map[jupitercache.ValueID][]byte{"data": []byte("x")})
	m.putRecord(record)

	s := newTestStore(t, m)
	resps := collectChunks(t, s, []ChunkRequest{
		{Name: "bad", Key: record.Key, ID: "absent", RawOffset: 0, RawSize: 8,
			Policy: jupitercache.PolicyDefault, UserData: 1},
	})
	require.Equal(t, jupitercache.StatusError, resps[1].Status)
}

func TestGetChunks_OffsetPastEndClampsToEmpty(t *testing.T) {
	m := newMockJupiter(t)
	payload := []byte("short")
	record := testRecord(t, "bulk", map[jupitercache.ValueID][]byte{"data": payload})
	m.putRecord(record)

	s := newTestStore(t, m)
	resps := collectChunks(t, s, []ChunkRequest{
		{Name: "past", Key: record.Key, ID: "data", RawOffset: 1 << 20, RawSize: 8,
			Policy: jupitercache.PolicyDefault, UserData: 1},
	})

	resp := resps[1]
	require.Equal(t, jupitercache.StatusOk, resp.Status)
	require.Zero(t, resp.RawSize)
	require.Empty(t, resp.Data)
}
