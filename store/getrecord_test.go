package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/cbuf"
)

func getOne(t *testing.T, s *CacheStore, ctx context.Context, req GetRequest) GetResponse {
	t.Helper()
	ch := make(chan GetResponse, 1)
	s.Get(ctx, []GetRequest{req}, func(resp GetResponse) { ch <- resp })
	return waitFor(t, ch)
}

func TestGet_RecordRoundTrip(t *testing.T) {
	m := newMockJupiter(t)
	payloadA := []byte("derived geometry")
	payloadB := []byte("derived materials")
	record := testRecord(t, "meshes", map[jupitercache.ValueID][]byte{
		"geo": payloadA,
		"mat": payloadB,
	})
	m.putRecord(record)

	s := newTestStore(t, m)
	resp := getOne(t, s, context.Background(), GetRequest{
		Name:   "test",
		Key:    record.Key,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault),
	})

	require.Equal(t, jupitercache.StatusOk, resp.Status)
	require.NotNil(t, resp.Record)
	require.NotZero(t, resp.BytesReceived)
	require.Equal(t, int32(1), m.refGets.Load())
	require.Equal(t, int32(2), m.blobGets.Load())

	geo, ok := resp.Record.Value("geo")
	require.True(t, ok)
	require.True(t, geo.IsDataReady())
	raw, err := geo.Data.Decompress()
	require.NoError(t, err)
	require.Equal(t, payloadA, raw)

	mat, ok := resp.Record.Value("mat")
	require.True(t, ok)
	raw, err = mat.Data.Decompress()
	require.NoError(t, err)
	require.Equal(t, payloadB, raw)
}

func TestGet_SkipDataChecksExistenceOnly(t *testing.T) {
	m := newMockJupiter(t)
	payload := []byte("derived geometry")
	record := testRecord(t, "meshes", map[jupitercache.ValueID][]byte{"geo": payload})
	m.putRecord(record)

	s := newTestStore(t, m)
	resp := getOne(t, s, context.Background(), GetRequest{
		Name:   "test",
		Key:    record.Key,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault | jupitercache.PolicySkipData),
	})

	require.Equal(t, jupitercache.StatusOk, resp.Status)
	require.Zero(t, m.blobGets.Load())
	require.Equal(t, int32(1), m.existsQ.Load())

	geo, ok := resp.Record.Value("geo")
	require.True(t, ok)
	require.False(t, geo.HasData())
	require.Equal(t, jupitercache.HashBytes(payload), geo.RawHash)
	require.Equal(t, uint64(len(payload)), geo.RawSize)
}

func TestGet_SkipDataFailsWhenBlobMissing(t *testing.T) {
	m := newMockJupiter(t)
	payload := []byte("derived geometry")
	record := testRecord(t, "meshes", map[jupitercache.ValueID][]byte{"geo": payload})
	m.putRecord(record)
	delete(m.blobs, jupitercache.HashBytes(payload).String())

	s := newTestStore(t, m)
	resp := getOne(t, s, context.Background(), GetRequest{
		Name:   "test",
		Key:    record.Key,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault | jupitercache.PolicySkipData),
	})
	require.Equal(t, jupitercache.StatusError, resp.Status)
}

func TestGet_EmptyExistsAnswerMeansAllMissing(t *testing.T) {
	m := newMockJupiter(t)
	record := testRecord(t, "meshes", map[jupitercache.ValueID][]byte{"geo": []byte("data")})
	m.putRecord(record)
	// Without the decoy padding the service answers an empty needs array,
	// which reads as the service recognizing nothing.
	m.decoyNeeds = nil

	s := newTestStore(t, m)
	resp := getOne(t, s, context.Background(), GetRequest{
		Name:   "test",
		Key:    record.Key,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault | jupitercache.PolicySkipData),
	})
	require.Equal(t, jupitercache.StatusError, resp.Status)
}

func TestGet_MissingRecordIsError(t *testing.T) {
	m := newMockJupiter(t)
	s := newTestStore(t, m)

	resp := getOne(t, s, context.Background(), GetRequest{
		Name: "test",
		Key: jupitercache.CacheKey{
			Bucket: "meshes",
			Hash:   jupitercache.HashBytes([]byte("never stored")),
		},
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault),
	})
	require.Equal(t, jupitercache.StatusError, resp.Status)
	require.Nil(t, resp.Record)
	require.Equal(t, int32(1), m.refGets.Load())
}

func TestGet_CorruptPayloadFailsVerification(t *testing.T) {
	m := newMockJupiter(t)
	payload := []byte("derived geometry")
	record := testRecord(t, "meshes", map[jupitercache.ValueID][]byte{"geo": payload})
	m.putRecord(record)

	// Serve a valid container holding different content under the hash the
	// record declares.
	m.blobs[jupitercache.HashBytes(payload).String()] = cbuf.Compress([]byte("tampered")).Bytes()

	s := newTestStore(t, m)
	resp := getOne(t, s, context.Background(), GetRequest{
		Name:   "test",
		Key:    record.Key,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault),
	})
	require.Equal(t, jupitercache.StatusError, resp.Status)
}

func TestGet_PerValuePolicyOverride(t *testing.T) {
	m := newMockJupiter(t)
	payloadA := []byte("fetched payload")
	payloadB := []byte("skipped payload")
	record := testRecord(t, "meshes", map[jupitercache.ValueID][]byte{
		"want": payloadA,
		"skip": payloadB,
	})
	m.putRecord(record)

	s := newTestStore(t, m)
	policy := jupitercache.NewRecordPolicy(jupitercache.PolicyDefault).
		WithValuePolicy("skip", jupitercache.PolicyDefault|jupitercache.PolicySkipData)
	resp := getOne(t, s, context.Background(), GetRequest{
		Name: "test", Key: record.Key, Policy: policy,
	})

	require.Equal(t, jupitercache.StatusOk, resp.Status)
	require.Equal(t, int32(1), m.blobGets.Load())

	want, ok := resp.Record.Value("want")
	require.True(t, ok)
	require.True(t, want.IsDataReady())
	skip, ok := resp.Record.Value("skip")
	require.True(t, ok)
	require.False(t, skip.HasData())
}

func TestGet_PolicyWithoutQueryRemoteMakesNoRequests(t *testing.T) {
	m := newMockJupiter(t)
	record := testRecord(t, "meshes", map[jupitercache.ValueID][]byte{"geo": []byte("x")})
	m.putRecord(record)

	s := newTestStore(t, m)
	resp := getOne(t, s, context.Background(), GetRequest{
		Name:   "test",
		Key:    record.Key,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyStoreRemote),
	})
	require.Equal(t, jupitercache.StatusError, resp.Status)
	require.Zero(t, m.refGets.Load())
}

func TestGet_SimulatedMissMakesNoRequests(t *testing.T) {
	m := newMockJupiter(t)
	record := testRecord(t, "meshes", map[jupitercache.ValueID][]byte{"geo": []byte("x")})
	m.putRecord(record)

	s := newTestStore(t, m, func(cfg *Config) {
		cfg.Debug.SimulateGetMiss = func(jupitercache.CacheKey) bool { return true }
	})
	resp := getOne(t, s, context.Background(), GetRequest{
		Name:   "test",
		Key:    record.Key,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault),
	})
	require.Equal(t, jupitercache.StatusError, resp.Status)
	require.Zero(t, m.refGets.Load())
}

func TestGet_CanceledBetweenRecordAndPayload(t *testing.T) {
	m := newMockJupiter(t)
	record := testRecord(t, "meshes", map[jupitercache.ValueID][]byte{"geo": []byte("payload")})
	m.putRecord(record)

	ctx, cancel := context.WithCancel(context.Background())
	m.onBlobGet = cancel

	s := newTestStore(t, m)
	resp := getOne(t, s, ctx, GetRequest{
		Name:   "test",
		Key:    record.Key,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault),
	})
	require.Equal(t, jupitercache.StatusCanceled, resp.Status)
}
