package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/cbuf"
)

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		panic("unreachable")
	}
}

func testRecord(t *testing.T, bucket string, payloads map[jupitercache.ValueID][]byte) *jupitercache.CacheRecord {
	t.Helper()
	key := jupitercache.CacheKey{
		Bucket: jupitercache.Bucket(bucket),
		Hash:   jupitercache.HashBytes([]byte("inputs of " + bucket)),
	}
	builder := jupitercache.NewRecordBuilder(key)
	for id, payload := range payloads {
		builder.AddValue(jupitercache.IdentifiedValue{
			ID:    id,
			Value: jupitercache.NewValue(cbuf.Compress(payload)),
		})
	}
	record, err := builder.Build()
	require.NoError(t, err)
	return record
}

func TestPut_UploadsNeededBlobsAndFinalizes(t *testing.T) {
	m := newMockJupiter(t)

	payloadA := []byte("derived shader bytecode")
	payloadB := []byte("derived reflection data")
	record := testRecord(t, "shaders", map[jupitercache.ValueID][]byte{
		"a": payloadA,
		"b": payloadB,
	})
	m.needsOnRefPut = []string{
		jupitercache.HashBytes(payloadA).String(),
		jupitercache.HashBytes(payloadB).String(),
	}

	s := newTestStore(t, m)
	ch := make(chan PutResponse, 1)
	s.Put(context.Background(), []PutRequest{{
		Name:   "test",
		Record: record,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault),
	}}, func(resp PutResponse) { ch <- resp })

	resp := waitFor(t, ch)
	require.Equal(t, jupitercache.StatusOk, resp.Status)
	require.Equal(t, record.Key, resp.Key)
	require.NotZero(t, resp.BytesSent)

	require.Equal(t, int32(1), m.refPuts.Load())
	require.Equal(t, int32(2), m.blobPuts.Load())
	require.Equal(t, int32(1), m.finalizes.Load())
	require.Len(t, m.blobs, 2)
}

func TestPut_NothingNeededSkipsFinalize(t *testing.T) {
	m := newMockJupiter(t)
	record := testRecord(t, "shaders", map[jupitercache.ValueID][]byte{
		"a": []byte("already stored remotely"),
	})

	s := newTestStore(t, m)
	ch := make(chan PutResponse, 1)
	s.Put(context.Background(), []PutRequest{{
		Name:   "test",
		Record: record,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault),
	}}, func(resp PutResponse) { ch <- resp })

	resp := waitFor(t, ch)
	require.Equal(t, jupitercache.StatusOk, resp.Status)
	require.Equal(t, int32(1), m.refPuts.Load())
	require.Zero(t, m.blobPuts.Load())
	require.Zero(t, m.finalizes.Load())
}

func TestPut_UnknownNeededHashIsSkipped(t *testing.T) {
	m := newMockJupiter(t)
	record := testRecord(t, "shaders", map[jupitercache.ValueID][]byte{
		"a": []byte("payload"),
	})
	// The service asks for a hash this package never carried.
	m.needsOnRefPut = []string{jupitercache.HashBytes([]byte("someone else's blob")).String()}

	s := newTestStore(t, m)
	ch := make(chan PutResponse, 1)
	s.Put(context.Background(), []PutRequest{{
		Name:   "test",
		Record: record,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault),
	}}, func(resp PutResponse) { ch <- resp })

	resp := waitFor(t, ch)
	require.Equal(t, jupitercache.StatusOk, resp.Status)
	require.Zero(t, m.blobPuts.Load())
	require.Zero(t, m.finalizes.Load())
}

func TestPut_ReadOnlyMakesNoRequests(t *testing.T) {
	m := newMockJupiter(t)
	record := testRecord(t, "shaders", map[jupitercache.ValueID][]byte{"a": []byte("x")})

	s := newTestStore(t, m, func(cfg *Config) { cfg.ReadOnly = true })
	ch := make(chan PutResponse, 1)
	s.Put(context.Background(), []PutRequest{{
		Name:   "test",
		Record: record,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault),
	}}, func(resp PutResponse) { ch <- resp })

	resp := waitFor(t, ch)
	require.Equal(t, jupitercache.StatusError, resp.Status)
	require.Zero(t, m.refPuts.Load())
}

func TestPut_PolicyWithoutStoreRemoteMakesNoRequests(t *testing.T) {
	m := newMockJupiter(t)
	record := testRecord(t, "shaders", map[jupitercache.ValueID][]byte{"a": []byte("x")})

	s := newTestStore(t, m)
	ch := make(chan PutResponse, 1)
	s.Put(context.Background(), []PutRequest{{
		Name:   "test",
		Record: record,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyQueryRemote),
	}}, func(resp PutResponse) { ch <- resp })

	resp := waitFor(t, ch)
	require.Equal(t, jupitercache.StatusError, resp.Status)
	require.Zero(t, m.refPuts.Load())
}

func TestPut_SimulatedMissMakesNoRequests(t *testing.T) {
	m := newMockJupiter(t)
	record := testRecord(t, "shaders", map[jupitercache.ValueID][]byte{"a": []byte("x")})

	s := newTestStore(t, m, func(cfg *Config) {
		cfg.Debug.SimulatePutMiss = func(jupitercache.CacheKey) bool { return true }
	})
	ch := make(chan PutResponse, 1)
	s.Put(context.Background(), []PutRequest{{
		Name:   "test",
		Record: record,
		Policy: jupitercache.NewRecordPolicy(jupitercache.PolicyDefault),
	}}, func(resp PutResponse) { ch <- resp })

	resp := waitFor(t, ch)
	require.Equal(t, jupitercache.StatusError, resp.Status)
	require.Zero(t, m.refPuts.Load())
}

func TestPutValue_ThenGetValueRoundTrip(t *testing.T) {
	m := newMockJupiter(t)
	payload := []byte("standalone value payload")
	key := jupitercache.CacheKey{
		Bucket: "textures",
		Hash:   jupitercache.HashBytes([]byte("texture inputs")),
	}
	m.needsOnRefPut = []string{jupitercache.HashBytes(payload).String()}

	s := newTestStore(t, m)
	putCh := make(chan PutValueResponse, 1)
	s.PutValue(context.Background(), []PutValueRequest{{
		Name:   "test",
		Key:    key,
		Value:  jupitercache.NewValue(cbuf.Compress(payload)),
		Policy: jupitercache.PolicyDefault,
	}}, func(resp PutValueResponse) { putCh <- resp })

	put := waitFor(t, putCh)
	require.Equal(t, jupitercache.StatusOk, put.Status)
	require.Equal(t, int32(1), m.blobPuts.Load())
	require.Equal(t, int32(1), m.finalizes.Load())

	// The value document the put uploaded satisfies a skip-data get.
	getCh := make(chan GetValueResponse, 1)
	s.GetValue(context.Background(), []GetValueRequest{{
		Name:   "test",
		Key:    key,
		Policy: jupitercache.PolicyDefault | jupitercache.PolicySkipData,
	}}, func(resp GetValueResponse) { getCh <- resp })

	get := waitFor(t, getCh)
	require.Equal(t, jupitercache.StatusOk, get.Status)
	require.Equal(t, jupitercache.HashBytes(payload), get.Value.RawHash)
	require.Equal(t, uint64(len(payload)), get.Value.RawSize)
	require.False(t, get.Value.HasData())
}

func TestPutValue_WithoutDataFails(t *testing.T) {
	m := newMockJupiter(t)
	s := newTestStore(t, m)

	ch := make(chan PutValueResponse, 1)
	s.PutValue(context.Background(), []PutValueRequest{{
		Name:   "test",
		Key:    jupitercache.CacheKey{Bucket: "textures", Hash: jupitercache.HashBytes([]byte("k"))},
		Value:  jupitercache.NewValueRef(jupitercache.HashBytes([]byte("v")), 1),
		Policy: jupitercache.PolicyDefault,
	}}, func(resp PutValueResponse) { ch <- resp })

	resp := waitFor(t, ch)
	require.Equal(t, jupitercache.StatusError, resp.Status)
	require.Zero(t, m.refPuts.Load())
}
