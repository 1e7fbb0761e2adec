package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/cbobj"
)

// mockJupiter is an httptest-backed stand-in for the cache service. Refs and
// blobs are keyed the way the client addresses them; request counters let
// tests assert how many transfers an operation made.
type mockJupiter struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	refs  map[string][]byte // "bucket/hash" -> compact-binary document
	blobs map[string][]byte // hash hex -> compressed container bytes

	// inline overrides the GET-ref answer for inline requests:
	// "bucket/hash" -> raw response plus content type and optional header.
	inline map[string]inlineAnswer

	// needsOnRefPut is the needs array returned by ref PUTs.
	needsOnRefPut []string

	// decoyNeeds pads exists answers so a fully present set does not come
	// back as the empty array the client reads as all-missing.
	decoyNeeds []string

	refGets   atomic.Int32
	refPuts   atomic.Int32
	blobGets  atomic.Int32
	blobPuts  atomic.Int32
	finalizes atomic.Int32
	existsQ   atomic.Int32
	refsBatch atomic.Int32
	batchGets atomic.Int32
	legacy    map[string][]byte

	onRefGet  func() // called before answering a GET ref, for cancellation tests
	onBlobGet func() // called before answering a GET blob
}

type inlineAnswer struct {
	body        []byte
	contentType string
	payloadHash string
}

func newMockJupiter(t *testing.T) *mockJupiter {
	t.Helper()
	m := &mockJupiter{
		t:      t,
		refs:   make(map[string][]byte),
		blobs:  make(map[string][]byte),
		inline: make(map[string]inlineAnswer),
		legacy: make(map[string][]byte),
		decoyNeeds: []string{
			jupitercache.HashBytes([]byte("decoy, never stored")).String(),
		},
	}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockJupiter) URL() string {
	return m.srv.URL
}

// putRecord seeds a ref and its payload blobs from a record.
func (m *mockJupiter) putRecord(record *jupitercache.CacheRecord) {
	pkg, err := record.Save()
	require.NoError(m.t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[record.Key.String()] = pkg.Object.Bytes()
	for _, att := range pkg.Attachments() {
		m.blobs[jupitercache.IoHash(att.Hash).String()] = att.AsCompressed().Bytes()
	}
}

func (m *mockJupiter) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case path == "health/ready":
		_, _ = w.Write([]byte("ok"))

	case path == "api/v1/c/ddc-rpc/batchget":
		m.handleBatchGet(w, r)

	case strings.HasPrefix(path, "api/v1/c/ddc/"):
		m.handleLegacy(w, r, strings.TrimPrefix(path, "api/v1/c/ddc/"))

	case strings.HasPrefix(path, "api/v1/refs/"):
		m.handleRefs(w, r, strings.TrimPrefix(path, "api/v1/refs/"))

	case strings.HasPrefix(path, "api/v1/compressed-blobs/"):
		m.handleBlobs(w, r, strings.TrimPrefix(path, "api/v1/compressed-blobs/"))

	default:
		m.t.Errorf("unexpected request %s %s", r.Method, r.URL)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *mockJupiter) handleRefs(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")

	// POST api/v1/refs/<ns> is the structured batch query.
	if r.Method == http.MethodPost && len(parts) == 1 {
		m.refsBatch.Add(1)
		m.handleRefsBatch(w, r)
		return
	}

	// .../finalize/<hash>
	if r.Method == http.MethodPost && len(parts) == 5 && parts[3] == "finalize" {
		m.finalizes.Add(1)
		_, _ = w.Write([]byte(`{"needs":[]}`))
		return
	}

	require.Len(m.t, parts, 3)
	key := parts[1] + "/" + parts[2]

	switch r.Method {
	case http.MethodPut:
		m.refPuts.Add(1)
		body := readAll(m.t, r)
		require.NotEmpty(m.t, r.Header.Get("X-Jupiter-IoHash"))
		m.mu.Lock()
		m.refs[key] = body
		needs := m.needsOnRefPut
		m.mu.Unlock()
		resp := needsResponse{Needs: needs}
		if resp.Needs == nil {
			resp.Needs = []string{}
		}
		require.NoError(m.t, json.NewEncoder(w).Encode(resp))

	case http.MethodGet:
		if m.onRefGet != nil {
			m.onRefGet()
		}
		m.refGets.Add(1)
		if r.Header.Get("Accept") == ContentTypeInline {
			m.mu.Lock()
			ans, ok := m.inline[key]
			m.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			if ans.contentType != "" {
				w.Header().Set("Content-Type", ans.contentType)
			}
			if ans.payloadHash != "" {
				w.Header().Set(HeaderInlinePayloadHash, ans.payloadHash)
			}
			_, _ = w.Write(ans.body)
			return
		}
		m.mu.Lock()
		doc, ok := m.refs[key]
		m.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/x-ue-cb")
		_, _ = w.Write(doc)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *mockJupiter) handleRefsBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ops []struct {
			OpID   uint32 `cbor:"opId"`
			Op     string `cbor:"op"`
			Bucket string `cbor:"bucket"`
			Key    string `cbor:"key"`
		} `cbor:"ops"`
	}
	require.NoError(m.t, cbobj.Unmarshal(readAll(m.t, r), &req))

	type resultDoc struct {
		OpID       uint32 `cbor:"opId"`
		StatusCode int    `cbor:"statusCode"`
		Response   struct {
			RawHash jupitercache.IoHash `cbor:"RawHash"`
			RawSize uint64              `cbor:"RawSize"`
		} `cbor:"response"`
	}
	var resp struct {
		Results []resultDoc `cbor:"results"`
	}
	for _, op := range req.Ops {
		res := resultDoc{OpID: op.OpID, StatusCode: http.StatusNotFound}
		m.mu.Lock()
		doc, ok := m.refs[op.Bucket+"/"+op.Key]
		m.mu.Unlock()
		if ok {
			var head valueHeadDoc
			require.NoError(m.t, cbobj.Unmarshal(doc, &head))
			res.StatusCode = http.StatusOK
			res.Response.RawHash = head.RawHash
			res.Response.RawSize = head.RawSize
		}
		resp.Results = append(resp.Results, res)
	}

	body, err := cbobj.Marshal(resp)
	require.NoError(m.t, err)
	w.Header().Set("Content-Type", "application/x-ue-cb")
	_, _ = w.Write(body)
}

func (m *mockJupiter) handleBlobs(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	require.Len(m.t, parts, 2)

	if parts[1] == "exists" {
		m.existsQ.Add(1)
		ids := r.URL.Query()["id"]
		needs := append([]string{}, m.decoyNeeds...)
		m.mu.Lock()
		for _, id := range ids {
			if _, ok := m.blobs[id]; !ok {
				needs = append(needs, id)
			}
		}
		m.mu.Unlock()
		require.NoError(m.t, json.NewEncoder(w).Encode(needsResponse{Needs: needs}))
		return
	}

	hash := parts[1]
	switch r.Method {
	case http.MethodPut:
		m.blobPuts.Add(1)
		body := readAll(m.t, r)
		m.mu.Lock()
		m.blobs[hash] = body
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case http.MethodGet:
		if m.onBlobGet != nil {
			m.onBlobGet()
		}
		m.blobGets.Add(1)
		m.mu.Lock()
		blob, ok := m.blobs[hash]
		m.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/x-ue-comp")
		_, _ = w.Write(blob)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *mockJupiter) handleLegacy(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.SplitN(rest, "/", 3)
	require.Len(m.t, parts, 3)
	key := parts[2]

	switch r.Method {
	case http.MethodPut:
		m.mu.Lock()
		m.legacy[key] = readAll(m.t, r)
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case http.MethodDelete:
		m.mu.Lock()
		delete(m.legacy, key)
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleBatchGet answers the legacy RPC with a framed response built from
// the legacy key space.
func (m *mockJupiter) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	m.batchGets.Add(1)
	var body struct {
		Namespace  string `json:"namespace"`
		Operations []struct {
			Bucket string `json:"bucket"`
			Key    string `json:"key"`
			Verb   string `json:"verb"`
		} `json:"operations"`
	}
	require.NoError(m.t, json.NewDecoder(r.Body).Decode(&body))

	var frame []byte
	frame = append(frame, "JPTR"...)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(body.Operations)))
	for _, op := range body.Operations {
		frame = append(frame, "JPEE"...)
		frame = append(frame, body.Namespace+"."+op.Bucket+"."+op.Key...)
		frame = append(frame, 0)
		m.mu.Lock()
		data, ok := m.legacy[op.Key]
		m.mu.Unlock()
		switch {
		case !ok:
			frame = append(frame, 2) // not found
		case op.Verb == "HEAD":
			frame = append(frame, 3) // exists
		default:
			frame = append(frame, 0) // ok
			h := jupitercache.HashBytes(data)
			frame = append(frame, h[:]...)
			frame = binary.LittleEndian.AppendUint64(frame, uint64(len(data)))
			frame = append(frame, data...)
		}
	}
	_, _ = w.Write(frame)
}

func readAll(t *testing.T, r *http.Request) []byte {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return body
}

// newTestStore builds a usable store against the mock. The mock listens on
// loopback, so authentication is skipped.
func newTestStore(t *testing.T, m *mockJupiter, mutate ...func(*Config)) *CacheStore {
	t.Helper()
	cfg := Config{
		ServiceURL: m.URL(),
		Namespace:  "ddc.test",
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, s.IsUsable())
	t.Cleanup(s.Close)
	return s
}
