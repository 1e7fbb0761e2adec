package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/cbobj"
	"github.com/wolfeidau/jupiter-cache/telemetry"
)

// needsResponse is the body returned by ref PUTs and exists checks: the
// hashes the service does not hold yet.
type needsResponse struct {
	Needs []string `json:"needs"`
}

// putRecord stores one record as a package upload.
func (s *CacheStore) putRecord(ctx context.Context, req PutRequest) PutResponse {
	key := req.Record.Key
	resp := PutResponse{Name: req.Name, Key: key, UserData: req.UserData, Status: jupitercache.StatusError}

	pkg, err := req.Record.Save()
	if err != nil {
		s.logger.Warn("failed to serialize record",
			slog.String("key", key.String()), slog.String("name", req.Name), slog.Any("error", err))
		return resp
	}

	resp.BytesSent, resp.Status = s.putPackage(ctx, req.Name, key, pkg)
	return resp
}

// putValue stores one standalone value as a minimal package: a document
// naming the raw hash and size, with the payload attached.
func (s *CacheStore) putValue(ctx context.Context, req PutValueRequest) PutValueResponse {
	resp := PutValueResponse{Name: req.Name, Key: req.Key, UserData: req.UserData, Status: jupitercache.StatusError}

	if !req.Value.HasData() {
		s.logger.Warn("skipping put of value without data",
			slog.String("key", req.Key.String()), slog.String("name", req.Name))
		return resp
	}

	doc := struct {
		RawHash jupitercache.IoHash `cbor:"RawHash"`
		RawSize uint64              `cbor:"RawSize"`
	}{RawHash: req.Value.RawHash, RawSize: req.Value.RawSize}

	obj, err := cbobj.New(doc)
	if err != nil {
		s.logger.Warn("failed to serialize value",
			slog.String("key", req.Key.String()), slog.String("name", req.Name), slog.Any("error", err))
		return resp
	}
	pkg := cbobj.NewPackage(obj)
	pkg.AddAttachment(cbobj.NewCompressedAttachment(req.Value.Data))

	resp.BytesSent, resp.Status = s.putPackage(ctx, req.Name, req.Key, pkg)
	return resp
}

// putPackage runs the three-phase upload: PUT the root document to the ref
// endpoint, upload whichever attachments the service reports missing, then
// finalize the ref. The service sees the ref as incomplete until the
// finalize lands, so a ref whose attachments all exist already is done after
// the first phase.
func (s *CacheStore) putPackage(ctx context.Context, name string, key jupitercache.CacheKey, pkg *cbobj.Package) (uint64, jupitercache.Status) {
	start := time.Now()
	var bytesSent atomic.Uint64

	done := func(status jupitercache.Status) (uint64, jupitercache.Status) {
		sent := bytesSent.Load()
		s.puts.Add(1)
		s.bytesSent.Add(sent)
		if status == jupitercache.StatusOk {
			s.hits.Add(1)
		}
		telemetry.RecordCacheOp(ctx, "put", statusResult(status), time.Since(start))
		return sent, status
	}

	refsURI := fmt.Sprintf("api/v1/refs/%s/%s/%s",
		s.cfg.structuredNamespace(), key.Bucket.Norm(), key.Hash)

	req, err := s.putPool.WaitFree(ctx, false)
	if err != nil {
		return done(statusForErr(ctx))
	}
	resp, err := req.PutCompactObject(refsURI, pkg.Object).Perform(ctx)
	req.Release()
	if err != nil {
		return done(statusForErr(ctx))
	}
	bytesSent.Add(uint64(len(pkg.Object.Bytes())))
	if !resp.IsSuccess() {
		s.logger.Debug("put failed on ref upload",
			slog.String("key", key.String()), slog.String("name", name), slog.Int("status", resp.Status))
		return done(jupitercache.StatusError)
	}

	var needs needsResponse
	if err := json.Unmarshal(resp.Body, &needs); err != nil {
		s.logger.Warn("put failed with unparseable ref response",
			slog.String("key", key.String()), slog.String("name", name), slog.Any("error", err))
		return done(jupitercache.StatusError)
	}

	blobs := s.matchNeededBlobs(pkg, needs.Needs, name, key)
	if len(blobs) == 0 {
		// Every attachment is already stored, no finalize required.
		return done(jupitercache.StatusOk)
	}

	var wg sync.WaitGroup
	var failed atomic.Bool
	for _, att := range blobs {
		wg.Add(1)
		go func(att cbobj.Attachment) {
			defer wg.Done()
			if !s.putBlob(ctx, att, &bytesSent) {
				failed.Store(true)
			}
		}(att)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return done(jupitercache.StatusCanceled)
	}
	if failed.Load() {
		s.logger.Debug("put failed on attachment upload",
			slog.String("key", key.String()), slog.String("name", name))
		return done(jupitercache.StatusError)
	}

	finalizeURI := fmt.Sprintf("%s/finalize/%s",
		refsURI, jupitercache.IoHash(pkg.ObjectHash()))
	req, err = s.asyncPool.WaitFree(ctx, true)
	if err != nil {
		return done(statusForErr(ctx))
	}
	resp, err = req.Post(finalizeURI, "application/octet-stream", nil).Perform(ctx)
	req.Release()
	if err != nil {
		return done(statusForErr(ctx))
	}
	if !resp.IsSuccess() {
		s.logger.Debug("put failed on finalize",
			slog.String("key", key.String()), slog.String("name", name), slog.Int("status", resp.Status))
		return done(jupitercache.StatusError)
	}
	return done(jupitercache.StatusOk)
}

// matchNeededBlobs resolves the needed hashes against the package
// attachments. Hashes the package does not carry are logged and skipped; the
// server may be reporting needs accumulated from an earlier partial upload.
func (s *CacheStore) matchNeededBlobs(pkg *cbobj.Package, needs []string, name string, key jupitercache.CacheKey) []cbobj.Attachment {
	blobs := make([]cbobj.Attachment, 0, len(needs))
	for _, needed := range needs {
		h, err := jupitercache.ParseHash(needed)
		if err != nil {
			s.logger.Warn("service needs unparseable hash",
				slog.String("key", key.String()), slog.String("name", name), slog.String("hash", needed))
			continue
		}
		att, ok := pkg.FindAttachment(h)
		if !ok {
			expected := make([]string, 0, len(pkg.Attachments()))
			for _, a := range pkg.Attachments() {
				expected = append(expected, jupitercache.IoHash(a.Hash).String())
			}
			s.logger.Warn("service needs hash not in package",
				slog.String("key", key.String()), slog.String("name", name),
				slog.String("hash", needed), slog.Any("expected", expected))
			continue
		}
		blobs = append(blobs, att)
	}
	return blobs
}

// putBlob uploads one attachment to the compressed-blob endpoint.
func (s *CacheStore) putBlob(ctx context.Context, att cbobj.Attachment, bytesSent *atomic.Uint64) bool {
	req, err := s.asyncPool.WaitFree(ctx, true)
	if err != nil {
		return false
	}
	defer req.Release()

	buf := att.AsCompressed()
	blobURI := fmt.Sprintf("api/v1/compressed-blobs/%s/%s",
		s.cfg.structuredNamespace(), jupitercache.IoHash(att.Hash))
	resp, err := req.PutCompressedBlob(blobURI, buf).Perform(ctx)
	if err != nil {
		return false
	}
	bytesSent.Add(buf.CompressedSize())
	return resp.IsSuccess()
}

// statusForErr distinguishes cancellation from transport failure.
func statusForErr(ctx context.Context) jupitercache.Status {
	if ctx.Err() != nil {
		return jupitercache.StatusCanceled
	}
	return jupitercache.StatusError
}

// statusResult maps a status to the telemetry result label.
func statusResult(status jupitercache.Status) string {
	switch status {
	case jupitercache.StatusOk:
		return "ok"
	case jupitercache.StatusCanceled:
		return "canceled"
	default:
		return "error"
	}
}
