package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/batch"
	"github.com/wolfeidau/jupiter-cache/cbobj"
	"github.com/wolfeidau/jupiter-cache/cbuf"
	"github.com/wolfeidau/jupiter-cache/telemetry"
	"github.com/wolfeidau/jupiter-cache/transport"
)

// ContentTypeInline asks the ref endpoint to answer with the payload itself
// instead of the record document.
const ContentTypeInline = "application/x-jupiter-inline"

// HeaderInlinePayloadHash declares the raw hash of an inline payload served
// outside a compressed-buffer container.
const HeaderInlinePayloadHash = "X-Jupiter-InlinePayloadHash"

// valueHeadDoc is the ref document for a standalone value.
type valueHeadDoc struct {
	RawHash jupitercache.IoHash `cbor:"RawHash"`
	RawSize uint64              `cbor:"RawSize"`
}

// getValue fetches one standalone value through the ref endpoint. With
// SkipData only the document is read; otherwise the payload comes back
// inline, either as a compressed-buffer container or as raw bytes declared
// by the inline payload hash header.
func (s *CacheStore) getValue(ctx context.Context, req GetValueRequest) GetValueResponse {
	start := time.Now()
	resp := GetValueResponse{Name: req.Name, Key: req.Key, UserData: req.UserData, Status: jupitercache.StatusError}

	done := func() GetValueResponse {
		s.gets.Add(1)
		if resp.Status == jupitercache.StatusOk {
			s.hits.Add(1)
		} else {
			s.misses.Add(1)
		}
		telemetry.RecordCacheOp(ctx, "get", statusResult(resp.Status), time.Since(start))
		return resp
	}

	skipData := req.Policy.Has(jupitercache.PolicySkipData)

	refsURI := fmt.Sprintf("api/v1/refs/%s/%s/%s",
		s.cfg.structuredNamespace(), req.Key.Bucket.Norm(), req.Key.Hash)

	treq, err := s.getPool.WaitFree(ctx, false)
	if err != nil {
		resp.Status = statusForErr(ctx)
		return done()
	}
	accept := ContentTypeInline
	if skipData {
		accept = transport.ContentTypeCompactBinary
	}
	hresp, err := treq.Get(refsURI).
		AddHeader("Accept", accept).
		ExpectStatus(404).
		Perform(ctx)
	treq.Release()
	if err != nil {
		resp.Status = statusForErr(ctx)
		return done()
	}
	s.bytesReceived.Add(uint64(len(hresp.Body)))
	if !hresp.IsSuccess() {
		s.logger.Debug("cache miss with missing value",
			slog.String("key", req.Key.String()), slog.String("name", req.Name),
			slog.Int("status", hresp.Status))
		return done()
	}

	if skipData {
		obj, err := cbobj.FromBytes(hresp.Body)
		if err != nil {
			s.logger.Warn("cache miss with invalid value document",
				slog.String("key", req.Key.String()), slog.String("name", req.Name), slog.Any("error", err))
			return done()
		}
		var doc valueHeadDoc
		if err := obj.Decode(&doc); err != nil || doc.RawHash.IsZero() {
			s.logger.Warn("cache miss with invalid value document",
				slog.String("key", req.Key.String()), slog.String("name", req.Name))
			return done()
		}
		resp.Value = jupitercache.NewValueRef(doc.RawHash, doc.RawSize)
		resp.Status = jupitercache.StatusOk
		return done()
	}

	buf, err := cbuf.FromCompressed(hresp.Body)
	if err != nil {
		// Some deployments serve the payload raw and declare its hash in a
		// header; verify and compress client-side.
		declared, herr := jupitercache.ParseHash(hresp.Header.Get(HeaderInlinePayloadHash))
		if herr != nil || jupitercache.HashBytes(hresp.Body) != declared {
			if herr == nil {
				telemetry.RecordVerifyFailure(ctx, "get")
			}
			s.logger.Warn("cache miss with invalid inline payload",
				slog.String("key", req.Key.String()), slog.String("name", req.Name))
			return done()
		}
		buf = cbuf.Compress(hresp.Body)
	}
	resp.Value = jupitercache.NewValue(buf)
	resp.Status = jupitercache.StatusOk
	return done()
}

// getValuesExist resolves a batch of skip-data value gets through one
// structured refs query, completing each request from the matching opId.
func (s *CacheStore) getValuesExist(ctx context.Context, reqs []GetValueRequest, onComplete OnGetValueComplete) {
	fail := func(req GetValueRequest, status jupitercache.Status) {
		onComplete(GetValueResponse{Name: req.Name, Key: req.Key, UserData: req.UserData, Status: status})
	}

	var pending []GetValueRequest
	for _, req := range reqs {
		if !s.gateGet(req.Key, req.Policy, req.Name, "exists") {
			fail(req, jupitercache.StatusError)
			continue
		}
		pending = append(pending, req)
	}
	if len(pending) == 0 {
		return
	}

	s.submit(ctx,
		func(ctx context.Context) {
			results := s.queryRefsBatch(ctx, pending)
			for i, req := range pending {
				s.exists.Add(1)
				if results == nil {
					fail(req, statusForErr(ctx))
					continue
				}
				res := results[i]
				if !res.Exists() {
					s.misses.Add(1)
					fail(req, jupitercache.StatusError)
					continue
				}
				s.hits.Add(1)
				onComplete(GetValueResponse{
					Name:     req.Name,
					Key:      req.Key,
					Value:    jupitercache.NewValueRef(res.RawHash, res.RawSize),
					UserData: req.UserData,
					Status:   jupitercache.StatusOk,
				})
			}
		},
		func() {
			for _, req := range pending {
				fail(req, jupitercache.StatusCanceled)
			}
		})
}

// queryRefsBatch posts one structured refs query for the pending requests.
// The returned slice is indexed like pending; nil means the whole query
// failed.
func (s *CacheStore) queryRefsBatch(ctx context.Context, pending []GetValueRequest) []batch.RefResult {
	ops := make([]batch.RefOp, 0, len(pending))
	for i, req := range pending {
		ops = append(ops, batch.RefOp{OpID: uint32(i), Bucket: req.Key.Bucket, Key: req.Key.Hash.String()})
	}

	obj, err := batch.MarshalRefsRequest(ops)
	if err != nil {
		s.logger.Warn("failed to marshal refs batch", slog.Any("error", err))
		telemetry.RecordBatch(ctx, "refs", "error", len(ops))
		return nil
	}

	req, err := s.getPool.WaitFree(ctx, false)
	if err != nil {
		return nil
	}
	refsURI := "api/v1/refs/" + s.cfg.structuredNamespace()
	resp, err := req.PostCompactObject(refsURI, obj).
		AddHeader("Accept", transport.ContentTypeCompactBinary).
		Perform(ctx)
	req.Release()
	if err != nil || !resp.IsSuccess() {
		telemetry.RecordBatch(ctx, "refs", "error", len(ops))
		return nil
	}

	results, err := batch.ParseRefsResponse(resp.Body, len(ops))
	if err != nil {
		s.logger.Warn("malformed refs batch response", slog.Any("error", err))
		telemetry.RecordBatch(ctx, "refs", "error", len(ops))
		return nil
	}

	// Order results by opId so callers can index by request position.
	ordered := make([]batch.RefResult, len(ops))
	for _, res := range results {
		ordered[res.OpID] = res
	}
	telemetry.RecordBatch(ctx, "refs", "ok", len(ops))
	return ordered
}
