// Package batch coalesces concurrent cache lookups into shared service
// round trips: the legacy batchget RPC with its framed binary response, and
// the structured batch-refs RPC with compact-binary bodies.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wolfeidau/jupiter-cache/telemetry"
	"github.com/wolfeidau/jupiter-cache/transport"
)

const (
	// MaxOpsPerBatch caps the operations carried by one batchget request.
	MaxOpsPerBatch = 12

	// NumBatches is the number of concurrently filling batches.
	NumBatches = 64

	// Weight hints bias batches toward many cheap HEAD checks or few
	// payload-bearing GETs.
	getWeight  = 4
	headWeight = 1
	maxWeight  = 12

	batchGetURI = "api/v1/c/ddc-rpc/batchget"
)

// ErrBatchFailed reports that the shared batch request failed; every entry
// in the batch is marked unsuccessful.
var ErrBatchFailed = errors.New("batch: batched query failed")

// Verb selects between a payload fetch and an existence check.
type Verb uint8

const (
	VerbGet Verb = iota
	VerbHead
)

// Entry is one key's slot in a batch. After Do returns, OK reports the
// outcome and Data holds the verified payload for gets.
type Entry struct {
	Bucket string
	Key    string
	Verb   Verb

	Data []byte
	OK   bool
}

func (e *Entry) weight() int {
	if e.Verb == VerbGet {
		return getWeight
	}
	return headWeight
}

// BatcherOption configures a Batcher.
type BatcherOption func(*Batcher)

// WithLogger sets the logger for the batcher.
func WithLogger(logger *slog.Logger) BatcherOption {
	return func(b *Batcher) {
		b.logger = logger
	}
}

// Batcher merges concurrent legacy lookups into shared batchget requests.
// The first caller into an empty batch becomes its driver: it waits for a
// pooled request, seals the batch, performs the query, and distributes
// results; callers that joined in the meantime wait on the batch.
type Batcher struct {
	client    *transport.Client
	pool      *transport.Pool
	namespace string
	logger    *slog.Logger

	slots [NumBatches]batchSlot
	next  atomic.Uint32
}

type batchSlot struct {
	mu      sync.Mutex
	sealed  bool
	weight  int
	entries []*Entry
	done    chan struct{}
}

// NewBatcher creates a batcher for the given namespace using the pool for
// its shared requests.
func NewBatcher(client *transport.Client, pool *transport.Pool, namespace string, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		client:    client,
		pool:      pool,
		namespace: namespace,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs the entry through a shared batch, blocking until its batch
// completes. When every batch is full the entry is queried alone.
func (b *Batcher) Do(ctx context.Context, entry *Entry) error {
	start := b.next.Load()
	w := entry.weight()

	for i := range uint32(NumBatches) {
		s := &b.slots[(start+i)%NumBatches]

		s.mu.Lock()
		if s.sealed || len(s.entries) >= MaxOpsPerBatch || s.weight+w > maxWeight {
			if len(s.entries) >= MaxOpsPerBatch {
				b.next.CompareAndSwap(start, start+i+1)
			}
			s.mu.Unlock()
			continue
		}

		driver := len(s.entries) == 0
		if driver {
			s.done = make(chan struct{})
		}
		s.entries = append(s.entries, entry)
		s.weight += w
		done := s.done
		s.mu.Unlock()

		if driver {
			b.drive(ctx, s)
			return nil
		}

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Every batch is mid-flight; query alone rather than stall.
	return b.perform(ctx, []*Entry{entry})
}

// drive performs the shared query for a batch. Waiting for the pooled
// request is the batching window: entries keep joining until the request is
// in hand and the batch is sealed.
func (b *Batcher) drive(ctx context.Context, s *batchSlot) {
	req, err := b.pool.WaitFree(ctx, false)

	s.mu.Lock()
	s.sealed = true
	entries := s.entries
	done := s.done
	s.mu.Unlock()

	if err == nil {
		err = b.performWith(ctx, req, entries)
		req.Release()
	}
	if err != nil {
		b.logger.Warn("batched query failed",
			slog.Int("operations", len(entries)), slog.Any("error", err))
		for _, e := range entries {
			e.OK = false
			e.Data = nil
		}
	}

	s.mu.Lock()
	s.entries = nil
	s.weight = 0
	s.sealed = false
	s.done = nil
	s.mu.Unlock()
	close(done)
}

// perform runs entries through a dedicated pooled request.
func (b *Batcher) perform(ctx context.Context, entries []*Entry) error {
	req, err := b.pool.WaitFree(ctx, false)
	if err != nil {
		return err
	}
	defer req.Release()
	if err := b.performWith(ctx, req, entries); err != nil {
		for _, e := range entries {
			e.OK = false
			e.Data = nil
		}
		return err
	}
	return nil
}

type legacyOp struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Verb   string `json:"verb,omitempty"`
}

type legacyBatchBody struct {
	Namespace  string     `json:"namespace"`
	Operations []legacyOp `json:"operations"`
}

func (b *Batcher) performWith(ctx context.Context, req *transport.Request, entries []*Entry) error {
	body := legacyBatchBody{Namespace: b.namespace}
	for _, e := range entries {
		op := legacyOp{Bucket: e.Bucket, Key: e.Key}
		if e.Verb == VerbHead {
			op.Verb = "HEAD"
		}
		body.Operations = append(body.Operations, op)
	}

	r, err := req.PostJSON(batchGetURI, body)
	if err != nil {
		return err
	}

	resp, err := r.Perform(ctx)
	if err != nil {
		telemetry.RecordBatch(ctx, "legacy", "error", len(entries))
		return err
	}
	if !resp.IsSuccess() {
		telemetry.RecordBatch(ctx, "legacy", "error", len(entries))
		return fmt.Errorf("%w: status %d", ErrBatchFailed, resp.Status)
	}

	if err := ParseBatchedResponse(resp.Body, entries); err != nil {
		telemetry.RecordBatch(ctx, "legacy", "malformed", len(entries))
		return err
	}

	telemetry.RecordBatch(ctx, "legacy", "ok", len(entries))
	return nil
}
