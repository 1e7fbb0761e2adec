package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wolfeidau/jupiter-cache/telemetry"
)

// ErrServiceClosed is returned when submitting to a stopped service.
var ErrServiceClosed = errors.New("transport: async service closed")

// CompletionFunc receives the outcome of an async transfer. It is always
// invoked on a goroutine other than the service's dispatch loop, so it may
// block or submit further work.
type CompletionFunc func(*Response, error)

// TransferFunc performs one transfer. Retries happen inside the transfer via
// Request.Perform; the service only dispatches.
type TransferFunc func(context.Context) (*Response, error)

// AsyncServiceOption configures an AsyncService.
type AsyncServiceOption func(*AsyncService)

// WithAsyncLogger sets the logger for the service.
func WithAsyncLogger(logger *slog.Logger) AsyncServiceOption {
	return func(s *AsyncService) {
		s.logger = logger
	}
}

// AsyncService owns the in-flight async transfers. One dispatch goroutine
// drains a submission queue and launches each transfer on its own goroutine;
// completions never run on the dispatch loop. Close stops intake, drains the
// queue, and waits for in-flight transfers.
type AsyncService struct {
	submissions chan asyncJob
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool

	dispatcher sync.WaitGroup
	inflight   sync.WaitGroup
	depth      atomic.Int64
}

type asyncJob struct {
	ctx  context.Context
	run  TransferFunc
	done CompletionFunc
}

// NewAsyncService starts the dispatch loop with the given submission queue
// capacity.
func NewAsyncService(queueCap int, opts ...AsyncServiceOption) *AsyncService {
	s := &AsyncService{
		submissions: make(chan asyncJob, queueCap),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.dispatcher.Add(1)
	go s.loop()
	return s
}

// Submit queues a transfer. The completion callback receives the result,
// including cancellation observed at completion time.
func (s *AsyncService) Submit(ctx context.Context, run TransferFunc, done CompletionFunc) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	s.depth.Add(1)
	telemetry.UpdateAsyncQueueDepth(ctx, int(s.depth.Load()))
	s.submissions <- asyncJob{ctx: ctx, run: run, done: done}
	return nil
}

// Close stops accepting submissions, drains the queue, and waits for all
// in-flight transfers and their completions.
func (s *AsyncService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.submissions)
	s.mu.Unlock()

	s.dispatcher.Wait()
	s.inflight.Wait()
}

func (s *AsyncService) loop() {
	defer s.dispatcher.Done()

	for job := range s.submissions {
		s.depth.Add(-1)
		telemetry.UpdateAsyncQueueDepth(job.ctx, int(s.depth.Load()))

		s.inflight.Add(1)
		go func(job asyncJob) {
			defer s.inflight.Done()

			if err := job.ctx.Err(); err != nil {
				job.done(nil, err)
				return
			}
			resp, err := job.run(job.ctx)
			job.done(resp, err)
		}(job)
	}
}
