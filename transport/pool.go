package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/jupiter-cache/telemetry"
)

// ErrPoolClosed is returned when acquiring from a closed pool.
var ErrPoolClosed = errors.New("transport: pool closed")

// Pool hands out a fixed number of reusable requests. Waiters are served in
// arrival order. When an overflow cap is configured, unbounded acquisition
// may create extra requests beyond the fixed slots; overflow requests are
// discarded on release rather than returned to the pool.
type Pool struct {
	name     string
	client   *Client
	slots    chan *Request
	overflow chan struct{}
	closed   atomic.Bool
}

// NewPool creates a pool of size reusable requests. overflowCap is the
// number of additional requests unbounded acquisition may create; zero
// disables overflow.
func NewPool(client *Client, name string, size, overflowCap int) *Pool {
	p := &Pool{
		name:   name,
		client: client,
		slots:  make(chan *Request, size),
	}
	for range size {
		p.slots <- newRequest(client, p, false)
	}
	if overflowCap > 0 {
		p.overflow = make(chan struct{}, overflowCap)
		for range overflowCap {
			p.overflow <- struct{}{}
		}
	}
	return p
}

// Name returns the pool name used in metrics.
func (p *Pool) Name() string {
	return p.name
}

// GetFree returns a request without waiting, or nil when none is available.
// With unbounded set, an overflow request may be created once the fixed
// slots are exhausted.
func (p *Pool) GetFree(unbounded bool) *Request {
	if p.closed.Load() {
		return nil
	}
	select {
	case r := <-p.slots:
		return r
	default:
	}
	if unbounded && p.overflow != nil {
		select {
		case <-p.overflow:
			telemetry.RecordPoolOverflow(context.Background(), p.name)
			return newRequest(p.client, p, true)
		default:
		}
	}
	return nil
}

// WaitFree blocks until a request is available or the context is done.
func (p *Pool) WaitFree(ctx context.Context, unbounded bool) (*Request, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if r := p.GetFree(unbounded); r != nil {
		return r, nil
	}

	start := time.Now()
	defer func() {
		telemetry.RecordPoolWait(ctx, p.name, time.Since(start))
	}()

	if unbounded && p.overflow != nil {
		select {
		case r := <-p.slots:
			return r, nil
		case <-p.overflow:
			telemetry.RecordPoolOverflow(ctx, p.name)
			return newRequest(p.client, p, true), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case r := <-p.slots:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release resets the request and returns it to the pool. Overflow requests
// are discarded, freeing their overflow slot.
func (p *Pool) Release(r *Request) {
	if r.overflow {
		p.overflow <- struct{}{}
		return
	}
	r.Reset()
	p.slots <- r
}

// Close marks the pool closed. Outstanding requests may still be released.
func (p *Pool) Close() {
	p.closed.Store(true)
}

// SharedRequest wraps a pooled request with a reference count so several
// batch participants can hold it; the request returns to the pool when the
// last holder calls Done.
type SharedRequest struct {
	req  *Request
	refs atomic.Int32
}

// MakeShared wraps the request for n holders.
func (p *Pool) MakeShared(r *Request, n int) *SharedRequest {
	s := &SharedRequest{req: r}
	s.refs.Store(int32(n))
	return s
}

// Request returns the underlying request.
func (s *SharedRequest) Request() *Request {
	return s.req
}

// Done releases one hold. The final Done releases the request itself.
func (s *SharedRequest) Done() {
	if s.refs.Add(-1) == 0 {
		s.req.Release()
	}
}
