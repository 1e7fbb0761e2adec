package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper with request metrics
// attributed to the logical cache verb.
type InstrumentedTransport struct {
	base http.RoundTripper
}

// NewInstrumentedTransport creates a new instrumented transport.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base}
}

type verbKey struct{}

// WithVerb annotates a context with the logical cache verb so the transport
// can attribute the request.
func WithVerb(ctx context.Context, verb string) context.Context {
	return context.WithValue(ctx, verbKey{}, verb)
}

func verbFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(verbKey{}).(string); ok {
		return v
	}
	return "unknown"
}

// RoundTrip implements http.RoundTripper with metrics recording.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	verb := verbFromContext(req.Context())

	sent := req.ContentLength
	if sent < 0 {
		sent = 0
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		RecordRequest(req.Context(), verb, 0, time.Since(start), sent, 0)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		verb:       verb,
		status:     resp.StatusCode,
		start:      start,
		sent:       sent,
	}

	return resp, nil
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	verb     string
	status   int
	start    time.Time
	sent     int64
	bytes    int64
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordRequest(b.ctx, b.verb, b.status, time.Since(b.start), b.sent, b.bytes)
	}
	return b.ReadCloser.Close()
}
