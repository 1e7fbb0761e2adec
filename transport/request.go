package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/cbobj"
	"github.com/wolfeidau/jupiter-cache/cbuf"
	"github.com/wolfeidau/jupiter-cache/telemetry"
)

const (
	// maxAttempts caps retries per request, counting the first try.
	maxAttempts = 4

	// maxLoggedBody truncates response bodies in log output.
	maxLoggedBody = 256

	// ContentTypeCompactBinary is the compact-binary object media type.
	ContentTypeCompactBinary = "application/x-ue-cb"

	// ContentTypeCompressedBuffer is the compressed-blob media type.
	ContentTypeCompressedBuffer = "application/x-ue-comp"

	// HeaderIoHash carries the raw-payload hash on uploads.
	HeaderIoHash = "X-Jupiter-IoHash"
)

// ErrTooSlow reports a transfer aborted for falling below the sustained
// low-speed limit.
var ErrTooSlow = errors.New("transport: transfer below minimum speed")

// Response is the outcome of a performed request. A Response is returned for
// every completed HTTP exchange, including non-2xx statuses; errors are
// reserved for transport failures.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// IsSuccess reports whether the status is informational or successful.
func (r *Response) IsSuccess() bool {
	return r.Status >= 100 && r.Status < 300
}

// result classifies one HTTP attempt.
type result int

const (
	resultSuccess result = iota
	resultFailed
	resultFailedTimeout
	resultCanceled
)

// Request is a single-use, reusable HTTP request bound to a client and
// optionally to a pool. Configure it with one of the verb methods, then call
// Perform or Enqueue. Reset returns it to a blank state for the next use.
type Request struct {
	client   *Client
	pool     *Pool
	overflow bool

	id       uuid.UUID
	method   string
	uri      string
	header   http.Header
	body     []byte
	expected []int
	attempt  int
}

func newRequest(c *Client, p *Pool, overflow bool) *Request {
	r := &Request{client: c, pool: p, overflow: overflow}
	r.Reset()
	return r
}

// Reset clears per-use state and assigns a fresh request ID.
func (r *Request) Reset() {
	r.id = uuid.New()
	r.method = ""
	r.uri = ""
	r.header = make(http.Header)
	r.body = nil
	r.expected = nil
	r.attempt = 0
}

// ID returns the request correlation ID.
func (r *Request) ID() uuid.UUID {
	return r.id
}

// Attempt returns the number of HTTP attempts performed so far.
func (r *Request) Attempt() int {
	return r.attempt
}

// AddHeader adds a header sent with the request.
func (r *Request) AddHeader(key, value string) *Request {
	r.header.Add(key, value)
	return r
}

// ExpectStatus marks status codes that are normal outcomes for this request.
// Expected statuses are not logged as failures and complete the request.
func (r *Request) ExpectStatus(codes ...int) *Request {
	r.expected = append(r.expected, codes...)
	return r
}

// Get configures a GET of the given URI (path relative to the client base).
func (r *Request) Get(uri string) *Request {
	r.method = http.MethodGet
	r.uri = uri
	return r
}

// Head configures a HEAD of the given URI.
func (r *Request) Head(uri string) *Request {
	r.method = http.MethodHead
	r.uri = uri
	return r
}

// Delete configures a DELETE of the given URI.
func (r *Request) Delete(uri string) *Request {
	r.method = http.MethodDelete
	r.uri = uri
	return r
}

// Put configures a PUT with an arbitrary body.
func (r *Request) Put(uri, contentType string, body []byte) *Request {
	r.method = http.MethodPut
	r.uri = uri
	r.body = body
	r.header.Set("Content-Type", contentType)
	return r
}

// PutCompactObject configures a PUT of a compact-binary object, with the
// object hash declared in the upload header.
func (r *Request) PutCompactObject(uri string, obj cbobj.Object) *Request {
	r.Put(uri, ContentTypeCompactBinary, obj.Bytes())
	r.header.Set(HeaderIoHash, jupitercache.IoHash(obj.Hash()).String())
	return r
}

// PutCompressedBlob configures a PUT of a compressed buffer, with the raw
// payload hash declared in the upload header.
func (r *Request) PutCompressedBlob(uri string, buf cbuf.Buffer) *Request {
	r.Put(uri, ContentTypeCompressedBuffer, buf.Bytes())
	r.header.Set(HeaderIoHash, jupitercache.IoHash(buf.RawHash()).String())
	return r
}

// Post configures a POST with an arbitrary body.
func (r *Request) Post(uri, contentType string, body []byte) *Request {
	r.method = http.MethodPost
	r.uri = uri
	r.body = body
	r.header.Set("Content-Type", contentType)
	return r
}

// PostCompactObject configures a POST of a compact-binary object.
func (r *Request) PostCompactObject(uri string, obj cbobj.Object) *Request {
	return r.Post(uri, ContentTypeCompactBinary, obj.Bytes())
}

// PostJSON configures a POST with a JSON-encoded body.
func (r *Request) PostJSON(uri string, v any) (*Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	return r.Post(uri, "application/json", body), nil
}

// Release returns the request to its pool, or discards it when unpooled.
func (r *Request) Release() {
	if r.pool != nil {
		r.pool.Release(r)
	}
}

// Perform executes the request, retrying per the completion rules: 401
// triggers a token refresh and retry, 429 and timeouts retry, everything
// else completes. At most maxAttempts HTTP exchanges are made. A Response is
// returned whenever the final attempt produced one, regardless of status.
func (r *Request) Perform(ctx context.Context) (*Response, error) {
	logger := r.client.logger.With(
		slog.String("request_id", r.id.String()),
		slog.String("method", r.method),
		slog.String("uri", r.uri))

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var serial uint32
		if r.client.tokens != nil {
			serial = r.client.tokens.Token().Serial()
		}

		r.attempt++
		resp, res, err := r.do(ctx)

		switch res {
		case resultSuccess:
			return resp, nil

		case resultCanceled:
			return nil, err

		case resultFailedTimeout:
			if r.attempt < maxAttempts {
				logger.Info("request timed out, retrying", slog.Int("attempt", r.attempt))
				continue
			}
			return nil, fmt.Errorf("request timed out after %d attempts: %w", r.attempt, err)

		case resultFailed:
			if resp == nil {
				if r.attempt < maxAttempts {
					logger.Info("request failed, retrying",
						slog.Int("attempt", r.attempt), slog.Any("error", err))
					continue
				}
				return nil, fmt.Errorf("request failed after %d attempts: %w", r.attempt, err)
			}

			if resp.Status == http.StatusUnauthorized && r.client.tokens != nil && r.attempt < maxAttempts {
				// Tokens routinely expire, so this is not an error.
				logger.Debug("unauthorized, refreshing token", slog.Int("attempt", r.attempt))
				if aerr := r.client.tokens.Acquire(ctx, serial); aerr != nil {
					return resp, fmt.Errorf("refreshing token: %w", aerr)
				}
				continue
			}

			if resp.Status == http.StatusTooManyRequests && r.attempt < maxAttempts {
				logger.Info("throttled, retrying", slog.Int("attempt", r.attempt))
				continue
			}

			if !r.isExpected(resp.Status) {
				logger.Warn("request failed",
					slog.Int("status", resp.Status),
					slog.Int("attempt", r.attempt),
					slog.String("body", truncateBody(resp.Body)))
			}
			return resp, nil
		}
	}
}

// do performs one HTTP exchange.
func (r *Request) do(ctx context.Context) (*Response, result, error) {
	rctx, cancel := context.WithCancel(telemetry.WithVerb(ctx, verbOf(r.method)))
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, r.method, r.client.baseURL+"/"+r.uri, bytes.NewReader(r.body))
	if err != nil {
		return nil, resultFailed, fmt.Errorf("building request: %w", err)
	}

	for k, vs := range r.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", r.client.userAgent)
	req.Header.Set("X-Request-ID", r.id.String())
	req.ContentLength = int64(len(r.body))

	if r.client.tokens != nil {
		if hv := r.client.tokens.Token().HeaderValue(); hv != "" {
			req.Header.Set("Authorization", hv)
		}
	}

	resp, err := r.client.http.Do(req)
	if err != nil {
		return nil, classifyError(ctx, err), err
	}
	defer resp.Body.Close()

	body, err := readBodyGuarded(cancel, resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, resultCanceled, ctx.Err()
		}
		// The watchdog cancels only the attempt context, so a live parent
		// means the transfer stalled.
		if rctx.Err() != nil {
			return nil, resultFailedTimeout, ErrTooSlow
		}
		return nil, resultFailed, fmt.Errorf("reading response body: %w", err)
	}

	out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}
	if out.IsSuccess() || r.isExpected(out.Status) {
		return out, resultSuccess, nil
	}
	return out, resultFailed, nil
}

func (r *Request) isExpected(status int) bool {
	for _, code := range r.expected {
		if code == status {
			return true
		}
	}
	return false
}

// readBodyGuarded reads the body while a watchdog aborts the attempt if the
// transfer falls below lowSpeedLimit bytes/s sustained over lowSpeedWindow.
func readBodyGuarded(cancel context.CancelFunc, body io.Reader) ([]byte, error) {
	var read atomic.Int64
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		var last int64
		ticker := time.NewTicker(lowSpeedWindow)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := read.Load()
				if now-last < lowSpeedLimit*int64(lowSpeedWindow/time.Second) {
					cancel()
					return
				}
				last = now
			}
		}
	}()

	return io.ReadAll(&countingReader{r: body, n: &read})
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// classifyError maps a transport error to a completion result.
func classifyError(ctx context.Context, err error) result {
	if ctx.Err() != nil {
		return resultCanceled
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return resultFailedTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resultFailedTimeout
	}
	return resultFailed
}

func verbOf(method string) string {
	switch method {
	case http.MethodGet:
		return "get"
	case http.MethodHead:
		return "head"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func truncateBody(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}
