// Package transport provides the pooled, retrying HTTP request layer used by
// the cache store. Requests carry bearer tokens, verify nothing themselves,
// and classify every completion so operations can branch on status codes
// rather than errors.
package transport

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/jupiter-cache/auth"
	"github.com/wolfeidau/jupiter-cache/telemetry"
)

const (
	// connectTimeout bounds connection establishment.
	connectTimeout = 30 * time.Second

	// lowSpeedLimit and lowSpeedWindow abort transfers that fall below
	// 1 KiB/s sustained over 30 seconds.
	lowSpeedLimit  = 1024
	lowSpeedWindow = 30 * time.Second

	defaultUserAgent = "jupiter-cache-go"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client and the requests it issues.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTokens attaches a token manager. Requests inject the current bearer
// token and refresh it on 401 responses.
func WithTokens(tokens *auth.Manager) ClientOption {
	return func(c *Client) {
		c.tokens = tokens
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// Client holds the connection to one cache service host. All pooled requests
// share its HTTP client and its token manager.
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    *auth.Manager
	logger    *slog.Logger
	userAgent string
}

// NewClient creates a client for the given base URL (scheme and host, no
// trailing slash).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		http:      newHTTPClient(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Tokens returns the attached token manager, or nil.
func (c *Client) Tokens() *auth.Manager {
	return c.tokens
}

// NewRequest creates an unpooled single-use request.
func (c *Client) NewRequest() *Request {
	return newRequest(c, nil, false)
}

func newHTTPClient() *http.Client {
	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        128,
		MaxIdleConnsPerHost: 128,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{
		Transport: telemetry.NewInstrumentedTransport(base),
	}
}
