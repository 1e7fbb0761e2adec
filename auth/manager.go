package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/jupiter-cache/telemetry"
)

const (
	// maxFailedLogins is the number of consecutive failed acquisitions after
	// which the manager stops contacting the provider.
	maxFailedLogins = 16

	// refreshMargin is subtracted from the provider's expires_in when
	// scheduling the background refresh, so a new token is in place before
	// the old one lapses.
	refreshMargin = 20 * time.Second

	// maxResponseSize bounds the provider response body (1MB).
	maxResponseSize = 1 << 20
)

// ErrTooManyFailures is returned once the consecutive failed-login cap is
// reached. Further Acquire calls fail fast without network traffic.
var ErrTooManyFailures = errors.New("auth: too many failed login attempts")

// tokenResponse is the subset of the OAuth token response the manager reads.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client used for provider requests.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(m *Manager) {
		m.httpClient = client
	}
}

// WithScheduledRefresh enables background refresh ahead of token expiry.
// Short-lived batch processes leave this off and refresh on demand.
func WithScheduledRefresh() ManagerOption {
	return func(m *Manager) {
		m.scheduleRefresh = true
	}
}

// Manager acquires bearer tokens from an OAuth provider using the client
// credentials grant, and refreshes them on demand when a request observes a
// 401. Concurrent callers that raced on the same stale token coalesce into a
// single provider round trip.
type Manager struct {
	providerURL string
	clientID    string
	secret      string
	scope       string

	httpClient      *http.Client
	logger          *slog.Logger
	scheduleRefresh bool

	token *AccessToken

	mu             sync.Mutex
	failedAttempts int
	refreshTimer   *time.Timer
	closed         bool
}

// NewManager creates a token manager for the given provider. The secret may
// be a literal value or a "file://" reference resolved at acquisition time.
func NewManager(providerURL, clientID, secret, scope string, opts ...ManagerOption) *Manager {
	m := &Manager{
		providerURL: providerURL,
		clientID:    clientID,
		secret:      secret,
		scope:       scope,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		token:       &AccessToken{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns the shared access token. Requests read the Authorization
// header from it and snapshot its serial for retry decisions.
func (m *Manager) Token() *AccessToken {
	return m.token
}

// Acquire ensures a token newer than the given serial snapshot is installed.
// Callers pass the serial they observed before the request that failed; if
// another caller already refreshed past that serial, Acquire returns without
// contacting the provider.
func (m *Manager) Acquire(ctx context.Context, snapshot uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token.Serial() > snapshot {
		return nil
	}

	if m.failedAttempts >= maxFailedLogins {
		return ErrTooManyFailures
	}

	err := m.fetchLocked(ctx)
	if err != nil {
		m.failedAttempts++
		telemetry.RecordTokenRefresh(ctx, "error")
		m.logger.Warn("token acquisition failed",
			slog.String("provider", m.providerURL),
			slog.Int("failed_attempts", m.failedAttempts),
			slog.Any("error", err))
		return err
	}

	m.failedAttempts = 0
	telemetry.RecordTokenRefresh(ctx, "ok")
	return nil
}

// Close stops any scheduled refresh.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

// fetchLocked performs one provider round trip. The caller holds m.mu.
func (m *Manager) fetchLocked(ctx context.Context) error {
	var (
		resp *http.Response
		err  error
	)

	if isLocalProvider(m.providerURL) {
		// Local development providers issue tokens to anyone who asks.
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, m.providerURL, nil)
		if rerr != nil {
			return fmt.Errorf("building token request: %w", rerr)
		}
		resp, err = m.httpClient.Do(req)
	} else {
		secret, serr := resolveSecret(m.secret)
		if serr != nil {
			return serr
		}

		form := url.Values{}
		form.Set("client_id", m.clientID)
		form.Set("client_secret", secret)
		form.Set("grant_type", "client_credentials")
		if m.scope != "" {
			form.Set("scope", m.scope)
		}

		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, m.providerURL, strings.NewReader(form.Encode()))
		if rerr != nil {
			return fmt.Errorf("building token request: %w", rerr)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err = m.httpClient.Do(req)
	}
	if err != nil {
		return fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return errors.New("token response missing access_token")
	}

	m.token.SetToken(tr.AccessToken)

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	m.logger.Debug("access token acquired",
		slog.String("provider", m.providerURL),
		slog.Duration("expires_in", expiresIn))

	m.armRefreshLocked(expiresIn)

	return nil
}

// armRefreshLocked schedules the next background refresh. The caller holds
// m.mu.
func (m *Manager) armRefreshLocked(expiresIn time.Duration) {
	if !m.scheduleRefresh || m.closed {
		return
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}

	delay := expiresIn - refreshMargin
	if delay <= 0 {
		return
	}

	serial := m.token.Serial()
	m.refreshTimer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Acquire(ctx, serial); err != nil {
			m.logger.Warn("scheduled token refresh failed", slog.Any("error", err))
		}
	})
}

// resolveSecret returns the literal secret, reading it from disk when given
// a file:// reference.
func resolveSecret(secret string) (string, error) {
	path, ok := strings.CutPrefix(secret, "file://")
	if !ok {
		return secret, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// isLocalProvider reports whether the provider URL points at localhost, in
// which case no client credentials are sent.
func isLocalProvider(providerURL string) bool {
	u, err := url.Parse(providerURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
