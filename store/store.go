// Package store implements the cache store facade over a Jupiter derived-data
// cache service: asynchronous record and value operations against the
// structured refs API, synchronous legacy operations against the bucketed
// key-value API, and the bootstrap that probes the service, acquires a token,
// and builds the request pools.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	jupitercache "github.com/wolfeidau/jupiter-cache"
	"github.com/wolfeidau/jupiter-cache/auth"
	"github.com/wolfeidau/jupiter-cache/batch"
	"github.com/wolfeidau/jupiter-cache/transport"
)

const (
	getPoolSize       = 48
	putPoolSize       = 16
	asyncPoolSize     = 128
	asyncPoolOverflow = 128
)

// Stats is a snapshot of store activity counters.
type Stats struct {
	Gets          uint64
	Puts          uint64
	Exists        uint64
	Hits          uint64
	Misses        uint64
	BytesSent     uint64
	BytesReceived uint64
}

// CacheStore is a client for one Jupiter endpoint. Construct it with New;
// the zero value is not usable.
type CacheStore struct {
	cfg    Config
	logger *slog.Logger

	client    *transport.Client
	tokens    *auth.Manager
	getPool   *transport.Pool
	putPool   *transport.Pool
	asyncPool *transport.Pool
	async     *transport.AsyncService
	batcher   *batch.Batcher
	getGroup  singleflight.Group

	usable bool
	closed atomic.Bool

	gets          atomic.Uint64
	puts          atomic.Uint64
	exists        atomic.Uint64
	hits          atomic.Uint64
	misses        atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// New connects to the service described by cfg. The service is probed and a
// token acquired before any pools are built; if either fails the store is
// still returned, but in an unusable state where every operation completes
// with an error. Config mistakes return an error outright.
func New(ctx context.Context, cfg Config) (*CacheStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &CacheStore{cfg: cfg, logger: logger}

	clientOpts := []transport.ClientOption{transport.WithLogger(logger)}
	if cfg.HTTPClient != nil {
		clientOpts = append(clientOpts, transport.WithHTTPClient(cfg.HTTPClient))
	}

	if !s.probeService(ctx, clientOpts) {
		logger.Warn("service not reachable, store disabled", slog.String("service", cfg.ServiceURL))
		return s, nil
	}

	if !isLocalService(cfg.ServiceURL) {
		authOpts := []auth.ManagerOption{auth.WithLogger(logger), auth.WithScheduledRefresh()}
		if cfg.HTTPClient != nil {
			authOpts = append(authOpts, auth.WithHTTPClient(cfg.HTTPClient))
		}
		s.tokens = auth.NewManager(cfg.OAuthProvider, cfg.OAuthClientID, cfg.OAuthSecret, cfg.OAuthScope, authOpts...)
		if err := s.tokens.Acquire(ctx, 0); err != nil {
			logger.Warn("token acquisition failed, store disabled", slog.Any("error", err))
			s.tokens.Close()
			s.tokens = nil
			return s, nil
		}
	}

	effectiveURL := cfg.ServiceURL
	if cfg.ResolveHostCanonicalName {
		effectiveURL = resolveCanonicalURL(ctx, logger, cfg.ServiceURL)
	}

	if s.tokens != nil {
		clientOpts = append(clientOpts, transport.WithTokens(s.tokens))
	}
	s.client = transport.NewClient(effectiveURL, clientOpts...)

	s.getPool = transport.NewPool(s.client, "get", getPoolSize, 0)
	s.putPool = transport.NewPool(s.client, "put", putPoolSize, 0)
	s.asyncPool = transport.NewPool(s.client, "async", asyncPoolSize, asyncPoolOverflow)
	s.async = transport.NewAsyncService(asyncPoolSize, transport.WithAsyncLogger(logger))
	s.batcher = batch.NewBatcher(s.client, s.getPool, cfg.Namespace, batch.WithLogger(logger))
	s.usable = true

	logger.Info("connected to cache service",
		slog.String("service", cfg.ServiceURL),
		slog.String("namespace", cfg.Namespace),
		slog.String("speed_class", cfg.SpeedClass.String()))
	return s, nil
}

// probeService checks health/ready without authentication.
func (s *CacheStore) probeService(ctx context.Context, clientOpts []transport.ClientOption) bool {
	probe := transport.NewClient(s.cfg.ServiceURL, clientOpts...)
	resp, err := probe.NewRequest().Get("health/ready").Perform(ctx)
	if err != nil {
		s.logger.Warn("service probe failed", slog.Any("error", err))
		return false
	}
	if !resp.IsSuccess() {
		s.logger.Warn("service not ready",
			slog.Int("status", resp.Status), slog.String("body", string(resp.Body)))
		return false
	}
	s.logger.Info("service status", slog.String("status", strings.TrimSpace(string(resp.Body))))
	return true
}

// resolveCanonicalURL swaps the host for its DNS canonical name so that a
// regionally redirected endpoint stays pinned to one region across requests.
// Resolution failures keep the original URL.
func resolveCanonicalURL(ctx context.Context, logger *slog.Logger, serviceURL string) string {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return serviceURL
	}
	cname, err := net.DefaultResolver.LookupCNAME(ctx, u.Hostname())
	if err != nil || cname == "" {
		return serviceURL
	}
	host := strings.TrimSuffix(cname, ".")
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(host, port)
	}
	pinned := *u
	pinned.Host = host
	logger.Info("pinned to DNS canonical name",
		slog.String("service", serviceURL), slog.String("effective", pinned.String()))
	return pinned.String()
}

// IsUsable reports whether the bootstrap succeeded and the store has not
// been closed.
func (s *CacheStore) IsUsable() bool {
	return s.usable && !s.closed.Load()
}

// isWritable reports whether writes are allowed.
func (s *CacheStore) isWritable() bool {
	return s.IsUsable() && !s.cfg.ReadOnly
}

// Name identifies the store in logs.
func (s *CacheStore) Name() string {
	return s.cfg.ServiceURL
}

// Stats returns a snapshot of the activity counters.
func (s *CacheStore) Stats() Stats {
	return Stats{
		Gets:          s.gets.Load(),
		Puts:          s.puts.Load(),
		Exists:        s.exists.Load(),
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		BytesSent:     s.bytesSent.Load(),
		BytesReceived: s.bytesReceived.Load(),
	}
}

// Close stops the async service, drains in-flight operations, and releases
// pools and the token refresh timer. Operations after Close complete with an
// error without touching the network.
func (s *CacheStore) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.async != nil {
		s.async.Close()
	}
	for _, p := range []*transport.Pool{s.getPool, s.putPool, s.asyncPool} {
		if p != nil {
			p.Close()
		}
	}
	if s.tokens != nil {
		s.tokens.Close()
	}
}

// submit dispatches op through the async service, falling back to a canceled
// completion when the service is gone. cancel builds the response delivered
// when the operation never ran.
func (s *CacheStore) submit(ctx context.Context, op func(ctx context.Context), canceled func()) {
	if s.async == nil || s.closed.Load() {
		go canceled()
		return
	}
	err := s.async.Submit(ctx,
		func(ctx context.Context) (*transport.Response, error) {
			op(ctx)
			return nil, nil
		},
		func(_ *transport.Response, err error) {
			if err != nil {
				canceled()
			}
		})
	if err != nil {
		go canceled()
	}
}

// PutRequest asks to store one cache record.
type PutRequest struct {
	Name     string
	Record   *jupitercache.CacheRecord
	Policy   jupitercache.RecordPolicy
	UserData uint64
}

// PutResponse reports the outcome of one record put.
type PutResponse struct {
	Name      string
	Key       jupitercache.CacheKey
	UserData  uint64
	BytesSent uint64
	Status    jupitercache.Status
}

// OnPutComplete receives put outcomes. It may be called from any goroutine.
type OnPutComplete func(PutResponse)

// Put stores records asynchronously, calling onComplete once per request.
func (s *CacheStore) Put(ctx context.Context, reqs []PutRequest, onComplete OnPutComplete) {
	for _, req := range reqs {
		req := req
		key := req.Record.Key
		fail := func(status jupitercache.Status) {
			onComplete(PutResponse{Name: req.Name, Key: key, UserData: req.UserData, Status: status})
		}

		if !s.isWritable() {
			s.logger.Debug("skipping put, store not writable",
				slog.String("key", key.String()), slog.String("name", req.Name))
			fail(jupitercache.StatusError)
			continue
		}
		if !req.Policy.Default.Has(s.cfg.SpeedClass.storeFlag()) {
			s.logger.Debug("skipping put due to cache policy",
				slog.String("key", key.String()), slog.String("name", req.Name))
			fail(jupitercache.StatusError)
			continue
		}
		if s.cfg.Debug.SimulatePutMiss != nil && s.cfg.Debug.SimulatePutMiss(key) {
			s.logger.Debug("simulated miss for put",
				slog.String("key", key.String()), slog.String("name", req.Name))
			fail(jupitercache.StatusError)
			continue
		}

		s.submit(ctx,
			func(ctx context.Context) {
				onComplete(s.putRecord(ctx, req))
			},
			func() { fail(jupitercache.StatusCanceled) })
	}
}

// GetRequest asks to load one cache record.
type GetRequest struct {
	Name     string
	Key      jupitercache.CacheKey
	Policy   jupitercache.RecordPolicy
	UserData uint64
}

// GetResponse reports the outcome of one record get. Record is nil unless
// Status is StatusOk.
type GetResponse struct {
	Name          string
	Key           jupitercache.CacheKey
	Record        *jupitercache.CacheRecord
	UserData      uint64
	BytesReceived uint64
	Status        jupitercache.Status
}

// OnGetComplete receives get outcomes. It may be called from any goroutine.
type OnGetComplete func(GetResponse)

// Get loads records asynchronously, calling onComplete once per request.
func (s *CacheStore) Get(ctx context.Context, reqs []GetRequest, onComplete OnGetComplete) {
	for _, req := range reqs {
		req := req
		fail := func(status jupitercache.Status) {
			onComplete(GetResponse{Name: req.Name, Key: req.Key, UserData: req.UserData, Status: status})
		}

		if !s.gateGet(req.Key, req.Policy.Default, req.Name, "get") {
			fail(jupitercache.StatusError)
			continue
		}

		s.submit(ctx,
			func(ctx context.Context) {
				onComplete(s.getRecord(ctx, req))
			},
			func() { fail(jupitercache.StatusCanceled) })
	}
}

// gateGet applies the usable / policy / simulated-miss filters shared by all
// read paths. It returns false when the read should complete as a miss
// without touching the network.
func (s *CacheStore) gateGet(key jupitercache.CacheKey, policy jupitercache.CachePolicy, name, op string) bool {
	if !s.IsUsable() {
		s.logger.Debug("skipping "+op+", store not available",
			slog.String("key", key.String()), slog.String("name", name))
		return false
	}
	if !policy.Has(s.cfg.SpeedClass.queryFlag()) {
		s.logger.Debug("skipping "+op+" due to cache policy",
			slog.String("key", key.String()), slog.String("name", name))
		return false
	}
	if s.cfg.Debug.SimulateGetMiss != nil && s.cfg.Debug.SimulateGetMiss(key) {
		s.logger.Debug("simulated miss for "+op,
			slog.String("key", key.String()), slog.String("name", name))
		return false
	}
	return true
}

// PutValueRequest asks to store one standalone value.
type PutValueRequest struct {
	Name     string
	Key      jupitercache.CacheKey
	Value    jupitercache.Value
	Policy   jupitercache.CachePolicy
	UserData uint64
}

// PutValueResponse reports the outcome of one value put.
type PutValueResponse struct {
	Name      string
	Key       jupitercache.CacheKey
	UserData  uint64
	BytesSent uint64
	Status    jupitercache.Status
}

// OnPutValueComplete receives value put outcomes.
type OnPutValueComplete func(PutValueResponse)

// PutValue stores standalone values asynchronously.
func (s *CacheStore) PutValue(ctx context.Context, reqs []PutValueRequest, onComplete OnPutValueComplete) {
	for _, req := range reqs {
		req := req
		fail := func(status jupitercache.Status) {
			onComplete(PutValueResponse{Name: req.Name, Key: req.Key, UserData: req.UserData, Status: status})
		}

		if !s.isWritable() {
			s.logger.Debug("skipping put, store not writable",
				slog.String("key", req.Key.String()), slog.String("name", req.Name))
			fail(jupitercache.StatusError)
			continue
		}
		if !req.Policy.Has(s.cfg.SpeedClass.storeFlag()) {
			s.logger.Debug("skipping put due to cache policy",
				slog.String("key", req.Key.String()), slog.String("name", req.Name))
			fail(jupitercache.StatusError)
			continue
		}
		if s.cfg.Debug.SimulatePutMiss != nil && s.cfg.Debug.SimulatePutMiss(req.Key) {
			s.logger.Debug("simulated miss for put",
				slog.String("key", req.Key.String()), slog.String("name", req.Name))
			fail(jupitercache.StatusError)
			continue
		}

		s.submit(ctx,
			func(ctx context.Context) {
				onComplete(s.putValue(ctx, req))
			},
			func() { fail(jupitercache.StatusCanceled) })
	}
}

// GetValueRequest asks to load one standalone value.
type GetValueRequest struct {
	Name     string
	Key      jupitercache.CacheKey
	Policy   jupitercache.CachePolicy
	UserData uint64
}

// GetValueResponse reports the outcome of one value get.
type GetValueResponse struct {
	Name     string
	Key      jupitercache.CacheKey
	Value    jupitercache.Value
	UserData uint64
	Status   jupitercache.Status
}

// OnGetValueComplete receives value get outcomes.
type OnGetValueComplete func(GetValueResponse)

// GetValue loads standalone values asynchronously. When every request skips
// data the whole batch resolves through one structured refs query; otherwise
// each value is fetched inline.
func (s *CacheStore) GetValue(ctx context.Context, reqs []GetValueRequest, onComplete OnGetValueComplete) {
	allSkipData := len(reqs) > 0
	for _, req := range reqs {
		if !req.Policy.Has(jupitercache.PolicySkipData) {
			allSkipData = false
			break
		}
	}
	if allSkipData {
		s.getValuesExist(ctx, reqs, onComplete)
		return
	}

	for _, req := range reqs {
		req := req
		fail := func(status jupitercache.Status) {
			onComplete(GetValueResponse{Name: req.Name, Key: req.Key, UserData: req.UserData, Status: status})
		}

		if !s.gateGet(req.Key, req.Policy, req.Name, "get") {
			fail(jupitercache.StatusError)
			continue
		}

		s.submit(ctx,
			func(ctx context.Context) {
				onComplete(s.getValue(ctx, req))
			},
			func() { fail(jupitercache.StatusCanceled) })
	}
}
