package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"

	jupitercache "github.com/wolfeidau/jupiter-cache"
)

// SpeedClass describes how this store ranks in a cache hierarchy. It selects
// which policy flags gate reads and writes: a Local store honors the local
// query/store flags, everything else honors the remote ones.
type SpeedClass int

const (
	// SpeedSlow is a remote store behind a WAN link.
	SpeedSlow SpeedClass = iota
	// SpeedFast is a remote store on a fast link.
	SpeedFast
	// SpeedLocal is a store close enough to count as local.
	SpeedLocal
)

// String returns the speed class name.
func (s SpeedClass) String() string {
	switch s {
	case SpeedFast:
		return "fast"
	case SpeedLocal:
		return "local"
	default:
		return "slow"
	}
}

// queryFlag returns the policy flag that must be set for reads.
func (s SpeedClass) queryFlag() jupitercache.CachePolicy {
	if s == SpeedLocal {
		return jupitercache.PolicyQueryLocal
	}
	return jupitercache.PolicyQueryRemote
}

// storeFlag returns the policy flag that must be set for writes.
func (s SpeedClass) storeFlag() jupitercache.CachePolicy {
	if s == SpeedLocal {
		return jupitercache.PolicyStoreLocal
	}
	return jupitercache.PolicyStoreRemote
}

// DebugOptions injects failures for testing cache fallback behavior. A nil
// function disables that filter.
type DebugOptions struct {
	// SimulateGetMiss reports whether a read of the key should pretend the
	// entry does not exist. Simulated read misses make no HTTP requests.
	SimulateGetMiss func(key jupitercache.CacheKey) bool

	// SimulatePutMiss reports whether a write of the key should be dropped.
	SimulatePutMiss func(key jupitercache.CacheKey) bool
}

// MissRate builds a deterministic miss filter that drops roughly rate of all
// keys. The decision is a pure function of the key and seed, so repeated runs
// miss the same keys.
func MissRate(rate float64, seed uint64) func(key jupitercache.CacheKey) bool {
	if rate <= 0 {
		return nil
	}
	return func(key jupitercache.CacheKey) bool {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], seed)
		sum := blake3.Sum256(append(buf[:], key.Hash[:]...))
		v := binary.LittleEndian.Uint64(sum[:8])
		return float64(v)/float64(^uint64(0)) < rate
	}
}

// Config describes one Jupiter endpoint and how to authenticate against it.
type Config struct {
	// ServiceURL is the base URL of the service, e.g. "https://ddc.example.com".
	ServiceURL string

	// Namespace partitions legacy cache entries.
	Namespace string

	// StructuredNamespace partitions refs and compressed blobs. Defaults to
	// Namespace when empty.
	StructuredNamespace string

	// DefaultBucket is the bucket for legacy operations. Defaults to "default".
	DefaultBucket string

	// OAuthProvider is the token endpoint URL. Unused when the service runs
	// on localhost.
	OAuthProvider string
	OAuthClientID string

	// OAuthSecret is the client secret, or a "file://" path to read it from.
	OAuthSecret string
	OAuthScope  string

	// ResolveHostCanonicalName swaps the service host for its DNS canonical
	// name at startup, pinning regionally redirected endpoints to one region.
	ResolveHostCanonicalName bool

	// ReadOnly disables all writes.
	ReadOnly bool

	// SpeedClass ranks the store for policy gating. Defaults to SpeedSlow.
	SpeedClass SpeedClass

	// Debug injects simulated misses.
	Debug DebugOptions

	// Logger receives structured logs. Defaults to a discard logger.
	Logger *slog.Logger

	// HTTPClient overrides the transport client, mainly for tests.
	HTTPClient *http.Client
}

func (c *Config) validate() error {
	if c.ServiceURL == "" {
		return errors.New("service URL is required")
	}
	u, err := url.Parse(c.ServiceURL)
	if err != nil {
		return fmt.Errorf("parsing service URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("service URL %q must be http or https", c.ServiceURL)
	}
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	if !isLocalService(c.ServiceURL) {
		if c.OAuthProvider == "" {
			return errors.New("oauth provider is required for remote services")
		}
		if !strings.HasPrefix(c.OAuthProvider, "http://") && !strings.HasPrefix(c.OAuthProvider, "https://") {
			return fmt.Errorf("oauth provider %q must be a fully qualified URL", c.OAuthProvider)
		}
	}
	return nil
}

// structuredNamespace returns the namespace for refs and blobs.
func (c *Config) structuredNamespace() string {
	if c.StructuredNamespace != "" {
		return c.StructuredNamespace
	}
	return c.Namespace
}

func (c *Config) defaultBucket() string {
	if c.DefaultBucket != "" {
		return c.DefaultBucket
	}
	return "default"
}

// isLocalService reports whether the URL points at a loopback host, which
// skips authentication entirely.
func isLocalService(serviceURL string) bool {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
