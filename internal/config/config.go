// Package config provides JSON-based configuration loading for the daemon,
// with safe defaults, following the teacher's style of a single flat struct
// decoded with DisallowUnknownFields so config-file typos fail fast.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds every tunable parameter for the daemon. It is loaded once at
// startup and shared read-only across goroutines thereafter.
type Config struct {
	// SocketPath is the Unix domain socket path the daemon listens on. When
	// empty, Host/Port are used for a TCP listener instead.
	SocketPath string `json:"socket_path"`
	Host       string `json:"host"`
	Port       int    `json:"port"`

	// MaxIsolates bounds concurrently-live isolates across the daemon; 0
	// means unlimited (spec.md §4.5 "maximum-isolates").
	MaxIsolates int `json:"max_isolates"`

	// MemoryLimitMB is the per-isolate memory budget. It is recorded on each
	// isolate and reported by isolate.Manager.List; nothing enforces it (see
	// DESIGN.md "Memory limit enforcement").
	MemoryLimitMB int64 `json:"memory_limit_mb"`

	// DefaultCapabilities lists a default set of bridge capability names.
	// createRuntime does not read it: a connection that names no
	// capabilities gets an isolate with none.
	DefaultCapabilities []string `json:"default_capabilities"`

	// VirtualTime selects the deterministic timer mode from spec.md §4.8
	// for every isolate created by this daemon instance. Production
	// daemons run with this false (real time).
	VirtualTime bool `json:"virtual_time"`

	// RequestTimeout bounds a single guest-verb round trip
	// (spec.md §4.7 "per-verb timeouts").
	RequestTimeout time.Duration `json:"request_timeout"`

	// FetchTimeout bounds a single outbound fetch() made by
	// internal/fetchdriver on the guest's behalf.
	FetchTimeout time.Duration `json:"fetch_timeout"`

	// MaxIdleConns, MaxIdleConnsPerHost, MaxConnsPerHost tune
	// internal/fetchdriver's shared HTTP transport.
	MaxIdleConns        int `json:"max_idle_conns"`
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int `json:"max_conns_per_host"`

	// ProxyFile is a newline-delimited file of proxy addresses consumed by
	// internal/proxypool. Empty disables outbound proxying.
	ProxyFile string `json:"proxy_file"`

	// AdminSocketPath is the local-only admin/introspection gRPC listener
	// (internal/admin). Empty disables the admin service.
	AdminSocketPath string `json:"admin_socket_path"`

	// DashboardAddr, if non-empty, serves the isolates/connections/streams
	// HTML dashboard (internal/dashboard) on this address.
	DashboardAddr string `json:"dashboard_addr"`

	// AuthTokens lists bearer tokens accepted by internal/connauth. Empty
	// disables connection authentication (local trusted-socket mode).
	AuthTokens []string `json:"auth_tokens"`
}

// LoadConfig reads a JSON file at filename and deserialises it into a
// Config.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename) // #nosec G304 – filename is caller-provided config path
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	return &cfg, nil
}

// DefaultConfig returns a Config pre-filled with production-sensible
// defaults. Each call returns a fresh independent copy.
func DefaultConfig() *Config {
	return &Config{
		SocketPath:          "/tmp/isolated.sock",
		MaxIsolates:         256,
		MemoryLimitMB:       64,
		DefaultCapabilities: []string{"fetch", "timers", "encoding"},
		VirtualTime:         false,
		RequestTimeout:      30 * time.Second,
		FetchTimeout:        30 * time.Second,
		MaxIdleConns:        500,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
	}
}
