// isolated is the daemon binary: it loads configuration, wires the isolate
// pool, connection authentication, outbound fetch transport, and the
// admin/dashboard introspection surfaces together, then accepts guest
// connections until told to stop.
//
// Startup sequence mirrors the teacher's main.go:
//  1. Initialise the logger, then load configuration (JSON file or defaults).
//  2. Load the proxy pool (optional).
//  3. Initialise metrics.
//  4. Build the isolate manager and outbound fetch driver.
//  5. Start connection auth/liveness, the admin socket, and the dashboard.
//  6. Listen for guest connections and dispatch frames.
//  7. Block until OS signals SIGINT or SIGTERM, then perform a clean
//     shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ricsam/isolated/internal/admin"
	"github.com/ricsam/isolated/internal/config"
	"github.com/ricsam/isolated/internal/connauth"
	"github.com/ricsam/isolated/internal/connserver"
	"github.com/ricsam/isolated/internal/dashboard"
	"github.com/ricsam/isolated/internal/fetchdriver"
	"github.com/ricsam/isolated/internal/isolate"
	"github.com/ricsam/isolated/internal/logger"
	"github.com/ricsam/isolated/internal/metrics"
	"github.com/ricsam/isolated/internal/proxypool"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	socketPath := flag.String("socket", "", "Unix domain socket path to listen on (overrides config socket_path)")
	host := flag.String("host", "", "TCP host to listen on instead of a Unix socket (overrides config host)")
	port := flag.Int("port", 0, "TCP port to listen on instead of a Unix socket (overrides config port)")
	maxIsolates := flag.Int("max-isolates", 0, "Maximum concurrently-live isolates, 0 means use config value (overrides config max_isolates)")
	memoryLimit := flag.Int64("memory-limit", 0, "Default per-isolate memory budget in MB, 0 means use config value (overrides config memory_limit_mb)")
	flag.Parse()

	// ── Logger ─────────────────────────────────────────────────────────────
	log := logger.New(logger.LevelInfo)
	log.Info("isolated daemon starting up")

	// ── Configuration ──────────────────────────────────────────────────────
	var cfg *config.Config
	if *configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			log.Errorf("failed to load config from %q: %v", *configFile, err)
			os.Exit(1)
		}
		log.Infof("configuration loaded from %q", *configFile)
	} else {
		cfg = config.DefaultConfig()
		log.Info("using default configuration")
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
		cfg.Host = ""
	}
	if *host != "" {
		cfg.Host = *host
		cfg.SocketPath = ""
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *maxIsolates != 0 {
		cfg.MaxIsolates = *maxIsolates
	}
	if *memoryLimit != 0 {
		cfg.MemoryLimitMB = *memoryLimit
	}

	// ── Proxy pool ─────────────────────────────────────────────────────────
	proxies := proxypool.New()
	if cfg.ProxyFile != "" {
		if err := proxies.Load(cfg.ProxyFile); err != nil {
			log.Errorf("failed to load proxies from %q: %v", cfg.ProxyFile, err)
			os.Exit(1)
		}
		log.Infof("loaded %d proxies from %q", proxies.Count(), cfg.ProxyFile)
	} else {
		log.Info("no proxy file configured; guest fetches connect directly")
	}

	// ── Metrics ────────────────────────────────────────────────────────────
	m := metrics.NewMetrics()

	// ── Isolate pool and fetch transport ───────────────────────────────────
	mgr := isolate.NewManager(cfg.MaxIsolates)
	fetch, err := fetchdriver.New(fetchdriver.Config{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		RequestTimeout:      cfg.FetchTimeout,
		Proxies:             proxies,
	})
	if err != nil {
		log.Errorf("failed to build fetch driver: %v", err)
		os.Exit(1)
	}

	// ── Connection auth/liveness ───────────────────────────────────────────
	conns := connauth.NewRegistry(cfg.AuthTokens, 30*time.Second, 90*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Admin socket ───────────────────────────────────────────────────────
	if cfg.AdminSocketPath != "" {
		svc := admin.NewService(mgr, m)
		go func() {
			if err := admin.ListenAndServe(ctx, cfg.AdminSocketPath, svc); err != nil {
				log.Errorf("admin server error: %v", err)
			}
		}()
		log.Infof("admin service listening on %s", cfg.AdminSocketPath)
	}

	// ── Dashboard ──────────────────────────────────────────────────────────
	if cfg.DashboardAddr != "" {
		dash := dashboard.New(m, mgr, conns, proxies, cfg)
		go func() {
			if err := dash.ListenAndServe(cfg.DashboardAddr); err != nil {
				log.Errorf("dashboard server error: %v", err)
			}
		}()
		log.Infof("dashboard listening on %s", cfg.DashboardAddr)
	}

	// ── Guest connection listener ──────────────────────────────────────────
	lis, err := listen(cfg)
	if err != nil {
		log.Errorf("failed to listen: %v", err)
		os.Exit(1)
	}
	log.Infof("listening for guest connections on %s", lis.Addr())

	srv := connserver.New(mgr, conns, m, fetch, cfg, log)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, lis) }()

	select {
	case <-ctx.Done():
		fmt.Println() // newline after ^C
		log.Info("received shutdown signal; shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Errorf("serve error: %v", err)
		}
	}

	snap := m.Snapshot()
	log.Infof("final metrics – requests: %d | failed: %d | isolates created: %d | isolates disposed: %d",
		snap.RequestsTotal, snap.RequestsFailed, snap.IsolatesCreated, snap.IsolatesDisposed)
	log.Info("isolated daemon shut down cleanly")
}

// listen opens the configured listener: a Unix domain socket when
// cfg.SocketPath is set, otherwise a TCP listener on cfg.Host:cfg.Port.
// A stale Unix socket file left behind by an unclean previous shutdown is
// removed before binding, matching the teacher's single-owner-process
// assumption (no socket activation, no multi-process handoff).
func listen(cfg *config.Config) (net.Listener, error) {
	if cfg.SocketPath != "" {
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket %q: %w", cfg.SocketPath, err)
		}
		lis, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("listen unix %q: %w", cfg.SocketPath, err)
		}
		return lis, nil
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %q: %w", addr, err)
	}
	return lis, nil
}
