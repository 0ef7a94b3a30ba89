// Package dashboard is the daemon's observability HTTP surface: it is not
// named in spec.md, but spec.md's ambient-stack expectations (SPEC_FULL.md
// §3) keep it as an operator-facing view over exactly the state
// internal/admin exposes over gRPC. It is dashboard/server.go with every
// session/cookie-jar/cluster-node concept replaced by isolates,
// connections, and streams.
package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ricsam/isolated/internal/config"
	"github.com/ricsam/isolated/internal/connauth"
	"github.com/ricsam/isolated/internal/isolate"
	"github.com/ricsam/isolated/internal/logger"
	"github.com/ricsam/isolated/internal/metrics"
	"github.com/ricsam/isolated/internal/proxypool"
)

// Snapshot is the JSON payload pushed to dashboard clients every tick,
// replacing the teacher's session/RPS/cookie-jar MetricsSnapshot with the
// daemon's own counters.
type Snapshot struct {
	Timestamp    int64            `json:"timestamp"`
	Metrics      metrics.Snapshot `json:"metrics"`
	IsolatesLive int              `json:"isolates_live"`
}

// IsolateView is one row of the /api/isolates listing, the daemon's
// replacement for the teacher's per-node NodeStatus row.
type IsolateView struct {
	ID             uint64   `json:"id"`
	OwnerConn      uint64   `json:"owner_conn"`
	Capabilities   []string `json:"capabilities"`
	MemLimitMB     int64    `json:"mem_limit_mb"`
	IdleForSeconds float64  `json:"idle_for_seconds"`
}

// ConnectionView is one row of the /api/connections listing.
type ConnectionView struct {
	ConnID          uint64 `json:"conn_id"`
	LastSeenUnixMs  int64  `json:"last_seen_unix_ms"`
	SecondsSinceSeen float64 `json:"seconds_since_seen"`
}

// LogEntry is a structured log line streamed to the dashboard, unchanged
// from the teacher's shape.
type LogEntry struct {
	Timestamp int64  `json:"ts"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// ConfigView is the subset of config.Config exposed via GET /api/config;
// POST /api/config overwrites MaxIsolates and MemoryLimitMB in the shared
// config and leaves the other fields unchanged.
type ConfigView struct {
	MaxIsolates    int   `json:"max_isolates"`
	MemoryLimitMB  int64 `json:"memory_limit_mb"`
	RequestTimeout int64 `json:"request_timeout_ms"`
	VirtualTime    bool  `json:"virtual_time"`
}

const maxLogs = 10_000

// Server serves the isolates/connections/streams dashboard over HTTP,
// mirroring dashboard/server.go's SSE-plus-REST shape field for field.
type Server struct {
	metrics  *metrics.Metrics
	isolates *isolate.Manager
	conns    *connauth.Registry
	proxies  *proxypool.Pool
	cfg      *config.Config
	cfgMu    sync.RWMutex
	log      *logger.Logger

	logMu    sync.Mutex
	logs     []LogEntry
	logSubs  map[chan LogEntry]struct{}
	logSubMu sync.Mutex

	metricsSubs  map[chan Snapshot]struct{}
	metricsSubMu sync.Mutex

	mux *http.ServeMux
}

// New creates a dashboard Server reading live state from m, isolates,
// conns, and proxies, and from cfg for the hot-reloadable subset.
func New(m *metrics.Metrics, isolates *isolate.Manager, conns *connauth.Registry, proxies *proxypool.Pool, cfg *config.Config) *Server {
	s := &Server{
		metrics:     m,
		isolates:    isolates,
		conns:       conns,
		proxies:     proxies,
		cfg:         cfg,
		logs:        make([]LogEntry, 0, 512),
		logSubs:     make(map[chan LogEntry]struct{}),
		metricsSubs: make(map[chan Snapshot]struct{}),
		log:         logger.New(logger.LevelInfo),
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// AddLog appends a structured log entry to the ring buffer and fans it out
// to every active /api/logs/stream subscriber.
func (s *Server) AddLog(level, message string) {
	entry := LogEntry{
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Message:   message,
	}

	s.logMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogs {
		s.logs = s.logs[len(s.logs)-maxLogs:]
	}
	s.logMu.Unlock()

	s.logSubMu.Lock()
	for ch := range s.logSubs {
		select {
		case ch <- entry:
		default:
		}
	}
	s.logSubMu.Unlock()
}

// ListenAndServe starts the HTTP server on addr and blocks until it is shut
// down. Timeouts follow the teacher's reasoning: SSE streams are long-lived
// and must not be cut off by a short write deadline.
func (s *Server) ListenAndServe(addr string) error {
	go s.metricsTicker()
	s.log.Infof("dashboard: listening on %s", addr)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/metrics/stream", s.withCORS(s.handleMetricsStream))
	s.mux.HandleFunc("/api/logs/stream", s.withCORS(s.handleLogsStream))
	s.mux.HandleFunc("/api/config", s.withCORS(s.handleConfig))
	s.mux.HandleFunc("/api/isolates", s.withCORS(s.handleIsolates))
	s.mux.HandleFunc("/api/connections", s.withCORS(s.handleConnections))
	s.mux.HandleFunc("/api/proxy", s.withCORS(s.handleProxy))
}

func (s *Server) withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

// ── /api/metrics/stream ──

func (s *Server) metricsTicker() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		snap := s.snapshot()
		s.metricsSubMu.Lock()
		for ch := range s.metricsSubs {
			select {
			case ch <- snap:
			default:
			}
		}
		s.metricsSubMu.Unlock()
	}
}

func (s *Server) snapshot() Snapshot {
	return Snapshot{
		Timestamp:    time.Now().UnixMilli(),
		Metrics:      s.metrics.Snapshot(),
		IsolatesLive: s.isolates.Count(),
	}
}

func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Snapshot, 16)
	s.metricsSubMu.Lock()
	s.metricsSubs[ch] = struct{}{}
	s.metricsSubMu.Unlock()

	defer func() {
		s.metricsSubMu.Lock()
		delete(s.metricsSubs, ch)
		s.metricsSubMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			if err := sseWrite(w, snap); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ── /api/logs/stream ──

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.logMu.Lock()
	history := make([]LogEntry, len(s.logs))
	copy(history, s.logs)
	s.logMu.Unlock()

	for _, entry := range history {
		if err := sseWrite(w, entry); err != nil {
			return
		}
	}
	flusher.Flush()

	ch := make(chan LogEntry, 256)
	s.logSubMu.Lock()
	s.logSubs[ch] = struct{}{}
	s.logSubMu.Unlock()

	defer func() {
		s.logSubMu.Lock()
		delete(s.logSubs, ch)
		s.logSubMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			if err := sseWrite(w, entry); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sseWrite(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// ── /api/config ──

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.cfgMu.RLock()
		view := ConfigView{
			MaxIsolates:    s.cfg.MaxIsolates,
			MemoryLimitMB:  s.cfg.MemoryLimitMB,
			RequestTimeout: s.cfg.RequestTimeout.Milliseconds(),
			VirtualTime:    s.cfg.VirtualTime,
		}
		s.cfgMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(view); err != nil {
			s.log.Errorf("dashboard: encode config: %v", err)
		}

	case http.MethodPost:
		var view ConfigView
		if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		s.cfgMu.Lock()
		if view.MaxIsolates > 0 {
			s.cfg.MaxIsolates = view.MaxIsolates
		}
		if view.MemoryLimitMB > 0 {
			s.cfg.MemoryLimitMB = view.MemoryLimitMB
		}
		s.cfgMu.Unlock()
		s.AddLog("INFO", fmt.Sprintf("config updated via dashboard: max_isolates=%d memory_limit_mb=%d",
			view.MaxIsolates, view.MemoryLimitMB))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ── /api/isolates ──

// handleIsolates replaces the teacher's synthetic cluster-node listing with
// a real snapshot of every live isolate.
func (s *Server) handleIsolates(w http.ResponseWriter, r *http.Request) {
	infos := s.isolates.List()
	out := make([]IsolateView, 0, len(infos))
	for _, info := range infos {
		out = append(out, IsolateView{
			ID:             info.ID,
			OwnerConn:      info.OwnerConn,
			Capabilities:   info.Caps,
			MemLimitMB:     info.MemLimitMB,
			IdleForSeconds: time.Since(info.LastActivity).Seconds(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Errorf("dashboard: encode isolates: %v", err)
	}
}

// ── /api/connections ──

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	out := make([]ConnectionView, 0)
	if s.conns != nil {
		now := time.Now()
		for _, state := range s.conns.All() {
			out = append(out, ConnectionView{
				ConnID:           state.ConnID,
				LastSeenUnixMs:   state.LastSeen.UnixMilli(),
				SecondsSinceSeen: now.Sub(state.LastSeen).Seconds(),
			})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Errorf("dashboard: encode connections: %v", err)
	}
}

// ── /api/proxy ──

const maxProxyUploadSize = 10 << 20 // 10 MiB

// handleProxy uploads a new proxy list and hot-swaps it into the live
// internal/proxypool.Pool, going one step further than the teacher's
// version (which only recorded the uploaded path for a future restart to
// pick up).
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxProxyUploadSize)
	if err := r.ParseMultipartForm(maxProxyUploadSize); err != nil {
		http.Error(w, "request too large or not multipart", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("proxies")
	if err != nil {
		http.Error(w, "missing 'proxies' field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	dest, err := os.CreateTemp("", "proxies-*.txt")
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	defer dest.Close()

	n, err := io.Copy(dest, file)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	s.cfgMu.Lock()
	s.cfg.ProxyFile = dest.Name()
	s.cfgMu.Unlock()

	var count int
	if s.proxies != nil {
		if err := s.proxies.Load(dest.Name()); err != nil {
			http.Error(w, fmt.Sprintf("parse proxy list: %v", err), http.StatusBadRequest)
			return
		}
		count = s.proxies.Count()
	}

	s.AddLog("INFO", fmt.Sprintf("proxy list uploaded: file=%q size=%d bytes original=%q count=%d",
		dest.Name(), n, header.Filename, count))

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"path":%q,"bytes":%d,"count":%d}`, dest.Name(), n, count)
}
