package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ricsam/isolated/internal/config"
	"github.com/ricsam/isolated/internal/connauth"
	"github.com/ricsam/isolated/internal/isolate"
	"github.com/ricsam/isolated/internal/metrics"
	"github.com/ricsam/isolated/internal/proxypool"
)

func newTestServer() *Server {
	cfg := config.DefaultConfig()
	return New(metrics.NewMetrics(), isolate.NewManager(0), connauth.NewRegistry(nil, 0, 0), proxypool.New(), cfg)
}

func TestHandleIsolatesReflectsManagerState(t *testing.T) {
	s := newTestServer()
	if _, err := s.isolates.Create(3, isolate.NewCapabilitySet("fetch"), 32*1024*1024, nil, false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/isolates", nil)
	rec := httptest.NewRecorder()
	s.handleIsolates(rec, req)

	var views []IsolateView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 1 || views[0].OwnerConn != 3 {
		t.Fatalf("views = %+v, want one entry owned by conn 3", views)
	}
}

func TestHandleConnectionsReflectsRegistry(t *testing.T) {
	s := newTestServer()
	if err := s.conns.Authenticate(5, ""); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	rec := httptest.NewRecorder()
	s.handleConnections(rec, req)

	var views []ConnectionView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 1 || views[0].ConnID != 5 {
		t.Fatalf("views = %+v, want one entry for conn 5", views)
	}
}

func TestHandleConfigGetAndPost(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	s.handleConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	var view ConfigView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.MaxIsolates != s.cfg.MaxIsolates {
		t.Fatalf("MaxIsolates = %d, want %d", view.MaxIsolates, s.cfg.MaxIsolates)
	}

	body := strings.NewReader(`{"max_isolates": 42}`)
	rec = httptest.NewRecorder()
	s.handleConfig(rec, httptest.NewRequest(http.MethodPost, "/api/config", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/config status = %d", rec.Code)
	}
	if s.cfg.MaxIsolates != 42 {
		t.Fatalf("MaxIsolates after POST = %d, want 42", s.cfg.MaxIsolates)
	}
}

func TestHandleProxyUploadHotSwapsPool(t *testing.T) {
	s := newTestServer()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("proxies", "proxies.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("10.0.0.1:8080\n10.0.0.2:8080\n"))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/proxy", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	s.handleProxy(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if s.proxies.Count() != 2 {
		t.Fatalf("Count = %d, want 2", s.proxies.Count())
	}
}

func TestHandleLogsStreamSendsHistoryThenLive(t *testing.T) {
	s := newTestServer()
	s.AddLog("INFO", "first")

	pr, pw := io.Pipe()
	req := httptest.NewRequest(http.MethodGet, "/api/logs/stream", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	rw := &flushRecorder{ResponseRecorder: httptest.NewRecorder(), pw: pw}
	done := make(chan struct{})
	go func() {
		s.handleLogsStream(rw, req)
		close(done)
	}()

	reader := bufio.NewReader(pr)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if !strings.Contains(line, `"message":"first"`) {
		t.Fatalf("first line = %q, want it to contain the buffered log entry", line)
	}

	s.AddLog("INFO", "second")
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString (live): %v", err)
	}
	if !strings.Contains(line, `"message":"second"`) {
		t.Fatalf("live line = %q, want it to contain the fanned-out entry", line)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleLogsStream did not return after context cancellation")
	}
}

// flushRecorder adapts httptest.ResponseRecorder to also satisfy
// http.Flusher by writing through to a pipe, since handleLogsStream checks
// for Flusher support before streaming.
type flushRecorder struct {
	*httptest.ResponseRecorder
	pw *io.PipeWriter
}

func (f *flushRecorder) Write(b []byte) (int, error) {
	f.ResponseRecorder.Write(b)
	return f.pw.Write(b)
}

func (f *flushRecorder) Flush() {}
