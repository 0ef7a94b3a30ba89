// Package connserver is the accept-and-dispatch loop that sits above
// connmux.Connection and owns the net.Conn and internal/wire codec: it
// accepts client connections, runs internal/wire's frame codec over each
// one, and routes every internal/frame.Kind to the right connection-scoped
// verb, runtime-scoped verb, stream session, or host-callback resolution
// (spec.md §6's client-visible verb list, §4.7's connection lifecycle).
package connserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/ricsam/isolated/internal/bridge"
	"github.com/ricsam/isolated/internal/config"
	"github.com/ricsam/isolated/internal/connauth"
	"github.com/ricsam/isolated/internal/connmux"
	"github.com/ricsam/isolated/internal/dispatcher"
	"github.com/ricsam/isolated/internal/fetchdriver"
	"github.com/ricsam/isolated/internal/frame"
	"github.com/ricsam/isolated/internal/isolate"
	"github.com/ricsam/isolated/internal/logger"
	"github.com/ricsam/isolated/internal/marshal"
	"github.com/ricsam/isolated/internal/metrics"
	"github.com/ricsam/isolated/internal/runtime"
	"github.com/ricsam/isolated/internal/stream"
	"github.com/ricsam/isolated/internal/wire"
)

// Server owns every accepted connection and the daemon-wide collaborators
// they share: the isolate pool, the outbound fetch transport, connection
// auth/liveness, and metrics.
type Server struct {
	Isolates *isolate.Manager
	Conns    *connauth.Registry
	Metrics  *metrics.Metrics
	Fetch    *fetchdriver.Driver
	Cfg      *config.Config
	Log      *logger.Logger

	// VerbTimeouts configures per-verb host-callback deadlines
	// (spec.md §4.7), keyed the same way connmux.Connection.DispatchHostRequest
	// reads them: by the verb name passed to DispatchHostRequest ("module.load",
	// or an "automation.<verb>" action).
	VerbTimeouts map[string]time.Duration

	nextConnID atomic.Uint64

	mu    sync.Mutex
	socks map[uint64]net.Conn
}

// New builds a Server. log defaults to an info-level stderr logger when nil.
func New(mgr *isolate.Manager, conns *connauth.Registry, m *metrics.Metrics, fetch *fetchdriver.Driver, cfg *config.Config, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New(logger.LevelInfo)
	}
	return &Server{
		Isolates: mgr,
		Conns:    conns,
		Metrics:  m,
		Fetch:    fetch,
		Cfg:      cfg,
		Log:      log,
		socks:    make(map[uint64]net.Conn),
	}
}

// Serve accepts connections on lis until ctx is cancelled or Accept fails.
// It also starts the connection-liveness sweep against Conns, if configured.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	if s.Conns != nil {
		s.Conns.Start(ctx, s.onStaleConnection)
	}

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		nc, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connserver: accept: %w", err)
		}
		go s.handleConn(ctx, nc)
	}
}

// onStaleConnection is connauth's eviction hook: it tears down whatever the
// connection owns and, if the socket is still tracked, closes it so the
// read loop blocked on ReadFrame unwinds and runs its own teardown.
func (s *Server) onStaleConnection(connID uint64) {
	s.Isolates.DisposeAllForConnection(connID)
	s.mu.Lock()
	nc := s.socks[connID]
	s.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
}

// connState is the per-connection bookkeeping the dispatch loop needs
// beyond what connmux.Connection already tracks: the Writer used to answer
// frames, and the runtimes this connection has created (keyed by isolate
// id), since internal/isolate.Manager hands back a bare *isolate.Isolate
// but callers of fetch.dispatchRequest and testEnvironment.runTests need
// the bridge.Handlers/TestRegistry internal/runtime.Build assembled
// alongside it.
type connState struct {
	conn   *connmux.Connection
	writer *wire.Writer

	mu       sync.Mutex
	runtimes map[uint64]*runtime.Runtime
	authed   bool

	// wsSockets maps a wire-level WebSocket connection id (frame.WSMessage /
	// frame.WSClose's ConnectionID, chosen by the client when it calls
	// fetch.dispatchUpgrade) to the dispatcher.ServerSocket and Target that
	// own it, so later KindWSMessage/KindWSClose frames route into the
	// guest that owns that socket (spec.md §4.6).
	wsSockets map[uint64]*wsSocket
}

// wsSocket bundles the collaborators DispatchMessage/DispatchClose need for
// one upgraded inbound WebSocket connection.
type wsSocket struct {
	target *dispatcher.Target
	sock   *dispatcher.ServerSocket
}

func (cs *connState) putRuntime(rt *runtime.Runtime) {
	cs.mu.Lock()
	cs.runtimes[rt.Isolate.ID] = rt
	cs.mu.Unlock()
}

func (cs *connState) getRuntime(id uint64) (*runtime.Runtime, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	rt, ok := cs.runtimes[id]
	return rt, ok
}

func (cs *connState) dropRuntime(id uint64) {
	cs.mu.Lock()
	delete(cs.runtimes, id)
	cs.mu.Unlock()
}

func (cs *connState) putWSSocket(connID uint64, ws *wsSocket) {
	cs.mu.Lock()
	cs.wsSockets[connID] = ws
	cs.mu.Unlock()
}

func (cs *connState) getWSSocket(connID uint64) (*wsSocket, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ws, ok := cs.wsSockets[connID]
	return ws, ok
}

func (cs *connState) dropWSSocket(connID uint64) {
	cs.mu.Lock()
	delete(cs.wsSockets, connID)
	cs.mu.Unlock()
}

func (cs *connState) isAuthed() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.authed
}

func (cs *connState) setAuthed() {
	cs.mu.Lock()
	cs.authed = true
	cs.mu.Unlock()
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	connID := s.nextConnID.Add(1)
	if s.Metrics != nil {
		s.Metrics.ConnectionOpened()
	}

	s.mu.Lock()
	s.socks[connID] = nc
	s.mu.Unlock()

	cs := &connState{
		conn:      connmux.New(connID, s.Isolates, s.VerbTimeouts),
		writer:    wire.NewWriter(nc),
		runtimes:  make(map[uint64]*runtime.Runtime),
		wsSockets: make(map[uint64]*wsSocket),
	}

	defer func() {
		cs.conn.Close()
		nc.Close()
		s.mu.Lock()
		delete(s.socks, connID)
		s.mu.Unlock()
		if s.Conns != nil {
			s.Conns.Forget(connID)
		}
		if s.Metrics != nil {
			s.Metrics.ConnectionClosed()
		}
	}()

	reader := wire.NewReader(nc)
	for {
		rf, err := reader.ReadFrame()
		if err != nil {
			return
		}
		s.dispatch(ctx, cs, rf)
	}
}

func (s *Server) dispatch(ctx context.Context, cs *connState, rf wire.RawFrame) {
	switch rf.Kind {
	case frame.KindRequest:
		req, err := wire.DecodeRequest(rf.Body)
		if err != nil {
			s.Log.Errorf("connserver: decode request: %v", err)
			return
		}
		go s.handleRequest(ctx, cs, req)

	case frame.KindCallbackResult:
		cr, err := wire.DecodeCallbackResult(rf.Body)
		if err != nil {
			s.Log.Errorf("connserver: decode callback result: %v", err)
			return
		}
		var result any
		if len(cr.Result) > 0 {
			_ = json.Unmarshal(cr.Result, &result)
		}
		cs.conn.Resolve(cr.InvocationID, result, errFromPayload(cr.Err))

	case frame.KindStreamOpen:
		so, err := wire.DecodeStreamOpen(rf.Body)
		if err != nil {
			s.Log.Errorf("connserver: decode stream open: %v", err)
			return
		}
		cs.conn.OpenStream(so.StreamID, stream.NewSession(so.InitialCredit))
		if s.Metrics != nil {
			s.Metrics.StreamOpened()
		}

	case frame.KindStreamChunk:
		sc, err := wire.DecodeStreamChunk(rf.Body)
		if err != nil {
			s.Log.Errorf("connserver: decode stream chunk: %v", err)
			return
		}
		if sess := cs.conn.Stream(sc.StreamID); sess != nil {
			if werr := sess.Write(sc.Bytes); werr == nil && s.Metrics != nil {
				s.Metrics.BytesIn(uint64(len(sc.Bytes)))
			}
		}

	case frame.KindStreamCredit:
		scr, err := wire.DecodeStreamCredit(rf.Body)
		if err != nil {
			s.Log.Errorf("connserver: decode stream credit: %v", err)
			return
		}
		if sess := cs.conn.Stream(scr.StreamID); sess != nil {
			sess.Grant(scr.GrantedBytes)
		}

	case frame.KindStreamEnd:
		se, err := wire.DecodeStreamEnd(rf.Body)
		if err != nil {
			s.Log.Errorf("connserver: decode stream end: %v", err)
			return
		}
		if sess := cs.conn.Stream(se.StreamID); sess != nil {
			sess.End(translateEndStatus(se.Status), errFromPayload(se.Err))
			cs.conn.CloseStream(se.StreamID)
			if se.Status == frame.StreamEndError && s.Metrics != nil {
				s.Metrics.StreamCancelled()
			}
		}

	case frame.KindWSMessage:
		msg, err := wire.DecodeWSMessage(rf.Body)
		if err != nil {
			s.Log.Errorf("connserver: decode ws message: %v", err)
			return
		}
		ws, ok := cs.getWSSocket(msg.ConnectionID)
		if !ok {
			// Unknown connection id is discarded, the same guarantee
			// connmux.Resolve already gives unmatched Response frames
			// (spec.md §4.7) — the socket may already have been closed
			// out from under a message still in flight.
			return
		}
		if s.Metrics != nil {
			s.Metrics.WSMessageIn()
		}
		go func() {
			if err := dispatcher.DispatchMessage(ctx, ws.target, ws.sock, msg.Bytes, msg.Text); err != nil {
				s.Log.Errorf("connserver: dispatch ws message: %v", err)
			}
		}()

	case frame.KindWSClose:
		wc, err := wire.DecodeWSClose(rf.Body)
		if err != nil {
			s.Log.Errorf("connserver: decode ws close: %v", err)
			return
		}
		ws, ok := cs.getWSSocket(wc.ConnectionID)
		if !ok {
			return
		}
		cs.dropWSSocket(wc.ConnectionID)
		go func() {
			if err := dispatcher.DispatchClose(ctx, ws.target, ws.sock, int(wc.Code), wc.Reason); err != nil {
				s.Log.Errorf("connserver: dispatch ws close: %v", err)
			}
		}()

	default:
		s.Log.Errorf("connserver: unrecognised frame kind %d", rf.Kind)
	}
}

func (s *Server) handleRequest(ctx context.Context, cs *connState, req frame.Request) {
	if s.Metrics != nil {
		s.Metrics.RequestStarted()
	}

	reqCtx := ctx
	if s.Cfg != nil && s.Cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, s.Cfg.RequestTimeout)
		defer cancel()
	}

	result, err := s.route(reqCtx, cs, req)
	if err != nil && s.Metrics != nil {
		s.Metrics.RequestFailed()
	}
	s.respond(cs, req.RequestID, result, err)
}

func (s *Server) route(ctx context.Context, cs *connState, req frame.Request) (any, error) {
	if s.Conns != nil && s.Conns.Enabled() && !cs.isAuthed() && !(req.Target == "" && req.Verb == "auth") {
		return nil, marshal.NewHostError("NotAllowedError", "connection not authenticated")
	}
	if req.Target == "" {
		return s.routeConnectionVerb(ctx, cs, req)
	}
	id, err := strconv.ParseUint(req.Target, 10, 64)
	if err != nil {
		return nil, marshal.NewHostError("TypeError", fmt.Sprintf("invalid runtime id %q", req.Target))
	}
	return s.routeRuntimeVerb(ctx, cs, id, req)
}

func (s *Server) routeConnectionVerb(ctx context.Context, cs *connState, req frame.Request) (any, error) {
	switch req.Verb {
	case "auth":
		var token string
		if len(req.Args) > 0 {
			_ = json.Unmarshal(req.Args[0], &token)
		}
		if s.Conns != nil {
			if err := s.Conns.Authenticate(cs.conn.ID, token); err != nil {
				return nil, marshal.NewHostError("NotAllowedError", err.Error())
			}
		}
		cs.setAuthed()
		return true, nil

	case "ping":
		if s.Conns != nil {
			_ = s.Conns.Touch(cs.conn.ID)
		}
		return true, nil

	case "createRuntime":
		return s.createRuntime(ctx, cs, req)

	case "close":
		cs.conn.Close()
		return true, nil

	default:
		return nil, marshal.NewHostError("TypeError", fmt.Sprintf("unknown connection verb %q", req.Verb))
	}
}

// createRuntimeArgs is the JSON shape of createRuntime's single options
// argument (spec.md §6 "Runtime options select capability set and supply
// callbacks"). A callback id of 0 means the collaborator was not supplied;
// the client is expected to have obtained a nonzero id from whatever
// out-of-band registration convention it uses for its own callback table.
type createRuntimeArgs struct {
	Capabilities           []string `json:"capabilities"`
	MemLimitMB             int64    `json:"memLimitMB"`
	VirtualTime            bool     `json:"virtualTime"`
	FSRoot                 string   `json:"fsRoot"`
	ModuleLoaderCallbackID uint64   `json:"moduleLoaderCallbackId"`
	AutomationCallbackID   uint64   `json:"automationCallbackId"`
}

func (s *Server) createRuntime(ctx context.Context, cs *connState, req frame.Request) (any, error) {
	var args createRuntimeArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args[0], &args); err != nil {
			return nil, marshal.NewHostError("TypeError", fmt.Sprintf("createRuntime: %v", err))
		}
	}

	memLimit := args.MemLimitMB
	if memLimit <= 0 && s.Cfg != nil {
		memLimit = s.Cfg.MemoryLimitMB
	}

	opts := runtime.Options{
		Capabilities: args.Capabilities,
		MemLimitMB:   memLimit,
		VirtualTime:  args.VirtualTime || (s.Cfg != nil && s.Cfg.VirtualTime),
		FSRoot:       args.FSRoot,
		FetchDriver:  s.Fetch,
	}

	if args.ModuleLoaderCallbackID != 0 {
		callbackID := args.ModuleLoaderCallbackID
		opts.Loader = func(specifier, resolveDir string) (string, string, error) {
			// isolate.ModuleLoader carries no context of its own (a module
			// import can be triggered by any later eval, long after the
			// createRuntime request that registered this loader has
			// returned), so this deliberately does not reuse createRuntime's
			// request-scoped ctx.
			res, err := cs.conn.DispatchHostRequest(context.Background(), "module.load", func(invID uint64) error {
				return s.sendCallbackInvoke(cs, invID, callbackID, specifier, resolveDir)
			}, nil)
			if err != nil {
				return "", "", err
			}
			m, _ := res.(map[string]any)
			code, _ := m["code"].(string)
			dir, _ := m["resolveDir"].(string)
			return code, dir, nil
		}
	}

	if args.AutomationCallbackID != 0 {
		callbackID := args.AutomationCallbackID
		opts.Host = func(hctx context.Context, verb string, hargs map[string]any) (any, error) {
			return cs.conn.DispatchHostRequest(hctx, verb, func(invID uint64) error {
				return s.sendCallbackInvoke(cs, invID, callbackID, verb, hargs)
			}, nil)
		}
	}

	rt, err := runtime.Build(s.Isolates, cs.conn.ID, opts)
	if err != nil {
		return nil, err
	}
	cs.putRuntime(rt)
	if s.Metrics != nil {
		s.Metrics.IsolateCreated()
	}
	return rt.Isolate.ID, nil
}

// sendCallbackInvoke encodes args as the Callback-invoke frame's argument
// list and writes it, for a host-initiated call into a client-registered
// collaborator identified by callbackID.
func (s *Server) sendCallbackInvoke(cs *connState, invocationID, callbackID uint64, args ...any) error {
	vals := make([]frame.Value, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("connserver: encode callback arg %d: %w", i, err)
		}
		vals[i] = b
	}
	body := wire.EncodeCallbackInvoke(frame.CallbackInvoke{
		InvocationID: invocationID,
		CallbackID:   callbackID,
		Args:         vals,
	})
	return cs.writer.WriteFrame(frame.KindCallbackInvoke, body)
}

func (s *Server) routeRuntimeVerb(ctx context.Context, cs *connState, id uint64, req frame.Request) (any, error) {
	switch req.Verb {
	case "eval":
		return s.evalRuntime(ctx, id, req)

	case "close":
		s.Isolates.Dispose(id, isolate.DisposeExplicit)
		cs.dropRuntime(id)
		if s.Metrics != nil {
			s.Metrics.IsolateDisposed()
		}
		return true, nil

	case "fetch.dispatchRequest":
		return s.dispatchFetch(ctx, cs, id, req)

	case "fetch.dispatchUpgrade":
		return s.dispatchUpgrade(ctx, cs, id, req)

	case "testEnvironment.runTests":
		return s.runTests(ctx, cs, id)

	default:
		return nil, marshal.NewHostError("TypeError", fmt.Sprintf("unknown runtime verb %q", req.Verb))
	}
}

func (s *Server) evalRuntime(ctx context.Context, id uint64, req frame.Request) (any, error) {
	iso := s.Isolates.Get(id)
	if iso == nil {
		return nil, marshal.NewHostError("NotFoundError", fmt.Sprintf("no runtime %d", id))
	}
	var code string
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args[0], &code); err != nil {
			return nil, marshal.NewHostError("TypeError", fmt.Sprintf("eval: %v", err))
		}
	}
	v, err := iso.Run(ctx, code)
	if err != nil {
		return nil, marshal.NewHostError("Error", err.Error())
	}
	result, err := marshal.ToHost(v)
	if err != nil {
		return nil, marshal.NewHostError("TypeError", err.Error())
	}
	return result, nil
}

func (s *Server) dispatchFetch(ctx context.Context, cs *connState, id uint64, req frame.Request) (any, error) {
	rt, ok := cs.getRuntime(id)
	if !ok {
		return nil, marshal.NewHostError("NotFoundError", fmt.Sprintf("no runtime %d", id))
	}

	var in struct {
		Method  string      `json:"method"`
		URL     string      `json:"url"`
		Headers [][2]string `json:"headers"`
	}
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args[0], &in); err != nil {
			return nil, marshal.NewHostError("TypeError", fmt.Sprintf("fetch.dispatchRequest: %v", err))
		}
	}

	resp, err := dispatcher.DispatchHTTP(ctx, &dispatcher.Target{
		Isolate:  rt.Isolate,
		Handlers: rt.Handlers,
		Store:    rt.Store,
		Mats:     rt.Mats,
	}, &dispatcher.HTTPRequest{Method: in.Method, URL: in.URL, Headers: in.Headers})
	if err != nil {
		return nil, marshal.NewHostError("Error", err.Error())
	}

	var body []byte
	if resp.Body != nil {
		for {
			chunk := resp.Body.Next()
			body = append(body, chunk.Bytes...)
			if chunk.End {
				break
			}
		}
	}

	return map[string]any{
		"status":     resp.Status,
		"statusText": resp.StatusText,
		"headers":    resp.Headers,
		"body":       string(body),
	}, nil
}

// dispatchUpgradeArgs is the JSON shape of fetch.dispatchUpgrade's single
// options argument: the client plays the role of the platform listener,
// having already decided (from its own inbound request/headers inspection)
// that this request should become a WebSocket, and hands the daemon a
// connectionId it will tag every subsequent KindWSMessage/KindWSClose frame
// for this socket with, in either direction.
type dispatchUpgradeArgs struct {
	Method       string      `json:"method"`
	URL          string      `json:"url"`
	Headers      [][2]string `json:"headers"`
	ConnectionID uint64      `json:"connectionId"`
	Data         any         `json:"data"`
}

// dispatchUpgrade drives the guest's serve({websocket}) handlers for one
// inbound connection: it builds a dispatcher.ServerSocket whose Send/Close
// callbacks write KindWSMessage/KindWSClose frames back to the client, and
// registers it under in.ConnectionID so later frames bearing that id route
// to dispatcher.DispatchMessage/DispatchClose (spec.md §4.6).
func (s *Server) dispatchUpgrade(ctx context.Context, cs *connState, id uint64, req frame.Request) (any, error) {
	rt, ok := cs.getRuntime(id)
	if !ok {
		return nil, marshal.NewHostError("NotFoundError", fmt.Sprintf("no runtime %d", id))
	}

	var in dispatchUpgradeArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args[0], &in); err != nil {
			return nil, marshal.NewHostError("TypeError", fmt.Sprintf("fetch.dispatchUpgrade: %v", err))
		}
	}
	if in.ConnectionID == 0 {
		return nil, marshal.NewHostError("TypeError", "fetch.dispatchUpgrade: connectionId is required")
	}

	target := &dispatcher.Target{Isolate: rt.Isolate, Handlers: rt.Handlers, Store: rt.Store, Mats: rt.Mats}
	connID := in.ConnectionID

	intent := dispatcher.UpgradeIntent{
		Data: in.Data,
		Send: func(messageType int, payload []byte) error {
			if s.Metrics != nil {
				s.Metrics.WSMessageOut()
			}
			return cs.writer.WriteFrame(frame.KindWSMessage, wire.EncodeWSMessage(frame.WSMessage{
				ConnectionID: connID,
				Text:         messageType == 1,
				Bytes:        payload,
			}))
		},
		Close: func(code int, reason string) error {
			return cs.writer.WriteFrame(frame.KindWSClose, wire.EncodeWSClose(frame.WSClose{
				ConnectionID: connID,
				Code:         uint16(code),
				Reason:       reason,
			}))
		},
	}

	sock, err := dispatcher.Upgrade(ctx, target, intent)
	if err != nil {
		return nil, marshal.NewHostError("Error", err.Error())
	}
	cs.putWSSocket(connID, &wsSocket{target: target, sock: sock})
	return true, nil
}

func (s *Server) runTests(ctx context.Context, cs *connState, id uint64) (any, error) {
	rt, ok := cs.getRuntime(id)
	if !ok {
		return nil, marshal.NewHostError("NotFoundError", fmt.Sprintf("no runtime %d", id))
	}
	if rt.Tests == nil {
		return nil, marshal.NewHostError("TypeError", "runtime was not created with the testRunner capability")
	}

	var results []bridge.TestResult
	_, err := rt.Isolate.RunLocked(ctx, func(vm *otto.Otto) (otto.Value, error) {
		results = rt.Tests.Run(vm)
		return otto.UndefinedValue(), nil
	})
	if err != nil {
		return nil, marshal.NewHostError("Error", err.Error())
	}

	out := make([]map[string]any, len(results))
	for i, r := range results {
		entry := map[string]any{"name": r.Name, "suite": r.Suite, "status": r.Status}
		if r.Err != nil {
			entry["error"] = r.Err.Error()
		}
		out[i] = entry
	}
	return out, nil
}

func (s *Server) respond(cs *connState, requestID uint64, result any, err error) {
	resp := frame.Response{RequestID: requestID}
	if err != nil {
		resp.Err = payloadFor(err)
	} else if result != nil {
		b, merr := json.Marshal(result)
		if merr != nil {
			resp.Err = &frame.ErrorPayload{Name: "TypeError", Message: merr.Error()}
		} else {
			resp.Result = b
		}
	}
	if werr := cs.writer.WriteFrame(frame.KindResponse, wire.EncodeResponse(resp)); werr != nil {
		s.Log.Errorf("connserver: write response %d: %v", requestID, werr)
	}
}

func payloadFor(err error) *frame.ErrorPayload {
	if he, ok := err.(*marshal.HostError); ok {
		return marshal.ToErrorPayload(he.Kind, err)
	}
	return marshal.ToErrorPayload("Error", err)
}

func errFromPayload(p *frame.ErrorPayload) error {
	if p == nil {
		return nil
	}
	return marshal.NewHostError(p.Name, p.Message)
}

func translateEndStatus(s frame.StreamEndStatus) stream.EndStatus {
	if s == frame.StreamEndError {
		return stream.EndError
	}
	return stream.EndNormal
}
