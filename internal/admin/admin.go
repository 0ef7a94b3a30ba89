// Package admin is the daemon's local-only introspection service: list live
// isolates, read aggregate metrics, and (unlike the teacher's cluster
// controller) nothing more — there is no cross-host cookie jar or session
// roster here, because multi-host distribution is explicitly out of scope.
//
// It keeps the teacher's gRPC server/client shape from cluster/controller.go
// and cluster/worker_client.go (net.Listen, grpc.NewServer, graceful stop on
// context cancellation, a thin client facade wrapping a generated-looking
// stub) but swaps the protobuf wire format for a JSON encoding.Codec, since
// protoc cannot be run here and hand-writing protoc-gen-go-shaped message
// types would fabricate a dependency that was never actually generated. The
// ServiceDesc below is written by hand in the same shape protoc-gen-go-grpc
// would emit, just carrying plain JSON-tagged Go structs instead of proto
// messages.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/ricsam/isolated/internal/isolate"
	"github.com/ricsam/isolated/internal/metrics"
)

// codecName is the content-subtype negotiated between Server and Client:
// grpc.CallContentSubtype(codecName) on the client side must match
// jsonCodec.Name() exactly (grpc-go lowercases and compares content
// subtypes).
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// IsolateInfo is the wire shape of one isolate.Info entry.
type IsolateInfo struct {
	ID             uint64   `json:"id"`
	OwnerConn      uint64   `json:"owner_conn"`
	Capabilities   []string `json:"capabilities"`
	MemLimitMB     int64    `json:"mem_limit_mb"`
	IdleForSeconds float64  `json:"idle_for_seconds"`
}

// ListIsolatesRequest takes no parameters; it exists so the RPC follows the
// same request/response shape as every other method.
type ListIsolatesRequest struct{}

// ListIsolatesResponse carries a snapshot of every live isolate.
type ListIsolatesResponse struct {
	Isolates []IsolateInfo `json:"isolates"`
}

// StatsRequest takes no parameters.
type StatsRequest struct{}

// StatsResponse is the wire shape of a metrics.Snapshot.
type StatsResponse struct {
	metrics.Snapshot
}

// Server is implemented by the daemon-side admin.Service.
type Server interface {
	ListIsolates(ctx context.Context, req *ListIsolatesRequest) (*ListIsolatesResponse, error)
	Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error)
}

// Service implements Server against a live isolate.Manager and
// metrics.Metrics, the daemon's only two sources of introspectable state.
type Service struct {
	isolates *isolate.Manager
	metrics  *metrics.Metrics
}

// NewService builds a Service reading from isolates and m.
func NewService(isolates *isolate.Manager, m *metrics.Metrics) *Service {
	return &Service{isolates: isolates, metrics: m}
}

// ListIsolates returns a snapshot of every isolate currently live in the
// daemon.
func (s *Service) ListIsolates(_ context.Context, _ *ListIsolatesRequest) (*ListIsolatesResponse, error) {
	infos := s.isolates.List()
	out := make([]IsolateInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, IsolateInfo{
			ID:             info.ID,
			OwnerConn:      info.OwnerConn,
			Capabilities:   info.Caps,
			MemLimitMB:     info.MemLimitMB,
			IdleForSeconds: time.Since(info.LastActivity).Seconds(),
		})
	}
	return &ListIsolatesResponse{Isolates: out}, nil
}

// Stats returns the current daemon-wide metrics snapshot.
func (s *Service) Stats(_ context.Context, _ *StatsRequest) (*StatsResponse, error) {
	return &StatsResponse{Snapshot: s.metrics.Snapshot()}, nil
}

// ListenAndServe starts the admin gRPC server on a Unix domain socket at
// socketPath and blocks until ctx is cancelled, mirroring
// cluster.ListenAndServe's lifecycle (listen, serve in a goroutine, graceful
// stop on cancellation).
func ListenAndServe(ctx context.Context, socketPath string, svc Server) error {
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", socketPath, err)
	}

	srv := grpc.NewServer()
	srv.RegisterService(&serviceDesc, svc)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("admin: serve: %w", err)
	}
}

// Client is a façade for talking to a running daemon's admin socket. No
// other package in this repository uses it: cmd/isolated has no admin
// subcommand, and internal/dashboard reads the isolate manager directly.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the admin service listening on socketPath.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	opts = append(defaults, opts...)

	conn, err := grpc.NewClient("unix:"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("admin: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error { return c.conn.Close() }

// ListIsolates calls the ListIsolates RPC.
func (c *Client) ListIsolates(ctx context.Context) (*ListIsolatesResponse, error) {
	resp := new(ListIsolatesResponse)
	if err := c.conn.Invoke(ctx, "/admin.Admin/ListIsolates", &ListIsolatesRequest{}, resp); err != nil {
		return nil, fmt.Errorf("admin: ListIsolates: %w", err)
	}
	return resp, nil
}

// Stats calls the Stats RPC.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	resp := new(StatsResponse)
	if err := c.conn.Invoke(ctx, "/admin.Admin/Stats", &StatsRequest{}, resp); err != nil {
		return nil, fmt.Errorf("admin: Stats: %w", err)
	}
	return resp, nil
}

// ── Hand-written service descriptor (what protoc-gen-go-grpc would emit) ──

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "admin.Admin",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListIsolates", Handler: listIsolatesHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/admin/admin.go",
}

func listIsolatesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListIsolatesRequest)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.Internal, "admin: decode ListIsolates request: %v", err)
	}
	if interceptor == nil {
		return srv.(Server).ListIsolates(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/admin.Admin/ListIsolates"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).ListIsolates(ctx, req.(*ListIsolatesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.Internal, "admin: decode Stats request: %v", err)
	}
	if interceptor == nil {
		return srv.(Server).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/admin.Admin/Stats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// jsonCodec implements encoding.Codec by delegating to encoding/json,
// registered under Name() "json" so grpc.CallContentSubtype("json") routes
// through it on both ends of the connection instead of the default proto
// codec.
type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
