package flash

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server owns the flash switch and answers Flash RPCs.
type Server struct {
	sw       Switch
	log      *slog.Logger
	grpc     *grpc.Server
	mu       sync.Mutex
	on       bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewServer wraps sw in a gRPC server.
func NewServer(sw Switch, log *slog.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{sw: sw, log: log, grpc: grpc.NewServer(opts...), stopped: make(chan struct{})}
	RegisterHandler(s.grpc, s)
	return s
}

// Serve accepts connections until ctx is cancelled or a client calls Stop.
// Either way it returns nil after a graceful shutdown.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-done:
		}
	}()

	s.log.Info("flash server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil {
		return err
	}
	<-s.stopped
	return nil
}

func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		s.grpc.GracefulStop()
		// leave the flash dark
		s.mu.Lock()
		if s.on {
			if err := s.sw.Set(context.Background(), false); err != nil {
				s.log.Error("flash off on shutdown failed", "error", err)
			}
			s.on = false
		}
		s.mu.Unlock()
		s.log.Info("flash server stopped")
		close(s.stopped)
	})
}

func (s *Server) set(ctx context.Context, on bool) (*wrapperspb.BoolValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sw.Set(ctx, on); err != nil {
		s.log.Error("flash switch failed", "on", on, "error", err)
		return nil, status.Errorf(codes.Internal, "switch flash: %v", err)
	}
	s.on = on
	s.log.Debug("flash switched", "on", on)
	return wrapperspb.Bool(s.on), nil
}

func (s *Server) TurnOn(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	return s.set(ctx, true)
}

func (s *Server) TurnOff(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	return s.set(ctx, false)
}

// Stop acknowledges and then shuts the server down once the reply is out.
func (s *Server) Stop(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.log.Info("flash stop requested")
	go s.shutdown()
	return &emptypb.Empty{}, nil
}

func (s *Server) State(_ context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wrapperspb.Bool(s.on), nil
}
