package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	api "github.com/nixpig/udpjobs/api/v1"
	"github.com/nixpig/udpjobs/internal/auth"
	"github.com/nixpig/udpjobs/internal/config"
	"github.com/nixpig/udpjobs/internal/jobmanager"
	"github.com/nixpig/udpjobs/internal/tlsconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// maxEventSize bounds a single event line of the WatchRun stream.
const maxEventSize = 1 << 20

// runManager is the part of the Manager served over gRPC.
type runManager interface {
	Start(ctx context.Context) (string, error)
	Stop()
	Status() jobmanager.RunStatus
	Events() io.ReadCloser
	Shutdown()
}

type server struct {
	api.UnimplementedRunServiceServer

	manager runManager
	logger  *slog.Logger
	cfg     config.Server

	mu         sync.Mutex
	grpcServer *grpc.Server
}

func newServer(manager runManager, logger *slog.Logger, cfg config.Server) *server {
	return &server{manager: manager, logger: logger, cfg: cfg}
}

// runServer serves the run of cfg until ctx is cancelled, then stops the
// active run.
func runServer(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(os.Stderr, cfg.Debug)

	manager, err := newManager(ctx, cfg, logger)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Address, err)
	}

	s := newServer(manager, logger, cfg.Server)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.start(listener)
	}()

	logger.Info("serving", "address", listener.Addr().String())

	select {
	case err := <-errCh:
		manager.Shutdown()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	manager.Shutdown()
	s.shutdown()
	listener.Close()

	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

func (s *server) start(listener net.Listener) error {
	tlsCreds, err := tlsconfig.Credentials(&tlsconfig.Config{
		CertPath:   s.cfg.CertPath,
		KeyPath:    s.cfg.KeyPath,
		CACertPath: s.cfg.CACertPath,
		Server:     true,
	})
	if err != nil {
		return fmt.Errorf("load TLS credentials: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			contextCheckUnaryInterceptor,
			auth.UnaryInterceptor(s.logger),
		),
		grpc.ChainStreamInterceptor(
			contextCheckStreamInterceptor,
			auth.StreamInterceptor(s.logger),
		),
		grpc.Creds(tlsCreds),
	)

	api.RegisterRunServiceServer(grpcServer, s)

	s.mu.Lock()
	s.grpcServer = grpcServer
	s.mu.Unlock()

	if err := grpcServer.Serve(listener); err != nil &&
		!errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}

func (s *server) shutdown() {
	s.mu.Lock()
	grpcServer := s.grpcServer
	s.mu.Unlock()

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}

func (s *server) StartRun(
	ctx context.Context,
	_ *emptypb.Empty,
) (*wrapperspb.StringValue, error) {
	id, err := s.manager.Start(ctx)
	if err != nil {
		return nil, s.mapError("start run", err)
	}

	s.logger.Info("started run", "run_id", id)

	return wrapperspb.String(id), nil
}

func (s *server) StopRun(
	ctx context.Context,
	_ *emptypb.Empty,
) (*emptypb.Empty, error) {
	st := s.manager.Status()
	if st.State != jobmanager.RunStateRunning {
		return nil, status.Errorf(codes.FailedPrecondition, "no active run, state is %s", st.State)
	}

	s.manager.Stop()

	s.logger.Info("stopped run", "run_id", st.RunID)

	return &emptypb.Empty{}, nil
}

func (s *server) GetRun(
	ctx context.Context,
	_ *emptypb.Empty,
) (*structpb.Struct, error) {
	pb, err := runStatus(s.manager.Status()).Struct()
	if err != nil {
		return nil, s.mapError("encode run status", err)
	}

	return pb, nil
}

func (s *server) WatchRun(
	_ *emptypb.Empty,
	stream api.RunService_WatchRunServer,
) error {
	events := s.manager.Events()

	done := make(chan struct{})
	defer close(done)

	// Unblock the reader when the client goes away.
	go func() {
		select {
		case <-stream.Context().Done():
			events.Close()
		case <-done:
		}
	}()

	defer events.Close()

	scanner := bufio.NewScanner(events)
	scanner.Buffer(make([]byte, 0, 4096), maxEventSize)

	for scanner.Scan() {
		if err := stream.Send(wrapperspb.Bytes(scanner.Bytes())); err != nil {
			s.logger.Warn("stream event to client", "err", err)
			return status.Error(codes.DataLoss, "failed to stream events")
		}
	}

	if err := stream.Context().Err(); err != nil {
		return status.FromContextError(err).Err()
	}

	if err := scanner.Err(); err != nil {
		return s.mapError("read events", err)
	}

	return nil
}

func runStatus(st jobmanager.RunStatus) api.RunStatus {
	out := api.RunStatus{
		RunID:  st.RunID,
		State:  st.State.String(),
		Counts: make(map[string]int64, len(st.Counts)),
	}

	if st.Err != nil {
		out.Error = st.Err.Error()
	}

	for k, v := range st.Counts {
		out.Counts[k.String()] = int64(v)
	}

	for _, b := range st.Backends {
		out.Backends = append(out.Backends, api.BackendStatus{
			Name:      b.Name,
			Limit:     int64(b.Limit),
			Active:    int64(b.Active),
			Submitted: b.Submitted,
		})
	}

	return out
}

// mapError translates jobmanager errors to gRPC errors.
func (s *server) mapError(logMsg string, err error) error {
	var (
		missing *jobmanager.MissingParameterError
		format  *jobmanager.ParameterFormatError
	)

	switch {
	case errors.As(err, new(jobmanager.AlreadyRunningError)):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.As(err, new(jobmanager.DuplicateRegistrationError)):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, jobmanager.ErrNoJobs),
		errors.Is(err, jobmanager.ErrNoBackends):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.As(err, &missing), errors.As(err, &format):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.InvalidArgument, err.Error())

	default:
		s.logger.Error(logMsg, "err", err)
		return status.Error(codes.Internal, "internal server error")
	}
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}

// contextCheckStreamInterceptor rejects streams with a cancelled context.
func contextCheckStreamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if ctx := ss.Context(); ctx.Err() != nil {
		return status.FromContextError(ctx.Err()).Err()
	}

	return handler(srv, ss)
}
