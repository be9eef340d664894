// Package grpc exposes the prediction service over gRPC, next to the HTTP
// API. It carries the standard health service and, optionally, reflection.
package grpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/mixprop/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/mixprop/pkg/errors"
)

const (
	defaultAddr            = ":50051"
	defaultMaxMsgSize      = 16 * 1024 * 1024
	defaultGracefulTimeout = 10 * time.Second
)

var defaultKeepaliveParams = keepalive.ServerParameters{
	MaxConnectionIdle:     15 * time.Minute,
	MaxConnectionAge:      30 * time.Minute,
	MaxConnectionAgeGrace: 5 * time.Second,
	Time:                  5 * time.Minute,
	Timeout:               time.Second,
}

var defaultKeepalivePolicy = keepalive.EnforcementPolicy{
	MinTime:             5 * time.Second,
	PermitWithoutStream: true,
}

// ServerConfig holds the gRPC listener settings.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	MaxRecvMsgSize  int           `mapstructure:"max_recv_msg_size"`
	MaxSendMsgSize  int           `mapstructure:"max_send_msg_size"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	Reflection      bool          `mapstructure:"reflection"`
}

// ApplyDefaults fills unset fields.
func (c *ServerConfig) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = defaultAddr
	}
	if c.MaxRecvMsgSize == 0 {
		c.MaxRecvMsgSize = defaultMaxMsgSize
	}
	if c.MaxSendMsgSize == 0 {
		c.MaxSendMsgSize = defaultMaxMsgSize
	}
	if c.GracefulTimeout == 0 {
		c.GracefulTimeout = defaultGracefulTimeout
	}
}

// Option configures the Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger    logging.Logger
	metrics   *prometheus.AppMetrics
	tlsConfig *tls.Config
	keepalive keepalive.ServerParameters
}

func WithLogger(l logging.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

func WithMetrics(m *prometheus.AppMetrics) Option {
	return func(o *serverOptions) { o.metrics = m }
}

// WithTLSConfig serves over TLS instead of plaintext.
func WithTLSConfig(tc *tls.Config) Option {
	return func(o *serverOptions) { o.tlsConfig = tc }
}

func WithKeepaliveParams(p keepalive.ServerParameters) Option {
	return func(o *serverOptions) { o.keepalive = p }
}

// Server wraps a grpc.Server with its listener and health service.
type Server struct {
	grpcServer   *grpc.Server
	listener     net.Listener
	cfg          ServerConfig
	logger       logging.Logger
	healthServer *health.Server

	mu      sync.Mutex
	started bool
}

// NewServer binds cfg.Addr and builds the server. Services are added with
// RegisterService before Start.
func NewServer(cfg ServerConfig, opts ...Option) (*Server, error) {
	cfg.ApplyDefaults()
	so := &serverOptions{keepalive: defaultKeepaliveParams}
	for _, o := range opts {
		o(so)
	}
	logger := logging.OrNop(so.logger).Named("grpc")

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidModelConfig, "grpc: failed to listen").WithDetail(cfg.Addr)
	}

	grpcOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.MaxSendMsgSize),
		grpc.KeepaliveParams(so.keepalive),
		grpc.KeepaliveEnforcementPolicy(defaultKeepalivePolicy),
		grpc.ChainUnaryInterceptor(
			recoveryUnaryInterceptor(logger),
			loggingUnaryInterceptor(logger),
			metricsUnaryInterceptor(so.metrics),
		),
		grpc.ChainStreamInterceptor(recoveryStreamInterceptor(logger)),
	}
	if so.tlsConfig != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(so.tlsConfig)))
	}
	gs := grpc.NewServer(grpcOpts...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if cfg.Reflection {
		reflection.Register(gs)
		logger.Info("grpc reflection enabled")
	}

	return &Server{
		grpcServer:   gs,
		listener:     lis,
		cfg:          cfg,
		logger:       logger,
		healthServer: hs,
	}, nil
}

// RegisterService adds impl under desc and marks it serving.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.grpcServer.RegisterService(desc, impl)
	s.healthServer.SetServingStatus(desc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("grpc service registered", logging.String("service", desc.ServiceName))
}

// SetServing reports service ("" for the whole server) as serving or not.
func (s *Server) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus(service, st)
}

// Start serves until Stop. It returns nil after a graceful stop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New(errors.ErrCodeInternal, "grpc server already started")
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("grpc server starting", logging.String("addr", s.Addr()))
	if err := s.grpcServer.Serve(s.listener); err != nil && err != grpc.ErrServerStopped {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "grpc server failed")
	}
	return nil
}

// Stop drains in-flight calls, forcing a stop after the graceful timeout or
// when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		_ = s.listener.Close()
		return nil
	}

	s.healthServer.Shutdown()
	gracefulCtx, cancel := context.WithTimeout(ctx, s.cfg.GracefulTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("grpc server stopped")
	case <-gracefulCtx.Done():
		s.logger.Warn("grpc graceful stop timed out, forcing stop")
		s.grpcServer.Stop()
	}
	return nil
}

// Addr is the bound address, useful with port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// ---------------------------------------------------------------------------
// Interceptors
// ---------------------------------------------------------------------------

func recoveryUnaryInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc panic recovered",
					logging.String("method", info.FullMethod),
					logging.String("panic", fmt.Sprint(r)),
					logging.String("stack", string(debug.Stack())),
				)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func recoveryStreamInterceptor(logger logging.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc stream panic recovered",
					logging.String("method", info.FullMethod),
					logging.String("panic", fmt.Sprint(r)),
				)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}

func isHealthCheck(method string) bool {
	return strings.HasPrefix(method, "/grpc.health.v1.Health/")
}

// loggingUnaryInterceptor logs every call except health checks; failed
// calls log at warn.
func loggingUnaryInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if isHealthCheck(info.FullMethod) {
			return handler(ctx, req)
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []logging.Field{
			logging.String("method", info.FullMethod),
			logging.Duration("duration", time.Since(start)),
			logging.String("code", status.Code(err).String()),
		}
		if err != nil {
			logger.Warn("grpc request failed", append(fields, logging.Err(err))...)
		} else {
			logger.Info("grpc request", fields...)
		}
		return resp, err
	}
}

func metricsUnaryInterceptor(m *prometheus.AppMetrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if m == nil {
			return handler(ctx, req)
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		service, method := splitMethodName(info.FullMethod)
		prometheus.RecordGRPCRequest(m, service, method, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

// splitMethodName splits "/package.Service/Method".
func splitMethodName(fullMethod string) (string, string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	idx := strings.LastIndex(fullMethod, "/")
	if idx < 0 {
		return "unknown", fullMethod
	}
	return fullMethod[:idx], fullMethod[idx+1:]
}
