package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elskow/modhub-identity/internal/api"
	"github.com/elskow/modhub-identity/internal/auth"
	"github.com/elskow/modhub-identity/internal/config"
)

type Server struct {
	config         *config.AppConfig
	log            *zap.Logger
	grpcServer     *grpc.Server
	metricsServer  *http.Server
	authHandler    *auth.Handler
	authMiddleware *auth.AuthMiddleware
}

type Params struct {
	fx.In

	Config         *config.AppConfig
	Logger         *zap.Logger
	AuthHandler    *auth.Handler
	AuthMiddleware *auth.AuthMiddleware
	RateLimiter    *auth.RateLimiter
}

func isProtectedEndpoint(method string) bool {
	isPublic, exists := api.PublicEndpoints[method]
	return !exists || !isPublic
}

func authInterceptor(middleware *auth.AuthMiddleware, log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		// Skip authentication for non-protected endpoints
		if !isProtectedEndpoint(info.FullMethod) {
			return handler(ctx, req)
		}

		// Authenticate the request
		newCtx, err := middleware.AuthenticationMiddleware(ctx)
		if err != nil {
			log.Warn("authentication failed",
				zap.String("method", info.FullMethod),
				zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}

		// Call the handler with the authenticated context
		return handler(newCtx, req)
	}
}

func rateLimitInterceptor(limiter *auth.RateLimiter, log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !api.ThrottledEndpoints[info.FullMethod] {
			return handler(ctx, req)
		}

		host := auth.PeerHost(ctx)
		if !limiter.Allow(host) {
			log.Warn("request throttled",
				zap.String("method", info.FullMethod),
				zap.String("peer", host))
			return nil, status.Error(codes.ResourceExhausted, "too many requests")
		}
		return handler(ctx, req)
	}
}

func NewServer(p Params) *Server {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			rateLimitInterceptor(p.RateLimiter, p.Logger),
			authInterceptor(p.AuthMiddleware, p.Logger),
		),
		grpc.MaxRecvMsgSize(p.Config.GRPC.MaxReceiveMessageSize),
		grpc.MaxSendMsgSize(p.Config.GRPC.MaxSendMessageSize),
	}

	grpcServer := grpc.NewServer(opts...)

	server := &Server{
		config:         p.Config,
		log:            p.Logger,
		grpcServer:     grpcServer,
		authHandler:    p.AuthHandler,
		authMiddleware: p.AuthMiddleware,
	}

	// Register services
	api.RegisterIdentityServer(grpcServer, p.AuthHandler)

	if p.Config.GRPC.EnableReflection {
		reflection.Register(grpcServer)
	}

	if p.Config.Server.MetricsPort != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server.metricsServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%s", p.Config.Server.Host, p.Config.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return server
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%s", s.config.Server.Host, s.config.Server.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if s.metricsServer != nil {
		go func() {
			s.log.Info("Starting metrics server", zap.String("address", s.metricsServer.Addr))
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	s.log.Info("Starting gRPC server",
		zap.String("address", addr),
		zap.Object("config", serverConfigToField(s.config)),
	)

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}

	return nil
}

func serverConfigToField(config *config.AppConfig) zapcore.ObjectMarshaler {
	return zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddString("environment", os.Getenv("APP_ENV"))
		enc.AddString("database_driver", config.Database.Driver)
		enc.AddBool("reflection_enabled", config.GRPC.EnableReflection)
		enc.AddBool("rate_limit_enabled", config.RateLimit.Enabled)
		enc.AddInt("oauth_providers", len(config.OAuth.Providers))
		enc.AddInt("max_receive_size", config.GRPC.MaxReceiveMessageSize)
		enc.AddInt("max_send_size", config.GRPC.MaxSendMessageSize)
		return nil
	})
}

func (s *Server) Stop(ctx context.Context) {
	s.log.Info("shutting down gRPC server")
	s.grpcServer.GracefulStop()

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.log.Warn("metrics server shutdown", zap.Error(err))
		}
	}
}
