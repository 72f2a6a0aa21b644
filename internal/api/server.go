package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/miradorstack/mirador-recovery/internal/config"
	"github.com/miradorstack/mirador-recovery/internal/services"
)

// Server wraps the gRPC health server and its lifecycle helpers.
type Server struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// NewServer constructs a gRPC server bound to the configured health address.
func NewServer(cfg config.ServerConfig, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", cfg.HealthAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.HealthAddress, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	// One service per supervised target is published next to the overall "" status.
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	grpc_prometheus.Register(grpcServer)

	reflection.Register(grpcServer)

	return &Server{
		cfg:        cfg,
		grpcServer: grpcServer,
		health:     healthSrv,
		listener:   lis,
	}, nil
}

// Health returns the health server so per-target statuses can be published.
func (s *Server) Health() *health.Server {
	return s.health
}

// Start serves incoming gRPC requests until Stop/Shutdown is invoked.
func (s *Server) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown attempts a graceful shutdown, falling back to Stop after timeout.
func (s *Server) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address (useful for tests).
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}

// NewRouter builds the operator REST router. A non-empty jwtSecret protects /api/v1.
func NewRouter(service *services.OperatorService, jwtSecret string, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := NewHandlers(service)
	v1 := router.Group("/api/v1")
	if jwtSecret != "" {
		v1.Use(AuthMiddleware(jwtSecret))
	}
	v1.GET("/incidents", h.ListIncidents)
	v1.GET("/incidents/:id", h.GetIncident)
	v1.GET("/incidents/:id/events", h.Events)
	v1.GET("/incidents/:id/similar", h.SimilarIncidents)
	v1.POST("/incidents/:id/abandon", h.Abandon)
	v1.POST("/incidents/:id/force", h.ForceStrategy)
	v1.POST("/incidents/:id/acknowledge", h.Acknowledge)
	v1.POST("/incidents/:id/close", h.Close)
	v1.POST("/automation/resume", h.ResumeAutomation)
	v1.POST("/automation/pause", h.PauseAutomation)
	v1.GET("/breakers", h.Breakers)
	v1.GET("/checkpoints", h.ListCheckpoints)
	v1.POST("/checkpoints", h.TakeCheckpoint)
	v1.GET("/status", h.Status)
	v1.GET("/learning", h.Learning)
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

// HTTPServer runs the operator REST API.
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
}

// NewHTTPServer binds handler to address.
func NewHTTPServer(address string, handler http.Handler) (*HTTPServer, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}
	return &HTTPServer{
		server:   &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		listener: lis,
	}, nil
}

// Start serves requests until Shutdown.
func (s *HTTPServer) Start() error {
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Address exposes the bound listener address.
func (s *HTTPServer) Address() string {
	return s.listener.Addr().String()
}
