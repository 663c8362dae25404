package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/configserver/internal/coordination"
	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/session"
)

// appService is the read side of the application repository the admin API
// exposes.
type appService interface {
	TenantNames() []domain.TenantName
	Applications(ctx context.Context, tenant domain.TenantName) ([]domain.ApplicationID, error)
	GetActiveSession(ctx context.Context, app domain.ApplicationID) (*session.RemoteSession, error)
	GetMetadataFromLocalSession(tenant domain.TenantName, id domain.SessionID) (session.Metadata, error)
	IsSuspended(ctx context.Context, app domain.ApplicationID) (bool, error)
	DeploymentHistory(ctx context.Context, app domain.ApplicationID, limit int) ([]domain.DeploymentRecord, error)
	GetLogs(ctx context.Context, app domain.ApplicationID, hostname, query string) (*domain.LogResponse, error)
}

// replicaLister reports the config server replicas with a live heartbeat.
type replicaLister interface {
	Replicas(ctx context.Context) ([]coordination.ReplicaInfo, error)
}

type Config struct {
	Port               string
	RateLimitPerSecond float64
}

type Server struct {
	echo   *echo.Echo
	config Config

	app            appService
	replicas       replicaLister
	metricsHandler http.Handler
	middleware     []echo.MiddlewareFunc
	healthChecks   []HealthCheck
	startTime      time.Time
}

type Option func(*Server)

// WithMetricsHandler serves the handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMiddleware installs extra middleware after the built-in chain, e.g.
// request metrics.
func WithMiddleware(mw ...echo.MiddlewareFunc) Option {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// WithReplicas serves the live replica list on /application/v2/replicas.
func WithReplicas(r replicaLister) Option {
	return func(s *Server) { s.replicas = r }
}

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.healthChecks = append(s.healthChecks, checks...) }
}

func NewServer(cfg Config, app appService, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:      e,
		config:    cfg,
		app:       app,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP lets tests drive the full middleware chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
