package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/platform/correlation"
	apperrors "github.com/pscheid92/configserver/internal/platform/errors"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type tenantsResponse struct {
	Tenants []domain.TenantName `json:"tenants"`
}

type applicationsResponse struct {
	Tenant       domain.TenantName `json:"tenant"`
	Applications []string          `json:"applications"`
}

type applicationStatusResponse struct {
	Application string               `json:"application"`
	SessionID   domain.SessionID     `json:"sessionId"`
	Generation  domain.Generation    `json:"generation"`
	Status      domain.SessionStatus `json:"status"`
	Created     time.Time            `json:"created"`
	Hosts       []domain.HostSpec    `json:"hosts"`
	Suspended   bool                 `json:"suspended"`
}

type deploymentResponse struct {
	SessionID  domain.SessionID  `json:"sessionId"`
	Generation domain.Generation `json:"generation"`
	Action     string            `json:"action"`
	DeployedBy string            `json:"deployedBy,omitempty"`
	At         time.Time         `json:"at"`
}

type historyResponse struct {
	Application string               `json:"application"`
	Deployments []deploymentResponse `json:"deployments"`
}

func (s *Server) registerApplicationRoutes() {
	g := s.echo.Group("/application/v2")
	if s.config.RateLimitPerSecond > 0 {
		g.Use(newRateLimiter(s.config.RateLimitPerSecond, rateLimitBurst))
	}

	if s.replicas != nil {
		g.GET("/replicas", s.handleListReplicas)
	}
	g.GET("/tenant", s.handleListTenants)
	g.GET("/tenant/:tenant/application", s.handleListApplications)
	g.GET("/tenant/:tenant/session/:session", s.handleSessionMetadata)

	instance := g.Group("/tenant/:tenant/application/:application/instance/:instance", applicationContext)
	instance.GET("", s.handleApplicationStatus)
	instance.GET("/history", s.handleHistory)
	instance.GET("/logs", s.handleLogs)
}

// applicationContext tags the request context with the application so every
// log line of the request carries it.
func applicationContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		app, err := applicationFromPath(c)
		if err != nil {
			return err
		}
		ctx := correlation.WithApplication(c.Request().Context(), app.String())
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func tenantFromPath(c echo.Context) (domain.TenantName, error) {
	name := domain.TenantName(c.Param("tenant"))
	if err := name.Validate(); err != nil {
		return "", apperrors.ValidationError(err.Error(), err)
	}
	return name, nil
}

func applicationFromPath(c echo.Context) (domain.ApplicationID, error) {
	app := domain.NewApplicationID(domain.TenantName(c.Param("tenant")), c.Param("application"), c.Param("instance"))
	if err := app.Validate(); err != nil {
		return domain.ApplicationID{}, apperrors.ValidationError(err.Error(), err)
	}
	return app, nil
}

func (s *Server) handleListReplicas(c echo.Context) error {
	replicas, err := s.replicas.Replicas(c.Request().Context())
	if err != nil {
		return apperrors.ExternalError("failed to list replicas", err)
	}
	if err := c.JSON(http.StatusOK, map[string]any{"replicas": replicas}); err != nil {
		return fmt.Errorf("failed to write replicas response: %w", err)
	}
	return nil
}

func (s *Server) handleListTenants(c echo.Context) error {
	resp := tenantsResponse{Tenants: s.app.TenantNames()}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write tenants response: %w", err)
	}
	return nil
}

func (s *Server) handleListApplications(c echo.Context) error {
	tenant, err := tenantFromPath(c)
	if err != nil {
		return err
	}

	apps, err := s.app.Applications(c.Request().Context(), tenant)
	if err != nil {
		return err
	}

	resp := applicationsResponse{Tenant: tenant, Applications: make([]string, len(apps))}
	for i, app := range apps {
		resp.Applications[i] = app.FullString()
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write applications response: %w", err)
	}
	return nil
}

func (s *Server) handleSessionMetadata(c echo.Context) error {
	tenant, err := tenantFromPath(c)
	if err != nil {
		return err
	}
	id, err := domain.ParseSessionID(c.Param("session"))
	if err != nil {
		return HandleValidationError(c, "session id must be an integer")
	}

	meta, err := s.app.GetMetadataFromLocalSession(tenant, id)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, meta); err != nil {
		return fmt.Errorf("failed to write session response: %w", err)
	}
	return nil
}

func (s *Server) handleApplicationStatus(c echo.Context) error {
	ctx := c.Request().Context()
	app, err := applicationFromPath(c)
	if err != nil {
		return err
	}

	active, err := s.app.GetActiveSession(ctx, app)
	if err != nil {
		return err
	}
	if active == nil {
		return apperrors.NotFoundError("application has no active session", nil).
			WithContext("application", app.String())
	}

	suspended, err := s.app.IsSuspended(ctx, app)
	if err != nil {
		return apperrors.ExternalError("failed to query orchestrator", err)
	}

	resp := applicationStatusResponse{
		Application: app.String(),
		SessionID:   active.ID,
		Generation:  active.Generation,
		Status:      active.Status,
		Created:     active.Created,
		Hosts:       active.Hosts.Hosts,
		Suspended:   suspended,
	}
	if resp.Hosts == nil {
		resp.Hosts = []domain.HostSpec{}
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write status response: %w", err)
	}
	return nil
}

func (s *Server) handleHistory(c echo.Context) error {
	app, err := applicationFromPath(c)
	if err != nil {
		return err
	}

	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return HandleValidationError(c, "limit must be a positive integer")
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.app.DeploymentHistory(c.Request().Context(), app, limit)
	if err != nil {
		return err
	}

	resp := historyResponse{Application: app.String(), Deployments: make([]deploymentResponse, len(records))}
	for i, r := range records {
		resp.Deployments[i] = deploymentResponse{
			SessionID:  r.SessionID,
			Generation: r.Generation,
			Action:     r.Action,
			DeployedBy: r.DeployedBy,
			At:         r.At,
		}
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write history response: %w", err)
	}
	return nil
}

// handleLogs proxies the application's log server. The hostname parameter
// picks the host and every other query parameter is forwarded.
func (s *Server) handleLogs(c echo.Context) error {
	app, err := applicationFromPath(c)
	if err != nil {
		return err
	}

	query := c.QueryParams()
	hostname := query.Get("hostname")
	query.Del("hostname")

	logs, err := s.app.GetLogs(c.Request().Context(), app, hostname, query.Encode())
	if err != nil {
		return err
	}

	contentType := logs.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	if err := c.Blob(logs.Status, contentType, logs.Body); err != nil {
		return fmt.Errorf("failed to write logs response: %w", err)
	}
	return nil
}
