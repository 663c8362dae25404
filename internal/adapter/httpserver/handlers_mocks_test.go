package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/session"
)

type mockAppService struct {
	tenantNamesFn      func() []domain.TenantName
	applicationsFn     func(ctx context.Context, tenant domain.TenantName) ([]domain.ApplicationID, error)
	getActiveSessionFn func(ctx context.Context, app domain.ApplicationID) (*session.RemoteSession, error)
	getMetadataFn      func(tenant domain.TenantName, id domain.SessionID) (session.Metadata, error)
	isSuspendedFn      func(ctx context.Context, app domain.ApplicationID) (bool, error)
	historyFn          func(ctx context.Context, app domain.ApplicationID, limit int) ([]domain.DeploymentRecord, error)
	getLogsFn          func(ctx context.Context, app domain.ApplicationID, hostname, query string) (*domain.LogResponse, error)
}

func (m *mockAppService) TenantNames() []domain.TenantName {
	if m.tenantNamesFn != nil {
		return m.tenantNamesFn()
	}
	return []domain.TenantName{domain.DefaultTenant, domain.SystemTenant}
}

func (m *mockAppService) Applications(ctx context.Context, tenant domain.TenantName) ([]domain.ApplicationID, error) {
	if m.applicationsFn != nil {
		return m.applicationsFn(ctx, tenant)
	}
	return nil, nil
}

func (m *mockAppService) GetActiveSession(ctx context.Context, app domain.ApplicationID) (*session.RemoteSession, error) {
	if m.getActiveSessionFn != nil {
		return m.getActiveSessionFn(ctx, app)
	}
	return nil, nil
}

func (m *mockAppService) GetMetadataFromLocalSession(tenant domain.TenantName, id domain.SessionID) (session.Metadata, error) {
	if m.getMetadataFn != nil {
		return m.getMetadataFn(tenant, id)
	}
	return session.Metadata{}, domain.ErrUnknownSession
}

func (m *mockAppService) IsSuspended(ctx context.Context, app domain.ApplicationID) (bool, error) {
	if m.isSuspendedFn != nil {
		return m.isSuspendedFn(ctx, app)
	}
	return false, nil
}

func (m *mockAppService) DeploymentHistory(ctx context.Context, app domain.ApplicationID, limit int) ([]domain.DeploymentRecord, error) {
	if m.historyFn != nil {
		return m.historyFn(ctx, app, limit)
	}
	return nil, nil
}

func (m *mockAppService) GetLogs(ctx context.Context, app domain.ApplicationID, hostname, query string) (*domain.LogResponse, error) {
	if m.getLogsFn != nil {
		return m.getLogsFn(ctx, app, hostname, query)
	}
	return &domain.LogResponse{Status: http.StatusOK}, nil
}

func newTestServer(t *testing.T, app appService, opts ...Option) *Server {
	t.Helper()
	return NewServer(Config{Port: "0"}, app, opts...)
}

// serve runs a GET request through the full middleware chain.
func serve(srv *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = testRemoteAddr
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}
