package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/session"
)

var errNoLogRetriever = errors.New("no log retriever configured")

// GetActiveSession returns the application's active session, or nil.
func (r *ApplicationRepository) GetActiveSession(ctx context.Context, app domain.ApplicationID) (*session.RemoteSession, error) {
	t, err := r.tenantOf(app.Tenant)
	if err != nil {
		return nil, err
	}
	id, ok, err := t.RemoteSessions().ActiveSessionOf(ctx, app)
	if err != nil || !ok {
		return nil, err
	}
	return t.RemoteSessions().Get(ctx, id)
}

// GetActiveLocalSession returns this server's copy of the active session, or
// nil when there is none.
func (r *ApplicationRepository) GetActiveLocalSession(ctx context.Context, app domain.ApplicationID) (*session.LocalSession, error) {
	t, err := r.tenantOf(app.Tenant)
	if err != nil {
		return nil, err
	}
	s, _, err := r.activeLocal(ctx, t, app)
	return s, err
}

func (r *ApplicationRepository) GetMetadataFromLocalSession(tenantName domain.TenantName, id domain.SessionID) (session.Metadata, error) {
	_, s, err := r.localSession(tenantName, id)
	if err != nil {
		return session.Metadata{}, err
	}
	return s.Metadata(), nil
}

func (r *ApplicationRepository) TenantNames() []domain.TenantName {
	return r.tenants.TenantNames()
}

// Applications lists the tenant's applications that have an active session.
func (r *ApplicationRepository) Applications(ctx context.Context, tenantName domain.TenantName) ([]domain.ApplicationID, error) {
	t, err := r.tenantOf(tenantName)
	if err != nil {
		return nil, err
	}
	return t.RemoteSessions().Applications(ctx)
}

// DeploymentHistory returns the newest entries of the application's
// deployment log. Without a deployment log it returns nothing.
func (r *ApplicationRepository) DeploymentHistory(ctx context.Context, app domain.ApplicationID, limit int) ([]domain.DeploymentRecord, error) {
	if r.deployments == nil {
		return nil, nil
	}
	return r.deployments.History(ctx, app, limit)
}

func (r *ApplicationRepository) IsSuspended(ctx context.Context, app domain.ApplicationID) (bool, error) {
	return r.orchestrator.IsSuspended(ctx, app)
}

// GetLogs fetches logs from the application's log server. An empty hostname
// selects the first host of the admin cluster, or the first host when there
// is no admin cluster.
func (r *ApplicationRepository) GetLogs(ctx context.Context, app domain.ApplicationID, hostname, query string) (*domain.LogResponse, error) {
	if r.logs == nil {
		return nil, errNoLogRetriever
	}
	active, err := r.GetActiveSession(ctx, app)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, fmt.Errorf("%s has no active session: %w", app, domain.ErrUnknownApplication)
	}

	hosts := active.Hosts
	switch {
	case hostname == "":
		hostname, err = logServerHost(hosts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", app, err)
		}
	case !hosts.Contains(hostname):
		return nil, fmt.Errorf("host %s in %s: %w", hostname, app, domain.ErrHostNotInApplication)
	}

	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(hostname, strconv.Itoa(r.cfg.LogServerPort)),
		Path:     "/logs",
		RawQuery: query,
	}
	return r.logs.GetLogs(ctx, u.String())
}

func logServerHost(hosts domain.AllocatedHosts) (string, error) {
	if len(hosts.Hosts) == 0 {
		return "", errors.New("no hosts allocated")
	}
	for _, h := range hosts.Hosts {
		if h.ClusterType == session.ClusterAdmin {
			return h.Hostname, nil
		}
	}
	return hosts.Hosts[0].Hostname, nil
}
