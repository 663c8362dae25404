package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/coordination"
	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/session"
	"github.com/pscheid92/configserver/internal/tenant"
	"github.com/stretchr/testify/require"
)

const (
	servicesV1 = `
clusters:
  - id: admin
    type: admin
  - id: default
    type: container
    nodes: 2
    jvmOptions: "-Xmx1g"
`
	servicesV2 = `
clusters:
  - id: admin
    type: admin
  - id: default
    type: container
    nodes: 2
    jvmOptions: "-Xmx2g"
`
	servicesWithFile = `
clusters:
  - id: default
    type: container
`
)

var (
	tenant1 domain.TenantName = "tenant1"
	testApp                   = domain.NewApplicationID(tenant1, "testapp", "")
)

type testEnv struct {
	clock        clockwork.Clock
	store        *coordination.MemoryStore
	tenants      *tenant.Repository
	files        *session.FileRegistry
	provisioner  *mockProvisioner
	orchestrator *mockOrchestrator
	metric       *mockMetric
	logs         *mockLogRetriever
	deployments  *mockDeploymentLog
	repo         *ApplicationRepository
}

func newTestEnv(t *testing.T, clock clockwork.Clock) *testEnv {
	t.Helper()
	return newReplica(t, clock, coordination.NewMemoryStore(clock), session.NewFileRegistry(t.TempDir(), clock))
}

// newPeer starts a second replica that shares e's coordination store and
// file-reference directory but keeps its own sessions on disk.
func (e *testEnv) newPeer(t *testing.T) *testEnv {
	t.Helper()
	return newReplica(t, e.clock, e.store, e.files)
}

func newReplica(t *testing.T, clock clockwork.Clock, store *coordination.MemoryStore, files *session.FileRegistry) *testEnv {
	t.Helper()
	ctx := context.Background()

	meta, err := session.OpenMetadataStore(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	tenants, err := tenant.NewRepository(ctx, tenant.Options{
		Store:           store,
		Clock:           clock,
		Metadata:        meta,
		Files:           files,
		ServerDBDir:     t.TempDir(),
		SessionLifetime: time.Hour,
	})
	require.NoError(t, err)
	_, err = tenants.AddTenant(ctx, tenant1)
	require.NoError(t, err)

	env := &testEnv{
		clock:        clock,
		store:        store,
		tenants:      tenants,
		files:        files,
		provisioner:  &mockProvisioner{},
		orchestrator: &mockOrchestrator{},
		metric:       &mockMetric{},
		logs:         &mockLogRetriever{},
		deployments:  &mockDeploymentLog{},
	}
	env.repo = NewApplicationRepository(tenants, store, env.provisioner, env.orchestrator, clock,
		Config{Zone: "prod.default", DefaultTimeout: time.Minute, LockTTL: time.Minute, LogServerPort: 8080},
		WithMetric(env.metric),
		WithLogRetriever(env.logs),
		WithDeploymentLog(env.deployments),
	)
	return env
}

func newFakeEnv(t *testing.T) (*testEnv, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return newTestEnv(t, clock), clock
}

func writePackage(t *testing.T, services string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, session.ServicesFile), []byte(services), 0o644))
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func (e *testEnv) deploy(t *testing.T, app domain.ApplicationID, services string) *session.PrepareResult {
	t.Helper()
	result, err := e.repo.Deploy(context.Background(), writePackage(t, services, nil), PrepareParams{Application: app, DeployedBy: "alice"})
	require.NoError(t, err)
	return result
}

func (e *testEnv) remoteStatus(t *testing.T, app domain.ApplicationID, id domain.SessionID) domain.SessionStatus {
	t.Helper()
	rs, err := e.tenants.GetTenant(app.Tenant).RemoteSessions().Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rs)
	return rs.Status
}
