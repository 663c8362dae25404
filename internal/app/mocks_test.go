package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/pscheid92/configserver/internal/domain"
)

// --- Mock implementations ---

type mockProvisioner struct {
	mu            sync.Mutex
	provisioned   []domain.Generation
	deprovisioned []domain.ApplicationID

	provisionFn   func(ctx context.Context, app domain.ApplicationID, generation domain.Generation, clusters []domain.ClusterSpec) (domain.AllocatedHosts, error)
	deprovisionFn func(ctx context.Context, app domain.ApplicationID) error
}

func (m *mockProvisioner) Provision(ctx context.Context, app domain.ApplicationID, generation domain.Generation, clusters []domain.ClusterSpec) (domain.AllocatedHosts, error) {
	if m.provisionFn != nil {
		return m.provisionFn(ctx, app, generation, clusters)
	}
	m.mu.Lock()
	m.provisioned = append(m.provisioned, generation)
	m.mu.Unlock()

	var hosts domain.AllocatedHosts
	for _, c := range clusters {
		for i := range c.Nodes {
			hosts.Hosts = append(hosts.Hosts, domain.HostSpec{
				Hostname:    fmt.Sprintf("%s-%d.%s.example.com", c.ID, i, app.Application),
				ClusterID:   c.ID,
				ClusterType: c.Type,
			})
		}
	}
	return hosts, nil
}

func (m *mockProvisioner) Deprovision(ctx context.Context, app domain.ApplicationID) error {
	if m.deprovisionFn != nil {
		return m.deprovisionFn(ctx, app)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deprovisioned = append(m.deprovisioned, app)
	return nil
}

type mockOrchestrator struct {
	isSuspendedFn func(ctx context.Context, app domain.ApplicationID) (bool, error)
}

func (m *mockOrchestrator) IsSuspended(ctx context.Context, app domain.ApplicationID) (bool, error) {
	if m.isSuspendedFn != nil {
		return m.isSuspendedFn(ctx, app)
	}
	return false, nil
}

func (m *mockOrchestrator) Suspend(context.Context, domain.ApplicationID) error { return nil }
func (m *mockOrchestrator) Resume(context.Context, domain.ApplicationID) error  { return nil }

type metricSample struct {
	Key   string
	Value float64
	Ctx   domain.MetricContext
}

type mockMetric struct {
	mu      sync.Mutex
	samples []metricSample
}

func (m *mockMetric) Set(key string, value float64, ctx domain.MetricContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, metricSample{Key: key, Value: value, Ctx: ctx})
}

func (m *mockMetric) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.samples))
	for _, s := range m.samples {
		keys = append(keys, s.Key)
	}
	return keys
}

type mockLogRetriever struct {
	urls []string
}

func (m *mockLogRetriever) GetLogs(_ context.Context, url string) (*domain.LogResponse, error) {
	m.urls = append(m.urls, url)
	return &domain.LogResponse{Status: 200, ContentType: "application/json", Body: []byte(`{"logs":[]}`)}, nil
}

type mockDeploymentLog struct {
	mu      sync.Mutex
	records []domain.DeploymentRecord

	recordFn func(ctx context.Context, rec domain.DeploymentRecord) error
}

func (m *mockDeploymentLog) Record(ctx context.Context, rec domain.DeploymentRecord) error {
	if m.recordFn != nil {
		return m.recordFn(ctx, rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockDeploymentLog) History(_ context.Context, app domain.ApplicationID, limit int) ([]domain.DeploymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DeploymentRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].Application == app {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *mockDeploymentLog) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make([]string, 0, len(m.records))
	for _, r := range m.records {
		actions = append(actions, r.Action)
	}
	return actions
}

type mockElector struct {
	leader     bool
	acquireErr error
	renewErr   error
	released   bool
}

func (m *mockElector) TryAcquire(context.Context) (bool, error) {
	return m.leader, m.acquireErr
}

func (m *mockElector) Renew(context.Context) error {
	if m.renewErr != nil {
		m.leader = false
	}
	return m.renewErr
}

func (m *mockElector) IsLeader() bool { return m.leader }

func (m *mockElector) Release(context.Context) error {
	m.released = true
	m.leader = false
	return nil
}

type recordedRun struct {
	Job     string
	Deleted int
	Err     error
}

type mockRecorder struct {
	mu     sync.Mutex
	runs   []recordedRun
	leader bool
}

func (m *mockRecorder) RecordRun(job string, deleted int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, recordedRun{Job: job, Deleted: deleted, Err: err})
}

func (m *mockRecorder) SetLeader(leader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leader = leader
}

func (m *mockRecorder) jobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]string, 0, len(m.runs))
	for _, r := range m.runs {
		jobs = append(jobs, r.Job)
	}
	return jobs
}
