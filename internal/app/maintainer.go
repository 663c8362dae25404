package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/platform/correlation"
)

// Maintenance job names, used as metric labels.
const (
	JobLocalSessions  = "local_sessions"
	JobRemoteSessions = "remote_sessions"
	JobTenants        = "tenants"
	JobFileReferences = "file_references"
)

// maintenanceRunTimeout bounds a single pass over all jobs.
const maintenanceRunTimeout = time.Minute

// Elector decides which replica runs the cluster-wide jobs.
type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	IsLeader() bool
	Release(ctx context.Context) error
}

// MaintenanceRecorder observes maintenance runs.
type MaintenanceRecorder interface {
	RecordRun(job string, deleted int, err error)
	SetLeader(leader bool)
}

type MaintenanceConfig struct {
	Interval            time.Duration
	RemoteSessionMaxAge time.Duration
	TenantTTL           time.Duration
	FileReferencesDir   string
	FileReferenceTTL    time.Duration
}

// Maintainer runs the expiry sweeps periodically. Every replica sweeps its
// own local sessions; only the elected leader sweeps shared state.
type Maintainer struct {
	repo     *ApplicationRepository
	elector  Elector
	recorder MaintenanceRecorder
	clock    clockwork.Clock
	cfg      MaintenanceConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewMaintainer(repo *ApplicationRepository, elector Elector, recorder MaintenanceRecorder, clock clockwork.Clock, cfg MaintenanceConfig) *Maintainer {
	return &Maintainer{
		repo:     repo,
		elector:  elector,
		recorder: recorder,
		clock:    clock,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start runs RunOnce every interval until Stop is called.
func (m *Maintainer) Start() {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	m.wg.Go(func() {
		for {
			select {
			case <-ticker.Chan():
				m.RunOnce(context.Background())
			case <-m.stopCh:
				ticker.Stop()
				return
			}
		}
	})
	slog.Info("Maintenance started", "interval", m.cfg.Interval)
}

// Stop ends the loop, waits for a running pass and gives up leadership.
func (m *Maintainer) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	if err := m.elector.Release(ctx); err != nil {
		slog.Warn("Failed to release maintenance leadership", "error", err)
	}
	m.recorder.SetLeader(false)
}

// RunOnce runs one pass of every job this replica is responsible for.
func (m *Maintainer) RunOnce(ctx context.Context) {
	ctx = correlation.Ensure(ctx)
	ctx, cancel := context.WithTimeout(ctx, maintenanceRunTimeout)
	defer cancel()

	n, err := m.repo.DeleteExpiredLocalSessions(ctx)
	m.report(ctx, JobLocalSessions, n, err)

	if !m.lead(ctx) {
		return
	}

	n, err = m.repo.DeleteExpiredRemoteSessions(ctx, m.cfg.RemoteSessionMaxAge)
	m.report(ctx, JobRemoteSessions, n, err)

	tenants, err := m.repo.DeleteUnusedTenants(ctx, m.cfg.TenantTTL, m.clock.Now())
	m.report(ctx, JobTenants, len(tenants), err)

	if m.cfg.FileReferencesDir != "" {
		refs, err := m.repo.DeleteUnusedFileReferences(ctx, m.cfg.FileReferencesDir, m.cfg.FileReferenceTTL)
		m.report(ctx, JobFileReferences, len(refs), err)
	}
}

func (m *Maintainer) lead(ctx context.Context) bool {
	if m.elector.IsLeader() {
		if err := m.elector.Renew(ctx); err != nil {
			slog.WarnContext(ctx, "Lost maintenance leadership", "error", err)
			m.recorder.SetLeader(false)
			return false
		}
		return true
	}

	leader, err := m.elector.TryAcquire(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Maintenance leader election failed", "error", err)
		return false
	}
	if leader {
		slog.InfoContext(ctx, "Acquired maintenance leadership")
	}
	m.recorder.SetLeader(leader)
	return leader
}

func (m *Maintainer) report(ctx context.Context, job string, deleted int, err error) {
	m.recorder.RecordRun(job, deleted, err)
	if err != nil {
		slog.ErrorContext(ctx, "Maintenance job failed", "job", job, "deleted", deleted, "error", err)
		return
	}
	if deleted > 0 {
		slog.InfoContext(ctx, "Maintenance job finished", "job", job, "deleted", deleted)
	}
}
