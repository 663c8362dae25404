package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/platform/budget"
	"github.com/pscheid92/configserver/internal/session"
	"github.com/pscheid92/configserver/internal/tenant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/pscheid92/configserver/internal/app"

// Config holds the settings the application repository needs.
type Config struct {
	// Zone is "environment.region", reported with deployment metrics.
	Zone           string
	DefaultTimeout time.Duration
	LockTTL        time.Duration
	LogServerPort  int
}

// ApplicationRepository composes the tenant registry with the external
// collaborators. All public operations run under a timeout budget.
type ApplicationRepository struct {
	tenants      *tenant.Repository
	store        domain.Store
	provisioner  domain.Provisioner
	orchestrator domain.Orchestrator
	clock        clockwork.Clock
	cfg          Config

	logs        domain.LogRetriever
	metric      domain.Metric
	deployments domain.DeploymentLog
	tracer      trace.Tracer
}

type Option func(*ApplicationRepository)

func WithLogRetriever(logs domain.LogRetriever) Option {
	return func(r *ApplicationRepository) { r.logs = logs }
}

func WithMetric(metric domain.Metric) Option {
	return func(r *ApplicationRepository) { r.metric = metric }
}

// WithDeploymentLog enables the audit trail. Appends are best-effort.
func WithDeploymentLog(log domain.DeploymentLog) Option {
	return func(r *ApplicationRepository) { r.deployments = log }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *ApplicationRepository) { r.tracer = tracer }
}

func NewApplicationRepository(
	tenants *tenant.Repository,
	store domain.Store,
	provisioner domain.Provisioner,
	orchestrator domain.Orchestrator,
	clock clockwork.Clock,
	cfg Config,
	opts ...Option,
) *ApplicationRepository {
	r := &ApplicationRepository{
		tenants:      tenants,
		store:        store,
		provisioner:  provisioner,
		orchestrator: orchestrator,
		clock:        clock,
		cfg:          cfg,
		metric:       nopMetric{},
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tenants exposes the tenant registry for the maintenance and HTTP layers.
func (r *ApplicationRepository) Tenants() *tenant.Repository {
	return r.tenants
}

func (r *ApplicationRepository) tenantOf(name domain.TenantName) (*tenant.Tenant, error) {
	t := r.tenants.GetTenant(name)
	if t == nil {
		return nil, fmt.Errorf("tenant %s: %w", name, domain.ErrUnknownTenant)
	}
	return t, nil
}

func (r *ApplicationRepository) newBudget(timeout time.Duration) *budget.Budget {
	if timeout == 0 {
		timeout = r.cfg.DefaultTimeout
	}
	return budget.New(r.clock, timeout)
}

// lock takes the application's activation lock within what is left of b.
// An exhausted budget fails before any blocking call.
func (r *ApplicationRepository) lock(ctx context.Context, app domain.ApplicationID, b *budget.Budget) (domain.Lock, error) {
	if err := b.Check("lockWait"); err != nil {
		return nil, fmt.Errorf("could not lock %s: %w: %w", app, domain.ErrTimeout, err)
	}

	lockCtx, cancel := b.Context(ctx)
	defer cancel()

	lock, err := r.store.Lock(lockCtx, session.LockPath(app), r.cfg.LockTTL)
	if err != nil {
		if done(lockCtx) && !done(ctx) {
			return nil, fmt.Errorf("could not lock %s within %s: %w: %w", app, b.Timeout(), domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("could not lock %s: %w", app, err)
	}
	b.Mark("lock")
	return lock, nil
}

// done reports whether ctx is finished without calling Err on a live
// context.
func done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func release(ctx context.Context, lock domain.Lock) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		slog.WarnContext(ctx, "Failed to release application lock", "lock", lock.Path(), "error", err)
	}
}

// activeLocal is this replica's copy of the application's active session,
// or nil.
func (r *ApplicationRepository) activeLocal(ctx context.Context, t *tenant.Tenant, app domain.ApplicationID) (*session.LocalSession, *session.ActivePointer, error) {
	p, err := t.RemoteSessions().ActiveOf(ctx, app)
	if err != nil || p == nil {
		return nil, nil, err
	}
	return t.LocalSessions().Get(p.SessionID), p, nil
}

func (r *ApplicationRepository) startSpan(ctx context.Context, name string, app domain.ApplicationID) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("configserver.tenant", string(app.Tenant)),
		attribute.String("configserver.application", app.FullString()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (r *ApplicationRepository) record(ctx context.Context, rec domain.DeploymentRecord) {
	if r.deployments == nil {
		return
	}
	if err := r.deployments.Record(ctx, rec); err != nil {
		slog.WarnContext(ctx, "Failed to append deployment log", "application", rec.Application.String(), "action", rec.Action, "error", err)
	}
}

// metricContext labels deployment metrics.
func (r *ApplicationRepository) metricContext(app domain.ApplicationID) domain.MetricContext {
	return domain.MetricContext{
		domain.MetricLabelApplicationID: app.FullString(),
		domain.MetricLabelTenantName:    string(app.Tenant),
		domain.MetricLabelApp:           app.Application + "." + app.Instance,
		domain.MetricLabelZone:          r.cfg.Zone,
	}
}

type nopMetric struct{}

func (nopMetric) Set(string, float64, domain.MetricContext) {}
