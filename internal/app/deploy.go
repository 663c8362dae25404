package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/platform/budget"
	"github.com/pscheid92/configserver/internal/platform/correlation"
	"github.com/pscheid92/configserver/internal/session"
	"github.com/pscheid92/configserver/internal/tenant"
	"go.opentelemetry.io/otel/attribute"
)

// PrepareParams describe one deployment.
type PrepareParams struct {
	Application            domain.ApplicationID
	DeployedBy             string
	Roles                  *domain.ApplicationRoles
	IgnoreValidationErrors bool
	// IgnoreStaleSession activates a clone even if another session was
	// activated after it was taken.
	IgnoreStaleSession bool
	// Timeout bounds the whole operation; zero means Config.DefaultTimeout.
	Timeout time.Duration
}

type PrepareOptions struct {
	IgnoreValidationErrors bool
	Timeout                time.Duration
}

type ActivateOptions struct {
	IgnoreStaleSession bool
	Timeout            time.Duration
}

// Deploy creates a session from the package at packageDir, prepares it
// against the active session and activates it.
func (r *ApplicationRepository) Deploy(ctx context.Context, packageDir string, params PrepareParams) (_ *session.PrepareResult, err error) {
	app := params.Application
	ctx = correlation.WithApplication(correlation.Ensure(ctx), app.String())
	ctx, span := r.startSpan(ctx, "app.Deploy", app)
	defer func() { endSpan(span, err) }()

	b := r.newBudget(params.Timeout)
	t, err := r.tenantOf(app.Tenant)
	if err != nil {
		return nil, err
	}

	start := r.clock.Now()
	s, err := r.createSession(ctx, t, packageDir, params)
	if err != nil {
		return nil, err
	}
	b.Mark("createSession")

	active, err := t.RemoteSessions().ActiveModel(ctx, app)
	if err != nil {
		return nil, err
	}
	result, err := t.LocalSessions().Prepare(ctx, s, active, session.PrepareOptions{IgnoreValidationErrors: params.IgnoreValidationErrors})
	if err != nil {
		return nil, err
	}
	b.Mark("prepare")
	prepared := r.clock.Now()

	generation, err := r.activate(ctx, t, s, b, params.IgnoreStaleSession)
	if err != nil {
		return nil, err
	}
	result.Generation = generation

	mc := r.metricContext(app)
	r.metric.Set(domain.MetricPrepareMillis, float64(prepared.Sub(start).Milliseconds()), mc)
	r.metric.Set(domain.MetricActivateMillis, float64(r.clock.Since(prepared).Milliseconds()), mc)

	span.SetAttributes(attribute.Int64("configserver.generation", int64(generation)))
	slog.InfoContext(ctx, "Deployed application", "application", app.String(), "session_id", s.ID(), "generation", generation, "timing", b.Status())
	return result, nil
}

// CreateSession uploads a package into a new NEW session without preparing it.
func (r *ApplicationRepository) CreateSession(ctx context.Context, packageDir string, params PrepareParams) (_ domain.SessionID, err error) {
	ctx = correlation.WithApplication(correlation.Ensure(ctx), params.Application.String())
	ctx, span := r.startSpan(ctx, "app.CreateSession", params.Application)
	defer func() { endSpan(span, err) }()

	t, err := r.tenantOf(params.Application.Tenant)
	if err != nil {
		return 0, err
	}
	s, err := r.createSession(ctx, t, packageDir, params)
	if err != nil {
		return 0, err
	}
	return s.ID(), nil
}

func (r *ApplicationRepository) createSession(ctx context.Context, t *tenant.Tenant, packageDir string, params PrepareParams) (*session.LocalSession, error) {
	if err := params.Application.Validate(); err != nil {
		return nil, fmt.Errorf("cannot deploy: %w", err)
	}
	return t.LocalSessions().Create(ctx, packageDir, session.CreateParams{
		Application:            params.Application,
		DeployedBy:             params.DeployedBy,
		Roles:                  params.Roles,
		IgnoreValidationErrors: params.IgnoreValidationErrors,
	})
}

// Prepare validates a NEW session and computes its config change actions
// relative to the application's active session.
func (r *ApplicationRepository) Prepare(ctx context.Context, tenantName domain.TenantName, id domain.SessionID, opts PrepareOptions) (_ *session.PrepareResult, err error) {
	t, s, err := r.localSession(tenantName, id)
	if err != nil {
		return nil, err
	}
	app := s.Application()
	ctx = correlation.WithApplication(correlation.Ensure(ctx), app.String())
	ctx, span := r.startSpan(ctx, "app.Prepare", app)
	defer func() { endSpan(span, err) }()

	b := r.newBudget(opts.Timeout)
	if err := b.Check("start"); err != nil {
		return nil, fmt.Errorf("prepare session %d: %w: %w", id, domain.ErrTimeout, err)
	}

	active, err := t.RemoteSessions().ActiveModel(ctx, app)
	if err != nil {
		return nil, err
	}
	return t.LocalSessions().Prepare(ctx, s, active, session.PrepareOptions{IgnoreValidationErrors: opts.IgnoreValidationErrors})
}

// Activate makes a PREPARED session the active session of its application
// and returns the generation it was activated at.
func (r *ApplicationRepository) Activate(ctx context.Context, tenantName domain.TenantName, id domain.SessionID, opts ActivateOptions) (domain.Generation, error) {
	t, s, err := r.localSession(tenantName, id)
	if err != nil {
		return 0, err
	}
	ctx = correlation.WithApplication(correlation.Ensure(ctx), s.Application().String())
	return r.activate(ctx, t, s, r.newBudget(opts.Timeout), opts.IgnoreStaleSession)
}

func (r *ApplicationRepository) localSession(tenantName domain.TenantName, id domain.SessionID) (*tenant.Tenant, *session.LocalSession, error) {
	t, err := r.tenantOf(tenantName)
	if err != nil {
		return nil, nil, err
	}
	s := t.LocalSessions().Get(id)
	if s == nil {
		return nil, nil, fmt.Errorf("session %d of tenant %s: %w", id, tenantName, domain.ErrUnknownSession)
	}
	return t, s, nil
}

// activate runs under the application lock. Nothing the lock guards is
// written before the provisioner succeeded; the switch itself is a single
// fenced commit.
func (r *ApplicationRepository) activate(ctx context.Context, t *tenant.Tenant, s *session.LocalSession, b *budget.Budget, ignoreStale bool) (_ domain.Generation, err error) {
	app := s.Application()
	ctx, span := r.startSpan(ctx, "app.Activate", app)
	defer func() { endSpan(span, err) }()

	remote := t.RemoteSessions()

	lock, err := r.lock(ctx, app, b)
	if err != nil {
		return 0, err
	}
	defer release(ctx, lock)

	rs, err := remote.Get(ctx, s.ID())
	if err != nil {
		return 0, err
	}
	if rs == nil {
		return 0, fmt.Errorf("session %d: %w", s.ID(), domain.ErrUnknownSession)
	}
	if rs.Status != domain.StatusPrepared {
		return 0, fmt.Errorf("session %d is %s, expected %s: %w", s.ID(), rs.Status, domain.StatusPrepared, domain.ErrInvalidSessionState)
	}
	model := s.Model()
	if model == nil {
		return 0, fmt.Errorf("session %d has no model: %w", s.ID(), domain.ErrInvalidSessionState)
	}

	active, err := remote.ActiveOf(ctx, app)
	if err != nil {
		return 0, err
	}
	if base, ok := s.PreviousActiveGeneration(); ok && !ignoreStale {
		if active == nil || active.Generation != base {
			return 0, fmt.Errorf("session %d of %s was based on generation %d, which is no longer active: %w",
				s.ID(), app, base, domain.ErrActivationConflict)
		}
	}

	if err := remote.SetStatus(ctx, s.ID(), domain.StatusActivate); err != nil {
		return 0, err
	}
	rs.Status = domain.StatusActivate
	revert := func(cause error) error {
		if err := remote.SetStatus(context.WithoutCancel(ctx), s.ID(), domain.StatusPrepared); err != nil {
			slog.ErrorContext(ctx, "Failed to revert session after failed activation", "session_id", s.ID(), "error", err)
			return errors.Join(cause, err)
		}
		return cause
	}

	generation, err := remote.NextGeneration(ctx, app)
	if err != nil {
		return 0, revert(err)
	}

	provisionCtx, cancel := b.Context(ctx)
	hosts, err := r.provisioner.Provision(provisionCtx, app, generation, model.ClusterSpecs())
	cancel()
	if err != nil {
		return 0, revert(fmt.Errorf("%w for %s: %w", domain.ErrProvisionFailed, app, err))
	}
	b.Mark("provision")
	rs.Hosts = hosts

	if err := lock.Refresh(ctx, r.cfg.LockTTL); err != nil {
		return 0, revert(lostLock(app, b, err))
	}

	var extra []domain.Op
	if roles := s.Roles(); roles != nil {
		op, err := t.Roles().SetOp(app, *roles)
		if err != nil {
			return 0, revert(err)
		}
		extra = append(extra, op)
	}
	if err := remote.Publish(ctx, rs, generation, lock, extra...); err != nil {
		if errors.Is(err, domain.ErrCheckFailed) {
			err = lostLock(app, b, err)
		}
		return 0, revert(err)
	}
	b.Mark("commit")

	// Past the commit the activation stands; what follows only informs.
	if err := t.LocalSessions().RecordActivation(s, generation, hosts); err != nil {
		slog.WarnContext(ctx, "Failed to record activation locally", "session_id", s.ID(), "error", err)
	}
	r.record(ctx, domain.DeploymentRecord{
		Application: app,
		SessionID:   s.ID(),
		Generation:  generation,
		Action:      domain.DeploymentActionActivate,
		DeployedBy:  s.DeployedBy(),
		At:          r.clock.Now(),
	})

	var previous domain.SessionID
	if active != nil {
		previous = active.SessionID
	}
	slog.InfoContext(ctx, "Activated session", "application", app.String(), "session_id", s.ID(),
		"generation", generation, "previous_session_id", previous, "hosts", len(hosts.Hosts))
	return generation, nil
}

// lostLock reports an activation whose lock expired before the commit. The
// caller ran out of lock time, so it surfaces as a timeout.
func lostLock(app domain.ApplicationID, b *budget.Budget, err error) error {
	return fmt.Errorf("lock on %s expired before activation (%s): %w: %w", app, b.Status(), domain.ErrTimeout, err)
}

// CreateSessionFromExisting clones the application's active session into a
// new NEW session based on the active generation. It does not activate.
func (r *ApplicationRepository) CreateSessionFromExisting(ctx context.Context, app domain.ApplicationID, logger *slog.Logger, internalRedeploy bool, b *budget.Budget) (_ domain.SessionID, err error) {
	ctx = correlation.WithApplication(correlation.Ensure(ctx), app.String())
	ctx, span := r.startSpan(ctx, "app.CreateSessionFromExisting", app)
	defer func() { endSpan(span, err) }()

	if logger == nil {
		logger = slog.Default()
	}
	if err := b.Check("createSessionFromExisting"); err != nil {
		return 0, fmt.Errorf("clone %s: %w: %w", app, domain.ErrTimeout, err)
	}

	t, err := r.tenantOf(app.Tenant)
	if err != nil {
		return 0, err
	}
	src, ptr, err := r.activeLocal(ctx, t, app)
	if err != nil {
		return 0, err
	}
	if ptr == nil {
		return 0, fmt.Errorf("%s has no active session: %w", app, domain.ErrUnknownApplication)
	}
	if src == nil {
		return 0, fmt.Errorf("active session %d of %s is not on this server: %w", ptr.SessionID, app, domain.ErrUnknownSession)
	}

	base := ptr.Generation
	clone, err := t.LocalSessions().Create(ctx, src.AppDir(), session.CreateParams{
		Application:              app,
		DeployedBy:               src.DeployedBy(),
		Roles:                    src.Roles(),
		InternalRedeploy:         internalRedeploy,
		PreviousActiveGeneration: &base,
	})
	if err != nil {
		return 0, err
	}

	logger.InfoContext(ctx, "Created session from existing", "application", app.String(),
		"source_session_id", src.ID(), "session_id", clone.ID(), "base_generation", base, "internal_redeploy", internalRedeploy)
	return clone.ID(), nil
}
