package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/platform/budget"
	"github.com/pscheid92/configserver/internal/platform/correlation"
)

// Delete removes an application within Config.DefaultTimeout.
func (r *ApplicationRepository) Delete(ctx context.Context, app domain.ApplicationID) (bool, error) {
	return r.DeleteWithTimeout(ctx, app, r.cfg.DefaultTimeout)
}

// DeleteWithTimeout removes an application: its sessions everywhere, its
// hosts, its roles and finally its active pointer. It returns false if the
// application had no active session. A delete that could not take the lock
// returns a *domain.DeleteIncompleteError and resumes where it stopped when
// retried. The generation counter survives the delete.
func (r *ApplicationRepository) DeleteWithTimeout(ctx context.Context, app domain.ApplicationID, timeout time.Duration) (_ bool, err error) {
	ctx = correlation.WithApplication(correlation.Ensure(ctx), app.String())
	ctx, span := r.startSpan(ctx, "app.Delete", app)
	defer func() { endSpan(span, err) }()

	b := budget.New(r.clock, timeout)

	t := r.tenants.GetTenant(app.Tenant)
	if t == nil {
		return false, nil
	}
	remote := t.RemoteSessions()

	ptr, err := remote.ActiveOf(ctx, app)
	if err != nil {
		return false, err
	}
	if ptr == nil {
		return false, nil
	}

	if err := remote.Delete(ctx, ptr.SessionID); err != nil {
		return false, err
	}
	b.Mark("deleteActiveSession")

	lock, err := r.lock(ctx, app, b)
	if err != nil {
		return false, &domain.DeleteIncompleteError{
			Application: app,
			Waited:      b.Timeout(),
			SessionID:   ptr.SessionID,
			Cause:       err,
		}
	}
	defer release(ctx, lock)

	ptr, err = remote.ActiveOf(ctx, app)
	if err != nil {
		return false, err
	}
	if ptr == nil {
		return false, nil
	}

	sessions, err := remote.SessionsOf(ctx, app)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if err := remote.Delete(ctx, s.ID); err != nil {
			return false, err
		}
	}
	for _, s := range t.LocalSessions().SessionsOf(app) {
		if err := t.LocalSessions().Delete(ctx, s.ID()); err != nil {
			slog.WarnContext(ctx, "Failed to delete local session", "session_id", s.ID(), "error", err)
		}
	}

	if err := r.provisioner.Deprovision(ctx, app); err != nil {
		return false, fmt.Errorf("failed to deprovision %s: %w", app, err)
	}
	if err := t.Roles().Delete(ctx, app); err != nil {
		return false, err
	}
	if err := remote.DeletePointer(ctx, app); err != nil {
		return false, err
	}
	b.Mark("delete")

	r.record(ctx, domain.DeploymentRecord{
		Application: app,
		SessionID:   ptr.SessionID,
		Generation:  ptr.Generation,
		Action:      domain.DeploymentActionDelete,
		At:          r.clock.Now(),
	})
	slog.InfoContext(ctx, "Deleted application", "application", app.String(), "session_id", ptr.SessionID, "timing", b.Status())
	return true, nil
}
