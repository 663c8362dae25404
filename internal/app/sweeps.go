package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/session"
	"github.com/pscheid92/configserver/internal/tenant"
	"go.uber.org/multierr"
)

// DeleteExpiredLocalSessions removes this server's sessions that outlived
// the session lifetime and are not the active session of their application.
func (r *ApplicationRepository) DeleteExpiredLocalSessions(ctx context.Context) (int, error) {
	var errs error
	deleted := 0
	for _, t := range r.tenants.Tenants() {
		active, err := activeSessions(ctx, t)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n, err := t.LocalSessions().DeleteExpired(ctx, func(s *session.LocalSession) bool {
			return active[s.ID()]
		})
		deleted += n
		errs = multierr.Append(errs, err)
	}
	return deleted, errs
}

// DeleteExpiredRemoteSessions removes sessions of every tenant that are
// older than maxAge and not active.
func (r *ApplicationRepository) DeleteExpiredRemoteSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	var errs error
	deleted := 0
	for _, t := range r.tenants.Tenants() {
		n, err := t.RemoteSessions().DeleteExpired(ctx, maxAge)
		deleted += n
		errs = multierr.Append(errs, err)
	}
	return deleted, errs
}

// DeleteUnusedTenants deletes tenants without applications that were created
// at least ttl before now. The built-in tenants are never deleted.
func (r *ApplicationRepository) DeleteUnusedTenants(ctx context.Context, ttl time.Duration, now time.Time) ([]domain.TenantName, error) {
	var errs error
	var deleted []domain.TenantName
	for _, t := range r.tenants.Tenants() {
		if t.Name() == domain.SystemTenant || t.Name() == domain.DefaultTenant {
			continue
		}
		if now.Sub(t.Created()) < ttl {
			continue
		}
		apps, err := t.RemoteSessions().Applications(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if len(apps) > 0 {
			continue
		}
		if err := r.tenants.DeleteTenant(ctx, t.Name()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		slog.InfoContext(ctx, "Deleted unused tenant", "tenant", t.Name(), "created", t.Created())
		deleted = append(deleted, t.Name())
	}
	return deleted, errs
}

// DeleteUnusedFileReferences removes file references under dir that were not
// touched for ttl and that no session of any replica refers to. It returns
// the names of the deleted references.
func (r *ApplicationRepository) DeleteUnusedFileReferences(ctx context.Context, dir string, ttl time.Duration) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list file references: %w", err)
	}

	inUse, err := r.referencedFiles(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := r.clock.Now().Add(-ttl)
	var errs error
	var deleted []string
	for _, e := range entries {
		if inUse[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		deleted = append(deleted, e.Name())
	}

	slices.Sort(deleted)
	if len(deleted) > 0 {
		slog.InfoContext(ctx, "Deleted unused file references", "count", len(deleted), "references", deleted)
	}
	return deleted, errs
}

// referencedFiles collects the file references of every session in the
// cluster. The directory is shared, so peers' sessions count too; local
// sessions cover uploads whose remote session is not written yet.
func (r *ApplicationRepository) referencedFiles(ctx context.Context) (map[string]bool, error) {
	inUse := make(map[string]bool)
	for _, t := range r.tenants.Tenants() {
		for _, s := range t.LocalSessions().Sessions() {
			for _, ref := range s.FileReferences() {
				inUse[ref] = true
			}
		}
		remote, err := t.RemoteSessions().Sessions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to collect file references of %s: %w", t.Name(), err)
		}
		for _, s := range remote {
			for _, ref := range s.FileReferences {
				inUse[ref] = true
			}
		}
	}
	return inUse, nil
}

func activeSessions(ctx context.Context, t *tenant.Tenant) (map[domain.SessionID]bool, error) {
	apps, err := t.RemoteSessions().Applications(ctx)
	if err != nil {
		return nil, err
	}
	active := make(map[domain.SessionID]bool, len(apps))
	for _, app := range apps {
		id, ok, err := t.RemoteSessions().ActiveSessionOf(ctx, app)
		if err != nil {
			return nil, err
		}
		if ok {
			active[id] = true
		}
	}
	return active, nil
}
