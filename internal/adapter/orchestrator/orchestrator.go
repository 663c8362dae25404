// Package orchestrator keeps application suspension state in the
// coordination store.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/coordination"
	"github.com/pscheid92/configserver/internal/domain"
)

const SuspendedPath = "/orchestrator/suspended"

// Store marks an application suspended by the presence of its node.
type Store struct {
	store domain.Store
	clock clockwork.Clock
}

var _ domain.Orchestrator = (*Store)(nil)

func NewStore(store domain.Store, clock clockwork.Clock) *Store {
	return &Store{store: store, clock: clock}
}

func suspendedPath(app domain.ApplicationID) string {
	return coordination.Join(SuspendedPath, app.SerializedForm())
}

func (s *Store) IsSuspended(ctx context.Context, app domain.ApplicationID) (bool, error) {
	ok, err := s.store.Exists(ctx, suspendedPath(app))
	if err != nil {
		return false, fmt.Errorf("failed to read suspension of %s: %w", app, err)
	}
	return ok, nil
}

func (s *Store) Suspend(ctx context.Context, app domain.ApplicationID) error {
	since, err := s.clock.Now().UTC().MarshalText()
	if err != nil {
		return err
	}
	created, err := s.store.Create(ctx, suspendedPath(app), since)
	if err != nil {
		return fmt.Errorf("failed to suspend %s: %w", app, err)
	}
	if created {
		slog.InfoContext(ctx, "Suspended application", "application", app.String())
	}
	return nil
}

func (s *Store) Resume(ctx context.Context, app domain.ApplicationID) error {
	if err := s.store.Delete(ctx, suspendedPath(app)); err != nil {
		return fmt.Errorf("failed to resume %s: %w", app, err)
	}
	slog.InfoContext(ctx, "Resumed application", "application", app.String())
	return nil
}
