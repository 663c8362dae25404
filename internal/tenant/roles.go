package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pscheid92/configserver/internal/coordination"
	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/session"
)

// RolesStore keeps the identity roles of a tenant's applications under
// /tenants/<tenant>/roles/<application>.
type RolesStore struct {
	store  domain.Store
	tenant domain.TenantName
}

func NewRolesStore(store domain.Store, tenant domain.TenantName) *RolesStore {
	return &RolesStore{store: store, tenant: tenant}
}

func (s *RolesStore) path(app domain.ApplicationID) string {
	return coordination.Join(session.TenantPath(s.tenant), "roles", app.SerializedForm())
}

// SetOp returns the write as a commit op, so it can be part of an activation.
func (s *RolesStore) SetOp(app domain.ApplicationID, roles domain.ApplicationRoles) (domain.Op, error) {
	data, err := json.Marshal(roles)
	if err != nil {
		return domain.Op{}, err
	}
	return domain.SetOp(s.path(app), data), nil
}

func (s *RolesStore) Write(ctx context.Context, app domain.ApplicationID, roles domain.ApplicationRoles) error {
	op, err := s.SetOp(app, roles)
	if err != nil {
		return err
	}
	if err := s.store.Commit(ctx, op); err != nil {
		return fmt.Errorf("failed to write roles of %s: %w", app, err)
	}
	return nil
}

// Read returns nil when the application has no roles.
func (s *RolesStore) Read(ctx context.Context, app domain.ApplicationID) (*domain.ApplicationRoles, error) {
	data, err := s.store.Get(ctx, s.path(app))
	if errors.Is(err, domain.ErrNodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read roles of %s: %w", app, err)
	}
	var roles domain.ApplicationRoles
	if err := json.Unmarshal(data, &roles); err != nil {
		return nil, fmt.Errorf("corrupt roles of %s: %w", app, err)
	}
	return &roles, nil
}

func (s *RolesStore) Delete(ctx context.Context, app domain.ApplicationID) error {
	if err := s.store.Delete(ctx, s.path(app)); err != nil {
		return fmt.Errorf("failed to delete roles of %s: %w", app, err)
	}
	return nil
}
