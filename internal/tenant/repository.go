package tenant

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/platform/correlation"
	"github.com/pscheid92/configserver/internal/session"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	tenantsRoot     = "/tenants"
	loadConcurrency = 8
)

// Options wires a Repository.
type Options struct {
	Store           domain.Store
	Clock           clockwork.Clock
	Metadata        *session.MetadataStore
	Files           *session.FileRegistry
	ServerDBDir     string
	SessionLifetime time.Duration
}

// Repository is the registry of tenants known to this replica.
type Repository struct {
	opts Options

	mu      sync.RWMutex
	tenants map[domain.TenantName]*Tenant
	loading singleflight.Group
}

// NewRepository loads every tenant present in the coordination store and
// makes sure the default and system tenants exist.
func NewRepository(ctx context.Context, opts Options) (*Repository, error) {
	r := &Repository{opts: opts, tenants: make(map[domain.TenantName]*Tenant)}

	names, err := opts.Store.Children(ctx, tenantsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, name := range names {
		g.Go(func() error {
			_, err := r.materialize(gctx, domain.TenantName(name))
			if errors.Is(err, domain.ErrUnknownTenant) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, name := range []domain.TenantName{domain.DefaultTenant, domain.SystemTenant} {
		if _, err := r.AddTenant(ctx, name); err != nil {
			return nil, err
		}
	}

	slog.Info("Tenants loaded", "count", len(r.TenantNames()))
	return r, nil
}

// AddTenant creates the tenant if needed and returns it. Adding an existing
// tenant is a no-op.
func (r *Repository) AddTenant(ctx context.Context, name domain.TenantName) (*Tenant, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	if t := r.GetTenant(name); t != nil {
		return t, nil
	}

	data, err := json.Marshal(tenantNode{Created: r.opts.Clock.Now()})
	if err != nil {
		return nil, err
	}
	created, err := r.opts.Store.Create(ctx, session.TenantPath(name), data)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant %s: %w", name, err)
	}
	if err := session.NewRemoteSessionRepo(r.opts.Store, name, r.opts.Clock).InitCounter(ctx); err != nil {
		return nil, err
	}
	if created {
		slog.InfoContext(ctx, "Created tenant", "tenant", name)
	}
	return r.materialize(ctx, name)
}

// GetTenant returns nil for unknown tenants.
func (r *Repository) GetTenant(name domain.TenantName) *Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenants[name]
}

// Tenants returns all tenants ordered by name.
func (r *Repository) Tenants() []*Tenant {
	r.mu.RLock()
	all := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		all = append(all, t)
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b *Tenant) int { return cmp.Compare(a.name, b.name) })
	return all
}

func (r *Repository) TenantNames() []domain.TenantName {
	all := r.Tenants()
	names := make([]domain.TenantName, len(all))
	for i, t := range all {
		names[i] = t.name
	}
	return names
}

// DeleteTenant removes the tenant from the coordination store and drops its
// local state. The system tenant cannot be deleted.
func (r *Repository) DeleteTenant(ctx context.Context, name domain.TenantName) error {
	if name == domain.SystemTenant {
		return domain.ErrSystemTenant
	}
	if r.GetTenant(name) == nil {
		return fmt.Errorf("tenant %s: %w", name, domain.ErrUnknownTenant)
	}
	if err := r.opts.Store.Delete(ctx, session.TenantPath(name)); err != nil {
		return fmt.Errorf("failed to delete tenant %s: %w", name, err)
	}
	if err := r.drop(name); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Deleted tenant", "tenant", name)
	return nil
}

// Start follows tenant changes made by peer replicas until ctx is done.
// Events are applied by a single goroutine.
func (r *Repository) Start(ctx context.Context) error {
	events, err := r.opts.Store.Watch(ctx, tenantsRoot)
	if err != nil {
		return fmt.Errorf("failed to watch tenants: %w", err)
	}
	go func() {
		for ev := range events {
			r.apply(correlation.WithID(ctx, correlation.NewID()), ev)
		}
	}()
	return nil
}

func (r *Repository) apply(ctx context.Context, ev domain.Event) {
	rel, ok := strings.CutPrefix(ev.Path, tenantsRoot+"/")
	if !ok {
		return
	}
	parts := strings.Split(rel, "/")
	name := domain.TenantName(parts[0])

	switch {
	case len(parts) == 1 && ev.Type == domain.EventCreated:
		if r.GetTenant(name) != nil {
			return
		}
		if _, err := r.materialize(ctx, name); err != nil {
			slog.WarnContext(ctx, "Failed to load tenant created by a peer", "tenant", name, "error", err)
			return
		}
		slog.InfoContext(ctx, "Loaded tenant created by a peer", "tenant", name)

	case len(parts) == 1 && ev.Type == domain.EventDeleted:
		if r.GetTenant(name) == nil {
			return
		}
		if err := r.drop(name); err != nil {
			slog.WarnContext(ctx, "Failed to drop tenant deleted by a peer", "tenant", name, "error", err)
			return
		}
		slog.InfoContext(ctx, "Dropped tenant deleted by a peer", "tenant", name)

	case len(parts) == 3 && parts[1] == "sessions" && ev.Type == domain.EventDeleted:
		t := r.GetTenant(name)
		if t == nil {
			return
		}
		id, err := domain.ParseSessionID(parts[2])
		if err != nil || t.local.Get(id) == nil {
			return
		}
		if err := t.local.Delete(ctx, id); err != nil {
			slog.WarnContext(ctx, "Failed to delete local session after remote delete", "tenant", name, "session_id", id, "error", err)
		}
	}
}

// materialize builds the in-memory tenant for an existing tenant node.
// Concurrent calls for the same tenant share one load.
func (r *Repository) materialize(ctx context.Context, name domain.TenantName) (*Tenant, error) {
	v, err, _ := r.loading.Do(string(name), func() (any, error) {
		if t := r.GetTenant(name); t != nil {
			return t, nil
		}

		data, err := r.opts.Store.Get(ctx, session.TenantPath(name))
		if errors.Is(err, domain.ErrNodeNotFound) {
			return nil, fmt.Errorf("tenant %s: %w", name, domain.ErrUnknownTenant)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tenant %s: %w", name, err)
		}
		var node tenantNode
		if err := json.Unmarshal(data, &node); err != nil {
			return nil, fmt.Errorf("corrupt tenant node %s: %w", name, err)
		}

		remote := session.NewRemoteSessionRepo(r.opts.Store, name, r.opts.Clock)
		local, err := session.NewLocalSessionRepo(session.LocalRepoConfig{
			Tenant:   name,
			Dir:      r.sessionsDir(name),
			Metadata: r.opts.Metadata,
			Remote:   remote,
			Files:    r.opts.Files,
			Clock:    r.opts.Clock,
			Lifetime: r.opts.SessionLifetime,
		})
		if err != nil {
			return nil, err
		}

		t := &Tenant{
			name:    name,
			created: node.Created,
			local:   local,
			remote:  remote,
			roles:   NewRolesStore(r.opts.Store, name),
		}
		r.mu.Lock()
		r.tenants[name] = t
		r.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tenant), nil
}

func (r *Repository) drop(name domain.TenantName) error {
	r.mu.Lock()
	t, ok := r.tenants[name]
	delete(r.tenants, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return multierr.Append(
		t.local.Destroy(),
		removeTenantDir(r.tenantDir(name)),
	)
}

func (r *Repository) tenantDir(name domain.TenantName) string {
	return filepath.Join(r.opts.ServerDBDir, "tenants", string(name))
}

func (r *Repository) sessionsDir(name domain.TenantName) string {
	return filepath.Join(r.tenantDir(name), "sessions")
}
