package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/domain"
	"go.uber.org/multierr"
)

// CreateParams describe a new local session.
type CreateParams struct {
	Application            domain.ApplicationID
	DeployedBy             string
	Roles                  *domain.ApplicationRoles
	IgnoreValidationErrors bool
	// InternalRedeploy marks a clone made by the system itself; its package
	// was validated when first deployed and is not validated again.
	InternalRedeploy         bool
	PreviousActiveGeneration *domain.Generation
}

type PrepareOptions struct {
	IgnoreValidationErrors bool
}

// PrepareResult is returned by prepare and, once activated, by deploy.
type PrepareResult struct {
	SessionID  domain.SessionID           `json:"sessionId"`
	Generation domain.Generation          `json:"generation,omitempty"`
	Actions    domain.ConfigChangeActions `json:"configChangeActions"`
	Warnings   []string                   `json:"warnings,omitempty"`
}

// LocalRepoConfig wires a LocalSessionRepo.
type LocalRepoConfig struct {
	Tenant   domain.TenantName
	Dir      string // <serverDBDir>/tenants/<tenant>/sessions
	Metadata *MetadataStore
	Remote   *RemoteSessionRepo
	Files    *FileRegistry
	Clock    clockwork.Clock
	Lifetime time.Duration
}

// LocalSessionRepo indexes the sessions this replica created for one tenant.
type LocalSessionRepo struct {
	cfg LocalRepoConfig

	mu       sync.RWMutex
	sessions map[domain.SessionID]*LocalSession
}

// NewLocalSessionRepo restores the tenant's sessions from the metadata store.
// Metadata whose package directory vanished is dropped.
func NewLocalSessionRepo(cfg LocalRepoConfig) (*LocalSessionRepo, error) {
	r := &LocalSessionRepo{cfg: cfg, sessions: make(map[domain.SessionID]*LocalSession)}

	metas, err := cfg.Metadata.Load(cfg.Tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions of %s: %w", cfg.Tenant, err)
	}
	for _, meta := range metas {
		dir := r.sessionDir(meta.SessionID)
		if _, err := os.Stat(filepath.Join(dir, appDirName)); errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Dropping session whose package is gone", "tenant", cfg.Tenant, "session_id", meta.SessionID)
			if err := cfg.Metadata.Delete(cfg.Tenant, meta.SessionID); err != nil {
				return nil, err
			}
			continue
		}
		model, err := LoadModel(filepath.Join(dir, appDirName))
		if err != nil {
			slog.Debug("Restored session has an invalid package", "tenant", cfg.Tenant, "session_id", meta.SessionID, "error", err)
		}
		r.sessions[meta.SessionID] = newLocalSession(dir, meta, model)
	}
	if len(metas) > 0 {
		slog.Info("Restored local sessions", "tenant", cfg.Tenant, "count", len(r.sessions))
	}
	return r, nil
}

func (r *LocalSessionRepo) sessionDir(id domain.SessionID) string {
	return filepath.Join(r.cfg.Dir, id.String())
}

// Create copies the package at packageDir into a new NEW session and
// announces it to the cluster.
func (r *LocalSessionRepo) Create(ctx context.Context, packageDir string, params CreateParams) (_ *LocalSession, err error) {
	if params.Application.Tenant != r.cfg.Tenant {
		return nil, fmt.Errorf("application %s does not belong to tenant %s: %w", params.Application, r.cfg.Tenant, domain.ErrUnknownTenant)
	}

	id, err := r.cfg.Remote.NextSessionID(ctx)
	if err != nil {
		return nil, err
	}

	dir := r.sessionDir(id)
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
			_ = r.cfg.Metadata.Delete(r.cfg.Tenant, id)
		}
	}()

	appDir := filepath.Join(dir, appDirName)
	if err := copyTree(packageDir, appDir); err != nil {
		return nil, err
	}

	model, err := LoadModel(appDir)
	if err != nil {
		var invalid *domain.InvalidPackageError
		tolerated := errors.As(err, &invalid) && model != nil && (params.IgnoreValidationErrors || params.InternalRedeploy)
		if !tolerated {
			return nil, err
		}
		slog.WarnContext(ctx, "Ignoring package validation errors", "application", params.Application.String(), "session_id", id, "problems", invalid.Problems)
	}

	refs, err := r.cfg.Files.RegisterTree(filepath.Join(appDir, FilesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to register file references: %w", err)
	}

	meta := Metadata{
		SessionID:                id,
		Application:              params.Application,
		Created:                  r.cfg.Clock.Now(),
		Status:                   domain.StatusNew,
		PreviousActiveGeneration: params.PreviousActiveGeneration,
		DeployedBy:               params.DeployedBy,
		InternalRedeploy:         params.InternalRedeploy,
		FileReferences:           refs,
		Roles:                    params.Roles,
	}
	if err := r.cfg.Metadata.Put(r.cfg.Tenant, meta); err != nil {
		return nil, fmt.Errorf("failed to persist session %d: %w", id, err)
	}

	err = r.cfg.Remote.Create(ctx, &RemoteSession{
		ID:             id,
		Application:    params.Application,
		Status:         domain.StatusNew,
		Created:        meta.Created,
		Model:          model,
		FileReferences: refs,
	})
	if err != nil {
		return nil, err
	}

	s := newLocalSession(dir, meta, model)
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	slog.InfoContext(ctx, "Created session", "application", params.Application.String(), "session_id", id)
	return s, nil
}

// Prepare validates s, diffs it against the active model (nil on first
// deployment) and moves it to PREPARED.
func (r *LocalSessionRepo) Prepare(ctx context.Context, s *LocalSession, active *Model, opts PrepareOptions) (*PrepareResult, error) {
	if st := s.Status(); st != domain.StatusNew {
		return nil, fmt.Errorf("session %d is %s, expected %s: %w", s.ID(), st, domain.StatusNew, domain.ErrInvalidSessionState)
	}

	tolerate := opts.IgnoreValidationErrors || s.InternalRedeploy()
	var warnings []string

	model, err := LoadModel(s.AppDir())
	if err != nil {
		var invalid *domain.InvalidPackageError
		if model == nil || !tolerate || !errors.As(err, &invalid) {
			return nil, err
		}
		warnings = append(warnings, invalid.Problems...)
	}
	if !s.InternalRedeploy() {
		if err := model.ValidateReferences(); err != nil {
			var invalid *domain.InvalidPackageError
			if !tolerate || !errors.As(err, &invalid) {
				return nil, err
			}
			warnings = append(warnings, invalid.Problems...)
		}
	}

	actions := ComputeChangeActions(active, model)

	s.markPrepared(model)
	if err := r.cfg.Metadata.Put(r.cfg.Tenant, s.Metadata()); err != nil {
		return nil, fmt.Errorf("failed to persist session %d: %w", s.ID(), err)
	}
	if err := r.cfg.Remote.MarkPrepared(ctx, s.ID(), model); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Prepared session", "application", s.Application().String(), "session_id", s.ID(),
		"restarts", len(actions.Restart), "refeeds", len(actions.Refeed))
	return &PrepareResult{SessionID: s.ID(), Actions: actions, Warnings: warnings}, nil
}

// RecordActivation stores the generation s was activated at and the hosts
// the provisioner allocated for it.
func (r *LocalSessionRepo) RecordActivation(s *LocalSession, generation domain.Generation, hosts domain.AllocatedHosts) error {
	s.markActivated(generation, hosts)
	return r.cfg.Metadata.Put(r.cfg.Tenant, s.Metadata())
}

// Get returns nil for unknown ids.
func (r *LocalSessionRepo) Get(id domain.SessionID) *LocalSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Sessions returns all local sessions ordered by id.
func (r *LocalSessionRepo) Sessions() []*LocalSession {
	r.mu.RLock()
	all := make([]*LocalSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b *LocalSession) int { return cmp.Compare(a.ID(), b.ID()) })
	return all
}

func (r *LocalSessionRepo) SessionsOf(app domain.ApplicationID) []*LocalSession {
	return slices.DeleteFunc(r.Sessions(), func(s *LocalSession) bool { return s.Application() != app })
}

// Delete removes the session's files and metadata. Unknown ids are ignored.
func (r *LocalSessionRepo) Delete(ctx context.Context, id domain.SessionID) error {
	r.mu.Lock()
	_, known := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	err := multierr.Append(
		os.RemoveAll(r.sessionDir(id)),
		r.cfg.Metadata.Delete(r.cfg.Tenant, id),
	)
	if err != nil {
		return fmt.Errorf("failed to delete local session %d: %w", id, err)
	}
	if known {
		slog.DebugContext(ctx, "Deleted local session", "tenant", r.cfg.Tenant, "session_id", id)
	}
	return nil
}

// DeleteExpired removes sessions older than the configured lifetime unless
// isActive reports them as their application's active session. The remote
// copy goes with the local one.
func (r *LocalSessionRepo) DeleteExpired(ctx context.Context, isActive func(*LocalSession) bool) (int, error) {
	var errs error
	deleted := 0
	for _, s := range r.Sessions() {
		if r.cfg.Clock.Since(s.Created()) <= r.cfg.Lifetime || isActive(s) {
			continue
		}
		if err := r.cfg.Remote.Delete(ctx, s.ID()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := r.Delete(ctx, s.ID()); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		slog.InfoContext(ctx, "Deleted expired local session", "application", s.Application().String(), "session_id", s.ID())
		deleted++
	}
	return deleted, errs
}

// Destroy removes every session of the tenant from disk and the metadata
// store.
func (r *LocalSessionRepo) Destroy() error {
	r.mu.Lock()
	clear(r.sessions)
	r.mu.Unlock()

	return multierr.Append(
		os.RemoveAll(r.cfg.Dir),
		r.cfg.Metadata.DeleteTenant(r.cfg.Tenant),
	)
}
