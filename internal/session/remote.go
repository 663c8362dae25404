package session

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/coordination"
	"github.com/pscheid92/configserver/internal/domain"
)

// firstSessionID is the first id handed out per tenant; lower ids are reserved.
const firstSessionID = 2

// RemoteSession is the cluster-wide record of a session.
type RemoteSession struct {
	ID          domain.SessionID      `json:"sessionId"`
	Application domain.ApplicationID  `json:"applicationId"`
	Generation  domain.Generation     `json:"generation,omitempty"`
	Status      domain.SessionStatus  `json:"status"`
	Created     time.Time             `json:"createTime"`
	Hosts       domain.AllocatedHosts `json:"allocatedHosts"`
	// Model is the prepared services model. Every replica diffs against it,
	// whichever replica created the session.
	Model *Model `json:"model,omitempty"`
	// FileReferences are the shared file references the package uses.
	FileReferences []string `json:"fileReferences,omitempty"`
}

// ActivePointer is an application's reference to its active session.
type ActivePointer struct {
	SessionID  domain.SessionID  `json:"sessionId"`
	Generation domain.Generation `json:"generation"`
}

// TenantPath is the coordination-store root of a tenant.
func TenantPath(tenant domain.TenantName) string {
	return coordination.Join("/tenants", string(tenant))
}

func SessionsPath(tenant domain.TenantName) string {
	return coordination.Join(TenantPath(tenant), "sessions")
}

func ApplicationsPath(tenant domain.TenantName) string {
	return coordination.Join(TenantPath(tenant), "applications")
}

// CountersPath holds a tenant's session counter and generation counters. It
// lives outside TenantPath so deleting a tenant keeps its counters.
func CountersPath(tenant domain.TenantName) string {
	return coordination.Join("/counters", string(tenant))
}

// LockPath is the per-application activation lock.
func LockPath(app domain.ApplicationID) string {
	return coordination.Join("/locks", app.SerializedForm())
}

// RemoteSessionRepo reads and writes one tenant's sessions, active pointers
// and generation counters in the coordination store.
type RemoteSessionRepo struct {
	store  domain.Store
	tenant domain.TenantName
	clock  clockwork.Clock
}

func NewRemoteSessionRepo(store domain.Store, tenant domain.TenantName, clock clockwork.Clock) *RemoteSessionRepo {
	return &RemoteSessionRepo{store: store, tenant: tenant, clock: clock}
}

func (r *RemoteSessionRepo) counterPath() string {
	return coordination.Join(CountersPath(r.tenant), "sessions")
}

func (r *RemoteSessionRepo) sessionPath(id domain.SessionID) string {
	return coordination.Join(SessionsPath(r.tenant), id.String())
}

func (r *RemoteSessionRepo) pointerPath(app domain.ApplicationID) string {
	return coordination.Join(ApplicationsPath(r.tenant), app.SerializedForm())
}

func (r *RemoteSessionRepo) generationPath(app domain.ApplicationID) string {
	return coordination.Join(CountersPath(r.tenant), "generations", app.SerializedForm())
}

// InitCounter seeds the session counter so the first allocated id is
// firstSessionID. It leaves an existing counter alone.
func (r *RemoteSessionRepo) InitCounter(ctx context.Context) error {
	seed := []byte(strconv.Itoa(firstSessionID - 1))
	if _, err := r.store.Create(ctx, r.counterPath(), seed); err != nil {
		return fmt.Errorf("failed to initialise session counter for %s: %w", r.tenant, err)
	}
	return nil
}

func (r *RemoteSessionRepo) NextSessionID(ctx context.Context) (domain.SessionID, error) {
	n, err := r.store.Increment(ctx, r.counterPath())
	if err != nil {
		return 0, fmt.Errorf("failed to allocate session id: %w", err)
	}
	return domain.SessionID(n), nil
}

func (r *RemoteSessionRepo) Create(ctx context.Context, s *RemoteSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	created, err := r.store.Create(ctx, r.sessionPath(s.ID), data)
	if err != nil {
		return fmt.Errorf("failed to write remote session %d: %w", s.ID, err)
	}
	if !created {
		return fmt.Errorf("remote session %d: %w", s.ID, domain.ErrNodeExists)
	}
	return nil
}

// Get returns nil when the session does not exist.
func (r *RemoteSessionRepo) Get(ctx context.Context, id domain.SessionID) (*RemoteSession, error) {
	s, _, err := r.get(ctx, id)
	return s, err
}

func (r *RemoteSessionRepo) get(ctx context.Context, id domain.SessionID) (*RemoteSession, []byte, error) {
	data, err := r.store.Get(ctx, r.sessionPath(id))
	if errors.Is(err, domain.ErrNodeNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read remote session %d: %w", id, err)
	}
	var s RemoteSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, nil, fmt.Errorf("corrupt remote session %d: %w", id, err)
	}
	return &s, data, nil
}

// Sessions lists the tenant's remote sessions ordered by id.
func (r *RemoteSessionRepo) Sessions(ctx context.Context) ([]*RemoteSession, error) {
	names, err := r.store.Children(ctx, SessionsPath(r.tenant))
	if err != nil {
		return nil, fmt.Errorf("failed to list remote sessions: %w", err)
	}

	sessions := make([]*RemoteSession, 0, len(names))
	for _, name := range names {
		id, err := domain.ParseSessionID(name)
		if err != nil {
			slog.WarnContext(ctx, "Ignoring malformed session node", "tenant", r.tenant, "node", name)
			continue
		}
		s, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	slices.SortFunc(sessions, func(a, b *RemoteSession) int { return cmp.Compare(a.ID, b.ID) })
	return sessions, nil
}

func (r *RemoteSessionRepo) SessionsOf(ctx context.Context, app domain.ApplicationID) ([]*RemoteSession, error) {
	all, err := r.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(s *RemoteSession) bool { return s.Application != app }), nil
}

// SetStatus rewrites the status of a session.
func (r *RemoteSessionRepo) SetStatus(ctx context.Context, id domain.SessionID, status domain.SessionStatus) error {
	if err := r.update(ctx, id, func(s *RemoteSession) { s.Status = status }); err != nil {
		return fmt.Errorf("failed to set remote session %d to %s: %w", id, status, err)
	}
	return nil
}

// MarkPrepared moves a session to PREPARED and stores the model it was
// prepared with.
func (r *RemoteSessionRepo) MarkPrepared(ctx context.Context, id domain.SessionID, model *Model) error {
	err := r.update(ctx, id, func(s *RemoteSession) {
		s.Status = domain.StatusPrepared
		s.Model = model
	})
	if err != nil {
		return fmt.Errorf("failed to prepare remote session %d: %w", id, err)
	}
	return nil
}

// update applies fn to the stored session. The write is conditional on the
// node not having changed since it was read.
func (r *RemoteSessionRepo) update(ctx context.Context, id domain.SessionID, fn func(*RemoteSession)) error {
	s, old, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("remote session %d: %w", id, domain.ErrUnknownSession)
	}
	fn(s)
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	path := r.sessionPath(id)
	return r.store.Commit(ctx, domain.CheckOp(path, old), domain.SetOp(path, data))
}

func (r *RemoteSessionRepo) Delete(ctx context.Context, id domain.SessionID) error {
	if err := r.store.Delete(ctx, r.sessionPath(id)); err != nil {
		return fmt.Errorf("failed to delete remote session %d: %w", id, err)
	}
	return nil
}

// ActiveOf returns the application's active pointer, or nil when the
// application has no active session.
func (r *RemoteSessionRepo) ActiveOf(ctx context.Context, app domain.ApplicationID) (*ActivePointer, error) {
	data, err := r.store.Get(ctx, r.pointerPath(app))
	if errors.Is(err, domain.ErrNodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active session of %s: %w", app, err)
	}
	var p ActivePointer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("corrupt active pointer of %s: %w", app, err)
	}
	return &p, nil
}

// ActiveModel returns the model of the application's active session. It is
// nil when the application has no active session or that session is gone.
func (r *RemoteSessionRepo) ActiveModel(ctx context.Context, app domain.ApplicationID) (*Model, error) {
	p, err := r.ActiveOf(ctx, app)
	if err != nil || p == nil {
		return nil, err
	}
	s, err := r.Get(ctx, p.SessionID)
	if err != nil || s == nil {
		return nil, err
	}
	return s.Model, nil
}

func (r *RemoteSessionRepo) ActiveSessionOf(ctx context.Context, app domain.ApplicationID) (domain.SessionID, bool, error) {
	p, err := r.ActiveOf(ctx, app)
	if err != nil || p == nil {
		return 0, false, err
	}
	return p.SessionID, true, nil
}

// Applications lists the applications that have an active pointer.
func (r *RemoteSessionRepo) Applications(ctx context.Context) ([]domain.ApplicationID, error) {
	names, err := r.store.Children(ctx, ApplicationsPath(r.tenant))
	if err != nil {
		return nil, fmt.Errorf("failed to list applications of %s: %w", r.tenant, err)
	}
	apps := make([]domain.ApplicationID, 0, len(names))
	for _, name := range names {
		app, err := domain.ParseApplicationID(name)
		if err != nil {
			slog.WarnContext(ctx, "Ignoring malformed application node", "tenant", r.tenant, "node", name, "error", err)
			continue
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// NextGeneration is one above both the active generation and the persisted
// counter, so generations never repeat even after the application was
// deleted and redeployed.
func (r *RemoteSessionRepo) NextGeneration(ctx context.Context, app domain.ApplicationID) (domain.Generation, error) {
	var last domain.Generation

	data, err := r.store.Get(ctx, r.generationPath(app))
	switch {
	case errors.Is(err, domain.ErrNodeNotFound):
	case err != nil:
		return 0, fmt.Errorf("failed to read generation counter of %s: %w", app, err)
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt generation counter of %s: %w", app, err)
		}
		last = domain.Generation(n)
	}

	active, err := r.ActiveOf(ctx, app)
	if err != nil {
		return 0, err
	}
	if active != nil && active.Generation > last {
		last = active.Generation
	}
	return last + 1, nil
}

// Publish makes s the active session of its application at generation in
// one atomic commit: s becomes ACTIVATED, the previously active session
// DEACTIVATED, and the pointer and generation counter move. The commit fails
// with domain.ErrCheckFailed if lock is no longer held.
func (r *RemoteSessionRepo) Publish(ctx context.Context, s *RemoteSession, generation domain.Generation, lock domain.Lock, extra ...domain.Op) error {
	ops := []domain.Op{domain.LockCheckOp(lock)}

	prev, err := r.ActiveOf(ctx, s.Application)
	if err != nil {
		return err
	}
	if prev != nil && prev.SessionID != s.ID {
		old, err := r.Get(ctx, prev.SessionID)
		if err != nil {
			return err
		}
		if old != nil {
			old.Status = domain.StatusDeactivated
			data, err := json.Marshal(old)
			if err != nil {
				return err
			}
			ops = append(ops, domain.SetOp(r.sessionPath(old.ID), data))
		}
	}

	activated := *s
	activated.Status = domain.StatusActivated
	activated.Generation = generation
	sessionData, err := json.Marshal(&activated)
	if err != nil {
		return err
	}
	pointerData, err := json.Marshal(ActivePointer{SessionID: s.ID, Generation: generation})
	if err != nil {
		return err
	}

	ops = append(ops,
		domain.SetOp(r.sessionPath(s.ID), sessionData),
		domain.SetOp(r.pointerPath(s.Application), pointerData),
		domain.SetOp(r.generationPath(s.Application), []byte(strconv.FormatInt(int64(generation), 10))),
	)
	ops = append(ops, extra...)

	if err := r.store.Commit(ctx, ops...); err != nil {
		return fmt.Errorf("failed to activate session %d of %s: %w", s.ID, s.Application, err)
	}
	*s = activated
	return nil
}

// DeletePointer removes the application's active pointer. The generation
// counter stays.
func (r *RemoteSessionRepo) DeletePointer(ctx context.Context, app domain.ApplicationID) error {
	if err := r.store.Delete(ctx, r.pointerPath(app)); err != nil {
		return fmt.Errorf("failed to delete active pointer of %s: %w", app, err)
	}
	return nil
}

// DeleteExpired removes sessions that no application points at and that are
// older than maxAge. It returns how many were deleted.
func (r *RemoteSessionRepo) DeleteExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	sessions, err := r.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	apps, err := r.Applications(ctx)
	if err != nil {
		return 0, err
	}

	active := make(map[domain.SessionID]bool, len(apps))
	for _, app := range apps {
		p, err := r.ActiveOf(ctx, app)
		if err != nil {
			return 0, err
		}
		if p != nil {
			active[p.SessionID] = true
		}
	}

	deleted := 0
	for _, s := range sessions {
		if active[s.ID] || r.clock.Since(s.Created) <= maxAge {
			continue
		}
		if err := r.Delete(ctx, s.ID); err != nil {
			return deleted, err
		}
		slog.InfoContext(ctx, "Deleted expired remote session", "tenant", r.tenant, "session_id", s.ID, "application", s.Application.String())
		deleted++
	}
	return deleted, nil
}
