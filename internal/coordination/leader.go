package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
)

// LeaderPath is the lock node replicas race for before running cluster-wide
// maintenance.
const LeaderPath = "/locks/maintenance-leader"

// LeaderElector implements single-leader election on top of a store lock.
// The leader holds the lock with a TTL and renews it; if the leader dies the
// lock expires and another replica takes over.
type LeaderElector struct {
	store domain.Store
	path  string
	ttl   time.Duration

	mu   sync.Mutex
	held domain.Lock
}

func NewLeaderElector(store domain.Store, path string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		store: store,
		path:  path,
		ttl:   ttl,
	}
}

// TryAcquire attempts to become the leader. It returns true if this replica
// holds leadership afterwards, including when it already held it.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held != nil {
		return true, nil
	}

	lock, ok, err := l.store.TryLock(ctx, l.path, l.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	if ok {
		l.held = lock
	}
	return ok, nil
}

// Renew extends the lease. Callers renew every ttl/2 while leading. Losing
// the lease drops leadership and returns domain.ErrLockLost.
func (l *LeaderElector) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held == nil {
		return fmt.Errorf("renew leader lock: %w", domain.ErrLockLost)
	}
	if err := l.held.Refresh(ctx, l.ttl); err != nil {
		if errors.Is(err, domain.ErrLockLost) {
			l.held = nil
		}
		return fmt.Errorf("failed to renew leader lock: %w", err)
	}
	return nil
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held != nil
}

// Release voluntarily gives up leadership. Called on graceful shutdown.
func (l *LeaderElector) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held == nil {
		return nil
	}
	err := l.held.Release(ctx)
	l.held = nil
	if err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}
