package hosts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/platform/retry"
)

// RetryingProvisioner retries transient provisioning failures. Capacity
// shortages and cancellations fail at once.
type RetryingProvisioner struct {
	inner  domain.Provisioner
	policy retry.Policy
}

var _ domain.Provisioner = (*RetryingProvisioner)(nil)

func NewRetryingProvisioner(inner domain.Provisioner, policy retry.Policy) *RetryingProvisioner {
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Retrying provisioner call", "attempt", attempt, "backoff", backoff, "error", err)
		}
	}
	return &RetryingProvisioner{inner: inner, policy: policy}
}

func classify(err error) retry.Action {
	switch {
	case errors.Is(err, ErrNoCapacity),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	default:
		return retry.Retry
	}
}

func (r *RetryingProvisioner) Provision(ctx context.Context, app domain.ApplicationID, generation domain.Generation, clusters []domain.ClusterSpec) (domain.AllocatedHosts, error) {
	return retry.Do(ctx, r.policy, classify, func(ctx context.Context) (domain.AllocatedHosts, error) {
		return r.inner.Provision(ctx, app, generation, clusters)
	})
}

func (r *RetryingProvisioner) Deprovision(ctx context.Context, app domain.ApplicationID) error {
	return retry.DoVoid(ctx, r.policy, classify, func(ctx context.Context) error {
		return r.inner.Deprovision(ctx, app)
	})
}
