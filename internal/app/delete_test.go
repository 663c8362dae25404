package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelete_RemovesEverything(t *testing.T) {
	env, _ := newFakeEnv(t)
	ctx := context.Background()
	_, err := env.repo.Deploy(ctx, writePackage(t, servicesV1, nil),
		PrepareParams{Application: testApp, Roles: &domain.ApplicationRoles{HostRole: "h", ContainerRole: "c"}})
	require.NoError(t, err)
	env.deploy(t, testApp, servicesV2)

	deleted, err := env.repo.Delete(ctx, testApp)
	require.NoError(t, err)
	assert.True(t, deleted)

	tn := env.tenants.GetTenant(tenant1)
	remaining, err := tn.RemoteSessions().SessionsOf(ctx, testApp)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	assert.Empty(t, tn.LocalSessions().SessionsOf(testApp))

	active, err := env.repo.GetActiveSession(ctx, testApp)
	require.NoError(t, err)
	assert.Nil(t, active)

	roles, err := tn.Roles().Read(ctx, testApp)
	require.NoError(t, err)
	assert.Nil(t, roles)

	assert.Equal(t, []domain.ApplicationID{testApp}, env.provisioner.deprovisioned)
	assert.Equal(t, []string{"activate", "activate", "delete"}, env.deployments.actions())
}

func TestDelete_Idempotent(t *testing.T) {
	env, _ := newFakeEnv(t)
	ctx := context.Background()
	env.deploy(t, testApp, servicesV1)

	deleted, err := env.repo.Delete(ctx, testApp)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = env.repo.Delete(ctx, testApp)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = env.repo.Delete(ctx, domain.NewApplicationID("nope", "testapp", ""))
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDelete_KeepsGenerationCounter(t *testing.T) {
	env, _ := newFakeEnv(t)
	env.deploy(t, testApp, servicesV1)
	env.deploy(t, testApp, servicesV2)

	_, err := env.repo.Delete(context.Background(), testApp)
	require.NoError(t, err)

	result := env.deploy(t, testApp, servicesV1)
	assert.Equal(t, domain.Generation(3), result.Generation)
}

func TestDelete_ZeroTimeoutLeavesPartialStateThenRetrySucceeds(t *testing.T) {
	env, _ := newFakeEnv(t)
	ctx := context.Background()
	result := env.deploy(t, testApp, servicesV1)

	deleted, err := env.repo.DeleteWithTimeout(ctx, testApp, 0)
	assert.False(t, deleted)

	var incomplete *domain.DeleteIncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, "tenant1.testapp was not deleted (waited 0s), session 2", err.Error())
	assert.ErrorIs(t, err, domain.ErrTimeout)

	// The active session is gone, the pointer is still there.
	tn := env.tenants.GetTenant(tenant1)
	rs, err := tn.RemoteSessions().Get(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Nil(t, rs)
	id, ok, err := tn.RemoteSessions().ActiveSessionOf(ctx, testApp)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, result.SessionID, id)

	deleted, err = env.repo.Delete(ctx, testApp)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err = tn.RemoteSessions().ActiveSessionOf(ctx, testApp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelete_DeprovisionFailureKeepsPointer(t *testing.T) {
	env, _ := newFakeEnv(t)
	ctx := context.Background()
	env.deploy(t, testApp, servicesV1)
	env.provisioner.deprovisionFn = func(context.Context, domain.ApplicationID) error {
		return errors.New("node repository unavailable")
	}

	_, err := env.repo.Delete(ctx, testApp)
	require.Error(t, err)

	_, ok, err := env.tenants.GetTenant(tenant1).RemoteSessions().ActiveSessionOf(ctx, testApp)
	require.NoError(t, err)
	assert.True(t, ok, "a retry has to find the application")

	env.provisioner.deprovisionFn = nil
	deleted, err := env.repo.Delete(ctx, testApp)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestDelete_ReleasesLock(t *testing.T) {
	env, _ := newFakeEnv(t)
	ctx := context.Background()
	env.deploy(t, testApp, servicesV1)

	_, err := env.repo.Delete(ctx, testApp)
	require.NoError(t, err)

	lock, ok, err := env.store.TryLock(ctx, session.LockPath(testApp), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(ctx))
}
