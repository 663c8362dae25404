package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSessionRepo_CreateAllocatesFromTwo(t *testing.T) {
	r := newTestRepos(t)
	ctx := context.Background()

	first := r.create(t, validServices)
	second := r.create(t, validServices)

	assert.Equal(t, domain.SessionID(2), first.ID())
	assert.Equal(t, domain.SessionID(3), second.ID())
	assert.Equal(t, domain.StatusNew, first.Status())
	assert.WithinDuration(t, r.clock.Now(), first.Created(), 0)
	assert.FileExists(t, filepath.Join(first.AppDir(), ServicesFile))

	remote, err := r.remote.Get(ctx, first.ID())
	require.NoError(t, err)
	require.NotNil(t, remote)
	assert.Equal(t, domain.StatusNew, remote.Status)
	assert.Equal(t, testApp, remote.Application)

	assert.Equal(t, []*LocalSession{first, second}, r.local.Sessions())
	assert.Same(t, second, r.local.Get(3))
	assert.Nil(t, r.local.Get(99))
	assert.Empty(t, r.local.SessionsOf(domain.NewApplicationID("tenant1", "other", "")))
}

func TestLocalSessionRepo_CreateRejectsInvalidPackage(t *testing.T) {
	r := newTestRepos(t)
	ctx := context.Background()
	broken := writePackage(t, "clusters:\n  - id: Bad Id\n    type: container\n", nil)

	_, err := r.local.Create(ctx, broken, CreateParams{Application: testApp})
	require.ErrorIs(t, err, domain.ErrInvalidPackage)
	assert.Empty(t, r.local.Sessions())

	entries, _ := os.ReadDir(r.cfg.Dir)
	assert.Empty(t, entries, "failed sessions leave no files behind")

	s, err := r.local.Create(ctx, broken, CreateParams{Application: testApp, IgnoreValidationErrors: true})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID(3), s.ID(), "ids are never reused")
}

func TestLocalSessionRepo_CreateSyntaxErrorAlwaysFails(t *testing.T) {
	r := newTestRepos(t)
	_, err := r.local.Create(context.Background(), writePackage(t, "clusters: [", nil),
		CreateParams{Application: testApp, IgnoreValidationErrors: true})
	assert.ErrorIs(t, err, domain.ErrInvalidPackage)
}

func TestLocalSessionRepo_CreateRejectsForeignTenant(t *testing.T) {
	r := newTestRepos(t)
	_, err := r.local.Create(context.Background(), writePackage(t, validServices, nil),
		CreateParams{Application: domain.NewApplicationID("tenant2", "x", "")})
	assert.ErrorIs(t, err, domain.ErrUnknownTenant)
}

func TestLocalSessionRepo_CreateRegistersFileReferences(t *testing.T) {
	r := newTestRepos(t)
	pkg := writePackage(t, validServices, map[string]string{"files/model.onnx": "weights"})

	s, err := r.local.Create(context.Background(), pkg, CreateParams{Application: testApp})
	require.NoError(t, err)

	refs := s.FileReferences()
	require.Len(t, refs, 1)
	assert.DirExists(t, filepath.Join(r.files.Dir(), refs[0]))

	remote, err := r.remote.Get(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, refs, remote.FileReferences, "peers see the references in the shared store")
}

func TestLocalSessionRepo_Prepare(t *testing.T) {
	r := newTestRepos(t)
	ctx := context.Background()

	active := r.create(t, validServices)
	_, err := r.local.Prepare(ctx, active, nil, PrepareOptions{})
	require.NoError(t, err)

	next := r.create(t, `
clusters:
  - id: default
    type: container
    jvmOptions: "-Xmx4g"
  - id: music
    type: content
    documents:
      - type: song
        mode: streaming
`)
	result, err := r.local.Prepare(ctx, next, active.Model(), PrepareOptions{})
	require.NoError(t, err)

	assert.Equal(t, next.ID(), result.SessionID)
	assert.Len(t, result.Actions.Restart, 1)
	assert.Len(t, result.Actions.Refeed, 1)
	assert.Equal(t, domain.StatusPrepared, next.Status())

	remote, err := r.remote.Get(ctx, next.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPrepared, remote.Status)
	require.NotNil(t, remote.Model)
	assert.Equal(t, "-Xmx4g", remote.Model.Clusters[0].JVMOptions)

	_, err = r.local.Prepare(ctx, next, active.Model(), PrepareOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidSessionState, "status never regresses")
}

func TestLocalSessionRepo_PrepareIsDeterministic(t *testing.T) {
	r := newTestRepos(t)
	ctx := context.Background()
	active := r.create(t, validServices)
	_, err := r.local.Prepare(ctx, active, nil, PrepareOptions{})
	require.NoError(t, err)

	changed := "clusters:\n  - id: default\n    type: container\n    jvmOptions: x\n"
	a, err := r.local.Prepare(ctx, r.create(t, changed), active.Model(), PrepareOptions{})
	require.NoError(t, err)
	b, err := r.local.Prepare(ctx, r.create(t, changed), active.Model(), PrepareOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.Actions, b.Actions)
}

func TestLocalSessionRepo_PrepareValidatesReferences(t *testing.T) {
	r := newTestRepos(t)
	ctx := context.Background()
	services := "clusters:\n  - id: docs\n    type: content\n"

	s := r.create(t, services)
	_, err := r.local.Prepare(ctx, s, nil, PrepareOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidPackage)
	assert.Equal(t, domain.StatusNew, s.Status())

	result, err := r.local.Prepare(ctx, s, nil, PrepareOptions{IgnoreValidationErrors: true})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Warnings)
}

func TestLocalSessionRepo_PrepareSeesContentEdits(t *testing.T) {
	r := newTestRepos(t)
	ctx := context.Background()
	s := r.create(t, validServices)

	require.NoError(t, s.WriteFile(ServicesFile, []byte("clusters: []\n")))
	_, err := r.local.Prepare(ctx, s, nil, PrepareOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidPackage)
}

func TestLocalSessionRepo_RestoresAfterRestart(t *testing.T) {
	r := newTestRepos(t)
	ctx := context.Background()

	kept := r.create(t, validServices)
	_, err := r.local.Prepare(ctx, kept, nil, PrepareOptions{})
	require.NoError(t, err)
	require.NoError(t, r.local.RecordActivation(kept, 7, domain.AllocatedHosts{Hosts: []domain.HostSpec{{Hostname: "h1"}}}))

	lost := r.create(t, validServices)
	require.NoError(t, os.RemoveAll(filepath.Dir(lost.AppDir())))

	restored, err := NewLocalSessionRepo(r.cfg)
	require.NoError(t, err)

	sessions := restored.Sessions()
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, kept.ID(), s.ID())
	assert.Equal(t, domain.StatusPrepared, s.Status())
	assert.True(t, s.AllocatedHosts().Contains("h1"))
	gen, ok := s.Generation()
	assert.True(t, ok)
	assert.Equal(t, domain.Generation(7), gen)
	require.NotNil(t, s.Model())
	assert.Len(t, s.Model().Clusters, 2)

	metas, err := r.meta.Load(testApp.Tenant)
	require.NoError(t, err)
	assert.Len(t, metas, 1, "metadata of vanished sessions is dropped")
}

func TestLocalSessionRepo_DeleteExpired(t *testing.T) {
	r := newTestRepos(t)
	ctx := context.Background()

	active := r.create(t, validServices)
	old := r.create(t, validServices)
	r.clock.Advance(30 * time.Minute)
	young := r.create(t, validServices)

	isActive := func(s *LocalSession) bool { return s.ID() == active.ID() }

	n, err := r.local.DeleteExpired(ctx, isActive)
	require.NoError(t, err)
	assert.Zero(t, n)

	r.clock.Advance(31 * time.Minute)
	for range 3 {
		_, err = r.local.DeleteExpired(ctx, isActive)
		require.NoError(t, err)
	}

	assert.NotNil(t, r.local.Get(active.ID()), "active session is never swept")
	assert.Nil(t, r.local.Get(old.ID()))
	assert.NotNil(t, r.local.Get(young.ID()))
	assert.NoDirExists(t, filepath.Dir(old.AppDir()))

	remote, err := r.remote.Get(ctx, old.ID())
	require.NoError(t, err)
	assert.Nil(t, remote, "the remote copy is deleted with the local one")
}

func TestLocalSessionRepo_DeleteUnknownIsNoop(t *testing.T) {
	r := newTestRepos(t)
	assert.NoError(t, r.local.Delete(context.Background(), 42))
}

func TestLocalSessionRepo_Destroy(t *testing.T) {
	r := newTestRepos(t)
	r.create(t, validServices)

	require.NoError(t, r.local.Destroy())
	assert.Empty(t, r.local.Sessions())
	assert.NoDirExists(t, r.cfg.Dir)
	metas, err := r.meta.Load(testApp.Tenant)
	require.NoError(t, err)
	assert.Empty(t, metas)
}
