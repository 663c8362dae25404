package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/coordination"
	"github.com/pscheid92/configserver/internal/domain"
	"github.com/stretchr/testify/require"
)

const validServices = `
version: "1"
clusters:
  - id: default
    type: container
    nodes: 2
    jvmOptions: "-Xmx1g"
  - id: music
    type: content
    documents:
      - type: song
        mode: index
`

var testApp = domain.NewApplicationID("tenant1", "testapp", "")

// writePackage creates an application package directory holding
// services.yaml plus the given extra files (relative path -> content).
func writePackage(t *testing.T, services string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ServicesFile), []byte(services), 0o644))
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

type testRepos struct {
	clock  *clockwork.FakeClock
	store  *coordination.MemoryStore
	meta   *MetadataStore
	files  *FileRegistry
	remote *RemoteSessionRepo
	local  *LocalSessionRepo
	cfg    LocalRepoConfig
}

func newTestRepos(t *testing.T) *testRepos {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := coordination.NewMemoryStore(clock)

	meta, err := OpenMetadataStore(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	remote := NewRemoteSessionRepo(store, testApp.Tenant, clock)
	require.NoError(t, remote.InitCounter(ctx))

	cfg := LocalRepoConfig{
		Tenant:   testApp.Tenant,
		Dir:      filepath.Join(t.TempDir(), "sessions"),
		Metadata: meta,
		Remote:   remote,
		Files:    NewFileRegistry(t.TempDir(), clock),
		Clock:    clock,
		Lifetime: time.Hour,
	}
	local, err := NewLocalSessionRepo(cfg)
	require.NoError(t, err)

	return &testRepos{clock: clock, store: store, meta: meta, files: cfg.Files, remote: remote, local: local, cfg: cfg}
}

func (r *testRepos) create(t *testing.T, services string) *LocalSession {
	t.Helper()
	s, err := r.local.Create(context.Background(), writePackage(t, services, nil), CreateParams{Application: testApp})
	require.NoError(t, err)
	return s
}
