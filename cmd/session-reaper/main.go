// Command session-reaper runs one maintenance pass over the coordination
// store and the local session directory, then exits. It takes part in leader
// election like a server replica, so it never sweeps shared state while a
// running replica holds leadership.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/adapter/hosts"
	"github.com/pscheid92/configserver/internal/adapter/orchestrator"
	"github.com/pscheid92/configserver/internal/adapter/redis"
	"github.com/pscheid92/configserver/internal/app"
	"github.com/pscheid92/configserver/internal/coordination"
	"github.com/pscheid92/configserver/internal/platform/config"
	"github.com/pscheid92/configserver/internal/platform/logging"
	"github.com/pscheid92/configserver/internal/session"
	"github.com/pscheid92/configserver/internal/tenant"
)

const connectTimeout = 10 * time.Second

// summary records every job result of the run.
type summary struct {
	leader bool
	jobs   []jobResult
}

type jobResult struct {
	job     string
	deleted int
	err     error
}

func (s *summary) RecordRun(job string, deleted int, err error) {
	s.jobs = append(s.jobs, jobResult{job: job, deleted: deleted, err: err})
}

func (s *summary) SetLeader(leader bool) { s.leader = leader }

func (s *summary) failed() bool {
	for _, j := range s.jobs {
		if j.err != nil {
			return true
		}
	}
	return false
}

func main() {
	var (
		verbose = flag.Bool("verbose", false, "Verbose logging")
		noFiles = flag.Bool("skip-file-references", false, "Do not sweep unused file references")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, cfg.LogFormat)

	clock := clockwork.NewRealClock()
	ctx := context.Background()

	if cfg.CoordinationBackend != config.BackendRedis {
		log.Fatalf("session-reaper needs COORDINATION_BACKEND=%s, got %q", config.BackendRedis, cfg.CoordinationBackend)
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	rdb, err := redis.NewClient(connectCtx, cfg.RedisURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = rdb.Close() }()
	slog.Info("Connected to Redis", "url", sanitizeURL(cfg.RedisURL))

	coordinationStore := redis.NewStore(rdb, clock, nil)

	meta, err := session.OpenMetadataStore(ctx, cfg.ServerDBDir)
	if err != nil {
		log.Fatalf("Failed to open session metadata: %v", err)
	}
	defer func() { _ = meta.Close() }()

	tenants, err := tenant.NewRepository(ctx, tenant.Options{
		Store:           coordinationStore,
		Clock:           clock,
		Metadata:        meta,
		Files:           session.NewFileRegistry(cfg.FileReferencesDir, clock),
		ServerDBDir:     cfg.ServerDBDir,
		SessionLifetime: cfg.SessionLifetime,
	})
	if err != nil {
		log.Fatalf("Failed to load tenants: %v", err)
	}

	repo := app.NewApplicationRepository(
		tenants,
		coordinationStore,
		hosts.NewStaticProvisioner(coordinationStore, cfg.HostPool, cfg.LockTTL),
		orchestrator.NewStore(coordinationStore, clock),
		clock,
		app.Config{Zone: cfg.Zone(), DefaultTimeout: cfg.DeployTimeout, LockTTL: cfg.LockTTL, LogServerPort: cfg.LogServerPort},
	)

	maintenanceCfg := app.MaintenanceConfig{
		Interval:            cfg.MaintenanceInterval,
		RemoteSessionMaxAge: cfg.RemoteSessionMaxAge,
		TenantTTL:           cfg.TenantTTL,
		FileReferencesDir:   cfg.FileReferencesDir,
		FileReferenceTTL:    cfg.FileReferenceTTL,
	}
	if *noFiles {
		maintenanceCfg.FileReferencesDir = ""
	}

	result := &summary{}
	elector := coordination.NewLeaderElector(coordinationStore, coordination.LeaderPath, cfg.MaintenanceInterval)
	maintainer := app.NewMaintainer(repo, elector, result, clock, maintenanceCfg)

	start := time.Now()
	slog.Info("Starting maintenance pass", "run_id", uuid.NewString())
	maintainer.RunOnce(ctx)
	leader := result.leader
	maintainer.Stop(ctx)

	for _, j := range result.jobs {
		slog.Info("Job summary", "job", j.job, "deleted", j.deleted, "error", j.err)
	}
	if !leader {
		slog.Warn("Another replica holds maintenance leadership; only local sessions were swept")
	}
	slog.Info("Maintenance pass complete", "duration_ms", time.Since(start).Milliseconds())

	if result.failed() {
		os.Exit(1)
	}
}

// sanitizeURL hides the password of a Redis URL for logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
