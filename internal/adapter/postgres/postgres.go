// Package postgres keeps the deployment log: one row per activation or
// delete of an application, queried newest first by the admin API.
//
// The schema lives in migrations/ and is applied by tern at startup.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	applicationName = "configserver"
	versionTable    = "public.deployment_log_schema_version"

	// migrationLockKey serialises schema changes across replicas that start
	// at the same time. It spells "deplog" in ASCII.
	migrationLockKey     int64 = 0x6465706c6f67
	migrationUnlockLimit       = 5 * time.Second
)

// Connect opens the deployment log pool and pings it. Sessions are tagged
// with application_name so they are recognisable in pg_stat_activity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if _, set := cfg.ConnConfig.RuntimeParams["application_name"]; !set {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment log pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach deployment log database: %w", err)
	}

	slog.Info("Deployment log connected", "target", describeTarget(cfg), "max_conns", cfg.MaxConns)
	return pool, nil
}

// describeTarget renders host, port and database without credentials.
func describeTarget(cfg *pgxpool.Config) string {
	c := cfg.ConnConfig
	tls := "off"
	if c.TLSConfig != nil {
		tls = "on"
	}
	return fmt.Sprintf("%s:%d/%s tls=%s", c.Host, c.Port, c.Database, tls)
}

// RunMigrationsWithLock brings the deployment log schema up to date. The
// advisory lock makes concurrent replicas wait for the first one.
func RunMigrationsWithLock(ctx context.Context, pool *pgxpool.Pool) error {
	return pool.AcquireFunc(ctx, func(conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
			return fmt.Errorf("failed to take migration lock: %w", err)
		}
		defer func() {
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), migrationUnlockLimit)
			defer cancel()
			if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", migrationLockKey); err != nil {
				slog.Error("Failed to release migration lock", "error", err)
			}
		}()

		migrations, err := fs.Sub(migrationFiles, "migrations")
		if err != nil {
			return fmt.Errorf("failed to open embedded migrations: %w", err)
		}
		m, err := migrate.NewMigrator(ctx, conn.Conn(), versionTable)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
		if err := m.LoadMigrations(migrations); err != nil {
			return fmt.Errorf("failed to load migrations: %w", err)
		}

		from, err := m.GetCurrentVersion(ctx)
		if err != nil {
			slog.Debug("No schema version yet", "error", err)
		}
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate deployment log: %w", err)
		}
		to, err := m.GetCurrentVersion(ctx)
		if err == nil && to != from {
			slog.Info("Migrated deployment log", "from_version", from, "to_version", to)
		}
		return nil
	})
}
