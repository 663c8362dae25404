package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/configserver/internal/domain"
)

// DeploymentLog is the append-only audit trail of activations and deletes.
type DeploymentLog struct {
	pool *pgxpool.Pool
}

var _ domain.DeploymentLog = (*DeploymentLog)(nil)

func NewDeploymentLog(pool *pgxpool.Pool) *DeploymentLog {
	return &DeploymentLog{pool: pool}
}

const insertDeployment = `
INSERT INTO deployments (tenant, application, instance, session_id, generation, action, deployed_by, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (l *DeploymentLog) Record(ctx context.Context, rec domain.DeploymentRecord) error {
	app := rec.Application
	_, err := l.pool.Exec(ctx, insertDeployment,
		string(app.Tenant), app.Application, app.Instance,
		int64(rec.SessionID), int64(rec.Generation), rec.Action, rec.DeployedBy, rec.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to record %s of %s: %w", rec.Action, app, err)
	}
	return nil
}

const selectHistory = `
SELECT session_id, generation, action, deployed_by, recorded_at
FROM deployments
WHERE tenant = $1 AND application = $2 AND instance = $3
ORDER BY id DESC
LIMIT $4`

// History returns up to limit records of app, newest first.
func (l *DeploymentLog) History(ctx context.Context, app domain.ApplicationID, limit int) ([]domain.DeploymentRecord, error) {
	rows, err := l.pool.Query(ctx, selectHistory, string(app.Tenant), app.Application, app.Instance, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment history of %s: %w", app, err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.DeploymentRecord, error) {
		rec := domain.DeploymentRecord{Application: app}
		var sessionID, generation int64
		if err := row.Scan(&sessionID, &generation, &rec.Action, &rec.DeployedBy, &rec.At); err != nil {
			return rec, err
		}
		rec.SessionID = domain.SessionID(sessionID)
		rec.Generation = domain.Generation(generation)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment history of %s: %w", app, err)
	}
	return records, nil
}
