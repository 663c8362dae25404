package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeploymentLog_RecordAndHistory(t *testing.T) {
	log := NewDeploymentLog(setupTestDB(t))
	ctx := context.Background()
	app := domain.NewApplicationID("tenant1", "music", "")
	other := domain.NewApplicationID("tenant1", "music", "blue")
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, action := range []string{domain.DeploymentActionActivate, domain.DeploymentActionActivate, domain.DeploymentActionDelete} {
		require.NoError(t, log.Record(ctx, domain.DeploymentRecord{
			Application: app,
			SessionID:   domain.SessionID(2 + i),
			Generation:  domain.Generation(1 + i),
			Action:      action,
			DeployedBy:  "alice",
			At:          at.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, log.Record(ctx, domain.DeploymentRecord{
		Application: other, SessionID: 9, Generation: 1, Action: domain.DeploymentActionActivate, At: at,
	}))

	history, err := log.History(ctx, app, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.DeploymentActionDelete, history[0].Action)
	assert.Equal(t, domain.SessionID(4), history[0].SessionID)
	assert.Equal(t, domain.Generation(2), history[1].Generation)
	assert.Equal(t, app, history[1].Application)
	assert.True(t, at.Add(time.Minute).Equal(history[1].At))
}

func TestDeploymentLog_HistoryEmpty(t *testing.T) {
	log := NewDeploymentLog(setupTestDB(t))

	history, err := log.History(context.Background(), domain.NewApplicationID("t", "a", ""), 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDeploymentLog_RejectsUnknownAction(t *testing.T) {
	log := NewDeploymentLog(setupTestDB(t))

	err := log.Record(context.Background(), domain.DeploymentRecord{
		Application: domain.NewApplicationID("t", "a", ""), Action: "rollback", At: time.Now(),
	})
	assert.Error(t, err)
}
