package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/domain"
)

const replicasPath = "/replicas"

// ReplicaRegistry tracks live config server replicas in the store. Each
// replica refreshes its heartbeat node periodically; replicas without a
// heartbeat for longer than the staleness window are considered gone.
type ReplicaRegistry struct {
	store      domain.Store
	clock      clockwork.Clock
	instanceID string
	version    string
	heartbeat  time.Duration
	staleAfter time.Duration
}

type ReplicaInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
}

func NewReplicaRegistry(store domain.Store, clock clockwork.Clock, instanceID, version string, heartbeat time.Duration) *ReplicaRegistry {
	return &ReplicaRegistry{
		store:      store,
		clock:      clock,
		instanceID: instanceID,
		version:    version,
		heartbeat:  heartbeat,
		staleAfter: 3 * heartbeat,
	}
}

// Start registers immediately, then heartbeats on the interval.
// Blocks until ctx is cancelled, then unregisters and returns.
func (r *ReplicaRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *ReplicaRegistry) register(ctx context.Context) {
	data, err := json.Marshal(ReplicaInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().Unix(),
		Version:    r.version,
	})
	if err != nil {
		return
	}
	if err := r.store.Set(ctx, Join("replicas", r.instanceID), data); err != nil {
		slog.WarnContext(ctx, "Failed to write replica heartbeat", "instance_id", r.instanceID, "error", err)
	}
}

func (r *ReplicaRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Delete(ctx, Join("replicas", r.instanceID)); err != nil {
		slog.Warn("Failed to unregister replica", "instance_id", r.instanceID, "error", err)
	}
}

// Replicas returns the replicas with a recent heartbeat, ordered by id.
func (r *ReplicaRegistry) Replicas(ctx context.Context) ([]ReplicaInfo, error) {
	ids, err := r.store.Children(ctx, replicasPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list replicas: %w", err)
	}

	now := r.clock.Now()
	infos := []ReplicaInfo{}
	for _, id := range ids {
		data, err := r.store.Get(ctx, Join("replicas", id))
		if err != nil {
			continue
		}
		var info ReplicaInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		if now.Sub(time.Unix(info.Timestamp, 0)) < r.staleAfter {
			infos = append(infos, info)
		}
	}
	slices.SortFunc(infos, func(a, b ReplicaInfo) int {
		return strings.Compare(a.InstanceID, b.InstanceID)
	})
	return infos, nil
}
