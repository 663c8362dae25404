// Package hosts allocates hosts to applications from a fixed pool. The
// allocation of each host is kept in the coordination store, so every
// replica sees the same assignment.
package hosts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/pscheid92/configserver/internal/coordination"
	"github.com/pscheid92/configserver/internal/domain"
)

const (
	// HostsPath holds one node per allocated host.
	HostsPath = "/provision/hosts"

	lockPath = "/locks/provision"
)

var ErrNoCapacity = errors.New("not enough free hosts")

type allocation struct {
	Application domain.ApplicationID `json:"application"`
	ClusterID   string               `json:"clusterId"`
	ClusterType string               `json:"clusterType"`
	Generation  domain.Generation    `json:"generation"`
}

// StaticProvisioner hands out hosts from a configured pool. Provisioning the
// same application again keeps the hosts it already has.
type StaticProvisioner struct {
	store   domain.Store
	pool    []string
	lockTTL time.Duration
}

var _ domain.Provisioner = (*StaticProvisioner)(nil)

func NewStaticProvisioner(store domain.Store, pool []string, lockTTL time.Duration) *StaticProvisioner {
	return &StaticProvisioner{store: store, pool: slices.Clone(pool), lockTTL: lockTTL}
}

func hostPath(hostname string) string {
	return coordination.Join(HostsPath, hostname)
}

func (p *StaticProvisioner) Provision(ctx context.Context, app domain.ApplicationID, generation domain.Generation, clusters []domain.ClusterSpec) (domain.AllocatedHosts, error) {
	lock, err := p.store.Lock(ctx, lockPath, p.lockTTL)
	if err != nil {
		return domain.AllocatedHosts{}, fmt.Errorf("failed to lock host pool: %w", err)
	}
	defer release(ctx, lock)

	current, err := p.allocations(ctx)
	if err != nil {
		return domain.AllocatedHosts{}, err
	}

	wanted := make(map[string]domain.ClusterSpec, len(clusters))
	for _, c := range clusters {
		wanted[c.ID] = c
	}

	var free []string
	owned := make(map[string][]string)
	var ops []domain.Op
	for _, host := range p.pool {
		a, taken := current[host]
		switch {
		case !taken:
			free = append(free, host)
		case a.Application != app:
		case wanted[a.ClusterID].Type == a.ClusterType:
			owned[a.ClusterID] = append(owned[a.ClusterID], host)
		default:
			// The cluster is gone or changed type.
			ops = append(ops, domain.DeleteOp(hostPath(host)))
			free = append(free, host)
		}
	}

	var result domain.AllocatedHosts
	for _, c := range clusters {
		mine := owned[c.ID]
		if len(mine) > c.Nodes {
			for _, host := range mine[c.Nodes:] {
				ops = append(ops, domain.DeleteOp(hostPath(host)))
				free = append(free, host)
			}
			mine = mine[:c.Nodes]
		}
		need := c.Nodes - len(mine)
		if need > len(free) {
			return domain.AllocatedHosts{}, fmt.Errorf("cluster %s of %s needs %d more hosts, %d free: %w",
				c.ID, app, need, len(free), ErrNoCapacity)
		}
		mine = append(mine, free[:need]...)
		free = free[need:]

		for _, host := range mine {
			data, err := json.Marshal(allocation{Application: app, ClusterID: c.ID, ClusterType: c.Type, Generation: generation})
			if err != nil {
				return domain.AllocatedHosts{}, err
			}
			ops = append(ops, domain.SetOp(hostPath(host), data))
			result.Hosts = append(result.Hosts, domain.HostSpec{Hostname: host, ClusterID: c.ID, ClusterType: c.Type})
		}
	}

	ops = append(ops, domain.LockCheckOp(lock))
	if err := p.store.Commit(ctx, ops...); err != nil {
		return domain.AllocatedHosts{}, fmt.Errorf("failed to allocate hosts for %s: %w", app, err)
	}
	slog.InfoContext(ctx, "Provisioned hosts", "application", app.String(), "generation", generation, "hosts", len(result.Hosts))
	return result, nil
}

func (p *StaticProvisioner) Deprovision(ctx context.Context, app domain.ApplicationID) error {
	lock, err := p.store.Lock(ctx, lockPath, p.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to lock host pool: %w", err)
	}
	defer release(ctx, lock)

	current, err := p.allocations(ctx)
	if err != nil {
		return err
	}
	ops := []domain.Op{domain.LockCheckOp(lock)}
	for host, a := range current {
		if a.Application == app {
			ops = append(ops, domain.DeleteOp(hostPath(host)))
		}
	}
	if len(ops) == 1 {
		return nil
	}
	if err := p.store.Commit(ctx, ops...); err != nil {
		return fmt.Errorf("failed to release hosts of %s: %w", app, err)
	}
	slog.InfoContext(ctx, "Deprovisioned hosts", "application", app.String(), "hosts", len(ops)-1)
	return nil
}

// Free reports how many pool hosts are unallocated.
func (p *StaticProvisioner) Free(ctx context.Context) (int, error) {
	current, err := p.allocations(ctx)
	if err != nil {
		return 0, err
	}
	free := 0
	for _, host := range p.pool {
		if _, taken := current[host]; !taken {
			free++
		}
	}
	return free, nil
}

func (p *StaticProvisioner) allocations(ctx context.Context) (map[string]allocation, error) {
	names, err := p.store.Children(ctx, HostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocated hosts: %w", err)
	}
	current := make(map[string]allocation, len(names))
	for _, host := range names {
		data, err := p.store.Get(ctx, hostPath(host))
		if errors.Is(err, domain.ErrNodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var a allocation
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("corrupt allocation of host %s: %w", host, err)
		}
		current[host] = a
	}
	return current, nil
}

func release(ctx context.Context, lock domain.Lock) {
	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		slog.WarnContext(ctx, "Failed to release host pool lock", "error", err)
	}
}
