package domain

import (
	"context"
)

// Provisioner converges hosts for an application. Calls are idempotent per
// (application, generation).
type Provisioner interface {
	Provision(ctx context.Context, app ApplicationID, generation Generation, clusters []ClusterSpec) (AllocatedHosts, error)
	Deprovision(ctx context.Context, app ApplicationID) error
}

type Orchestrator interface {
	IsSuspended(ctx context.Context, app ApplicationID) (bool, error)
	Suspend(ctx context.Context, app ApplicationID) error
	Resume(ctx context.Context, app ApplicationID) error
}

// MetricContext labels a metric sample.
type MetricContext map[string]string

// Metric receives deployment measurements.
type Metric interface {
	Set(key string, value float64, ctx MetricContext)
}

// Deployment metric keys and the labels of their context.
const (
	MetricPrepareMillis  = "deployment.prepareMillis"
	MetricActivateMillis = "deployment.activateMillis"

	MetricLabelApplicationID = "applicationId"
	MetricLabelTenantName    = "tenantName"
	MetricLabelApp           = "app"
	MetricLabelZone          = "zone"
)

type LogResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

type LogRetriever interface {
	GetLogs(ctx context.Context, url string) (*LogResponse, error)
}

// DeploymentLog is the durable audit trail of activations and deletions.
type DeploymentLog interface {
	Record(ctx context.Context, rec DeploymentRecord) error
	History(ctx context.Context, app ApplicationID, limit int) ([]DeploymentRecord, error)
}
