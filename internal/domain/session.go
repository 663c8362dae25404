package domain

import (
	"strconv"
	"time"
)

// SessionID is allocated per tenant from a monotonic counter and never reused.
type SessionID int64

func (id SessionID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func ParseSessionID(s string) (SessionID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return SessionID(n), nil
}

// Generation is the cluster-wide version number of an activated configuration.
type Generation int64

type SessionStatus string

const (
	StatusNew         SessionStatus = "NEW"
	StatusPrepared    SessionStatus = "PREPARED"
	StatusActivate    SessionStatus = "ACTIVATE" // activation in progress
	StatusActivated   SessionStatus = "ACTIVATED"
	StatusDeactivated SessionStatus = "DEACTIVATED"
)

// ClusterSpec is what the provisioner is asked to converge for one cluster.
type ClusterSpec struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Nodes int    `json:"nodes"`
}

// HostSpec is one host allocated to an application.
type HostSpec struct {
	Hostname    string `json:"hostname"`
	ClusterID   string `json:"clusterId"`
	ClusterType string `json:"clusterType"`
}

type AllocatedHosts struct {
	Hosts []HostSpec `json:"hosts"`
}

func (a AllocatedHosts) Contains(hostname string) bool {
	for _, h := range a.Hosts {
		if h.Hostname == hostname {
			return true
		}
	}
	return false
}

// RestartAction tells an operator which services need a restart for a change
// to take effect.
type RestartAction struct {
	ClusterID string `json:"clusterId"`
	Reason    string `json:"reason"`
}

// RefeedAction tells an operator which document types must be re-fed.
type RefeedAction struct {
	ClusterID    string `json:"clusterId"`
	DocumentType string `json:"documentType"`
	Reason       string `json:"reason"`
}

type ConfigChangeActions struct {
	Restart []RestartAction `json:"restart"`
	Refeed  []RefeedAction  `json:"refeed"`
}

func (c ConfigChangeActions) Empty() bool {
	return len(c.Restart) == 0 && len(c.Refeed) == 0
}

// DeploymentRecord is one entry of the deployment audit log.
type DeploymentRecord struct {
	Application ApplicationID
	SessionID   SessionID
	Generation  Generation
	Action      string
	DeployedBy  string
	At          time.Time
}

const (
	DeploymentActionActivate = "activate"
	DeploymentActionDelete   = "delete"
)
