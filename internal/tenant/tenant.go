package tenant

import (
	"fmt"
	"os"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/session"
)

// Tenant is the isolation boundary for applications and their sessions.
type Tenant struct {
	name    domain.TenantName
	created time.Time
	local   *session.LocalSessionRepo
	remote  *session.RemoteSessionRepo
	roles   *RolesStore
}

func (t *Tenant) Name() domain.TenantName                    { return t.name }
func (t *Tenant) Created() time.Time                         { return t.created }
func (t *Tenant) LocalSessions() *session.LocalSessionRepo   { return t.local }
func (t *Tenant) RemoteSessions() *session.RemoteSessionRepo { return t.remote }
func (t *Tenant) Roles() *RolesStore                         { return t.roles }

type tenantNode struct {
	Created time.Time `json:"created"`
}

func removeTenantDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}
