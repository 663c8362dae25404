package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// TenantName identifies a tenant. Tenants own applications and sessions.
type TenantName string

const (
	// SystemTenant hosts infrastructure applications and is never reaped.
	SystemTenant TenantName = "hosted-system"
	// DefaultTenant exists on every fresh installation.
	DefaultTenant TenantName = "default"

	DefaultInstance = "default"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_-]*$`)

func (t TenantName) Validate() error {
	if !namePattern.MatchString(string(t)) {
		return fmt.Errorf("invalid tenant name %q", string(t))
	}
	return nil
}

// ApplicationID identifies one deployable application instance.
type ApplicationID struct {
	Tenant      TenantName
	Application string
	Instance    string
}

// NewApplicationID builds an id, defaulting an empty instance to "default".
func NewApplicationID(tenant TenantName, application, instance string) ApplicationID {
	if instance == "" {
		instance = DefaultInstance
	}
	return ApplicationID{Tenant: tenant, Application: application, Instance: instance}
}

func (id ApplicationID) Validate() error {
	if err := id.Tenant.Validate(); err != nil {
		return err
	}
	if !namePattern.MatchString(id.Application) {
		return fmt.Errorf("invalid application name %q", id.Application)
	}
	if !namePattern.MatchString(id.Instance) {
		return fmt.Errorf("invalid instance name %q", id.Instance)
	}
	return nil
}

// String renders the short form: "tenant.app", or "tenant.app.instance" when
// the instance is not the default one.
func (id ApplicationID) String() string {
	if id.Instance == DefaultInstance || id.Instance == "" {
		return string(id.Tenant) + "." + id.Application
	}
	return id.FullString()
}

// FullString always includes the instance: "tenant.app.instance".
func (id ApplicationID) FullString() string {
	return string(id.Tenant) + "." + id.Application + "." + id.Instance
}

// SerializedForm is the stable "tenant:app:instance" key used in the
// coordination store.
func (id ApplicationID) SerializedForm() string {
	return string(id.Tenant) + ":" + id.Application + ":" + id.Instance
}

// ParseApplicationID is the inverse of SerializedForm.
func ParseApplicationID(serialized string) (ApplicationID, error) {
	parts := strings.Split(serialized, ":")
	if len(parts) != 3 {
		return ApplicationID{}, fmt.Errorf("application id %q must have the form tenant:application:instance", serialized)
	}
	id := ApplicationID{Tenant: TenantName(parts[0]), Application: parts[1], Instance: parts[2]}
	if err := id.Validate(); err != nil {
		return ApplicationID{}, err
	}
	return id, nil
}

func (id ApplicationID) MarshalText() ([]byte, error) {
	return []byte(id.SerializedForm()), nil
}

func (id *ApplicationID) UnmarshalText(text []byte) error {
	parsed, err := ParseApplicationID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ApplicationRoles carries the identity roles an application's hosts and
// containers run with.
type ApplicationRoles struct {
	HostRole      string `json:"hostRole"`
	ContainerRole string `json:"containerRole"`
}
