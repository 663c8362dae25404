package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownTenant        = errors.New("unknown tenant")
	ErrUnknownApplication   = errors.New("unknown application")
	ErrUnknownSession       = errors.New("unknown session")
	ErrInvalidPackage       = errors.New("invalid application package")
	ErrTimeout              = errors.New("timed out")
	ErrProvisionFailed      = errors.New("provisioning failed")
	ErrActivationConflict   = errors.New("activation conflict")
	ErrInvalidSessionState  = errors.New("invalid session state")
	ErrHostNotInApplication = errors.New("host is not part of the application")
	ErrSystemTenant         = errors.New("system tenant cannot be deleted")
	ErrInvalidPath          = errors.New("path escapes the application package")

	ErrNodeNotFound = errors.New("node not found")
	ErrNodeExists   = errors.New("node already exists")
	ErrCheckFailed  = errors.New("commit precondition failed")
	ErrLockLost     = errors.New("lock lost")
)

// InvalidPackageError lists every problem found while validating a package.
type InvalidPackageError struct {
	Problems []string
}

func (e *InvalidPackageError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidPackage, strings.Join(e.Problems, "; "))
}

func (e *InvalidPackageError) Is(target error) bool {
	return target == ErrInvalidPackage
}

// DeleteIncompleteError reports a delete that removed the active remote
// session but could not take the application lock to finish. Retrying the
// delete completes it.
type DeleteIncompleteError struct {
	Application ApplicationID
	Waited      time.Duration
	SessionID   SessionID
	Cause       error
}

func (e *DeleteIncompleteError) Error() string {
	return fmt.Sprintf("%s was not deleted (waited %s), session %d", e.Application, e.Waited, e.SessionID)
}

func (e *DeleteIncompleteError) Unwrap() error {
	return e.Cause
}
