package session

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
)

const appDirName = "app"

// LocalSession is this replica's working copy of an application package.
// Only NEW sessions accept content changes, and status only moves forward.
type LocalSession struct {
	id     domain.SessionID
	app    domain.ApplicationID
	dir    string
	create time.Time

	mu                       sync.RWMutex
	status                   domain.SessionStatus
	previousActiveGeneration *domain.Generation
	generation               *domain.Generation
	allocatedHosts           domain.AllocatedHosts
	deployedBy               string
	internalRedeploy         bool
	fileRefs                 []string
	roles                    *domain.ApplicationRoles
	model                    *Model
}

func (s *LocalSession) ID() domain.SessionID              { return s.id }
func (s *LocalSession) Application() domain.ApplicationID { return s.app }
func (s *LocalSession) Created() time.Time                { return s.create }

// AppDir is the root of the session's copy of the application package.
func (s *LocalSession) AppDir() string {
	return filepath.Join(s.dir, appDirName)
}

func (s *LocalSession) Status() domain.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// PreviousActiveGeneration is the generation a cloned session was based on.
// Fresh uploads have none.
func (s *LocalSession) PreviousActiveGeneration() (domain.Generation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.previousActiveGeneration == nil {
		return 0, false
	}
	return *s.previousActiveGeneration, true
}

// Generation is set once the session has been activated.
func (s *LocalSession) Generation() (domain.Generation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.generation == nil {
		return 0, false
	}
	return *s.generation, true
}

func (s *LocalSession) AllocatedHosts() domain.AllocatedHosts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.AllocatedHosts{Hosts: slices.Clone(s.allocatedHosts.Hosts)}
}

func (s *LocalSession) DeployedBy() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deployedBy
}

func (s *LocalSession) InternalRedeploy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.internalRedeploy
}

func (s *LocalSession) FileReferences() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.fileRefs)
}

func (s *LocalSession) Roles() *domain.ApplicationRoles {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.roles == nil {
		return nil
	}
	roles := *s.roles
	return &roles
}

// Model is the parsed services.yaml, or nil when the package could not be
// parsed.
func (s *LocalSession) Model() *Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Metadata snapshots the session for persistence and inspection.
func (s *LocalSession) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta := Metadata{
		SessionID:        s.id,
		Application:      s.app,
		Created:          s.create,
		Status:           s.status,
		AllocatedHosts:   domain.AllocatedHosts{Hosts: slices.Clone(s.allocatedHosts.Hosts)},
		DeployedBy:       s.deployedBy,
		InternalRedeploy: s.internalRedeploy,
		FileReferences:   slices.Clone(s.fileRefs),
	}
	if s.previousActiveGeneration != nil {
		gen := *s.previousActiveGeneration
		meta.PreviousActiveGeneration = &gen
	}
	if s.generation != nil {
		gen := *s.generation
		meta.Generation = &gen
	}
	if s.roles != nil {
		roles := *s.roles
		meta.Roles = &roles
	}
	return meta
}

func newLocalSession(dir string, meta Metadata, model *Model) *LocalSession {
	return &LocalSession{
		id:                       meta.SessionID,
		app:                      meta.Application,
		dir:                      dir,
		create:                   meta.Created,
		status:                   meta.Status,
		previousActiveGeneration: meta.PreviousActiveGeneration,
		generation:               meta.Generation,
		allocatedHosts:           meta.AllocatedHosts,
		deployedBy:               meta.DeployedBy,
		internalRedeploy:         meta.InternalRedeploy,
		fileRefs:                 meta.FileReferences,
		roles:                    meta.Roles,
		model:                    model,
	}
}

func (s *LocalSession) markPrepared(model *Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = domain.StatusPrepared
	s.model = model
}

func (s *LocalSession) markActivated(generation domain.Generation, hosts domain.AllocatedHosts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation = &generation
	s.allocatedHosts = domain.AllocatedHosts{Hosts: slices.Clone(hosts.Hosts)}
}

// ContentStatus tells how a file differs from the active session's copy.
type ContentStatus string

const (
	ContentNew       ContentStatus = "new"
	ContentChanged   ContentStatus = "changed"
	ContentUnchanged ContentStatus = "unchanged"
)

type FileStatus struct {
	Path   string        `json:"path"`
	Status ContentStatus `json:"status"`
	MD5    string        `json:"md5"`
}

func (s *LocalSession) ReadFile(rel string) ([]byte, error) {
	path, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (s *LocalSession) WriteFile(rel string, data []byte) error {
	path, err := s.resolveWritable(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *LocalSession) Mkdir(rel string) error {
	path, err := s.resolveWritable(rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0o755)
}

// DeleteFile removes a file or an empty directory.
func (s *LocalSession) DeleteFile(rel string) error {
	path, err := s.resolveWritable(rel)
	if err != nil {
		return err
	}
	if path == s.AppDir() {
		return fmt.Errorf("cannot delete the package root: %w", domain.ErrInvalidPath)
	}
	return os.Remove(path)
}

// FileStatus compares rel with the same file in base, usually the active
// session. A nil base makes every file new.
func (s *LocalSession) FileStatus(rel string, base *LocalSession) (FileStatus, error) {
	content, err := s.ReadFile(rel)
	if err != nil {
		return FileStatus{}, err
	}
	sum := md5.Sum(content)
	st := FileStatus{Path: filepath.ToSlash(filepath.Clean(rel)), Status: ContentNew, MD5: hex.EncodeToString(sum[:])}
	if base == nil {
		return st, nil
	}

	previous, err := base.ReadFile(rel)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return st, nil
	case err != nil:
		return FileStatus{}, err
	}
	prevSum := md5.Sum(previous)
	if bytes.Equal(prevSum[:], sum[:]) {
		st.Status = ContentUnchanged
	} else {
		st.Status = ContentChanged
	}
	return st, nil
}

func (s *LocalSession) resolve(rel string) (string, error) {
	if rel == "" || rel == "." {
		return s.AppDir(), nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q: %w", rel, domain.ErrInvalidPath)
	}
	return filepath.Join(s.AppDir(), rel), nil
}

func (s *LocalSession) resolveWritable(rel string) (string, error) {
	if st := s.Status(); st != domain.StatusNew {
		return "", fmt.Errorf("session %d is %s, content can only change while NEW: %w", s.id, st, domain.ErrInvalidSessionState)
	}
	return s.resolve(rel)
}
