package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
	bolt "go.etcd.io/bbolt"
)

const metadataFile = "sessions.db"

var sessionsBucket = []byte("sessions")

// Metadata is what a replica remembers about its local sessions across
// restarts. The package files themselves stay on disk next to it.
type Metadata struct {
	SessionID                domain.SessionID         `json:"sessionId"`
	Application              domain.ApplicationID     `json:"application"`
	Created                  time.Time                `json:"created"`
	Status                   domain.SessionStatus     `json:"status"`
	PreviousActiveGeneration *domain.Generation       `json:"previousActiveGeneration,omitempty"`
	Generation               *domain.Generation       `json:"generation,omitempty"`
	AllocatedHosts           domain.AllocatedHosts    `json:"allocatedHosts"`
	DeployedBy               string                   `json:"deployedBy,omitempty"`
	InternalRedeploy         bool                     `json:"internalRedeploy,omitempty"`
	FileReferences           []string                 `json:"fileReferences,omitempty"`
	Roles                    *domain.ApplicationRoles `json:"roles,omitempty"`
}

// MetadataStore persists session metadata in a bbolt file, one nested bucket
// per tenant keyed by big-endian session id.
type MetadataStore struct {
	db *bolt.DB
}

// OpenMetadataStore opens (or creates) the metadata file in dir. The wait for
// the file lock is bounded by ctx's deadline, or one second without one.
func OpenMetadataStore(ctx context.Context, dir string) (*MetadataStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	db, err := bolt.Open(filepath.Join(dir, metadataFile), 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open session metadata: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialise session metadata: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

func (m *MetadataStore) Put(tenant domain.TenantName, meta Metadata) error {
	value, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata of session %d: %w", meta.SessionID, err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(sessionsBucket).CreateBucketIfNotExists([]byte(tenant))
		if err != nil {
			return err
		}
		return b.Put(sessionKey(meta.SessionID), value)
	})
}

// Load returns the metadata of every session of tenant, ordered by id.
func (m *MetadataStore) Load(tenant domain.TenantName) ([]Metadata, error) {
	var all []Metadata
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket).Bucket([]byte(tenant))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var meta Metadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("corrupt metadata for session %d: %w", binary.BigEndian.Uint64(k), err)
			}
			all = append(all, meta)
			return nil
		})
	})
	return all, err
}

func (m *MetadataStore) Delete(tenant domain.TenantName, id domain.SessionID) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket).Bucket([]byte(tenant))
		if b == nil {
			return nil
		}
		return b.Delete(sessionKey(id))
	})
}

// DeleteTenant drops all metadata of tenant.
func (m *MetadataStore) DeleteTenant(tenant domain.TenantName) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(sessionsBucket).DeleteBucket([]byte(tenant))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (m *MetadataStore) Close() error {
	return m.db.Close()
}

func sessionKey(id domain.SessionID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}
