package domain

import (
	"context"
	"time"
)

// Store is the shared hierarchical coordination store every replica talks to.
// Paths are slash-separated and absolute ("/tenants/t1/sessions/2"). Writing a
// node implicitly makes every ancestor list it as a child.
type Store interface {
	// Get returns ErrNodeNotFound when the node holds no data.
	Get(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	// Create writes the node only if absent and reports whether it did.
	Create(ctx context.Context, path string, data []byte) (bool, error)
	Set(ctx context.Context, path string, data []byte) error
	// Delete removes the node and its whole subtree. Absent nodes are not an error.
	Delete(ctx context.Context, path string) error
	Children(ctx context.Context, path string) ([]string, error)
	// Increment atomically adds one to a decimal counter node, starting from zero.
	Increment(ctx context.Context, path string) (int64, error)
	// Commit applies all ops atomically or none of them. A failing check op
	// yields ErrCheckFailed, a create op on an existing node ErrNodeExists.
	Commit(ctx context.Context, ops ...Op) error
	// Lock blocks until the lock at path is held or ctx is done. The lock
	// expires after ttl unless released earlier.
	Lock(ctx context.Context, path string, ttl time.Duration) (Lock, error)
	// TryLock makes a single acquisition attempt and reports whether it won.
	TryLock(ctx context.Context, path string, ttl time.Duration) (Lock, bool, error)
	// Watch streams changes below prefix until ctx is done.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
	Ping(ctx context.Context) error
}

// Lock is a held distributed lock. Its node holds Token() for as long as the
// lock is held, which lets commits fence on it with CheckOp.
type Lock interface {
	Path() string
	Token() string
	// Refresh extends the expiry to ttl from now. It fails with ErrLockLost
	// once the lock expired or changed hands.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

type OpKind string

const (
	OpSet    OpKind = "set"
	OpCreate OpKind = "create"
	OpDelete OpKind = "delete"
	OpCheck  OpKind = "check"
)

type Op struct {
	Kind OpKind
	Path string
	Data []byte
}

func SetOp(path string, data []byte) Op    { return Op{Kind: OpSet, Path: path, Data: data} }
func CreateOp(path string, data []byte) Op { return Op{Kind: OpCreate, Path: path, Data: data} }
func DeleteOp(path string) Op              { return Op{Kind: OpDelete, Path: path} }

// CheckOp asserts that the node at path currently holds exactly data.
func CheckOp(path string, data []byte) Op { return Op{Kind: OpCheck, Path: path, Data: data} }

// LockCheckOp fences a commit on lock still being held.
func LockCheckOp(lock Lock) Op { return CheckOp(lock.Path(), []byte(lock.Token())) }

type EventType string

const (
	EventCreated EventType = "created"
	EventChanged EventType = "changed"
	EventDeleted EventType = "deleted"
)

type Event struct {
	Type EventType
	Path string
}
