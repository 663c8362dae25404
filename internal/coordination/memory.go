package coordination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/domain"
)

// MemoryStore is an in-process domain.Store. It backs single-replica
// installations and tests, and mirrors the semantics of the Redis store:
// writes link the node into every ancestor's child set, deletes are
// recursive, and lock nodes carry an expiry.
type MemoryStore struct {
	clock clockwork.Clock

	mu       sync.Mutex
	nodes    map[string][]byte
	children map[string]map[string]struct{}
	expiry   map[string]time.Time
	released chan struct{}
	watchers map[*EventQueue]struct{}
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:    clock,
		nodes:    make(map[string][]byte),
		children: make(map[string]map[string]struct{}),
		expiry:   make(map[string]time.Time),
		released: make(chan struct{}),
		watchers: make(map[*EventQueue]struct{}),
	}
}

var _ domain.Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(_ context.Context, path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.lookup(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, domain.ErrNodeNotFound)
	}
	return bytes.Clone(data), nil
}

func (s *MemoryStore) Exists(_ context.Context, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookup(path)
	return ok, nil
}

func (s *MemoryStore) Create(ctx context.Context, path string, data []byte) (bool, error) {
	err := s.Commit(ctx, domain.CreateOp(path, data))
	if errors.Is(err, domain.ErrNodeExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, data []byte) error {
	return s.Commit(ctx, domain.SetOp(path, data))
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	return s.Commit(ctx, domain.DeleteOp(path))
}

func (s *MemoryStore) Children(_ context.Context, path string) ([]string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.children[path]))
	for name := range s.children[path] {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *MemoryStore) Increment(_ context.Context, path string) (int64, error) {
	if err := ValidatePath(path); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	data, existed := s.lookup(path)
	if existed {
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("counter %s holds %q: %w", path, data, err)
		}
		current = n
	}
	next := current + 1
	s.write(path, []byte(strconv.FormatInt(next, 10)))
	return next, nil
}

func (s *MemoryStore) Commit(_ context.Context, ops ...domain.Op) error {
	for _, op := range ops {
		if err := ValidatePath(op.Path); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		switch op.Kind {
		case domain.OpCheck:
			data, ok := s.lookup(op.Path)
			if !ok || !bytes.Equal(data, op.Data) {
				return fmt.Errorf("check %s: %w", op.Path, domain.ErrCheckFailed)
			}
		case domain.OpCreate:
			if _, ok := s.lookup(op.Path); ok {
				return fmt.Errorf("create %s: %w", op.Path, domain.ErrNodeExists)
			}
		case domain.OpSet, domain.OpDelete:
		default:
			return fmt.Errorf("unknown op kind %q", op.Kind)
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case domain.OpSet, domain.OpCreate:
			s.write(op.Path, op.Data)
		case domain.OpDelete:
			s.remove(op.Path)
		}
	}
	return nil
}

func (s *MemoryStore) Lock(ctx context.Context, path string, ttl time.Duration) (domain.Lock, error) {
	for {
		lock, ok, err := s.TryLock(ctx, path, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}

		s.mu.Lock()
		released := s.released
		var expired <-chan time.Time
		if exp, leased := s.expiry[path]; leased {
			expired = s.clock.After(exp.Sub(s.clock.Now()))
		}
		s.mu.Unlock()

		select {
		case <-released:
		case <-expired:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		}
	}
}

func (s *MemoryStore) TryLock(ctx context.Context, path string, ttl time.Duration) (domain.Lock, bool, error) {
	if err := ValidatePath(path); err != nil {
		return nil, false, err
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.lookup(path); held {
		return nil, false, nil
	}
	token := uuid.NewString()
	s.nodes[path] = []byte(token)
	s.expiry[path] = s.clock.Now().Add(ttl)
	return &memoryLock{store: s, path: path, token: token}, true, nil
}

func (s *MemoryStore) Watch(ctx context.Context, prefix string) (<-chan domain.Event, error) {
	if err := ValidatePath(prefix); err != nil {
		return nil, err
	}
	q := NewEventQueue(prefix)

	s.mu.Lock()
	s.watchers[q] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, q)
		s.mu.Unlock()
	}()
	go q.Run(ctx)

	return q.Events(), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// lookup returns live data, purging lock nodes whose expiry passed.
// Callers hold s.mu.
func (s *MemoryStore) lookup(path string) ([]byte, bool) {
	data, ok := s.nodes[path]
	if !ok {
		return nil, false
	}
	if exp, leased := s.expiry[path]; leased && !s.clock.Now().Before(exp) {
		delete(s.nodes, path)
		delete(s.expiry, path)
		s.signalRelease()
		return nil, false
	}
	return data, true
}

func (s *MemoryStore) write(path string, data []byte) {
	_, existed := s.nodes[path]
	s.nodes[path] = bytes.Clone(data)
	delete(s.expiry, path)

	for child := path; child != "/"; child = Parent(child) {
		parent := Parent(child)
		if s.children[parent] == nil {
			s.children[parent] = make(map[string]struct{})
		}
		s.children[parent][Base(child)] = struct{}{}
	}

	if existed {
		s.publish(domain.Event{Type: domain.EventChanged, Path: path})
	} else {
		s.publish(domain.Event{Type: domain.EventCreated, Path: path})
	}
}

func (s *MemoryStore) remove(root string) {
	stack := []string{root}
	for len(stack) > 0 {
		path := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		kids := s.children[path]
		for name := range kids {
			stack = append(stack, childPath(path, name))
		}

		_, hadData := s.nodes[path]
		delete(s.nodes, path)
		delete(s.children, path)
		if _, leased := s.expiry[path]; leased {
			delete(s.expiry, path)
			s.signalRelease()
		}
		if hadData || len(kids) > 0 {
			s.publish(domain.Event{Type: domain.EventDeleted, Path: path})
		}
	}

	if root != "/" {
		delete(s.children[Parent(root)], Base(root))
	}
}

func (s *MemoryStore) publish(ev domain.Event) {
	for q := range s.watchers {
		q.Publish(ev)
	}
}

// signalRelease wakes every Lock waiter. Callers hold s.mu.
func (s *MemoryStore) signalRelease() {
	close(s.released)
	s.released = make(chan struct{})
}

type memoryLock struct {
	store *MemoryStore
	path  string
	token string
}

func (l *memoryLock) Path() string  { return l.path }
func (l *memoryLock) Token() string { return l.token }

func (l *memoryLock) Refresh(_ context.Context, ttl time.Duration) error {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.lookup(l.path)
	if !ok || string(data) != l.token {
		return fmt.Errorf("refresh %s: %w", l.path, domain.ErrLockLost)
	}
	s.expiry[l.path] = s.clock.Now().Add(ttl)
	return nil
}

func (l *memoryLock) Release(context.Context) error {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.lookup(l.path)
	if !ok || string(data) != l.token {
		return nil
	}
	delete(s.nodes, l.path)
	delete(s.expiry, l.path)
	s.signalRelease()
	return nil
}
