package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/adapter/metrics"
	"github.com/pscheid92/configserver/internal/coordination"
	"github.com/pscheid92/configserver/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "configserver:"
	lockPollInterval = 50 * time.Millisecond
)

// Store is the Redis-backed coordination store shared by all replicas.
type Store struct {
	rdb     *goredis.Client
	clock   clockwork.Clock
	prefix  string
	channel string
	metrics *metrics.StoreMetrics
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a store under the default key prefix. m may be nil.
func NewStore(rdb *goredis.Client, clock clockwork.Clock, m *metrics.StoreMetrics) *Store {
	return NewStoreWithPrefix(rdb, clock, m, defaultKeyPrefix)
}

// NewStoreWithPrefix namespaces every key and the event channel under prefix,
// which lets several installations share one Redis.
func NewStoreWithPrefix(rdb *goredis.Client, clock clockwork.Clock, m *metrics.StoreMetrics, prefix string) *Store {
	return &Store{
		rdb:     rdb,
		clock:   clock,
		prefix:  prefix,
		channel: prefix + "events",
		metrics: m,
	}
}

func (s *Store) nodeKey(path string) string {
	return s.prefix + "node:" + path
}

func (s *Store) childrenKey(path string) string {
	return s.prefix + "children:" + path
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return nil, err
	}
	data, err := s.rdb.Get(ctx, s.nodeKey(path)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%s: %w", path, domain.ErrNodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", path, err)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return false, err
	}
	n, err := s.rdb.Exists(ctx, s.nodeKey(path)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", path, err)
	}
	return n == 1, nil
}

func (s *Store) Create(ctx context.Context, path string, data []byte) (bool, error) {
	err := s.Commit(ctx, domain.CreateOp(path, data))
	if errors.Is(err, domain.ErrNodeExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Set(ctx context.Context, path string, data []byte) error {
	return s.Commit(ctx, domain.SetOp(path, data))
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.Commit(ctx, domain.DeleteOp(path))
}

func (s *Store) Children(ctx context.Context, path string) ([]string, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return nil, err
	}
	names, err := s.rdb.SMembers(ctx, s.childrenKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", path, err)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) Increment(ctx context.Context, path string) (int64, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return 0, err
	}
	v, err := incrementScript.Run(ctx, s.rdb, nil, s.prefix, s.channel, path).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", path, err)
	}
	return v, nil
}

func (s *Store) Commit(ctx context.Context, ops ...domain.Op) error {
	if len(ops) == 0 {
		return nil
	}
	args := make([]any, 0, 3+3*len(ops))
	args = append(args, s.prefix, s.channel, len(ops))
	for _, op := range ops {
		if err := coordination.ValidatePath(op.Path); err != nil {
			return err
		}
		switch op.Kind {
		case domain.OpSet, domain.OpCreate, domain.OpDelete, domain.OpCheck:
		default:
			return fmt.Errorf("unknown op kind %q", op.Kind)
		}
		data := op.Data
		if data == nil {
			data = []byte{}
		}
		args = append(args, string(op.Kind), op.Path, data)
	}

	err := commitScript.Run(ctx, s.rdb, nil, args...).Err()
	if err == nil {
		return nil
	}

	var redisErr goredis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		switch {
		case strings.HasPrefix(msg, replyCheckFailed):
			return fmt.Errorf("check %s: %w", strings.TrimPrefix(msg, replyCheckFailed+" "), domain.ErrCheckFailed)
		case strings.HasPrefix(msg, replyNodeExists):
			return fmt.Errorf("create %s: %w", strings.TrimPrefix(msg, replyNodeExists+" "), domain.ErrNodeExists)
		}
	}
	return fmt.Errorf("failed to commit %d ops: %w", len(ops), err)
}

// Lock polls SET NX until it wins or ctx is done.
func (s *Store) Lock(ctx context.Context, path string, ttl time.Duration) (domain.Lock, error) {
	for {
		lock, ok, err := s.TryLock(ctx, path, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}

		select {
		case <-s.clock.After(lockPollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		}
	}
}

func (s *Store) TryLock(ctx context.Context, path string, ttl time.Duration) (domain.Lock, bool, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return nil, false, err
	}
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, s.nodeKey(path), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &lock{store: s, path: path, token: token}, true, nil
}

func (s *Store) Watch(ctx context.Context, prefix string) (<-chan domain.Event, error) {
	if err := coordination.ValidatePath(prefix); err != nil {
		return nil, err
	}

	pubsub := s.rdb.Subscribe(ctx, s.channel)
	// Wait for the subscription so no event published after Watch returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to store events: %w", err)
	}

	q := coordination.NewEventQueue(prefix)
	go q.Run(ctx)
	go func() {
		defer func() { _ = pubsub.Close() }()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := parseEvent(msg.Payload)
				if err != nil {
					slog.Warn("Ignoring malformed store event", "payload", msg.Payload, "error", err)
					continue
				}
				if s.metrics != nil {
					s.metrics.WatchEvents.WithLabelValues(string(ev.Type)).Inc()
				}
				q.Publish(ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	return q.Events(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func parseEvent(payload string) (domain.Event, error) {
	kind, path, ok := strings.Cut(payload, " ")
	if !ok {
		return domain.Event{}, errors.New("missing path")
	}
	switch t := domain.EventType(kind); t {
	case domain.EventCreated, domain.EventChanged, domain.EventDeleted:
		return domain.Event{Type: t, Path: path}, nil
	default:
		return domain.Event{}, fmt.Errorf("unknown event type %q", kind)
	}
}

type lock struct {
	store *Store
	path  string
	token string
}

func (l *lock) Path() string  { return l.path }
func (l *lock) Token() string { return l.token }

func (l *lock) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshLockScript.Run(ctx, l.store.rdb, []string{l.store.nodeKey(l.path)}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh lock %s: %w", l.path, err)
	}
	if n == 0 {
		return fmt.Errorf("refresh %s: %w", l.path, domain.ErrLockLost)
	}
	return nil
}

func (l *lock) Release(ctx context.Context) error {
	if err := releaseLockScript.Run(ctx, l.store.rdb, []string{l.store.nodeKey(l.path)}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return nil
}
