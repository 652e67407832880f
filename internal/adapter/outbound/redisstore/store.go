// Package redisstore provides a Redis-backed durable storage backend.
//
// Items live in the hash <ns>:items. Every mutation is published on
// <ns>:events so other contexts observe it, and named locks are plain
// SET NX keys under <ns>:lock:<name> released with a compare-and-delete.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mailria/mailria/internal/domain/storage"
)

const (
	// DefaultNamespace prefixes every key written by the store.
	DefaultNamespace = "mailria"
	// DefaultTimeout bounds each backend call.
	DefaultTimeout = 2 * time.Second
	// DefaultLockTTL is the lifetime of an unreleased lock.
	DefaultLockTTL = 30 * time.Second
	// lockRetry is how often a contended lock is polled.
	lockRetry = 25 * time.Millisecond
)

// ErrRedisUnavailable wraps connection-level failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

const setScript = `
local old = redis.call("HGET", KEYS[1], ARGV[1])
if old == ARGV[2] then
  return {2, old}
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
if old then
  return {1, old}
end
return {0, ""}
`

const removeScript = `
local old = redis.call("HGET", KEYS[1], ARGV[1])
if not old then
  return {0, ""}
end
redis.call("HDEL", KEYS[1], ARGV[1])
return {1, old}
`

const clearScript = `
local all = redis.call("HGETALL", KEYS[1])
redis.call("DEL", KEYS[1])
return all
`

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	setLua    = redis.NewScript(setScript)
	removeLua = redis.NewScript(removeScript)
	clearLua  = redis.NewScript(clearScript)
	unlockLua = redis.NewScript(unlockScript)
)

// wireEvent is the JSON payload published on the events channel.
type wireEvent struct {
	Key      string `json:"key"`
	OldValue string `json:"old"`
	NewValue string `json:"new"`
	Deleted  bool   `json:"deleted"`
	Origin   string `json:"origin"`
}

// Store implements storage.Backend, storage.Watcher and storage.Locker on Redis.
type Store struct {
	rdb       redis.UniversalClient
	namespace string
	contextID string
	timeout   time.Duration
	lockTTL   time.Duration
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLockTTL sets the lifetime of an unreleased lock.
func WithLockTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Store on rdb. An empty namespace uses DefaultNamespace.
func New(rdb redis.UniversalClient, namespace, contextID string, opts ...Option) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	s := &Store{
		rdb:       rdb,
		namespace: namespace,
		contextID: contextID,
		timeout:   DefaultTimeout,
		lockTTL:   DefaultLockTTL,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) itemsKey() string        { return s.namespace + ":items" }
func (s *Store) eventsChannel() string   { return s.namespace + ":events" }
func (s *Store) lockKey(n string) string { return s.namespace + ":lock:" + n }

func (s *Store) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get implements storage.Backend.
func (s *Store) Get(key string) (string, bool, error) {
	ctx, cancel := s.callCtx()
	defer cancel()

	value, err := s.rdb.HGet(ctx, s.itemsKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return value, true, nil
}

// Set implements storage.Backend.
func (s *Store) Set(key, value string) error {
	ctx, cancel := s.callCtx()
	defer cancel()

	status, old, err := runPair(ctx, setLua, s.rdb, []string{s.itemsKey()}, key, value)
	if err != nil {
		return err
	}
	if status == 2 {
		return nil
	}
	s.publish(ctx, wireEvent{Key: key, OldValue: old, NewValue: value, Origin: s.contextID})
	return nil
}

// Remove implements storage.Backend.
func (s *Store) Remove(key string) error {
	ctx, cancel := s.callCtx()
	defer cancel()

	status, old, err := runPair(ctx, removeLua, s.rdb, []string{s.itemsKey()}, key)
	if err != nil {
		return err
	}
	if status == 0 {
		return nil
	}
	s.publish(ctx, wireEvent{Key: key, OldValue: old, Deleted: true, Origin: s.contextID})
	return nil
}

// Clear implements storage.Backend.
func (s *Store) Clear() error {
	ctx, cancel := s.callCtx()
	defer cancel()

	res, err := clearLua.Run(ctx, s.rdb, []string{s.itemsKey()}).StringSlice()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	for i := 0; i+1 < len(res); i += 2 {
		s.publish(ctx, wireEvent{Key: res[i], OldValue: res[i+1], Deleted: true, Origin: s.contextID})
	}
	return nil
}

// Keys implements storage.Backend.
func (s *Store) Keys() ([]string, error) {
	ctx, cancel := s.callCtx()
	defer cancel()

	keys, err := s.rdb.HKeys(ctx, s.itemsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) publish(ctx context.Context, ev wireEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encode storage event", "error", err)
		return
	}
	if err := s.rdb.Publish(ctx, s.eventsChannel(), payload).Err(); err != nil {
		s.logger.Warn("publish storage event failed", "key", ev.Key, "error", err)
	}
}

// Watch implements storage.Watcher. It subscribes to the events channel and
// delivers events written by other contexts until ctx is done.
func (s *Store) Watch(ctx context.Context, fn func(storage.Event)) error {
	sub := s.rdb.Subscribe(ctx, s.eventsChannel())
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: subscribe: %v", ErrRedisUnavailable, err)
	}
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Debug("ignoring malformed storage event", "error", err)
				continue
			}
			if ev.Origin == s.contextID {
				continue
			}
			fn(storage.Event{
				Key:      ev.Key,
				OldValue: ev.OldValue,
				NewValue: ev.NewValue,
				Deleted:  ev.Deleted,
				Origin:   ev.Origin,
			})
		}
	}
}

// Lock implements storage.Locker. The lock expires after the configured TTL
// if its holder never releases it.
func (s *Store) Lock(ctx context.Context, name string) (func(), error) {
	key := s.lockKey(name)
	token := uuid.NewString()

	for {
		ok, err := s.rdb.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: lock %q: %v", ErrRedisUnavailable, name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := s.callCtx()
			defer cancel()
			if err := unlockLua.Run(rctx, s.rdb, []string{key}, token).Err(); err != nil {
				s.logger.Warn("release lock failed", "name", name, "error", err)
			}
		})
	}, nil
}

// runPair runs a script returning {status, value}.
func runPair(ctx context.Context, script *redis.Script, rdb redis.UniversalClient, keys []string, args ...interface{}) (int64, string, error) {
	res, err := script.Run(ctx, rdb, keys, args...).Slice()
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) != 2 {
		return 0, "", fmt.Errorf("unexpected script reply %v", res)
	}
	status, _ := res[0].(int64)
	value, _ := res[1].(string)
	return status, value, nil
}

// Compile-time interface verification.
var (
	_ storage.Backend = (*Store)(nil)
	_ storage.Watcher = (*Store)(nil)
	_ storage.Locker  = (*Store)(nil)
)
