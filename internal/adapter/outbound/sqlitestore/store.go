// Package sqlitestore provides a SQLite-backed durable storage backend.
//
// Items are kept in the items table. The meta table records a revision
// counter and the context ID of the last writer; Watch polls the revision
// to notice writes made by other processes.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mailria/mailria/internal/domain/storage"
)

// DefaultPollInterval is how often Watch checks for foreign writes.
const DefaultPollInterval = 500 * time.Millisecond

const schema = `
CREATE TABLE IF NOT EXISTS items (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
INSERT OR IGNORE INTO meta (k, v) VALUES ('revision', '0');
INSERT OR IGNORE INTO meta (k, v) VALUES ('writer', '');
`

// Store implements storage.Backend and storage.Watcher on SQLite.
type Store struct {
	db           *sql.DB
	contextID    string
	pollInterval time.Duration
	logger       *slog.Logger

	watchers atomic.Int32
	ownMu    sync.Mutex
	own      []ownWrite
}

// ownWrite records the keys changed by this context at one revision.
type ownWrite struct {
	revision int64
	keys     []string
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often Watch polls for changes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
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

// Open opens (creating if needed) the database at path.
func Open(path, contextID string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers inside the process; busy_timeout
	// covers other processes.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:           db,
		contextID:    contextID,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements storage.Backend.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM items WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements storage.Backend.
func (s *Store) Set(key, value string) error {
	return s.tx(func(tx *sql.Tx) ([]string, error) {
		var old string
		err := tx.QueryRow(`SELECT value FROM items WHERE key = ?`, key).Scan(&old)
		if err == nil && old == value {
			return nil, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if _, err := tx.Exec(`INSERT INTO items (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
			return nil, err
		}
		return []string{key}, nil
	})
}

// Remove implements storage.Backend.
func (s *Store) Remove(key string) error {
	return s.tx(func(tx *sql.Tx) ([]string, error) {
		res, err := tx.Exec(`DELETE FROM items WHERE key = ?`, key)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return nil, err
		}
		return []string{key}, nil
	})
}

// Clear implements storage.Backend.
func (s *Store) Clear() error {
	return s.tx(func(tx *sql.Tx) ([]string, error) {
		rows, err := tx.Query(`SELECT key FROM items`)
		if err != nil {
			return nil, err
		}
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				_ = rows.Close()
				return nil, err
			}
			keys = append(keys, k)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM items`); err != nil {
			return nil, err
		}
		return keys, nil
	})
}

// Keys implements storage.Backend.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM items ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// tx runs fn in a transaction and bumps the revision when fn returns the
// keys it changed.
func (s *Store) tx(fn func(*sql.Tx) ([]string, error)) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	changed, err := fn(tx)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if len(changed) == 0 {
		return nil
	}
	if _, err := tx.Exec(`UPDATE meta SET v = CAST(CAST(v AS INTEGER) + 1 AS TEXT) WHERE k = 'revision'`); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	if _, err := tx.Exec(`UPDATE meta SET v = ? WHERE k = 'writer'`, s.contextID); err != nil {
		return fmt.Errorf("record writer: %w", err)
	}
	if s.watchers.Load() > 0 {
		var rev string
		if err := tx.QueryRow(`SELECT v FROM meta WHERE k = 'revision'`).Scan(&rev); err != nil {
			return fmt.Errorf("read revision: %w", err)
		}
		n, _ := strconv.ParseInt(rev, 10, 64)
		s.recordOwn(n, changed)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// snapshot is the items table plus its revision and writer.
type snapshot struct {
	revision int64
	writer   string
	items    map[string]string
}

func (s *Store) readSnapshot(ctx context.Context) (snapshot, error) {
	snap := snapshot{items: map[string]string{}}

	rows, err := s.db.QueryContext(ctx, `SELECT k, v FROM meta`)
	if err != nil {
		return snap, fmt.Errorf("read meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			_ = rows.Close()
			return snap, fmt.Errorf("scan meta: %w", err)
		}
		switch k {
		case "revision":
			snap.revision, _ = strconv.ParseInt(v, 10, 64)
		case "writer":
			snap.writer = v
		}
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT key, value FROM items`)
	if err != nil {
		return snap, fmt.Errorf("read items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return snap, fmt.Errorf("scan item: %w", err)
		}
		snap.items[k] = v
	}
	return snap, rows.Err()
}

func (s *Store) revision(ctx context.Context) (int64, error) {
	var v string
	if err := s.db.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = 'revision'`).Scan(&v); err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// Watch implements storage.Watcher by polling the revision counter.
// Keys changed by this store's own writes advance the baseline silently.
func (s *Store) Watch(ctx context.Context, fn func(storage.Event)) error {
	s.watchers.Add(1)
	defer func() {
		if s.watchers.Add(-1) == 0 {
			s.ownMu.Lock()
			s.own = nil
			s.ownMu.Unlock()
		}
	}()

	last, err := s.readSnapshot(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rev, err := s.revision(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Debug("poll revision failed", "error", err)
				continue
			}
			if rev == last.revision {
				continue
			}
			next, err := s.readSnapshot(ctx)
			if err != nil {
				s.logger.Debug("poll snapshot failed", "error", err)
				continue
			}
			s.dispatch(last, next, fn)
			last = next
		}
	}
}

// dispatch reports the changes between last and next. When next was written
// here, keys this context changed are skipped and the remaining foreign
// changes have an unknown origin.
func (s *Store) dispatch(last, next snapshot, fn func(storage.Event)) {
	own := s.takeOwn(next.revision)
	if next.writer != s.contextID {
		// A foreign write after ours may have changed the same key again.
		for _, ev := range diff(last.items, next.items, next.writer) {
			fn(ev)
		}
		return
	}
	for _, ev := range diff(last.items, next.items, "") {
		if _, ok := own[ev.Key]; !ok {
			fn(ev)
		}
	}
}

// recordOwn notes the keys this context changed at revision.
func (s *Store) recordOwn(revision int64, keys []string) {
	s.ownMu.Lock()
	defer s.ownMu.Unlock()
	s.own = append(s.own, ownWrite{revision: revision, keys: keys})
}

// takeOwn removes and returns the keys of every own write up to revision.
func (s *Store) takeOwn(revision int64) map[string]struct{} {
	s.ownMu.Lock()
	defer s.ownMu.Unlock()

	keys := make(map[string]struct{})
	i := 0
	for ; i < len(s.own) && s.own[i].revision <= revision; i++ {
		for _, k := range s.own[i].keys {
			keys[k] = struct{}{}
		}
	}
	s.own = s.own[i:]
	return keys
}

// diff returns one event per changed key, ordered by key.
func diff(before, after map[string]string, origin string) []storage.Event {
	var events []storage.Event
	for k, old := range before {
		if _, ok := after[k]; !ok {
			events = append(events, storage.Event{Key: k, OldValue: old, Deleted: true, Origin: origin})
		}
	}
	for k, v := range after {
		if old, ok := before[k]; !ok || old != v {
			events = append(events, storage.Event{Key: k, OldValue: old, NewValue: v, Origin: origin})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Key < events[j].Key })
	return events
}

// Compile-time interface verification.
var (
	_ storage.Backend = (*Store)(nil)
	_ storage.Watcher = (*Store)(nil)
)
