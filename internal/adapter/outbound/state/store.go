package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mailria/mailria/internal/domain/storage"
)

// DefaultLockRetry is how often Lock polls a contended lock file.
const DefaultLockRetry = 25 * time.Millisecond

// FileStore is a storage.Backend persisted in <dir>/storage.json.
// It provides atomic writes (write-tmp-then-rename), a rolling backup,
// file locking (flock for cross-process, mutex for in-process) and
// named cross-process locks.
type FileStore struct {
	dir       string
	path      string
	contextID string
	lockRetry time.Duration
	mu        sync.Mutex
	seq       uint64
	logger    *slog.Logger

	watchers atomic.Int32
	ownMu    sync.Mutex
	own      []ownWrite
}

// ownWrite records the keys changed by one of this context's writes.
type ownWrite struct {
	seq  uint64
	keys []string
}

// NewFileStore creates the storage directory if needed and returns a store
// that stamps every write with contextID.
func NewFileStore(dir, contextID string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{
		dir:       dir,
		path:      filepath.Join(dir, FileName),
		contextID: contextID,
		lockRetry: DefaultLockRetry,
		logger:    logger,
	}, nil
}

// Path returns the storage file path.
func (s *FileStore) Path() string {
	return s.path
}

// Get implements storage.Backend.
func (s *FileStore) Get(key string) (string, bool, error) {
	doc, err := s.load()
	if err != nil {
		return "", false, err
	}
	value, ok := doc.Items[key]
	return value, ok, nil
}

// Set implements storage.Backend.
func (s *FileStore) Set(key, value string) error {
	return s.mutate(func(doc *Document) []string {
		if cur, ok := doc.Items[key]; ok && cur == value {
			return nil
		}
		doc.Items[key] = value
		return []string{key}
	})
}

// Remove implements storage.Backend.
func (s *FileStore) Remove(key string) error {
	return s.mutate(func(doc *Document) []string {
		if _, ok := doc.Items[key]; !ok {
			return nil
		}
		delete(doc.Items, key)
		return []string{key}
	})
}

// Clear implements storage.Backend.
func (s *FileStore) Clear() error {
	return s.mutate(func(doc *Document) []string {
		keys := make([]string, 0, len(doc.Items))
		for k := range doc.Items {
			keys = append(keys, k)
		}
		doc.Items = map[string]string{}
		return keys
	})
}

// Keys implements storage.Backend.
func (s *FileStore) Keys() ([]string, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Items))
	for k := range doc.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Lock acquires the named cross-process lock, polling until it is free or
// ctx is done.
func (s *FileStore) Lock(ctx context.Context, name string) (func(), error) {
	lockPath := filepath.Join(s.dir, "lock-"+sanitizeLockName(name)+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		ok, err := flockTryLock(f.Fd())
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("acquire lock %q: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(s.lockRetry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = flockUnlock(f.Fd())
			_ = f.Close()
		})
	}, nil
}

// load reads and parses the storage file. A missing file is an empty store.
// Warns if the file has permissions more open than 0600.
func (s *FileStore) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyDocument(), nil
		}
		return nil, fmt.Errorf("read storage file: %w", err)
	}

	// Skip on Windows where Unix file permission bits are not supported.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				s.logger.Warn("storage.json has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	return parseDocument(data)
}

func parseDocument(data []byte) (*Document, error) {
	doc := emptyDocument()
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse storage file: %w", err)
	}
	if doc.Items == nil {
		doc.Items = map[string]string{}
	}
	return doc, nil
}

// mutate applies fn to the current document and saves it when fn returns
// the keys it changed.
//
// The write sequence is:
//  1. Acquire in-process mutex
//  2. Acquire flock on path+".lock"
//  3. Re-read the current file
//  4. Copy current file to path+".bak"
//  5. Write to path+".tmp" with 0600 permissions, fsync, rename
//  6. Release flock and mutex
func (s *FileStore) mutate(fn func(*Document) []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	currentData, readErr := os.ReadFile(s.path)
	if readErr != nil && !os.IsNotExist(readErr) {
		return fmt.Errorf("read storage file: %w", readErr)
	}
	doc, err := parseDocument(currentData)
	if err != nil {
		// A damaged file is replaced rather than blocking every write.
		s.logger.Warn("discarding unreadable storage file", "path", s.path, "error", err)
		doc = emptyDocument()
	}

	changed := fn(doc)
	if len(changed) == 0 {
		return nil
	}
	s.seq++
	doc.Writer = s.contextID
	doc.Seq = s.seq
	doc.UpdatedAt = time.Now().UTC()
	s.recordOwn(s.seq, changed)

	if readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", currentData, 0600); writeErr != nil {
			s.logger.Warn("failed to create backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on storage file", "error", err)
	}
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// over the target path. On any error the temp file is cleaned up.
func (s *FileStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to storage: %w", err)
	}
	return nil
}

func sanitizeLockName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// Compile-time interface verification.
var (
	_ storage.Backend = (*FileStore)(nil)
	_ storage.Locker  = (*FileStore)(nil)
	_ storage.Watcher = (*FileStore)(nil)
)
