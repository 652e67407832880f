package storage

import (
	"log/slog"
	"sort"
	"sync"
)

// probeKey is written and deleted once at construction to test the backend.
const probeKey = "__storage_test__"

// SafeStorage wraps a durable Backend and transparently falls back to an
// in-process map when the backend is unusable. Callers never see an error.
//
// If the construction probe fails the backend is never touched again.
// Otherwise each operation tries the backend first and, on error, is served
// by the memory map for that call only. Memory-backed values do not survive
// a restart.
type SafeStorage struct {
	backend Backend
	durable bool
	logger  *slog.Logger

	mu     sync.Mutex
	memory map[string]string
}

// NewSafeStorage probes backend and returns a SafeStorage.
// A nil backend yields a memory-only store.
func NewSafeStorage(backend Backend, logger *slog.Logger) *SafeStorage {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SafeStorage{
		backend: backend,
		logger:  logger,
		memory:  make(map[string]string),
	}
	s.durable = s.probe()
	if !s.durable {
		logger.Warn("durable storage unavailable, using in-memory fallback")
	}
	return s
}

func (s *SafeStorage) probe() (ok bool) {
	if s.backend == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("storage probe panicked", "panic", r)
			ok = false
		}
	}()
	if err := s.backend.Set(probeKey, probeKey); err != nil {
		s.logger.Debug("storage probe write failed", "error", err)
		return false
	}
	if err := s.backend.Remove(probeKey); err != nil {
		s.logger.Debug("storage probe delete failed", "error", err)
		return false
	}
	return true
}

// Durable reports whether the backend passed the construction probe.
func (s *SafeStorage) Durable() bool {
	return s.durable
}

// Backend returns the wrapped backend when it is usable, nil otherwise.
func (s *SafeStorage) Backend() Backend {
	if !s.durable {
		return nil
	}
	return s.backend
}

// GetItem returns the value stored under key.
func (s *SafeStorage) GetItem(key string) (string, bool) {
	if s.durable {
		value, ok, err := s.call(func() (string, bool, error) { return s.backend.Get(key) })
		if err == nil && ok {
			return value, true
		}
		if err != nil {
			s.logger.Debug("storage get failed, using memory", "key", key, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.memory[key]
	return value, ok
}

// SetItem stores value under key.
func (s *SafeStorage) SetItem(key, value string) {
	if s.durable {
		_, _, err := s.call(func() (string, bool, error) { return "", false, s.backend.Set(key, value) })
		if err == nil {
			s.mu.Lock()
			delete(s.memory, key)
			s.mu.Unlock()
			return
		}
		s.logger.Debug("storage set failed, using memory", "key", key, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[key] = value
}

// RemoveItem deletes key from the backend and the memory map.
func (s *SafeStorage) RemoveItem(key string) {
	if s.durable {
		_, _, err := s.call(func() (string, bool, error) { return "", false, s.backend.Remove(key) })
		if err != nil {
			s.logger.Debug("storage remove failed", "key", key, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memory, key)
}

// Clear deletes every key.
func (s *SafeStorage) Clear() {
	if s.durable {
		_, _, err := s.call(func() (string, bool, error) { return "", false, s.backend.Clear() })
		if err != nil {
			s.logger.Debug("storage clear failed", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = make(map[string]string)
}

// Key returns the name of the i-th key in ascending order.
func (s *SafeStorage) Key(i int) (string, bool) {
	keys := s.keys()
	if i < 0 || i >= len(keys) {
		return "", false
	}
	return keys[i], true
}

// Length returns the number of stored keys.
func (s *SafeStorage) Length() int {
	return len(s.keys())
}

func (s *SafeStorage) keys() []string {
	set := make(map[string]struct{})
	if s.durable {
		var keys []string
		_, _, err := s.call(func() (string, bool, error) {
			var err error
			keys, err = s.backend.Keys()
			return "", false, err
		})
		if err != nil {
			s.logger.Debug("storage keys failed, using memory", "error", err)
		}
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}

	s.mu.Lock()
	for k := range s.memory {
		set[k] = struct{}{}
	}
	s.mu.Unlock()

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// call runs op and converts a panic into an error.
func (s *SafeStorage) call(op func() (string, bool, error)) (value string, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, ok, err = "", false, ErrUnavailable
		}
	}()
	return op()
}

// Compile-time interface verification.
var _ KeyValue = (*SafeStorage)(nil)
