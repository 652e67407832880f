package storage

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingBackend returns an error from every call.
type failingBackend struct{}

func (failingBackend) Get(string) (string, bool, error) { return "", false, errors.New("denied") }
func (failingBackend) Set(string, string) error         { return errors.New("denied") }
func (failingBackend) Remove(string) error              { return errors.New("denied") }
func (failingBackend) Clear() error                     { return errors.New("denied") }
func (failingBackend) Keys() ([]string, error)          { return nil, errors.New("denied") }

// panickingBackend panics on every call.
type panickingBackend struct{}

func (panickingBackend) Get(string) (string, bool, error) { panic("boom") }
func (panickingBackend) Set(string, string) error         { panic("boom") }
func (panickingBackend) Remove(string) error              { panic("boom") }
func (panickingBackend) Clear() error                     { panic("boom") }
func (panickingBackend) Keys() ([]string, error)          { panic("boom") }

// mapBackend is a working backend whose failures can be toggled.
type mapBackend struct {
	mu    sync.Mutex
	items map[string]string
	fail  bool
}

func newMapBackend() *mapBackend {
	return &mapBackend{items: make(map[string]string)}
}

func (m *mapBackend) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", false, errors.New("offline")
	}
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *mapBackend) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("offline")
	}
	m.items[key] = value
	return nil
}

func (m *mapBackend) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("offline")
	}
	delete(m.items, key)
	return nil
}

func (m *mapBackend) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]string)
	return nil
}

func (m *mapBackend) Keys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func TestSafeStorage_FallbackRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		backend Backend
	}{
		{name: "nil backend", backend: nil},
		{name: "failing backend", backend: failingBackend{}},
		{name: "panicking backend", backend: panickingBackend{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewSafeStorage(tt.backend, quietLogger())

			if s.Durable() {
				t.Fatal("Durable() = true, want false")
			}
			s.SetItem("auth-storage", `{"state":{}}`)

			got, ok := s.GetItem("auth-storage")
			if !ok || got != `{"state":{}}` {
				t.Errorf("GetItem() = %q, %v; want written value", got, ok)
			}
			if s.Length() != 1 {
				t.Errorf("Length() = %d, want 1", s.Length())
			}
			if k, ok := s.Key(0); !ok || k != "auth-storage" {
				t.Errorf("Key(0) = %q, %v", k, ok)
			}

			s.RemoveItem("auth-storage")
			if _, ok := s.GetItem("auth-storage"); ok {
				t.Error("GetItem() after RemoveItem should miss")
			}
		})
	}
}

func TestSafeStorage_DurableBackend(t *testing.T) {
	t.Parallel()

	b := newMapBackend()
	s := NewSafeStorage(b, quietLogger())
	if !s.Durable() {
		t.Fatal("Durable() = false, want true")
	}
	if _, ok := b.items[probeKey]; ok {
		t.Error("probe key left behind in backend")
	}

	s.SetItem("a", "1")
	s.SetItem("b", "2")
	if v := b.items["a"]; v != "1" {
		t.Errorf("backend[a] = %q, want 1", v)
	}

	if s.Length() != 2 {
		t.Errorf("Length() = %d, want 2", s.Length())
	}
	if _, ok := s.Key(5); ok {
		t.Error("Key(5) should be out of range")
	}

	s.Clear()
	if s.Length() != 0 {
		t.Errorf("Length() after Clear = %d, want 0", s.Length())
	}
}

func TestSafeStorage_PerOperationFallback(t *testing.T) {
	t.Parallel()

	b := newMapBackend()
	s := NewSafeStorage(b, quietLogger())

	b.mu.Lock()
	b.fail = true
	b.mu.Unlock()

	s.SetItem("k", "v")
	if got, ok := s.GetItem("k"); !ok || got != "v" {
		t.Errorf("GetItem() during outage = %q, %v; want v", got, ok)
	}

	// Backend recovers; the memory value is still visible on a durable miss.
	b.mu.Lock()
	b.fail = false
	b.mu.Unlock()

	if got, ok := s.GetItem("k"); !ok || got != "v" {
		t.Errorf("GetItem() after recovery = %q, %v; want v", got, ok)
	}

	// A successful write supersedes the memory copy.
	s.SetItem("k", "w")
	if got, _ := s.GetItem("k"); got != "w" {
		t.Errorf("GetItem() = %q, want w", got)
	}
}
