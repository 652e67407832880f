package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/Mailria/mailria/internal/domain/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, dir, contextID string) *FileStore {
	t.Helper()
	s, err := NewFileStore(dir, contextID, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Backend tests
// ---------------------------------------------------------------------------

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t, t.TempDir(), "ctx-a")

	if _, ok, err := s.Get("auth-storage"); err != nil || ok {
		t.Errorf("Get() = %v, %v; want miss without error", ok, err)
	}
	keys, err := s.Keys()
	if err != nil || len(keys) != 0 {
		t.Errorf("Keys() = %v, %v; want empty", keys, err)
	}
}

func TestFileStore_SetGetAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	a := newTestStore(t, dir, "ctx-a")
	b := newTestStore(t, dir, "ctx-b")

	if err := a.Set("auth-storage", `{"state":{}}`); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	got, ok, err := b.Get("auth-storage")
	if err != nil || !ok || got != `{"state":{}}` {
		t.Errorf("Get() from second instance = %q, %v, %v", got, ok, err)
	}
}

func TestFileStore_DocumentFormat(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, "ctx-a")
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read storage file: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("storage file is not valid JSON: %v", err)
	}
	if doc.Writer != "ctx-a" {
		t.Errorf("expected writer ctx-a, got %q", doc.Writer)
	}
	if doc.Items["k"] != "v" {
		t.Errorf("expected items[k] = v, got %v", doc.Items)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, FileName))
		if err != nil {
			t.Fatalf("stat: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("expected 0600 permissions, got %04o", perm)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, FileName+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind after write")
	}
}

func TestFileStore_BackupWritten(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, "ctx-a")
	_ = s.Set("k", "1")
	_ = s.Set("k", "2")

	data, err := os.ReadFile(filepath.Join(dir, FileName+".bak"))
	if err != nil {
		t.Fatalf("expected backup file: %v", err)
	}
	doc, err := parseDocument(data)
	if err != nil {
		t.Fatalf("backup unparsable: %v", err)
	}
	if doc.Items["k"] != "1" {
		t.Errorf("expected backup to hold previous value 1, got %q", doc.Items["k"])
	}
}

func TestFileStore_RemoveClearKeys(t *testing.T) {
	s := newTestStore(t, t.TempDir(), "ctx-a")

	if err := s.Remove("missing"); err != nil {
		t.Errorf("Remove() of missing key returned error: %v", err)
	}

	_ = s.Set("b", "2")
	_ = s.Set("a", "1")
	keys, _ := s.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys() = %v, want [a b]", keys)
	}

	if err := s.Remove("a"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if _, ok, _ := s.Get("a"); ok {
		t.Error("key a still present after Remove")
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if keys, _ := s.Keys(); len(keys) != 0 {
		t.Errorf("Keys() after Clear = %v", keys)
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{broken"), 0600); err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t, dir, "ctx-a")

	if _, _, err := s.Get("k"); err == nil {
		t.Error("Get() on corrupt file should fail")
	}
	if err := s.Set("k", "v"); err != nil {
		t.Fatalf("Set() should replace corrupt file, got %v", err)
	}
	if got, ok, err := s.Get("k"); err != nil || !ok || got != "v" {
		t.Errorf("Get() = %q, %v, %v", got, ok, err)
	}
}

func TestFileStore_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	a := newTestStore(t, dir, "ctx-a")
	b := newTestStore(t, dir, "ctx-b")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = a.Set("a-"+string(rune('a'+i)), "x")
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = b.Set("b-"+string(rune('a'+i)), "y")
		}(i)
	}
	wg.Wait()

	keys, err := a.Keys()
	if err != nil {
		t.Fatalf("Keys() error: %v", err)
	}
	if len(keys) != 40 {
		t.Errorf("expected 40 keys after concurrent writes, got %d", len(keys))
	}
}

// ---------------------------------------------------------------------------
// Lock tests
// ---------------------------------------------------------------------------

func TestFileStore_LockExclusive(t *testing.T) {
	dir := t.TempDir()
	a := newTestStore(t, dir, "ctx-a")
	b := newTestStore(t, dir, "ctx-b")

	release, err := a.Lock(context.Background(), "token-refresh")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(ctx, "token-refresh"); err == nil {
		t.Fatal("second Lock() should block until ctx expires")
	}

	release()
	release() // idempotent

	release2, err := b.Lock(context.Background(), "token-refresh")
	if err != nil {
		t.Fatalf("Lock() after release error: %v", err)
	}
	release2()
}

func TestFileStore_LockNamesIndependent(t *testing.T) {
	s := newTestStore(t, t.TempDir(), "ctx-a")

	r1, err := s.Lock(context.Background(), "one")
	if err != nil {
		t.Fatalf("Lock(one) error: %v", err)
	}
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r2, err := s.Lock(ctx, "two")
	if err != nil {
		t.Fatalf("Lock(two) should not contend with one: %v", err)
	}
	r2()
}

// ---------------------------------------------------------------------------
// Watch tests
// ---------------------------------------------------------------------------

func TestFileStore_WatchForeignRemoval(t *testing.T) {
	dir := t.TempDir()
	watcher := newTestStore(t, dir, "ctx-a")
	other := newTestStore(t, dir, "ctx-b")

	if err := other.Set("auth-storage", "snapshot"); err != nil {
		t.Fatal(err)
	}

	events := make(chan storage.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- watcher.Watch(ctx, func(ev storage.Event) { events <- ev })
	}()
	// Let the watcher register before mutating.
	time.Sleep(100 * time.Millisecond)

	if err := other.Remove("auth-storage"); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Key != "auth-storage" || !ev.Deleted || ev.Origin != "ctx-b" || ev.OldValue != "snapshot" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event for foreign removal")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() returned %v", err)
	}
}

func TestFileStore_WatchIgnoresOwnWrites(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, "ctx-a")

	events := make(chan storage.Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Watch(ctx, func(ev storage.Event) { events <- ev }) }()
	time.Sleep(100 * time.Millisecond)

	_ = s.Set("auth-storage", "mine")
	_ = s.Remove("auth-storage")

	select {
	case ev := <-events:
		t.Errorf("own write produced event %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFileStore_ForeignRemovalCarriedByOwnWrite(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, dir, "ctx-a")
	other := newTestStore(t, dir, "ctx-b")

	if err := other.Set("auth-storage", "snapshot"); err != nil {
		t.Fatal(err)
	}
	s.watchers.Add(1)
	defer s.watchers.Add(-1)
	last := s.read()

	// ctx-b logs out, then ctx-a writes before its watcher sees the removal.
	if err := other.Remove("auth-storage"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("heartbeat", "1"); err != nil {
		t.Fatal(err)
	}

	var events []storage.Event
	next := s.dispatch(last, func(ev storage.Event) { events = append(events, ev) })

	if len(events) != 1 {
		t.Fatalf("events = %+v, want only the foreign removal", events)
	}
	ev := events[0]
	if ev.Key != "auth-storage" || !ev.Deleted || ev.OldValue != "snapshot" || ev.Origin != "" {
		t.Errorf("unexpected event %+v", ev)
	}
	if next.items["heartbeat"] != "1" {
		t.Errorf("baseline not advanced: %v", next.items)
	}

	// The own write is consumed; a later own removal stays silent.
	if err := s.Remove("heartbeat"); err != nil {
		t.Fatal(err)
	}
	events = nil
	s.dispatch(next, func(ev storage.Event) { events = append(events, ev) })
	if len(events) != 0 {
		t.Errorf("own removal produced events %+v", events)
	}
}

func TestFileStore_OwnWritesNotRecordedWithoutWatcher(t *testing.T) {
	s := newTestStore(t, t.TempDir(), "ctx-a")
	for i := 0; i < 10; i++ {
		if err := s.Set("k", string(rune('a'+i))); err != nil {
			t.Fatal(err)
		}
	}
	s.ownMu.Lock()
	defer s.ownMu.Unlock()
	if len(s.own) != 0 {
		t.Errorf("own writes recorded without a watcher: %d", len(s.own))
	}
}

func TestDiffItems(t *testing.T) {
	events := diffItems(
		map[string]string{"a": "1", "b": "2", "c": "3"},
		map[string]string{"a": "1", "b": "20", "d": "4"},
		"ctx-x",
	)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Key != "b" || events[0].NewValue != "20" || events[0].OldValue != "2" {
		t.Errorf("unexpected change event %+v", events[0])
	}
	if events[1].Key != "c" || !events[1].Deleted {
		t.Errorf("unexpected delete event %+v", events[1])
	}
	if events[2].Key != "d" || events[2].Deleted || events[2].Origin != "ctx-x" {
		t.Errorf("unexpected add event %+v", events[2])
	}
}
