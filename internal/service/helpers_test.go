package service

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/domain/storage"
	"github.com/Mailria/mailria/internal/port/outbound"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNavigator struct {
	mu     sync.Mutex
	routes []string
}

func (n *recordingNavigator) Navigate(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, route)
}

func (n *recordingNavigator) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

type notice struct {
	level   outbound.Level
	message string
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *recordingNotifier) Notify(level outbound.Level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{level: level, message: message})
}

func (n *recordingNotifier) Notices() []notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notice(nil), n.notices...)
}

// newTestSession returns a hydrated Manager over a memory-only SafeStorage.
func newTestSession(t *testing.T) (*session.Manager, *storage.SafeStorage, *recordingNavigator) {
	t.Helper()
	kv := storage.NewSafeStorage(nil, quietLogger())
	nav := &recordingNavigator{}
	m := session.NewManager(kv, nav, session.WithLogger(quietLogger()))
	m.Hydrate()
	return m, kv, nav
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
