package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/observability"
	"github.com/Mailria/mailria/internal/port/inbound"
	"github.com/Mailria/mailria/internal/port/outbound"
)

// DefaultHeartbeatInterval is the time between liveness checks.
const DefaultHeartbeatInterval = 5 * time.Minute

// Heartbeat pings the backend while the user is active. A ping is sent on
// an interval tick only if there was activity since the last ping and the
// context is visible. The ticker itself runs only while a token is present
// and the context is visible.
type Heartbeat struct {
	manager  *session.Manager
	pinger   outbound.Pinger
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	activity atomic.Bool

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	closed      bool
	loggedIn    bool
	visible     bool
	stopLoop    chan struct{}
	unsubscribe func()

	loops sync.WaitGroup
	pings sync.WaitGroup
}

// HeartbeatOption configures Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithHeartbeatInterval overrides DefaultHeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) HeartbeatOption {
	return func(h *Heartbeat) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithHeartbeatLogger sets the logger.
func WithHeartbeatLogger(logger *slog.Logger) HeartbeatOption {
	return func(h *Heartbeat) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHeartbeatMetrics sets the metrics sink.
func WithHeartbeatMetrics(m *observability.Metrics) HeartbeatOption {
	return func(h *Heartbeat) {
		h.metrics = m
	}
}

// NewHeartbeat creates a reporter. The context starts visible.
func NewHeartbeat(manager *session.Manager, pinger outbound.Pinger, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		manager:  manager,
		pinger:   pinger,
		interval: DefaultHeartbeatInterval,
		logger:   slog.Default(),
		visible:  true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins following the session. Pings use a context derived from ctx.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return errors.New("heartbeat already started")
	}
	h.started = true
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	unsubscribe := h.manager.Subscribe(h.onSession)

	h.mu.Lock()
	h.unsubscribe = unsubscribe
	h.mu.Unlock()

	h.onSession(h.manager.Snapshot())
	return nil
}

// Stop is Close without the error.
func (h *Heartbeat) Stop() {
	_ = h.Close()
}

// Close stops the ticker, cancels in-flight pings and waits for them.
func (h *Heartbeat) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.reconcileLocked()
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	cancel := h.cancel
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	h.loops.Wait()
	h.pings.Wait()
	return nil
}

// RecordActivity marks user interaction of the given kind (pointer, key,
// scroll, click). Ignored while logged out.
func (h *Heartbeat) RecordActivity(kind string) {
	h.mu.Lock()
	loggedIn := h.loggedIn
	h.mu.Unlock()
	if !loggedIn {
		return
	}
	if !h.activity.Swap(true) {
		h.logger.Debug("activity recorded", "kind", kind)
	}
}

// SetVisible records whether the context is in the foreground. The ticker
// pauses while hidden.
func (h *Heartbeat) SetVisible(visible bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.visible = visible
	h.reconcileLocked()
}

func (h *Heartbeat) onSession(cur session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedIn = cur.LoggedIn()
	if !h.loggedIn {
		h.activity.Store(false)
	}
	h.reconcileLocked()
}

// reconcileLocked starts or stops the ticker loop to match the state.
func (h *Heartbeat) reconcileLocked() {
	want := h.started && !h.closed && h.loggedIn && h.visible
	switch {
	case want && h.stopLoop == nil:
		h.stopLoop = make(chan struct{})
		h.loops.Add(1)
		go h.loop(h.ctx, h.stopLoop)
	case !want && h.stopLoop != nil:
		close(h.stopLoop)
		h.stopLoop = nil
	}
}

func (h *Heartbeat) loop(ctx context.Context, stop <-chan struct{}) {
	defer h.loops.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

// tick sends one ping if there was activity and the context is visible.
func (h *Heartbeat) tick() {
	h.mu.Lock()
	if h.closed || !h.loggedIn || !h.visible {
		h.mu.Unlock()
		return
	}
	ctx := h.ctx
	h.mu.Unlock()

	if !h.activity.CompareAndSwap(true, false) {
		return
	}

	h.pings.Add(1)
	go func() {
		defer h.pings.Done()
		err := h.pinger.Heartbeat(ctx)
		h.metrics.RecordHeartbeat(err == nil)
		if err != nil {
			h.logger.Debug("heartbeat failed", "error", err)
		}
	}()
}

// running reports whether the ticker loop is active.
func (h *Heartbeat) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopLoop != nil
}

var _ inbound.Worker = (*Heartbeat)(nil)
