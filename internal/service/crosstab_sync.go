package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/domain/storage"
	"github.com/Mailria/mailria/internal/observability"
	"github.com/Mailria/mailria/internal/port/inbound"
	"github.com/Mailria/mailria/internal/port/outbound"
)

// CrossTabSync mirrors a logout performed by another context sharing the
// same durable backend. When the session snapshot is removed elsewhere the
// local state is reset and the user is sent to the entry route.
type CrossTabSync struct {
	watcher   storage.Watcher
	manager   *session.Manager
	navigator outbound.Navigator
	contextID string
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CrossTabOption configures CrossTabSync.
type CrossTabOption func(*CrossTabSync)

// WithCrossTabLogger sets the logger.
func WithCrossTabLogger(logger *slog.Logger) CrossTabOption {
	return func(s *CrossTabSync) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCrossTabMetrics sets the metrics sink.
func WithCrossTabMetrics(m *observability.Metrics) CrossTabOption {
	return func(s *CrossTabSync) {
		s.metrics = m
	}
}

// NewCrossTabSync creates a synchronizer for the context identified by contextID.
func NewCrossTabSync(watcher storage.Watcher, manager *session.Manager, navigator outbound.Navigator, contextID string, opts ...CrossTabOption) *CrossTabSync {
	s := &CrossTabSync{
		watcher:   watcher,
		manager:   manager,
		navigator: navigator,
		contextID: contextID,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes storage events until ctx is done.
func (s *CrossTabSync) Run(ctx context.Context) error {
	err := s.watcher.Watch(ctx, s.HandleEvent)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Start runs the synchronizer in the background.
func (s *CrossTabSync) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("cross-context sync already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(runCtx); err != nil {
			s.logger.Warn("cross-context sync stopped", "error", err)
		}
	}()
	return nil
}

// Close stops the background watch and waits for it to return.
func (s *CrossTabSync) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// HandleEvent applies a single storage event.
func (s *CrossTabSync) HandleEvent(ev storage.Event) {
	if ev.Key != session.StorageKey || !ev.Deleted {
		return
	}
	if ev.Origin != "" && ev.Origin == s.contextID {
		return
	}

	s.logger.Info("session removed by another context", "origin", ev.Origin)
	s.manager.ResetLocal()
	s.metrics.RecordLogout("remote")
	if s.navigator != nil {
		s.navigator.Navigate(s.manager.LoginRoute())
	}
}

var _ inbound.Worker = (*CrossTabSync)(nil)
