package service

import (
	"context"
	"log/slog"

	"github.com/Mailria/mailria/internal/domain/permission"
	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/observability"
	"github.com/Mailria/mailria/internal/port/outbound"
)

// AccessDeniedMessage is shown when a permission check fails.
const AccessDeniedMessage = "Access denied"

// PermissionGate decides whether the current session may see a page that
// requires a permission key. It never renders anything; on denial it
// redirects to the best page the user is allowed to see.
type PermissionGate struct {
	manager   *session.Manager
	navigator outbound.Navigator
	notifier  outbound.Notifier
	priority  []permission.Route
	fallback  string
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// GateOption configures PermissionGate.
type GateOption func(*PermissionGate)

// WithPriority overrides permission.DefaultPriority.
func WithPriority(routes []permission.Route) GateOption {
	return func(g *PermissionGate) {
		if len(routes) > 0 {
			g.priority = routes
		}
	}
}

// WithFallbackRoute overrides permission.FallbackRoute.
func WithFallbackRoute(route string) GateOption {
	return func(g *PermissionGate) {
		if route != "" {
			g.fallback = route
		}
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *PermissionGate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGateMetrics sets the metrics sink.
func WithGateMetrics(m *observability.Metrics) GateOption {
	return func(g *PermissionGate) {
		g.metrics = m
	}
}

// NewPermissionGate creates a gate.
func NewPermissionGate(manager *session.Manager, navigator outbound.Navigator, notifier outbound.Notifier, opts ...GateOption) *PermissionGate {
	g := &PermissionGate{
		manager:   manager,
		navigator: navigator,
		notifier:  notifier,
		priority:  permission.DefaultPriority,
		fallback:  permission.FallbackRoute,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check waits for hydration and reports whether key is allowed. Without a
// token it returns false and does nothing else. The error is non-nil only
// when ctx ends before hydration.
func (g *PermissionGate) Check(ctx context.Context, key string) (bool, error) {
	if err := g.manager.WaitHydrated(ctx); err != nil {
		return false, err
	}

	cur := g.manager.Snapshot()
	if !cur.LoggedIn() {
		return false, nil
	}
	if permission.IsSuperAdmin(cur.RoleID) {
		return true, nil
	}
	if cur.Permissions.Has(key) {
		return true, nil
	}

	target := g.LandingRoute(cur.Permissions)
	g.logger.Info("permission denied", "key", key, "redirect", target)
	g.metrics.RecordDenial(key)
	if g.notifier != nil {
		g.notifier.Notify(outbound.LevelWarning, AccessDeniedMessage)
	}
	if g.navigator != nil {
		g.navigator.Navigate(target)
	}
	return false, nil
}

// LandingRoute returns the first route perms allows, or the fallback.
func (g *PermissionGate) LandingRoute(perms permission.Set) string {
	return permission.FirstAllowed(g.priority, perms, g.fallback)
}
