// Package http provides the local web shell for the Mailria session core.
//
// The shell stands in for the browser UI: it exposes the login flow, the
// guarded pages and the signals (user activity, visibility) that drive the
// heartbeat. Pages are JSON stubs; the session behaviour around them is the
// point.
//
// # Endpoints
//
//	GET  /login           - Login page
//	POST /login           - Form login (email, password, remember_me)
//	POST /logout          - End the session everywhere
//	GET  /inbox ... /faq  - Pages guarded by AuthGuard and PermissionGate
//	GET  /profile         - Page guarded by AuthGuard only
//	POST /ui/activity     - {"kind": "click"} marks user activity
//	POST /ui/visibility   - {"visible": false} pauses the heartbeat
//	GET  /health          - Health report
//	GET  /metrics         - Prometheus metrics
//
// # Navigation
//
// Session components navigate asynchronously (a timeout logout, a logout in
// another context). PendingNavigator records the latest target and the next
// page request consumes it as a 303 redirect.
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. MetricsMiddleware - Records duration and status
//  2. RequestIDMiddleware - Tags the request and its logger
//  3. DNSRebindingProtection - Validates the Origin header
//  4. Handler - Routes to the shell
package http
