package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mailria/mailria/internal/ctxkey"
	"github.com/Mailria/mailria/internal/domain/storage"
	"github.com/Mailria/mailria/internal/observability"
)

// Backend endpoints handled specially by the transport.
const (
	LoginPath     = "/login"
	RefreshPath   = "/token/refresh"
	MePath        = "/user/get_user_me"
	HeartbeatPath = "/heartbeat"
)

// refreshLockName is the cross-context lock taken around a refresh.
const refreshLockName = "token-refresh"

// defaultLockWait bounds how long a refresh waits for another context's refresh.
const defaultLockWait = 15 * time.Second

// TokenStore is the session view the transport depends on.
// session.Manager implements it.
type TokenStore interface {
	// StoredTokens reads the token pair from durable storage.
	StoredTokens() (access, refresh string)
	// UpdateTokens persists a rotated token pair.
	UpdateTokens(access, refresh string)
	// Logout clears the session and navigates to the entry route.
	Logout()
}

// refreshResult is delivered to every request queued behind a refresh.
type refreshResult struct {
	token string
	err   error
}

// refreshState is the single-flight refresh guard. At most one refresh is in
// flight; every other 401 arrival queues a buffered channel that is resolved
// in insertion order when the refresh settles.
type refreshState struct {
	mu         sync.Mutex
	refreshing bool
	queue      []chan refreshResult
}

// authTransport attaches bearer tokens and recovers from 401 responses with
// a single coordinated token refresh.
type authTransport struct {
	base     http.RoundTripper
	baseURL  string
	tokens   TokenStore
	locker   storage.Locker
	lockWait time.Duration
	refresh  *http.Client
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	state refreshState
}

// RoundTrip implements http.RoundTripper.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer.Start(req.Context(), "api.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.path", req.URL.Path),
			attribute.Bool("mailria.retried", isRetried(req.Context())),
		))
	defer span.End()

	// The token is read from durable storage on every request so a rotation
	// by any context is picked up immediately.
	access, _ := t.tokens.StoredTokens()
	req = req.WithContext(context.WithValue(ctx, sentTokenKey{}, access))

	resp, err := t.send(req, access)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	resp, err = t.handleUnauthorized(req, resp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unauthorized")
	}
	return resp, err
}

// send clones req, attaches token and forwards it to the base transport.
func (t *authTransport) send(req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}
	return t.base.RoundTrip(out)
}

// handleUnauthorized runs the per-request 401 state machine.
func (t *authTransport) handleUnauthorized(req *http.Request, resp *http.Response) (*http.Response, error) {
	discard(resp)
	rejected := &AuthError{Status: http.StatusUnauthorized, Method: req.Method, Path: req.URL.Path}

	if isRetried(req.Context()) || isAuthEndpoint(req.URL.Path) {
		return nil, rejected
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrNotReplayable)
	}

	token, err := t.awaitToken(req.Context())
	if err != nil {
		return nil, err
	}

	retry := req.Clone(context.WithValue(req.Context(), ctxkey.RetriedKey{}, true))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retry.Body = body
	}

	resp, err = t.send(retry, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, rejected
	}
	return resp, nil
}

// awaitToken either joins the in-flight refresh or starts one.
func (t *authTransport) awaitToken(ctx context.Context) (string, error) {
	t.state.mu.Lock()
	if t.state.refreshing {
		ch := make(chan refreshResult, 1)
		t.state.queue = append(t.state.queue, ch)
		t.metrics.SetRefreshWaiters(len(t.state.queue))
		t.state.mu.Unlock()

		select {
		case r := <-ch:
			return r.token, r.err
		case <-ctx.Done():
			// The buffered entry is still resolved and then dropped.
			return "", ctx.Err()
		}
	}

	_, refresh := t.tokens.StoredTokens()
	if refresh == "" {
		t.state.mu.Unlock()
		t.logger.Info("no refresh token, ending session")
		t.metrics.RecordRefresh("no_token")
		t.metrics.RecordLogout("no_refresh_token")
		t.tokens.Logout()
		return "", ErrSessionExpired
	}
	t.state.refreshing = true
	t.state.mu.Unlock()

	return t.runRefresh(ctx)
}

// runRefresh performs the refresh and settles the queue. The refreshing flag
// is cleared and every waiter resolved even if the refresh panics. A failed
// refresh logs out before the flag is cleared, so a 401 arriving meanwhile
// queues behind it instead of spending the dead refresh token again.
func (t *authTransport) runRefresh(ctx context.Context) (token string, err error) {
	defer func() {
		if r := recover(); r != nil {
			token, err = "", &RefreshError{Err: fmt.Errorf("panic: %v", r)}
		}

		if err != nil {
			t.logger.Warn("token refresh failed, ending session", "error", err)
			t.metrics.RecordRefresh("error")
			t.metrics.RecordLogout("refresh_failed")
			t.logout()
		}

		t.state.mu.Lock()
		queue := t.state.queue
		t.state.queue = nil
		t.state.refreshing = false
		t.metrics.SetRefreshWaiters(0)
		t.state.mu.Unlock()

		for _, ch := range queue {
			ch <- refreshResult{token: token, err: err}
		}
	}()

	// The refresh always runs to completion, even if the caller gives up.
	rctx := context.WithoutCancel(ctx)
	rctx, span := t.tracer.Start(rctx, "api.token_refresh")
	defer span.End()

	if t.locker != nil {
		lockCtx, cancel := context.WithTimeout(rctx, t.lockWait)
		release, lerr := t.locker.Lock(lockCtx, refreshLockName)
		cancel()
		if lerr != nil {
			t.logger.Warn("refresh lock unavailable, refreshing without it", "error", lerr)
		} else {
			defer release()
		}
	}

	// The failed request may have raced a refresh that already completed here
	// or in another context; adopt the rotated pair instead of spending the
	// refresh token again.
	access, refresh := t.tokens.StoredTokens()
	if sent := sentToken(ctx); access != "" && sent != "" && access != sent {
		span.SetAttributes(attribute.Bool("mailria.adopted", true))
		t.logger.Debug("adopting tokens rotated elsewhere")
		t.tokens.UpdateTokens(access, refresh)
		t.metrics.RecordRefresh("adopted")
		return access, nil
	}
	if refresh == "" {
		return "", &RefreshError{Err: ErrSessionExpired}
	}

	newAccess, newRefresh, err := t.callRefresh(rctx, refresh)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return "", err
	}
	if newRefresh == "" {
		newRefresh = refresh
	}
	t.tokens.UpdateTokens(newAccess, newRefresh)
	t.metrics.RecordRefresh("ok")
	t.logger.Debug("token refreshed")
	return newAccess, nil
}

// logout ends the session. A panicking TokenStore must not leave the
// refresh flag set.
func (t *authTransport) logout() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("logout panicked", "panic", r)
		}
	}()
	t.tokens.Logout()
}

// callRefresh posts the refresh token on the interceptor-free client.
func (t *authTransport) callRefresh(ctx context.Context, refreshToken string) (string, string, error) {
	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return "", "", &RefreshError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+RefreshPath, bytes.NewReader(payload))
	if err != nil {
		return "", "", &RefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.refresh.Do(req)
	if err != nil {
		return "", "", &RefreshError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", "", &RefreshError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", &RefreshError{
			Status: resp.StatusCode,
			Err:    &StatusError{Status: resp.StatusCode, Body: truncate(string(body))},
		}
	}

	var pair struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &pair); err != nil {
		return "", "", &RefreshError{Status: resp.StatusCode, Err: fmt.Errorf("decode refresh response: %w", err)}
	}
	if pair.AccessToken == "" {
		return "", "", &RefreshError{Status: resp.StatusCode, Err: errors.New("refresh response without access_token")}
	}
	return pair.AccessToken, pair.RefreshToken, nil
}

// sentTokenKey carries the access token attached to the request that got 401.
type sentTokenKey struct{}

func sentToken(ctx context.Context) string {
	v, _ := ctx.Value(sentTokenKey{}).(string)
	return v
}

func isRetried(ctx context.Context) bool {
	v, _ := ctx.Value(ctxkey.RetriedKey{}).(bool)
	return v
}

// isAuthEndpoint reports whether path is the login or refresh endpoint.
func isAuthEndpoint(path string) bool {
	path = strings.TrimRight(path, "/")
	return strings.HasSuffix(path, LoginPath) || strings.HasSuffix(path, RefreshPath)
}

// discard drains and closes a response body so the connection can be reused.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
}

// waiters returns the number of requests queued behind the current refresh.
func (t *authTransport) waiters() int {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	return len(t.state.queue)
}
