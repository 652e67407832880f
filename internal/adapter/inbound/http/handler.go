package http

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mailria/mailria/internal/adapter/outbound/api"
	"github.com/Mailria/mailria/internal/domain/permission"
	"github.com/Mailria/mailria/internal/domain/session"
	"github.com/Mailria/mailria/internal/service"
)

// maxRequestBodySize is the maximum allowed request body size (64 KB).
const maxRequestBodySize = 64 << 10

// ProfileRoute is the page every authenticated user may open.
const ProfileRoute = "/profile"

var loginTemplate = template.Must(template.New("login").Parse(`<!doctype html>
<html>
<head><title>Mailria - Sign in</title></head>
<body>
{{range .Notices}}<p class="notice {{.Level}}">{{.Message}}</p>
{{end}}{{if .Error}}<p class="error">{{.Error}}</p>
{{end}}<form method="post" action="/login">
<input type="email" name="email" value="{{.Email}}" placeholder="Email" required>
<input type="password" name="password" placeholder="Password" required>
<label><input type="checkbox" name="remember_me" value="1"> Remember me</label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

type loginView struct {
	Email   string
	Error   string
	Notices []Notice
}

// pageResponse is the JSON body of a guarded page.
type pageResponse struct {
	Page        string   `json:"page"`
	Email       string   `json:"email,omitempty"`
	RoleID      *int     `json:"role_id"`
	Permissions []string `json:"permissions"`
	Notices     []Notice `json:"notices,omitempty"`
}

// ShellDeps are the collaborators of the web shell.
type ShellDeps struct {
	Manager   *session.Manager
	Login     *service.LoginService
	Guard     *service.AuthGuard
	Gate      *service.PermissionGate
	Heartbeat *service.Heartbeat
	Navigator *PendingNavigator
	Notices   *FlashNotifier
	Priority  []permission.Route
	Logger    *slog.Logger
}

// Shell serves the login flow and the guarded pages.
type Shell struct {
	manager   *session.Manager
	login     *service.LoginService
	guard     *service.AuthGuard
	gate      *service.PermissionGate
	heartbeat *service.Heartbeat
	navigator *PendingNavigator
	notices   *FlashNotifier
	priority  []permission.Route
	logger    *slog.Logger
}

// NewShell creates a Shell.
func NewShell(deps ShellDeps) *Shell {
	s := &Shell{
		manager:   deps.Manager,
		login:     deps.Login,
		guard:     deps.Guard,
		gate:      deps.Gate,
		heartbeat: deps.Heartbeat,
		navigator: deps.Navigator,
		notices:   deps.Notices,
		priority:  deps.Priority,
		logger:    deps.Logger,
	}
	if s.navigator == nil {
		s.navigator = NewPendingNavigator()
	}
	if s.notices == nil {
		s.notices = NewFlashNotifier()
	}
	if len(s.priority) == 0 {
		s.priority = permission.DefaultPriority
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the shell routes.
func (s *Shell) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("POST /ui/activity", s.handleActivity)
	mux.HandleFunc("POST /ui/visibility", s.handleVisibility)
	mux.Handle("GET "+ProfileRoute, s.page("profile", ""))
	for _, route := range s.priority {
		mux.Handle("GET "+route.Path, s.page(route.Key, route.Key))
	}
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

func (s *Shell) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !s.manager.Snapshot().LoggedIn() {
		s.redirect(w, r, s.manager.LoginRoute())
		return
	}
	s.redirect(w, r, s.landingRoute())
}

func (s *Shell) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if s.manager.Snapshot().LoggedIn() {
		s.redirect(w, r, s.landingRoute())
		return
	}
	// The login page is the destination of every pending logout.
	s.navigator.Take()
	s.renderLogin(w, http.StatusOK, loginView{Notices: s.notices.Drain()})
}

func (s *Shell) handleLogin(w http.ResponseWriter, r *http.Request) {
	logger := LoggerFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := r.ParseForm(); err != nil {
		s.renderLogin(w, http.StatusBadRequest, loginView{Error: "Malformed login form"})
		return
	}

	email := r.PostFormValue("email")
	remember := formBool(r.PostFormValue("remember_me"))
	err := s.login.Login(r.Context(), email, r.PostFormValue("password"), remember)
	if err != nil {
		status, message := loginFailure(err)
		logger.Info("login failed", "status", status, "error", err)
		s.renderLogin(w, status, loginView{Email: email, Error: message})
		return
	}

	s.navigator.Take()
	s.redirect(w, r, s.landingRoute())
}

func (s *Shell) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.login.Logout()
	s.navigator.Take()
	s.redirect(w, r, s.manager.LoginRoute())
}

type activityRequest struct {
	Kind string `json:"kind"`
}

func (s *Shell) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid activity payload", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = "interaction"
	}
	if s.heartbeat != nil {
		s.heartbeat.RecordActivity(req.Kind)
	}
	w.WriteHeader(http.StatusNoContent)
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

func (s *Shell) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Visible == nil {
		http.Error(w, `visibility payload must be {"visible": bool}`, http.StatusBadRequest)
		return
	}
	if s.heartbeat != nil {
		s.heartbeat.SetVisible(*req.Visible)
	}
	w.WriteHeader(http.StatusNoContent)
}

// page serves a guarded page. key is the required permission, "" for none.
func (s *Shell) page(name, key string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := LoggerFromContext(ctx)

		if route, ok := s.navigator.Take(); ok && route != r.URL.Path {
			s.redirect(w, r, route)
			return
		}
		if s.heartbeat != nil {
			s.heartbeat.RecordActivity("navigation")
		}

		state, err := s.guard.Mount(ctx).Wait(ctx)
		if err != nil {
			logger.Debug("page abandoned during identity check", "error", err)
			return
		}
		if state != service.GuardAuthorized {
			s.redirectPending(w, r, s.manager.LoginRoute())
			return
		}

		if key != "" {
			allowed, err := s.gate.Check(ctx, key)
			if err != nil {
				logger.Debug("page abandoned during permission check", "error", err)
				return
			}
			if !allowed {
				s.redirectPending(w, r, s.manager.LoginRoute())
				return
			}
		}

		cur := s.manager.Snapshot()
		writeJSON(w, http.StatusOK, pageResponse{
			Page:        name,
			Email:       cur.Email,
			RoleID:      cur.RoleID,
			Permissions: cur.Permissions.Keys(),
			Notices:     s.notices.Drain(),
		})
	})
}

// landingRoute is the first page the current session may open.
func (s *Shell) landingRoute() string {
	cur := s.manager.Snapshot()
	if permission.IsSuperAdmin(cur.RoleID) && len(s.priority) > 0 {
		return s.priority[0].Path
	}
	return s.gate.LandingRoute(cur.Permissions)
}

// redirectPending follows a navigation requested while serving r, or
// fallback when none was requested.
func (s *Shell) redirectPending(w http.ResponseWriter, r *http.Request, fallback string) {
	route, ok := s.navigator.Take()
	if !ok {
		route = fallback
	}
	s.redirect(w, r, route)
}

func (s *Shell) redirect(w http.ResponseWriter, r *http.Request, route string) {
	http.Redirect(w, r, route, http.StatusSeeOther)
}

func (s *Shell) renderLogin(w http.ResponseWriter, status int, view loginView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, view); err != nil {
		s.logger.Error("rendering login page", "error", err)
	}
}

// loginFailure maps a login error to a status and a user-facing message.
func loginFailure(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrMissingCredentials):
		return http.StatusBadRequest, "Email and password are required"
	case errors.Is(err, api.ErrUnauthorized):
		return http.StatusUnauthorized, "Invalid email or password"
	default:
		var statusErr *api.StatusError
		if errors.As(err, &statusErr) && statusErr.Status < http.StatusInternalServerError {
			return http.StatusUnauthorized, "Invalid email or password"
		}
		return http.StatusBadGateway, "Login is unavailable, try again later"
	}
}

func formBool(v string) bool {
	if v == "on" {
		return true
	}
	b, _ := strconv.ParseBool(v)
	return b
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
