package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mailria/mailria/internal/adapter/inbound/http"
	"github.com/Mailria/mailria/internal/domain/permission"
	"github.com/Mailria/mailria/internal/port/inbound"
	"github.com/Mailria/mailria/internal/service"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local web shell",
	Long: `Run the local web shell on server.http_addr.

The shell serves the login page and the permission-gated routes. While it
runs it reports user activity to the backend every heartbeat interval,
logs out 7 days after login unless remember-me was set, and follows
logouts performed by any other Mailria process on the same storage.

Examples:
  mailria serve
  mailria serve --addr 127.0.0.1:9000
  mailria --config /path/to/mailria.yaml serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.http_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(cmd.Context(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	return withApp(func(a *app) error {
		if serveAddr != "" {
			a.cfg.Server.HTTPAddr = serveAddr
		}
		if err := serve(ctx, a); err != nil {
			return err
		}
		a.logger.Info("mailria stopped")
		return nil
	})
}

// serve wires the session services and the web shell and blocks until ctx
// is done.
func serve(ctx context.Context, a *app) error {
	logger := a.logger
	sc := a.cfg.Session

	timeout := service.NewSessionTimeout(a.manager, a.marker, a.notices,
		service.WithMaxAge(sc.MaxAgeDuration()),
		service.WithTimeoutLogger(logger.With("component", "session_timeout")),
		service.WithTimeoutMetrics(a.metrics),
	)
	heartbeat := service.NewHeartbeat(a.manager, a.client,
		service.WithHeartbeatInterval(sc.HeartbeatIntervalDuration()),
		service.WithHeartbeatLogger(logger.With("component", "heartbeat")),
		service.WithHeartbeatMetrics(a.metrics),
	)
	gate := service.NewPermissionGate(a.manager, a.navigator, a.notices,
		service.WithFallbackRoute(sc.DefaultRoute),
		service.WithGateLogger(logger.With("component", "permission_gate")),
		service.WithGateMetrics(a.metrics),
	)
	guard := service.NewAuthGuard(a.manager, a.client, a.navigator, logger.With("component", "auth_guard"))

	workers := []inbound.Worker{timeout, heartbeat}
	if w, ok := a.watcher(); ok {
		workers = append(workers, service.NewCrossTabSync(w, a.manager, a.navigator, a.contextID,
			service.WithCrossTabLogger(logger.With("component", "crosstab_sync")),
			service.WithCrossTabMetrics(a.metrics),
		))
	} else {
		logger.Warn("storage backend has no change feed, logouts from other processes are not followed",
			"backend", a.cfg.Storage.Backend)
	}

	started := make([]inbound.Worker, 0, len(workers))
	defer func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Close(); err != nil {
				logger.Warn("worker close failed", "error", err)
			}
		}
	}()
	for _, w := range workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		started = append(started, w)
	}

	shell := http.NewShell(http.ShellDeps{
		Manager:   a.manager,
		Login:     a.login,
		Guard:     guard,
		Gate:      gate,
		Heartbeat: heartbeat,
		Navigator: a.navigator,
		Notices:   a.notices,
		Priority:  permission.DefaultPriority,
		Logger:    logger.With("component", "shell"),
	})
	server := http.NewServer(shell,
		http.WithAddr(a.cfg.Server.HTTPAddr),
		http.WithAllowedOrigins(a.cfg.Server.AllowedOrigins),
		http.WithLogger(logger.With("component", "http")),
		http.WithMetrics(a.metrics, a.registry),
		http.WithHealthChecker(http.NewHealthChecker(a.kv, a.manager, Version)),
	)

	printBanner(Version, a.cfg.Server.HTTPAddr, a.cfg.DevMode, a.cfg.Storage.Backend, a.kv.Durable(), a.manager.Snapshot().Email)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("web shell: %w", err)
	}
	return nil
}

// printBanner prints a startup banner to stderr.
func printBanner(version, httpAddr string, devMode bool, backend string, durable bool, email string) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	shellURL := fmt.Sprintf("http://%s/", httpAddr)
	if strings.HasPrefix(httpAddr, ":") {
		shellURL = fmt.Sprintf("http://localhost%s/", httpAddr)
	}

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset
	}
	storageStr := backend
	if !durable {
		storageStr += yellow + " (memory fallback)" + reset
	}
	sessionStr := dim + "logged out" + reset
	if email != "" {
		sessionStr = email
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s Mailria %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Web shell:", shellURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Storage:", storageStr)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Session:", sessionStr)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
