// Command gateway runs the GitLab MCP gateway: a single HTTP process
// multiplexing many clients, each identified by its credential pair, onto
// per-session upstream clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitlab-mcp/gateway/pkg/config"
	gwerrors "github.com/gitlab-mcp/gateway/pkg/errors"
	"github.com/gitlab-mcp/gateway/pkg/gitlab"
	"github.com/gitlab-mcp/gateway/pkg/logging"
	"github.com/gitlab-mcp/gateway/pkg/observability"
	"github.com/gitlab-mcp/gateway/pkg/protocol"
	"github.com/gitlab-mcp/gateway/pkg/server"
	"github.com/gitlab-mcp/gateway/pkg/session"
)

const (
	serverName    = "gitlab-mcp-gateway"
	serverVersion = "0.1.0"

	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logger.Info("starting gateway",
		logging.String("listen", cfg.Listen),
		logging.String("version", serverVersion))

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	var tracing *observability.TracingProvider
	if cfg.Tracing.Enabled {
		tracing, err = observability.NewTracingProvider(observability.TracingConfig{
			ServiceName:    serverName,
			ServiceVersion: serverVersion,
			ExporterType:   observability.ExporterType(cfg.Tracing.Exporter),
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	upstreamLogger := logger.WithFields(logging.String("component", "upstream"))
	hooks := gitlab.Hooks{
		After: func(ctx context.Context, method, url string, status int, duration time.Duration, err error) {
			fields := []logging.Field{
				logging.String("method", method),
				logging.String("url", url),
				logging.Int("status", status),
				logging.Duration("duration", duration),
			}
			if err != nil {
				upstreamLogger.WithContext(ctx).WithError(err).Warn("upstream call failed", fields...)
				return
			}
			upstreamLogger.WithContext(ctx).Debug("upstream call", fields...)
		},
	}

	store := session.NewStore(session.Options{
		NewClient: func(creds gitlab.Credentials) *gitlab.Client {
			return gitlab.NewClient(creds, cfg.Upstream.Timeout, hooks)
		},
		Validate: func(ctx context.Context, client *gitlab.Client) error {
			err := gitlab.Validate(ctx, client)
			if metrics != nil {
				metrics.Validation(validationOutcome(err))
			}
			return err
		},
		Logger: logger,
		OnCreate: func(session.Key) {
			if metrics != nil {
				metrics.SessionCreated()
			}
		},
		OnEvict: func(session.Key) {
			if metrics != nil {
				metrics.SessionEvicted()
			}
		},
	})

	dispatcher := server.NewDispatcher(server.DispatcherOptions{
		Store:     store,
		Tools:     server.NewToolRegistry(),
		Resources: server.NewResourceRegistry(),
		Prompts:   server.NewPromptRegistry(),
		Logger:    logger,
		Metrics:   metrics,
		Tracing:   tracing,
		Info:      protocol.ServerInfo{Name: serverName, Version: serverVersion},
	})

	handlerOpts := server.HandlerOptions{
		Dispatcher:     dispatcher,
		Store:          store,
		Logger:         logger,
		DefaultBaseURL: cfg.Upstream.BaseURL,
		Debug:          cfg.Debug,
	}
	if metrics != nil {
		handlerOpts.Metrics = metrics.Handler()
		handlerOpts.MetricsPath = cfg.Metrics.Path
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.NewHandler(handlerOpts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := session.NewReaper(store, cfg.Session.IdleTTL, cfg.Session.SweepInterval, logger)
	go reaper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", logging.Int("active_sessions", store.Len()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown incomplete")
	}
	if tracing != nil {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("trace exporter shutdown incomplete")
		}
	}
	return nil
}

func newLogger(cfg config.Config) logging.Logger {
	var formatter logging.Formatter
	if cfg.Log.Format == "json" {
		formatter = logging.NewJSONFormatter()
	} else {
		formatter = logging.NewTextFormatter()
	}
	logger := logging.New(os.Stdout, formatter)
	logger.SetLevel(logging.ParseLevel(cfg.Log.Level))
	return logger
}

// validationOutcome maps a validation result onto its metric label
func validationOutcome(err error) string {
	if err == nil {
		return "valid"
	}
	if gwErr, ok := gwerrors.As(err); ok {
		return gwErr.Tag()
	}
	return "error"
}
