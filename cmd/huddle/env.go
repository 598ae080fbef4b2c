package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/haasonsaas/huddle/internal/config"
	"github.com/haasonsaas/huddle/internal/observability"
	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/realtime"
)

// cliEnv holds what every command builds from the configuration file.
type cliEnv struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	level      *slog.LevelVar
	registry   *prometheus.Registry
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	shutdown   func(context.Context) error
}

func loadEnv(cmd *cobra.Command, flags *globalFlags) (*cliEnv, error) {
	path := resolveConfigPath(flags.configPath)
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if ws := strings.TrimSpace(flags.workspaceID); ws != "" {
		cfg.Identity.WorkspaceID = ws
	}

	level := cfg.Logging.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	levelVar := new(slog.LevelVar)
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		LevelVar:  levelVar,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		Output:    cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tracing := cfg.Observability.Tracing
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		Enabled:        tracing.Enabled,
		ServiceName:    tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       tracing.Endpoint,
		SamplingRate:   tracing.SampleRate,
		Insecure:       tracing.Insecure,
	})

	logger.Debug("configuration loaded", "config", path, "base_url", cfg.Server.BaseURL)
	return &cliEnv{
		configPath: path,
		cfg:        cfg,
		logger:     logger,
		level:      levelVar,
		registry:   registry,
		metrics:    observability.NewMetrics(registry),
		tracer:     tracer,
		shutdown:   shutdown,
	}, nil
}

func (e *cliEnv) runtime() realtime.Runtime {
	return realtime.Runtime{Logger: e.logger, Metrics: e.metrics, Tracer: e.tracer}
}

// Close flushes pending spans.
func (e *cliEnv) Close() {
	if e.shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.shutdown(ctx); err != nil {
		e.logger.Warn("tracer shutdown failed", "error", err)
	}
}

// startClient connects a realtime client for the configured identity.
func (e *cliEnv) startClient(ctx context.Context) (*realtime.Client, realtime.Identity, error) {
	sess := realtime.NewSession(e.cfg, e.runtime())
	id := realtime.IdentityFromConfig(e.cfg, sess)
	if id.IsZero() {
		return nil, id, errors.New("no user id: set identity.user_id or run huddle login")
	}
	client := realtime.New(realtime.OptionsFromConfig(e.cfg, sess, e.runtime()))
	if err := client.Start(ctx, id); err != nil {
		client.Close()
		return nil, id, fmt.Errorf("connect: %w", err)
	}
	return client, id, nil
}

// serveMetrics exposes the registry until ctx is done.
func (e *cliEnv) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	e.logger.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.logger.Error("metrics server failed", "addr", addr, "error", err)
	}
}

// printer serializes output from subscriber callbacks.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func title(s string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(s, "_", " "))
}

func statusLabel(online bool) string {
	if online {
		return title("online")
	}
	return title("offline")
}

func displayID(id protocol.ID) string {
	if id.IsZero() {
		return "-"
	}
	return id.String()
}
