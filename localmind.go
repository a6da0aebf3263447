// Package localmind wires the service supervisor for embedding and for the
// localmind daemon.
package localmind

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	cfg "github.com/loykin/localmind/internal/config"
	"github.com/loykin/localmind/internal/env"
	"github.com/loykin/localmind/internal/history"
	histfactory "github.com/loykin/localmind/internal/history/factory"
	"github.com/loykin/localmind/internal/logger"
	"github.com/loykin/localmind/internal/metrics"
	"github.com/loykin/localmind/internal/modelrt"
	"github.com/loykin/localmind/internal/orchestrator"
	"github.com/loykin/localmind/internal/process"
	"github.com/loykin/localmind/internal/reporter"
	iapi "github.com/loykin/localmind/internal/server"
	"github.com/loykin/localmind/internal/settings"
	setfactory "github.com/loykin/localmind/internal/settings/factory"
	"github.com/loykin/localmind/internal/sysinfo"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Status = orchestrator.Status

type Detail = orchestrator.Detail

type HardwareProfile = sysinfo.Profile

type PullProgress = modelrt.PullProgress

var (
	ErrNotRunning   = orchestrator.ErrNotRunning
	ErrShuttingDown = orchestrator.ErrShuttingDown
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewLogger builds the daemon logger from [log]. Close the returned closer on exit.
func NewLogger(c *Config, console io.Writer) (*slog.Logger, io.Closer) {
	return logger.New(c.LoggerConfig(), console)
}

// Daemon owns the orchestrator and everything around it: status reporter,
// resource sampler, history dispatcher and HTTP router.
type Daemon struct {
	cfg       *Config
	log       *slog.Logger
	orch      *orchestrator.Orchestrator
	reporter  *reporter.Reporter
	resources *metrics.ResourceCollector
	router    *iapi.Router

	stopOnce sync.Once
}

// New builds a daemon from c. Nothing is spawned until StartAll or Run.
func New(ctx context.Context, c *Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", c.DataDir, err)
	}

	globalEnv, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	e := env.New().WithBase(globalEnv)
	launcher := process.NewLauncher(e, log)

	store, err := setfactory.NewFromDSN(ctx, c.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}

	var recorder orchestrator.Recorder
	if c.History.Enabled {
		sinks, err := histfactory.NewSinks(c.History.Sinks)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open history sinks: %w", err)
		}
		recorder = history.NewDispatcher(history.DispatcherOptions{
			QueueSize: c.History.QueueSize,
			Logger:    log,
		}, sinks...)
	}

	if c.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register metrics", "error", err)
		}
	}
	resources := metrics.NewResourceCollector(c.Metrics.Resources)
	if c.Metrics.Enabled && resources.IsEnabled() {
		if err := resources.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("failed to register resource metrics", "error", err)
		}
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:    c.OrchestratorConfig(),
		Spawner:   launcher,
		Installer: modelrt.NewInstaller(c.InstallerConfig(), log),
		Models:    modelrt.NewClient(c.Model.BaseURL, nil),
		Hardware:  sysinfo.NewDetector(c.Hardware, log),
		Tokens:    settings.Tokens{Store: store},
		History:   recorder,
		Logger:    log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rep := reporter.New(orch, reporter.Options{Interval: c.Status.Interval, Logger: log})
	opts := []iapi.Option{
		iapi.WithStatusFeed(rep),
		iapi.WithResources(resources),
		iapi.WithLogger(log),
	}
	if c.Metrics.Enabled {
		opts = append(opts, iapi.WithMetrics())
	}

	return &Daemon{
		cfg:       c,
		log:       log,
		orch:      orch,
		reporter:  rep,
		resources: resources,
		router:    iapi.NewRouter(orch, c.Server.BasePath, opts...),
	}, nil
}

// Handler exposes the HTTP API for mounting in another server.
func (d *Daemon) Handler() http.Handler { return d.router.Handler() }

// Router exposes the API router so embedders can Register it on their own gin engine.
func (d *Daemon) Router() *iapi.Router { return d.router }

func (d *Daemon) Status(ctx context.Context) Status { return d.orch.Status(ctx) }

func (d *Daemon) Detail(ctx context.Context) Detail { return d.orch.Detail(ctx) }

// Subscribe streams status updates pushed by the reporter.
func (d *Daemon) Subscribe() (<-chan Status, func()) { return d.reporter.Subscribe() }

// StartAll runs the boot sequence: install check, model runtime, automation
// server, bounded readiness wait, then the tunnel with the saved token.
func (d *Daemon) StartAll(ctx context.Context) error { return d.orch.StartAll(ctx) }

func (d *Daemon) StartTunnel(ctx context.Context, token string) error {
	return d.orch.StartTunnel(ctx, token)
}

func (d *Daemon) StopTunnel(ctx context.Context) error { return d.orch.StopTunnel(ctx) }

func (d *Daemon) SetTunnelToken(ctx context.Context, token string) error {
	return d.orch.SetTunnelToken(ctx, token)
}

func (d *Daemon) StartAutomation(ctx context.Context) error { return d.orch.StartAutomation(ctx) }

func (d *Daemon) StopAutomation(ctx context.Context) error { return d.orch.StopAutomation(ctx) }

func (d *Daemon) HardwareProfile(ctx context.Context) HardwareProfile {
	return d.orch.HardwareProfile(ctx)
}

func (d *Daemon) PullModel(ctx context.Context, model string, fn func(PullProgress)) error {
	return d.orch.PullModel(ctx, model, fn)
}

// Start begins status polling and resource sampling without serving HTTP.
func (d *Daemon) Start(ctx context.Context) {
	d.reporter.Start(ctx)
	if d.resources.IsEnabled() {
		d.resources.Start(ctx, d.orch.PIDs)
	}
}

// Run serves the HTTP API on [server].listen, optionally runs StartAll, and
// blocks until ctx is cancelled or the listener fails. It always shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	d.Start(ctx)
	srv := iapi.NewServer(d.cfg.Server.Listen, d.router)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	d.log.Info("serving API", "listen", d.cfg.Server.Listen, "base", d.cfg.Server.BasePath)

	if d.cfg.Server.AutoStart {
		go func() {
			if err := d.orch.StartAll(ctx); err != nil {
				d.log.Warn("start sequence interrupted", "error", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		d.log.Error("API server failed", "error", runErr)
	}

	sctx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(sctx)
	return errors.Join(runErr, d.Shutdown(sctx))
}

// Shutdown stops every supervised child and releases stores. Safe to call twice.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.reporter.Stop()
		d.resources.Stop()
		err = d.orch.Shutdown(ctx)
	})
	return err
}
