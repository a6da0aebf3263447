// Package orchestrator sequences startup of the supervised services and answers
// status and command requests for them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/localmind/internal/health"
	"github.com/loykin/localmind/internal/history"
	"github.com/loykin/localmind/internal/metrics"
	"github.com/loykin/localmind/internal/modelrt"
	"github.com/loykin/localmind/internal/process"
	"github.com/loykin/localmind/internal/settings"
	"github.com/loykin/localmind/internal/sysinfo"
	"github.com/loykin/localmind/internal/tunnel"
)

var (
	// ErrShuttingDown is returned by commands issued after Shutdown began.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrNotRunning is returned when stopping a service that is not running.
	ErrNotRunning = errors.New("service is not running")
)

// Installer ensures the model runtime binary exists.
type Installer interface {
	EnsureInstalled(ctx context.Context) modelrt.InstallResult
}

// ModelClient is the model runtime API used by the orchestrator.
type ModelClient interface {
	Reachable(ctx context.Context) bool
	ListModels(ctx context.Context) ([]modelrt.Model, error)
	Pull(ctx context.Context, model string, fn func(modelrt.PullProgress)) error
}

// HardwareProber profiles the host.
type HardwareProber interface {
	Profile(ctx context.Context) sysinfo.Profile
}

// Recorder receives lifecycle events. *history.Dispatcher implements it.
type Recorder interface {
	Record(e history.Event) error
}

// Config holds everything the orchestrator launches and how long it waits.
type Config struct {
	Automation process.Spec
	// HealthProbe decides automation readiness; an HTTP probe of HealthURL when nil.
	HealthProbe health.Probe
	HealthURL   string
	Health      health.Options

	// ModelRuntime is spawned during StartAll when ManageModelRuntime is set.
	ModelRuntime       process.Spec
	ManageModelRuntime bool
	// AutoPull pulls the recommended model in the background after install.
	AutoPull bool

	Tunnel tunnel.Config

	// DrainTimeout bounds the wait for a stopped run before respawning.
	DrainTimeout time.Duration
	// ShutdownTimeout bounds the wait for each child during Shutdown.
	ShutdownTimeout time.Duration
}

// DefaultHealthURL is the automation server's health endpoint.
const DefaultHealthURL = "http://127.0.0.1:5678/healthz"

// Deps are the collaborators wired by the daemon.
type Deps struct {
	Config    Config
	Spawner   process.Spawner
	Installer Installer // optional
	Models    ModelClient
	Hardware  HardwareProber
	Tokens    settings.TokenStore
	History   Recorder // optional
	Logger    *slog.Logger
}

// Orchestrator is created once per daemon and shut down explicitly.
type Orchestrator struct {
	cfg       Config
	log       *slog.Logger
	installer Installer
	models    ModelClient
	hardware  HardwareProber
	tokens    settings.TokenStore
	history   Recorder
	probe     health.Probe

	automation   *slot
	modelRuntime *slot
	tunnel       *tunnel.Supervisor

	runMu      sync.Mutex
	tunnelRuns map[uint64]string
	unsubs     []func()

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgMu     sync.Mutex // guards bg.Add against Shutdown's Wait
	bg       sync.WaitGroup
	closing  atomic.Bool
	shutOnce sync.Once
}

func New(d Deps) (*Orchestrator, error) {
	if d.Spawner == nil {
		return nil, errors.New("orchestrator: spawner required")
	}
	if d.Models == nil || d.Hardware == nil || d.Tokens == nil {
		return nil, errors.New("orchestrator: model client, hardware prober and token store required")
	}
	cfg := d.Config
	if cfg.Automation.Name == "" {
		cfg.Automation.Name = process.NameAutomation
	}
	if cfg.ModelRuntime.Name == "" {
		cfg.ModelRuntime.Name = process.NameModelRuntime
	}
	if cfg.HealthURL == "" {
		cfg.HealthURL = DefaultHealthURL
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = tunnel.DefaultDrainTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Tunnel.DrainTimeout <= 0 {
		cfg.Tunnel.DrainTimeout = cfg.DrainTimeout
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Health.Logger == nil {
		cfg.Health.Logger = log
	}

	o := &Orchestrator{
		cfg:        cfg,
		log:        log.With("component", "orchestrator"),
		installer:  d.Installer,
		models:     d.Models,
		hardware:   d.Hardware,
		tokens:     d.Tokens,
		history:    d.History,
		probe:      cfg.HealthProbe,
		tunnelRuns: make(map[uint64]string),
	}
	if o.probe == nil {
		o.probe = health.HTTPProbe{URL: cfg.HealthURL, Timeout: cfg.Health.ProbeTimeout}
	}
	o.bgCtx, o.bgCancel = context.WithCancel(context.Background())
	o.automation = newSlot(cfg.Automation, d.Spawner, cfg.DrainTimeout, log, o.record)
	o.modelRuntime = newSlot(cfg.ModelRuntime, d.Spawner, cfg.DrainTimeout, log, o.record)
	o.tunnel = tunnel.New(cfg.Tunnel, d.Spawner, log)
	o.unsubs = append(o.unsubs,
		o.tunnel.Subscribe(o.onTunnelEvent),
		o.tunnel.OnURL(func(url string) { o.log.Info("public URL available", "url", url) }),
	)
	return o, nil
}

func (o *Orchestrator) record(e history.Event) {
	if o.history == nil {
		return
	}
	if err := o.history.Record(e); err != nil && !errors.Is(err, history.ErrDispatcherClosed) {
		o.log.Warn("failed to record history", "type", string(e.Type), "error", err)
	}
}

// track registers work Shutdown must wait for. It reports false once shutdown began.
func (o *Orchestrator) track() bool {
	o.bgMu.Lock()
	defer o.bgMu.Unlock()
	if o.closing.Load() {
		return false
	}
	o.bg.Add(1)
	return true
}

// goBackground runs fn on a tracked goroutine cancelled by Shutdown.
func (o *Orchestrator) goBackground(fn func(ctx context.Context)) {
	if !o.track() {
		return
	}
	go func() {
		defer o.bg.Done()
		fn(o.bgCtx)
	}()
}

// StartAll runs the startup sequence. Every step is logged; a failing step never
// prevents the next one. Shutdown or ctx cancellation ends it between steps.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	if !o.track() {
		return ErrShuttingDown
	}
	defer o.bg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(o.bgCtx, cancel)()

	// 1. model runtime install
	result := modelrt.AlreadyInstalled
	if o.installer != nil {
		o.log.Info("startup: checking model runtime installation")
		result = o.installer.EnsureInstalled(ctx)
		o.log.Info("startup: model runtime installation", "result", string(result))
	}
	if err := o.interrupted(ctx); err != nil {
		return err
	}
	if result != modelrt.InstallFailed {
		if o.cfg.ManageModelRuntime {
			o.startModelRuntime()
		}
		if o.cfg.AutoPull {
			o.goBackground(o.pullRecommended)
		}
	}
	if err := o.interrupted(ctx); err != nil {
		return err
	}

	// 2. automation server
	o.log.Info("startup: starting automation server")
	h, runID, _, err := o.automation.start()
	switch {
	case errors.Is(err, ErrShuttingDown):
		return err
	case err != nil:
		o.log.Error("startup: automation server failed to start", "error", err)
	default:
		// 3. bounded readiness wait; the tunnel starts regardless of the outcome
		o.log.Info("startup: waiting for automation server health", "probe", o.probe.Describe())
		o.awaitAutomation(ctx, h, runID)
	}
	if err := o.interrupted(ctx); err != nil {
		return err
	}

	// 4. tunnel with the persisted token, if any
	token, err := o.tokens.TunnelToken(ctx)
	if err != nil {
		o.log.Warn("startup: could not read tunnel token, starting quick tunnel", "error", err)
		token = ""
	}
	if err := o.interrupted(ctx); err != nil {
		return err
	}
	o.log.Info("startup: starting tunnel", "token_configured", token != "")
	if err := o.tunnel.Start(token); err != nil {
		if errors.Is(err, tunnel.ErrClosed) {
			return ErrShuttingDown
		}
		o.log.Error("startup: tunnel failed to start", "error", err)
	}
	o.log.Info("startup sequence complete")
	return nil
}

// interrupted reports why StartAll must stop before its next step, if it must.
func (o *Orchestrator) interrupted(ctx context.Context) error {
	if o.closing.Load() {
		return ErrShuttingDown
	}
	return ctx.Err()
}

func (o *Orchestrator) awaitAutomation(ctx context.Context, h process.Handle, runID string) health.Outcome {
	began := time.Now()
	outcome := health.WaitUntilHealthy(ctx, o.probe, h.Done(), o.cfg.Health)
	metrics.ObserveHealthWait(process.NameAutomation, string(outcome), time.Since(began).Seconds())
	if outcome == health.Healthy && o.automation.markReady(runID) {
		o.record(history.Event{Type: history.EventHealthy, Service: process.NameAutomation, RunID: runID, PID: h.PID()})
		return outcome
	}
	if outcome != health.Canceled {
		o.record(history.Event{Type: history.EventUnhealthy, Service: process.NameAutomation, RunID: runID, PID: h.PID(), Detail: string(outcome)})
	}
	return outcome
}

func (o *Orchestrator) startModelRuntime() {
	h, runID, started, err := o.modelRuntime.start()
	if err != nil || !started {
		return
	}
	probe := o.modelProbe()
	o.goBackground(func(ctx context.Context) {
		began := time.Now()
		outcome := health.WaitUntilHealthy(ctx, probe, h.Done(), o.cfg.Health)
		metrics.ObserveHealthWait(process.NameModelRuntime, string(outcome), time.Since(began).Seconds())
		if outcome == health.Healthy && o.modelRuntime.markReady(runID) {
			o.record(history.Event{Type: history.EventHealthy, Service: process.NameModelRuntime, RunID: runID, PID: h.PID()})
		}
	})
}

func (o *Orchestrator) modelProbe() health.Probe {
	if p, ok := o.models.(interface{ Probe() health.Probe }); ok {
		return p.Probe()
	}
	return health.ProbeFunc(func(ctx context.Context) error {
		if o.models.Reachable(ctx) {
			return nil
		}
		return errors.New("model runtime unreachable")
	})
}

func (o *Orchestrator) pullRecommended(ctx context.Context) {
	model := o.hardware.Profile(ctx).RecommendedModel
	if model == "" {
		return
	}
	o.log.Info("pulling recommended model", "model", model)
	if err := o.PullModel(ctx, model, nil); err != nil {
		o.log.Warn("recommended model pull failed", "model", model, "error", err)
		return
	}
	o.log.Info("recommended model ready", "model", model)
}

// StartAutomation starts the automation server if needed and waits for readiness
// in the background.
func (o *Orchestrator) StartAutomation(ctx context.Context) error {
	if o.closing.Load() {
		return ErrShuttingDown
	}
	h, runID, started, err := o.automation.start()
	if err != nil {
		return fmt.Errorf("start automation server: %w", err)
	}
	if started {
		o.goBackground(func(ctx context.Context) { o.awaitAutomation(ctx, h, runID) })
	}
	return nil
}

func (o *Orchestrator) StopAutomation(ctx context.Context) error {
	if !o.automation.stop() {
		return ErrNotRunning
	}
	return nil
}

// StartTunnel (re)starts the tunnel; an empty token starts a quick tunnel.
func (o *Orchestrator) StartTunnel(ctx context.Context, token string) error {
	if o.closing.Load() {
		return ErrShuttingDown
	}
	if err := o.tunnel.Start(token); err != nil {
		return fmt.Errorf("start tunnel: %w", err)
	}
	return nil
}

// StartTunnelWithSavedToken starts the tunnel with the persisted token, if any.
func (o *Orchestrator) StartTunnelWithSavedToken(ctx context.Context) error {
	token, err := o.tokens.TunnelToken(ctx)
	if err != nil {
		return fmt.Errorf("read tunnel token: %w", err)
	}
	return o.StartTunnel(ctx, token)
}

func (o *Orchestrator) StopTunnel(ctx context.Context) error {
	o.tunnel.Stop()
	return nil
}

// SetTunnelToken persists the token used by future tunnel starts. It does not
// restart a running tunnel.
func (o *Orchestrator) SetTunnelToken(ctx context.Context, token string) error {
	if err := o.tokens.SetTunnelToken(ctx, token); err != nil {
		return fmt.Errorf("save tunnel token: %w", err)
	}
	o.log.Info("tunnel token updated", "configured", token != "")
	return nil
}

func (o *Orchestrator) HardwareProfile(ctx context.Context) sysinfo.Profile {
	return o.hardware.Profile(ctx)
}

func (o *Orchestrator) ListModels(ctx context.Context) ([]modelrt.Model, error) {
	return o.models.ListModels(ctx)
}

// PullModel downloads model, reporting progress to fn (which may be nil).
func (o *Orchestrator) PullModel(ctx context.Context, model string, fn func(modelrt.PullProgress)) error {
	if o.closing.Load() {
		return ErrShuttingDown
	}
	var last modelrt.Phase
	err := o.models.Pull(ctx, model, func(p modelrt.PullProgress) {
		last = p.Phase
		if fn != nil {
			fn(p)
		}
	})
	if last == modelrt.PhaseDone || last == modelrt.PhaseError {
		metrics.IncModelPull(string(last))
	}
	return err
}

// PIDs lists live supervised children for resource sampling.
func (o *Orchestrator) PIDs() map[string]int32 {
	out := make(map[string]int32, 3)
	if pid := o.automation.pid(); pid > 0 {
		out[process.NameAutomation] = int32(pid)
	}
	if pid := o.modelRuntime.pid(); pid > 0 {
		out[process.NameModelRuntime] = int32(pid)
	}
	if pid := o.tunnel.Snapshot().PID; pid > 0 {
		out[process.NameTunnel] = int32(pid)
	}
	return out
}

// Shutdown stops the tunnel and children, waits for background work (bounded by
// ctx), and closes the token store and history recorder when they are closers.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.shutOnce.Do(func() {
		o.bgMu.Lock()
		o.closing.Store(true)
		o.bgMu.Unlock()
		o.log.Info("shutting down")
		o.bgCancel()
		for _, u := range o.unsubs {
			u()
		}

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); o.tunnel.Close(o.cfg.ShutdownTimeout) }()
		go func() { defer wg.Done(); o.automation.terminate(o.cfg.ShutdownTimeout) }()
		go func() { defer wg.Done(); o.modelRuntime.terminate(o.cfg.ShutdownTimeout) }()
		wg.Wait()

		done := make(chan struct{})
		go func() { o.bg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for background work: %w", ctx.Err())
		}

		if c, ok := o.history.(interface{ Close(context.Context) error }); ok {
			err = errors.Join(err, c.Close(ctx))
		}
		if c, ok := o.tokens.(interface{ Close() error }); ok {
			err = errors.Join(err, c.Close())
		}
		o.log.Info("shutdown complete")
	})
	return err
}
