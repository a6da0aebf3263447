package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/localmind/internal/health"
	"github.com/loykin/localmind/internal/history"
	"github.com/loykin/localmind/internal/modelrt"
	"github.com/loykin/localmind/internal/process"
	"github.com/loykin/localmind/internal/process/processtest"
	"github.com/loykin/localmind/internal/settings"
	"github.com/loykin/localmind/internal/sysinfo"
	"github.com/loykin/localmind/internal/tunnel"
)

type fakeInstaller struct {
	result modelrt.InstallResult
	calls  atomic.Int32
}

func (f *fakeInstaller) EnsureInstalled(context.Context) modelrt.InstallResult {
	f.calls.Add(1)
	return f.result
}

type fakeModels struct {
	reachable atomic.Bool
	mu        sync.Mutex
	pulls     []string
}

func (f *fakeModels) Reachable(context.Context) bool { return f.reachable.Load() }

func (f *fakeModels) ListModels(context.Context) ([]modelrt.Model, error) {
	return []modelrt.Model{{Name: "tinyllama:latest"}}, nil
}

func (f *fakeModels) Pull(_ context.Context, model string, fn func(modelrt.PullProgress)) error {
	f.mu.Lock()
	f.pulls = append(f.pulls, model)
	f.mu.Unlock()
	fn(modelrt.PullProgress{ModelID: model, Phase: modelrt.PhaseDownloading, Percent: 50})
	fn(modelrt.PullProgress{ModelID: model, Phase: modelrt.PhaseDone, Percent: 100})
	return nil
}

func (f *fakeModels) pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulls...)
}

type fakeHardware struct{}

func (fakeHardware) Profile(context.Context) sysinfo.Profile {
	return sysinfo.Profile{TotalMemoryGB: 8, RecommendedModel: "tinyllama"}
}

type recorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recorder) Record(e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types(service string) []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.EventType
	for _, e := range r.events {
		if e.Service == service {
			out = append(out, e.Type)
		}
	}
	return out
}

type harness struct {
	o         *Orchestrator
	sp        *processtest.Spawner
	installer *fakeInstaller
	models    *fakeModels
	tokens    settings.Tokens
	rec       *recorder
	healthy   atomic.Bool
	probes    atomic.Int32
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sp:        processtest.NewSpawner(),
		installer: &fakeInstaller{result: modelrt.AlreadyInstalled},
		models:    &fakeModels{},
		tokens:    settings.Tokens{Store: settings.NewMemory()},
		rec:       &recorder{},
	}
	cfg := Config{
		Automation: process.Spec{Executable: "n8n", Args: []string{"start"}},
		HealthProbe: health.ProbeFunc(func(context.Context) error {
			h.probes.Add(1)
			if h.healthy.Load() {
				return nil
			}
			return errors.New("connection refused")
		}),
		Health: health.Options{
			Grace:        health.NoGrace,
			Interval:     10 * time.Millisecond,
			MaxWait:      200 * time.Millisecond,
			ProbeTimeout: 50 * time.Millisecond,
		},
		ModelRuntime:    process.Spec{Executable: "ollama", Args: []string{"serve"}},
		Tunnel:          tunnel.Config{Executable: "cloudflared", RetryDelay: 50 * time.Millisecond},
		DrainTimeout:    50 * time.Millisecond,
		ShutdownTimeout: 200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(Deps{
		Config:    cfg,
		Spawner:   h.sp,
		Installer: h.installer,
		Models:    h.models,
		Hardware:  fakeHardware{},
		Tokens:    h.tokens,
		History:   h.rec,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	h.o = o
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return h
}

func (h *harness) procs(name string) []*processtest.Proc {
	var out []*processtest.Proc
	for _, p := range h.sp.Procs() {
		if p.Name() == name {
			out = append(out, p)
		}
	}
	return out
}

func TestNothingStartedReportsAllFalse(t *testing.T) {
	h := newHarness(t, nil)
	st := h.o.Status(context.Background())
	assert.Equal(t, Status{TunnelState: "stopped"}, st)

	b, err := json.Marshal(st)
	require.NoError(t, err)
	assert.JSONEq(t, `{"automationReady":false,"tunnelUp":false,"publicUrl":null,"modelReachable":false,"tunnelState":"stopped"}`, string(b))
}

func TestStartAllRunsSequence(t *testing.T) {
	h := newHarness(t, nil)
	h.healthy.Store(true)
	h.models.reachable.Store(true)

	require.NoError(t, h.o.StartAll(context.Background()))
	assert.Equal(t, int32(1), h.installer.calls.Load())

	procs := h.sp.Procs()
	require.Len(t, procs, 2)
	assert.Equal(t, process.NameAutomation, procs[0].Name())
	assert.Equal(t, process.NameTunnel, procs[1].Name())
	assert.Equal(t, []string{"tunnel", "--url", "http://localhost:5678"}, procs[1].Spec.Args)

	st := h.o.Status(context.Background())
	assert.True(t, st.AutomationReady)
	assert.True(t, st.TunnelUp)
	assert.True(t, st.ModelReachable)
	assert.Nil(t, st.PublicURL)

	procs[1].Line(process.Stderr, "|  https://quiet-river.trycloudflare.com  |")
	st = h.o.Status(context.Background())
	require.NotNil(t, st.PublicURL)
	assert.Equal(t, "https://quiet-river.trycloudflare.com", *st.PublicURL)
	assert.Equal(t, "running", st.TunnelState)
	assert.Equal(t, "quick", st.TunnelMode)

	assert.Equal(t, []history.EventType{history.EventStart, history.EventHealthy}, h.rec.types(process.NameAutomation))
	assert.Equal(t, []history.EventType{history.EventStart, history.EventURL}, h.rec.types(process.NameTunnel))
}

func TestNeverHealthyStillStartsTunnel(t *testing.T) {
	h := newHarness(t, nil)
	began := time.Now()
	require.NoError(t, h.o.StartAll(context.Background()))
	elapsed := time.Since(began)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Greater(t, h.probes.Load(), int32(1))
	require.Len(t, h.procs(process.NameTunnel), 1)

	st := h.o.Status(context.Background())
	assert.False(t, st.AutomationReady)
	assert.True(t, st.TunnelUp)
	assert.Equal(t, []history.EventType{history.EventStart, history.EventUnhealthy}, h.rec.types(process.NameAutomation))
}

func TestAutomationExitShortCircuitsWait(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Health.MaxWait = 5 * time.Second })
	go func() {
		p, err := h.sp.Next(2 * time.Second)
		if err == nil {
			time.Sleep(30 * time.Millisecond)
			p.ExitCode(1)
		}
	}()
	began := time.Now()
	require.NoError(t, h.o.StartAll(context.Background()))
	assert.Less(t, time.Since(began), 2*time.Second)
	require.Len(t, h.procs(process.NameTunnel), 1)

	d := h.o.Detail(context.Background())
	assert.False(t, d.AutomationReady)
	assert.Zero(t, d.AutomationPID)
	require.NotNil(t, d.AutomationExitCode)
	assert.Equal(t, 1, *d.AutomationExitCode)
}

func TestAutomationSpawnFailureStillStartsTunnel(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Automation.Executable = "" })
	require.NoError(t, h.o.StartAll(context.Background()))
	require.Len(t, h.procs(process.NameTunnel), 1)
	assert.Empty(t, h.procs(process.NameAutomation))
}

func TestReadyIsStickyUntilExit(t *testing.T) {
	h := newHarness(t, nil)
	h.healthy.Store(true)
	require.NoError(t, h.o.StartAll(context.Background()))
	require.True(t, h.o.Status(context.Background()).AutomationReady)

	h.healthy.Store(false)
	assert.True(t, h.o.Status(context.Background()).AutomationReady)

	h.procs(process.NameAutomation)[0].ExitCode(137)
	assert.False(t, h.o.Status(context.Background()).AutomationReady)
}

func TestSavedTokenStartsTokenTunnel(t *testing.T) {
	h := newHarness(t, nil)
	h.healthy.Store(true)
	require.NoError(t, h.o.SetTunnelToken(context.Background(), "tok-abc"))
	require.NoError(t, h.o.StartAll(context.Background()))

	tun := h.procs(process.NameTunnel)
	require.Len(t, tun, 1)
	assert.Equal(t, []string{"tunnel", "run", "--token", "tok-abc"}, tun[0].Spec.Args)

	tun[0].Line(process.Stdout, "INF Registered tunnel connection connIndex=0")
	st := h.o.Status(context.Background())
	require.NotNil(t, st.PublicURL)
	assert.Equal(t, tunnel.DefaultTokenPlaceholder, *st.PublicURL)
	assert.Equal(t, "token", st.TunnelMode)

	// token tunnels are never retried
	tun[0].ExitCode(1)
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, h.procs(process.NameTunnel), 1)
	assert.False(t, h.o.Status(context.Background()).TunnelUp)
}

func TestTunnelCommands(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.o.StartTunnel(ctx, ""))
	require.NoError(t, h.o.StartTunnel(ctx, "t2"))
	assert.Equal(t, 1, h.sp.MaxAlive())
	assert.Equal(t, "token", h.o.Status(ctx).TunnelMode)

	require.NoError(t, h.o.StopTunnel(ctx))
	st := h.o.Status(ctx)
	assert.False(t, st.TunnelUp)
	assert.Nil(t, st.PublicURL)

	require.NoError(t, h.o.SetTunnelToken(ctx, "saved"))
	require.NoError(t, h.o.StartTunnelWithSavedToken(ctx))
	tun := h.procs(process.NameTunnel)
	assert.Equal(t, []string{"tunnel", "run", "--token", "saved"}, tun[len(tun)-1].Spec.Args)
}

func TestStartAutomationIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.healthy.Store(true)
	ctx := context.Background()

	require.NoError(t, h.o.StartAutomation(ctx))
	require.NoError(t, h.o.StartAutomation(ctx))
	assert.Len(t, h.procs(process.NameAutomation), 1)
	require.Eventually(t, func() bool { return h.o.Status(ctx).AutomationReady }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.o.StopAutomation(ctx))
	assert.False(t, h.o.Status(ctx).AutomationReady)
	assert.ErrorIs(t, h.o.StopAutomation(ctx), ErrNotRunning)

	require.NoError(t, h.o.StartAutomation(ctx))
	procs := h.procs(process.NameAutomation)
	require.Len(t, procs, 2)
	assert.True(t, procs[0].Exited())
}

func TestInstallResultGatesAutoPull(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoPull = true; c.ManageModelRuntime = true })
	h.installer.result = modelrt.InstallFailed
	require.NoError(t, h.o.StartAll(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.models.pulled())
	assert.Empty(t, h.procs(process.NameModelRuntime))

	h2 := newHarness(t, func(c *Config) { c.AutoPull = true; c.ManageModelRuntime = true })
	h2.installer.result = modelrt.FreshlyInstalled
	h2.models.reachable.Store(true)
	require.NoError(t, h2.o.StartAll(context.Background()))
	require.Eventually(t, func() bool { return len(h2.models.pulled()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"tinyllama"}, h2.models.pulled())

	rt := h2.procs(process.NameModelRuntime)
	require.Len(t, rt, 1)
	assert.Equal(t, []string{"serve"}, rt[0].Spec.Args)
	assert.Equal(t, process.NameModelRuntime, h2.sp.Procs()[0].Name())
	assert.Contains(t, h2.o.PIDs(), process.NameModelRuntime)
}

func TestPullModelForwardsProgress(t *testing.T) {
	h := newHarness(t, nil)
	var phases []modelrt.Phase
	require.NoError(t, h.o.PullModel(context.Background(), "llama3", func(p modelrt.PullProgress) {
		phases = append(phases, p.Phase)
	}))
	assert.Equal(t, []modelrt.Phase{modelrt.PhaseDownloading, modelrt.PhaseDone}, phases)

	models, err := h.o.ListModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 1)
	assert.Equal(t, "tinyllama", h.o.HardwareProfile(context.Background()).RecommendedModel)
}

func TestShutdownStopsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.healthy.Store(true)
	ctx := context.Background()
	require.NoError(t, h.o.StartAll(ctx))
	require.Equal(t, 2, h.sp.Alive())

	require.NoError(t, h.o.Shutdown(ctx))
	assert.Equal(t, 0, h.sp.Alive())
	for _, p := range h.sp.Procs() {
		assert.True(t, p.Exited())
	}
	assert.ErrorIs(t, h.o.StartTunnel(ctx, ""), ErrShuttingDown)
	assert.ErrorIs(t, h.o.StartAutomation(ctx), ErrShuttingDown)
	assert.ErrorIs(t, h.o.StartAll(ctx), ErrShuttingDown)
	assert.Empty(t, h.o.PIDs())
	// second call is a no-op
	assert.NoError(t, h.o.Shutdown(ctx))
}

// gateInstaller blocks in EnsureInstalled until released, ignoring ctx like a
// running installer executable would.
type gateInstaller struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateInstaller) EnsureInstalled(context.Context) modelrt.InstallResult {
	close(g.entered)
	<-g.release
	return modelrt.FreshlyInstalled
}

func TestShutdownDuringInstallSpawnsNothing(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ManageModelRuntime = true })
	gate := &gateInstaller{entered: make(chan struct{}), release: make(chan struct{})}
	h.o.installer = gate

	ctx, cancel := context.WithCancel(context.Background())
	startErr := make(chan error, 1)
	go func() { startErr <- h.o.StartAll(ctx) }()
	<-gate.entered

	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer scancel()
	// StartAll is still inside the installer, so the background wait times out.
	assert.Error(t, h.o.Shutdown(sctx))

	close(gate.release)
	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(2 * time.Second):
		t.Fatal("StartAll did not return after release")
	}
	assert.Equal(t, 0, h.sp.Count())
	assert.Equal(t, 0, h.sp.Alive())
}

func TestShutdownWaitsForStartAll(t *testing.T) {
	h := newHarness(t, nil)
	gate := &gateInstaller{entered: make(chan struct{}), release: make(chan struct{})}
	h.o.installer = gate

	startErr := make(chan error, 1)
	go func() { startErr <- h.o.StartAll(context.Background()) }()
	<-gate.entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- h.o.Shutdown(context.Background()) }()
	select {
	case <-shutdown:
		t.Fatal("Shutdown returned while StartAll was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-shutdown)
	assert.ErrorIs(t, <-startErr, ErrShuttingDown)
	assert.Equal(t, 0, h.sp.Count())
}

func TestSlotRefusesStartAfterTerminate(t *testing.T) {
	sp := processtest.NewSpawner()
	s := newSlot(process.Spec{Name: process.NameAutomation, Executable: "n8n"}, sp, 50*time.Millisecond,
		slog.New(slog.NewTextHandler(io.Discard, nil)), func(history.Event) {})
	_, _, started, err := s.start()
	require.NoError(t, err)
	require.True(t, started)

	s.terminate(200 * time.Millisecond)
	assert.Equal(t, 0, sp.Alive())

	_, _, started, err = s.start()
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.False(t, started)
	assert.Equal(t, 1, sp.Count())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
	_, err = New(Deps{Spawner: processtest.NewSpawner()})
	assert.Error(t, err)
}
