package modelrt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"time"

	"github.com/loykin/localmind/internal/health"
)

// InstallResult is the outcome of EnsureInstalled.
type InstallResult string

const (
	AlreadyInstalled InstallResult = "already-installed"
	FreshlyInstalled InstallResult = "freshly-installed"
	InstallFailed    InstallResult = "failed"
)

// Defaults for the Ollama runtime.
const (
	DefaultExecutable   = "ollama"
	DefaultInstallerURL = "https://ollama.com/download/OllamaSetup.exe"
)

// InstallerConfig locates the runtime binary and, optionally, its installer.
type InstallerConfig struct {
	Executable      string
	CheckArgs       []string // defaults to --version
	InstallerURL    string   // empty disables installation
	InstallerArgs   []string // defaults to /silent
	DownloadDir     string   // os.TempDir() when empty
	CheckTimeout    time.Duration
	DownloadTimeout time.Duration
	InstallTimeout  time.Duration
}

// Installer makes sure the model runtime binary is present.
type Installer struct {
	cfg    InstallerConfig
	probe  health.Probe
	client *http.Client
	log    *slog.Logger
	// run executes the downloaded installer; replaced in tests.
	run func(ctx context.Context, path string, args []string) error
}

func NewInstaller(cfg InstallerConfig, log *slog.Logger) *Installer {
	if cfg.Executable == "" {
		cfg.Executable = DefaultExecutable
	}
	if len(cfg.CheckArgs) == 0 {
		cfg.CheckArgs = []string{"--version"}
	}
	if len(cfg.InstallerArgs) == 0 {
		cfg.InstallerArgs = []string{"/silent"}
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Minute
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Installer{
		cfg:    cfg,
		probe:  health.CommandProbe{Command: cfg.Executable, Args: cfg.CheckArgs, Timeout: cfg.CheckTimeout},
		client: &http.Client{},
		log:    log.With("component", "model-installer"),
		run:    runInstaller,
	}
}

// EnsureInstalled never returns an error; failures are reported as InstallFailed.
func (i *Installer) EnsureInstalled(ctx context.Context) InstallResult {
	err := i.probe.Check(ctx)
	if err == nil {
		i.log.Info("model runtime already installed", "probe", i.probe.Describe())
		return AlreadyInstalled
	}
	i.log.Info("model runtime not found", "probe", i.probe.Describe(), "error", err)
	if i.cfg.InstallerURL == "" {
		i.log.Warn("model runtime missing and no installer configured")
		return InstallFailed
	}

	file, err := i.download(ctx)
	if err != nil {
		i.log.Error("model runtime download failed", "url", i.cfg.InstallerURL, "error", err)
		return InstallFailed
	}
	defer func() { _ = os.Remove(file) }()

	i.log.Info("running model runtime installer", "path", file)
	ictx, cancel := context.WithTimeout(ctx, i.cfg.InstallTimeout)
	defer cancel()
	if err := i.run(ictx, file, i.cfg.InstallerArgs); err != nil {
		i.log.Error("model runtime install failed", "error", err)
		return InstallFailed
	}
	i.log.Info("model runtime installed")
	return FreshlyInstalled
}

func (i *Installer) download(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.DownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.cfg.InstallerURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch installer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch installer: unexpected status %d", resp.StatusCode)
	}

	dir := i.cfg.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	base := path.Base(req.URL.Path)
	if base == "" || base == "/" || base == "." {
		base = "installer"
	}
	f, err := os.CreateTemp(dir, "*-"+base)
	if err != nil {
		return "", fmt.Errorf("create installer file: %w", err)
	}
	name := f.Name()
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write installer: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close installer: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(name, 0o755); err != nil {
			_ = os.Remove(name)
			return "", fmt.Errorf("chmod installer: %w", err)
		}
	}
	return filepath.Clean(name), nil
}

func runInstaller(ctx context.Context, file string, args []string) error {
	// #nosec G204 -- installer path is a file we just downloaded from operator configuration
	out, err := exec.CommandContext(ctx, file, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(file), err, tail(out))
	}
	return nil
}

// tail keeps the end of installer output for error messages.
func tail(b []byte) string {
	const limit = 512
	if len(b) > limit {
		b = b[len(b)-limit:]
	}
	return string(b)
}
