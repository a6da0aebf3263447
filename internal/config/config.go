package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/loykin/localmind/internal/health"
	"github.com/loykin/localmind/internal/logger"
	"github.com/loykin/localmind/internal/metrics"
	"github.com/loykin/localmind/internal/modelrt"
	"github.com/loykin/localmind/internal/orchestrator"
	"github.com/loykin/localmind/internal/process"
	"github.com/loykin/localmind/internal/sysinfo"
	"github.com/loykin/localmind/internal/tunnel"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: LOCALMIND_<SECTION>_<KEY>.
const EnvPrefix = "LOCALMIND"

// Config represents the top-level TOML structure.
type Config struct {
	DataDir  string   `mapstructure:"data_dir"`
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Server     ServerConfig           `mapstructure:"server"`
	Log        LogConfig              `mapstructure:"log"`
	Automation AutomationConfig       `mapstructure:"automation"`
	Tunnel     TunnelConfig           `mapstructure:"tunnel"`
	Model      ModelConfig            `mapstructure:"model"`
	Hardware   sysinfo.Recommendation `mapstructure:"hardware"`
	Health     HealthConfig           `mapstructure:"health"`
	Status     StatusConfig           `mapstructure:"status"`
	Store      StoreConfig            `mapstructure:"store"`
	History    HistoryConfig          `mapstructure:"history"`
	Metrics    MetricsConfig          `mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	BasePath        string        `mapstructure:"base_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// StartAll runs the boot sequence when serve starts.
	AutoStart bool `mapstructure:"auto_start"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	Dir        string `mapstructure:"dir"` // raw child output, <dir>/<service>.stdout.log
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type AutomationConfig struct {
	Executable   string        `mapstructure:"executable"`
	Args         []string      `mapstructure:"args"`
	Env          []string      `mapstructure:"env"`
	WorkDir      string        `mapstructure:"work_dir"`
	HealthURL    string        `mapstructure:"health_url"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type TunnelConfig struct {
	Executable   string        `mapstructure:"executable"`
	LocalURL     string        `mapstructure:"local_url"`
	QuickArgs    []string      `mapstructure:"quick_args"`
	TokenArgs    []string      `mapstructure:"token_args"`
	Env          []string      `mapstructure:"env"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type ModelConfig struct {
	Executable    string   `mapstructure:"executable"`
	ServeArgs     []string `mapstructure:"serve_args"`
	Env           []string `mapstructure:"env"`
	Manage        bool     `mapstructure:"manage"`
	BaseURL       string   `mapstructure:"base_url"`
	AutoPull      bool     `mapstructure:"auto_pull"`
	InstallerURL  string   `mapstructure:"installer_url"`
	InstallerArgs []string `mapstructure:"installer_args"`
	DownloadDir   string   `mapstructure:"download_dir"`
}

type HealthConfig struct {
	Grace        time.Duration `mapstructure:"grace"`
	Interval     time.Duration `mapstructure:"interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

type StatusConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type StoreConfig struct {
	// DSN selects the settings backend: sqlite://path, bare path, postgres://..., memory://
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Sinks     []string `mapstructure:"sinks"` // DSNs, see history/factory
	QueueSize int      `mapstructure:"queue_size"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

func setDefaults(v *viper.Viper) {
	rec := sysinfo.DefaultRecommendation()

	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("server.listen", "127.0.0.1:7878")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.auto_start", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatColor)
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("automation.executable", "n8n")
	v.SetDefault("automation.args", []string{"start"})
	v.SetDefault("automation.env", []string{
		"N8N_USER_MANAGEMENT_DISABLED=true",
		"N8N_PORT=5678",
		"N8N_DIAGNOSTICS_ENABLED=false",
		"N8N_VERSION_NOTIFICATIONS_ENABLED=false",
		"N8N_PERSONALIZATION_ENABLED=false",
	})
	v.SetDefault("automation.work_dir", "")
	v.SetDefault("automation.health_url", orchestrator.DefaultHealthURL)
	v.SetDefault("automation.drain_timeout", tunnel.DefaultDrainTimeout)

	v.SetDefault("tunnel.executable", "cloudflared")
	v.SetDefault("tunnel.local_url", tunnel.DefaultLocalURL)
	v.SetDefault("tunnel.quick_args", []string{"tunnel", "--url", "{url}"})
	v.SetDefault("tunnel.token_args", []string{"tunnel", "run", "--token", "{token}"})
	v.SetDefault("tunnel.env", []string{})
	v.SetDefault("tunnel.retry_delay", tunnel.DefaultRetryDelay)
	v.SetDefault("tunnel.drain_timeout", tunnel.DefaultDrainTimeout)

	v.SetDefault("model.executable", modelrt.DefaultExecutable)
	v.SetDefault("model.serve_args", []string{"serve"})
	v.SetDefault("model.env", []string{})
	v.SetDefault("model.manage", false)
	v.SetDefault("model.base_url", modelrt.DefaultBaseURL)
	v.SetDefault("model.auto_pull", true)
	v.SetDefault("model.installer_url", defaultInstallerURL())
	v.SetDefault("model.installer_args", []string{"/silent"})
	v.SetDefault("model.download_dir", "")

	v.SetDefault("hardware.large_model", rec.LargeModel)
	v.SetDefault("hardware.small_model", rec.SmallModel)
	v.SetDefault("hardware.memory_threshold_gb", rec.MemoryThresholdGB)
	v.SetDefault("hardware.vram_threshold_mb", rec.VRAMThresholdMB)

	v.SetDefault("health.grace", health.DefaultGrace)
	v.SetDefault("health.interval", health.DefaultInterval)
	v.SetDefault("health.max_wait", health.DefaultMaxWait)
	v.SetDefault("health.probe_timeout", health.DefaultProbeTimeout)

	v.SetDefault("status.interval", 2*time.Second)

	v.SetDefault("store.dsn", "")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.queue_size", 256)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", 5*time.Second)
	v.SetDefault("metrics.resources.max_history", 60)
}

// defaultInstallerURL is empty off Windows: the bundled installer is a Windows setup program.
func defaultInstallerURL() string {
	if runtime.GOOS == "windows" {
		return modelrt.DefaultInstallerURL
	}
	return ""
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "localmind")
	}
	return filepath.Join(os.TempDir(), "localmind")
}

// Load reads path (optional) on top of the defaults; LOCALMIND_* environment
// variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(cfg.DataDir, "localmind.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen required"))
	}
	if strings.TrimSpace(c.Automation.Executable) == "" {
		errs = append(errs, errors.New("automation.executable required"))
	}
	if strings.TrimSpace(c.Tunnel.Executable) == "" {
		errs = append(errs, errors.New("tunnel.executable required"))
	}
	if c.Model.Manage && strings.TrimSpace(c.Model.Executable) == "" {
		errs = append(errs, errors.New("model.executable required when model.manage is set"))
	}
	if c.Health.MaxWait < 0 || c.Health.Interval < 0 {
		errs = append(errs, errors.New("health durations must not be negative"))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one sink"))
	}
	return errors.Join(errs...)
}

// LoggerConfig maps [log] onto the daemon logger settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   c.fileLog(c.Log.File),
	}
}

func (c *Config) fileLog(path string) logger.FileConfig {
	return logger.FileConfig{
		Path:       path,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

func (c *Config) childLog() logger.FileConfig {
	fc := c.fileLog("")
	fc.Dir = c.Log.Dir
	return fc
}

// AutomationSpec builds the automation server launch spec. N8N_USER_FOLDER
// defaults to the data directory.
func (c *Config) AutomationSpec() process.Spec {
	envs := append([]string{"N8N_USER_FOLDER=" + c.DataDir}, c.Automation.Env...)
	return process.Spec{
		Name:       process.NameAutomation,
		Executable: c.Automation.Executable,
		Args:       c.Automation.Args,
		Env:        envs,
		WorkDir:    c.Automation.WorkDir,
		Log:        c.childLog(),
	}
}

func (c *Config) ModelRuntimeSpec() process.Spec {
	return process.Spec{
		Name:       process.NameModelRuntime,
		Executable: c.Model.Executable,
		Args:       c.Model.ServeArgs,
		Env:        c.Model.Env,
		Log:        c.childLog(),
	}
}

func (c *Config) TunnelConfig() tunnel.Config {
	return tunnel.Config{
		Executable:   c.Tunnel.Executable,
		Env:          c.Tunnel.Env,
		LocalURL:     c.Tunnel.LocalURL,
		Log:          c.childLog(),
		QuickArgs:    c.Tunnel.QuickArgs,
		TokenArgs:    c.Tunnel.TokenArgs,
		RetryDelay:   c.Tunnel.RetryDelay,
		DrainTimeout: c.Tunnel.DrainTimeout,
	}
}

func (c *Config) InstallerConfig() modelrt.InstallerConfig {
	return modelrt.InstallerConfig{
		Executable:    c.Model.Executable,
		InstallerURL:  c.Model.InstallerURL,
		InstallerArgs: c.Model.InstallerArgs,
		DownloadDir:   c.Model.DownloadDir,
	}
}

func (c *Config) HealthOptions() health.Options {
	return health.Options{
		Grace:        c.Health.Grace,
		Interval:     c.Health.Interval,
		MaxWait:      c.Health.MaxWait,
		ProbeTimeout: c.Health.ProbeTimeout,
	}
}

// OrchestratorConfig assembles the orchestrator settings.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Automation:         c.AutomationSpec(),
		HealthURL:          c.Automation.HealthURL,
		Health:             c.HealthOptions(),
		ModelRuntime:       c.ModelRuntimeSpec(),
		ManageModelRuntime: c.Model.Manage,
		AutoPull:           c.Model.AutoPull,
		Tunnel:             c.TunnelConfig(),
		DrainTimeout:       c.Automation.DrainTimeout,
		ShutdownTimeout:    c.Server.ShutdownTimeout,
	}
}

// GlobalEnv merges the environment handed to every child.
// Precedence: OS env (when use_os_env) provides the base; then env_files in order;
// the top-level env list overrides last.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
