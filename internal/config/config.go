package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ConfigName is the base name of the config file (without extension).
const ConfigName = "replex"

// EnvPrefix prefixes environment overrides, e.g. REPLEX_POLL_MAX_TRIES.
const EnvPrefix = "REPLEX"

// Config holds all configuration for a replex coordinator
type Config struct {
	// Mode names the simulation collaborator to drive (e.g. "cpu", "gpu").
	// It is handed to queue command templates as {{.Mode}}.
	Mode string `mapstructure:"mode"`
	// Workspace is the job store root shared with the simulation processes.
	Workspace string `mapstructure:"workspace"`
	// StateDir holds state.json, coordinator.lock and coordinator.log.
	// Empty means <workspace>/.replex.
	StateDir string         `mapstructure:"state_dir"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Poll     PollConfig     `mapstructure:"poll"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ExchangeConfig controls the replica ladder and the swap loop
type ExchangeConfig struct {
	// Key is the statepoint key the ladder is ordered by.
	Key string `mapstructure:"key"`
	// NAttempts is the total number of swap attempts.
	NAttempts int `mapstructure:"n_attempts"`
	// Seed seeds the pair selector. 0 seeds from the clock.
	Seed uint64 `mapstructure:"seed"`
	// SnapshotFile is the checkpoint file name inside each job directory.
	SnapshotFile string `mapstructure:"snapshot_file"`
	// RerunParams are written into every document on resubmission
	// (e.g. n_steps for the post-swap segment).
	RerunParams map[string]any `mapstructure:"rerun_params"`
	// LadderFile is the YAML ladder spec used by `replex init` and the
	// first coordinator step.
	LadderFile string `mapstructure:"ladder_file"`
}

// PollConfig controls the bounded wait for replicas to finish
type PollConfig struct {
	// FirstWait is slept before the first check of attempt 0 (includes mixing).
	FirstWait time.Duration `mapstructure:"first_wait"`
	// InitWait is slept before the first check of later attempts.
	InitWait time.Duration `mapstructure:"init_wait"`
	// ExtraWait is slept between further checks.
	ExtraWait time.Duration `mapstructure:"extra_wait"`
	// MaxTries is the number of checks after the first one.
	MaxTries int `mapstructure:"max_tries"`
	// MaxRounds bounds consecutive unsuccessful waits of `replex run`. 0 is unbounded.
	MaxRounds int `mapstructure:"max_rounds"`
	// WatchWorkspace wakes the poller early when a job document changes.
	WatchWorkspace bool `mapstructure:"watch_workspace"`
}

// QueueConfig selects how replicas are initialized and submitted
type QueueConfig struct {
	// Driver is "exec" or "manual".
	Driver string `mapstructure:"driver"`
	// InitCommand runs after the workspace jobs are created (exec driver).
	InitCommand string `mapstructure:"init_command"`
	// SubmitCommand runs on every submission of the ladder (exec driver).
	SubmitCommand string `mapstructure:"submit_command"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled writes the log to <state_dir>/coordinator.log instead of stderr.
	Enabled bool `mapstructure:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// ListenAddr serves /metrics and /healthz when non-empty (e.g. ":9464").
	ListenAddr string `mapstructure:"listen_addr"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint string `mapstructure:"endpoint"`
	// Insecure disables TLS towards the collector.
	Insecure bool `mapstructure:"insecure"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Mode:      "cpu",
		Workspace: "workspace",
		StateDir:  "",
		Exchange: ExchangeConfig{
			Key:          "e_factor",
			NAttempts:    10,
			Seed:         0,
			SnapshotFile: "snapshot.json",
			RerunParams:  map[string]any{},
			LadderFile:   "ladder.yaml",
		},
		Poll: PollConfig{
			FirstWait:      800 * time.Second,
			InitWait:       400 * time.Second,
			ExtraWait:      100 * time.Second,
			MaxTries:       5,
			MaxRounds:      0,
			WatchWorkspace: false,
		},
		Queue: QueueConfig{
			Driver: "manual",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("mode", defaults.Mode)
	v.SetDefault("workspace", defaults.Workspace)
	v.SetDefault("state_dir", defaults.StateDir)

	// Exchange defaults
	v.SetDefault("exchange.key", defaults.Exchange.Key)
	v.SetDefault("exchange.n_attempts", defaults.Exchange.NAttempts)
	v.SetDefault("exchange.seed", defaults.Exchange.Seed)
	v.SetDefault("exchange.snapshot_file", defaults.Exchange.SnapshotFile)
	v.SetDefault("exchange.rerun_params", defaults.Exchange.RerunParams)
	v.SetDefault("exchange.ladder_file", defaults.Exchange.LadderFile)

	// Poll defaults
	v.SetDefault("poll.first_wait", defaults.Poll.FirstWait)
	v.SetDefault("poll.init_wait", defaults.Poll.InitWait)
	v.SetDefault("poll.extra_wait", defaults.Poll.ExtraWait)
	v.SetDefault("poll.max_tries", defaults.Poll.MaxTries)
	v.SetDefault("poll.max_rounds", defaults.Poll.MaxRounds)
	v.SetDefault("poll.watch_workspace", defaults.Poll.WatchWorkspace)

	// Queue defaults
	v.SetDefault("queue.driver", defaults.Queue.Driver)
	v.SetDefault("queue.init_command", defaults.Queue.InitCommand)
	v.SetDefault("queue.submit_command", defaults.Queue.SubmitCommand)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)

	v.SetDefault("metrics.listen_addr", defaults.Metrics.ListenAddr)
	v.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", defaults.Tracing.Insecure)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load for an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Exchange.RerunParams == nil {
		cfg.Exchange.RerunParams = map[string]any{}
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ResolvedStateDir returns the state directory, defaulting to
// <workspace>/.replex.
func (c *Config) ResolvedStateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return filepath.Join(c.Workspace, ".replex")
}

// ResolvedLadderFile returns the ladder file path. Relative paths are
// resolved against the directory of the config file in use, if any.
func (c *Config) ResolvedLadderFile(configFile string) string {
	path := c.Exchange.LadderFile
	if path == "" || filepath.IsAbs(path) || configFile == "" {
		return path
	}
	return filepath.Join(filepath.Dir(configFile), path)
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "replex")
	}
	// Fall back to ~/.config/replex
	home, err := os.UserHomeDir()
	if err != nil {
		return ".replex"
	}
	return filepath.Join(home, ".config", "replex")
}

// ConfigFile returns the path to the user-level config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), ConfigName+".yaml")
}
