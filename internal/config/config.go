// Package config handles the clawd.yaml daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded from clawd.yaml.
type Config struct {
	// DataRoot is where per-instance storage trees live.
	DataRoot string `yaml:"data_root,omitempty"`
	// DBPath is the sqlite database holding instance and task records.
	DBPath string `yaml:"db_path,omitempty"`

	Container ContainerConfig `yaml:"container,omitempty"`
	Nginx     NginxConfig     `yaml:"nginx,omitempty"`
	Queue     QueueConfig     `yaml:"queue,omitempty"`
	Terminal  TerminalConfig  `yaml:"terminal,omitempty"`
	Observe   ObserveConfig   `yaml:"observability,omitempty"`
	Log       LogConfig       `yaml:"log,omitempty"`
}

// ContainerConfig configures instance containers.
type ContainerConfig struct {
	// Image run for every instance container.
	Image string `yaml:"image,omitempty"`
	// BuildContext is the directory holding the Dockerfile used by
	// instance_update to rebuild the shared image.
	BuildContext string `yaml:"build_context,omitempty"`
	// Host port range instances are mapped into.
	PortMin int `yaml:"port_min,omitempty"`
	PortMax int `yaml:"port_max,omitempty"`
	// PortAttempts bounds retries on port-allocation conflicts.
	PortAttempts int `yaml:"port_attempts,omitempty"`
	// CPUs is the fractional CPU limit per container.
	CPUs float64 `yaml:"cpus,omitempty"`
	// MemoryMB is the memory cap per container.
	MemoryMB int `yaml:"memory_mb,omitempty"`
}

// NginxConfig configures the reverse-proxy synchronizer.
type NginxConfig struct {
	// ConfPath is the generated port-map include file.
	ConfPath string `yaml:"conf_path,omitempty"`
	// Sudo prefixes reload/verify commands with sudo, for hosts where
	// the orchestrator runs unprivileged.
	Sudo bool `yaml:"sudo,omitempty"`
}

// QueueConfig configures the task queue processor.
type QueueConfig struct {
	PollInterval Duration `yaml:"poll_interval,omitempty"`
	ErrorBackoff Duration `yaml:"error_backoff,omitempty"`
}

// TerminalConfig configures the web terminal server.
type TerminalConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// ObserveConfig configures trace, report and alert persistence.
type ObserveConfig struct {
	TraceDir   string `yaml:"trace_dir,omitempty"`
	ReportPath string `yaml:"report_path,omitempty"`
	AlertPath  string `yaml:"alert_path,omitempty"`
}

// LogConfig configures debug file logging.
type LogConfig struct {
	Dir           string `yaml:"dir,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty"`
}

// Duration wraps time.Duration for yaml values like "5s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no clawd.yaml exists.
func Default() *Config {
	dataRoot := "/data/clawdeploy"
	logRoot := "/var/log/clawdeploy"
	return &Config{
		DataRoot: dataRoot,
		DBPath:   filepath.Join(dataRoot, "clawd.db"),
		Container: ContainerConfig{
			Image:        "clawdeploy/agent:local",
			BuildContext: "/opt/agent-src",
			PortMin:      10000,
			PortMax:      20000,
			PortAttempts: 10,
			CPUs:         0.5,
			MemoryMB:     256,
		},
		Nginx: NginxConfig{
			ConfPath: "/etc/nginx/conf.d/clawdeploy-instances.conf",
		},
		Queue: QueueConfig{
			PollInterval: Duration(time.Second),
			ErrorBackoff: Duration(5 * time.Second),
		},
		Terminal: TerminalConfig{
			Addr: ":3001",
		},
		Observe: ObserveConfig{
			TraceDir:   filepath.Join(logRoot, "traces"),
			ReportPath: filepath.Join(logRoot, "reports.jsonl"),
			AlertPath:  filepath.Join(logRoot, "alerts.jsonl"),
		},
		Log: LogConfig{
			Dir:           filepath.Join(logRoot, "debug"),
			RetentionDays: 14,
		},
	}
}

// Load reads the config at path, layering it over defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data_root must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.Container.PortMin <= 0 || c.Container.PortMax > 65535 {
		return fmt.Errorf("container port range %d-%d out of bounds", c.Container.PortMin, c.Container.PortMax)
	}
	if c.Container.PortMin >= c.Container.PortMax {
		return fmt.Errorf("container port_min %d must be below port_max %d", c.Container.PortMin, c.Container.PortMax)
	}
	if c.Container.PortAttempts <= 0 {
		return fmt.Errorf("container port_attempts must be positive")
	}
	if c.Queue.PollInterval.Std() <= 0 {
		return fmt.Errorf("queue poll_interval must be positive")
	}
	if c.Queue.ErrorBackoff.Std() <= 0 {
		return fmt.Errorf("queue error_backoff must be positive")
	}
	return nil
}
