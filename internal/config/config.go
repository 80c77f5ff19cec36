// Package config is the broker's central configuration: defaults, an
// optional JSON or YAML file, and VELA_* environment overrides, applied in
// that order. Component packages take time.Duration values; the file
// surface keeps the unit-suffixed option names (grace_ms, cleanup_interval_s)
// so a config file reads unambiguously.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/vela/internal/portpool"
	"github.com/oriys/vela/internal/supervisor"
)

// VelaDir is the base state directory for vela.
const VelaDir = "/var/lib/vela"

// BrokerConfig holds the port range and durable state locations.
type BrokerConfig struct {
	PortMin        int    `json:"port_min" yaml:"port_min"`
	PortMax        int    `json:"port_max" yaml:"port_max"`
	ServerIP       string `json:"server_ip" yaml:"server_ip"`
	StateFile      string `json:"state_file" yaml:"state_file"`
	LockFile       string `json:"lock_file" yaml:"lock_file"`
	AdoptionGraceS int    `json:"adoption_grace_s" yaml:"adoption_grace_s"`
}

// WebsockifyConfig holds child-process settings.
type WebsockifyConfig struct {
	Bin            string `json:"bin" yaml:"bin"`
	NoVNCWebRoot   string `json:"novnc_web_root" yaml:"novnc_web_root"`
	LogDir         string `json:"log_dir" yaml:"log_dir"`
	RunOnce        bool   `json:"run_once" yaml:"run_once"`
	Daemonize      bool   `json:"daemonize" yaml:"daemonize"`
	GraceMS        int    `json:"grace_ms" yaml:"grace_ms"`
	KillMS         int    `json:"kill_ms" yaml:"kill_ms"`
	SpawnTimeoutMS int    `json:"spawn_timeout_ms" yaml:"spawn_timeout_ms"`
}

// CleanupConfig holds the reconciliation loop cadence.
type CleanupConfig struct {
	IntervalS int `json:"cleanup_interval_s" yaml:"cleanup_interval_s"`
}

// DaemonConfig holds daemon-process settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Format string `json:"format" yaml:"format"`
	Level  string `json:"level" yaml:"level"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"`
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// ObservabilityConfig bundles logging, metrics, and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Broker        BrokerConfig        `json:"broker" yaml:"broker"`
	Websockify    WebsockifyConfig    `json:"websockify" yaml:"websockify"`
	Cleanup       CleanupConfig       `json:"cleanup" yaml:"cleanup"`
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with the stock port range and timeouts.
// ServerIP defaults to the host's first non-loopback IPv4 address.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			PortMin:        6100,
			PortMax:        6999,
			ServerIP:       detectHostIP(),
			StateFile:      filepath.Join(VelaDir, "ports.json"),
			LockFile:       filepath.Join(VelaDir, "ports.lock"),
			AdoptionGraceS: 30,
		},
		Websockify: WebsockifyConfig{
			Bin:            "websockify",
			NoVNCWebRoot:   "/usr/share/novnc",
			LogDir:         "/var/log/vela",
			RunOnce:        true,
			Daemonize:      true,
			GraceMS:        2000,
			KillMS:         1000,
			SpawnTimeoutMS: 5000,
		},
		Cleanup: CleanupConfig{
			IntervalS: 60,
		},
		Daemon: DaemonConfig{
			HTTPAddr: "",
			LogLevel: "info",
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{Format: "text", Level: "info"},
			Metrics: MetricsConfig{Enabled: true, Namespace: "vela"},
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "vela",
				SampleRate:  1.0,
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, chosen by
// extension, over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies VELA_* environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VELA_PORT_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.PortMin = n
		}
	}
	if v := os.Getenv("VELA_PORT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Broker.PortMax = n
		}
	}
	if v := os.Getenv("VELA_SERVER_IP"); v != "" {
		cfg.Broker.ServerIP = v
	}
	if v := os.Getenv("VELA_STATE_FILE"); v != "" {
		cfg.Broker.StateFile = v
	}
	if v := os.Getenv("VELA_LOCK_FILE"); v != "" {
		cfg.Broker.LockFile = v
	}
	if v := os.Getenv("VELA_WEBSOCKIFY_BIN"); v != "" {
		cfg.Websockify.Bin = v
	}
	if v := os.Getenv("VELA_NOVNC_WEB_ROOT"); v != "" {
		cfg.Websockify.NoVNCWebRoot = v
	}
	if v := os.Getenv("VELA_WEBSOCKIFY_LOG_DIR"); v != "" {
		cfg.Websockify.LogDir = v
	}
	if v := os.Getenv("VELA_CLEANUP_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cleanup.IntervalS = n
		}
	}
	if v := os.Getenv("VELA_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("VELA_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
		cfg.Observability.Logging.Level = v
	}
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	b := c.Broker
	if b.PortMin <= 0 || b.PortMax > 65535 || b.PortMax < b.PortMin {
		return fmt.Errorf("config: invalid port range [%d, %d]", b.PortMin, b.PortMax)
	}
	if b.ServerIP == "" {
		return fmt.Errorf("config: server_ip is required")
	}
	if b.StateFile == "" || b.LockFile == "" {
		return fmt.Errorf("config: state_file and lock_file are required")
	}
	if b.StateFile == b.LockFile {
		return fmt.Errorf("config: state_file and lock_file must differ")
	}
	if b.AdoptionGraceS <= 0 {
		return fmt.Errorf("config: adoption_grace_s must be positive")
	}
	w := c.Websockify
	if w.Bin == "" {
		return fmt.Errorf("config: websockify bin is required")
	}
	if w.GraceMS <= 0 || w.KillMS <= 0 || w.SpawnTimeoutMS <= 0 {
		return fmt.Errorf("config: websockify timeouts must be positive")
	}
	if c.Cleanup.IntervalS <= 0 {
		return fmt.Errorf("config: cleanup_interval_s must be positive")
	}
	return nil
}

// PortPool converts the broker section for the portpool package.
func (c *Config) PortPool() *portpool.Config {
	return &portpool.Config{
		PortMin:       c.Broker.PortMin,
		PortMax:       c.Broker.PortMax,
		StatePath:     c.Broker.StateFile,
		LockPath:      c.Broker.LockFile,
		AdoptionGrace: time.Duration(c.Broker.AdoptionGraceS) * time.Second,
	}
}

// Supervisor converts the websockify section for the supervisor package.
func (c *Config) Supervisor() *supervisor.Config {
	return &supervisor.Config{
		WebsockifyBin: c.Websockify.Bin,
		NoVNCWebRoot:  c.Websockify.NoVNCWebRoot,
		LogDir:        c.Websockify.LogDir,
		RunOnce:       c.Websockify.RunOnce,
		Daemonize:     c.Websockify.Daemonize,
		GracePeriod:   time.Duration(c.Websockify.GraceMS) * time.Millisecond,
		KillWait:      time.Duration(c.Websockify.KillMS) * time.Millisecond,
		SpawnTimeout:  time.Duration(c.Websockify.SpawnTimeoutMS) * time.Millisecond,
		PortMin:       c.Broker.PortMin,
		PortMax:       c.Broker.PortMax,
	}
}

// CleanupInterval returns the reconciliation cadence as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalS) * time.Second
}

// detectHostIP returns the first non-loopback IPv4 address, falling back
// to loopback when the host has none up.
func detectHostIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
