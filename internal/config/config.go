// Package config loads the engine's runtime configuration: a YAML file for
// tunables plus the environment variables spec.md §6 calls out explicitly
// (event_id, job_name). The loading style (defaults struct, optional YAML
// overlay, XDG-style path resolution) follows the teacher's
// internal/config package.
package config

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Publish  PublishConfig  `yaml:"publish"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// EngineConfig controls the per-event pipeline's timing knobs (spec.md §4.4,
// §4.5, §5).
type EngineConfig struct {
	StaleAfter              time.Duration `yaml:"stale_after"`
	DriverVideoRefreshEvery int           `yaml:"driver_video_refresh_every"`
	ProcessingTimeWarn      time.Duration `yaml:"processing_time_warn"`
	LockWaiterWarn          int           `yaml:"lock_waiter_warn"`
	ControlLogPollInterval  time.Duration `yaml:"control_log_poll_interval"`
}

// PublishConfig controls the publisher's (C6) periodic full-refresh cadence.
type PublishConfig struct {
	FullRefreshInterval time.Duration `yaml:"full_refresh_interval"`
	MinPacing           time.Duration `yaml:"min_pacing"`
	MaxPacing           time.Duration `yaml:"max_pacing"`
	PayloadTTL          time.Duration `yaml:"payload_ttl"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		HTTP:  HTTPConfig{Host: "0.0.0.0", Port: 8080},
		Engine: EngineConfig{
			StaleAfter:              2 * time.Minute,
			DriverVideoRefreshEvery: 60,
			ProcessingTimeWarn:      time.Second,
			LockWaiterWarn:          10,
			ControlLogPollInterval:  30 * time.Second,
		},
		Publish: PublishConfig{
			FullRefreshInterval: 5 * time.Second,
			MinPacing:           2 * time.Millisecond,
			MaxPacing:           50 * time.Millisecond,
			PayloadTTL:          60 * time.Second,
		},
	}
}

// Load reads path and overlays it on top of the defaults. A missing file
// is an error; LoadOrDefault returns the defaults in that case instead.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns the defaults if path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

func defaultConfigDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "redmist-engine", "config.yaml")
}

// EventID resolves the "event_id" environment variable spec.md §6 requires.
// ok is false when it is unset or not a valid integer.
func EventID() (id int, ok bool) {
	v := os.Getenv("event_id")
	if v == "" {
		return 0, false
	}
	if _, err := fmt.Sscanf(v, "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}

// JobName resolves the "job_name" environment variable: the service
// instance name registered in the endpoint registry (C9). Falls back to
// "host:port" derived from the HTTP listen address when unset, per
// spec.md §6.
func JobName(httpCfg HTTPConfig) string {
	if v := os.Getenv("job_name"); v != "" {
		return v
	}
	host := httpCfg.Host
	if host == "" || host == "0.0.0.0" {
		if h, err := os.Hostname(); err == nil {
			host = h
		} else {
			host = "localhost"
		}
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", httpCfg.Port))
}

// EndpointURL prefixes endpoint with "http://" if it lacks a scheme,
// matching the consumer-side rule in spec.md §4.9.
func EndpointURL(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	for _, scheme := range []string{"http://", "https://"} {
		if len(endpoint) >= len(scheme) && endpoint[:len(scheme)] == scheme {
			return endpoint
		}
	}
	return "http://" + endpoint
}

// NewHTTPClient returns a client with sane timeouts for inter-service
// snapshot fetches (C9 consumers).
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}
