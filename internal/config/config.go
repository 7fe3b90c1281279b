// Package config provides configuration loading and defaults for the upsguard server.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jamesprial/upsguard/internal/hostctl"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when UPSGUARD_CONFIG_PATH is not set.
const DefaultConfigPath = "/config/config.yaml"

// Duration is a time.Duration that reads and writes YAML strings such as
// "2s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a duration string. A bare integer is taken as seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// ResourceFilter holds allowlist and denylist entries for a resource category.
type ResourceFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// SafetyConfig groups resource filters. Commands filters NUT instant
// commands by name.
type SafetyConfig struct {
	Commands ResourceFilter `yaml:"commands"`
}

// PathsConfig holds filesystem paths used by the server.
type PathsConfig struct {
	LibvirtSocket string `yaml:"libvirt_socket"`
}

// AuditConfig controls audit logging behaviour.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// ServerConfig holds network and authentication settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// NUTConfig describes the NUT server and polling cadence.
type NUTConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	UPSName      string   `yaml:"ups_name"`
	PollInterval Duration `yaml:"poll_interval"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	// ReadGuard caps any single exchange regardless of the caller's deadline.
	ReadGuard Duration `yaml:"read_guard"`
}

// ShutdownConfig is the power-loss policy.
type ShutdownConfig struct {
	Enabled          bool     `yaml:"enabled"`
	BatteryThreshold float64  `yaml:"battery_threshold"`
	RuntimeThreshold float64  `yaml:"runtime_threshold"`
	Countdown        Duration `yaml:"countdown"`
	Action           string   `yaml:"action"`
	Delay            Duration `yaml:"delay"`
	HostTimeout      Duration `yaml:"host_timeout"`
}

// HostConfig selects how host power actions are carried out.
type HostConfig struct {
	// Controller is "command", "libvirt" or "none".
	Controller   string   `yaml:"controller"`
	GuestTimeout Duration `yaml:"guest_timeout"`
}

// HistoryConfig controls the telemetry history database.
type HistoryConfig struct {
	Path          string   `yaml:"path"`
	RetentionDays int      `yaml:"retention_days"`
	PruneDelay    Duration `yaml:"prune_delay"`
}

// MQTTConfig controls event publishing to an MQTT broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// RateConfig limits operator-initiated UPS commands.
type RateConfig struct {
	CommandsPerMinute int `yaml:"commands_per_minute"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DiscoveryConfig tunes nut_scan.
type DiscoveryConfig struct {
	ProbeTimeout Duration `yaml:"probe_timeout"`
	Concurrency  int      `yaml:"concurrency"`
}

// Config is the top-level configuration structure for the upsguard server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	NUT       NUTConfig       `yaml:"nut"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Host      HostConfig      `yaml:"host"`
	History   HistoryConfig   `yaml:"history"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Safety    SafetyConfig    `yaml:"safety"`
	Paths     PathsConfig     `yaml:"paths"`
	Audit     AuditConfig     `yaml:"audit"`
	Rate      RateConfig      `yaml:"rate"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
}

// LoadConfig reads and parses a YAML configuration file from the given path.
// Keys missing from the file keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a new Config populated with sensible default values.
// Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		NUT: NUTConfig{
			Host:         "localhost",
			Port:         3493,
			UPSName:      "ups",
			PollInterval: Duration(2 * time.Second),
			FetchTimeout: Duration(5 * time.Second),
			DialTimeout:  Duration(5 * time.Second),
			ReadGuard:    Duration(10 * time.Second),
		},
		Shutdown: ShutdownConfig{
			Enabled:          false,
			BatteryThreshold: 20,
			RuntimeThreshold: 300,
			Countdown:        Duration(60 * time.Second),
			Action:           "poweroff",
			HostTimeout:      Duration(2 * time.Minute),
		},
		Host: HostConfig{
			Controller:   "command",
			GuestTimeout: Duration(3 * time.Minute),
		},
		History: HistoryConfig{
			Path:          "/config/history.db",
			RetentionDays: 30,
			PruneDelay:    Duration(30 * time.Second),
		},
		MQTT: MQTTConfig{
			ClientID:    "upsguard",
			TopicPrefix: "upsguard",
		},
		Paths: PathsConfig{
			LibvirtSocket: "/var/run/libvirt/libvirt-sock",
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "/config/audit.log",
		},
		Rate: RateConfig{
			CommandsPerMinute: 6,
		},
		Discovery: DiscoveryConfig{
			ProbeTimeout: Duration(500 * time.Millisecond),
			Concurrency:  64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Path returns the configuration file location.
func Path() string {
	if p := os.Getenv("UPSGUARD_CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadDotEnv loads variables from a .env file in the working directory, if
// one exists. Variables already set in the environment win.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - UPSGUARD_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - UPSGUARD_NUT_HOST, UPSGUARD_NUT_PORT, UPSGUARD_NUT_USERNAME,
//     UPSGUARD_NUT_PASSWORD and UPSGUARD_NUT_UPS override cfg.NUT
//   - UPSGUARD_MQTT_BROKER sets cfg.MQTT.Broker and enables MQTT
//   - UPSGUARD_LOG_LEVEL overrides cfg.Log.Level
//   - UPSGUARD_HISTORY_PATH overrides cfg.History.Path
//
// A malformed UPSGUARD_NUT_PORT is reported and leaves the port unchanged.
func ApplyEnvOverrides(cfg *Config) error {
	if token := os.Getenv("UPSGUARD_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if host := os.Getenv("UPSGUARD_NUT_HOST"); host != "" {
		cfg.NUT.Host = host
	}
	var err error
	if port := os.Getenv("UPSGUARD_NUT_PORT"); port != "" {
		p, perr := strconv.Atoi(port)
		if perr != nil {
			err = fmt.Errorf("UPSGUARD_NUT_PORT: %w", perr)
		} else {
			cfg.NUT.Port = p
		}
	}
	if user := os.Getenv("UPSGUARD_NUT_USERNAME"); user != "" {
		cfg.NUT.Username = user
	}
	if pass := os.Getenv("UPSGUARD_NUT_PASSWORD"); pass != "" {
		cfg.NUT.Password = pass
	}
	if name := os.Getenv("UPSGUARD_NUT_UPS"); name != "" {
		cfg.NUT.UPSName = name
	}
	if broker := os.Getenv("UPSGUARD_MQTT_BROKER"); broker != "" {
		cfg.MQTT.Broker = broker
		cfg.MQTT.Enabled = true
	}
	if level := os.Getenv("UPSGUARD_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if path := os.Getenv("UPSGUARD_HISTORY_PATH"); path != "" {
		cfg.History.Path = path
	}
	return err
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range 1..65535", c.Server.Port)
	case c.NUT.Port < 1 || c.NUT.Port > 65535:
		return fmt.Errorf("nut.port %d out of range 1..65535", c.NUT.Port)
	case c.NUT.UPSName == "":
		return errors.New("nut.ups_name must not be empty")
	case c.NUT.PollInterval.D() < 100*time.Millisecond:
		return fmt.Errorf("nut.poll_interval %s is below 100ms", c.NUT.PollInterval.D())
	case c.NUT.FetchTimeout.D() <= 0:
		return errors.New("nut.fetch_timeout must be positive")
	case c.Shutdown.BatteryThreshold < 0 || c.Shutdown.BatteryThreshold > 100:
		return fmt.Errorf("shutdown.battery_threshold %.1f out of range 0..100", c.Shutdown.BatteryThreshold)
	case c.Shutdown.RuntimeThreshold < 0:
		return errors.New("shutdown.runtime_threshold must not be negative")
	case c.Shutdown.Countdown.D() < 0:
		return errors.New("shutdown.countdown must not be negative")
	case c.History.RetentionDays < 0:
		return errors.New("history.retention_days must not be negative")
	case c.MQTT.Enabled && c.MQTT.Broker == "":
		return errors.New("mqtt.broker is required when mqtt is enabled")
	case c.MQTT.QoS < 0 || c.MQTT.QoS > 2:
		return fmt.Errorf("mqtt.qos %d out of range 0..2", c.MQTT.QoS)
	case c.Rate.CommandsPerMinute < 0:
		return errors.New("rate.commands_per_minute must not be negative")
	}
	if _, err := hostctl.ParseAction(c.Shutdown.Action); err != nil {
		return fmt.Errorf("shutdown.action: %w", err)
	}
	switch c.Host.Controller {
	case "command", "libvirt", "none":
	default:
		return fmt.Errorf("host.controller %q must be command, libvirt or none", c.Host.Controller)
	}
	return nil
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}
