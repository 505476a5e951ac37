// Package config defines all configuration structures for the meshbridge
// daemon and loads them from YAML, config.env and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "meshbridge"

// Config holds all daemon configuration.
type Config struct {
	// MQTT configures the broker connection to the mesh uplink.
	MQTT MQTTConfig `yaml:"mqtt"`

	// Mesh configures outbound delivery on the radio link.
	Mesh MeshConfig `yaml:"mesh"`

	// AI configures the Gemini backend.
	AI AIConfig `yaml:"ai"`

	// Email configures the SMTP/IMAP relay.
	Email EmailConfig `yaml:"email"`

	// Session configures per-user session lifetimes.
	Session SessionConfig `yaml:"session"`

	// Logging configures the slog handler.
	Logging LoggingConfig `yaml:"logging"`

	// DataDir is where persistent state (sqlite database) lives.
	DataDir string `yaml:"data_dir"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	// Host is the broker hostname or IP.
	Host string `yaml:"host"`

	// Port is the broker TCP port.
	Port int `yaml:"port"`

	// Username and Password are optional broker credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// RootFilter is the wildcard subscription (e.g. "msh/#").
	RootFilter string `yaml:"root_filter"`

	// Region and Version form the downlink topic
	// msh/<region>/<version>/json/mqtt/.
	Region  string `yaml:"region"`
	Version string `yaml:"version"`

	// ClientID identifies this client to the broker.
	ClientID string `yaml:"client_id"`
}

// MeshConfig configures outbound delivery constraints.
type MeshConfig struct {
	// ChunkBytes is the maximum UTF-8 byte size of one downlink text.
	ChunkBytes int `yaml:"chunk_bytes"`

	// ChunkDelayMs is the pacing delay between chunks of one reply,
	// in milliseconds.
	ChunkDelayMs int `yaml:"chunk_delay_ms"`

	// DefaultChannelIndex is used for gateways with no learned channel.
	DefaultChannelIndex int `yaml:"default_channel_index"`
}

// AIConfig configures the Gemini backend.
type AIConfig struct {
	// APIKey is the Gemini API key. Resolved keyring → env → config.
	APIKey string `yaml:"api_key"`

	// Model is the Gemini model name.
	Model string `yaml:"model"`
}

// EmailConfig configures the email relay.
type EmailConfig struct {
	// Enabled turns the email commands and relay on.
	Enabled bool `yaml:"enabled"`

	// Address is the account the bot sends and receives as.
	Address string `yaml:"address"`

	// Password is the SMTP/IMAP app password.
	// Resolved keyring → env → config.
	Password string `yaml:"password"`

	// SMTPHost and SMTPPort configure outbound mail.
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`

	// IMAPAddr is the host:port of the IMAP server.
	IMAPAddr string `yaml:"imap_addr"`

	// PollIntervalSec is how often, in seconds, pending replies are
	// relayed to the mesh and the inbox is checked.
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// SessionConfig configures per-user session lifetimes.
type SessionConfig struct {
	// TimeoutSec is the idle time, in seconds, after which a session
	// expires.
	TimeoutSec int `yaml:"timeout_sec"`

	// WeatherWaitSec is the window, in seconds, for a GPS fix after
	// /weather.
	WeatherWaitSec int `yaml:"weather_wait_sec"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Host:       "localhost",
			Port:       1883,
			RootFilter: "msh/#",
			Region:     "EU",
			Version:    "2",
			ClientID:   "meshbridge",
		},
		Mesh: MeshConfig{
			ChunkBytes:          180,
			ChunkDelayMs:        1200,
			DefaultChannelIndex: 0,
		},
		AI: AIConfig{
			Model: "gemini-1.5-flash",
		},
		Email: EmailConfig{
			SMTPHost:        "smtp.gmail.com",
			SMTPPort:        587,
			IMAPAddr:        "imap.gmail.com:993",
			PollIntervalSec: 30,
		},
		Session: SessionConfig{
			TimeoutSec:     3600,
			WeatherWaitSec: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		DataDir: "./data",
	}
}

// Load reads the config file at path (YAML) over the defaults, loads
// config.env when present, and applies environment overrides.
// A missing config file is not an error; env-only setups are valid.
func Load(path string) (*Config, error) {
	// Original deployments keep credentials in config.env.
	_ = godotenv.Load("config.env")

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.resolveSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values from the environment, using the
// variable names the original deployments used.
func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr(&c.MQTT.Host, "MQTT_HOST")
	setInt(&c.MQTT.Port, "MQTT_PORT")
	setStr(&c.MQTT.Username, "MQTT_USER")
	setStr(&c.MQTT.Password, "MQTT_PASS")
	setStr(&c.MQTT.RootFilter, "ROOT_FILTER")
	setStr(&c.MQTT.Region, "DEFAULT_REGION")
	setStr(&c.MQTT.Version, "DEFAULT_VERSION")
	setInt(&c.Mesh.DefaultChannelIndex, "DEFAULT_CHANNEL_INDEX")
	setInt(&c.Mesh.ChunkBytes, "CHUNK_BYTES")
	if v := os.Getenv("CHUNK_DELAY_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Mesh.ChunkDelayMs = int(f * 1000)
		}
	}
	setStr(&c.AI.APIKey, "GEMINI_API_KEY")
	setStr(&c.AI.Model, "GEMINI_MODEL")
	setStr(&c.Email.Address, "GMAIL_EMAIL")
	setStr(&c.Email.Password, "GMAIL_APP_PASSWORD")
	setStr(&c.DataDir, "DATA_DIR")
}

// resolveSecrets fills empty secrets from the OS keyring.
// Keyring values never override explicit env/config values.
func (c *Config) resolveSecrets() {
	if c.AI.APIKey == "" {
		if v, err := keyring.Get(keyringService, "gemini_api_key"); err == nil {
			c.AI.APIKey = v
		}
	}
	if c.Email.Password == "" {
		if v, err := keyring.Get(keyringService, "email_password"); err == nil {
			c.Email.Password = v
		}
	}
}

// StoreSecret saves a secret under the meshbridge keyring service.
func StoreSecret(name, value string) error {
	return keyring.Set(keyringService, name, value)
}

// Validate checks that the config is usable. The AI backend is
// mandatory; email is optional and validated only when enabled.
func (c *Config) Validate() error {
	if c.AI.APIKey == "" {
		return fmt.Errorf("gemini api key required (GEMINI_API_KEY, keyring or ai.api_key)")
	}
	if c.Mesh.ChunkBytes <= 0 {
		return fmt.Errorf("mesh.chunk_bytes must be positive")
	}
	if c.Email.Enabled {
		if c.Email.Address == "" || c.Email.Password == "" {
			return fmt.Errorf("email enabled but address or password missing")
		}
	}
	return nil
}

// ChunkDelay returns the inter-chunk pacing delay.
func (m MeshConfig) ChunkDelay() time.Duration {
	return time.Duration(m.ChunkDelayMs) * time.Millisecond
}

// PollInterval returns the relay poll interval.
func (e EmailConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSec) * time.Second
}

// Timeout returns the session idle timeout.
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// WeatherWait returns the GPS wait window.
func (s SessionConfig) WeatherWait() time.Duration {
	return time.Duration(s.WeatherWaitSec) * time.Second
}

// Save writes the config as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
