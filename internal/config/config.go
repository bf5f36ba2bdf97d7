// Package config loads the service configuration from a YAML or TOML file,
// applies environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// WaterSmartConfig is the portal account.
type WaterSmartConfig struct {
	URL        string        `yaml:"url" toml:"url"`
	Email      string        `yaml:"email" toml:"email"`
	Password   string        `yaml:"password" toml:"password"`
	Timeout    time.Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries int           `yaml:"max_retries" toml:"max_retries"`
}

// PollConfig controls the refresh loop.
type PollConfig struct {
	Interval   time.Duration `yaml:"interval" toml:"interval"`
	MaxBackoff time.Duration `yaml:"max_backoff" toml:"max_backoff"`
	Retention  time.Duration `yaml:"retention" toml:"retention"`
}

// CacheConfig controls the HTTP response cache in front of the portal.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	ExpireAfter time.Duration `yaml:"expire_after" toml:"expire_after"`
}

// StoreConfig locates the SQLite database. An empty path disables persistence.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// HomeAssistantConfig enables the websocket state mirror when URL is set.
type HomeAssistantConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Token    string `yaml:"token" toml:"token"`
	ReadOnly bool   `yaml:"read_only" toml:"read_only"`
}

// Enabled reports whether a Home Assistant URL is configured.
func (c HomeAssistantConfig) Enabled() bool {
	return c.URL != ""
}

// MQTTConfig enables the discovery publisher when Broker is set.
type MQTTConfig struct {
	Broker             string `yaml:"broker" toml:"broker"`
	Username           string `yaml:"username" toml:"username"`
	Password           string `yaml:"password" toml:"password"`
	ClientID           string `yaml:"client_id" toml:"client_id"`
	DiscoveryPrefix    string `yaml:"discovery_prefix" toml:"discovery_prefix"`
	TopicPrefix        string `yaml:"topic_prefix" toml:"topic_prefix"`
	MaxReadingEntities int    `yaml:"max_reading_entities" toml:"max_reading_entities"`
}

// Enabled reports whether an MQTT broker is configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// APIConfig controls the HTTP API.
type APIConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Port    int  `yaml:"port" toml:"port"`
}

// Config is the full service configuration.
type Config struct {
	WaterSmart    WaterSmartConfig    `yaml:"watersmart" toml:"watersmart"`
	Poll          PollConfig          `yaml:"poll" toml:"poll"`
	Cache         CacheConfig         `yaml:"cache" toml:"cache"`
	Store         StoreConfig         `yaml:"store" toml:"store"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant" toml:"home_assistant"`
	MQTT          MQTTConfig          `yaml:"mqtt" toml:"mqtt"`
	API           APIConfig           `yaml:"api" toml:"api"`
	Timezone      string              `yaml:"timezone" toml:"timezone"`
	LogLevel      string              `yaml:"log_level" toml:"log_level"`
}

// Default returns the configuration used for anything a file or the
// environment leaves unset.
func Default() *Config {
	return &Config{
		WaterSmart: WaterSmartConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 2,
		},
		Poll: PollConfig{
			Interval:   5 * time.Minute,
			MaxBackoff: time.Hour,
			Retention:  62 * 24 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled:     false,
			ExpireAfter: 6 * time.Hour,
		},
		Store: StoreConfig{
			Path: "data/watersmart.db",
		},
		MQTT: MQTTConfig{
			DiscoveryPrefix:    "homeassistant",
			TopicPrefix:        "watersmart",
			MaxReadingEntities: 24,
		},
		API: APIConfig{
			Enabled: true,
			Port:    8081,
		},
		Timezone: "Local",
		LogLevel: "info",
	}
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment. Variables already set are not overwritten.
func LoadEnvFile(path string) error {
	return godotenv.Load(path)
}

// Load builds the configuration from defaults, the optional file at path
// and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), c)
		if err != nil {
			return fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys in %s: %v", path, undecoded)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	return nil
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("WATERSMART_URL", &c.WaterSmart.URL)
	str("WATERSMART_EMAIL", &c.WaterSmart.Email)
	str("WATERSMART_PASSWORD", &c.WaterSmart.Password)
	duration("WATERSMART_TIMEOUT", &c.WaterSmart.Timeout)
	duration("WATERSMART_POLL_INTERVAL", &c.Poll.Interval)
	boolean("WATERSMART_CACHE_ENABLED", &c.Cache.Enabled)
	str("WATERSMART_DB_PATH", &c.Store.Path)
	str("WATERSMART_TIMEZONE", &c.Timezone)

	str("HA_URL", &c.HomeAssistant.URL)
	str("HA_TOKEN", &c.HomeAssistant.Token)
	boolean("READ_ONLY", &c.HomeAssistant.ReadOnly)

	str("MQTT_BROKER", &c.MQTT.Broker)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)

	integer("API_PORT", &c.API.Port)
	str("LOG_LEVEL", &c.LogLevel)

	return errors.Join(errs...)
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if err := validatePortalURL(c.WaterSmart.URL); err != nil {
		errs = append(errs, err)
	}
	if c.WaterSmart.Email == "" {
		errs = append(errs, errors.New("watersmart.email is required"))
	}
	if c.WaterSmart.Password == "" {
		errs = append(errs, errors.New("watersmart.password is required"))
	}
	if c.WaterSmart.Timeout <= 0 {
		errs = append(errs, errors.New("watersmart.timeout must be positive"))
	}
	if c.WaterSmart.MaxRetries < 0 {
		errs = append(errs, errors.New("watersmart.max_retries must not be negative"))
	}

	if c.Poll.Interval < time.Minute {
		errs = append(errs, errors.New("poll.interval must be at least 1m"))
	}
	if c.Poll.MaxBackoff < c.Poll.Interval {
		errs = append(errs, errors.New("poll.max_backoff must not be shorter than poll.interval"))
	}
	if c.Poll.Retention < 0 {
		errs = append(errs, errors.New("poll.retention must not be negative"))
	}

	if c.Cache.Enabled && c.Cache.ExpireAfter <= 0 {
		errs = append(errs, errors.New("cache.expire_after must be positive"))
	}

	if c.HomeAssistant.Enabled() {
		u, err := url.Parse(c.HomeAssistant.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("home_assistant.url must be a ws:// or wss:// URL, got %q", c.HomeAssistant.URL))
		}
		if c.HomeAssistant.Token == "" {
			errs = append(errs, errors.New("home_assistant.token is required when home_assistant.url is set"))
		}
	}

	if c.MQTT.Enabled() && c.MQTT.MaxReadingEntities < 0 {
		errs = append(errs, errors.New("mqtt.max_reading_entities must not be negative"))
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		errs = append(errs, fmt.Errorf("api.port %d is out of range", c.API.Port))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}

	return errors.Join(errs...)
}

// validatePortalURL requires an http(s) URL on a watersmart.com host.
func validatePortalURL(raw string) error {
	if raw == "" {
		return errors.New("watersmart.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("watersmart.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("watersmart.url must start with http:// or https://, got %q", raw)
	}
	if !strings.Contains(strings.ToLower(u.Host), "watersmart.com") {
		return fmt.Errorf("watersmart.url must be a watersmart.com portal, got %q", raw)
	}
	return nil
}

// Location resolves Timezone. An empty value means the local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Level is the parsed LogLevel. An empty or invalid value means info.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
