package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// SourceConfig holds the configuration for a single source integration.
type SourceConfig struct {
	// ID is the unique identifier for this source instance.
	ID string `mapstructure:"id" yaml:"id"`

	// Type identifies the source kind ("beeper", "matrix", "google_groups").
	Type string `mapstructure:"type" yaml:"type"`

	// Name is the user-defined label for this source instance.
	Name string `mapstructure:"name" yaml:"name"`

	// BaseURL is the root URL of the source service. Unused for mail.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Enabled controls whether this source is polled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PollIntervalSec is how often (in seconds) to fetch updates.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// Config holds source-specific settings (exclusion lists, mailbox
	// names, credential env vars). List values are comma-separated.
	Config map[string]string `mapstructure:"config" yaml:"config"`
}

// Key returns the stable identifier used to name this source in logs,
// metrics, and the sync_state table.
func (s SourceConfig) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Type
}

// PollInterval returns the poll interval as a duration.
func (s SourceConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSec) * time.Second
}

// Get returns the source-specific setting for key, or "".
func (s SourceConfig) Get(key string) string {
	if s.Config == nil {
		return ""
	}
	return strings.TrimSpace(s.Config[key])
}

// List returns a comma-separated setting as a trimmed slice, dropping
// empty entries. The second result reports whether the key was set at all.
func (s SourceConfig) List(key string) ([]string, bool) {
	if s.Config == nil {
		return nil, false
	}
	raw, ok := s.Config[key]
	if !ok {
		return nil, false
	}
	return SplitList(raw), true
}

// Int returns an integer setting, or def when unset or malformed.
func (s SourceConfig) Int(key string, def int) int {
	v := s.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Bool returns a boolean setting, or def when unset or malformed.
func (s SourceConfig) Bool(key string, def bool) bool {
	v := s.Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// SplitList parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// SupervisorConfig holds the retry and restart timings shared by all
// source supervisors.
type SupervisorConfig struct {
	BackoffFloorSec    int `mapstructure:"backoff_floor_sec" yaml:"backoff_floor_sec"`
	BackoffCeilingSec  int `mapstructure:"backoff_ceiling_sec" yaml:"backoff_ceiling_sec"`
	RestartCooldownSec int `mapstructure:"restart_cooldown_sec" yaml:"restart_cooldown_sec"`
	FetchTimeoutSec    int `mapstructure:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`
}

// EventsConfig configures outbound notifications.
type EventsConfig struct {
	// URL is the event-fabric endpoint receiving JSON envelopes.
	URL string `mapstructure:"url" yaml:"url"`

	// Enabled toggles the event-fabric publisher.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// NATSURL enables JetStream publishing when non-empty.
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url"`

	// NATSSubjectPrefix prefixes every published subject.
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix" yaml:"nats_subject_prefix"`

	// BatchWebhookURL receives every inserted batch as JSON when set.
	BatchWebhookURL string `mapstructure:"batch_webhook_url" yaml:"batch_webhook_url"`
}

// ServerConfig configures the status/metrics HTTP server.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DatabasePath string           `mapstructure:"database_path" yaml:"database_path"`
	Log          LogConfig        `mapstructure:"log" yaml:"log"`
	Supervisor   SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Events       EventsConfig     `mapstructure:"events" yaml:"events"`
	Server       ServerConfig     `mapstructure:"server" yaml:"server"`
	Sources      []SourceConfig   `mapstructure:"sources" yaml:"sources"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/vibez/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "vibez", "config.yaml")
}

// defaultPollIntervalSec is used per source type when none is configured.
var defaultPollIntervalSec = map[string]int{
	string(SourceTypeBeeper):       30,
	string(SourceTypeMatrix):       0,
	string(SourceTypeGoogleGroups): 60,
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DatabasePath: "./vibez.db",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Supervisor: SupervisorConfig{
			BackoffFloorSec:    1,
			BackoffCeilingSec:  300,
			RestartCooldownSec: 30,
			FetchTimeoutSec:    30,
		},
		Events: EventsConfig{
			URL:               "http://localhost:3511/v1/events",
			Enabled:           true,
			NATSSubjectPrefix: "vibez",
		},
		Sources: []SourceConfig{},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A .env file in the working directory is loaded first so VIBEZ_* variables
// can override file values. If the file does not exist, defaults are used.
func LoadConfig(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VIBEZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	def := defaultAppConfig()
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("supervisor.backoff_floor_sec", def.Supervisor.BackoffFloorSec)
	v.SetDefault("supervisor.backoff_ceiling_sec", def.Supervisor.BackoffCeilingSec)
	v.SetDefault("supervisor.restart_cooldown_sec", def.Supervisor.RestartCooldownSec)
	v.SetDefault("supervisor.fetch_timeout_sec", def.Supervisor.FetchTimeoutSec)
	v.SetDefault("events.url", def.Events.URL)
	v.SetDefault("events.enabled", def.Events.Enabled)
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.nats_subject_prefix", def.Events.NATSSubjectPrefix)
	v.SetDefault("events.batch_webhook_url", "")
	v.SetDefault("server.addr", "")

	fileMissing := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		switch {
		case errors.As(err, &notFound), errors.As(err, &pathErr):
			fileMissing = true
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if fileMissing {
		cfg.Sources = []SourceConfig{}
	}

	// Apply defaults for each source entry.
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.PollIntervalSec == 0 {
			src.PollIntervalSec = defaultPollIntervalSec[src.Type]
		}
		if !src.Enabled && !sourceKeySet(v, i, "enabled") {
			// Viper unmarshals missing bools as false; treat unset as true.
			src.Enabled = true
		}
		if src.Config == nil {
			src.Config = map[string]string{}
		}
	}

	// VIBEZ_EXCLUDED_GROUPS replaces the exclusion list of every chat-bridge source.
	if raw, ok := os.LookupEnv("VIBEZ_EXCLUDED_GROUPS"); ok {
		for i := range cfg.Sources {
			if cfg.Sources[i].Type == string(SourceTypeBeeper) {
				cfg.Sources[i].Config["excluded_groups"] = raw
			}
		}
	}

	return cfg, nil
}

// sourceKeySet reports whether the i-th sources entry sets key explicitly.
func sourceKeySet(v *viper.Viper, i int, key string) bool {
	raw, ok := v.Get("sources").([]any)
	if !ok || i >= len(raw) {
		return false
	}
	entry, ok := raw[i].(map[string]any)
	if !ok {
		return false
	}
	_, set := entry[key]
	return set
}

// EnabledSources returns the sources with Enabled set.
func (c *AppConfig) EnabledSources() []SourceConfig {
	var out []SourceConfig
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// FindSource returns the source with the given id, if any.
func (c *AppConfig) FindSource(id string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceConfig{}, false
}
