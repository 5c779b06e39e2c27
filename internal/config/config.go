package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/fitsync/internal/source"
)

// Config is the top-level configuration
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Store         StoreConfig             `yaml:"store"`
	Sync          SyncConfig              `yaml:"sync"`
	Observability ObservabilityConfig     `yaml:"observability"`
	Events        EventsConfig            `yaml:"events"`
	Sources       map[string]SourceConfig `yaml:"sources"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
	// BaseURL is the externally reachable URL, used to build OAuth
	// redirect URIs when a source does not set one.
	BaseURL string `yaml:"base_url"`
}

// StoreConfig selects the activity record store
type StoreConfig struct {
	Driver      string `yaml:"driver"` // "sqlite" or "postgres"
	PostgresURL string `yaml:"postgres_url"`
}

// SyncConfig holds sync engine tunables
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"` // 0 disables the scheduler
	Concurrency    int           `yaml:"concurrency"`
	MaxDuration    time.Duration `yaml:"max_duration"`
	MaxPages       int           `yaml:"max_pages"`
	PageRetries    int           `yaml:"page_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ObservabilityConfig holds crash reporting settings
type ObservabilityConfig struct {
	SentryDSN   string `yaml:"sentry_dsn"`
	Environment string `yaml:"environment"`
}

// EventsConfig holds the optional Kafka publisher settings
type EventsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	Topic        string   `yaml:"topic"`
}

// SourceConfig is the raw YAML config for a source. The keys name, type
// and enabled are common; everything else is provider-specific.
type SourceConfig map[string]interface{}

// StravaSourceConfig is the typed config for a Strava source
type StravaSourceConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RefreshToken string   `yaml:"refresh_token"`
	AccessToken  string   `yaml:"access_token"`
	ExpiresAt    int64    `yaml:"expires_at"` // unix seconds
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
	BaseURL      string   `yaml:"base_url"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	PageSize     int      `yaml:"page_size"`
	ShortLimit   int      `yaml:"short_limit"` // requests per 15 minutes
	DailyLimit   int      `yaml:"daily_limit"`
}

// NikeSourceConfig is the typed config for a Nike Run Club source.
// Exactly one of AccessToken and RefreshToken must be set.
type NikeSourceConfig struct {
	AccessToken       string        `yaml:"access_token"`
	ExpiresAt         int64         `yaml:"expires_at"` // unix seconds, optional
	RefreshToken      string        `yaml:"refresh_token"`
	ClientID          string        `yaml:"client_id"`
	BaseURL           string        `yaml:"base_url"`
	TokenURL          string        `yaml:"token_url"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
}

// FileSourceConfig is the typed config for a GPX/FIT directory import
type FileSourceConfig struct {
	Path string `yaml:"path"`
	// Timezone names the IANA zone used for StartDateLocal; empty means UTC.
	Timezone string `yaml:"timezone"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "127.0.0.1:8080",
			DataDir: "/var/lib/fitsync",
			DBPath:  "",
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Sync: SyncConfig{
			Interval:       0,
			Concurrency:    4,
			MaxDuration:    30 * time.Minute,
			MaxPages:       50,
			PageRetries:    3,
			RetryBaseDelay: time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Events: EventsConfig{
			Topic: "fitsync.sync",
		},
		Sources: make(map[string]SourceConfig),
	}
}

// Load reads a config file from the given path and applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Sources == nil {
		cfg.Sources = make(map[string]SourceConfig)
	}

	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// ApplyEnv overrides settings from FITSYNC_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("FITSYNC_LISTEN"); ok && v != "" {
		c.Server.Listen = v
	}
	if v, ok := lookup("FITSYNC_DB_PATH"); ok && v != "" {
		c.Server.DBPath = v
	}
	if v, ok := lookup("FITSYNC_STORE_DRIVER"); ok && v != "" {
		c.Store.Driver = v
	}
	if v, ok := lookup("FITSYNC_POSTGRES_URL"); ok && v != "" {
		c.Store.PostgresURL = v
	}
	if v, ok := lookup("FITSYNC_SENTRY_DSN"); ok {
		c.Observability.SentryDSN = v
	}
	if v, ok := lookup("FITSYNC_KAFKA_BROKERS"); ok {
		c.Events.KafkaBrokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Events.KafkaBrokers = append(c.Events.KafkaBrokers, b)
			}
		}
	}
}

// Validate checks settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required when store.driver is postgres")
		}
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must not be negative")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	if c.Sync.MaxDuration < 0 {
		return fmt.Errorf("sync.max_duration must not be negative")
	}
	for id, sc := range c.Sources {
		if sc.Type() == "" {
			return fmt.Errorf("source %q: type is required", id)
		}
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"fitsync.yaml",
		"/etc/fitsync/fitsync.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "fitsync", "fitsync.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// ResolvedDBPath returns the SQLite path, defaulting into DataDir.
func (c *Config) ResolvedDBPath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "fitsync.db")
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// Type returns the source's provider type.
func (sc SourceConfig) Type() string {
	s, _ := sc["type"].(string)
	return s
}

// Enabled reports the source's enabled flag. Sources are enabled unless
// they say otherwise.
func (sc SourceConfig) Enabled() bool {
	b, ok := sc["enabled"].(bool)
	return !ok || b
}

// SourceConfigs converts the sources map into registry configs, sorted by
// id. The common keys are lifted out of the settings.
func (c *Config) SourceConfigs() []source.Config {
	ids := make([]string, 0, len(c.Sources))
	for id := range c.Sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]source.Config, 0, len(ids))
	for _, id := range ids {
		sc := c.Sources[id]
		name, _ := sc["name"].(string)
		if name == "" {
			name = id
		}
		settings := make(map[string]any, len(sc))
		for k, v := range sc {
			switch k {
			case "name", "type", "enabled":
				continue
			}
			settings[k] = v
		}
		out = append(out, source.Config{
			ID:       id,
			Name:     name,
			Type:     sc.Type(),
			Enabled:  sc.Enabled(),
			Settings: settings,
			Status:   source.StatusInactive,
		})
	}
	return out
}

// ParseSourceConfig unmarshals a source's raw settings into a typed struct
func ParseSourceConfig[T any](raw map[string]any) (*T, error) {
	// Re-marshal to YAML then unmarshal to typed struct
	data, err := yaml.Marshal(normalizeNumbers(raw))
	if err != nil {
		return nil, fmt.Errorf("marshaling source config: %w", err)
	}
	var typed T
	if err := yaml.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("parsing source config: %w", err)
	}
	return &typed, nil
}

// normalizeNumbers turns integral float64 values (as produced by JSON
// decoding of stored settings) back into int64 so they decode into integer
// fields.
func normalizeNumbers(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case float64:
			if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
				out[k] = int64(n)
				continue
			}
		case map[string]any:
			out[k] = normalizeNumbers(n)
			continue
		}
		out[k] = v
	}
	return out
}
