// Package config holds the persistent ionic configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Feed kinds understood by the daemon.
const (
	KindPolice       = "police"
	KindFire         = "fire"
	KindPressRelease = "pressrelease"
	KindSocial       = "social"
)

// Config is the persistent application configuration
type Config struct {
	DataDir   string          `json:"data_dir"`
	Database  DatabaseConfig  `json:"database"`
	Feeds     []FeedConfig    `json:"feeds"`
	Messaging MessagingConfig `json:"messaging"`
	HTTP      HTTPConfig      `json:"http"`
	Geocoder  GeocoderConfig  `json:"geocoder"`
	Proxies   []ProxyConfig   `json:"proxies,omitempty"`
	UI        UIConfig        `json:"ui"`
}

// DatabaseConfig names the embedded database.
type DatabaseConfig struct {
	Name string `json:"name"`
}

// FeedConfig describes one feed source. It is read once at startup.
type FeedConfig struct {
	Collection     string `json:"collection"`
	Kind           string `json:"kind"`
	URL            string `json:"url"`
	Enabled        bool   `json:"enabled"`
	Ticker         bool   `json:"ticker"`
	PollIntervalMs int    `json:"poll_interval_ms"`
	MapMarker      string `json:"map_marker,omitempty"`
	UseProxy       bool   `json:"use_proxy,omitempty"`
	// Reconciles names the canonical collection secondary feeds merge into.
	Reconciles string `json:"reconciles,omitempty"`
	// StationsFile is the fire station lookup table.
	StationsFile string `json:"stations_file,omitempty"`
	// DetailDelayMs spaces out detail page fetches.
	DetailDelayMs int `json:"detail_delay_ms,omitempty"`
}

// PollInterval returns the configured interval.
func (f FeedConfig) PollInterval() time.Duration {
	return time.Duration(f.PollIntervalMs) * time.Millisecond
}

// MessagingConfig selects the bus transport.
type MessagingConfig struct {
	// SharedDir enables the cross-process storage transport when set.
	SharedDir    string `json:"shared_dir,omitempty"`
	RetentionSec int    `json:"retention_sec"`
}

// HTTPConfig configures the local API.
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// GeocoderConfig configures address lookup.
type GeocoderConfig struct {
	Enabled    bool    `json:"enabled"`
	URL        string  `json:"url"`
	UserAgent  string  `json:"user_agent"`
	RatePerSec float64 `json:"rate_per_sec"`
	Suffix     string  `json:"suffix"` // appended to every query, e.g. ", Toronto, Ontario, Canada"
}

// ProxyConfig rewrites outbound URLs through a relay.
type ProxyConfig struct {
	URL    string `json:"url"`
	Action string `json:"action"` // "append" or "none"
	Encode bool   `json:"encode"`
}

// UIConfig holds list and ticker preferences.
type UIConfig struct {
	PageSize            int  `json:"page_size"`
	SortAscending       bool `json:"sort_ascending"`
	TickerWindowMinutes int  `json:"ticker_window_minutes"`
	RefreshThrottleSec  int  `json:"refresh_throttle_sec"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:  filepath.Join(home, ".ionic"),
		Database: DatabaseConfig{Name: "ionic"},
		Feeds: []FeedConfig{
			{
				Collection:     "TorontoPoliceFeed",
				Kind:           KindPolice,
				URL:            "https://services.arcgis.com/S9th0jAJ7bqgIRjw/arcgis/rest/services/C4S_Public_NoGO/FeatureServer/0/query",
				Enabled:        true,
				Ticker:         true,
				PollIntervalMs: 300000,
				MapMarker:      "police",
			},
			{
				Collection:     "TorontoFireFeed",
				Kind:           KindFire,
				URL:            "https://www.toronto.ca/data/fire/livecad.xml",
				Enabled:        true,
				Ticker:         true,
				PollIntervalMs: 300000,
				MapMarker:      "fire",
			},
			{
				Collection:     "TorontoPoliceNewsFeed",
				Kind:           KindPressRelease,
				URL:            "http://torontopolice.on.ca/newsreleases/rss.php",
				Enabled:        true,
				PollIntervalMs: 1800000,
				Reconciles:     "TorontoPoliceFeed",
				DetailDelayMs:  1000,
			},
			{
				Collection:     "TorontoPoliceTwitterFeed",
				Kind:           KindSocial,
				URL:            "https://cdn.syndication.twimg.com/timeline/profile?screen_name=TPSOperations",
				Enabled:        false,
				PollIntervalMs: 300000,
				Reconciles:     "TorontoPoliceFeed",
			},
		},
		Messaging: MessagingConfig{RetentionSec: 30},
		HTTP:      HTTPConfig{Addr: "127.0.0.1:8416"},
		Geocoder: GeocoderConfig{
			Enabled:    true,
			URL:        "https://nominatim.openstreetmap.org/search",
			UserAgent:  "ionic/0.1 (incident dashboard)",
			RatePerSec: 1,
			Suffix:     ", Toronto, Ontario, Canada",
		},
		UI: UIConfig{
			PageSize:            25,
			TickerWindowMinutes: 60,
			RefreshThrottleSec:  600,
		},
	}
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ionic", "config.json")
}

// Load reads the config from ConfigPath, or returns defaults.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads config from path. A missing file yields defaults with
// environment overrides applied.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.AutoPopulateFromEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.AutoPopulateFromEnv()
	return cfg, cfg.Validate()
}

// Save writes config to ConfigPath.
func (c *Config) Save() error {
	return c.SaveTo(ConfigPath())
}

// SaveTo writes config to path.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// AutoPopulateFromEnv applies IONIC_* environment overrides.
func (c *Config) AutoPopulateFromEnv() {
	if v := os.Getenv("IONIC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("IONIC_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("IONIC_SHARED_DIR"); v != "" {
		c.Messaging.SharedDir = v
	}
	if v := os.Getenv("IONIC_GEOCODER_URL"); v != "" {
		c.Geocoder.URL = v
	}
	if v := os.Getenv("IONIC_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.UI.PageSize = n
		}
	}
}

// Validate reports unrecoverable misconfiguration.
func (c *Config) Validate() error {
	if c.Database.Name == "" {
		return fmt.Errorf("config: database name is empty")
	}
	seen := make(map[string]bool)
	for _, f := range c.Feeds {
		if f.Collection == "" {
			return fmt.Errorf("config: feed of kind %q has no collection", f.Kind)
		}
		if seen[f.Collection] {
			return fmt.Errorf("config: duplicate feed collection %q", f.Collection)
		}
		seen[f.Collection] = true
		switch f.Kind {
		case KindPolice, KindFire, KindPressRelease, KindSocial:
		default:
			return fmt.Errorf("config: feed %s has unknown kind %q", f.Collection, f.Kind)
		}
		if f.Enabled && f.PollIntervalMs <= 0 {
			return fmt.Errorf("config: feed %s needs a positive poll interval", f.Collection)
		}
	}
	return nil
}

// DatabaseDir is where the embedded database lives.
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.DataDir, "db")
}

// EnabledFeeds returns the feeds to start.
func (c *Config) EnabledFeeds() []FeedConfig {
	var out []FeedConfig
	for _, f := range c.Feeds {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out
}
