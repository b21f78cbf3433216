package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that overrides the config path.
const EnvPath = "SYLLACAL_CONFIG"

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "America/New_York"
	defaultAnchor         = "0 0 * * 1"
	defaultConflictMonths = 6
	defaultStaggerMinutes = 30
	defaultDurationMin    = 60
	defaultProductID      = "-//syllacal//Syllabus Calendar//EN"
	defaultUIDDomain      = "syllacal"
	defaultCalendarID     = "primary"
	defaultMaxInserts     = 4
	defaultCacheDir       = "./var/feed-cache"
	defaultLogLevel       = "info"
)

// FeedConfig is an ICS subscription whose events count as already booked
// when a live export checks for conflicts.
type FeedConfig struct {
	ID   string `yaml:"id" toml:"id" json:"id"`
	URL  string `yaml:"url" toml:"url" json:"url"`
	Name string `yaml:"name,omitempty" toml:"name,omitempty" json:"name,omitempty"`
}

// ICSConfig controls the generated calendar file.
type ICSConfig struct {
	ProductID string       `yaml:"product_id" toml:"product_id" json:"product_id"`
	UIDDomain string       `yaml:"uid_domain" toml:"uid_domain" json:"uid_domain"`
	Feeds     []FeedConfig `yaml:"feeds" toml:"feeds" json:"feeds"`
}

// GoogleConfig holds the OAuth client used to refresh user tokens and the
// insert defaults.
type GoogleConfig struct {
	ClientID             string `yaml:"client_id" toml:"client_id" json:"client_id"`
	ClientSecret         string `yaml:"client_secret" toml:"client_secret" json:"-"`
	CalendarID           string `yaml:"calendar_id" toml:"calendar_id" json:"calendar_id"`
	DefaultColorID       string `yaml:"default_color_id,omitempty" toml:"default_color_id,omitempty" json:"default_color_id,omitempty"`
	MaxConcurrentInserts int    `yaml:"max_concurrent_inserts" toml:"max_concurrent_inserts" json:"max_concurrent_inserts"`
	TokenInfoURL         string `yaml:"token_info_url,omitempty" toml:"token_info_url,omitempty" json:"token_info_url,omitempty"`
	TokenURL             string `yaml:"token_url,omitempty" toml:"token_url,omitempty" json:"token_url,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" toml:"username" json:"username"`
	Password string `yaml:"password" toml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	Listen string `yaml:"listen" toml:"listen" json:"listen"`

	// Timezone is the IANA zone used when a request does not name one.
	Timezone string `yaml:"timezone" toml:"timezone" json:"timezone"`

	// Anchor is a cron spec; its next firing places recurring events that
	// come without a date.
	Anchor string `yaml:"anchor" toml:"anchor" json:"anchor"`

	ConflictWindowMonths   int `yaml:"conflict_window_months" toml:"conflict_window_months" json:"conflict_window_months"`
	StaggerMinutes         int `yaml:"stagger_minutes" toml:"stagger_minutes" json:"stagger_minutes"`
	DefaultDurationMinutes int `yaml:"default_duration_minutes" toml:"default_duration_minutes" json:"default_duration_minutes"`

	ICS    ICSConfig    `yaml:"ics" toml:"ics" json:"ics"`
	Google GoogleConfig `yaml:"google" toml:"google" json:"google"`

	CacheDir string `yaml:"cache_dir" toml:"cache_dir" json:"cache_dir"`
	LogLevel string `yaml:"log_level" toml:"log_level" json:"log_level"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" toml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills zero values with defaults so partial files still work.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if strings.TrimSpace(c.Anchor) == "" {
		c.Anchor = defaultAnchor
	}
	if c.ConflictWindowMonths <= 0 {
		c.ConflictWindowMonths = defaultConflictMonths
	}
	if c.StaggerMinutes <= 0 {
		c.StaggerMinutes = defaultStaggerMinutes
	}
	if c.DefaultDurationMinutes <= 0 {
		c.DefaultDurationMinutes = defaultDurationMin
	}
	if c.ICS.ProductID == "" {
		c.ICS.ProductID = defaultProductID
	}
	if c.ICS.UIDDomain == "" {
		c.ICS.UIDDomain = defaultUIDDomain
	}
	if c.ICS.Feeds == nil {
		c.ICS.Feeds = []FeedConfig{}
	}
	for i := range c.ICS.Feeds {
		if c.ICS.Feeds[i].ID == "" {
			c.ICS.Feeds[i].ID = fmt.Sprintf("feed-%d", i+1)
		}
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = defaultCalendarID
	}
	if c.Google.MaxConcurrentInserts <= 0 {
		c.Google.MaxConcurrentInserts = defaultMaxInserts
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate reports values Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.Anchor); err != nil {
		errs = append(errs, fmt.Errorf("anchor %q: %w", c.Anchor, err))
	}
	for _, f := range c.ICS.Feeds {
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("feed %s: url is empty", f.ID))
		}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth requires username and password"))
	}
	return errors.Join(errs...)
}

// Location loads the configured default zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// ConflictWindow returns [now, now+ConflictWindowMonths).
func (c *Config) ConflictWindow(now time.Time) (time.Time, time.Time) {
	return now, now.AddDate(0, c.ConflictWindowMonths, 0)
}

// Stagger is the per-collision offset.
func (c *Config) Stagger() time.Duration {
	return time.Duration(c.StaggerMinutes) * time.Minute
}

// DefaultDuration is the length of single-instant timed events.
func (c *Config) DefaultDuration() time.Duration {
	return time.Duration(c.DefaultDurationMinutes) * time.Minute
}

// ResolvePath returns path, or the SYLLACAL_CONFIG override when path is
// empty.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return "./config.yaml"
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads the config at path, YAML or TOML by extension. A missing file
// is created with defaults (0600) and those defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

func marshal(path string, cfg *Config) ([]byte, error) {
	if !isTOML(path) {
		return yaml.Marshal(cfg)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes cfg atomically (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := marshal(path, cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".syllacal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
