package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SourceConfig describes a single ICS/CalDAV feed.
type SourceConfig struct {
	// ID is an internal identifier used in logs and occurrences.
	ID string `yaml:"id" json:"id"`
	// URL may carry userinfo (sent as basic auth) and ${VAR} references.
	URL string `yaml:"url" json:"url"`
}

// CourseConfig is one course filter. Order matters: the first filter whose
// alias appears in an entry wins.
type CourseConfig struct {
	Code    string   `yaml:"code" json:"code"`
	Group   int      `yaml:"group" json:"group"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Exclude []string `yaml:"exclude,omitempty" json:"exclude,omitempty"`
}

// WindowConfig bounds recurrence expansion relative to the build time.
type WindowConfig struct {
	PastDays int `yaml:"past_days" json:"past_days"`

	// FutureDays <= 0 is treated as unset and replaced by the default.
	FutureDays int `yaml:"future_days" json:"future_days"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for `serve`.
	Listen string `yaml:"listen" json:"listen"`

	// Output is where the events document is written.
	Output string `yaml:"output" json:"output"`

	// CacheDir holds the conditional-request cache of fetched feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// RefreshCron is a cron-style schedule string (e.g. "*/30 * * * *")
	// used by `serve` for periodic rebuilds.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// FetchTimeout is a Go duration string applied to each source.
	FetchTimeout string `yaml:"fetch_timeout" json:"fetch_timeout"`

	// NaiveUTCOffset is applied to timestamps without a trailing Z,
	// e.g. "+01:00". TZID parameters are ignored.
	NaiveUTCOffset string `yaml:"naive_utc_offset" json:"naive_utc_offset"`

	Window WindowConfig `yaml:"window" json:"window"`

	// GroupPolicy is "lenient" or "strict".
	GroupPolicy string `yaml:"group_policy" json:"group_policy"`

	// OverridePolicy is "replace", "keep" or "skip".
	OverridePolicy string `yaml:"override_policy" json:"override_policy"`

	StableIDs      bool   `yaml:"stable_ids" json:"stable_ids"`
	MaxOccurrences int    `yaml:"max_occurrences" json:"max_occurrences"`
	MinDuration    string `yaml:"min_duration" json:"min_duration"`

	Sources []SourceConfig `yaml:"sources" json:"sources"`
	Courses []CourseConfig `yaml:"courses" json:"courses"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen         = "127.0.0.1:8080"
	defaultOutput         = "./public/data/events.json"
	defaultCacheDir       = "./var/ics-cache"
	defaultRefreshCron    = "*/30 * * * *"
	defaultFetchTimeout   = "15s"
	defaultNaiveOffset    = "+00:00"
	defaultPastDays       = 90
	defaultFutureDays     = 270
	defaultGroupPolicy    = "lenient"
	defaultOverridePolicy = "replace"
	defaultMaxOccurrences = 5000
	defaultMinDuration    = "1h"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         defaultListen,
		Output:         defaultOutput,
		CacheDir:       defaultCacheDir,
		RefreshCron:    defaultRefreshCron,
		FetchTimeout:   defaultFetchTimeout,
		NaiveUTCOffset: defaultNaiveOffset,
		Window:         WindowConfig{PastDays: defaultPastDays, FutureDays: defaultFutureDays},
		GroupPolicy:    defaultGroupPolicy,
		OverridePolicy: defaultOverridePolicy,
		MaxOccurrences: defaultMaxOccurrences,
		MinDuration:    defaultMinDuration,
		Sources:        []SourceConfig{},
		Courses:        []CourseConfig{},
		BasicAuth:      nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Output == "" {
		c.Output = defaultOutput
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.FetchTimeout == "" {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.NaiveUTCOffset == "" {
		c.NaiveUTCOffset = defaultNaiveOffset
	}
	// A zero past window is legitimate (only upcoming events), a negative
	// one is not. A window with no future would publish nothing, so zero
	// future days means "unset" like an omitted key.
	if c.Window.PastDays < 0 {
		c.Window.PastDays = defaultPastDays
	}
	if c.Window.FutureDays <= 0 {
		c.Window.FutureDays = defaultFutureDays
	}
	c.GroupPolicy = strings.ToLower(strings.TrimSpace(c.GroupPolicy))
	if c.GroupPolicy == "" {
		c.GroupPolicy = defaultGroupPolicy
	}
	c.OverridePolicy = strings.ToLower(strings.TrimSpace(c.OverridePolicy))
	if c.OverridePolicy == "" {
		c.OverridePolicy = defaultOverridePolicy
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = defaultMaxOccurrences
	}
	if c.MinDuration == "" {
		c.MinDuration = defaultMinDuration
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	if c.Courses == nil {
		c.Courses = []CourseConfig{}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.FetchTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.MinDurationValue(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.GroupPolicy {
	case "lenient", "strict":
	default:
		errs = append(errs, fmt.Errorf("group_policy: unknown value %q", c.GroupPolicy))
	}
	switch c.OverridePolicy {
	case "replace", "keep", "skip":
	default:
		errs = append(errs, fmt.Errorf("override_policy: unknown value %q", c.OverridePolicy))
	}

	ids := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		switch {
		case strings.TrimSpace(s.ID) == "":
			errs = append(errs, fmt.Errorf("sources[%d]: id is empty", i))
		case ids[s.ID]:
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID))
		}
		ids[s.ID] = true
		if strings.TrimSpace(s.URL) == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: url is empty", i))
		}
	}
	for i, cc := range c.Courses {
		if strings.TrimSpace(cc.Code) == "" {
			errs = append(errs, fmt.Errorf("courses[%d]: code is empty", i))
		}
		if cc.Group < 0 {
			errs = append(errs, fmt.Errorf("courses[%d]: negative group %d", i, cc.Group))
		}
	}
	return errors.Join(errs...)
}

// FetchTimeoutDuration parses FetchTimeout.
func (c *Config) FetchTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.FetchTimeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("fetch_timeout: invalid duration %q", c.FetchTimeout)
	}
	return d, nil
}

// MinDurationValue parses MinDuration.
func (c *Config) MinDurationValue() (time.Duration, error) {
	d, err := time.ParseDuration(c.MinDuration)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("min_duration: invalid duration %q", c.MinDuration)
	}
	return d, nil
}

var offsetPattern = regexp.MustCompile(`^([+-])(\d{2}):?(\d{2})$`)

// Location returns the fixed zone for naive timestamps.
func (c *Config) Location() (*time.Location, error) {
	return ParseOffset(c.NaiveUTCOffset)
}

// ParseOffset turns "+01:00", "-0530", "Z" or "" into a fixed zone.
func ParseOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "Z", "z", "UTC", "+00:00", "-00:00", "+0000":
		return time.UTC, nil
	}
	m := offsetPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("naive_utc_offset: invalid offset %q", s)
	}
	hh, _ := strconv.Atoi(m[2])
	mm, _ := strconv.Atoi(m[3])
	if hh > 14 || mm > 59 {
		return nil, fmt.Errorf("naive_utc_offset: offset out of range %q", s)
	}
	secs := hh*3600 + mm*60
	if m[1] == "-" {
		secs = -secs
	}
	return time.FixedZone(m[1]+m[2]+":"+m[3], secs), nil
}

// WindowAt returns the expansion window [from, to) around now. Both bounds
// are aligned to UTC midnight so rebuilds within a day see the same window.
func (c *Config) WindowAt(now time.Time) (from, to time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	return day.AddDate(0, 0, -c.Window.PastDays), day.AddDate(0, 0, c.Window.FutureDays)
}

// ExpandedSources returns Sources with ${VAR} references in URLs resolved
// from the environment.
func (c *Config) ExpandedSources() []SourceConfig {
	out := make([]SourceConfig, len(c.Sources))
	for i, s := range c.Sources {
		out[i] = SourceConfig{ID: s.ID, URL: os.ExpandEnv(strings.TrimSpace(s.URL))}
	}
	return out
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions, since source URLs may carry
// credentials.
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

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".coursecal-config-*.tmp")
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
