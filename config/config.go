// Package config loads and validates the mailwatch TOML configuration.
//
// One file configures the whole process: the shared pattern rule set, the
// pager code table, the list of monitored sites, the alerting vendor
// endpoint and the optional calendar export job. The configuration is
// immutable after Load; every component receives the parts it needs by
// value or as a read-only pointer.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// MetricsConfig holds the Prometheus exposition endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // listen address, default ":9097"
}

// GetAddr returns the metrics listen address with a default.
func (m *MetricsConfig) GetAddr() string {
	if m.Addr == "" {
		return ":9097"
	}
	return m.Addr
}

// AlertingConfig holds the paging vendor API configuration.
type AlertingConfig struct {
	BaseURL string `toml:"base_url"` // e.g. "https://data.fireplan.de/api"
	Timeout string `toml:"timeout"`  // HTTP client timeout (default: "30s")
}

// GetTimeout parses the HTTP client timeout.
func (a *AlertingConfig) GetTimeout() (time.Duration, error) {
	if a.Timeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(a.Timeout)
}

// PagerEntry is one row of the pager code table: a trigger phrase that may
// occur verbatim in a message line, and the pager address it maps to.
type PagerEntry struct {
	Trigger string `toml:"trigger"`  // phrase searched for in each body line
	Code    string `toml:"code"`     // pager code, zero-padded before use
	SubCode string `toml:"sub_code"` // pager sub-code, passed through as-is
}

// PatternsConfig is the pattern rule set shared by all sites. Each field
// pattern must contain exactly one capture group; the captured text becomes
// the field value. A pattern that fails to compile disables that one field
// and is reported at startup.
type PatternsConfig struct {
	IncidentNumber string `toml:"incident_number"`
	Keyword        string `toml:"keyword"`
	Street         string `toml:"street"`
	HouseNumber    string `toml:"house_number"`
	City           string `toml:"city"`
	District       string `toml:"district"`
	Coordinates    string `toml:"coordinates"`
	ObjectName     string `toml:"object_name"`
	// Note is matched against the whole body, not line by line, because the
	// free-text addendum may span line breaks.
	Note string `toml:"note"`

	PagerCodeWidth int          `toml:"pager_code_width"` // zero-pad width (default: 7)
	Pagers         []PagerEntry `toml:"pager"`
}

// GetPagerCodeWidth returns the configured zero-pad width with a default.
func (p *PatternsConfig) GetPagerCodeWidth() int {
	if p.PagerCodeWidth <= 0 {
		return 7
	}
	return p.PagerCodeWidth
}

// SiteConfig describes one monitored location: its mailbox and its
// alerting credentials.
type SiteConfig struct {
	Name     string `toml:"name"` // unique human-readable site identifier
	Host     string `toml:"host"` // IMAP server hostname
	Port     int    `toml:"port"` // IMAP port (default: 993)
	User     string `toml:"user"`
	Password string `toml:"password"`
	Folder   string `toml:"folder"`  // mailbox to watch (default: "INBOX")
	APIKey   string `toml:"api_key"` // alerting vendor API key for this site

	IdleTimeout    string `toml:"idle_timeout"`    // bounded IDLE wait (default: "5m")
	ConnectRetry   string `toml:"connect_retry"`   // backoff after failed connect (default: "30s")
	ReconnectDelay string `toml:"reconnect_delay"` // backoff before reconnect (default: "10s")
	IdleRetry      string `toml:"idle_retry"`      // backoff after failed IDLE engage (default: "60s")
}

// GetPort returns the IMAP port with a default of 993 (implicit TLS).
func (s *SiteConfig) GetPort() int {
	if s.Port <= 0 {
		return 993
	}
	return s.Port
}

// Addr returns the host:port dial address.
func (s *SiteConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GetPort())
}

// GetFolder returns the watched mailbox with a default of INBOX.
func (s *SiteConfig) GetFolder() string {
	if s.Folder == "" {
		return "INBOX"
	}
	return s.Folder
}

// GetIdleTimeout parses the bounded IDLE wait duration.
func (s *SiteConfig) GetIdleTimeout() (time.Duration, error) {
	if s.IdleTimeout == "" {
		return 5 * time.Minute, nil
	}
	return time.ParseDuration(s.IdleTimeout)
}

// GetConnectRetry parses the backoff applied after a failed connect.
func (s *SiteConfig) GetConnectRetry() (time.Duration, error) {
	if s.ConnectRetry == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(s.ConnectRetry)
}

// GetReconnectDelay parses the backoff applied before tearing the session
// down and reconnecting (failed select, search or IDLE wait).
func (s *SiteConfig) GetReconnectDelay() (time.Duration, error) {
	if s.ReconnectDelay == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(s.ReconnectDelay)
}

// GetIdleRetry parses the backoff applied after the server refuses to
// engage IDLE. The session is kept; IDLE is simply re-attempted.
func (s *SiteConfig) GetIdleRetry() (time.Duration, error) {
	if s.IdleRetry == "" {
		return 60 * time.Second, nil
	}
	return time.ParseDuration(s.IdleRetry)
}

// CalendarFeed selects one vendor calendar for export.
type CalendarFeed struct {
	Site        string `toml:"site"`        // vendor-side site the calendar belongs to
	Name        string `toml:"name"`        // vendor-side calendar name
	Prefix      string `toml:"prefix"`      // prepended to every event summary
	File        string `toml:"file"`        // output file name, without directory
	Description string `toml:"description"` // iCalendar description property
}

// CalendarConfig holds the periodic calendar export job configuration.
type CalendarConfig struct {
	Enabled   bool   `toml:"enabled"`
	APIKey    string `toml:"api_key"`    // vendor API key for the calendar endpoints
	Interval  string `toml:"interval"`   // export interval (default: "15m")
	OutputDir string `toml:"output_dir"` // directory the .ics files are written to

	AggregateSite   string `toml:"aggregate_site"`   // site of the cross-department calendar
	AggregateName   string `toml:"aggregate_name"`   // vendor-side name of that calendar
	AggregatePrefix string `toml:"aggregate_prefix"` // summary prefix for aggregate events
	AggregateFile   string `toml:"aggregate_file"`   // output file (default: "all.ics")

	Feeds []CalendarFeed `toml:"feed"`
}

// GetInterval parses the export interval.
func (c *CalendarConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return 15 * time.Minute, nil
	}
	return time.ParseDuration(c.Interval)
}

// GetAggregateFile returns the aggregate output file name with a default.
func (c *CalendarConfig) GetAggregateFile() string {
	if c.AggregateFile == "" {
		return "all.ics"
	}
	return c.AggregateFile
}

// Config is the root configuration.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Alerting AlertingConfig `toml:"alerting"`
	Patterns PatternsConfig `toml:"patterns"`
	Sites    []SiteConfig   `toml:"site"`
	Calendar CalendarConfig `toml:"calendar"`
}

// Redacted returns a copy of the configuration with every credential
// replaced by a placeholder, safe to write to the log at startup.
func (c *Config) Redacted() Config {
	out := *c
	out.Sites = make([]SiteConfig, len(c.Sites))
	copy(out.Sites, c.Sites)
	for i := range out.Sites {
		if out.Sites[i].Password != "" {
			out.Sites[i].Password = "****"
		}
		if out.Sites[i].APIKey != "" {
			out.Sites[i].APIKey = "****"
		}
	}
	if out.Calendar.APIKey != "" {
		out.Calendar.APIKey = "****"
	}
	return out
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in '%s': %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the configuration for errors that would otherwise only
// surface mid-operation.
func (c *Config) Validate() error {
	if c.Alerting.BaseURL == "" {
		return fmt.Errorf("alerting.base_url is required")
	}
	if _, err := c.Alerting.GetTimeout(); err != nil {
		return fmt.Errorf("alerting.timeout: %w", err)
	}

	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one [[site]] is required")
	}
	seen := make(map[string]bool, len(c.Sites))
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return fmt.Errorf("site #%d: name is required", i+1)
		}
		if seen[site.Name] {
			return fmt.Errorf("site '%s': duplicate name", site.Name)
		}
		seen[site.Name] = true
		if site.Host == "" {
			return fmt.Errorf("site '%s': host is required", site.Name)
		}
		if site.User == "" || site.Password == "" {
			return fmt.Errorf("site '%s': user and password are required", site.Name)
		}
		if site.APIKey == "" {
			return fmt.Errorf("site '%s': api_key is required", site.Name)
		}
		for field, get := range map[string]func() (time.Duration, error){
			"idle_timeout":    site.GetIdleTimeout,
			"connect_retry":   site.GetConnectRetry,
			"reconnect_delay": site.GetReconnectDelay,
			"idle_retry":      site.GetIdleRetry,
		} {
			if _, err := get(); err != nil {
				return fmt.Errorf("site '%s': %s: %w", site.Name, field, err)
			}
		}
	}

	for i, entry := range c.Patterns.Pagers {
		if entry.Trigger == "" {
			return fmt.Errorf("patterns.pager #%d: trigger is required", i+1)
		}
		if entry.Code == "" {
			return fmt.Errorf("patterns.pager #%d (trigger '%s'): code is required", i+1, entry.Trigger)
		}
	}

	if c.Calendar.Enabled {
		if c.Calendar.APIKey == "" {
			return fmt.Errorf("calendar.api_key is required when the calendar export is enabled")
		}
		if c.Calendar.OutputDir == "" {
			return fmt.Errorf("calendar.output_dir is required when the calendar export is enabled")
		}
		if _, err := c.Calendar.GetInterval(); err != nil {
			return fmt.Errorf("calendar.interval: %w", err)
		}
	}

	return nil
}
