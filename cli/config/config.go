package config

import (
	"fmt"
	"time"

	"github.com/pithecene-io/usedrescue/getused"
	"github.com/pithecene-io/usedrescue/policy"
)

// Config represents a usedrescue.yaml configuration file.
// All values are optional and act as defaults for usedrescue run flags.
// CLI flags always override config values.
type Config struct {
	// Unaccounted is the largest gap, in sectors, a partition table may
	// leave outside its entries and still count as healthy.
	Unaccounted *int64        `yaml:"unaccounted"`
	Method      string        `yaml:"method"`
	Diff        bool          `yaml:"diff"`
	Stats       bool          `yaml:"stats"`
	KeepLogs    bool          `yaml:"keep_logs"`
	NoShow      bool          `yaml:"no_show"`
	Verbose     int           `yaml:"verbose"`
	Interval    Duration      `yaml:"interval"`
	Flush       FlushConfig   `yaml:"flush"`
	Archive     ArchiveConfig `yaml:"archive"`
	Notify      NotifyConfig  `yaml:"notify"`
}

// FlushConfig selects how often the metadata rescue log is rewritten while
// the trace runs.
type FlushConfig struct {
	Policy   string   `yaml:"policy"`
	Interval Duration `yaml:"interval"`
}

// ArchiveConfig holds run archive defaults from the config file.
type ArchiveConfig struct {
	// Backend is "fs" or "s3". Empty disables archiving.
	Backend string `yaml:"backend"`
	// Path is a directory for fs, "bucket/prefix" for s3.
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// NotifyConfig holds completion notification defaults from the config file.
type NotifyConfig struct {
	// Type is "webhook" or "redis". Empty disables notification.
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks enumerated values and ranges.
func (c *Config) Validate() error {
	if c.Unaccounted != nil && *c.Unaccounted < 0 {
		return fmt.Errorf("unaccounted must be >= 0, got %d", *c.Unaccounted)
	}
	if _, err := getused.ParseMethod(c.Method); err != nil {
		return err
	}
	if c.Verbose < 0 {
		return fmt.Errorf("verbose must be >= 0, got %d", c.Verbose)
	}
	switch c.Flush.Policy {
	case "", policy.NameStrict, policy.NameInterval:
	default:
		return fmt.Errorf("flush.policy must be %s or %s, got %q", policy.NameStrict, policy.NameInterval, c.Flush.Policy)
	}
	switch c.Archive.Backend {
	case "":
	case "fs", "s3":
		if c.Archive.Path == "" {
			return fmt.Errorf("archive.path is required for the %s backend", c.Archive.Backend)
		}
	default:
		return fmt.Errorf("archive.backend must be fs or s3, got %q", c.Archive.Backend)
	}
	switch c.Notify.Type {
	case "":
	case "webhook", "redis":
		if c.Notify.URL == "" {
			return fmt.Errorf("notify.url is required for the %s notifier", c.Notify.Type)
		}
	default:
		return fmt.Errorf("notify.type must be webhook or redis, got %q", c.Notify.Type)
	}
	if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
		return fmt.Errorf("notify.retries must be >= 0, got %d", *c.Notify.Retries)
	}
	return nil
}
