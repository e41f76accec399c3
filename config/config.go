// Package config loads engine tuning from a YAML file with environment
// variable overrides.
//
//	roles: [FABRICANTE, ESCUELA, ADMIN]
//	cache:
//	  summaryTTL: 5m
//	  membersTTL: 5m
//	  staleFactor: 2
//	  membersFormat: json
//	tx:
//	  confirmTimeout: 2m
//	  pollInterval: 2s
//	  maxBackoff: 30s
//	  jitter: 0.2
//	  maxRetries: 2
//
// Every field can be overridden by the ROLESYNC_* variable named in its tag;
// list values are separated by semicolons.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/rolesync"
)

type Config struct {
	Roles []string `yaml:"roles" env:"ROLESYNC_ROLES"`
	Cache Cache    `yaml:"cache"`
	Tx    Tx       `yaml:"tx"`
}

type Cache struct {
	SummaryTTL    time.Duration `yaml:"summaryTTL" env:"ROLESYNC_SUMMARY_TTL"`
	MembersTTL    time.Duration `yaml:"membersTTL" env:"ROLESYNC_MEMBERS_TTL"`
	StaleFactor   float64       `yaml:"staleFactor" env:"ROLESYNC_STALE_FACTOR"`
	MembersFormat string        `yaml:"membersFormat" env:"ROLESYNC_MEMBERS_FORMAT"` // "binary" or "json"
}

type Tx struct {
	ConfirmTimeout time.Duration `yaml:"confirmTimeout" env:"ROLESYNC_CONFIRM_TIMEOUT"`
	PollInterval   time.Duration `yaml:"pollInterval" env:"ROLESYNC_POLL_INTERVAL"`
	MaxBackoff     time.Duration `yaml:"maxBackoff" env:"ROLESYNC_MAX_BACKOFF"`
	Jitter         float64       `yaml:"jitter" env:"ROLESYNC_BACKOFF_JITTER"`
	MaxRetries     int           `yaml:"maxRetries" env:"ROLESYNC_MAX_RETRIES"`
}

// Load reads path (skipped when empty) and applies environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return nil, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown fields.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"cache.summaryTTL", c.Cache.SummaryTTL},
		{"cache.membersTTL", c.Cache.MembersTTL},
		{"tx.confirmTimeout", c.Tx.ConfirmTimeout},
		{"tx.pollInterval", c.Tx.PollInterval},
		{"tx.maxBackoff", c.Tx.MaxBackoff},
	} {
		if d.v < 0 {
			return fmt.Errorf("config: %s must not be negative", d.name)
		}
	}
	if c.Cache.StaleFactor != 0 && c.Cache.StaleFactor < 1 {
		return fmt.Errorf("config: cache.staleFactor must be >= 1")
	}
	if c.Tx.Jitter < 0 || c.Tx.Jitter > 1 {
		return fmt.Errorf("config: tx.jitter must be within [0,1]")
	}
	if _, err := c.membersFormat(); err != nil {
		return err
	}
	for _, r := range c.Roles {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("config: empty role name")
		}
	}
	return nil
}

func (c *Config) membersFormat() (rolesync.Format, error) {
	switch strings.ToLower(c.Cache.MembersFormat) {
	case "", "binary":
		return rolesync.FormatBinary, nil
	case "json":
		return rolesync.FormatJSON, nil
	default:
		return 0, fmt.Errorf("config: unknown cache.membersFormat %q", c.Cache.MembersFormat)
	}
}

// Apply copies the set values onto opts. Zero values leave opts untouched
// so engine defaults still apply.
func (c *Config) Apply(opts *rolesync.Options) {
	if len(c.Roles) > 0 {
		opts.Roles = append([]string(nil), c.Roles...)
	}
	if c.Cache.SummaryTTL > 0 {
		opts.SummaryTTL = c.Cache.SummaryTTL
	}
	if c.Cache.MembersTTL > 0 {
		opts.MembersTTL = c.Cache.MembersTTL
	}
	if c.Cache.StaleFactor > 0 {
		opts.StaleFactor = c.Cache.StaleFactor
	}
	if f, err := c.membersFormat(); err == nil && c.Cache.MembersFormat != "" {
		opts.MembersFormat = f
	}
	if c.Tx.ConfirmTimeout > 0 {
		opts.ConfirmTimeout = c.Tx.ConfirmTimeout
	}
	if c.Tx.PollInterval > 0 {
		opts.PollInterval = c.Tx.PollInterval
	}
	if c.Tx.MaxBackoff > 0 {
		opts.MaxBackoff = c.Tx.MaxBackoff
	}
	if c.Tx.Jitter > 0 {
		opts.BackoffJitter = c.Tx.Jitter
	}
	if c.Tx.MaxRetries != 0 {
		opts.MaxRetries = c.Tx.MaxRetries
	}
}
