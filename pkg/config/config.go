// Package config loads the extractor configuration from a JSON file and
// environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/ledger-extract/pkg/suiteql"
	"github.com/rs/zerolog/log"
)

// Defaults.
const (
	DefaultPageSize           = 1000
	MaxPageSize               = 1000
	DefaultConcurrentRequests = 5
	DefaultRecordBatchSize    = 1000
	DefaultOffsetCeiling      = 99000
	DefaultStatePath          = "ledger-extract-state.json"
	DefaultLogLevel           = "info"

	// EnvPrefix prefixes the environment overrides of every setting.
	EnvPrefix = "LEDGER_EXTRACT_"
)

// Duration is a time.Duration written as a Go duration string in JSON.
type Duration time.Duration

// UnmarshalJSON accepts "90s", "2h" and the like.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config holds all settings of an extraction run.
type Config struct {
	PageSize           int      `json:"page_size"`
	ConcurrentRequests int      `json:"concurrent_requests"`
	RecordBatchSize    int      `json:"record_batch_size"`
	OffsetCeiling      int      `json:"offset_ceiling"`
	LastModifiedDate   string   `json:"last_modified_date,omitempty"`
	PostingPeriods     []string `json:"posting_periods,omitempty"`
	Streams            []string `json:"streams,omitempty"`
	JobTimeout         Duration `json:"job_timeout,omitempty"`
	PageTimeout        Duration `json:"page_timeout,omitempty"`

	Account        string `json:"netsuite_account"`
	ConsumerKey    string `json:"netsuite_consumer_key"`
	ConsumerSecret string `json:"netsuite_consumer_secret"`
	TokenID        string `json:"netsuite_token_id"`
	TokenSecret    string `json:"netsuite_token_secret"`
	BaseURL        string `json:"base_url,omitempty"`

	// Checkpoint backend: Redis when RedisURL is set, else the state file.
	StatePath string `json:"state_path,omitempty"`
	RedisURL  string `json:"redis_url,omitempty"`

	// PostgresDSN selects the Postgres sink; empty writes JSON lines to stdout.
	PostgresDSN string `json:"postgres_dsn,omitempty"`

	LogLevel    string `json:"log_level,omitempty"`
	LogPretty   bool   `json:"log_pretty,omitempty"`
	MetricsAddr string `json:"metrics_addr,omitempty"`
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() Config {
	return Config{
		PageSize:           DefaultPageSize,
		ConcurrentRequests: DefaultConcurrentRequests,
		RecordBatchSize:    DefaultRecordBatchSize,
		OffsetCeiling:      DefaultOffsetCeiling,
		StatePath:          DefaultStatePath,
		LogLevel:           DefaultLogLevel,
	}
}

// Load reads the JSON file at path (optional when empty), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file '%s': %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envSetter func(c *Config, v string) error

func intSetter(dst func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func stringSetter(dst func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func listSetter(dst func(*Config) *[]string) envSetter {
	return func(c *Config, v string) error {
		*dst(c) = splitList(v)
		return nil
	}
}

func durationSetter(dst func(*Config) *Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = Duration(d)
		return nil
	}
}

var envOverrides = map[string]envSetter{
	EnvPrefix + "PAGE_SIZE":           intSetter(func(c *Config) *int { return &c.PageSize }),
	EnvPrefix + "CONCURRENT_REQUESTS": intSetter(func(c *Config) *int { return &c.ConcurrentRequests }),
	EnvPrefix + "RECORD_BATCH_SIZE":   intSetter(func(c *Config) *int { return &c.RecordBatchSize }),
	EnvPrefix + "OFFSET_CEILING":      intSetter(func(c *Config) *int { return &c.OffsetCeiling }),
	EnvPrefix + "LAST_MODIFIED_DATE":  stringSetter(func(c *Config) *string { return &c.LastModifiedDate }),
	EnvPrefix + "POSTING_PERIODS":     listSetter(func(c *Config) *[]string { return &c.PostingPeriods }),
	EnvPrefix + "STREAMS":             listSetter(func(c *Config) *[]string { return &c.Streams }),
	EnvPrefix + "JOB_TIMEOUT":         durationSetter(func(c *Config) *Duration { return &c.JobTimeout }),
	EnvPrefix + "PAGE_TIMEOUT":        durationSetter(func(c *Config) *Duration { return &c.PageTimeout }),
	EnvPrefix + "BASE_URL":            stringSetter(func(c *Config) *string { return &c.BaseURL }),
	EnvPrefix + "STATE_PATH":          stringSetter(func(c *Config) *string { return &c.StatePath }),
	EnvPrefix + "REDIS_URL":           stringSetter(func(c *Config) *string { return &c.RedisURL }),
	EnvPrefix + "POSTGRES_DSN":        stringSetter(func(c *Config) *string { return &c.PostgresDSN }),
	EnvPrefix + "LOG_LEVEL":           stringSetter(func(c *Config) *string { return &c.LogLevel }),
	EnvPrefix + "METRICS_ADDR":        stringSetter(func(c *Config) *string { return &c.MetricsAddr }),

	EnvPrefix + "LOG_PRETTY": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.LogPretty = b
		return nil
	},

	"NETSUITE_ACCOUNT":         stringSetter(func(c *Config) *string { return &c.Account }),
	"NETSUITE_CONSUMER_KEY":    stringSetter(func(c *Config) *string { return &c.ConsumerKey }),
	"NETSUITE_CONSUMER_SECRET": stringSetter(func(c *Config) *string { return &c.ConsumerSecret }),
	"NETSUITE_TOKEN_ID":        stringSetter(func(c *Config) *string { return &c.TokenID }),
	"NETSUITE_TOKEN_SECRET":    stringSetter(func(c *Config) *string { return &c.TokenSecret }),
}

// ApplyEnv overrides settings from the environment. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for name, set := range envOverrides {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks ranges and formats. A page_size above MaxPageSize is
// clamped with a warning. Credentials are checked separately by
// Credentials, since listing streams does not need them.
func (c *Config) Validate() error {
	var errs []error

	if c.PageSize > MaxPageSize {
		log.Warn().
			Int("page_size", c.PageSize).
			Int("max", MaxPageSize).
			Msg("page_size above maximum, clamping")
		c.PageSize = MaxPageSize
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("page_size must be between 1 and %d, got %d", MaxPageSize, c.PageSize))
	}
	if c.ConcurrentRequests <= 0 {
		errs = append(errs, fmt.Errorf("concurrent_requests must be positive, got %d", c.ConcurrentRequests))
	}
	if c.RecordBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("record_batch_size must be positive, got %d", c.RecordBatchSize))
	}
	if c.OffsetCeiling < c.PageSize {
		errs = append(errs, fmt.Errorf("offset_ceiling %d is below page_size %d", c.OffsetCeiling, c.PageSize))
	}
	if c.LastModifiedDate != "" {
		if _, err := time.Parse("2006-01-02", c.LastModifiedDate); err != nil {
			errs = append(errs, fmt.Errorf("last_modified_date must be YYYY-MM-DD, got %q", c.LastModifiedDate))
		}
	}
	seen := make(map[string]bool, len(c.PostingPeriods))
	for _, p := range c.PostingPeriods {
		switch {
		case strings.TrimSpace(p) == "":
			errs = append(errs, errors.New("posting_periods contains an empty period"))
		case seen[p]:
			errs = append(errs, fmt.Errorf("posting_periods lists %q twice", p))
		}
		seen[p] = true
	}
	if c.JobTimeout < 0 || c.PageTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.RedisURL == "" && c.StatePath == "" {
		errs = append(errs, errors.New("either state_path or redis_url is required"))
	}

	return errors.Join(errs...)
}

// Credentials returns the validated OAuth credentials.
func (c *Config) Credentials() (suiteql.Credentials, error) {
	creds := suiteql.Credentials{
		Account:        c.Account,
		ConsumerKey:    c.ConsumerKey,
		ConsumerSecret: c.ConsumerSecret,
		TokenID:        c.TokenID,
		TokenSecret:    c.TokenSecret,
	}
	if err := creds.Validate(); err != nil {
		return suiteql.Credentials{}, err
	}
	return creds, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
