// Package config loads the harvester configuration from YAML with
// HARVESTER_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/jira-harvester/pkg/client"
	"github.com/Sternrassler/jira-harvester/pkg/driver"
	"github.com/Sternrassler/jira-harvester/pkg/logging"
	"github.com/Sternrassler/jira-harvester/pkg/pagination"
	"github.com/Sternrassler/jira-harvester/pkg/ratelimit"
	"github.com/Sternrassler/jira-harvester/pkg/transform"
)

// Checkpoint backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendFile   = "file"
)

// Config is the complete harvester configuration.
type Config struct {
	Jira        JiraConfig        `yaml:"jira"`
	Projects    []ProjectConfig   `yaml:"projects"`
	Scraping    ScrapingConfig    `yaml:"scraping"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Output      OutputConfig      `yaml:"output"`
	Transformer TransformerConfig `yaml:"transformer"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// JiraConfig describes the Jira server and the search requests sent to it.
type JiraConfig struct {
	BaseURL        string        `yaml:"base_url"`
	UserAgent      string        `yaml:"user_agent"`
	Fields         []string      `yaml:"fields"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ProjectConfig is one source to harvest.
type ProjectConfig struct {
	Name      string `yaml:"name"`
	MaxIssues int    `yaml:"max_issues"`

	// JQL overrides the default project query.
	JQL string `yaml:"jql"`
}

// ScrapingConfig holds paging, request budget, retry and concurrency settings.
type ScrapingConfig struct {
	PageSize             int           `yaml:"page_size"`
	RequestsPerMinute    int           `yaml:"requests_per_minute"`
	Burst                int           `yaml:"burst"`
	MaxAttempts          int           `yaml:"max_attempts"`
	InitialBackoff       time.Duration `yaml:"initial_backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	Jitter               float64       `yaml:"jitter"`
	MaxConcurrentSources int           `yaml:"max_concurrent_sources"`
	SkipMalformedPages   bool          `yaml:"skip_malformed_pages"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	Backend string `yaml:"backend"`

	// Path is the data directory of the sqlite and file backends.
	Path string `yaml:"path"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// OutputConfig is where the JSONL files are written.
type OutputConfig struct {
	Directory string `yaml:"directory"`
}

// TransformerConfig controls cleaning and training task generation.
type TransformerConfig struct {
	Enabled              bool `yaml:"enabled"`
	RemoveHTML           bool `yaml:"remove_html"`
	MaxDescriptionLength int  `yaml:"max_description_length"`
	MaxCommentLength     int  `yaml:"max_comment_length"`
	MaxComments          int  `yaml:"max_comments"`
}

// LoggingConfig controls log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	// Addr of the /metrics endpoint, e.g. ":9090". Empty disables it.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	retry := client.DefaultRetryConfig()
	budget := ratelimit.DefaultConfig()
	tr := transform.DefaultConfig("")

	return &Config{
		Jira: JiraConfig{
			BaseURL:        "https://issues.apache.org/jira",
			UserAgent:      "jira-harvester/0.1.0",
			Fields:         append([]string(nil), client.DefaultFields...),
			RequestTimeout: 30 * time.Second,
		},
		Projects: []ProjectConfig{
			{Name: "KAFKA", MaxIssues: 1000},
			{Name: "SPARK", MaxIssues: 1000},
			{Name: "HADOOP", MaxIssues: 1000},
		},
		Scraping: ScrapingConfig{
			PageSize:             pagination.DefaultPageSize,
			RequestsPerMinute:    budget.RequestsPerMinute,
			Burst:                budget.Burst,
			MaxAttempts:          retry.MaxAttempts,
			InitialBackoff:       retry.InitialBackoff,
			MaxBackoff:           retry.MaxBackoff,
			Jitter:               retry.Jitter,
			MaxConcurrentSources: 1,
		},
		Checkpoint: CheckpointConfig{
			Backend:   BackendSQLite,
			Path:      "data/checkpoints",
			RedisAddr: "localhost:6379",
		},
		Output: OutputConfig{
			Directory: "data/output",
		},
		Transformer: TransformerConfig{
			Enabled:              tr.Enabled,
			RemoveHTML:           tr.RemoveHTML,
			MaxDescriptionLength: tr.MaxDescriptionLength,
			MaxCommentLength:     tr.MaxCommentLength,
			MaxComments:          tr.MaxComments,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// decode rejects unknown keys so typos do not silently fall back to defaults.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Jira.BaseURL = getEnv("HARVESTER_JIRA_BASE_URL", c.Jira.BaseURL)
	c.Jira.UserAgent = getEnv("HARVESTER_USER_AGENT", c.Jira.UserAgent)
	c.Checkpoint.Backend = getEnv("HARVESTER_CHECKPOINT_BACKEND", c.Checkpoint.Backend)
	c.Checkpoint.Path = getEnv("HARVESTER_CHECKPOINT_PATH", c.Checkpoint.Path)
	c.Checkpoint.RedisAddr = getEnv("HARVESTER_REDIS_ADDR", c.Checkpoint.RedisAddr)
	c.Checkpoint.RedisPassword = getEnv("HARVESTER_REDIS_PASSWORD", c.Checkpoint.RedisPassword)
	c.Output.Directory = getEnv("HARVESTER_OUTPUT_DIR", c.Output.Directory)
	c.Logging.Level = getEnv("HARVESTER_LOG_LEVEL", c.Logging.Level)
	c.Metrics.Addr = getEnv("HARVESTER_METRICS_ADDR", c.Metrics.Addr)

	var err error
	if c.Scraping.RequestsPerMinute, err = getEnvInt("HARVESTER_REQUESTS_PER_MINUTE", c.Scraping.RequestsPerMinute); err != nil {
		return err
	}
	if c.Scraping.MaxConcurrentSources, err = getEnvInt("HARVESTER_MAX_CONCURRENT_SOURCES", c.Scraping.MaxConcurrentSources); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration for values the harvester cannot run with.
func (c *Config) Validate() error {
	if c.Jira.BaseURL == "" {
		return fmt.Errorf("jira.base_url is required")
	}
	if c.Jira.RequestTimeout <= 0 {
		return fmt.Errorf("jira.request_timeout must be positive")
	}

	seen := make(map[string]bool, len(c.Projects))
	for _, p := range c.Projects {
		if err := p.Source().Validate(); err != nil {
			return fmt.Errorf("project %q: %w", p.Name, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("project %q is listed twice", p.Name)
		}
		seen[p.Name] = true
	}

	s := c.Scraping
	switch {
	case s.PageSize <= 0:
		return fmt.Errorf("scraping.page_size must be positive")
	case s.RequestsPerMinute <= 0:
		return fmt.Errorf("scraping.requests_per_minute must be positive")
	case s.MaxAttempts <= 0:
		return fmt.Errorf("scraping.max_attempts must be positive")
	case s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff:
		return fmt.Errorf("scraping backoff must satisfy 0 < initial_backoff <= max_backoff")
	case s.Jitter < 0 || s.Jitter >= 1:
		return fmt.Errorf("scraping.jitter must be in [0, 1)")
	case s.MaxConcurrentSources <= 0:
		return fmt.Errorf("scraping.max_concurrent_sources must be positive")
	}

	switch c.Checkpoint.Backend {
	case BackendSQLite, BackendFile:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint.path is required for the %s backend", c.Checkpoint.Backend)
		}
	case BackendRedis:
		if c.Checkpoint.RedisAddr == "" {
			return fmt.Errorf("checkpoint.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// Source converts a project entry into a pagination source.
func (p ProjectConfig) Source() pagination.Source {
	return pagination.Source{
		ID:     p.Name,
		Query:  p.JQL,
		Target: p.MaxIssues,
	}
}

// Sources returns the configured sources, or only the named one.
func (c *Config) Sources(only string) ([]pagination.Source, error) {
	var out []pagination.Source
	for _, p := range c.Projects {
		if only != "" && p.Name != only {
			continue
		}
		src := p.Source()
		src.Fields = c.Jira.Fields
		out = append(out, src)
	}
	if only != "" && len(out) == 0 {
		return nil, fmt.Errorf("project %q is not configured", only)
	}
	return out, nil
}

// ClientConfig returns the Jira client configuration.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.Jira.BaseURL, c.Jira.UserAgent)
	if len(c.Jira.Fields) > 0 {
		cfg.Fields = c.Jira.Fields
	}
	cfg.RequestTimeout = c.Jira.RequestTimeout
	return cfg
}

// RetryConfig returns the retry policy configuration.
func (c *Config) RetryConfig() client.RetryConfig {
	cfg := client.DefaultRetryConfig()
	cfg.MaxAttempts = c.Scraping.MaxAttempts
	cfg.InitialBackoff = c.Scraping.InitialBackoff
	cfg.MaxBackoff = c.Scraping.MaxBackoff
	cfg.Jitter = c.Scraping.Jitter
	return cfg
}

// LimiterConfig returns the shared request budget.
func (c *Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		RequestsPerMinute: c.Scraping.RequestsPerMinute,
		Burst:             c.Scraping.Burst,
	}
}

// FetcherConfig returns the page fetcher configuration.
func (c *Config) FetcherConfig() pagination.Config {
	return pagination.Config{PageSize: c.Scraping.PageSize}
}

// DriverConfig returns the source driver configuration.
func (c *Config) DriverConfig() driver.Config {
	return driver.Config{SkipMalformedPages: c.Scraping.SkipMalformedPages}
}

// TransformConfig returns the record transformer configuration.
func (c *Config) TransformConfig() transform.Config {
	return transform.Config{
		BaseURL:              c.Jira.BaseURL,
		Enabled:              c.Transformer.Enabled,
		RemoveHTML:           c.Transformer.RemoveHTML,
		MaxDescriptionLength: c.Transformer.MaxDescriptionLength,
		MaxCommentLength:     c.Transformer.MaxCommentLength,
		MaxComments:          c.Transformer.MaxComments,
	}
}

// LoggerConfig returns the logger configuration.
func (c *Config) LoggerConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Pretty = c.Logging.Pretty
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
