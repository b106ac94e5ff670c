package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration. Values are layered:
// built-in defaults, then the optional YAML file, then environment
// variables. Later layers win.
type Config struct {
	Environment string

	Server     ServerConfig
	Logging    LoggingConfig
	Claude     ProviderConfig
	Perplexity ProviderConfig
	Routing    RoutingConfig
	Tiers      TiersConfig
	Polling    PollingConfig
	Jobs       JobsConfig
	Broadcast  BroadcastConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level  string
	Format string // json or console
}

// ProviderConfig holds the settings for one upstream provider,
// including its circuit breaker tuning.
type ProviderConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	BasicModel       string
	ResearchModel    string
	MaxTokens        int
	Timeout          time.Duration
	MaxRetries       int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// RoutingConfig names the providers per query class.
type RoutingConfig struct {
	DefaultProvider  string
	ResearchProvider string
	EnableFallback   bool
}

// TiersConfig bounds the tiered response attempts.
type TiersConfig struct {
	EnhancedTimeout time.Duration
	BasicTimeout    time.Duration
	FallbackTimeout time.Duration
}

// PollingConfig tunes the research job poll scheduler.
type PollingConfig struct {
	BaseInterval time.Duration
	Multiplier   float64
	MaxInterval  time.Duration
	MaxAttempts  int
}

// JobsConfig tunes the research job registry.
type JobsConfig struct {
	Capacity        int
	TTL             time.Duration
	JanitorInterval time.Duration
}

// BroadcastConfig tunes the status broadcaster.
type BroadcastConfig struct {
	BufferSize      int
	MonitorInterval time.Duration
	PingTimeout     time.Duration
}

// RateLimitConfig tunes the per-client token bucket.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// CORSConfig lists the origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Claude: ProviderConfig{
			BaseURL:          "https://api.anthropic.com/v1",
			Model:            "claude-3-7-sonnet-20250219",
			BasicModel:       "claude-3-5-haiku-20241022",
			MaxTokens:        1024,
			Timeout:          30 * time.Second,
			MaxRetries:       2,
			BreakerThreshold: 5,
			BreakerCooldown:  60 * time.Second,
		},
		Perplexity: ProviderConfig{
			BaseURL:          "https://api.perplexity.ai",
			Model:            "sonar-pro",
			BasicModel:       "sonar",
			ResearchModel:    "sonar-deep-research",
			MaxTokens:        1024,
			Timeout:          30 * time.Second,
			MaxRetries:       2,
			BreakerThreshold: 5,
			BreakerCooldown:  60 * time.Second,
		},
		Routing: RoutingConfig{
			DefaultProvider:  "claude",
			ResearchProvider: "perplexity",
			EnableFallback:   true,
		},
		Tiers: TiersConfig{
			EnhancedTimeout: 20 * time.Second,
			BasicTimeout:    8 * time.Second,
			FallbackTimeout: 5 * time.Second,
		},
		Polling: PollingConfig{
			BaseInterval: 30 * time.Second,
			Multiplier:   1.5,
			MaxInterval:  5 * time.Minute,
			MaxAttempts:  20,
		},
		Jobs: JobsConfig{
			Capacity:        500,
			TTL:             30 * time.Minute,
			JanitorInterval: time.Minute,
		},
		Broadcast: BroadcastConfig{
			BufferSize:      16,
			MonitorInterval: 30 * time.Second,
			PingTimeout:     5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load builds the configuration. The YAML overlay comes from path, or
// from CONFIG_FILE when path is empty; environment variables override
// whatever the file set. A .env file is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects inconsistent settings before anything starts.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if err := validProvider("routing default provider", c.Routing.DefaultProvider); err != nil {
		return err
	}
	if err := validProvider("routing research provider", c.Routing.ResearchProvider); err != nil {
		return err
	}
	if c.Tiers.EnhancedTimeout <= 0 || c.Tiers.BasicTimeout <= 0 || c.Tiers.FallbackTimeout <= 0 {
		return fmt.Errorf("tier timeouts must be positive")
	}
	if c.Polling.BaseInterval <= 0 {
		return fmt.Errorf("poll base interval must be positive")
	}
	if c.Polling.Multiplier < 1 {
		return fmt.Errorf("poll multiplier %.2f must be at least 1", c.Polling.Multiplier)
	}
	if c.Polling.MaxInterval < c.Polling.BaseInterval {
		return fmt.Errorf("poll max interval %s is below the base interval %s",
			c.Polling.MaxInterval, c.Polling.BaseInterval)
	}
	if c.Polling.MaxAttempts <= 0 {
		return fmt.Errorf("poll max attempts must be positive")
	}
	if c.Jobs.Capacity <= 0 {
		return fmt.Errorf("job capacity must be positive")
	}
	if c.Jobs.TTL <= 0 {
		return fmt.Errorf("job ttl must be positive")
	}
	if c.Broadcast.BufferSize <= 0 {
		return fmt.Errorf("broadcast buffer size must be positive")
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit burst must be positive")
	}
	if c.IsProduction() && c.Claude.APIKey == "" && c.Perplexity.APIKey == "" {
		return fmt.Errorf("at least one provider API key is required in production")
	}
	return nil
}

func validProvider(what, name string) error {
	switch name {
	case "claude", "perplexity":
		return nil
	default:
		return fmt.Errorf("%s %q must be claude or perplexity", what, name)
	}
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// YAML overlay

// fileConfig mirrors Config for the YAML file. Pointers distinguish
// absent keys from zero values; durations arrive as strings ("30s").
type fileConfig struct {
	Environment *string `yaml:"environment"`

	Server *struct {
		Host            *string `yaml:"host"`
		Port            *int    `yaml:"port"`
		ReadTimeout     *string `yaml:"read_timeout"`
		WriteTimeout    *string `yaml:"write_timeout"`
		ShutdownTimeout *string `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Logging *struct {
		Level  *string `yaml:"level"`
		Format *string `yaml:"format"`
	} `yaml:"logging"`

	Claude     *fileProvider `yaml:"claude"`
	Perplexity *fileProvider `yaml:"perplexity"`

	Routing *struct {
		DefaultProvider  *string `yaml:"default_provider"`
		ResearchProvider *string `yaml:"research_provider"`
		EnableFallback   *bool   `yaml:"enable_fallback"`
	} `yaml:"routing"`

	Tiers *struct {
		EnhancedTimeout *string `yaml:"enhanced_timeout"`
		BasicTimeout    *string `yaml:"basic_timeout"`
		FallbackTimeout *string `yaml:"fallback_timeout"`
	} `yaml:"tiers"`

	Polling *struct {
		BaseInterval *string  `yaml:"base_interval"`
		Multiplier   *float64 `yaml:"multiplier"`
		MaxInterval  *string  `yaml:"max_interval"`
		MaxAttempts  *int     `yaml:"max_attempts"`
	} `yaml:"polling"`

	Jobs *struct {
		Capacity        *int    `yaml:"capacity"`
		TTL             *string `yaml:"ttl"`
		JanitorInterval *string `yaml:"janitor_interval"`
	} `yaml:"jobs"`

	Broadcast *struct {
		BufferSize      *int    `yaml:"buffer_size"`
		MonitorInterval *string `yaml:"monitor_interval"`
		PingTimeout     *string `yaml:"ping_timeout"`
	} `yaml:"broadcast"`

	RateLimit *struct {
		RPS   *float64 `yaml:"rps"`
		Burst *int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	CORS *struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

type fileProvider struct {
	APIKey           *string `yaml:"api_key"`
	BaseURL          *string `yaml:"base_url"`
	Model            *string `yaml:"model"`
	BasicModel       *string `yaml:"basic_model"`
	ResearchModel    *string `yaml:"research_model"`
	MaxTokens        *int    `yaml:"max_tokens"`
	Timeout          *string `yaml:"timeout"`
	MaxRetries       *int    `yaml:"max_retries"`
	BreakerThreshold *int    `yaml:"breaker_threshold"`
	BreakerCooldown  *string `yaml:"breaker_cooldown"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return c.merge(&fc)
}

func (c *Config) merge(fc *fileConfig) error {
	setString(&c.Environment, fc.Environment)

	if s := fc.Server; s != nil {
		setString(&c.Server.Host, s.Host)
		setInt(&c.Server.Port, s.Port)
		if err := setDuration(&c.Server.ReadTimeout, s.ReadTimeout, "server.read_timeout"); err != nil {
			return err
		}
		if err := setDuration(&c.Server.WriteTimeout, s.WriteTimeout, "server.write_timeout"); err != nil {
			return err
		}
		if err := setDuration(&c.Server.ShutdownTimeout, s.ShutdownTimeout, "server.shutdown_timeout"); err != nil {
			return err
		}
	}

	if l := fc.Logging; l != nil {
		setString(&c.Logging.Level, l.Level)
		setString(&c.Logging.Format, l.Format)
	}

	if err := c.Claude.merge(fc.Claude, "claude"); err != nil {
		return err
	}
	if err := c.Perplexity.merge(fc.Perplexity, "perplexity"); err != nil {
		return err
	}

	if r := fc.Routing; r != nil {
		setString(&c.Routing.DefaultProvider, r.DefaultProvider)
		setString(&c.Routing.ResearchProvider, r.ResearchProvider)
		setBool(&c.Routing.EnableFallback, r.EnableFallback)
	}

	if t := fc.Tiers; t != nil {
		if err := setDuration(&c.Tiers.EnhancedTimeout, t.EnhancedTimeout, "tiers.enhanced_timeout"); err != nil {
			return err
		}
		if err := setDuration(&c.Tiers.BasicTimeout, t.BasicTimeout, "tiers.basic_timeout"); err != nil {
			return err
		}
		if err := setDuration(&c.Tiers.FallbackTimeout, t.FallbackTimeout, "tiers.fallback_timeout"); err != nil {
			return err
		}
	}

	if p := fc.Polling; p != nil {
		if err := setDuration(&c.Polling.BaseInterval, p.BaseInterval, "polling.base_interval"); err != nil {
			return err
		}
		setFloat(&c.Polling.Multiplier, p.Multiplier)
		if err := setDuration(&c.Polling.MaxInterval, p.MaxInterval, "polling.max_interval"); err != nil {
			return err
		}
		setInt(&c.Polling.MaxAttempts, p.MaxAttempts)
	}

	if j := fc.Jobs; j != nil {
		setInt(&c.Jobs.Capacity, j.Capacity)
		if err := setDuration(&c.Jobs.TTL, j.TTL, "jobs.ttl"); err != nil {
			return err
		}
		if err := setDuration(&c.Jobs.JanitorInterval, j.JanitorInterval, "jobs.janitor_interval"); err != nil {
			return err
		}
	}

	if b := fc.Broadcast; b != nil {
		setInt(&c.Broadcast.BufferSize, b.BufferSize)
		if err := setDuration(&c.Broadcast.MonitorInterval, b.MonitorInterval, "broadcast.monitor_interval"); err != nil {
			return err
		}
		if err := setDuration(&c.Broadcast.PingTimeout, b.PingTimeout, "broadcast.ping_timeout"); err != nil {
			return err
		}
	}

	if r := fc.RateLimit; r != nil {
		setFloat(&c.RateLimit.RPS, r.RPS)
		setInt(&c.RateLimit.Burst, r.Burst)
	}

	if fc.CORS != nil && len(fc.CORS.AllowedOrigins) > 0 {
		c.CORS.AllowedOrigins = fc.CORS.AllowedOrigins
	}

	return nil
}

func (p *ProviderConfig) merge(fp *fileProvider, section string) error {
	if fp == nil {
		return nil
	}
	setString(&p.APIKey, fp.APIKey)
	setString(&p.BaseURL, fp.BaseURL)
	setString(&p.Model, fp.Model)
	setString(&p.BasicModel, fp.BasicModel)
	setString(&p.ResearchModel, fp.ResearchModel)
	setInt(&p.MaxTokens, fp.MaxTokens)
	if err := setDuration(&p.Timeout, fp.Timeout, section+".timeout"); err != nil {
		return err
	}
	setInt(&p.MaxRetries, fp.MaxRetries)
	setInt(&p.BreakerThreshold, fp.BreakerThreshold)
	return setDuration(&p.BreakerCooldown, fp.BreakerCooldown, section+".breaker_cooldown")
}

func setString(dst, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, key string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Environment overlay

func (c *Config) applyEnv() {
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getPort(c.Server.Port)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	// The key variable keeps the name the provider documents; everything
	// else is namespaced per provider.
	c.Claude.applyEnv("ANTHROPIC_API_KEY", "CLAUDE")
	c.Perplexity.applyEnv("PERPLEXITY_API_KEY", "PERPLEXITY")

	c.Routing.DefaultProvider = getEnv("ROUTING_DEFAULT_PROVIDER", c.Routing.DefaultProvider)
	c.Routing.ResearchProvider = getEnv("ROUTING_RESEARCH_PROVIDER", c.Routing.ResearchProvider)
	c.Routing.EnableFallback = getEnvAsBool("ROUTING_ENABLE_FALLBACK", c.Routing.EnableFallback)

	c.Tiers.EnhancedTimeout = getEnvAsDuration("TIER_ENHANCED_TIMEOUT", c.Tiers.EnhancedTimeout)
	c.Tiers.BasicTimeout = getEnvAsDuration("TIER_BASIC_TIMEOUT", c.Tiers.BasicTimeout)
	c.Tiers.FallbackTimeout = getEnvAsDuration("TIER_FALLBACK_TIMEOUT", c.Tiers.FallbackTimeout)

	c.Polling.BaseInterval = getEnvAsDuration("POLL_BASE_INTERVAL", c.Polling.BaseInterval)
	c.Polling.Multiplier = getEnvAsFloat("POLL_MULTIPLIER", c.Polling.Multiplier)
	c.Polling.MaxInterval = getEnvAsDuration("POLL_MAX_INTERVAL", c.Polling.MaxInterval)
	c.Polling.MaxAttempts = getEnvAsInt("POLL_MAX_ATTEMPTS", c.Polling.MaxAttempts)

	c.Jobs.Capacity = getEnvAsInt("JOBS_CAPACITY", c.Jobs.Capacity)
	c.Jobs.TTL = getEnvAsDuration("JOBS_TTL", c.Jobs.TTL)
	c.Jobs.JanitorInterval = getEnvAsDuration("JOBS_JANITOR_INTERVAL", c.Jobs.JanitorInterval)

	c.Broadcast.BufferSize = getEnvAsInt("BROADCAST_BUFFER_SIZE", c.Broadcast.BufferSize)
	c.Broadcast.MonitorInterval = getEnvAsDuration("BROADCAST_MONITOR_INTERVAL", c.Broadcast.MonitorInterval)
	c.Broadcast.PingTimeout = getEnvAsDuration("BROADCAST_PING_TIMEOUT", c.Broadcast.PingTimeout)

	c.RateLimit.RPS = getEnvAsFloat("RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = getEnvAsInt("RATE_LIMIT_BURST", c.RateLimit.Burst)

	if origins := splitList(os.Getenv("CORS_ALLOWED_ORIGINS")); len(origins) > 0 {
		c.CORS.AllowedOrigins = origins
	}
}

func (p *ProviderConfig) applyEnv(keyVar, prefix string) {
	p.APIKey = getEnv(keyVar, p.APIKey)
	p.BaseURL = getEnv(prefix+"_BASE_URL", p.BaseURL)
	p.Model = getEnv(prefix+"_MODEL", p.Model)
	p.BasicModel = getEnv(prefix+"_BASIC_MODEL", p.BasicModel)
	p.ResearchModel = getEnv(prefix+"_RESEARCH_MODEL", p.ResearchModel)
	p.MaxTokens = getEnvAsInt(prefix+"_MAX_TOKENS", p.MaxTokens)
	p.Timeout = getEnvAsDuration(prefix+"_TIMEOUT", p.Timeout)
	p.MaxRetries = getEnvAsInt(prefix+"_MAX_RETRIES", p.MaxRetries)
	p.BreakerThreshold = getEnvAsInt(prefix+"_BREAKER_THRESHOLD", p.BreakerThreshold)
	p.BreakerCooldown = getEnvAsDuration(prefix+"_BREAKER_COOLDOWN", p.BreakerCooldown)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars.
func getPort(defaultValue int) int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
