package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name:    "default configuration",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.Environment)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "info", cfg.Logging.Level)
				assert.Equal(t, "json", cfg.Logging.Format)
				assert.Equal(t, "claude", cfg.Routing.DefaultProvider)
				assert.Equal(t, "perplexity", cfg.Routing.ResearchProvider)
				assert.True(t, cfg.Routing.EnableFallback)
				assert.Equal(t, 5, cfg.Claude.BreakerThreshold)
				assert.Equal(t, 60*time.Second, cfg.Claude.BreakerCooldown)
				assert.Equal(t, "sonar-deep-research", cfg.Perplexity.ResearchModel)
				assert.Equal(t, 20*time.Second, cfg.Tiers.EnhancedTimeout)
				assert.Equal(t, 8*time.Second, cfg.Tiers.BasicTimeout)
				assert.Equal(t, 5*time.Second, cfg.Tiers.FallbackTimeout)
				assert.Equal(t, 30*time.Second, cfg.Polling.BaseInterval)
				assert.Equal(t, 1.5, cfg.Polling.Multiplier)
				assert.Equal(t, 5*time.Minute, cfg.Polling.MaxInterval)
				assert.Equal(t, 20, cfg.Polling.MaxAttempts)
				assert.Equal(t, 500, cfg.Jobs.Capacity)
				assert.Equal(t, 30*time.Minute, cfg.Jobs.TTL)
				assert.Equal(t, 16, cfg.Broadcast.BufferSize)
				assert.Equal(t, 30*time.Second, cfg.Broadcast.MonitorInterval)
				assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
			},
		},
		{
			name: "provider settings from environment",
			envVars: map[string]string{
				"ANTHROPIC_API_KEY":            "sk-ant-xxxxx",
				"PERPLEXITY_API_KEY":           "pplx-xxxxx",
				"CLAUDE_MODEL":                 "claude-3-opus-20240229",
				"CLAUDE_TIMEOUT":               "45s",
				"PERPLEXITY_RESEARCH_MODEL":    "sonar-reasoning-pro",
				"PERPLEXITY_BREAKER_THRESHOLD": "3",
				"PERPLEXITY_BREAKER_COOLDOWN":  "90s",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "sk-ant-xxxxx", cfg.Claude.APIKey)
				assert.Equal(t, "pplx-xxxxx", cfg.Perplexity.APIKey)
				assert.Equal(t, "claude-3-opus-20240229", cfg.Claude.Model)
				assert.Equal(t, 45*time.Second, cfg.Claude.Timeout)
				assert.Equal(t, "sonar-reasoning-pro", cfg.Perplexity.ResearchModel)
				assert.Equal(t, 3, cfg.Perplexity.BreakerThreshold)
				assert.Equal(t, 90*time.Second, cfg.Perplexity.BreakerCooldown)
			},
		},
		{
			name: "scheduler and registry tuning",
			envVars: map[string]string{
				"POLL_BASE_INTERVAL":    "10s",
				"POLL_MULTIPLIER":       "2.0",
				"POLL_MAX_INTERVAL":     "2m",
				"POLL_MAX_ATTEMPTS":     "8",
				"JOBS_CAPACITY":         "100",
				"JOBS_TTL":              "1h",
				"JOBS_JANITOR_INTERVAL": "5m",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 10*time.Second, cfg.Polling.BaseInterval)
				assert.Equal(t, 2.0, cfg.Polling.Multiplier)
				assert.Equal(t, 2*time.Minute, cfg.Polling.MaxInterval)
				assert.Equal(t, 8, cfg.Polling.MaxAttempts)
				assert.Equal(t, 100, cfg.Jobs.Capacity)
				assert.Equal(t, time.Hour, cfg.Jobs.TTL)
				assert.Equal(t, 5*time.Minute, cfg.Jobs.JanitorInterval)
			},
		},
		{
			name: "PORT takes precedence over SERVER_PORT",
			envVars: map[string]string{
				"PORT":        "9443",
				"SERVER_PORT": "9000",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9443, cfg.Server.Port)
			},
		},
		{
			name: "SERVER_PORT when PORT not set",
			envVars: map[string]string{
				"SERVER_PORT": "9000",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9000, cfg.Server.Port)
			},
		},
		{
			name: "CORS origins from comma-separated list",
			envVars: map[string]string{
				"CORS_ALLOWED_ORIGINS": "https://app.example.com, https://admin.example.com",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t,
					[]string{"https://app.example.com", "https://admin.example.com"},
					cfg.CORS.AllowedOrigins)
			},
		},
		{
			name: "invalid values fall back to defaults",
			envVars: map[string]string{
				"JOBS_CAPACITY":      "not-a-number",
				"POLL_BASE_INTERVAL": "not-a-duration",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 500, cfg.Jobs.Capacity)
				assert.Equal(t, 30*time.Second, cfg.Polling.BaseInterval)
			},
		},
		{
			name: "unknown routing provider rejected",
			envVars: map[string]string{
				"ROUTING_DEFAULT_PROVIDER": "openai",
			},
			wantErr: true,
		},
		{
			name: "multiplier below one rejected",
			envVars: map[string]string{
				"POLL_MULTIPLIER": "0.5",
			},
			wantErr: true,
		},
		{
			name: "production without provider keys rejected",
			envVars: map[string]string{
				"ENVIRONMENT": "production",
			},
			wantErr: true,
		},
		{
			name: "production with one provider key",
			envVars: map[string]string{
				"ENVIRONMENT":       "production",
				"ANTHROPIC_API_KEY": "sk-ant-xxxxx",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.IsProduction())
				assert.False(t, cfg.IsDevelopment())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg, err := Load("")

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_YAMLOverlay(t *testing.T) {
	body := `
server:
  port: 9100
  read_timeout: 45s
logging:
  level: debug
claude:
  model: claude-3-opus-20240229
  breaker_threshold: 9
polling:
  multiplier: 2.0
  max_interval: 10m
jobs:
  capacity: 50
cors:
  allowed_origins:
    - https://app.example.com
`
	path := writeConfigFile(t, body)

	os.Clearenv()
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "claude-3-opus-20240229", cfg.Claude.Model)
	assert.Equal(t, 9, cfg.Claude.BreakerThreshold)
	assert.Equal(t, 2.0, cfg.Polling.Multiplier)
	assert.Equal(t, 10*time.Minute, cfg.Polling.MaxInterval)
	assert.Equal(t, 50, cfg.Jobs.Capacity)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.CORS.AllowedOrigins)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 30*time.Minute, cfg.Jobs.TTL)
}

func TestLoad_EnvironmentBeatsYAML(t *testing.T) {
	body := `
server:
  port: 9100
claude:
  breaker_threshold: 9
`
	path := writeConfigFile(t, body)

	os.Clearenv()
	os.Setenv("PORT", "9200")
	os.Setenv("CLAUDE_BREAKER_THRESHOLD", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Claude.BreakerThreshold)
}

func TestLoad_ConfigFileFromEnv(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 9300\n")

	os.Clearenv()
	os.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Server.Port)
}

func TestLoad_FileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		os.Clearenv()
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read config file")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfigFile(t, "server: [broken")
		os.Clearenv()
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse config file")
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfigFile(t, "server:\n  read_timeout: soonish\n")
		os.Clearenv()
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.read_timeout")
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config { return Default() }

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"port out of range", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
		{"bad default provider", func(c *Config) { c.Routing.DefaultProvider = "openai" }, "default provider"},
		{"bad research provider", func(c *Config) { c.Routing.ResearchProvider = "" }, "research provider"},
		{"zero tier timeout", func(c *Config) { c.Tiers.BasicTimeout = 0 }, "tier timeouts"},
		{"zero base interval", func(c *Config) { c.Polling.BaseInterval = 0 }, "base interval"},
		{"multiplier below one", func(c *Config) { c.Polling.Multiplier = 0.9 }, "multiplier"},
		{"max interval below base", func(c *Config) { c.Polling.MaxInterval = time.Second }, "max interval"},
		{"zero max attempts", func(c *Config) { c.Polling.MaxAttempts = 0 }, "max attempts"},
		{"zero capacity", func(c *Config) { c.Jobs.Capacity = 0 }, "capacity"},
		{"zero ttl", func(c *Config) { c.Jobs.TTL = 0 }, "ttl"},
		{"zero buffer", func(c *Config) { c.Broadcast.BufferSize = 0 }, "buffer"},
		{"zero rps", func(c *Config) { c.RateLimit.RPS = 0 }, "rps"},
		{"zero burst", func(c *Config) { c.RateLimit.Burst = 0 }, "burst"},
		{"production without keys", func(c *Config) { c.Environment = "production" }, "API key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		want        bool
	}{
		{"production", "production", true},
		{"prod", "prod", true},
		{"development", "development", false},
		{"dev", "dev", false},
		{"staging", "staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			assert.Equal(t, tt.want, cfg.IsProduction())
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		want        bool
	}{
		{"development", "development", true},
		{"dev", "dev", true},
		{"production", "production", false},
		{"staging", "staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			assert.Equal(t, tt.want, cfg.IsDevelopment())
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{
		Host: "0.0.0.0",
		Port: 8080,
	}

	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue int
		want         int
	}{
		{"valid int", "TEST_INT", "42", 10, 42},
		{"empty value", "TEST_INT", "", 10, 10},
		{"invalid int", "TEST_INT", "not-a-number", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
			}
			got := getEnvAsInt(tt.key, tt.defaultValue)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvAsBool(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue bool
		want         bool
	}{
		{"true", "TEST_BOOL", "true", false, true},
		{"false", "TEST_BOOL", "false", true, false},
		{"empty value", "TEST_BOOL", "", true, true},
		{"invalid bool", "TEST_BOOL", "not-a-bool", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
			}
			got := getEnvAsBool(tt.key, tt.defaultValue)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvAsFloat(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue float64
		want         float64
	}{
		{"valid float", "TEST_FLOAT", "3.14", 1.0, 3.14},
		{"empty value", "TEST_FLOAT", "", 1.0, 1.0},
		{"invalid float", "TEST_FLOAT", "not-a-number", 1.0, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
			}
			got := getEnvAsFloat(tt.key, tt.defaultValue)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue time.Duration
		want         time.Duration
	}{
		{"valid duration", "TEST_DURATION", "30s", 10 * time.Second, 30 * time.Second},
		{"empty value", "TEST_DURATION", "", 10 * time.Second, 10 * time.Second},
		{"invalid duration", "TEST_DURATION", "not-a-duration", 10 * time.Second, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
			}
			got := getEnvAsDuration(tt.key, tt.defaultValue)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a"}, splitList("a"))
	assert.Equal(t, []string{"a", "b"}, splitList("a, b"))
	assert.Equal(t, []string{"a", "b"}, splitList("a,,b,"))
}
