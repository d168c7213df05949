// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example GROQ_API_KEY becomes
// groq_api_key in YAML.
//
// No provider key is required: clients normally bring their own credential.
// A configured <PROVIDER>_API_KEY is only the fallback for requests that
// carry none.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string

	// DefaultProvider serves /v1/* requests without an X-Provider header.
	// Default: fireworks.
	DefaultProvider string

	// ProviderTimeout bounds the wait for upstream response headers. It does
	// not limit how long a stream may run. Default: 60s.
	ProviderTimeout time.Duration

	// ValidateRequests enables chat completion body validation.
	ValidateRequests bool

	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Groq      ProviderConfig
	Fireworks ProviderConfig
	Together  ProviderConfig

	// AWS Bedrock.
	Bedrock BedrockConfig

	// KeyMapping configures app key resolution.
	KeyMapping KeyMappingConfig

	// Redis holds the connection URL for the shared key cache.
	// Required only when KeyMapping.CacheMode is "redis".
	Redis RedisConfig
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is used when the client sends no credential. Optional.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development.
	BaseURL string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	// AccessKey is the AWS access key ID.
	AccessKey string
	// SecretKey is the AWS secret access key.
	SecretKey string
	// SessionToken is the optional STS session token for temporary credentials.
	SessionToken string
	// Region is the AWS region, e.g. "us-east-1". Fixed for the process.
	Region string
	// EndpointURL overrides the Bedrock runtime endpoint. Useful for local mocks.
	EndpointURL string
}

// KeyMappingConfig controls the app key resolver and its cache.
type KeyMappingConfig struct {
	// ResolverURL is the key fetcher base URL. Empty disables mapping.
	ResolverURL string

	// Timeout bounds one resolver round trip. Default: 10s.
	Timeout time.Duration

	// CacheTTL caps how long a resolved key is cached. Default: 1h.
	CacheTTL time.Duration

	// CacheMode selects the cache backend:
	//   "memory": in-process, not shared across replicas (default).
	//   "redis":  shared through REDIS_URL.
	CacheMode string
}

// Enabled reports whether app keys are resolved.
func (k KeyMappingConfig) Enabled() bool { return k.ResolverURL != "" }

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("DEFAULT_PROVIDER", "fireworks")
	v.SetDefault("PROVIDER_TIMEOUT", "60s")
	v.SetDefault("VALIDATE_REQUESTS", false)

	v.SetDefault("KEY_FETCHER_TIMEOUT", "10s")
	v.SetDefault("KEY_CACHE_TTL", "1h")
	v.SetDefault("KEY_CACHE_MODE", "memory")

	v.SetDefault("AWS_REGION", "us-east-1")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:             v.GetInt("PORT"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		CORSOrigins:      v.GetStringSlice("CORS_ORIGINS"),
		DefaultProvider:  strings.ToLower(strings.TrimSpace(v.GetString("DEFAULT_PROVIDER"))),
		ProviderTimeout:  v.GetDuration("PROVIDER_TIMEOUT"),
		ValidateRequests: v.GetBool("VALIDATE_REQUESTS"),

		OpenAI:    providerConfig(v, "OPENAI"),
		Anthropic: providerConfig(v, "ANTHROPIC"),
		Groq:      providerConfig(v, "GROQ"),
		Fireworks: providerConfig(v, "FIREWORKS"),
		Together:  providerConfig(v, "TOGETHER"),

		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},

		KeyMapping: KeyMappingConfig{
			ResolverURL: strings.TrimSpace(v.GetString("KEY_FETCHER_URL")),
			Timeout:     v.GetDuration("KEY_FETCHER_TIMEOUT"),
			CacheTTL:    v.GetDuration("KEY_CACHE_TTL"),
			CacheMode:   strings.ToLower(v.GetString("KEY_CACHE_MODE")),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func providerConfig(v *viper.Viper, prefix string) ProviderConfig {
	return ProviderConfig{
		APIKey:  strings.TrimSpace(v.GetString(prefix + "_API_KEY")),
		BaseURL: strings.TrimSpace(v.GetString(prefix + "_BASE_URL")),
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.DefaultProvider == "" {
		return errors.New("config: DEFAULT_PROVIDER must not be empty")
	}
	if c.ProviderTimeout <= 0 {
		return errors.New("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	for name, p := range map[string]ProviderConfig{
		"OPENAI": c.OpenAI, "ANTHROPIC": c.Anthropic, "GROQ": c.Groq,
		"FIREWORKS": c.Fireworks, "TOGETHER": c.Together,
	} {
		if err := checkURL(name+"_BASE_URL", p.BaseURL); err != nil {
			return err
		}
	}
	if err := checkURL("BEDROCK_ENDPOINT_URL", c.Bedrock.EndpointURL); err != nil {
		return err
	}
	if (c.Bedrock.AccessKey == "") != (c.Bedrock.SecretKey == "") {
		return errors.New("config: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}
	if c.Bedrock.Region == "" {
		return errors.New("config: AWS_REGION must not be empty")
	}

	switch c.KeyMapping.CacheMode {
	case "memory", "redis":
	default:
		return fmt.Errorf(
			"config: invalid KEY_CACHE_MODE %q; must be one of: memory, redis",
			c.KeyMapping.CacheMode,
		)
	}
	if c.KeyMapping.Enabled() {
		if err := checkURL("KEY_FETCHER_URL", c.KeyMapping.ResolverURL); err != nil {
			return err
		}
		if c.KeyMapping.CacheMode == "redis" && c.Redis.URL == "" {
			return errors.New(
				"config: REDIS_URL is required when KEY_CACHE_MODE=redis; " +
					"set KEY_CACHE_MODE=memory to use the in-process cache",
			)
		}
	}
	if c.KeyMapping.Timeout <= 0 {
		return errors.New("config: KEY_FETCHER_TIMEOUT must be a positive duration")
	}
	if c.KeyMapping.CacheTTL <= 0 {
		return errors.New("config: KEY_CACHE_TTL must be a positive duration")
	}

	return nil
}

// checkURL accepts an empty value or an absolute http(s) URL.
func checkURL(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute http(s) URL, got %q", name, raw)
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
