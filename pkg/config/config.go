package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/educredentials/badgekit/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration (Postgres + Redis)
	Storage StorageConfig

	// Federated login provider
	OIDC OIDCConfig

	// Outbound email
	Mail MailConfig

	// Front-end app registry
	Apps AppsConfig

	// Observability configuration
	Observability ObservabilityConfig

	// TermsVersion is the current terms-of-service version; accepted on
	// every successful federated login.
	TermsVersion int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	BaseURL         string // externally visible origin, used for redirect URIs
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StorageConfig holds Postgres and Redis connection settings
type StorageConfig struct {
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int

	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

// OIDCConfig holds the federation provider settings. When IssuerURL is set
// the authorize/token endpoints come from discovery; otherwise the explicit
// AuthorizeURL/TokenURL are used.
type OIDCConfig struct {
	ProviderID   string // provider identifier used in error pages and routes
	IssuerURL    string
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	ClientSecret string
	CallbackPath string
	Scopes       []string
}

// MailConfig holds SMTP settings for transactional email
type MailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	Enabled  bool
}

// AppsConfig points at the front-end app registry file
type AppsConfig struct {
	RegistryPath string
	DefaultAppID string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		OIDC:          loadOIDCConfig(),
		Mail:          loadMailConfig(),
		Apps:          loadAppsConfig(),
		Observability: loadObservabilityConfig(),
		TermsVersion:  getEnvInt("BADGEKIT_TERMS_VERSION", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("BADGEKIT_HOST", "0.0.0.0"),
		Port:            getEnv("BADGEKIT_PORT", "8080"),
		BaseURL:         getEnv("BADGEKIT_BASE_URL", "http://localhost:8080"),
		ReadTimeout:     getEnvDuration("BADGEKIT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("BADGEKIT_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("BADGEKIT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("BADGEKIT_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("BADGEKIT_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() StorageConfig {
	return StorageConfig{
		PostgresURL:      getEnv("BADGEKIT_POSTGRES_URL", "postgres://localhost/badgekit?sslmode=disable"),
		PostgresMaxConns: getEnvInt("BADGEKIT_POSTGRES_MAX_CONNS", 25),
		PostgresMinConns: getEnvInt("BADGEKIT_POSTGRES_MIN_CONNS", 2),
		RedisURL:         getEnv("BADGEKIT_REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword:    getEnv("BADGEKIT_REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("BADGEKIT_REDIS_DB", 0),
		RedisPoolSize:    getEnvInt("BADGEKIT_REDIS_POOL_SIZE", 10),
	}
}

// loadOIDCConfig loads federation provider configuration from environment
func loadOIDCConfig() OIDCConfig {
	scopes := strings.Fields(getEnv("BADGEKIT_OIDC_SCOPES", "openid"))
	return OIDCConfig{
		ProviderID:   getEnv("BADGEKIT_OIDC_PROVIDER_ID", "surfconext"),
		IssuerURL:    getEnv("BADGEKIT_OIDC_ISSUER_URL", ""),
		AuthorizeURL: getEnv("BADGEKIT_OIDC_AUTHORIZE_URL", ""),
		TokenURL:     getEnv("BADGEKIT_OIDC_TOKEN_URL", ""),
		ClientID:     getEnv("BADGEKIT_OIDC_CLIENT_ID", ""),
		ClientSecret: getEnv("BADGEKIT_OIDC_CLIENT_SECRET", ""),
		CallbackPath: getEnv("BADGEKIT_OIDC_CALLBACK_PATH", "/account/openid/login/callback/"),
		Scopes:       scopes,
	}
}

// loadMailConfig loads SMTP configuration from environment
func loadMailConfig() MailConfig {
	return MailConfig{
		SMTPHost: getEnv("BADGEKIT_SMTP_HOST", "localhost"),
		SMTPPort: getEnvInt("BADGEKIT_SMTP_PORT", 587),
		Username: getEnv("BADGEKIT_SMTP_USERNAME", ""),
		Password: getEnv("BADGEKIT_SMTP_PASSWORD", ""),
		From:     getEnv("BADGEKIT_SMTP_FROM", "noreply@badgekit.example.com"),
		Enabled:  getEnvBool("BADGEKIT_SMTP_ENABLED", true),
	}
}

// loadAppsConfig loads front-end app registry configuration from environment
func loadAppsConfig() AppsConfig {
	return AppsConfig{
		RegistryPath: getEnv("BADGEKIT_APPS_FILE", "apps.yaml"),
		DefaultAppID: getEnv("BADGEKIT_DEFAULT_APP_ID", "default"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("BADGEKIT_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("BADGEKIT_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.OIDC.ClientID == "" {
		return fmt.Errorf("OIDC client ID is required")
	}
	if c.OIDC.IssuerURL == "" && (c.OIDC.AuthorizeURL == "" || c.OIDC.TokenURL == "") {
		return fmt.Errorf("either OIDC issuer URL or explicit authorize/token URLs are required")
	}
	hasOpenID := false
	for _, scope := range c.OIDC.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("'openid' scope is required")
	}
	if c.TermsVersion < 1 {
		return fmt.Errorf("terms version must be positive")
	}
	return nil
}

// CallbackURL returns the absolute redirect URI registered with the provider
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + c.OIDC.CallbackPath
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
