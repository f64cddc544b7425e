// Package config provides configuration loading for the deploy engine.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultDispatcherDomain is used when no dispatcher URL is configured or the
// configured value cannot be parsed.
const DefaultDispatcherDomain = "libra.sh"

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Cloudflare CloudflareConfig `mapstructure:"cloudflare"`
	Deploy     DeployConfig     `mapstructure:"deploy"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SandboxConfig selects and configures the sandbox provider.
type SandboxConfig struct {
	DefaultProvider string        `mapstructure:"default_provider"` // e2b, daytona
	E2BAPIKey       string        `mapstructure:"e2b_api_key"`
	E2BAPIURL       string        `mapstructure:"e2b_api_url"`
	DaytonaAPIKey   string        `mapstructure:"daytona_api_key"`
	DaytonaAPIURL   string        `mapstructure:"daytona_api_url"`
	CreateTimeout   time.Duration `mapstructure:"create_timeout"`
}

// CloudflareConfig holds the edge-provider credentials injected into sandboxes.
type CloudflareConfig struct {
	AccountID         string `mapstructure:"account_id"`
	APIToken          string `mapstructure:"api_token"`
	DispatchNamespace string `mapstructure:"dispatch_namespace"`
}

// DeployConfig holds deployment workflow tunables.
type DeployConfig struct {
	DispatcherURL  string        `mapstructure:"dispatcher_url"`
	BuildTimeout   time.Duration `mapstructure:"build_timeout"`
	DeployTimeout  time.Duration `mapstructure:"deploy_timeout"`
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
	StaleRunAfter  time.Duration `mapstructure:"stale_run_after"`
}

// DispatcherDomain returns the hostname of the configured dispatcher URL,
// falling back to DefaultDispatcherDomain when the value is empty or unparseable.
func (c DeployConfig) DispatcherDomain() string {
	if c.DispatcherURL == "" {
		return DefaultDispatcherDomain
	}
	u, err := url.Parse(c.DispatcherURL)
	if err != nil || u.Hostname() == "" {
		return DefaultDispatcherDomain
	}
	return u.Hostname()
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/libra-deploy")

	// Enable environment variable override
	v.SetEnvPrefix("LIBRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Legacy env names kept for compatibility with the platform deployment charts
	v.BindEnv("sandbox.default_provider", "SANDBOX_BUILDER_DEFAULT_PROVIDER", "LIBRA_SANDBOX_DEFAULT_PROVIDER")
	v.BindEnv("cloudflare.account_id", "CLOUDFLARE_ACCOUNT_ID", "LIBRA_CLOUDFLARE_ACCOUNT_ID")
	v.BindEnv("cloudflare.api_token", "CLOUDFLARE_API_TOKEN", "LIBRA_CLOUDFLARE_API_TOKEN")
	v.BindEnv("cloudflare.dispatch_namespace", "CLOUDFLARE_DISPATCH_NAMESPACE", "LIBRA_CLOUDFLARE_DISPATCH_NAMESPACE")
	v.BindEnv("deploy.dispatcher_url", "NEXT_PUBLIC_DISPATCHER_URL", "LIBRA_DEPLOY_DISPATCHER_URL")

	// Explicitly bind sandbox credentials (nested struct issue with viper)
	v.BindEnv("sandbox.e2b_api_key", "LIBRA_SANDBOX_E2B_API_KEY")
	v.BindEnv("sandbox.daytona_api_key", "LIBRA_SANDBOX_DAYTONA_API_KEY")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "libra")
	v.SetDefault("database.password", "libra")
	v.SetDefault("database.database", "libra_deploy")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Sandbox defaults
	v.SetDefault("sandbox.default_provider", "e2b")
	v.SetDefault("sandbox.e2b_api_url", "https://api.e2b.dev")
	v.SetDefault("sandbox.daytona_api_url", "https://app.daytona.io/api")
	v.SetDefault("sandbox.create_timeout", "60s")

	// Deploy defaults
	v.SetDefault("deploy.dispatcher_url", "")
	v.SetDefault("deploy.build_timeout", "3m")
	v.SetDefault("deploy.deploy_timeout", "3m")
	v.SetDefault("deploy.cleanup_timeout", "30s")
	v.SetDefault("deploy.stale_run_after", "30m")
}
