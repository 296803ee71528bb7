package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. CSWF_DB_HOST.
const EnvPrefix = "CSWF"

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	Server struct {
		Addr string `mapstructure:"addr"`
		// Lite runs without Postgres: in-memory stores and a SQL threshold
		// source (SQLite by default).
		Lite bool `mapstructure:"lite"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Thresholds struct {
		// Backend is one of postgres, redis, sql or memory.
		Backend   string        `mapstructure:"backend"`
		CacheTTL  time.Duration `mapstructure:"cache_ttl"`
		RedisKey  string        `mapstructure:"redis_key"`
		SQLDriver string        `mapstructure:"sql_driver"`
		SQLDSN    string        `mapstructure:"sql_dsn"`
	} `mapstructure:"thresholds"`
	Engine struct {
		MaxHydrationDepth    int `mapstructure:"max_hydration_depth"`
		ProvisionParallelism int `mapstructure:"provision_parallelism"`
	} `mapstructure:"engine"`
	Sweep struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
		// EscalationUser, when set, is assigned to snoozed executions that
		// are due today or overdue.
		EscalationUser string `mapstructure:"escalation_user"`
	} `mapstructure:"sweep"`
	Snapshots struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"snapshots"`
	Observability struct {
		Enabled      bool   `mapstructure:"enabled"`
		OTLPEndpoint string `mapstructure:"otlp_endpoint"`
		ServiceName  string `mapstructure:"service_name"`
		Insecure     bool   `mapstructure:"insecure"`
	} `mapstructure:"observability"`

	// Source is the config file that was read, empty when running on
	// defaults and environment only.
	Source string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("dev_mode_bypass", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.lite", false)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "workflows")
	v.SetDefault("db.password", "")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	// keys without a default are invisible to AutomaticEnv during Unmarshal
	for _, key := range []string{
		"auth.okta_domain", "auth.client_id", "auth.client_secret",
		"auth.redirect_url", "auth.swagger_client_id",
		"tls.cert_file", "tls.key_file", "snapshots.url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("tls.enable", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("thresholds.backend", "postgres")
	v.SetDefault("thresholds.cache_ttl", 5*time.Minute)
	v.SetDefault("thresholds.redis_key", "workflow:thresholds")
	v.SetDefault("thresholds.sql_driver", "sqlite")
	v.SetDefault("thresholds.sql_dsn", "file:thresholds.db")
	v.SetDefault("engine.max_hydration_depth", 32)
	v.SetDefault("engine.provision_parallelism", 8)
	v.SetDefault("sweep.enabled", true)
	v.SetDefault("sweep.interval", 5*time.Minute)
	v.SetDefault("sweep.escalation_user", "")
	v.SetDefault("snapshots.timeout", 10*time.Second)
	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.otlp_endpoint", "localhost:4317")
	v.SetDefault("observability.service_name", "cs-workflows")
	v.SetDefault("observability.insecure", true)
}

// LoadConfig loads the configuration from a file and the environment. When
// path is empty, config.yaml is searched in . and ./config; a missing file
// is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	config.Source = v.ConfigFileUsed()

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Thresholds.Backend {
	case "postgres", "redis", "sql", "memory":
	default:
		return fmt.Errorf("unknown thresholds backend %q", c.Thresholds.Backend)
	}
	if c.Engine.MaxHydrationDepth <= 0 {
		return fmt.Errorf("engine.max_hydration_depth must be positive")
	}
	if c.Engine.ProvisionParallelism <= 0 {
		return fmt.Errorf("engine.provision_parallelism must be positive")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive when the sweep is enabled")
	}
	return nil
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Environment, "DEV")
}

// DatabaseURL builds the pgx connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
