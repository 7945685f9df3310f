// Package config loads server settings from the environment and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendTables = "tables"
	BackendSQLite = "sqlite"
)

// Config holds every setting the server reads. Keys match the environment
// variable names in lower case, so a config file can use either.
type Config struct {
	Debug bool   `mapstructure:"debug"`
	Port  string `mapstructure:"port"`

	StoreBackend            string `mapstructure:"store_backend"`
	StorageConnectionString string `mapstructure:"storage_connection_string"`
	TasksTable              string `mapstructure:"tasks_table"`
	UsersTable              string `mapstructure:"users_table"`
	LogsTable               string `mapstructure:"logs_table"`
	SQLitePath              string `mapstructure:"sqlite_path"`

	RedisConnectionString string        `mapstructure:"redis_connection_string"`
	EventsChannel         string        `mapstructure:"events_channel"`
	EventsQueue           string        `mapstructure:"events_queue"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
	DeduperTTL            time.Duration `mapstructure:"deduper_ttl"`
	OperationTimeout      time.Duration `mapstructure:"operation_timeout"`
	HubBuffer             int           `mapstructure:"hub_buffer"`

	AuthJWTSecret string        `mapstructure:"auth_jwt_secret"`
	Auth0Domain   string        `mapstructure:"auth0_domain"`
	Auth0Audience string        `mapstructure:"auth0_audience"`
	JWKSCacheTTL  time.Duration `mapstructure:"jwks_cache_ttl"`

	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("port", "8080")
	v.SetDefault("store_backend", BackendSQLite)
	v.SetDefault("storage_connection_string", "")
	v.SetDefault("tasks_table", "Tasks")
	v.SetDefault("users_table", "Users")
	v.SetDefault("logs_table", "ActionLogs")
	v.SetDefault("sqlite_path", "data/taskboard.db")
	v.SetDefault("redis_connection_string", "")
	v.SetDefault("events_channel", "taskboard-events")
	v.SetDefault("events_queue", "")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("deduper_ttl", "24h")
	v.SetDefault("operation_timeout", "10s")
	v.SetDefault("hub_buffer", 64)
	v.SetDefault("auth_jwt_secret", "")
	v.SetDefault("auth0_domain", "")
	v.SetDefault("auth0_audience", "")
	v.SetDefault("jwks_cache_ttl", "15m")
	v.SetDefault("pprof_enabled", false)
}

// Load reads the config file at path, when given, and then the environment,
// which takes precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	// Azure Functions custom handlers are told their port in this variable.
	if err := v.BindEnv("port", "PORT", "FUNCTIONS_CUSTOMHANDLER_PORT"); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendTables:
		if c.StorageConnectionString == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required for the tables backend"))
		}
		if c.TasksTable == "" || c.UsersTable == "" || c.LogsTable == "" {
			errs = append(errs, errors.New("TASKS_TABLE, USERS_TABLE and LOGS_TABLE are required for the tables backend"))
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.EventsQueue != "" && c.StorageConnectionString == "" {
		errs = append(errs, errors.New("EVENTS_QUEUE requires STORAGE_CONNECTION_STRING"))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	for name, d := range map[string]time.Duration{
		"CACHE_TTL":         c.CacheTTL,
		"DEDUPER_TTL":       c.DeduperTTL,
		"OPERATION_TIMEOUT": c.OperationTimeout,
		"JWKS_CACHE_TTL":    c.JWKSCacheTTL,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// AuthConfigured reports whether tokens can be verified.
func (c Config) AuthConfigured() bool {
	return c.AuthJWTSecret != "" || (c.Auth0Domain != "" && c.Auth0Audience != "")
}

// ListenAddr is the address the HTTP server binds.
func (c Config) ListenAddr() string {
	return ":" + c.Port
}
