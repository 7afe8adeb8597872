package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "VEILSYNC"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "veilsync.db"
	defaultLogLevel       = "info"
	defaultPrimaryBackend = "sqlite"
	defaultFallback       = "memory"
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	PrimaryBackend  string
	FallbackBackend string
	AutoFailover    bool
	HealthInterval  time.Duration
	Retention       time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("persistence.primary", defaultPrimaryBackend)
	configViper.SetDefault("persistence.fallback", defaultFallback)
	configViper.SetDefault("persistence.auto_failover", true)
	configViper.SetDefault("persistence.health_interval", "30s")
	configViper.SetDefault("persistence.retention", "168h")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		PrimaryBackend:  configViper.GetString("persistence.primary"),
		FallbackBackend: configViper.GetString("persistence.fallback"),
		AutoFailover:    configViper.GetBool("persistence.auto_failover"),
		HealthInterval:  configViper.GetDuration("persistence.health_interval"),
		Retention:       configViper.GetDuration("persistence.retention"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := validBackendName(c.PrimaryBackend); err != nil {
		return fmt.Errorf("persistence.primary: %w", err)
	}
	if c.FallbackBackend != "" {
		if err := validBackendName(c.FallbackBackend); err != nil {
			return fmt.Errorf("persistence.fallback: %w", err)
		}
		if c.FallbackBackend == c.PrimaryBackend {
			return fmt.Errorf("persistence.fallback must differ from persistence.primary")
		}
	}
	if c.HealthInterval < 0 {
		return fmt.Errorf("persistence.health_interval must not be negative")
	}
	if c.Retention < 0 {
		return fmt.Errorf("persistence.retention must not be negative")
	}
	return nil
}

func validBackendName(name string) error {
	switch name {
	case "memory", "sqlite":
		return nil
	default:
		return fmt.Errorf("unknown backend %q", name)
	}
}
