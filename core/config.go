package core

import (
	"fmt"
	"strings"
	"time"
)

type WebhookConfig struct {
	HandlerTimeoutSeconds  int `koanf:"handler_timeout_seconds" mapstructure:"handler_timeout_seconds"`
	DefaultMaxRetries      int `koanf:"default_max_retries" mapstructure:"default_max_retries"`
	ShutdownMaxWaitSeconds int `koanf:"shutdown_max_wait_seconds" mapstructure:"shutdown_max_wait_seconds"`
}

func (c WebhookConfig) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSeconds) * time.Second
}

func (c WebhookConfig) ShutdownMaxWait() time.Duration {
	return time.Duration(c.ShutdownMaxWaitSeconds) * time.Second
}

type ReconcileConfig struct {
	// CreateMissingRelatedEntities skips dependency ordering and lets the
	// catalog create placeholders for missing relation targets.
	CreateMissingRelatedEntities bool   `koanf:"create_missing_related_entities" mapstructure:"create_missing_related_entities"`
	CallerTag                    string `koanf:"caller_tag" mapstructure:"caller_tag"`
}

type ServerConfig struct {
	Address    string `koanf:"address" mapstructure:"address"`
	PathPrefix string `koanf:"path_prefix" mapstructure:"path_prefix"`
}

// DatabaseConfig selects the catalog backend. An empty Driver keeps the
// catalog in memory.
type DatabaseConfig struct {
	Driver          string `koanf:"driver" mapstructure:"driver"`
	DSN             string `koanf:"dsn" mapstructure:"dsn"`
	Debug           bool   `koanf:"debug" mapstructure:"debug"`
	AutoMigrate     bool   `koanf:"auto_migrate" mapstructure:"auto_migrate"`
	CacheTTLSeconds int    `koanf:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`
}

func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.Driver) != ""
}

func (c DatabaseConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Webhooks    WebhookConfig   `koanf:"webhooks" mapstructure:"webhooks"`
	Reconcile   ReconcileConfig `koanf:"reconcile" mapstructure:"reconcile"`
	Server      ServerConfig    `koanf:"server" mapstructure:"server"`
	Database    DatabaseConfig  `koanf:"database" mapstructure:"database"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "ocean",
		Webhooks: WebhookConfig{
			HandlerTimeoutSeconds:  30,
			DefaultMaxRetries:      5,
			ShutdownMaxWaitSeconds: 30,
		},
		Reconcile: ReconcileConfig{
			CallerTag: "ocean-webhook",
		},
		Server: ServerConfig{
			Address: ":8000",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Webhooks.HandlerTimeoutSeconds <= 0 {
		return fmt.Errorf("core: webhooks.handler_timeout_seconds must be positive")
	}
	if c.Webhooks.DefaultMaxRetries < 0 {
		return fmt.Errorf("core: webhooks.default_max_retries must not be negative")
	}
	if c.Webhooks.ShutdownMaxWaitSeconds < 0 {
		return fmt.Errorf("core: webhooks.shutdown_max_wait_seconds must not be negative")
	}
	prefix := strings.TrimSpace(c.Server.PathPrefix)
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("core: server.path_prefix must start with /")
	}
	if c.Database.Enabled() {
		switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
		case "postgres", "sqlite3", "sqlite":
		default:
			return fmt.Errorf("core: database.driver %q is not supported", c.Database.Driver)
		}
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("core: database.dsn is required when database.driver is set")
		}
	}
	if c.Database.CacheTTLSeconds < 0 {
		return fmt.Errorf("core: database.cache_ttl_seconds must not be negative")
	}
	return nil
}
