package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	"github.com/port-labs/ocean-sub007/core"
	oceanmigrations "github.com/port-labs/ocean-sub007/migrations"
)

// PersistenceConfig adapts core.DatabaseConfig to the go-persistence-bun
// client configuration.
type PersistenceConfig struct {
	Debug       bool
	Driver      string
	Server      string
	PingTimeout time.Duration
}

func (c PersistenceConfig) GetDebug() bool {
	return c.Debug
}

func (c PersistenceConfig) GetDriver() string {
	return c.Driver
}

func (c PersistenceConfig) GetServer() string {
	return c.Server
}

func (c PersistenceConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c PersistenceConfig) GetOtelIdentifier() string {
	return "ocean"
}

// Open connects to the configured database, registers the catalog
// migrations for its dialect and applies them when AutoMigrate is set.
func Open(ctx context.Context, cfg core.DatabaseConfig) (*persistence.Client, error) {
	driver, migrationDialect, dialect, err := resolveDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: database dsn is required")
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if migrationDialect == oceanmigrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	client, err := persistence.New(PersistenceConfig{
		Debug:  cfg.Debug,
		Driver: driver,
		Server: dsn,
	}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}

	if _, err := oceanmigrations.Register(migrationDialect, func(fsys fs.FS) {
		client.RegisterSQLMigrations(fsys)
	}); err != nil {
		_ = client.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := client.Migrate(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return client, nil
}

// NewCatalog returns the factory's entity catalog, wrapped in a read-through
// search cache when ttl is positive.
func NewCatalog(factory *RepositoryFactory, ttl time.Duration) (core.Catalog, error) {
	if factory == nil || factory.EntityCatalog() == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is not built")
	}
	if ttl <= 0 {
		return factory.EntityCatalog(), nil
	}
	config := repositorycache.DefaultConfig()
	config.TTL = ttl
	cacheService, err := repositorycache.NewCacheService(config)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: catalog cache: %w", err)
	}
	return NewCachedCatalog(factory.EntityCatalog(), cacheService)
}

func resolveDriver(driver string) (string, string, schema.Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pg":
		return "postgres", oceanmigrations.DialectPostgres, pgdialect.New(), nil
	case "sqlite", "sqlite3":
		return "sqlite3", oceanmigrations.DialectSQLite, sqlitedialect.New(), nil
	default:
		return "", "", nil, fmt.Errorf("sqlstore: unsupported database driver %q", driver)
	}
}
