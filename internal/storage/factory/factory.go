// Package factory builds the storage adapter selected by
// configuration.
package factory

import (
	"context"
	"fmt"

	"order-router/internal/config"
	"order-router/internal/storage"
	"order-router/internal/storage/postgres"
	"order-router/internal/storage/sqlite"
)

// New creates the storage backend named by cfg.DatabaseType.
func New(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.DatabaseType {
	case "sqlite":
		return sqlite.NewAdapter(&sqlite.Config{DatabasePath: cfg.DatabasePath})
	case "postgres", "postgresql":
		return postgres.NewAdapter(ctx, &postgres.Config{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDB,
			Username: cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			SSLMode:  cfg.PostgresSSLMode,
		})
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.DatabaseType)
	}
}
