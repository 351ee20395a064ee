package trace

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/ongoingai/usagelog/config"
)

// DBStore is a Store that shares its database handle with the pricing
// tables.
type DBStore interface {
	Store
	DB() *sql.DB
	Close() error
}

// Open opens the configured store. Opening applies pending schema
// migrations.
func Open(cfg config.StorageConfig) (DBStore, error) {
	switch strings.TrimSpace(cfg.Driver) {
	case "sqlite":
		store, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		store, err := NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Driver)
	}
}
