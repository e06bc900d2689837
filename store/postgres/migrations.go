package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/xraph/billing"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded goose migrations. goose needs database/sql,
// so the pool is bridged through pgx's stdlib adapter for the duration.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("%w: billing/postgres: %w", billing.ErrMigrationFailed, err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("%w: billing/postgres: %w", billing.ErrMigrationFailed, err)
	}
	return nil
}
