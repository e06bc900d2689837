package sqlite

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/xraph/billing"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("%w: billing/sqlite: %w", billing.ErrMigrationFailed, err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("%w: billing/sqlite: %w", billing.ErrMigrationFailed, err)
	}
	return nil
}
