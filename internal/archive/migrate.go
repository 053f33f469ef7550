package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tidemark-io/tidemark/internal/observability"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies the embedded archive schema migrations.
func Migrate(ctx context.Context, dsn string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("archive: load migrations: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("archive: open migrations connection: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("archive: ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, new(pgxv5.Config))
	if err != nil {
		return fmt.Errorf("archive: initialise pgx driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("archive: initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Error("archive migrations source close",
				observability.F("error", sourceErr.Error()))
		}
		if dbErr != nil {
			observability.Log().Error("archive migrations db close",
				observability.F("error", dbErr.Error()))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Debug("archive schema up-to-date")
			return nil
		}
		return fmt.Errorf("archive: apply migrations: %w", err)
	}
	observability.Log().Info("archive schema migrations applied")
	return nil
}
