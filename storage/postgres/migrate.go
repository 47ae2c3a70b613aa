package postgres

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/billsync/pkg/billing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "billsync_schema_migrations"

// Migrate applies pending schema migrations with goose.
func (s *Storage) Migrate(ctx context.Context) error {
	// goose needs database/sql; this shares the pool's connections
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() {
		if err := db.Close(); err != nil {
			s.config.Logger.Warn("failed to close migration connection", billing.F("error", err))
		}
	}()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(&gooseLogger{logger: s.config.Logger})
	goose.SetTableName(migrationsTable)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through the billing logger.
type gooseLogger struct {
	logger billing.Logger
}

func (l *gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l *gooseLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}
