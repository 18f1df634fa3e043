package storage

import (
	"fmt"

	"github.com/hyperengineering/undertow/migrations"
	"github.com/pressly/goose/v3"
)

// Migrate applies all pending meta-table migrations using goose. Store
// tables are created separately by the engine from their declarations;
// migrations cover only the fixed tables (tombstones).
func (s *SQLite) Migrate() error {
	// Disable goose's default logging to avoid stdout noise
	goose.SetLogger(goose.NopLogger())

	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
