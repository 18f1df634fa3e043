package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLite is the reference Driver backed by a single SQLite database file
// in WAL mode.
type SQLite struct {
	db   *sql.DB
	exec execer
	path string
}

// execer is the subset of database/sql shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

var _ Driver = (*SQLite)(nil)

// Open opens (creating if necessary) the database at path with WAL mode
// and safety pragmas applied.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	return &SQLite{db: db, exec: db, path: path}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// DB exposes the underlying handle for maintenance operations (snapshots,
// migrations). Regular access goes through the Driver methods.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// CreateTable creates the table if it does not already exist.
func (s *SQLite) CreateTable(ctx context.Context, name string, columns map[string]Column) error {
	stmt, err := buildCreateTable(name, columns)
	if err != nil {
		return err
	}
	if _, err := s.exec.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

// CreateIndex creates a non-unique index over columns if absent.
func (s *SQLite) CreateIndex(ctx context.Context, table string, columns ...string) error {
	stmt, err := buildCreateIndex(table, columns...)
	if err != nil {
		return err
	}
	if _, err := s.exec.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create index on %s: %w", table, err)
	}
	return nil
}

// Query returns the first matching row, or nil when nothing matches.
func (s *SQLite) Query(ctx context.Context, table string, conds Conditions, sorts ...Sort) (Row, error) {
	rows, err := s.QueryAll(ctx, table, conds, sorts...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// QueryAll returns every matching row.
func (s *SQLite) QueryAll(ctx context.Context, table string, conds Conditions, sorts ...Sort) ([]Row, error) {
	q, err := buildSelect(table, conds, sorts)
	if err != nil {
		return nil, err
	}

	rows, err := s.exec.QueryContext(ctx, q.sql, q.args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

// Insert adds a single row.
func (s *SQLite) Insert(ctx context.Context, table string, row Row) error {
	q, err := buildInsert(table, row)
	if err != nil {
		return err
	}
	if _, err := s.exec.ExecContext(ctx, q.sql, q.args...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// Update applies set to every matching row.
func (s *SQLite) Update(ctx context.Context, table string, conds Conditions, set Row) error {
	q, err := buildUpdate(table, conds, set)
	if err != nil {
		return err
	}
	if _, err := s.exec.ExecContext(ctx, q.sql, q.args...); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// Delete removes every matching row.
func (s *SQLite) Delete(ctx context.Context, table string, conds Conditions) error {
	q, err := buildDelete(table, conds)
	if err != nil {
		return err
	}
	if _, err := s.exec.ExecContext(ctx, q.sql, q.args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

// Transaction runs fn atomically. The Driver passed to fn is bound to the
// transaction; a nested Transaction call joins the outer one.
func (s *SQLite) Transaction(ctx context.Context, fn func(tx Driver) error) error {
	if _, nested := s.exec.(*sql.Tx); nested {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	bound := &SQLite{db: s.db, exec: tx, path: s.path}
	if err := fn(bound); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
