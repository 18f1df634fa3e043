// Package storage provides the keyed, queryable, transactional store
// behind the sync engine and the client cache. The Driver interface is the
// abstract contract; the SQLite implementation is the reference backend.
package storage

import "context"

// ColumnType is the storage type of a table column.
type ColumnType int

const (
	Text ColumnType = iota
	Integer
	Real
)

func (t ColumnType) sql() string {
	switch t {
	case Integer:
		return "INTEGER"
	case Real:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Column describes a table column for CreateTable.
type Column struct {
	Type       ColumnType
	PrimaryKey bool
	Nullable   bool
}

// Op is a comparison operator for query conditions.
type Op int

const (
	OpEq Op = iota
	OpGt
	OpLt
	OpLe
	OpGe
)

func (o Op) sql() string {
	switch o {
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGe:
		return ">="
	default:
		return "="
	}
}

// Condition constrains a column in a query.
type Condition struct {
	Op    Op
	Value any
}

// Eq matches rows where the column equals v.
func Eq(v any) Condition { return Condition{Op: OpEq, Value: v} }

// Gt matches rows where the column is greater than v.
func Gt(v any) Condition { return Condition{Op: OpGt, Value: v} }

// Lt matches rows where the column is less than v.
func Lt(v any) Condition { return Condition{Op: OpLt, Value: v} }

// Le matches rows where the column is less than or equal to v.
func Le(v any) Condition { return Condition{Op: OpLe, Value: v} }

// Ge matches rows where the column is greater than or equal to v.
func Ge(v any) Condition { return Condition{Op: OpGe, Value: v} }

// Sort orders query results by a column.
type Sort struct {
	Column string
	Desc   bool
}

// Asc sorts ascending by column.
func Asc(column string) Sort { return Sort{Column: column} }

// Desc sorts descending by column.
func Desc(column string) Sort { return Sort{Column: column, Desc: true} }

// Row is a single result row keyed by column name.
type Row = map[string]any

// Conditions constrains a query, one condition per column.
type Conditions = map[string]Condition

// Driver is the storage contract shared by server persistence and the
// client durable cache. Any keyed, queryable, transactional store
// satisfies it. Transactions must contain only storage operations; the
// underlying engine's transaction is not safe across other suspension
// points.
type Driver interface {
	CreateTable(ctx context.Context, name string, columns map[string]Column) error
	CreateIndex(ctx context.Context, table string, columns ...string) error
	// Query returns a single matching row, or nil when none match.
	Query(ctx context.Context, table string, conds Conditions, sorts ...Sort) (Row, error)
	QueryAll(ctx context.Context, table string, conds Conditions, sorts ...Sort) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table string, conds Conditions, set Row) error
	Delete(ctx context.Context, table string, conds Conditions) error
	Transaction(ctx context.Context, fn func(tx Driver) error) error
}
