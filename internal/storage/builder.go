package storage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// identName is the charset permitted for table and column identifiers.
// Store tables and their system columns carry a leading "$", which keeps
// them outside the plain-identifier namespace used by meta tables; nothing
// else ever reaches the builder, so this check is the injection boundary.
var identName = regexp.MustCompile(`^\$?[A-Za-z_]+$`)

type invalidIdentError struct{ name string }

func (e invalidIdentError) Error() string {
	return fmt.Sprintf("identifier %q is not valid", e.name)
}

func quoteIdent(name string) (string, error) {
	if !identName.MatchString(name) {
		return "", invalidIdentError{name}
	}
	return `"` + name + `"`, nil
}

// query holds a built SQL statement with its bind arguments.
type query struct {
	sql  string
	args []any
}

// sortedKeys returns map keys in a stable order so generated SQL is
// deterministic.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildCreateTable(name string, columns map[string]Column) (string, error) {
	table, err := quoteIdent(name)
	if err != nil {
		return "", err
	}

	defs := make([]string, 0, len(columns))
	for _, colName := range sortedKeys(columns) {
		col := columns[colName]
		quoted, err := quoteIdent(colName)
		if err != nil {
			return "", err
		}
		def := quoted + " " + col.Type.sql()
		if col.PrimaryKey {
			def += " PRIMARY KEY"
		}
		if !col.Nullable && !col.PrimaryKey {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", ")), nil
}

func buildCreateIndex(tableName string, columns ...string) (string, error) {
	table, err := quoteIdent(tableName)
	if err != nil {
		return "", err
	}

	quoted := make([]string, 0, len(columns))
	for _, c := range columns {
		q, err := quoteIdent(c)
		if err != nil {
			return "", err
		}
		quoted = append(quoted, q)
	}

	indexName, err := quoteIdent("idx_" + strings.TrimPrefix(tableName, "$") + "_" + strings.Join(trimDollar(columns), "_"))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		indexName, table, strings.Join(quoted, ", ")), nil
}

func trimDollar(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.TrimPrefix(n, "$")
	}
	return out
}

func buildSelect(tableName string, conds Conditions, sorts []Sort) (query, error) {
	table, err := quoteIdent(tableName)
	if err != nil {
		return query{}, err
	}

	q := query{sql: "SELECT * FROM " + table}

	where, args, err := buildWhere(conds)
	if err != nil {
		return query{}, err
	}
	q.sql += where
	q.args = args

	if len(sorts) > 0 {
		clauses := make([]string, 0, len(sorts))
		for _, s := range sorts {
			col, err := quoteIdent(s.Column)
			if err != nil {
				return query{}, err
			}
			dir := " ASC"
			if s.Desc {
				dir = " DESC"
			}
			clauses = append(clauses, col+dir)
		}
		q.sql += " ORDER BY " + strings.Join(clauses, ", ")
	}

	return q, nil
}

func buildInsert(tableName string, row Row) (query, error) {
	table, err := quoteIdent(tableName)
	if err != nil {
		return query{}, err
	}

	cols := sortedKeys(row)
	quoted := make([]string, 0, len(cols))
	marks := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		q, err := quoteIdent(c)
		if err != nil {
			return query{}, err
		}
		quoted = append(quoted, q)
		marks = append(marks, "?")
		args = append(args, row[c])
	}

	return query{
		sql: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(quoted, ", "), strings.Join(marks, ", ")),
		args: args,
	}, nil
}

func buildUpdate(tableName string, conds Conditions, set Row) (query, error) {
	table, err := quoteIdent(tableName)
	if err != nil {
		return query{}, err
	}

	cols := sortedKeys(set)
	assigns := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		q, err := quoteIdent(c)
		if err != nil {
			return query{}, err
		}
		assigns = append(assigns, q+" = ?")
		args = append(args, set[c])
	}

	where, whereArgs, err := buildWhere(conds)
	if err != nil {
		return query{}, err
	}

	return query{
		sql:  fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(assigns, ", ")) + where,
		args: append(args, whereArgs...),
	}, nil
}

func buildDelete(tableName string, conds Conditions) (query, error) {
	table, err := quoteIdent(tableName)
	if err != nil {
		return query{}, err
	}

	where, args, err := buildWhere(conds)
	if err != nil {
		return query{}, err
	}

	return query{sql: "DELETE FROM " + table + where, args: args}, nil
}

func buildWhere(conds Conditions) (string, []any, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}

	clauses := make([]string, 0, len(conds))
	args := make([]any, 0, len(conds))
	for _, col := range sortedKeys(conds) {
		cond := conds[col]
		quoted, err := quoteIdent(col)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, quoted+" "+cond.Op.sql()+" ?")
		args = append(args, cond.Value)
	}

	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}
