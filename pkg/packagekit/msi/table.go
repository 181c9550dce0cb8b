package msi

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	maxTableName  = 31
	maxColumnName = 32
	maxColumns    = 32
)

// ValidationError describes a value or schema rejected by the package.
// Row is the 1-based position of the offending row, or 0 when the error
// is not about a particular row.
type ValidationError struct {
	Table  string
	Column string
	Row    int
	Reason string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("msi: table ")
	b.WriteString(e.Table)
	if e.Column != "" {
		fmt.Fprintf(&b, ", column %s", e.Column)
	}
	if e.Row > 0 {
		fmt.Fprintf(&b, ", row %d", e.Row)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Table is a typed relation. Rows are kept in insertion order.
type Table struct {
	name    string
	columns []Column
	rows    [][]Value
	keys    map[string]int
}

func newTable(name string, columns []Column) (*Table, error) {
	invalid := func(column, reason string) error {
		return &ValidationError{Table: name, Column: column, Reason: reason}
	}

	if name == "" || len(name) > maxTableName || !identifierRe.MatchString(name) {
		return nil, invalid("", fmt.Sprintf("%q is not a valid table name", name))
	}
	if len(columns) == 0 || len(columns) > maxColumns {
		return nil, invalid("", fmt.Sprintf("tables need 1 to %d columns, got %d", maxColumns, len(columns)))
	}

	seen := make(map[string]bool, len(columns))
	keysDone := false
	hasKey := false
	for _, c := range columns {
		if c.name == "" || len(c.name) > maxColumnName || !identifierRe.MatchString(c.name) {
			return nil, invalid(c.name, "invalid column name")
		}
		if seen[c.name] {
			return nil, invalid(c.name, "duplicate column")
		}
		seen[c.name] = true

		if c.primaryKey {
			if keysDone {
				return nil, invalid(c.name, "primary key columns must come first")
			}
			if c.kind == kindBinary {
				return nil, invalid(c.name, "binary columns cannot be primary keys")
			}
			hasKey = true
		} else {
			keysDone = true
		}

		if c.keyTable != "" && c.keyColumn < 1 {
			return nil, invalid(c.name, "foreign key column index is 1-based")
		}
	}
	if !hasKey {
		return nil, invalid("", "at least one primary key column is required")
	}

	return &Table{
		name:    name,
		columns: append([]Column(nil), columns...),
		keys:    make(map[string]int),
	}, nil
}

func (t *Table) Name() string { return t.name }

func (t *Table) Columns() []Column {
	return append([]Column(nil), t.columns...)
}

func (t *Table) Len() int { return len(t.rows) }

// Rows returns a copy of the rows in insertion order.
func (t *Table) Rows() [][]Value {
	out := make([][]Value, len(t.rows))
	for i, r := range t.rows {
		out[i] = append([]Value(nil), r...)
	}
	return out
}

// ColumnIndex returns the 0-based position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.columns {
		if c.name == name {
			return i
		}
	}
	return -1
}

// Get returns the row whose primary key matches key.
func (t *Table) Get(key ...Value) ([]Value, bool) {
	idx, ok := t.keys[t.keyOf(key)]
	if !ok {
		return nil, false
	}
	return append([]Value(nil), t.rows[idx]...), true
}

func (t *Table) primaryKeys() []Column {
	var keys []Column
	for _, c := range t.columns {
		if c.primaryKey {
			keys = append(keys, c)
		}
	}
	return keys
}

func (t *Table) keyOf(values []Value) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.key()
	}
	return strings.Join(parts, "\x00")
}

func (t *Table) insert(row []Value) error {
	rowNum := len(t.rows) + 1
	if len(row) != len(t.columns) {
		return &ValidationError{
			Table:  t.name,
			Row:    rowNum,
			Reason: fmt.Sprintf("row has %d values, table has %d columns", len(row), len(t.columns)),
		}
	}

	for i, c := range t.columns {
		if reason := c.check(row[i]); reason != "" {
			return &ValidationError{Table: t.name, Column: c.name, Row: rowNum, Reason: reason}
		}
	}

	key := t.keyOf(row[:len(t.primaryKeys())])
	if prev, ok := t.keys[key]; ok {
		return &ValidationError{
			Table:  t.name,
			Row:    rowNum,
			Reason: fmt.Sprintf("duplicate primary key, first used by row %d", prev+1),
		}
	}

	t.keys[key] = len(t.rows)
	t.rows = append(t.rows, append([]Value(nil), row...))
	return nil
}

// Insert collects rows for a single table. Build one with InsertInto and
// hand it to Package.InsertRows.
type Insert struct {
	table string
	rows  [][]Value
}

func InsertInto(table string) *Insert {
	return &Insert{table: table}
}

func (i *Insert) Row(values ...Value) *Insert {
	i.rows = append(i.rows, values)
	return i
}

func (i *Insert) Rows(rows [][]Value) *Insert {
	i.rows = append(i.rows, rows...)
	return i
}

func (i *Insert) Len() int { return len(i.rows) }

var errNoTable = errors.New("no such table")
