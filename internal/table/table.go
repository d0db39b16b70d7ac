// Package table holds named, column-typed, row-ordered result sets and the store
// simulations write them to.
package table

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/simctl/internal/modelgraph"
)

var (
	ErrTableNotFound  = errors.New("table: not found")
	ErrUnknownColumn  = errors.New("table: unknown column")
	ErrColumnMismatch = errors.New("table: column mismatch")
	ErrRowWidth       = errors.New("table: row width does not match columns")
	ErrCellType       = errors.New("table: cell type does not match column")
)

type ColumnType uint8

const (
	TypeAny ColumnType = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeTime
)

func (c ColumnType) String() string {
	switch c {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeTime:
		return "time"
	default:
		return "any"
	}
}

// ParseColumnType maps a type name to a ColumnType; unknown names map to TypeAny.
func ParseColumnType(s string) ColumnType {
	switch s {
	case "bool":
		return TypeBool
	case "int", "int64", "integer":
		return TypeInt
	case "float", "float64", "double":
		return TypeFloat
	case "string", "text":
		return TypeString
	case "time", "date", "datetime":
		return TypeTime
	default:
		return TypeAny
	}
}

// Accepts reports whether v may be stored in a column of type c. Nil is always accepted.
func (c ColumnType) Accepts(v any) bool {
	if v == nil || c == TypeAny {
		return true
	}
	switch modelgraph.Canonical(v).(type) {
	case bool:
		return c == TypeBool
	case int64:
		return c == TypeInt || c == TypeFloat
	case float64:
		return c == TypeFloat
	case string:
		return c == TypeString
	case time.Time:
		return c == TypeTime
	default:
		return false
	}
}

type Column struct {
	Name string
	Type ColumnType
}

// Table is a tabular result set.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]any
}

func New(name string, columns ...Column) *Table {
	return &Table{Name: name, Columns: columns}
}

// AddRow appends one row; cells are canonicalized and checked against the column types.
func (t *Table) AddRow(cells ...any) error {
	if len(cells) != len(t.Columns) {
		return fmt.Errorf("%w: got %d cells for %d columns", ErrRowWidth, len(cells), len(t.Columns))
	}
	row := make([]any, len(cells))
	for i, c := range cells {
		if !t.Columns[i].Type.Accepts(c) {
			return fmt.Errorf("%w: column %s (%s) got %s", ErrCellType, t.Columns[i].Name, t.Columns[i].Type, modelgraph.KindOf(c))
		}
		v := modelgraph.Canonical(c)
		if i64, ok := v.(int64); ok && t.Columns[i].Type == TypeFloat {
			v = float64(i64)
		}
		row[i] = v
	}
	t.Rows = append(t.Rows, row)
	return nil
}

func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Project returns a copy of t restricted to names, in the order given. Empty names keeps every column.
func (t *Table) Project(names []string) (*Table, error) {
	if len(names) == 0 {
		return t.Clone(), nil
	}
	idx := make([]int, len(names))
	cols := make([]Column, len(names))
	for i, n := range names {
		j := t.ColumnIndex(n)
		if j < 0 {
			return nil, fmt.Errorf("%w: %q in table %q", ErrUnknownColumn, n, t.Name)
		}
		idx[i] = j
		cols[i] = t.Columns[j]
	}
	out := &Table{Name: t.Name, Columns: cols, Rows: make([][]any, len(t.Rows))}
	for r, row := range t.Rows {
		nr := make([]any, len(idx))
		for i, j := range idx {
			nr[i] = row[j]
		}
		out.Rows[r] = nr
	}
	return out, nil
}

func (t *Table) Clone() *Table {
	out := &Table{Name: t.Name, Columns: append([]Column(nil), t.Columns...)}
	if len(t.Rows) > 0 {
		out.Rows = make([][]any, len(t.Rows))
		for i, r := range t.Rows {
			out.Rows[i] = append([]any(nil), r...)
		}
	}
	return out
}

func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Name != o.Name || len(t.Columns) != len(o.Columns) || len(t.Rows) != len(o.Rows) {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != o.Columns[i] {
			return false
		}
	}
	for i := range t.Rows {
		if len(t.Rows[i]) != len(o.Rows[i]) {
			return false
		}
		for j := range t.Rows[i] {
			if !modelgraph.ValuesEqual(t.Rows[i][j], o.Rows[i][j]) {
				return false
			}
		}
	}
	return true
}
