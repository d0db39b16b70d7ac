package table

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Store answers table queries against recorded simulation output.
type Store interface {
	GetTable(ctx context.Context, name string, columns []string) (*Table, error)
}

// MemoryStore is an in-process Store safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*Table)}
}

// PutTable stores a copy of t, replacing any table with the same name.
func (s *MemoryStore) PutTable(t *Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[t.Name] = t.Clone()
}

// AppendRows appends t's rows to the stored table of the same name, creating it when absent.
// Columns must match the stored table exactly.
func (s *MemoryStore) AppendRows(t *Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tables[t.Name]
	if !ok {
		s.tables[t.Name] = t.Clone()
		return nil
	}
	if !slices.Equal(cur.Columns, t.Columns) {
		return fmt.Errorf("%w: table %q", ErrColumnMismatch, t.Name)
	}
	for _, r := range t.Rows {
		cur.Rows = append(cur.Rows, append([]any(nil), r...))
	}
	return nil
}

// DeleteRows removes every row whose column holds one of values, across all
// stored tables. Tables without the column are untouched. It returns the number
// of rows removed.
func (s *MemoryStore) DeleteRows(column string, values []string) int {
	if len(values) == 0 {
		return 0
	}
	drop := make(map[string]bool, len(values))
	for _, v := range values {
		drop[v] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, t := range s.tables {
		idx := t.ColumnIndex(column)
		if idx < 0 {
			continue
		}
		kept := t.Rows[:0]
		for _, row := range t.Rows {
			if v, ok := cellAt(row, idx).(string); ok && drop[v] {
				removed++
				continue
			}
			kept = append(kept, row)
		}
		clear(t.Rows[len(kept):])
		t.Rows = kept
	}
	return removed
}

// Drop removes a table. It reports whether the table existed.
func (s *MemoryStore) Drop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[name]
	delete(s.tables, name)
	return ok
}

func (s *MemoryStore) GetTable(ctx context.Context, name string, columns []string) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTableNotFound, name)
	}
	return t.Project(columns)
}

// Tables lists stored table names in ascending order.
func (s *MemoryStore) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func cellAt(row []any, i int) any {
	if i < len(row) {
		return row[i]
	}
	return nil
}
