package catalog

import (
	"errors"
	"fmt"
)

// Column is one column of a table.
type Column struct {
	Name      string
	Type      FieldType
	NotNull   bool
	Collation string
}

// Nullable reports whether the column may hold NULL.
func (c *Column) Nullable() bool {
	return !c.NotNull
}

// IndexPart is one key part of an index.
type IndexPart struct {
	Column int // position in Table.Columns
	Desc   bool
}

// Index is an ordered access path over a table. The index with ID 0 is
// the primary key and stores the rows themselves.
type Index struct {
	Name   string
	ID     int
	Table  *Table
	Parts  []IndexPart
	Unique bool
}

// IsPrimary reports whether the index is the table's primary storage.
func (ix *Index) IsPrimary() bool {
	return ix.ID == 0
}

// PartColumn returns the table column of key part i.
func (ix *Index) PartColumn(i int) *Column {
	return &ix.Table.Columns[ix.Parts[i].Column]
}

// Position returns the key part holding table column col, or -1.
func (ix *Index) Position(col int) int {
	for i, part := range ix.Parts {
		if part.Column == col {
			return i
		}
	}
	return -1
}

// Record returns the table columns of an index entry in order: the key
// parts followed by the primary-key columns the key does not hold.
func (ix *Index) Record() []int {
	out := make([]int, 0, len(ix.Parts))
	for _, part := range ix.Parts {
		out = append(out, part.Column)
	}
	if ix.IsPrimary() || ix.Table == nil {
		return out
	}
	if pk := ix.Table.PrimaryKey(); pk != nil {
		for _, part := range pk.Parts {
			if ix.Position(part.Column) < 0 {
				out = append(out, part.Column)
			}
		}
	}
	return out
}

// RecordPosition returns where table column col sits in an index entry,
// or -1 if the entry does not hold it.
func (ix *Index) RecordPosition(col int) int {
	for i, c := range ix.Record() {
		if c == col {
			return i
		}
	}
	return -1
}

// Table is a stored table (a space).
type Table struct {
	Name    string
	Columns []Column
	Indexes []*Index // Indexes[0] is the primary key
}

// ColumnIndex returns the position of the named column or -1.
func (t *Table) ColumnIndex(name string) int {
	for i := range t.Columns {
		if SameName(t.Columns[i].Name, name) {
			return i
		}
	}
	return -1
}

// PrimaryKey returns the primary index, or nil if the table has none.
func (t *Table) PrimaryKey() *Index {
	if len(t.Indexes) == 0 {
		return nil
	}
	return t.Indexes[0]
}

// Index returns the named index or nil.
func (t *Table) Index(name string) *Index {
	for _, ix := range t.Indexes {
		if SameName(ix.Name, name) {
			return ix
		}
	}
	return nil
}

// ErrDuplicateTable is returned by Schema.AddTable for a name already in use.
var ErrDuplicateTable = errors.New("duplicate table")

// Schema is the set of tables and functions visible to a statement.
type Schema struct {
	tables map[string]*Table
	order  []*Table
	funcs  *FuncRegistry
}

// NewSchema creates an empty schema with the builtin functions.
func NewSchema() *Schema {
	return &Schema{
		tables: make(map[string]*Table),
		funcs:  Builtins(),
	}
}

// AddTable registers t. Index IDs are assigned by position and each
// index is linked back to t. A table without indexes gets a primary key
// over its first column.
func (s *Schema) AddTable(t *Table) error {
	key := FoldName(t.Name)
	if _, ok := s.tables[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTable, t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}
	if len(t.Indexes) == 0 {
		t.Indexes = []*Index{{Name: "pk_" + t.Name, Parts: []IndexPart{{Column: 0}}, Unique: true}}
	}
	for i, ix := range t.Indexes {
		ix.ID = i
		ix.Table = t
		for _, part := range ix.Parts {
			if part.Column < 0 || part.Column >= len(t.Columns) {
				return fmt.Errorf("index %s references column %d outside table %s", ix.Name, part.Column, t.Name)
			}
		}
	}
	s.tables[key] = t
	s.order = append(s.order, t)
	return nil
}

// Table looks up a table by name.
func (s *Schema) Table(name string) (*Table, bool) {
	t, ok := s.tables[FoldName(name)]
	return t, ok
}

// Tables returns the tables in registration order.
func (s *Schema) Tables() []*Table {
	return s.order
}

// Funcs returns the function registry.
func (s *Schema) Funcs() *FuncRegistry {
	return s.funcs
}
