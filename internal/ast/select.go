package ast

import "github.com/roach88/qplan/internal/catalog"

// JoinType describes how a FROM item joins the item to its left.
type JoinType uint8

const (
	JoinInner JoinType = 0
	JoinLeft  JoinType = 1 << iota
	JoinNatural
	JoinCross
)

// SrcItem is one source-table slot of a FROM clause.
type SrcItem struct {
	Name     string
	Alias    string
	Schema   string
	Table    *catalog.Table
	Subquery *Select

	Cursor int // -1 until assigned
	Join   JoinType
	On     *Expr
	Using  []string

	ColUsed    uint64
	Correlated bool

	// Coroutine subqueries are driven by a prepared sub-program: RegReturn
	// is the yield register, AddrFill the sub-program's entry and
	// RegResult the first register of each yielded row.
	Coroutine bool
	RegReturn int
	AddrFill  int
	RegResult int
	// SingleRow marks a pseudo-table that yields exactly one row.
	SingleRow bool
}

// NewTable creates an unbound slot over t.
func NewTable(t *catalog.Table, alias string) *SrcItem {
	return &SrcItem{Name: t.Name, Alias: alias, Table: t, Cursor: -1}
}

// NewSubquery creates an unbound slot over a FROM-clause subquery.
func NewSubquery(sel *Select, alias string) *SrcItem {
	return &SrcItem{Alias: alias, Subquery: sel, Cursor: -1}
}

// ExposedName is the name qualified references use.
func (s *SrcItem) ExposedName() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.Name
}

// Matches reports whether the qualifier schema.table names this slot.
func (s *SrcItem) Matches(schema, table string) bool {
	if schema != "" && s.Schema != "" && !catalog.SameName(schema, s.Schema) {
		return false
	}
	if s.Alias != "" {
		return catalog.SameName(s.Alias, table)
	}
	return catalog.SameName(s.Name, table)
}

// ColumnCount is the number of columns the slot exposes.
func (s *SrcItem) ColumnCount() int {
	if s.Subquery != nil {
		return len(s.Subquery.Results)
	}
	if s.Table != nil {
		return len(s.Table.Columns)
	}
	return 0
}

// ColumnName returns the name of exposed column i.
func (s *SrcItem) ColumnName(i int) string {
	if s.Subquery != nil {
		return s.Subquery.Results[i].Name()
	}
	return s.Table.Columns[i].Name
}

// ColumnIndex returns the exposed column with the given name, or -1.
func (s *SrcItem) ColumnIndex(name string) int {
	for i, n := 0, s.ColumnCount(); i < n; i++ {
		if catalog.SameName(s.ColumnName(i), name) {
			return i
		}
	}
	return -1
}

// ColumnType returns the declared or inferred type of column i.
func (s *SrcItem) ColumnType(i int) catalog.FieldType {
	if s.Subquery != nil {
		return s.Subquery.Results[i].Expr.Type
	}
	return s.Table.Columns[i].Type
}

// ColumnNullable reports whether column i may hold NULL.
func (s *SrcItem) ColumnNullable(i int) bool {
	if s.Subquery != nil {
		return true
	}
	return s.Table.Columns[i].Nullable()
}

// UsesColumn reports whether name appears in the USING list.
func (s *SrcItem) UsesColumn(name string) bool {
	for _, u := range s.Using {
		if catalog.SameName(u, name) {
			return true
		}
	}
	return false
}

// ResultColumn is one entry of a result set.
type ResultColumn struct {
	Expr  *Expr
	Alias string
}

// Name is the alias, the column name of a bare reference, or the
// expression text.
func (rc ResultColumn) Name() string {
	if rc.Alias != "" {
		return rc.Alias
	}
	e := SkipCollate(rc.Expr)
	switch e.Op {
	case OpID, OpDot, OpColumn:
		return e.Str
	}
	return e.String()
}

// OrderTerm is one ORDER BY or GROUP BY entry. ResultCol is the 1-based
// result-set position the term was matched to, or 0.
type OrderTerm struct {
	Expr      *Expr
	Desc      bool
	ResultCol int
}

// CompoundOp joins a select to the one on its left.
type CompoundOp uint8

const (
	CompoundNone CompoundOp = iota
	CompoundUnion
	CompoundUnionAll
	CompoundIntersect
	CompoundExcept
)

func (op CompoundOp) String() string {
	switch op {
	case CompoundUnion:
		return "UNION"
	case CompoundUnionAll:
		return "UNION ALL"
	case CompoundIntersect:
		return "INTERSECT"
	case CompoundExcept:
		return "EXCEPT"
	}
	return ""
}

// SelectFlags are statement properties set by the resolver.
type SelectFlags uint8

const (
	SelectResolved SelectFlags = 1 << iota
	SelectAggregate
	SelectMinMaxAgg
	SelectCorrelated
)

// Select is one SELECT. A compound select is a chain through Prior, with
// the right-most select at the head holding ORDER BY and LIMIT.
type Select struct {
	Results  []ResultColumn
	From     []*SrcItem
	Where    *Expr
	GroupBy  []OrderTerm
	Having   *Expr
	OrderBy  []OrderTerm
	Limit    *Expr
	Offset   *Expr
	Distinct bool

	Prior *Select
	Op    CompoundOp

	Flags SelectFlags
}

// Leftmost returns the first select of a compound chain.
func (s *Select) Leftmost() *Select {
	for s.Prior != nil {
		s = s.Prior
	}
	return s
}
