package resolve

import (
	"errors"
	"log/slog"

	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/diag"
)

// DefaultMaxDepth bounds expression nesting during resolution.
const DefaultMaxDepth = 1000

// TriggerOp is the statement kind a trigger fires on.
type TriggerOp uint8

const (
	TriggerInsert TriggerOp = iota
	TriggerUpdate
	TriggerDelete
)

// Trigger makes the new/old pseudo-tables of a trigger body visible.
type Trigger struct {
	Op    TriggerOp
	Table *catalog.Table
}

// CursorAllocator hands out cursor numbers for FROM items.
type CursorAllocator interface {
	AllocCursor() int
}

type counter struct{ next int }

func (c *counter) AllocCursor() int {
	n := c.next
	c.next++
	return n
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTrigger resolves new.x and old.x against the trigger's table.
func WithTrigger(op TriggerOp, table *catalog.Table) Option {
	return func(r *Resolver) { r.trigger = &Trigger{Op: op, Table: table} }
}

// WithCursors sets the allocator used for unbound FROM items.
func WithCursors(c CursorAllocator) Option {
	return func(r *Resolver) { r.cursors = c }
}

// WithMaxDepth bounds expression nesting.
func WithMaxDepth(n int) Option {
	return func(r *Resolver) { r.maxDepth = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver binds names for one statement compilation.
type Resolver struct {
	funcs    *catalog.FuncRegistry
	trigger  *Trigger
	cursors  CursorAllocator
	maxDepth int
	logger   *slog.Logger

	diags  diag.List
	clause string
	depth  int

	// Trigger row columns referenced, bit per column (capped at 63).
	OldMask uint64
	NewMask uint64
}

// New creates a resolver using funcs for function lookup.
func New(funcs *catalog.FuncRegistry, opts ...Option) *Resolver {
	r := &Resolver{
		funcs:    funcs,
		cursors:  &counter{},
		maxDepth: DefaultMaxDepth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Err returns every diagnostic recorded so far, or nil.
func (r *Resolver) Err() error {
	return r.diags.Err()
}

// Diagnostics returns the recorded diagnostics.
func (r *Resolver) Diagnostics() []*diag.Error {
	return r.diags.Errors()
}

// ResolveExpr returns a resolved copy of e. Already-resolved subtrees are
// returned unchanged. The error lists the diagnostics this call recorded.
func (r *Resolver) ResolveExpr(s *Scope, e *ast.Expr) (*ast.Expr, error) {
	n := r.diags.Len()
	out := r.expr(s, e)
	return out, r.diags.Since(n)
}

func (r *Resolver) errorf(code diag.Code, format string, args ...any) {
	e := diag.Errorf(code, format, args...)
	e.Clause = r.clause
	r.diags.Add(e)
}

// tryResolve resolves e, discarding any diagnostics it produced. ok is
// false if there were some.
func (r *Resolver) tryResolve(s *Scope, e *ast.Expr) (out *ast.Expr, ok bool) {
	n := r.diags.Len()
	out = r.expr(s, e)
	if r.diags.Len() > n {
		r.diags.Truncate(n)
		return nil, false
	}
	return out, true
}

func (r *Resolver) expr(s *Scope, e *ast.Expr) *ast.Expr {
	if e == nil || e.Has(ast.FlagResolved) {
		return e
	}
	if r.depth >= r.maxDepth {
		r.errorf(diag.CodeLimit, "expression tree is too large (maximum depth %d)", r.maxDepth)
		return e
	}
	r.depth++
	defer func() { r.depth-- }()

	switch e.Op {
	case ast.OpID:
		return r.lookup(s, "", "", e)
	case ast.OpDot:
		return r.lookup(s, e.Schema, e.Table, e)
	case ast.OpFunction:
		return r.function(s, e)
	case ast.OpSelect, ast.OpExists:
		out := e.Copy()
		if r.subquery(s, e.Select) {
			out.Flags |= ast.FlagCorrelated
		}
		out.Type = inferType(out)
		out.Flags |= ast.FlagResolved
		return out
	}

	out := e.Copy()
	out.Left = r.expr(s, e.Left)
	out.Right = r.expr(s, e.Right)
	for i, x := range out.List {
		out.List[i] = r.expr(s, x)
	}
	if e.Op == ast.OpIn && e.Select != nil && r.subquery(s, e.Select) {
		out.Flags |= ast.FlagCorrelated
	}
	for _, child := range children(out) {
		if child.Has(ast.FlagAgg) {
			out.Flags |= ast.FlagAgg
		}
	}
	r.checkShape(out)
	out.Type = inferType(out)
	out.Flags |= ast.FlagResolved
	return out
}

func children(e *ast.Expr) []*ast.Expr {
	var out []*ast.Expr
	if e.Left != nil {
		out = append(out, e.Left)
	}
	if e.Right != nil {
		out = append(out, e.Right)
	}
	return append(out, e.List...)
}

// lookup binds an identifier, searching result-set aliases, then the FROM
// items, then trigger rows, ascending through enclosing scopes until
// exactly one binding is found.
func (r *Resolver) lookup(s *Scope, schema, table string, e *ast.Expr) *ast.Expr {
	name := e.Str
	for sc := s; sc != nil; sc = sc.parent {
		if table == "" && sc.results != nil {
			if i := aliasIndex(sc.results, name); i >= 0 {
				return r.aliasRef(s, sc, i, name, e)
			}
		}

		cnt, cntTab, col := 0, 0, -1
		var match *ast.SrcItem
		for _, item := range sc.src {
			if table != "" {
				if !item.Matches(schema, table) {
					continue
				}
				cntTab++
			}
			j := item.ColumnIndex(name)
			if j < 0 {
				continue
			}
			// The second copy of a NATURAL or USING column is the same column.
			if cnt == 1 && (item.Join&ast.JoinNatural != 0 || item.UsesColumn(name)) {
				continue
			}
			cnt++
			match, col = item, j
		}

		if cnt == 0 && table != "" && cntTab == 0 && r.trigger != nil {
			if out := r.triggerRef(s, sc, table, e); out != nil {
				return out
			}
		}

		switch {
		case cnt == 1:
			markRefs(s, sc)
			return columnRef(match, col, e)
		case cnt > 1:
			if table != "" {
				r.errorf(diag.CodeAmbiguous, "ambiguous column name: %s.%s", table, name)
			} else {
				r.errorf(diag.CodeAmbiguous, "ambiguous column name: %s", name)
			}
			return e
		}
	}
	if table != "" {
		r.errorf(diag.CodeUnresolved, "no such column: %s.%s", table, name)
	} else {
		r.errorf(diag.CodeUnresolved, "no such column: %s", name)
	}
	return e
}

func columnRef(item *ast.SrcItem, col int, e *ast.Expr) *ast.Expr {
	out := &ast.Expr{
		Op:     ast.OpColumn,
		Str:    item.ColumnName(col),
		Table:  item.ExposedName(),
		Cursor: item.Cursor,
		Column: col,
		Type:   item.ColumnType(col),
		Flags:  ast.FlagResolved | e.Flags&ast.FlagFromJoin,
	}
	out.JoinCursor = e.JoinCursor
	if item.ColumnNullable(col) || item.Join&ast.JoinLeft != 0 {
		out.Flags |= ast.FlagCanBeNull
	}
	bit := col
	if bit > 63 {
		bit = 63
	}
	item.ColUsed |= 1 << uint(bit)
	return out
}

func (r *Resolver) aliasRef(s, sc *Scope, i int, name string, e *ast.Expr) *ast.Expr {
	target := sc.results[i].Expr
	if target.Has(ast.FlagAgg) && !s.allows(allowAgg) {
		r.errorf(diag.CodeFunction, "misuse of aliased aggregate %s", name)
		return e
	}
	if target.VectorSize() > 1 {
		r.errorf(diag.CodeShape, "row value misused")
		return e
	}
	markRefs(s, sc)
	return resultRef(sc.results, i, ast.FlagAlias)
}

// resultRef builds a reference to result-set position i.
func resultRef(results []ast.ResultColumn, i int, extra ast.Flags) *ast.Expr {
	target := results[i].Expr
	return &ast.Expr{
		Op:     ast.OpResultRef,
		Left:   target,
		Column: i,
		Str:    results[i].Name(),
		Type:   target.Type,
		Flags:  ast.FlagResolved | extra | target.Flags&(ast.FlagAgg|ast.FlagCanBeNull),
	}
}

func aliasIndex(results []ast.ResultColumn, name string) int {
	for i, rc := range results {
		if rc.Alias != "" && catalog.SameName(rc.Alias, name) {
			return i
		}
	}
	return -1
}

func (r *Resolver) triggerRef(s, sc *Scope, table string, e *ast.Expr) *ast.Expr {
	row := -1
	switch {
	case catalog.SameName(table, "new") && r.trigger.Op != TriggerDelete:
		row = 1
	case catalog.SameName(table, "old") && r.trigger.Op != TriggerInsert:
		row = 0
	}
	if row < 0 {
		return nil
	}
	tbl := r.trigger.Table
	col := tbl.ColumnIndex(e.Str)
	if col < 0 {
		return nil
	}
	bit := col
	if bit > 63 {
		bit = 63
	}
	if row == 1 {
		r.NewMask |= 1 << uint(bit)
	} else {
		r.OldMask |= 1 << uint(bit)
	}
	markRefs(s, sc)
	out := &ast.Expr{
		Op:     ast.OpTrigger,
		Str:    tbl.Columns[col].Name,
		Cursor: row,
		Column: col,
		Type:   tbl.Columns[col].Type,
		Flags:  ast.FlagResolved,
	}
	if tbl.Columns[col].Nullable() {
		out.Flags |= ast.FlagCanBeNull
	}
	return out
}

// function validates a call and, for aggregates, finds the scope the
// aggregate belongs to: the nearest one owning a column referenced by the
// arguments.
func (r *Resolver) function(s *Scope, e *ast.Expr) *ast.Expr {
	out := e.Copy()
	fn, err := r.funcs.Lookup(e.Str, len(e.List))
	switch {
	case errors.Is(err, catalog.ErrNoSuchFunction):
		r.errorf(diag.CodeFunction, "no such function: %s", e.Str)
	case errors.Is(err, catalog.ErrWrongArity):
		r.errorf(diag.CodeFunction, "wrong number of arguments to function %s()", e.Str)
	}
	isAgg := fn != nil && fn.Aggregate
	if isAgg && !s.allows(allowAgg) {
		r.errorf(diag.CodeFunction, "misuse of aggregate function %s()", e.Str)
		isAgg = false
	}
	if e.Has(ast.FlagDistinct) && fn != nil && !fn.Aggregate {
		r.errorf(diag.CodeFunction, "DISTINCT is only allowed in aggregate functions: %s()", e.Str)
	}

	if isAgg {
		s.flags &^= allowAgg
	}
	for i, x := range out.List {
		out.List[i] = r.expr(s, x)
	}
	if isAgg {
		s.flags |= allowAgg
	}

	out.Func = fn
	if fn != nil {
		out.Type = fn.Returns
	}
	if isAgg {
		out.Flags |= ast.FlagAgg
		depth := 0
		sc := s
		for sc != nil && !usesScope(out.List, sc) {
			depth++
			sc = sc.parent
		}
		out.AggDepth = depth
		if sc != nil {
			sc.flags |= hasAgg
			if fn.MinMax {
				sc.flags |= minMaxAgg
			}
		}
	} else {
		for _, x := range out.List {
			if x.Has(ast.FlagAgg) {
				out.Flags |= ast.FlagAgg
			}
		}
	}
	out.Flags |= ast.FlagResolved
	return out
}

// usesScope reports whether the arguments reference a column of sc, or
// reference no column at all.
func usesScope(args []*ast.Expr, sc *Scope) bool {
	this, other := 0, 0
	for _, a := range args {
		ast.Walk(a, func(x *ast.Expr) bool {
			if x.Op == ast.OpColumn {
				if sc.owns(x.Cursor) {
					this++
				} else {
					other++
				}
			}
			return true
		})
	}
	return this > 0 || other == 0
}

// subquery resolves a nested statement and reports whether it referred to
// the enclosing scopes.
func (r *Resolver) subquery(s *Scope, sel *ast.Select) bool {
	if sel == nil {
		return false
	}
	before := s.refs
	clause := r.clause
	r.selectStmt(s, sel)
	r.clause = clause
	if s.refs == before {
		return false
	}
	s.flags |= varSelect
	sel.Flags |= ast.SelectCorrelated
	r.logger.Debug("correlated subquery", "clause", r.clause, "refs", s.refs-before)
	return true
}

// checkShape verifies row-value arity for comparisons, BETWEEN and IN and
// rejects row values where a scalar is required.
func (r *Resolver) checkShape(e *ast.Expr) {
	switch {
	case e.Op.IsComparison():
		if e.Left == nil || e.Right == nil {
			return
		}
		if l, rr := e.Left.VectorSize(), e.Right.VectorSize(); l != rr {
			r.errorf(diag.CodeShape, "unequal number of entries in row expression: left side %d, right side %d", l, rr)
		}
	case e.Op == ast.OpBetween && e.Left != nil:
		l := e.Left.VectorSize()
		for _, bound := range e.List {
			if n := bound.VectorSize(); n != l {
				r.errorf(diag.CodeShape, "unequal number of entries in row expression: left side %d, right side %d", l, n)
				return
			}
		}
	case e.Op == ast.OpIn && e.Left != nil:
		l := e.Left.VectorSize()
		if e.Select != nil {
			if n := len(e.Select.Results); n != l {
				r.errorf(diag.CodeShape, "sub-select returns %d columns - expected %d", n, l)
			}
			return
		}
		for _, x := range e.List {
			if n := x.VectorSize(); n != l {
				r.errorf(diag.CodeShape, "unequal number of entries in row expression: left side %d, right side %d", l, n)
				return
			}
		}
	case e.Op.IsArithmetic(), e.Op == ast.OpNot, e.Op == ast.OpNegative, e.Op == ast.OpBitNot,
		e.Op == ast.OpIsNull, e.Op == ast.OpNotNull, e.Op == ast.OpLike, e.Op == ast.OpAnd, e.Op == ast.OpOr:
		for _, child := range children(e) {
			if child.VectorSize() > 1 {
				r.errorf(diag.CodeShape, "row value misused")
				return
			}
		}
	}
}

func inferType(e *ast.Expr) catalog.FieldType {
	switch e.Op {
	case ast.OpInteger:
		return catalog.TypeInteger
	case ast.OpFloat:
		return catalog.TypeDouble
	case ast.OpString:
		return catalog.TypeString
	case ast.OpNot, ast.OpIsNull, ast.OpNotNull, ast.OpAnd, ast.OpOr, ast.OpLike,
		ast.OpBetween, ast.OpIn, ast.OpExists,
		ast.OpEq, ast.OpNe, ast.OpLt, ast.OpLe, ast.OpGt, ast.OpGe, ast.OpIs, ast.OpIsNot:
		return catalog.TypeBoolean
	case ast.OpPlus, ast.OpMinus, ast.OpMultiply, ast.OpDivide, ast.OpRemainder:
		if e.Left.Type == catalog.TypeInteger && e.Right.Type == catalog.TypeInteger {
			return catalog.TypeInteger
		}
		return catalog.TypeNumber
	case ast.OpConcat:
		return catalog.TypeString
	case ast.OpBitNot:
		return catalog.TypeInteger
	case ast.OpNegative, ast.OpCollate:
		return e.Left.Type
	case ast.OpCase:
		if len(e.List) > 1 {
			return e.List[1].Type
		}
	case ast.OpSelect:
		if e.Select != nil && len(e.Select.Results) > 0 {
			return e.Select.Results[0].Expr.Type
		}
	case ast.OpCast:
		return e.Type
	}
	return catalog.TypeAny
}
