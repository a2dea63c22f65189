package resolve

import (
	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/diag"
)

// ResolveSelect resolves sel, and every select chained to it by a
// compound operator, inside the enclosing scope outer (nil at top level).
// FROM items without a cursor get one from the configured allocator.
func (r *Resolver) ResolveSelect(outer *Scope, sel *ast.Select) error {
	n := r.diags.Len()
	r.selectStmt(outer, sel)
	return r.diags.Since(n)
}

func (r *Resolver) selectStmt(outer *Scope, sel *ast.Select) {
	if sel.Flags&ast.SelectResolved != 0 {
		return
	}
	compound := sel.Prior != nil
	for p := sel; p != nil; p = p.Prior {
		// A compound ORDER BY belongs to the whole chain and is matched
		// against the result columns once every branch is resolved.
		r.selectOne(outer, p, p == sel && !compound)
	}
	if !compound {
		return
	}
	for p := sel; p.Prior != nil; p = p.Prior {
		if len(p.Results) != len(p.Prior.Results) {
			r.clause = ""
			r.errorf(diag.CodeShape, "SELECTs to the left and right of %s do not have the same number of result columns", p.Op)
		}
	}
	r.compoundOrderBy(sel)
}

func (r *Resolver) selectOne(outer *Scope, sel *ast.Select, ownOrderBy bool) {
	sel.Flags |= ast.SelectResolved
	r.logger.Debug("resolving select", "from", len(sel.From), "results", len(sel.Results))

	empty := NewScope(nil, nil)
	r.clause = "LIMIT"
	sel.Limit = r.expr(empty, sel.Limit)
	r.clause = "OFFSET"
	sel.Offset = r.expr(empty, sel.Offset)

	for _, item := range sel.From {
		if item.Cursor < 0 {
			item.Cursor = r.cursors.AllocCursor()
		}
		if item.Subquery == nil {
			continue
		}
		before := 0
		if outer != nil {
			before = outer.refs
		}
		clause := r.clause
		r.selectStmt(outer, item.Subquery)
		r.clause = clause
		if outer != nil && outer.refs != before {
			item.Correlated = true
			item.Subquery.Flags |= ast.SelectCorrelated
		}
	}

	sc := NewScope(sel.From, outer)
	sc.flags |= allowAgg
	r.clause = "SELECT"
	allAgg := true // every result column is constant or aggregate
	for i := range sel.Results {
		sel.Results[i].Expr = r.expr(sc, sel.Results[i].Expr)
		allAgg = allAgg && aggregateOnly(sel.Results[i].Expr)
	}
	aggregate := len(sel.GroupBy) > 0 || sel.Having != nil || sc.HasAggregate()
	if !aggregate {
		sc.flags &^= allowAgg
	}

	r.clause = "ON"
	allow := sc.flags & allowAgg
	sc.flags &^= allowAgg
	for _, item := range sel.From {
		item.On = r.expr(sc, item.On)
	}

	sc.results = sel.Results

	r.clause = "WHERE"
	sel.Where = r.expr(sc, sel.Where)
	sc.flags |= allow

	r.clause = "HAVING"
	sel.Having = r.expr(sc, sel.Having)
	if sel.Having != nil && len(sel.GroupBy) == 0 {
		if !allAgg || !sc.HasAggregate() || !aggregateOnly(sel.Having) {
			r.errorf(diag.CodeFunction, "HAVING argument must appear in the GROUP BY clause or be used in an aggregate function")
		} else {
			// An aggregate without GROUP BY yields a single row, whatever
			// LIMIT was given.
			sel.Limit = resolvedInt(1)
		}
	}

	// GROUP BY and ORDER BY may not refer to enclosing queries.
	orderScope := NewScope(sel.From, nil)
	orderScope.results = sel.Results
	orderScope.flags |= allowAgg

	r.clause = "GROUP BY"
	r.orderGroupBy(orderScope, sel, sel.GroupBy, "GROUP")
	for _, t := range sel.GroupBy {
		if t.Expr.Has(ast.FlagAgg) {
			r.errorf(diag.CodeFunction, "aggregate functions are not allowed in the GROUP BY clause")
			break
		}
	}

	if ownOrderBy {
		r.clause = "ORDER BY"
		r.orderGroupBy(orderScope, sel, sel.OrderBy, "ORDER")
	}
	r.clause = ""

	if aggregate || orderScope.HasAggregate() {
		sel.Flags |= ast.SelectAggregate
	}
	if sc.allows(minMaxAgg) || orderScope.allows(minMaxAgg) {
		sel.Flags |= ast.SelectMinMaxAgg
	}
}

func resolvedInt(v int64) *ast.Expr {
	e := ast.Int(v)
	e.Type = inferType(e)
	e.Flags |= ast.FlagResolved
	return e
}

// aggregateOnly reports whether every column reference in e appears
// inside an aggregate call.
func aggregateOnly(e *ast.Expr) bool {
	ok := true
	ast.Walk(e, func(x *ast.Expr) bool {
		switch {
		case x.Op == ast.OpFunction && x.Func != nil && x.Func.Aggregate:
			return false
		case x.Op == ast.OpColumn:
			ok = false
		case x.Op == ast.OpResultRef:
			if !aggregateOnly(x.Left) {
				ok = false
			}
		}
		return ok
	})
	return ok
}
