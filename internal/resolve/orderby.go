package resolve

import (
	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/diag"
)

// orderGroupBy resolves GROUP BY or ORDER BY terms of a simple select. A
// positive integer names a result column by position; an ORDER BY term
// naming a result alias refers to that column. Any other term is
// resolved and, if it equals a result expression, replaced by a
// reference to it.
func (r *Resolver) orderGroupBy(s *Scope, sel *ast.Select, terms []ast.OrderTerm, kind string) {
	for i := range terms {
		t := &terms[i]
		base := ast.SkipCollate(t.Expr)
		if base == nil {
			continue
		}
		if base.Op == ast.OpInteger {
			r.byPosition(sel.Results, t, i, kind)
			continue
		}
		if kind == "ORDER" && base.Op == ast.OpID {
			if j := aliasIndex(sel.Results, base.Str); j >= 0 {
				t.ResultCol = j + 1
				t.Expr = replaceBase(t.Expr, resultRef(sel.Results, j, ast.FlagAlias))
				continue
			}
		}
		resolved := r.expr(s, t.Expr)
		t.Expr = resolved
		if j := matchResult(sel.Results, ast.SkipCollate(resolved)); j >= 0 {
			t.ResultCol = j + 1
			t.Expr = replaceBase(resolved, resultRef(sel.Results, j, 0))
		}
	}
}

func (r *Resolver) byPosition(results []ast.ResultColumn, t *ast.OrderTerm, i int, kind string) {
	v := ast.SkipCollate(t.Expr).Int
	if v < 1 || v > int64(len(results)) {
		clause := r.clause
		r.clause = ""
		r.errorf(diag.CodeShape, "Error at %s BY in place %d: term out of range - should be between 1 and %d", kind, i+1, len(results))
		r.clause = clause
		return
	}
	t.ResultCol = int(v)
	t.Expr = replaceBase(t.Expr, resultRef(results, int(v)-1, 0))
}

// compoundOrderBy matches the ORDER BY of a compound select against the
// branches from left to right. Matched terms refer to the left-most
// branch's result columns, which name the compound's output.
func (r *Resolver) compoundOrderBy(sel *ast.Select) {
	if len(sel.OrderBy) == 0 {
		return
	}
	var chain []*ast.Select
	for p := sel; p != nil; p = p.Prior {
		chain = append([]*ast.Select{p}, chain...)
	}
	leftmost := chain[0]
	clause := r.clause
	r.clause = ""
	defer func() { r.clause = clause }()

	for i := range sel.OrderBy {
		t := &sel.OrderBy[i]
		if base := ast.SkipCollate(t.Expr); base != nil && base.Op == ast.OpInteger {
			r.byPosition(leftmost.Results, t, i, "ORDER")
		}
	}
	for _, p := range chain {
		s := NewScope(p.From, nil)
		s.results = p.Results
		s.flags |= allowAgg
		for i := range sel.OrderBy {
			t := &sel.OrderBy[i]
			if t.ResultCol > 0 {
				continue
			}
			base := ast.SkipCollate(t.Expr)
			if base == nil || base.Op == ast.OpInteger {
				continue
			}
			j := -1
			if base.Op == ast.OpID {
				j = aliasIndex(p.Results, base.Str)
			}
			if j < 0 {
				resolved, ok := r.tryResolve(s, base)
				if !ok {
					continue
				}
				j = matchResult(p.Results, resolved)
			}
			if j < 0 {
				continue
			}
			t.ResultCol = j + 1
			t.Expr = replaceBase(t.Expr, resultRef(leftmost.Results, j, 0))
		}
	}
	for i, t := range sel.OrderBy {
		if t.ResultCol == 0 && ast.SkipCollate(t.Expr).Op != ast.OpInteger {
			r.errorf(diag.CodeUnresolved, "Error at ORDER BY in place %d: term does not match any column in the result set", i+1)
		}
	}
}

func matchResult(results []ast.ResultColumn, e *ast.Expr) int {
	for j, rc := range results {
		if ast.Equal(ast.SkipCollate(rc.Expr), e) {
			return j
		}
	}
	return -1
}

// replaceBase substitutes ref for the expression under any COLLATE
// wrappers of e, keeping the wrappers.
func replaceBase(e, ref *ast.Expr) *ast.Expr {
	if e == nil || e.Op != ast.OpCollate {
		return ref
	}
	out := e.Copy()
	out.Left = replaceBase(e.Left, ref)
	out.Flags |= ast.FlagResolved
	out.Type = ref.Type
	return out
}
