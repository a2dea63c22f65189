package compile

import (
	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/codegen"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/where"
)

// clauseFor analyzes the WHERE clause of a resolved SELECT together with
// its join constraints. ON clauses of inner joins are plain WHERE terms;
// those of LEFT JOINs, and the equalities implied by USING and NATURAL,
// stay attached to their join.
func clauseFor(p *codegen.Parse, sel *ast.Select) (*where.Clause, error) {
	ms, err := where.NewMaskSet()
	if err != nil {
		return nil, err
	}
	exprs := []*ast.Expr{sel.Where}
	for i, item := range sel.From {
		if err := ms.Add(item.Cursor); err != nil {
			return nil, err
		}
		if i == 0 {
			continue
		}
		left := item.Join&ast.JoinLeft != 0
		if item.On != nil {
			on := item.On
			if left {
				on = attach(on, item.Cursor)
			}
			exprs = append(exprs, on)
		}
		using, err := usingTerms(sel.From[:i], item)
		if err != nil {
			return nil, err
		}
		for _, e := range using {
			if left {
				e = attach(e, item.Cursor)
			}
			exprs = append(exprs, e)
		}
	}
	return where.NewClause(p, ms, exprs...)
}

// attach marks e as a constraint of the LEFT JOIN on cursor.
func attach(e *ast.Expr, cursor int) *ast.Expr {
	out := e.Copy()
	out.Flags |= ast.FlagFromJoin
	out.JoinCursor = cursor
	return out
}

// usingTerms returns left.col = item.col for every column item shares
// with an item to its left through USING or NATURAL.
func usingTerms(left []*ast.SrcItem, item *ast.SrcItem) ([]*ast.Expr, error) {
	names := item.Using
	if item.Join&ast.JoinNatural != 0 {
		names = nil
		for j := 0; j < item.ColumnCount(); j++ {
			name := item.ColumnName(j)
			if l, _ := findColumn(left, name); l != nil {
				names = append(names, name)
			}
		}
	}
	var out []*ast.Expr
	for _, name := range names {
		l, lcol := findColumn(left, name)
		rcol := item.ColumnIndex(name)
		if l == nil || rcol < 0 {
			return nil, diag.Errorf(diag.CodeUnresolved,
				"cannot join using column %s - column not present in both tables", name)
		}
		e := ast.Binary(ast.OpEq, columnExpr(l, lcol), columnExpr(item, rcol))
		e.Flags |= ast.FlagResolved
		out = append(out, e)
	}
	return out, nil
}

func findColumn(items []*ast.SrcItem, name string) (*ast.SrcItem, int) {
	for _, item := range items {
		if j := item.ColumnIndex(name); j >= 0 {
			return item, j
		}
	}
	return nil, -1
}

func columnExpr(item *ast.SrcItem, col int) *ast.Expr {
	e := &ast.Expr{
		Op:     ast.OpColumn,
		Str:    item.ColumnName(col),
		Table:  item.ExposedName(),
		Cursor: item.Cursor,
		Column: col,
		Type:   item.ColumnType(col),
		Flags:  ast.FlagResolved,
	}
	if item.ColumnNullable(col) || item.Join&ast.JoinLeft != 0 {
		e.Flags |= ast.FlagCanBeNull
	}
	return e
}
