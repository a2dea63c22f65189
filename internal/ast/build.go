package ast

import "strings"

// Helpers for building unresolved trees, used by fixtures and tests.

func Null() *Expr { return &Expr{Op: OpNull} }

func Int(v int64) *Expr { return &Expr{Op: OpInteger, Int: v} }

func Float(v float64) *Expr { return &Expr{Op: OpFloat, Float: v} }

func Str(s string) *Expr { return &Expr{Op: OpString, Str: s} }

// Var is the bound parameter ?n.
func Var(n int) *Expr { return &Expr{Op: OpVariable, Int: int64(n)} }

// Name parses "z", "y.z" or "x.y.z" into an identifier node.
func Name(path string) *Expr {
	parts := strings.Split(path, ".")
	switch len(parts) {
	case 1:
		return &Expr{Op: OpID, Str: parts[0]}
	case 2:
		return &Expr{Op: OpDot, Table: parts[0], Str: parts[1]}
	default:
		return &Expr{Op: OpDot, Schema: parts[0], Table: parts[1], Str: strings.Join(parts[2:], ".")}
	}
}

func Unary(op Op, e *Expr) *Expr { return &Expr{Op: op, Left: e} }

func Binary(op Op, l, r *Expr) *Expr { return &Expr{Op: op, Left: l, Right: r} }

// And joins terms with AND, returning nil for no terms.
func And(terms ...*Expr) *Expr {
	var out *Expr
	for _, t := range terms {
		if t == nil {
			continue
		}
		if out == nil {
			out = t
			continue
		}
		out = Binary(OpAnd, out, t)
	}
	return out
}

// Or joins terms with OR.
func Or(terms ...*Expr) *Expr {
	var out *Expr
	for _, t := range terms {
		if out == nil {
			out = t
			continue
		}
		out = Binary(OpOr, out, t)
	}
	return out
}

func Call(name string, args ...*Expr) *Expr { return &Expr{Op: OpFunction, Str: name, List: args} }

func Vector(elems ...*Expr) *Expr { return &Expr{Op: OpVector, List: elems} }

func InList(l *Expr, elems ...*Expr) *Expr { return &Expr{Op: OpIn, Left: l, List: elems} }

func InSelect(l *Expr, sel *Select) *Expr { return &Expr{Op: OpIn, Left: l, Select: sel} }

func Between(x, lo, hi *Expr) *Expr { return &Expr{Op: OpBetween, Left: x, List: []*Expr{lo, hi}} }

func Subquery(sel *Select) *Expr { return &Expr{Op: OpSelect, Select: sel} }

func Exists(sel *Select) *Expr { return &Expr{Op: OpExists, Select: sel} }

func Collate(e *Expr, name string) *Expr { return &Expr{Op: OpCollate, Left: e, Str: name} }
