package ast

// Walk visits e and its operands in pre-order. fn returns false to skip a
// node's operands. Subqueries are not entered.
func Walk(e *Expr, fn func(*Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	if e.Op == OpResultRef {
		return
	}
	Walk(e.Left, fn)
	Walk(e.Right, fn)
	for _, x := range e.List {
		Walk(x, fn)
	}
}

// Clone deep-copies an expression tree. Subqueries and resolved result
// references are shared.
func Clone(e *Expr) *Expr {
	if e == nil {
		return nil
	}
	out := e.Copy()
	if e.Op == OpResultRef {
		return out
	}
	out.Left = Clone(e.Left)
	out.Right = Clone(e.Right)
	for i, x := range out.List {
		out.List[i] = Clone(x)
	}
	return out
}

// Equal reports whether two trees are structurally identical. Resolved
// column references compare by binding, identifiers by name.
func Equal(a, b *Expr) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Op == OpResultRef {
		return Equal(a.Left, b)
	}
	if b.Op == OpResultRef {
		return Equal(a, b.Left)
	}
	if a.Op != b.Op || a.Has(FlagDistinct) != b.Has(FlagDistinct) {
		return false
	}
	switch a.Op {
	case OpInteger, OpVariable:
		if a.Int != b.Int {
			return false
		}
	case OpFloat:
		if a.Float != b.Float {
			return false
		}
	case OpString, OpCollate:
		if a.Str != b.Str {
			return false
		}
	case OpID, OpDot, OpFunction:
		if !sameIdent(a.Str, b.Str) || !sameIdent(a.Table, b.Table) {
			return false
		}
	case OpColumn, OpTrigger:
		return a.Cursor == b.Cursor && a.Column == b.Column
	case OpCast:
		if a.Type != b.Type {
			return false
		}
	case OpSelect, OpExists:
		return a.Select == b.Select
	}
	if a.Op == OpIn && a.Select != b.Select {
		return false
	}
	if !Equal(a.Left, b.Left) || !Equal(a.Right, b.Right) || len(a.List) != len(b.List) {
		return false
	}
	for i := range a.List {
		if !Equal(a.List[i], b.List[i]) {
			return false
		}
	}
	return true
}
