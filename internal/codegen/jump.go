package codegen

import (
	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/vdbe"
)

func nullFlag(jumpIfNull bool) uint16 {
	if jumpIfNull {
		return vdbe.JumpIfNull
	}
	return 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IfFalse jumps to dest when e is false. A NULL result jumps only when
// jumpIfNull is set.
func (p *Parse) IfFalse(e *ast.Expr, dest int, jumpIfNull bool) error {
	if err := p.Enter(); err != nil {
		return err
	}
	defer p.Leave()

	v := p.V
	switch e.Op {
	case ast.OpAnd:
		if err := p.IfFalse(e.Left, dest, jumpIfNull); err != nil {
			return err
		}
		return p.IfFalse(e.Right, dest, jumpIfNull)
	case ast.OpOr:
		ok := v.MakeLabel()
		if err := p.IfTrue(e.Left, ok, !jumpIfNull); err != nil {
			return err
		}
		if err := p.IfFalse(e.Right, dest, jumpIfNull); err != nil {
			return err
		}
		v.ResolveLabel(ok)
		return nil
	case ast.OpNot:
		return p.IfTrue(e.Left, dest, jumpIfNull)
	case ast.OpCollate, ast.OpResultRef:
		return p.IfFalse(e.Left, dest, jumpIfNull)
	case ast.OpEq, ast.OpNe, ast.OpLt, ast.OpLe, ast.OpGt, ast.OpGe, ast.OpIs, ast.OpIsNot:
		if e.Left.VectorSize() > 1 {
			scalar, err := vectorCompare(e)
			if err != nil {
				return err
			}
			return p.IfFalse(scalar, dest, jumpIfNull)
		}
		p5 := nullFlag(jumpIfNull)
		if e.Op == ast.OpIs || e.Op == ast.OpIsNot {
			p5 = vdbe.NullEq
		}
		return p.compareOperands(e, negate(compareOps[e.Op]), dest, p5)
	case ast.OpIsNull, ast.OpNotNull:
		r, err := p.ExprTemp(e.Left)
		if err != nil {
			return err
		}
		op := vdbe.OpNotNull
		if e.Op == ast.OpNotNull {
			op = vdbe.OpIsNull
		}
		v.Add(op, r, dest, 0)
		p.ReleaseTemp(r)
		return nil
	case ast.OpBetween:
		return p.IfFalse(betweenAsAnd(e), dest, jumpIfNull)
	case ast.OpIn:
		return p.inJump(e, dest, jumpIfNull, false)
	}
	r, err := p.ExprTemp(e)
	if err != nil {
		return err
	}
	v.Add(vdbe.OpIfNot, r, dest, boolInt(jumpIfNull))
	p.ReleaseTemp(r)
	return nil
}

// IfTrue jumps to dest when e is true. A NULL result jumps only when
// jumpIfNull is set.
func (p *Parse) IfTrue(e *ast.Expr, dest int, jumpIfNull bool) error {
	if err := p.Enter(); err != nil {
		return err
	}
	defer p.Leave()

	v := p.V
	switch e.Op {
	case ast.OpAnd:
		skip := v.MakeLabel()
		if err := p.IfFalse(e.Left, skip, !jumpIfNull); err != nil {
			return err
		}
		if err := p.IfTrue(e.Right, dest, jumpIfNull); err != nil {
			return err
		}
		v.ResolveLabel(skip)
		return nil
	case ast.OpOr:
		if err := p.IfTrue(e.Left, dest, jumpIfNull); err != nil {
			return err
		}
		return p.IfTrue(e.Right, dest, jumpIfNull)
	case ast.OpNot:
		return p.IfFalse(e.Left, dest, jumpIfNull)
	case ast.OpCollate, ast.OpResultRef:
		return p.IfTrue(e.Left, dest, jumpIfNull)
	case ast.OpEq, ast.OpNe, ast.OpLt, ast.OpLe, ast.OpGt, ast.OpGe, ast.OpIs, ast.OpIsNot:
		if e.Left.VectorSize() > 1 {
			scalar, err := vectorCompare(e)
			if err != nil {
				return err
			}
			return p.IfTrue(scalar, dest, jumpIfNull)
		}
		p5 := nullFlag(jumpIfNull)
		if e.Op == ast.OpIs || e.Op == ast.OpIsNot {
			p5 = vdbe.NullEq
		}
		return p.compareOperands(e, compareOps[e.Op], dest, p5)
	case ast.OpIsNull, ast.OpNotNull:
		r, err := p.ExprTemp(e.Left)
		if err != nil {
			return err
		}
		op := vdbe.OpIsNull
		if e.Op == ast.OpNotNull {
			op = vdbe.OpNotNull
		}
		v.Add(op, r, dest, 0)
		p.ReleaseTemp(r)
		return nil
	case ast.OpBetween:
		return p.IfTrue(betweenAsAnd(e), dest, jumpIfNull)
	case ast.OpIn:
		return p.inJump(e, dest, jumpIfNull, true)
	}
	r, err := p.ExprTemp(e)
	if err != nil {
		return err
	}
	v.Add(vdbe.OpIf, r, dest, boolInt(jumpIfNull))
	p.ReleaseTemp(r)
	return nil
}

// inJump codes IN as a jump: to dest when the membership test is true
// (onTrue) or false.
func (p *Parse) inJump(e *ast.Expr, dest int, jumpIfNull, onTrue bool) error {
	if e.Select == nil && e.Left.VectorSize() > 1 {
		if onTrue {
			return p.IfTrue(inListAsOr(e), dest, jumpIfNull)
		}
		return p.IfFalse(inListAsOr(e), dest, jumpIfNull)
	}
	v := p.V
	if e.Select != nil {
		cur, n, regs, err := p.inProbe(e)
		if err != nil {
			return err
		}
		if jumpIfNull && n == 1 {
			v.Add(vdbe.OpIsNull, regs, dest, 0)
		}
		op := vdbe.OpNotFound
		if onTrue {
			op = vdbe.OpFound
		}
		v.Add4(op, cur, dest, regs, n)
		return nil
	}
	r, err := p.ExprTemp(e.Left)
	if err != nil {
		return err
	}
	if jumpIfNull {
		v.Add(vdbe.OpIsNull, r, dest, 0)
	}
	if onTrue {
		err = p.inListJumps(e, r, dest)
	} else {
		found := v.MakeLabel()
		if err = p.inListJumps(e, r, found); err == nil {
			v.Goto(dest)
			v.ResolveLabel(found)
		}
	}
	p.ReleaseTemp(r)
	return err
}

// betweenAsAnd rewrites x BETWEEN lo AND hi as x >= lo AND x <= hi.
func betweenAsAnd(e *ast.Expr) *ast.Expr {
	return ast.Binary(ast.OpAnd,
		ast.Binary(ast.OpGe, e.Left, e.List[0]),
		ast.Binary(ast.OpLe, e.Left, e.List[1]))
}

// inListAsOr rewrites a row-value IN list as a disjunction of equalities.
func inListAsOr(e *ast.Expr) *ast.Expr {
	terms := make([]*ast.Expr, len(e.List))
	for i, x := range e.List {
		terms[i] = ast.Binary(ast.OpEq, e.Left, x)
	}
	return ast.Or(terms...)
}

// vectorCompare rewrites a row-value comparison as scalar comparisons:
// equality as a conjunction, inequality as a disjunction and ordering
// comparisons lexicographically.
func vectorCompare(e *ast.Expr) (*ast.Expr, error) {
	l, r := e.Left, e.Right
	if l.Op != ast.OpVector || r.Op != ast.OpVector {
		return nil, diag.Errorf(diag.CodeUnsupported, "row value comparison against a subquery needs a subquery coder")
	}
	if len(l.List) != len(r.List) {
		return nil, diag.Errorf(diag.CodeShape, "row value size mismatch: %d vs %d", len(l.List), len(r.List))
	}
	n := len(l.List)
	pair := func(op ast.Op, i int) *ast.Expr {
		return ast.Binary(op, l.List[i], r.List[i])
	}
	switch e.Op {
	case ast.OpEq, ast.OpIs:
		terms := make([]*ast.Expr, n)
		for i := range terms {
			terms[i] = pair(e.Op, i)
		}
		return ast.And(terms...), nil
	case ast.OpNe, ast.OpIsNot:
		terms := make([]*ast.Expr, n)
		for i := range terms {
			terms[i] = pair(e.Op, i)
		}
		return ast.Or(terms...), nil
	}
	strict := ast.OpLt
	if e.Op == ast.OpGt || e.Op == ast.OpGe {
		strict = ast.OpGt
	}
	out := pair(e.Op, n-1)
	for i := n - 2; i >= 0; i-- {
		out = ast.Or(pair(strict, i), ast.And(pair(ast.OpEq, i), out))
	}
	return out, nil
}
