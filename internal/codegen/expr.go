package codegen

import (
	"strings"

	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/vdbe"
)

var compareOps = map[ast.Op]vdbe.Opcode{
	ast.OpEq:    vdbe.OpEq,
	ast.OpNe:    vdbe.OpNe,
	ast.OpLt:    vdbe.OpLt,
	ast.OpLe:    vdbe.OpLe,
	ast.OpGt:    vdbe.OpGt,
	ast.OpGe:    vdbe.OpGe,
	ast.OpIs:    vdbe.OpEq,
	ast.OpIsNot: vdbe.OpNe,
}

var binaryOps = map[ast.Op]vdbe.Opcode{
	ast.OpPlus:      vdbe.OpAdd,
	ast.OpMinus:     vdbe.OpSubtract,
	ast.OpMultiply:  vdbe.OpMultiply,
	ast.OpDivide:    vdbe.OpDivide,
	ast.OpRemainder: vdbe.OpRemainder,
	ast.OpConcat:    vdbe.OpConcat,
	ast.OpAnd:       vdbe.OpAnd,
	ast.OpOr:        vdbe.OpOr,
}

// negate returns the comparison that holds exactly when op does not,
// NULL aside.
func negate(op vdbe.Opcode) vdbe.Opcode {
	switch op {
	case vdbe.OpEq:
		return vdbe.OpNe
	case vdbe.OpNe:
		return vdbe.OpEq
	case vdbe.OpLt:
		return vdbe.OpGe
	case vdbe.OpGe:
		return vdbe.OpLt
	case vdbe.OpGt:
		return vdbe.OpLe
	case vdbe.OpLe:
		return vdbe.OpGt
	}
	return op
}

// Expr evaluates e into register target.
func (p *Parse) Expr(e *ast.Expr, target int) error {
	if err := p.Enter(); err != nil {
		return err
	}
	defer p.Leave()

	v := p.V
	switch e.Op {
	case ast.OpNull:
		v.Add(vdbe.OpNull, 0, target, 0)
	case ast.OpInteger:
		v.Add(vdbe.OpInteger, int(e.Int), target, 0)
	case ast.OpFloat:
		v.Add4(vdbe.OpReal, 0, target, 0, e.Float)
	case ast.OpString:
		v.Add4(vdbe.OpString8, 0, target, 0, e.Str)
	case ast.OpVariable:
		v.Add(vdbe.OpVariable, int(e.Int), target, 0)
	case ast.OpColumn:
		return p.Column(e.Cursor, e.Column, target)
	case ast.OpTrigger:
		v.Add(vdbe.OpParam, e.Column, target, e.Cursor)
	case ast.OpResultRef, ast.OpCollate:
		return p.Expr(e.Left, target)
	case ast.OpCast:
		if err := p.Expr(e.Left, target); err != nil {
			return err
		}
		v.Add4(vdbe.OpCast, target, 0, 0, e.Type.String())
	case ast.OpNot, ast.OpBitNot:
		r, err := p.ExprTemp(e.Left)
		if err != nil {
			return err
		}
		op := vdbe.OpNot
		if e.Op == ast.OpBitNot {
			op = vdbe.OpBitNot
		}
		v.Add(op, r, target, 0)
		p.ReleaseTemp(r)
	case ast.OpNegative:
		return p.negative(e, target)
	case ast.OpIsNull, ast.OpNotNull:
		r, err := p.ExprTemp(e.Left)
		if err != nil {
			return err
		}
		jump := vdbe.OpIsNull
		if e.Op == ast.OpNotNull {
			jump = vdbe.OpNotNull
		}
		v.Add(vdbe.OpInteger, 1, target, 0)
		addr := v.Add(jump, r, 0, 0)
		v.Add(vdbe.OpInteger, 0, target, 0)
		v.JumpHere(addr)
		p.ReleaseTemp(r)
	case ast.OpEq, ast.OpNe, ast.OpLt, ast.OpLe, ast.OpGt, ast.OpGe, ast.OpIs, ast.OpIsNot:
		if e.Left.VectorSize() > 1 {
			scalar, err := vectorCompare(e)
			if err != nil {
				return err
			}
			return p.Expr(scalar, target)
		}
		var p5 uint16 = vdbe.StoreP2
		if e.Op == ast.OpIs || e.Op == ast.OpIsNot {
			p5 |= vdbe.NullEq
		}
		return p.compareOperands(e, compareOps[e.Op], target, p5)
	case ast.OpPlus, ast.OpMinus, ast.OpMultiply, ast.OpDivide, ast.OpRemainder, ast.OpConcat, ast.OpAnd, ast.OpOr:
		r1, err := p.ExprTemp(e.Left)
		if err != nil {
			return err
		}
		r2, err := p.ExprTemp(e.Right)
		if err != nil {
			return err
		}
		v.Add(binaryOps[e.Op], r1, r2, target)
		p.ReleaseTemp(r1)
		p.ReleaseTemp(r2)
	case ast.OpLike:
		return p.Expr(ast.Call("like", e.Right, e.Left), target)
	case ast.OpBetween:
		return p.Expr(betweenAsAnd(e), target)
	case ast.OpIn:
		return p.inValue(e, target)
	case ast.OpSelect:
		return p.subqueries().Scalar(p, e, target)
	case ast.OpExists:
		return p.subqueries().Exists(p, e, target)
	case ast.OpCase:
		return p.caseExpr(e, target)
	case ast.OpFunction:
		return p.function(e, target)
	case ast.OpVector:
		return diag.Errorf(diag.CodeShape, "row value misused")
	case ast.OpID, ast.OpDot:
		return diag.Errorf(diag.CodeMalformed, "unresolved identifier %s reached code generation", e)
	default:
		return diag.Errorf(diag.CodeMalformed, "cannot generate code for %s", e.Op)
	}
	return nil
}

// ExprTemp evaluates e into a fresh scratch register.
func (p *Parse) ExprTemp(e *ast.Expr) (int, error) {
	r := p.TempReg()
	if err := p.Expr(e, r); err != nil {
		return 0, err
	}
	return r, nil
}

// ExprVector evaluates a row value into consecutive registers from base.
// Scalars take one register.
func (p *Parse) ExprVector(e *ast.Expr, base int) error {
	switch e.Op {
	case ast.OpVector:
		for i, x := range e.List {
			if err := p.Expr(x, base+i); err != nil {
				return err
			}
		}
		return nil
	case ast.OpSelect:
		return p.subqueries().Scalar(p, e, base)
	}
	return p.Expr(e, base)
}

func (p *Parse) negative(e *ast.Expr, target int) error {
	switch e.Left.Op {
	case ast.OpInteger:
		p.V.Add(vdbe.OpInteger, -int(e.Left.Int), target, 0)
		return nil
	case ast.OpFloat:
		p.V.Add4(vdbe.OpReal, 0, target, 0, -e.Left.Float)
		return nil
	}
	zero := p.TempReg()
	p.V.Add(vdbe.OpInteger, 0, zero, 0)
	r, err := p.ExprTemp(e.Left)
	if err != nil {
		return err
	}
	p.V.Add(vdbe.OpSubtract, zero, r, target)
	p.ReleaseTemp(zero)
	p.ReleaseTemp(r)
	return nil
}

// compareOperands evaluates both sides of a scalar comparison and emits op
// jumping to (or, with StoreP2, storing into) dest.
func (p *Parse) compareOperands(e *ast.Expr, op vdbe.Opcode, dest int, p5 uint16) error {
	r1, err := p.ExprTemp(e.Left)
	if err != nil {
		return err
	}
	r2, err := p.ExprTemp(e.Right)
	if err != nil {
		return err
	}
	p.compare(op, r1, r2, dest, p5, collationOf(e.Left, e.Right))
	p.ReleaseTemp(r1)
	p.ReleaseTemp(r2)
	return nil
}

// compare emits "jump to dest if left op right".
func (p *Parse) compare(op vdbe.Opcode, left, right, dest int, p5 uint16, coll string) {
	if coll != "" {
		p.V.Add4(op, right, dest, left, coll)
	} else {
		p.V.Add(op, right, dest, left)
	}
	p.V.ChangeP5(p5)
}

func collationOf(l, r *ast.Expr) string {
	if c := ast.Collation(l); c != "" {
		return c
	}
	return ast.Collation(r)
}

func (p *Parse) function(e *ast.Expr, target int) error {
	if e.Func != nil && e.Func.Aggregate {
		return diag.Errorf(diag.CodeMalformed, "aggregate %s() cannot be evaluated inside a row loop", e.Str)
	}
	n := len(e.List)
	base := 0
	if n > 0 {
		base = p.AllocRegs(n)
		for i, arg := range e.List {
			if err := p.Expr(arg, base+i); err != nil {
				return err
			}
		}
	}
	p.V.Add4(vdbe.OpFunction, 0, base, target, strings.ToLower(e.Str))
	p.V.ChangeP5(uint16(n))
	return nil
}

func (p *Parse) caseExpr(e *ast.Expr, target int) error {
	v := p.V
	end := v.MakeLabel()
	operand := 0
	if e.Left != nil {
		var err error
		if operand, err = p.ExprTemp(e.Left); err != nil {
			return err
		}
	}
	for i := 0; i+1 < len(e.List); i += 2 {
		next := v.MakeLabel()
		if operand != 0 {
			r, err := p.ExprTemp(e.List[i])
			if err != nil {
				return err
			}
			p.compare(vdbe.OpNe, operand, r, next, vdbe.JumpIfNull, "")
			p.ReleaseTemp(r)
		} else if err := p.IfFalse(e.List[i], next, true); err != nil {
			return err
		}
		if err := p.Expr(e.List[i+1], target); err != nil {
			return err
		}
		v.Goto(end)
		v.ResolveLabel(next)
	}
	if e.Right != nil {
		if err := p.Expr(e.Right, target); err != nil {
			return err
		}
	} else {
		v.Add(vdbe.OpNull, 0, target, 0)
	}
	v.ResolveLabel(end)
	p.ReleaseTemp(operand)
	return nil
}

func (p *Parse) inValue(e *ast.Expr, target int) error {
	if e.Select == nil && e.Left.VectorSize() > 1 {
		return p.Expr(inListAsOr(e), target)
	}
	v := p.V
	v.Add(vdbe.OpInteger, 0, target, 0)
	if e.Select != nil {
		cur, n, regs, err := p.inProbe(e)
		if err != nil {
			return err
		}
		addr := v.Add4(vdbe.OpNotFound, cur, 0, regs, n)
		v.Add(vdbe.OpInteger, 1, target, 0)
		v.JumpHere(addr)
		return nil
	}
	r, err := p.ExprTemp(e.Left)
	if err != nil {
		return err
	}
	found := v.MakeLabel()
	done := v.MakeLabel()
	if err := p.inListJumps(e, r, found); err != nil {
		return err
	}
	v.Goto(done)
	v.ResolveLabel(found)
	v.Add(vdbe.OpInteger, 1, target, 0)
	v.ResolveLabel(done)
	p.ReleaseTemp(r)
	return nil
}

// inProbe evaluates the left side of IN (SELECT) and returns the cursor
// over the subquery rows plus the probe key registers.
func (p *Parse) inProbe(e *ast.Expr) (cur, n, regs int, err error) {
	if cur, err = p.subqueries().InCursor(p, e); err != nil {
		return 0, 0, 0, err
	}
	n = e.Left.VectorSize()
	regs = p.AllocRegs(n)
	if err = p.ExprVector(e.Left, regs); err != nil {
		return 0, 0, 0, err
	}
	return cur, n, regs, nil
}

// inListJumps jumps to dest when register r equals any list element.
func (p *Parse) inListJumps(e *ast.Expr, r, dest int) error {
	coll := ast.Collation(e.Left)
	for _, x := range e.List {
		re, err := p.ExprTemp(x)
		if err != nil {
			return err
		}
		p.compare(vdbe.OpEq, r, re, dest, 0, coll)
		p.ReleaseTemp(re)
	}
	return nil
}

// InIndex materialises the right-hand side of an IN term into an
// ephemeral index and returns a cursor over it. The index is built once
// per statement execution.
func (p *Parse) InIndex(e *ast.Expr) (int, error) {
	if e.Select != nil {
		return p.subqueries().InCursor(p, e)
	}
	v := p.V
	space := p.AllocReg()
	cur := p.AllocCursor()
	once := v.Add(vdbe.OpOnce, 0, 0, 0)
	v.Add(vdbe.OpOpenTEphemeral, space, 1, 0)
	r := p.TempReg()
	rec := p.TempReg()
	for _, x := range e.List {
		if err := p.Expr(x, r); err != nil {
			return 0, err
		}
		v.Add(vdbe.OpMakeRecord, r, 1, rec)
		v.Add(vdbe.OpIdxInsert, rec, space, 0)
	}
	p.ReleaseTemp(r)
	p.ReleaseTemp(rec)
	v.JumpHere(once)
	v.Add(vdbe.OpIteratorOpen, cur, 0, space)
	return cur, nil
}

// CanBeNull reports whether e might evaluate to NULL.
func CanBeNull(e *ast.Expr) bool {
	for e.Op == ast.OpCollate || e.Op == ast.OpResultRef {
		e = e.Left
	}
	switch e.Op {
	case ast.OpInteger, ast.OpFloat, ast.OpString:
		return false
	case ast.OpColumn:
		return e.Has(ast.FlagCanBeNull)
	}
	return true
}

// ApplyTypes coerces the registers from base to the column types in cols,
// skipping registers whose value expression is already compatible. A nil
// value is never coerced.
func (p *Parse) ApplyTypes(base int, cols []catalog.FieldType, vals []*ast.Expr) error {
	if len(cols) != len(vals) {
		return diag.Errorf(diag.CodeResource, "coercion table has %d entries for %d registers", len(cols), len(vals))
	}
	names := make([]string, len(cols))
	need := false
	for i, col := range cols {
		if vals[i] == nil || catalog.Compatible(col, vals[i].Type) {
			names[i] = "-"
			continue
		}
		names[i] = col.String()
		need = true
	}
	if !need {
		return nil
	}
	p.V.Add4(vdbe.OpApplyType, base, len(cols), 0, strings.Join(names, ","))
	return nil
}

type noSubqueries struct{}

func (noSubqueries) Scalar(*Parse, *ast.Expr, int) error {
	return diag.Errorf(diag.CodeUnsupported, "scalar subquery code generation is not configured")
}

func (noSubqueries) Exists(*Parse, *ast.Expr, int) error {
	return diag.Errorf(diag.CodeUnsupported, "EXISTS code generation is not configured")
}

func (noSubqueries) InCursor(*Parse, *ast.Expr) (int, error) {
	return 0, diag.Errorf(diag.CodeUnsupported, "IN (SELECT) code generation is not configured")
}

func (p *Parse) subqueries() SubqueryCoder {
	if p.subq == nil {
		return noSubqueries{}
	}
	return p.subq
}
