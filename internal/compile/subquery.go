package compile

import (
	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/codegen"
	"github.com/roach88/qplan/internal/vdbe"
	"github.com/roach88/qplan/internal/where"
)

// subqueries codes subquery expressions by compiling the nested SELECT in
// line. A subquery that does not refer to the enclosing query runs once
// per execution.
type subqueries struct {
	c *Compiler
}

// once emits the guard of an uncorrelated subquery and returns its
// address, or -1.
func once(v *vdbe.Program, sel *ast.Select) int {
	if sel.Flags&ast.SelectCorrelated != 0 {
		return -1
	}
	return v.Add(vdbe.OpOnce, 0, 0, 0)
}

func done(v *vdbe.Program, addr int) {
	if addr >= 0 {
		v.JumpHere(addr)
	}
}

// Scalar stores the first row of the subquery, or NULLs.
func (s subqueries) Scalar(p *codegen.Parse, e *ast.Expr, target int) error {
	v := p.V
	sel := e.Select
	n := len(sel.Results)
	guard := once(v, sel)
	v.Add(vdbe.OpNull, 0, target, target+n-1)
	first := func(p *codegen.Parse, sel *ast.Select, w *where.Info) error {
		for i, rc := range sel.Results {
			if err := p.Expr(rc.Expr, target+i); err != nil {
				return err
			}
		}
		p.V.Goto(w.BreakLabel())
		return nil
	}
	if _, _, err := s.c.codeSelect(p, sel, first); err != nil {
		return err
	}
	done(v, guard)
	return nil
}

// Exists stores 1 when the subquery yields a row.
func (s subqueries) Exists(p *codegen.Parse, e *ast.Expr, target int) error {
	v := p.V
	guard := once(v, e.Select)
	v.Add(vdbe.OpInteger, 0, target, 0)
	found := func(p *codegen.Parse, _ *ast.Select, w *where.Info) error {
		p.V.Add(vdbe.OpInteger, 1, target, 0)
		p.V.Goto(w.BreakLabel())
		return nil
	}
	if _, _, err := s.c.codeSelect(p, e.Select, found); err != nil {
		return err
	}
	done(v, guard)
	return nil
}

// InCursor fills an ephemeral index with the rows of the subquery and
// returns a cursor over it.
func (s subqueries) InCursor(p *codegen.Parse, e *ast.Expr) (int, error) {
	v := p.V
	sel := e.Select
	n := len(sel.Results)
	space := p.AllocReg()
	cur := p.AllocCursor()
	guard := once(v, sel)
	v.Add(vdbe.OpOpenTEphemeral, space, n, 0)
	insert := func(p *codegen.Parse, sel *ast.Select, _ *where.Info) error {
		base := p.AllocRegs(n)
		for i, rc := range sel.Results {
			if err := p.Expr(rc.Expr, base+i); err != nil {
				return err
			}
		}
		rec := p.TempReg()
		p.V.Add(vdbe.OpMakeRecord, base, n, rec)
		p.V.Add(vdbe.OpIdxInsert, rec, space, 0)
		p.ReleaseTemp(rec)
		return nil
	}
	if _, _, err := s.c.codeSelect(p, sel, insert); err != nil {
		return 0, err
	}
	done(v, guard)
	v.Add(vdbe.OpIteratorOpen, cur, 0, space)
	return cur, nil
}
