package where

import (
	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/codegen"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/vdbe"
)

// inLoop is the iteration over the right-hand side of one IN term.
type inLoop struct {
	cursor    int
	addrInTop int // the Column reading the current value
	endOp     vdbe.Opcode
}

// level is the runtime state of one nesting level.
type level struct {
	from int
	item *ast.SrcItem
	loop *Loop

	tabCur int
	idxCur int
	cov    *catalog.Index // index shared by every branch of an OR scan

	leftJoin  int // match-flag register of a LEFT JOIN, or 0
	addrFirst int // first instruction after the match flag is set

	addrBrk  int // exit the level
	addrNxt  int // advance to the next IN value, or exit
	addrCont int // advance to the next row
	addrSkip int // skip-scan seek, or 0

	// Loop-control instruction emitted by End.
	op vdbe.Opcode
	p1 int
	p2 int

	inLoops  []inLoop
	notReady Mask
	opened   []int
}

// indexOnly reports whether the level reads nothing but a secondary
// index.
func (lvl *level) indexOnly() bool {
	l := lvl.loop
	return l.Strategy == IndexedScan && l.Has(LoopIndexOnly) && !l.Index.IsPrimary()
}

// Info holds the loop state of one WHERE clause between Begin and End.
type Info struct {
	p      *codegen.Parse
	src    []*ast.SrcItem
	wc     *Clause
	plan   *Plan
	levels []*level

	breakLabel    int
	continueLabel int
	next          int

	// Set for the single-table loops driving one OR branch: cursors are
	// owned by the enclosing loop and secondary indexes reuse covCur.
	orSubclause bool
	covCur      int

	untested bool
}

// Begin validates plan against src and wc, codes the terms that read no
// table at all and opens the cursors of every level.
func Begin(p *codegen.Parse, src []*ast.SrcItem, wc *Clause, plan *Plan) (*Info, error) {
	w := &Info{p: p, src: src, wc: wc, plan: plan}
	if err := w.begin(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Info) begin() error {
	if err := w.p.CheckTables(len(w.src)); err != nil {
		return err
	}
	if err := w.plan.validate(w.src, w.wc); err != nil {
		return err
	}
	v := w.p.V
	w.breakLabel = v.MakeLabel()
	w.continueLabel = w.breakLabel

	for _, t := range w.wc.terms {
		if t.Virtual || t.Status.Coded() || t.FromJoin {
			continue
		}
		if len(w.src) > 0 && !isConstant(t.Expr) {
			continue
		}
		if err := w.p.IfFalse(t.Expr, w.breakLabel, true); err != nil {
			return err
		}
		t.Status = CodedByResidual
	}

	for _, lv := range w.plan.Levels {
		item := w.src[lv.From]
		lvl := &level{from: lv.From, item: item, loop: lv.Loop, tabCur: item.Cursor, idxCur: item.Cursor}
		w.levels = append(w.levels, lvl)
		w.open(lvl)
	}
	return nil
}

func (w *Info) open(lvl *level) {
	v := w.p.V
	item, loop := lvl.item, lvl.loop
	switch {
	case item.Subquery != nil:
		w.p.UseRegisters(item.Cursor, item.RegResult)
		return
	case item.Table == nil:
		return
	}
	ix := loop.Index
	primary := loop.Strategy == IndexedScan && ix.IsPrimary()
	if !w.orSubclause && !lvl.indexOnly() {
		v.Add4(vdbe.OpOpenRead, lvl.tabCur, 0, 0, item.Table.Name)
		lvl.opened = append(lvl.opened, lvl.tabCur)
	}
	if loop.Strategy != IndexedScan || primary {
		return
	}
	if w.orSubclause {
		lvl.idxCur = w.covCur
	} else {
		lvl.idxCur = w.p.AllocCursor()
		lvl.opened = append(lvl.opened, lvl.idxCur)
	}
	v.Add4(vdbe.OpOpenRead, lvl.idxCur, ix.ID, 0, item.Table.Name)
	v.Comment("%s", ix.Name)
	if lvl.indexOnly() && !w.orSubclause {
		w.p.UseCovering(lvl.tabCur, lvl.idxCur, ix)
	}
}

// isConstant reports whether e reads no column of any table and no
// subquery.
func isConstant(e *ast.Expr) bool {
	ok := true
	ast.Walk(e, func(x *ast.Expr) bool {
		switch x.Op {
		case ast.OpColumn, ast.OpSelect, ast.OpExists, ast.OpResultRef:
			ok = false
		case ast.OpIn:
			if x.Select != nil {
				ok = false
			}
		}
		return ok
	})
	return ok
}

// BreakLabel is the label just past the outermost loop.
func (w *Info) BreakLabel() int {
	return w.breakLabel
}

// ContinueLabel advances the innermost loop coded so far.
func (w *Info) ContinueLabel() int {
	return w.continueLabel
}

// Untested reports whether some term could not be tested by the levels
// coded so far because it reads a table that is not ready yet.
func (w *Info) Untested() bool {
	return w.untested
}

// NumLevels returns the number of nesting levels.
func (w *Info) NumLevels() int {
	return len(w.levels)
}

// End closes every level, innermost first, resolves the break label and
// closes the cursors Begin opened.
func (w *Info) End() error {
	if w.next != len(w.levels) {
		return malformed("WHERE loop closed after coding %d of %d levels", w.next, len(w.levels))
	}
	v := w.p.V
	for i := len(w.levels) - 1; i >= 0; i-- {
		lvl := w.levels[i]
		v.ResolveLabel(lvl.addrCont)
		if lvl.op != vdbe.OpNoop {
			v.Add(lvl.op, lvl.p1, lvl.p2, 0)
		}
		if len(lvl.inLoops) > 0 {
			v.ResolveLabel(lvl.addrNxt)
			for j := len(lvl.inLoops) - 1; j >= 0; j-- {
				in := lvl.inLoops[j]
				v.JumpHere(in.addrInTop + 1)
				v.Add(in.endOp, in.cursor, in.addrInTop, 0)
				v.JumpHere(in.addrInTop - 1)
			}
		}
		v.ResolveLabel(lvl.addrBrk)
		if lvl.addrSkip > 0 {
			v.Goto(lvl.addrSkip)
			v.JumpHere(lvl.addrSkip)
			v.JumpHere(lvl.addrSkip - 2)
		}
		if lvl.leftJoin != 0 {
			w.endLeftJoin(lvl)
		}
	}
	v.ResolveLabel(w.breakLabel)
	if w.orSubclause {
		return nil
	}
	for _, lvl := range w.levels {
		for _, cur := range lvl.opened {
			v.Add(vdbe.OpClose, cur, 0, 0)
		}
	}
	return nil
}

// endLeftJoin emits the pass that runs the rest of the loop once with a
// NULL row when the LEFT JOIN matched nothing.
func (w *Info) endLeftJoin(lvl *level) {
	v := w.p.V
	loop := lvl.loop
	addr := v.Add(vdbe.OpIfPos, lvl.leftJoin, 0, 0)
	if item := lvl.item; item.Subquery != nil {
		// Subquery columns are read from the yielded row registers and
		// the slot's cursor is never opened.
		if n := len(item.Subquery.Results); n > 0 {
			v.Add(vdbe.OpNull, 0, item.RegResult, item.RegResult+n-1)
		}
	} else if !lvl.indexOnly() {
		v.Add(vdbe.OpNullRow, lvl.tabCur, 0, 0)
	}
	indexed := loop.Strategy == IndexedScan || (loop.Strategy == MultiOr && lvl.cov != nil)
	if indexed && lvl.idxCur != lvl.tabCur {
		v.Add(vdbe.OpNullRow, lvl.idxCur, 0, 0)
	}
	if lvl.op == vdbe.OpReturn {
		v.Add(vdbe.OpGosub, lvl.p1, lvl.addrFirst, 0)
	} else {
		v.Goto(lvl.addrFirst)
	}
	v.JumpHere(addr)
}

func (w *Info) level(i int) (*level, error) {
	if i < 0 || i >= len(w.levels) {
		return nil, diag.Errorf(diag.CodeMalformed, "level %d out of range (%d levels)", i, len(w.levels))
	}
	if i != w.next {
		return nil, diag.Errorf(diag.CodeMalformed, "level %d coded out of order, expected level %d", i, w.next)
	}
	return w.levels[i], nil
}
