package where

import (
	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/codegen"
	"github.com/roach88/qplan/internal/vdbe"
)

// startOps is indexed by (constrained<<2)+(inclusive<<1)+reverse.
var startOps = [8]vdbe.Opcode{
	vdbe.OpNoop, vdbe.OpNoop,
	vdbe.OpRewind, vdbe.OpLast,
	vdbe.OpSeekGT, vdbe.OpSeekLT,
	vdbe.OpSeekGE, vdbe.OpSeekLE,
}

// endOps is indexed by reverse*2+inclusive.
var endOps = [4]vdbe.Opcode{vdbe.OpIdxGE, vdbe.OpIdxGT, vdbe.OpIdxLE, vdbe.OpIdxLT}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CodeLevel emits the start of nesting level i: the access path chosen
// by the plan, then a test for every term that becomes computable once
// the level's table is positioned. notReady is the set of tables not
// positioned by outer levels, the level's own table included; the result
// is notReady without it. Levels must be coded in order.
func (w *Info) CodeLevel(i int, notReady Mask) (Mask, error) {
	lvl, err := w.level(i)
	if err != nil {
		return 0, err
	}
	p, v := w.p, w.p.V
	item, loop := lvl.item, lvl.loop
	lvl.notReady = notReady &^ w.wc.ms.Mask(item.Cursor)
	lvl.addrBrk = v.MakeLabel()
	lvl.addrNxt = lvl.addrBrk
	lvl.addrCont = v.MakeLabel()
	p.Logger().Debug("coding loop level",
		"level", i, "cursor", item.Cursor, "strategy", loop.Strategy.String())

	if lvl.from > 0 && item.Join&ast.JoinLeft != 0 {
		lvl.leftJoin = p.AllocReg()
		v.Add(vdbe.OpInteger, 0, lvl.leftJoin, 0)
		v.Comment("init LEFT JOIN no-match flag")
	}

	switch loop.Strategy {
	case Coroutine:
		w.codeCoroutine(lvl)
	case IndexedScan:
		err = w.codeIndexed(lvl)
	case MultiOr:
		err = w.codeMultiOr(lvl, notReady)
	default:
		w.codeFullScan(lvl)
	}
	if err != nil {
		return 0, err
	}

	if err := w.codeResidual(lvl); err != nil {
		return 0, err
	}
	if err := w.codeTransitive(lvl, notReady); err != nil {
		return 0, err
	}
	if lvl.leftJoin != 0 {
		if err := w.markLeftJoin(lvl); err != nil {
			return 0, err
		}
	}
	w.continueLabel = lvl.addrCont
	w.next++
	return lvl.notReady, nil
}

func (w *Info) codeCoroutine(lvl *level) {
	v := w.p.V
	reg := lvl.item.RegReturn
	v.Add(vdbe.OpInitCoroutine, reg, 0, lvl.item.AddrFill)
	lvl.p2 = v.Add(vdbe.OpYield, reg, lvl.addrBrk, 0)
	lvl.op = vdbe.OpGoto
}

func (w *Info) codeFullScan(lvl *level) {
	if lvl.item.SingleRow {
		lvl.op = vdbe.OpNoop
		return
	}
	start, step := vdbe.OpRewind, vdbe.OpNext
	if lvl.loop.Reverse {
		start, step = vdbe.OpLast, vdbe.OpPrev
	}
	lvl.p2 = 1 + w.p.V.Add(start, lvl.tabCur, lvl.addrBrk, 0)
	lvl.op, lvl.p1 = step, lvl.tabCur
}

// keyColumn is the column of the index cursor holding key part k.
func (lvl *level) keyColumn(k int) int {
	ix := lvl.loop.Index
	if ix.IsPrimary() {
		return ix.Parts[k].Column
	}
	return k
}

func partTypes(ix *catalog.Index, from, n int) []catalog.FieldType {
	out := make([]catalog.FieldType, n)
	for i := range out {
		out[i] = ix.PartColumn(from + i).Type
	}
	return out
}

// boundFields returns the first n values of a range bound.
func boundFields(e *ast.Expr, n int) []*ast.Expr {
	if e.Op == ast.OpVector {
		return e.List[:n]
	}
	if e.VectorSize() == 1 {
		return []*ast.Expr{e}
	}
	return make([]*ast.Expr, n)
}

func (w *Info) codeBound(e *ast.Expr, base, n int) error {
	if e.Op == ast.OpVector {
		for i := 0; i < n; i++ {
			if err := w.p.Expr(e.List[i], base+i); err != nil {
				return err
			}
		}
		return nil
	}
	return w.p.ExprVector(e, base)
}

func (w *Info) codeIndexed(lvl *level) error {
	p, v := w.p, w.p.V
	loop := lvl.loop
	ix := loop.Index
	nEq := loop.NEq
	bRev := loop.Reverse

	var start, end *Term
	var nBtm, nTop, nExtra int
	var seekPastNull, stopAtNull bool
	j := nEq
	if loop.Has(LoopBtmLimit) {
		start = w.wc.terms[loop.Terms[j]]
		j++
		nBtm = loop.btm()
		nExtra = nBtm
	}
	if loop.Has(LoopTopLimit) {
		end = w.wc.terms[loop.Terms[j]]
		nTop = loop.top()
		nExtra = max(nExtra, nTop)
		if start == nil && ix.PartColumn(nEq).Nullable() {
			seekPastNull = true
		}
	}
	// The bounds are given in ascending column order; a scan running
	// against the index order meets the upper bound first.
	if (nEq < len(ix.Parts) && bRev == !ix.Parts[nEq].Desc) || (bRev && nEq == len(ix.Parts)) {
		start, end = end, start
		seekPastNull, stopAtNull = stopAtNull, seekPastNull
		nBtm, nTop = nTop, nBtm
	}

	regBase, vals, err := w.codeEqualities(lvl, bRev, nExtra)
	if err != nil {
		return err
	}

	startEq := start == nil || start.Operator&(OpLE|OpGE) != 0
	endEq := end == nil || end.Operator&(OpLE|OpGE) != 0
	constrained := start != nil || nEq > 0

	nConstraint := nEq
	if start != nil {
		right := start.Expr.Right
		if err := w.codeBound(right, regBase+nEq, nBtm); err != nil {
			return err
		}
		if codegen.CanBeNull(right) {
			v.Add(vdbe.OpIsNull, regBase+nEq, lvl.addrNxt, 0)
		}
		vals = append(vals, boundFields(right, nBtm)...)
		nConstraint += nBtm
		if right.VectorSize() == 1 {
			w.disableTerm(lvl, start)
		} else {
			startEq = true
		}
	} else if seekPastNull {
		v.Add(vdbe.OpNull, 0, regBase+nEq, 0)
		nConstraint++
		startEq = false
		constrained = true
	}

	if loop.NSkip == 0 || nConstraint != loop.NSkip {
		if err := p.ApplyTypes(regBase, partTypes(ix, 0, len(vals)), vals); err != nil {
			return err
		}
		op := startOps[boolInt(constrained)<<2+boolInt(startEq)<<1+boolInt(bRev)]
		v.Add4(op, lvl.idxCur, lvl.addrNxt, regBase, nConstraint)
	}

	nConstraint = nEq
	if end != nil {
		right := end.Expr.Right
		if err := w.codeBound(right, regBase+nEq, nTop); err != nil {
			return err
		}
		if codegen.CanBeNull(right) {
			v.Add(vdbe.OpIsNull, regBase+nEq, lvl.addrNxt, 0)
		}
		if err := p.ApplyTypes(regBase+nEq, partTypes(ix, nEq, nTop), boundFields(right, nTop)); err != nil {
			return err
		}
		nConstraint += nTop
		if right.VectorSize() == 1 {
			w.disableTerm(lvl, end)
		} else {
			endEq = true
		}
	} else if stopAtNull {
		v.Add(vdbe.OpNull, 0, regBase+nEq, 0)
		endEq = false
		nConstraint++
	}

	lvl.p2 = v.CurrentAddr()
	if nConstraint > 0 {
		v.Add4(endOps[boolInt(bRev)*2+boolInt(endEq)], lvl.idxCur, lvl.addrNxt, regBase, nConstraint)
	}

	if !(lvl.indexOnly() && !w.orSubclause) && lvl.idxCur != lvl.tabCur {
		pk := lvl.item.Table.PrimaryKey()
		n := len(pk.Parts)
		key := p.AllocRegs(n)
		for k, part := range pk.Parts {
			v.Add(vdbe.OpColumn, lvl.idxCur, ix.RecordPosition(part.Column), key+k)
		}
		v.Add4(vdbe.OpNotFound, lvl.tabCur, lvl.addrCont, key, n)
	}

	switch {
	case loop.Has(LoopOneRow):
		lvl.op = vdbe.OpNoop
	case bRev:
		lvl.op = vdbe.OpPrev
	default:
		lvl.op = vdbe.OpNext
	}
	lvl.p1 = lvl.idxCur
	return nil
}

// codeEqualities loads the equality prefix of an indexed scan into
// nEq consecutive registers, followed by nExtra registers for the range
// bounds. It returns the first register and the value expression of
// each equality register, nil where the value needs no coercion.
func (w *Info) codeEqualities(lvl *level, bRev bool, nExtra int) (int, []*ast.Expr, error) {
	p, v := w.p, w.p.V
	loop := lvl.loop
	nEq, nSkip := loop.NEq, loop.NSkip
	regBase := p.AllocRegs(nEq + nExtra)
	vals := make([]*ast.Expr, nEq, nEq+nExtra)

	if nSkip > 0 {
		first, seek := vdbe.OpRewind, vdbe.OpSeekGT
		if bRev {
			first, seek = vdbe.OpLast, vdbe.OpSeekLT
		}
		v.Add(first, lvl.idxCur, 0, 0)
		jmp := v.Goto(0)
		lvl.addrSkip = v.Add4(seek, lvl.idxCur, 0, regBase, nSkip)
		v.JumpHere(jmp)
		for k := 0; k < nSkip; k++ {
			v.Add(vdbe.OpColumn, lvl.idxCur, lvl.keyColumn(k), regBase+k)
		}
	}

	for k := nSkip; k < nEq; k++ {
		t := w.wc.terms[loop.Terms[k]]
		if err := w.codeEqualityTerm(lvl, t, k, bRev, regBase+k); err != nil {
			return 0, nil, err
		}
		if t.Operator&(OpIN|OpISNULL) == 0 {
			vals[k] = t.Expr.Right
			if codegen.CanBeNull(t.Expr.Right) {
				v.Add(vdbe.OpIsNull, regBase+k, lvl.addrBrk, 0)
			}
		}
	}
	return regBase, vals, nil
}

// codeEqualityTerm stores the value equality term t binds key part k to
// in target. An IN term opens a loop over its values; the loop is closed
// by End.
func (w *Info) codeEqualityTerm(lvl *level, t *Term, k int, bRev bool, target int) error {
	p, v := w.p, w.p.V
	switch {
	case t.Operator&OpISNULL != 0:
		v.Add(vdbe.OpNull, 0, target, 0)
	case t.Operator&OpIN != 0:
		cur, err := p.InIndex(t.Expr)
		if err != nil {
			return err
		}
		rev := bRev != lvl.loop.Index.Parts[k].Desc
		first, endOp := vdbe.OpRewind, vdbe.OpNextIfOpen
		if rev {
			first, endOp = vdbe.OpLast, vdbe.OpPrevIfOpen
		}
		v.Add(first, cur, 0, 0)
		if len(lvl.inLoops) == 0 {
			lvl.addrNxt = v.MakeLabel()
		}
		top := v.Add(vdbe.OpColumn, cur, 0, target)
		v.Add(vdbe.OpIsNull, target, 0, 0)
		lvl.inLoops = append(lvl.inLoops, inLoop{cursor: cur, addrInTop: top, endOp: endOp})
	default:
		if err := p.Expr(t.Expr.Right, target); err != nil {
			return err
		}
	}
	w.disableTerm(lvl, t)
	return nil
}

// disableTerm marks t coded once the level guarantees it, and with it
// every ancestor whose derived terms are now all coded. Terms of a LEFT
// JOIN level's WHERE side stay active; they must be tested after the
// match flag is set.
func (w *Info) disableTerm(lvl *level, t *Term) {
	for !t.Status.Coded() && (lvl.leftJoin == 0 || t.FromJoin) && lvl.notReady&t.PrereqAll == 0 {
		t.Status = CodedBySeek
		if t.Parent == NoTerm {
			return
		}
		t = w.wc.terms[t.Parent]
		t.children--
		if t.children != 0 {
			return
		}
	}
}

func (w *Info) codeResidual(lvl *level) error {
	for _, t := range w.wc.terms {
		if t.Virtual || t.Status.Coded() {
			continue
		}
		if t.PrereqAll&lvl.notReady != 0 {
			w.untested = true
			continue
		}
		if lvl.leftJoin != 0 && !t.FromJoin {
			t.Status = DeferredLeftJoin
			continue
		}
		if err := w.p.IfFalse(t.Expr, lvl.addrCont, true); err != nil {
			return err
		}
		t.Status = CodedByResidual
	}
	return nil
}

// codeTransitive tests a = c when a = b cannot be tested yet but b is
// pinned to c by another term.
func (w *Info) codeTransitive(lvl *level, notReady Mask) error {
	if lvl.leftJoin != 0 {
		return nil
	}
	cur := lvl.item.Cursor
	for _, t := range w.wc.terms[:w.wc.nBase] {
		if t.Virtual || t.Status.Coded() || t.LeftCursor != cur {
			continue
		}
		if t.Operator&OpEQ == 0 || t.Operator&OpEQUIV == 0 {
			continue
		}
		alt := w.wc.findTerm(cur, t.LeftColumn, notReady, OpEQ|OpIN)
		if alt == nil || alt.Status.Coded() {
			continue
		}
		test := alt.Expr.Copy()
		test.Left = t.Expr.Left
		if err := w.p.IfFalse(test, lvl.addrCont, true); err != nil {
			return err
		}
	}
	return nil
}

// markLeftJoin sets the match flag of a LEFT JOIN level and then tests
// the WHERE terms held back for it.
func (w *Info) markLeftJoin(lvl *level) error {
	v := w.p.V
	lvl.addrFirst = v.CurrentAddr()
	v.Add(vdbe.OpInteger, 1, lvl.leftJoin, 0)
	v.Comment("record LEFT JOIN hit")
	for _, t := range w.wc.terms {
		if t.Virtual || t.Status.Coded() || t.PrereqAll&lvl.notReady != 0 {
			continue
		}
		if err := w.p.IfFalse(t.Expr, lvl.addrCont, true); err != nil {
			return err
		}
		t.Status = CodedByResidual
	}
	return nil
}
