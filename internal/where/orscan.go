package where

import (
	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/vdbe"
)

// orBranch is one pending disjunct of an OR scan.
type orBranch struct {
	clause *Clause
	loop   *Loop
}

// codeMultiOr runs one single-table loop per disjunct of the OR term and
// sends every row through the rest of the loop nest, which is coded as a
// subroutine after the branches. Unless the plan allows duplicates, the
// primary key of each row is remembered in an ephemeral index so a row
// matching several disjuncts is only produced once: the first branch
// only records keys, the last one only probes.
func (w *Info) codeMultiOr(lvl *level, notReady Mask) error {
	p, v := w.p, w.p.V
	loop := lvl.loop
	orID := loop.Terms[0]
	orTerm := w.wc.terms[orID]
	pk := lvl.item.Table.PrimaryKey()
	npk := len(pk.Parts)

	covCur := p.AllocCursor()
	regReturn := p.AllocReg()
	loopBody := v.MakeLabel()
	lvl.op, lvl.p1 = vdbe.OpReturn, regReturn

	dedup := !w.plan.DuplicatesOK
	var rowSet, regRowSet, regPk int
	if dedup {
		regRowSet = p.AllocReg()
		rowSet = p.AllocCursor()
		v.Add(vdbe.OpOpenTEphemeral, regRowSet, npk, 0)
		v.Add(vdbe.OpIteratorOpen, rowSet, 0, regRowSet)
		lvl.opened = append(lvl.opened, rowSet)
		regPk = p.AllocReg()
	}
	retInit := v.Add(vdbe.OpInteger, 0, regReturn, 0)

	work := make([]orBranch, len(loop.Branches))
	for i, bl := range loop.Branches {
		bc, err := w.wc.Branch(orID, i)
		if err != nil {
			return err
		}
		work[i] = orBranch{clause: bc, loop: bl}
	}

	untested, covOpened := false, false
	var cov *catalog.Index
	last := len(work) - 1
	for ii, b := range work {
		if err := p.Enter(); err != nil {
			return err
		}
		p.Logger().Debug("coding OR branch",
			"cursor", lvl.tabCur, "branch", ii, "strategy", b.loop.Strategy.String())

		item := *lvl.item
		item.Join = ast.JoinInner
		sub := &Info{
			p:           p,
			src:         []*ast.SrcItem{&item},
			wc:          b.clause,
			plan:        &Plan{Levels: []PlanLevel{{From: 0, Loop: b.loop}}, DuplicatesOK: w.plan.DuplicatesOK},
			orSubclause: true,
			covCur:      covCur,
		}
		if err := sub.begin(); err != nil {
			p.Leave()
			return err
		}
		if _, err := sub.CodeLevel(0, notReady); err != nil {
			p.Leave()
			return err
		}

		jmp := -1
		if dedup {
			set := ii
			if ii == last {
				set = -1
			}
			r := p.AllocRegs(npk)
			for k, part := range pk.Parts {
				if err := p.Column(lvl.tabCur, part.Column, r+k); err != nil {
					p.Leave()
					return err
				}
			}
			if set != 0 {
				jmp = v.Add4(vdbe.OpFound, rowSet, 0, r, npk)
			}
			if set >= 0 {
				v.Add(vdbe.OpMakeRecord, r, npk, regPk)
				v.Add(vdbe.OpIdxInsert, regPk, regRowSet, 0)
			}
		}
		v.Add(vdbe.OpGosub, regReturn, loopBody, 0)
		if jmp >= 0 {
			v.JumpHere(jmp)
		}
		untested = untested || sub.untested

		ix := b.loop.Index
		if b.loop.Strategy == IndexedScan && !ix.IsPrimary() {
			covOpened = true
		}
		if b.loop.Strategy == IndexedScan && (ii == 0 || ix == cov) && !ix.IsPrimary() {
			cov = ix
		} else {
			cov = nil
		}
		err := sub.End()
		p.Leave()
		if err != nil {
			return err
		}
	}

	if covOpened {
		lvl.opened = append(lvl.opened, covCur)
	}
	if cov != nil {
		lvl.idxCur = covCur
		lvl.cov = cov
	}
	v.ChangeP1(retInit, v.CurrentAddr())
	v.Goto(lvl.addrBrk)
	v.ResolveLabel(loopBody)
	if !untested {
		w.disableTerm(lvl, orTerm)
	}
	return nil
}
