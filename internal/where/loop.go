package where

import (
	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/diag"
)

// Strategy is the access path chosen for one FROM item.
type Strategy uint8

const (
	FullScan Strategy = iota
	IndexedScan
	MultiOr
	Coroutine
)

func (s Strategy) String() string {
	switch s {
	case FullScan:
		return "full-scan"
	case IndexedScan:
		return "indexed-scan"
	case MultiOr:
		return "multi-or"
	case Coroutine:
		return "coroutine"
	}
	return "unknown"
}

// LoopFlags qualify an indexed scan.
type LoopFlags uint16

const (
	LoopBtmLimit  LoopFlags = 1 << iota // Terms holds a lower bound after the equalities
	LoopTopLimit                        // Terms holds an upper bound after that
	LoopIndexOnly                       // the index covers every column read
	LoopOneRow                          // at most one row matches
)

// Loop describes how to iterate one FROM item.
//
// For IndexedScan, Terms lists the NEq equality terms bound to the
// leading index columns (NoTerm in the first NSkip slots, which are
// covered by a skip-scan), then the lower bound when LoopBtmLimit is set
// and the upper bound when LoopTopLimit is set. NBtm and NTop are the
// number of index columns a row-value bound covers; zero means one.
//
// For MultiOr, Terms[0] is the OR term and Branches holds one loop per
// disjunct. Branch term ids refer to the clause returned by
// Clause.Branch.
type Loop struct {
	Strategy Strategy
	Index    *catalog.Index
	NEq      int
	NSkip    int
	NBtm     int
	NTop     int
	Flags    LoopFlags
	Reverse  bool
	Terms    []TermID
	Branches []*Loop
}

// Has reports whether all of f are set.
func (l *Loop) Has(f LoopFlags) bool {
	return l.Flags&f == f
}

func (l *Loop) btm() int {
	if l.NBtm == 0 {
		return 1
	}
	return l.NBtm
}

func (l *Loop) top() int {
	if l.NTop == 0 {
		return 1
	}
	return l.NTop
}

// PlanLevel is one nesting level: the FROM item at position From, driven
// by Loop. Levels are listed outermost first.
type PlanLevel struct {
	From int
	Loop *Loop
}

// Plan is the planner's decision for one statement.
type Plan struct {
	Levels []PlanLevel
	// DuplicatesOK turns off row de-duplication in OR scans.
	DuplicatesOK bool
}

func malformed(format string, args ...any) error {
	return diag.Errorf(diag.CodeMalformed, format, args...)
}

func (pl *Plan) validate(src []*ast.SrcItem, wc *Clause) error {
	if pl == nil {
		return malformed("no plan")
	}
	if len(pl.Levels) != len(src) {
		return malformed("plan has %d levels for %d FROM items", len(pl.Levels), len(src))
	}
	seen := make([]bool, len(src))
	for i, lv := range pl.Levels {
		if lv.From < 0 || lv.From >= len(src) {
			return malformed("level %d: FROM item %d out of range", i, lv.From)
		}
		if seen[lv.From] {
			return malformed("level %d: FROM item %d planned twice", i, lv.From)
		}
		seen[lv.From] = true
		if lv.Loop == nil {
			return malformed("level %d: no loop", i)
		}
		if err := validateLoop(src[lv.From], wc, lv.Loop); err != nil {
			return err
		}
	}
	return nil
}

func validateLoop(item *ast.SrcItem, wc *Clause, loop *Loop) error {
	name := item.ExposedName()
	if item.Subquery != nil && loop.Strategy != Coroutine {
		return malformed("%s: subquery must be driven as a coroutine, not %s", name, loop.Strategy)
	}
	switch loop.Strategy {
	case FullScan:
		if item.Table == nil && !item.SingleRow {
			return malformed("%s: full scan needs a table", name)
		}
	case Coroutine:
		if item.Subquery == nil || !item.Coroutine {
			return malformed("%s: not a coroutine subquery", name)
		}
	case IndexedScan:
		return validateIndexed(item, wc, loop)
	case MultiOr:
		return validateMultiOr(item, wc, loop)
	default:
		return malformed("%s: unknown strategy %d", name, loop.Strategy)
	}
	return nil
}

func validateIndexed(item *ast.SrcItem, wc *Clause, loop *Loop) error {
	name := item.ExposedName()
	ix := loop.Index
	if ix == nil || item.Table == nil || ix.Table != item.Table {
		return malformed("%s: index does not belong to the table", name)
	}
	parts := len(ix.Parts)
	if loop.NEq < 0 || loop.NEq > parts || loop.NSkip < 0 || loop.NSkip > loop.NEq {
		return malformed("%s: %d equality columns (%d skipped) on %d-column index %s",
			name, loop.NEq, loop.NSkip, parts, ix.Name)
	}
	want := loop.NEq
	if loop.Has(LoopBtmLimit) {
		want++
		if loop.NEq+loop.btm() > parts {
			return malformed("%s: lower bound spans past index %s", name, ix.Name)
		}
	}
	if loop.Has(LoopTopLimit) {
		want++
		if loop.NEq+loop.top() > parts {
			return malformed("%s: upper bound spans past index %s", name, ix.Name)
		}
	}
	if len(loop.Terms) != want {
		return malformed("%s: loop lists %d terms, want %d", name, len(loop.Terms), want)
	}
	self := wc.ms.Mask(item.Cursor)
	for j, id := range loop.Terms {
		if j < loop.NSkip {
			if id != NoTerm {
				return malformed("%s: skip-scan slot %d holds a term", name, j)
			}
			continue
		}
		t, err := wc.term(id)
		if err != nil {
			return err
		}
		if t.LeftCursor != item.Cursor {
			return malformed("%s: term %q does not constrain this table", name, t.text)
		}
		if t.PrereqRight&self != 0 {
			return malformed("%s: term %q compares the table with itself", name, t.text)
		}
		if j < loop.NEq {
			if t.Operator&opEqual == 0 {
				return malformed("%s: term %q is not an equality", name, t.text)
			}
			if t.LeftColumn != ix.Parts[j].Column {
				return malformed("%s: term %q does not bind column %d of index %s", name, t.text, j, ix.Name)
			}
			continue
		}
		if t.Operator&opRange == 0 {
			return malformed("%s: term %q is not a range bound", name, t.text)
		}
		if t.LeftColumn != ix.Parts[loop.NEq].Column {
			return malformed("%s: range term %q does not bind column %d of index %s", name, t.text, loop.NEq, ix.Name)
		}
		n := loop.btm()
		if j == len(loop.Terms)-1 && loop.Has(LoopTopLimit) {
			n = loop.top()
		}
		if w := t.Expr.Right.VectorSize(); n > w || (w == 1 && n != 1) {
			return malformed("%s: range term %q covers %d columns, bound has %d", name, t.text, n, w)
		}
	}
	return nil
}

func validateMultiOr(item *ast.SrcItem, wc *Clause, loop *Loop) error {
	name := item.ExposedName()
	if item.Table == nil || item.Table.PrimaryKey() == nil {
		return malformed("%s: OR scan needs a table with a primary key", name)
	}
	if len(loop.Terms) != 1 {
		return malformed("%s: OR scan lists %d terms, want 1", name, len(loop.Terms))
	}
	or, err := wc.term(loop.Terms[0])
	if err != nil {
		return err
	}
	if or.Operator&OpOR == 0 || or.Sub == nil {
		return malformed("%s: term %q is not an OR term", name, or.text)
	}
	if len(loop.Branches) != or.Sub.nBase {
		return malformed("%s: %d branch loops for %d disjuncts", name, len(loop.Branches), or.Sub.nBase)
	}
	for i, b := range loop.Branches {
		if b == nil {
			return malformed("%s: branch %d has no loop", name, i)
		}
		if b.Strategy == MultiOr || b.Strategy == Coroutine {
			return malformed("%s: branch %d cannot be a %s", name, i, b.Strategy)
		}
		bc, err := wc.Branch(loop.Terms[0], i)
		if err != nil {
			return err
		}
		if err := validateLoop(item, bc, b); err != nil {
			return err
		}
	}
	return nil
}
