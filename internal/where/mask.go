package where

import (
	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/codegen"
	"github.com/roach88/qplan/internal/diag"
)

// Mask is a set of FROM items, one bit per cursor registered in a MaskSet.
type Mask uint64

// AllMask has every bit set.
const AllMask = ^Mask(0)

// MaskSet maps cursor numbers to mask bits.
type MaskSet struct {
	cursors []int
}

// NewMaskSet creates a set with the given cursors registered in order.
func NewMaskSet(cursors ...int) (*MaskSet, error) {
	ms := &MaskSet{}
	for _, c := range cursors {
		if err := ms.Add(c); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

// Add registers cursor. A cursor already present keeps its bit.
func (ms *MaskSet) Add(cursor int) error {
	for _, c := range ms.cursors {
		if c == cursor {
			return nil
		}
	}
	if len(ms.cursors) >= codegen.MaxTables {
		return diag.Errorf(diag.CodeLimit, "at most %d tables in a join", codegen.MaxTables)
	}
	ms.cursors = append(ms.cursors, cursor)
	return nil
}

// Len returns the number of registered cursors.
func (ms *MaskSet) Len() int {
	return len(ms.cursors)
}

// Mask returns the bit of cursor, or 0 if it is not registered. Columns of
// unregistered cursors belong to enclosing statements and are constant
// while this statement's loops run.
func (ms *MaskSet) Mask(cursor int) Mask {
	for i, c := range ms.cursors {
		if c == cursor {
			return 1 << uint(i)
		}
	}
	return 0
}

// ExprUsage returns the tables e reads, including reads made by
// correlated subqueries nested in e.
func (ms *MaskSet) ExprUsage(e *ast.Expr) Mask {
	if e == nil {
		return 0
	}
	var m Mask
	switch e.Op {
	case ast.OpColumn:
		return ms.Mask(e.Cursor)
	case ast.OpResultRef:
		return ms.ExprUsage(e.Left)
	case ast.OpSelect, ast.OpExists:
		return ms.selectUsage(e.Select)
	case ast.OpIn:
		m = ms.selectUsage(e.Select)
	}
	m |= ms.ExprUsage(e.Left) | ms.ExprUsage(e.Right)
	for _, x := range e.List {
		m |= ms.ExprUsage(x)
	}
	return m
}

func (ms *MaskSet) listUsage(list []*ast.Expr) Mask {
	var m Mask
	for _, x := range list {
		m |= ms.ExprUsage(x)
	}
	return m
}

func (ms *MaskSet) selectUsage(sel *ast.Select) Mask {
	var m Mask
	for s := sel; s != nil; s = s.Prior {
		for _, rc := range s.Results {
			m |= ms.ExprUsage(rc.Expr)
		}
		for _, item := range s.From {
			m |= ms.ExprUsage(item.On)
			if item.Subquery != nil {
				m |= ms.selectUsage(item.Subquery)
			}
		}
		for _, t := range s.GroupBy {
			m |= ms.ExprUsage(t.Expr)
		}
		for _, t := range s.OrderBy {
			m |= ms.ExprUsage(t.Expr)
		}
		m |= ms.listUsage([]*ast.Expr{s.Where, s.Having, s.Limit, s.Offset})
	}
	return m
}
