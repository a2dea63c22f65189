package resolve

import "github.com/roach88/qplan/internal/ast"

type scopeFlags uint8

const (
	allowAgg scopeFlags = 1 << iota
	hasAgg
	minMaxAgg
	varSelect
)

// Scope is one level of name lookup: the FROM items of a statement, its
// result set (for alias references) and the enclosing scope. The item
// list and parent never change after construction; the flags and
// reference counter record what resolution found.
type Scope struct {
	src     []*ast.SrcItem
	results []ast.ResultColumn
	parent  *Scope
	flags   scopeFlags
	refs    int
}

// NewScope creates a scope over src nested inside parent (nil for the
// outermost statement).
func NewScope(src []*ast.SrcItem, parent *Scope) *Scope {
	return &Scope{src: src, parent: parent}
}

// Parent returns the enclosing scope.
func (s *Scope) Parent() *Scope {
	return s.parent
}

// Sources returns the visible FROM items.
func (s *Scope) Sources() []*ast.SrcItem {
	return s.src
}

// HasAggregate reports whether an aggregate bound to this scope was seen.
func (s *Scope) HasAggregate() bool {
	return s.flags&hasAgg != 0
}

// Correlated reports whether a subquery resolved in this scope referred
// to this or an enclosing scope.
func (s *Scope) Correlated() bool {
	return s.flags&varSelect != 0
}

// Refs counts column references resolved through this scope.
func (s *Scope) Refs() int {
	return s.refs
}

func (s *Scope) allows(f scopeFlags) bool {
	return s.flags&f != 0
}

// owns reports whether cursor belongs to one of the scope's items.
func (s *Scope) owns(cursor int) bool {
	for _, item := range s.src {
		if item.Cursor == cursor {
			return true
		}
	}
	return false
}

// markRefs counts a reference in every scope from s up to and including
// target.
func markRefs(s, target *Scope) {
	for sc := s; sc != nil; sc = sc.parent {
		sc.refs++
		if sc == target {
			return
		}
	}
}
