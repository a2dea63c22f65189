package codegen

import "github.com/roach88/qplan/internal/diag"

// Default limits.
const (
	DefaultMaxExprDepth = 1000
	DefaultMaxTerms     = 1000
	// MaxTables is the width of the table bitmask used by the loop generator.
	MaxTables = 64
)

// Limits bounds the size of what one compilation may produce.
type Limits struct {
	MaxExprDepth int
	MaxTerms     int
}

// DefaultLimits returns the default limits.
func DefaultLimits() Limits {
	return Limits{MaxExprDepth: DefaultMaxExprDepth, MaxTerms: DefaultMaxTerms}
}

// Enter records one level of nesting. Every successful Enter must be
// paired with Leave.
func (p *Parse) Enter() error {
	if p.depth >= p.limits.MaxExprDepth {
		return diag.Errorf(diag.CodeLimit, "expression nesting exceeds maximum depth %d", p.limits.MaxExprDepth)
	}
	p.depth++
	return nil
}

// Leave undoes one Enter.
func (p *Parse) Leave() {
	p.depth--
}

// CheckTerms fails when a clause would hold more than the term limit.
func (p *Parse) CheckTerms(n int) error {
	if n > p.limits.MaxTerms {
		return diag.Errorf(diag.CodeLimit, "too many WHERE terms: %d exceeds limit %d", n, p.limits.MaxTerms)
	}
	return nil
}

// CheckTables fails when a join would hold more tables than the bitmask width.
func (p *Parse) CheckTables(n int) error {
	if n > MaxTables {
		return diag.Errorf(diag.CodeLimit, "at most %d tables in a join", MaxTables)
	}
	return nil
}
