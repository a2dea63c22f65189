// Package codegen holds the per-statement compilation context and the
// expression coder used by the WHERE-loop generator.
package codegen

import (
	"log/slog"

	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/vdbe"
)

// SubqueryCoder emits code for subqueries nested in expressions. SELECT
// code generation lives outside this package; without a coder such
// expressions fail with diag.CodeUnsupported.
type SubqueryCoder interface {
	// Scalar stores the row of a scalar subquery into registers starting at target.
	Scalar(p *Parse, e *ast.Expr, target int) error
	// Exists stores 1 or 0 into target.
	Exists(p *Parse, e *ast.Expr, target int) error
	// InCursor materialises the right-hand side of an IN (SELECT) and
	// returns a cursor over it.
	InCursor(p *Parse, e *ast.Expr) (int, error)
}

// Option configures a Parse.
type Option func(*Parse)

// WithLogger sets the logger used for compile tracing.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parse) { p.logger = l }
}

// WithMaxExprDepth bounds expression nesting and OR-branch descent.
func WithMaxExprDepth(n int) Option {
	return func(p *Parse) { p.limits.MaxExprDepth = n }
}

// WithMaxTerms bounds the number of WHERE terms of one clause.
func WithMaxTerms(n int) Option {
	return func(p *Parse) { p.limits.MaxTerms = n }
}

// WithSubqueries installs the coder for nested subqueries.
func WithSubqueries(c SubqueryCoder) Option {
	return func(p *Parse) { p.subq = c }
}

// columnMap redirects column reads from a table cursor to a covering
// index, or to the result registers of a coroutine when index is nil.
type columnMap struct {
	cursor int
	index  *catalog.Index
	regs   int
}

// Parse is the compilation context of one statement. It owns the program
// under construction and the register and cursor arenas; nothing in it is
// shared with other compilations.
type Parse struct {
	V *vdbe.Program

	nMem   int
	nTab   int
	temps  []int
	limits Limits
	depth  int

	covering map[int]columnMap
	subq     SubqueryCoder
	logger   *slog.Logger
}

// New creates a compilation context with an empty program.
func New(opts ...Option) *Parse {
	p := &Parse{
		V:        vdbe.NewProgram(),
		limits:   DefaultLimits(),
		covering: make(map[int]columnMap),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Logger returns the compile logger.
func (p *Parse) Logger() *slog.Logger {
	return p.logger
}

// Limits returns the configured limits.
func (p *Parse) Limits() Limits {
	return p.limits
}

// AllocReg returns a fresh register.
func (p *Parse) AllocReg() int {
	p.nMem++
	return p.nMem
}

// AllocRegs returns the first of n fresh consecutive registers.
func (p *Parse) AllocRegs(n int) int {
	base := p.nMem + 1
	p.nMem += n
	return base
}

// TempReg returns a scratch register, reusing released ones.
func (p *Parse) TempReg() int {
	if n := len(p.temps); n > 0 {
		r := p.temps[n-1]
		p.temps = p.temps[:n-1]
		return r
	}
	return p.AllocReg()
}

// ReleaseTemp returns a scratch register to the pool.
func (p *Parse) ReleaseTemp(r int) {
	if r > 0 && len(p.temps) < 8 {
		p.temps = append(p.temps, r)
	}
}

// AllocCursor returns a fresh cursor number.
func (p *Parse) AllocCursor() int {
	c := p.nTab
	p.nTab++
	return c
}

// NumRegs is the number of registers allocated so far.
func (p *Parse) NumRegs() int {
	return p.nMem
}

// NumCursors is the number of cursors allocated so far.
func (p *Parse) NumCursors() int {
	return p.nTab
}

// UseCovering makes column reads of cursor come from the covering index
// opened on idxCursor.
func (p *Parse) UseCovering(cursor, idxCursor int, ix *catalog.Index) {
	p.covering[cursor] = columnMap{cursor: idxCursor, index: ix}
}

// UseRegisters makes column reads of cursor copy from the registers
// starting at base, one per column.
func (p *Parse) UseRegisters(cursor, base int) {
	p.covering[cursor] = columnMap{regs: base}
}

// Column emits a read of column col of the table behind cursor.
func (p *Parse) Column(cursor, col, target int) error {
	m, ok := p.covering[cursor]
	switch {
	case !ok:
		p.V.Add(vdbe.OpColumn, cursor, col, target)
	case m.index == nil:
		p.V.Add(vdbe.OpCopy, m.regs+col, target, 0)
	default:
		pos := m.index.RecordPosition(col)
		if pos < 0 {
			return diag.Errorf(diag.CodeMalformed,
				"column %d of %s is not covered by index %s", col, m.index.Table.Name, m.index.Name)
		}
		p.V.Add(vdbe.OpColumn, m.cursor, pos, target)
	}
	return nil
}
