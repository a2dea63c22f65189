package compile

import (
	"fmt"
	"log/slog"

	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/codegen"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/resolve"
	"github.com/roach88/qplan/internal/vdbe"
	"github.com/roach88/qplan/internal/where"
)

// Planner chooses the loop of every FROM item of one SELECT. It is called
// once per SELECT, nested ones included, after the WHERE clause has been
// analyzed.
type Planner interface {
	Plan(src []*ast.SrcItem, wc *where.Clause) (*where.Plan, error)
}

// PlanFunc adapts an ordinary function to Planner.
type PlanFunc func(src []*ast.SrcItem, wc *where.Clause) (*where.Plan, error)

// Plan calls f.
func (f PlanFunc) Plan(src []*ast.SrcItem, wc *where.Clause) (*where.Plan, error) {
	return f(src, wc)
}

// ScanPlanner loops over the FROM items in order, scanning tables and
// driving subqueries as coroutines.
var ScanPlanner Planner = PlanFunc(func(src []*ast.SrcItem, _ *where.Clause) (*where.Plan, error) {
	plan := &where.Plan{}
	for i := range src {
		plan.Levels = append(plan.Levels, where.PlanLevel{From: i, Loop: DefaultLoop(src[i])})
	}
	return plan, nil
})

// DefaultLoop is the loop ScanPlanner uses for item.
func DefaultLoop(item *ast.SrcItem) *where.Loop {
	if item.Subquery != nil {
		return &where.Loop{Strategy: where.Coroutine}
	}
	return &where.Loop{Strategy: where.FullScan}
}

// BodyFunc emits the code run for every row the loop nest produces.
type BodyFunc func(p *codegen.Parse, sel *ast.Select, w *where.Info) error

// ResultRow is the default body: it evaluates the result columns and
// emits them as one row.
func ResultRow(p *codegen.Parse, sel *ast.Select, _ *where.Info) error {
	n := len(sel.Results)
	base := p.AllocRegs(n)
	for i, rc := range sel.Results {
		if err := p.Expr(rc.Expr, base+i); err != nil {
			return err
		}
	}
	p.V.Add(vdbe.OpResultRow, base, n, 0)
	return nil
}

// Compiler turns SELECT statements over one schema into programs.
type Compiler struct {
	schema  *catalog.Schema
	planner Planner
	body    BodyFunc
	logger  *slog.Logger

	parseOpts   []codegen.Option
	resolveOpts []resolve.Option
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithPlanner sets the planner. Default: ScanPlanner.
func WithPlanner(pl Planner) Option {
	return func(c *Compiler) { c.planner = pl }
}

// WithBody sets the code emitted per row of the outermost SELECT.
// Default: ResultRow.
func WithBody(b BodyFunc) Option {
	return func(c *Compiler) { c.body = b }
}

// WithLogger sets the logger of the compiler, the resolver and the code
// generator.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

// WithParseOptions forwards options to every compilation context.
func WithParseOptions(opts ...codegen.Option) Option {
	return func(c *Compiler) { c.parseOpts = append(c.parseOpts, opts...) }
}

// WithResolveOptions forwards options to the resolver.
func WithResolveOptions(opts ...resolve.Option) Option {
	return func(c *Compiler) { c.resolveOpts = append(c.resolveOpts, opts...) }
}

// New creates a Compiler for statements over schema.
func New(schema *catalog.Schema, opts ...Option) *Compiler {
	c := &Compiler{
		schema:  schema,
		planner: ScanPlanner,
		body:    ResultRow,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Statement is the outcome of compiling one SELECT.
type Statement struct {
	Select  *ast.Select
	Clause  *where.Clause // analyzed WHERE clause of the outermost SELECT
	Plan    *where.Plan   // nil when only analyzed
	Program *vdbe.Program // nil when only analyzed

	NumRegs    int
	NumCursors int
}

func (c *Compiler) newParse() *codegen.Parse {
	opts := []codegen.Option{codegen.WithLogger(c.logger), codegen.WithSubqueries(subqueries{c})}
	return codegen.New(append(opts, c.parseOpts...)...)
}

func (c *Compiler) resolve(p *codegen.Parse, sel *ast.Select) error {
	opts := []resolve.Option{resolve.WithCursors(p), resolve.WithLogger(c.logger)}
	r := resolve.New(c.schema.Funcs(), append(opts, c.resolveOpts...)...)
	if err := r.ResolveSelect(nil, sel); err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	return nil
}

// Analyze resolves sel in place and analyzes its WHERE clause without
// generating code.
func (c *Compiler) Analyze(sel *ast.Select) (*Statement, error) {
	p := c.newParse()
	if err := c.resolve(p, sel); err != nil {
		return nil, err
	}
	wc, err := clauseFor(p, sel)
	if err != nil {
		return nil, fmt.Errorf("analyze WHERE: %w", err)
	}
	return &Statement{Select: sel, Clause: wc, NumCursors: p.NumCursors()}, nil
}

// CompileSelect resolves sel in place and compiles it into a verified
// program.
func (c *Compiler) CompileSelect(sel *ast.Select) (*Statement, error) {
	p := c.newParse()
	if err := c.resolve(p, sel); err != nil {
		return nil, err
	}
	v := p.V
	addrInit := v.Add(vdbe.OpInit, 0, 0, 0)
	wc, plan, err := c.codeSelect(p, sel, c.body)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	v.Add(vdbe.OpHalt, 0, 0, 0)
	v.ChangeP2(addrInit, addrInit+1)
	if err := v.Finalize(); err != nil {
		return nil, diag.Errorf(diag.CodeMalformed, "verify program: %v", err)
	}
	c.logger.Debug("compiled select",
		"instructions", v.Len(), "registers", p.NumRegs(), "cursors", p.NumCursors())
	return &Statement{
		Select:     sel,
		Clause:     wc,
		Plan:       plan,
		Program:    v,
		NumRegs:    p.NumRegs(),
		NumCursors: p.NumCursors(),
	}, nil
}

// codeSelect emits the loop nest of sel around body. It is used for the
// outermost SELECT, FROM-clause subqueries and subquery expressions.
func (c *Compiler) codeSelect(p *codegen.Parse, sel *ast.Select, body BodyFunc) (*where.Clause, *where.Plan, error) {
	if err := checkSupported(sel); err != nil {
		return nil, nil, err
	}
	for _, item := range sel.From {
		if item.Subquery != nil {
			if err := c.codeCoroutine(p, item); err != nil {
				return nil, nil, err
			}
		}
	}
	wc, err := clauseFor(p, sel)
	if err != nil {
		return nil, nil, err
	}
	plan, err := c.planner.Plan(sel.From, wc)
	if err != nil {
		return nil, nil, fmt.Errorf("plan: %w", err)
	}
	c.logger.Debug("planned select", "from", len(sel.From), "terms", wc.Len(), "levels", len(plan.Levels))

	w, err := where.Begin(p, sel.From, wc, plan)
	if err != nil {
		return nil, nil, err
	}
	notReady := where.AllMask
	for i := 0; i < w.NumLevels(); i++ {
		if notReady, err = w.CodeLevel(i, notReady); err != nil {
			return nil, nil, err
		}
	}
	if err := body(p, sel, w); err != nil {
		return nil, nil, err
	}
	if err := w.End(); err != nil {
		return nil, nil, err
	}
	return wc, plan, nil
}

// codeCoroutine emits a FROM-clause subquery as a coroutine that yields
// one row into the item's result registers per resumption.
func (c *Compiler) codeCoroutine(p *codegen.Parse, item *ast.SrcItem) error {
	v := p.V
	item.Coroutine = true
	item.RegReturn = p.AllocReg()
	item.RegResult = p.AllocRegs(item.ColumnCount())
	addr := v.Add(vdbe.OpInitCoroutine, item.RegReturn, 0, v.CurrentAddr()+1)
	v.Comment("%s", item.ExposedName())
	item.AddrFill = addr + 1

	yield := func(p *codegen.Parse, sel *ast.Select, _ *where.Info) error {
		for i, rc := range sel.Results {
			if err := p.Expr(rc.Expr, item.RegResult+i); err != nil {
				return err
			}
		}
		p.V.Add(vdbe.OpYield, item.RegReturn, 0, 0)
		return nil
	}
	if _, _, err := c.codeSelect(p, item.Subquery, yield); err != nil {
		return fmt.Errorf("subquery %s: %w", item.ExposedName(), err)
	}
	v.Add(vdbe.OpEndCoroutine, item.RegReturn, 0, 0)
	v.JumpHere(addr)
	return nil
}

// checkSupported rejects the parts of a SELECT this compiler has no code
// generator for.
func checkSupported(sel *ast.Select) error {
	var what string
	switch {
	case sel.Prior != nil:
		what = "compound SELECT"
	case sel.Flags&ast.SelectAggregate != 0:
		what = "aggregate query"
	case sel.Distinct:
		what = "SELECT DISTINCT"
	case len(sel.OrderBy) > 0:
		what = "ORDER BY"
	case sel.Limit != nil || sel.Offset != nil:
		what = "LIMIT"
	default:
		return nil
	}
	return diag.Errorf(diag.CodeUnsupported, "%s is not supported by the loop compiler", what)
}
