package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/qplan/internal/compile"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/fixture"
)

// Harness compiles fixtures and checks their expectations.
type Harness struct {
	logger      *slog.Logger
	compileOpts []compile.Option
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger passed to the compiler.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithCompileOptions adds options to every compilation, after the
// fixture's own planner.
func WithCompileOptions(opts ...compile.Option) Option {
	return func(h *Harness) { h.compileOpts = append(h.compileOpts, opts...) }
}

// New creates a Harness. Logs are discarded unless WithLogger is given.
func New(opts ...Option) *Harness {
	h := &Harness{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Result is the outcome of running one fixture.
type Result struct {
	Fixture *fixture.Fixture

	// Statement is the compiled statement, nil when compilation failed.
	Statement *compile.Statement

	// Err is the compile error, expected or not.
	Err error

	// Pass is true when the outcome matches the fixture's expectation.
	Pass bool

	// Errors describes every mismatch. Empty if Pass is true.
	Errors []string
}

// NewResult creates a passing result for f.
func NewResult(f *fixture.Fixture) *Result {
	return &Result{Fixture: f, Pass: true, Errors: []string{}}
}

// AddError records a mismatch and marks the result as failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// Run compiles f with a default Harness.
func Run(f *fixture.Fixture) (*Result, error) {
	return New().Run(f)
}

// Run builds and compiles f. The returned error reports a fixture that
// cannot be built; compile failures are part of the Result.
func (h *Harness) Run(f *fixture.Fixture) (*Result, error) {
	schema, sel, err := f.Build()
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", f.Name, err)
	}

	opts := []compile.Option{compile.WithLogger(h.logger), compile.WithPlanner(f.Planner(sel))}
	st, err := compile.New(schema, append(opts, h.compileOpts...)...).CompileSelect(sel)

	result := NewResult(f)
	result.Statement = st
	result.Err = err
	switch {
	case f.Expect == nil && err != nil:
		result.AddError(fmt.Sprintf("compile failed: %v", err))
	case f.Expect == nil:
	case err == nil:
		result.AddError(fmt.Sprintf("expected %s error, compiled %d instructions",
			f.Expect.Error, st.Program.Len()))
	default:
		checkError(result, f.Expect, err)
	}

	h.logger.Info("fixture compiled",
		"fixture", f.Name,
		"pass", result.Pass,
		"error", diag.CodeOf(err),
	)
	return result, nil
}

func checkError(r *Result, want *fixture.Expectation, err error) {
	if got := diag.CodeOf(err); string(got) != want.Error {
		r.AddError(fmt.Sprintf("expected %s error, got %s: %v", want.Error, codeOrNone(got), err))
		return
	}
	if want.Message != "" && !strings.Contains(err.Error(), want.Message) {
		r.AddError(fmt.Sprintf("expected message containing %q, got %q", want.Message, err.Error()))
	}
}

func codeOrNone(c diag.Code) string {
	if c == "" {
		return "uncoded error"
	}
	return string(c)
}

// RunAll runs fixtures concurrently, at most jobs at a time (no limit
// when jobs <= 0). Results are returned in fixture order. The first
// fixture that cannot be built cancels the rest.
func (h *Harness) RunAll(ctx context.Context, fixtures []*fixture.Fixture, jobs int) ([]*Result, error) {
	results := make([]*Result, len(fixtures))
	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for i, f := range fixtures {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := h.Run(f)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
