package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/qplan/internal/compile"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/fixture"
	"github.com/roach88/qplan/internal/resolve"
)

// TermInfo describes one WHERE term after analysis.
type TermInfo struct {
	ID       int    `json:"id"`
	Text     string `json:"text"`
	Operator string `json:"operator"`
	Prereq   uint64 `json:"prereq"`
	Virtual  bool   `json:"virtual,omitempty"`
	FromJoin bool   `json:"from_join,omitempty"`
}

// ResolveResult holds the resolved form of one fixture's query.
type ResolveResult struct {
	Fixture   string     `json:"fixture"`
	Results   []string   `json:"results,omitempty"`
	Terms     []TermInfo `json:"terms,omitempty"`
	ErrorCode string     `json:"error_code,omitempty"`
	Error     string     `json:"error,omitempty"`
	Pass      bool       `json:"pass"`
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <fixture>",
		Short: "Resolve names and print the analyzed WHERE terms",
		Long: `Resolve every name in a fixture's query and analyze its WHERE clause
without generating code.

Prints the resolved result columns and one line per WHERE term: its id,
resolved text, index operator and the tables it depends on.

Exit codes:
  0 - All queries resolved (or failed as expected)
  1 - A query failed to resolve
  2 - Command error (invalid path, invalid fixture, etc.)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, args[0], cmd)
		},
	}
}

func runResolve(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	logger := formatter.Logger()

	fixtures, err := LoadFixtures(path)
	if err != nil {
		return failLoad(formatter, err)
	}
	formatter.VerboseLog("Loaded %d fixture(s) from %s", len(fixtures), path)

	results := make([]ResolveResult, 0, len(fixtures))
	failed := 0
	for _, f := range fixtures {
		r, err := resolveFixture(f, opts.MaxDepth, logger)
		if err != nil {
			return failLoad(formatter, loadError(err))
		}
		if !r.Pass {
			failed++
		}
		results = append(results, r)
	}

	status := "ok"
	if failed > 0 {
		status = "fail"
	}
	if err := formatter.Emit(status, results, func(w io.Writer) error {
		for _, r := range results {
			writeResolveText(w, r)
		}
		return nil
	}); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d fixture(s) failed to resolve", failed, len(results)))
	}
	return nil
}

// resolveFixture analyzes one fixture. The error reports a fixture that
// cannot be built.
func resolveFixture(f *fixture.Fixture, maxDepth int, logger *slog.Logger) (ResolveResult, error) {
	schema, sel, err := f.Build()
	if err != nil {
		return ResolveResult{}, err
	}
	c := compile.New(schema,
		compile.WithLogger(logger),
		compile.WithResolveOptions(resolve.WithMaxDepth(maxDepth)),
	)

	r := ResolveResult{Fixture: f.Name}
	st, err := c.Analyze(sel)
	if err != nil {
		r.ErrorCode = string(diag.CodeOf(err))
		r.Error = err.Error()
		r.Pass = f.Expect != nil && f.Expect.Error == r.ErrorCode
		return r, nil
	}

	r.Pass = true
	for _, rc := range st.Select.Results {
		r.Results = append(r.Results, rc.Expr.String())
	}
	for id, t := range st.Clause.Terms() {
		r.Terms = append(r.Terms, TermInfo{
			ID:       id,
			Text:     t.Text(),
			Operator: t.Operator.String(),
			Prereq:   uint64(t.PrereqAll),
			Virtual:  t.Virtual,
			FromJoin: t.FromJoin,
		})
	}
	return r, nil
}

func writeResolveText(w io.Writer, r ResolveResult) {
	fmt.Fprintf(w, "fixture: %s\n", r.Fixture)
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s: %s\n", r.ErrorCode, r.Error)
		return
	}
	fmt.Fprintln(w, "results:")
	for _, rc := range r.Results {
		fmt.Fprintf(w, "  %s\n", rc)
	}
	fmt.Fprintln(w, "terms:")
	for _, t := range r.Terms {
		var marks string
		if t.Virtual {
			marks += " virtual"
		}
		if t.FromJoin {
			marks += " on"
		}
		fmt.Fprintf(w, "  %-3d %-24s %-8s prereq=%#x%s\n", t.ID, t.Text, t.Operator, t.Prereq, marks)
	}
}
