package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/qplan/internal/compile"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/harness"
	"github.com/roach88/qplan/internal/resolve"
	"github.com/roach88/qplan/internal/store"
)

// ExplainOptions holds flags for the explain command.
type ExplainOptions struct {
	*RootOptions
	Archive string // archive database path; empty disables archiving
	Jobs    int    // concurrent compilations
}

// ExplainResult is the outcome of compiling one fixture.
type ExplainResult struct {
	Fixture   string          `json:"fixture"`
	Pass      bool            `json:"pass"`
	Plan      []string        `json:"plan,omitempty"`
	Program   json.RawMessage `json:"program,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Failures  []string        `json:"failures,omitempty"`
	RecordID  string          `json:"record_id,omitempty"`

	listing string
	source  string
}

// ExplainSummary holds the overall explain result.
type ExplainSummary struct {
	Fixtures []ExplainResult `json:"fixtures"`
	RunID    string          `json:"run_id,omitempty"`
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
	Total    int             `json:"total"`
}

// NewExplainCommand creates the explain command.
func NewExplainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExplainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "explain <fixture|dir>",
		Short: "Compile fixtures and print their programs",
		Long: `Compile one fixture file, or every fixture in a directory, and print
the loop plan and EXPLAIN-style program of each.

Fixtures in a directory are compiled concurrently. With --archive, every
result is also appended to a SQLite archive readable with 'qplan history'.

Exit codes:
  0 - Every fixture compiled as expected
  1 - One or more fixtures failed
  2 - Command error (invalid path, invalid fixture, archive error)

Examples:
  qplan explain testdata/fixtures/eq_lookup.yaml
  qplan explain testdata/fixtures --jobs 4 --archive plans.db
  qplan explain testdata/fixtures --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Archive, "archive", "", "append results to this archive database")
	cmd.Flags().IntVarP(&opts.Jobs, "jobs", "j", 4, "number of fixtures compiled concurrently")

	return cmd
}

func runExplain(ctx context.Context, opts *ExplainOptions, path string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	fixtures, err := LoadFixtures(path)
	if err != nil {
		return failLoad(formatter, err)
	}
	formatter.VerboseLog("Loaded %d fixture(s) from %s", len(fixtures), path)

	h := harness.New(
		harness.WithLogger(formatter.Logger()),
		harness.WithCompileOptions(compile.WithResolveOptions(resolve.WithMaxDepth(opts.MaxDepth))),
	)
	results, err := h.RunAll(ctx, fixtures, opts.Jobs)
	if err != nil {
		return failLoad(formatter, loadError(err))
	}

	summary := ExplainSummary{Total: len(results)}
	for _, r := range results {
		er, err := explainResult(r)
		if err != nil {
			return formatter.Fail(ErrCodeGeneric, err.Error(), nil)
		}
		if er.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
		summary.Fixtures = append(summary.Fixtures, er)
	}

	if opts.Archive != "" {
		if err := archiveResults(ctx, opts.Archive, &summary); err != nil {
			return formatter.Fail(ErrCodeArchive, err.Error(), nil)
		}
		formatter.VerboseLog("Archived run %s to %s", summary.RunID, opts.Archive)
	}

	status := "ok"
	if summary.Failed > 0 {
		status = "fail"
	}
	if err := formatter.Emit(status, summary, func(w io.Writer) error {
		writeExplainText(w, summary)
		return nil
	}); err != nil {
		return err
	}

	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d fixture(s) failed", summary.Failed, summary.Total))
	}
	return nil
}

func explainResult(r *harness.Result) (ExplainResult, error) {
	er := ExplainResult{
		Fixture:  r.Fixture.Name,
		Pass:     r.Pass,
		Failures: r.Errors,
		source:   r.Fixture.Path,
	}
	if r.Err != nil {
		er.ErrorCode = string(diag.CodeOf(r.Err))
		er.Error = r.Err.Error()
		return er, nil
	}
	er.Plan = harness.PlanLines(r.Statement)
	program, err := json.Marshal(r.Statement.Program)
	if err != nil {
		return ExplainResult{}, fmt.Errorf("fixture %s: encode program: %w", r.Fixture.Name, err)
	}
	er.Program = program
	er.listing = r.Statement.Program.Listing()
	return er, nil
}

// archiveResults appends every result to the archive at path under one
// run id, filling in RunID and the record ids.
func archiveResults(ctx context.Context, path string, summary *ExplainSummary) error {
	a, err := store.Open(path)
	if err != nil {
		return err
	}
	defer a.Close()

	summary.RunID = a.NewRunID()
	for i := range summary.Fixtures {
		er := &summary.Fixtures[i]
		rec, err := a.Record(ctx, store.Record{
			RunID:     summary.RunID,
			Fixture:   er.Fixture,
			Source:    er.source,
			Pass:      er.Pass,
			Plan:      er.Plan,
			Listing:   er.listing,
			Program:   er.Program,
			ErrorCode: er.ErrorCode,
			Error:     er.Error,
		})
		if err != nil {
			return err
		}
		er.RecordID = rec.ID
	}
	return nil
}

func writeExplainText(w io.Writer, summary ExplainSummary) {
	for _, er := range summary.Fixtures {
		mark := "PASS"
		if !er.Pass {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "=== %s %s\n", mark, er.Fixture)
		for _, msg := range er.Failures {
			fmt.Fprintf(w, "  %s\n", msg)
		}
		if er.Error != "" {
			fmt.Fprintf(w, "error: %s: %s\n", er.ErrorCode, er.Error)
		} else {
			fmt.Fprintln(w, "plan:")
			for _, line := range er.Plan {
				fmt.Fprintf(w, "  %s\n", line)
			}
			fmt.Fprint(w, er.listing)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
	if summary.RunID != "" {
		fmt.Fprintf(w, "archived as run %s\n", summary.RunID)
	}
}
