package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/qplan/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Archive string
	Fixture string
	RunID   string
	Limit   int
	Show    string // record id to print in full
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history --archive <db>",
		Short: "List archived compilations",
		Long: `List the compilations recorded by 'qplan explain --archive', oldest first.

With --show, print one record in full, including its program listing.

Examples:
  qplan history --archive plans.db
  qplan history --archive plans.db --fixture eq_lookup --limit 5
  qplan history --archive plans.db --show 0192f4c1-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Archive, "archive", "", "archive database path (required)")
	cmd.Flags().StringVar(&opts.Fixture, "fixture", "", "only records of this fixture")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "only records of this run")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "only the most recent N records")
	cmd.Flags().StringVar(&opts.Show, "show", "", "print the record with this id in full")
	_ = cmd.MarkFlagRequired("archive")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	// Opening creates missing databases; history only reads existing ones.
	if _, err := os.Stat(opts.Archive); os.IsNotExist(err) {
		return formatter.Fail(ErrCodeNotFound, fmt.Sprintf("archive not found: %s", opts.Archive), nil)
	}
	a, err := store.Open(opts.Archive)
	if err != nil {
		return formatter.Fail(ErrCodeArchive, err.Error(), nil)
	}
	defer a.Close()

	if opts.Show != "" {
		rec, err := a.Get(ctx, opts.Show)
		if errors.Is(err, store.ErrNotFound) {
			return formatter.Fail(ErrCodeNotFound, err.Error(), nil)
		}
		if err != nil {
			return formatter.Fail(ErrCodeArchive, err.Error(), nil)
		}
		return formatter.Emit("ok", rec, func(w io.Writer) error {
			writeRecordText(w, rec)
			return nil
		})
	}

	records, err := a.List(ctx, store.Filter{Fixture: opts.Fixture, RunID: opts.RunID, Limit: opts.Limit})
	if err != nil {
		return formatter.Fail(ErrCodeArchive, err.Error(), nil)
	}
	return formatter.Emit("ok", records, func(w io.Writer) error {
		if len(records) == 0 {
			fmt.Fprintln(w, "no records")
			return nil
		}
		for _, rec := range records {
			outcome := "pass"
			if !rec.Pass {
				outcome = "FAIL"
			}
			if rec.ErrorCode != "" {
				outcome += " " + rec.ErrorCode
			}
			fmt.Fprintf(w, "%-5d %s  %-20s %s  run=%s\n", rec.Seq, rec.ID, rec.Fixture, outcome, rec.RunID)
		}
		return nil
	})
}

func writeRecordText(w io.Writer, rec store.Record) {
	fmt.Fprintf(w, "id:      %s\n", rec.ID)
	fmt.Fprintf(w, "seq:     %d\n", rec.Seq)
	fmt.Fprintf(w, "run:     %s\n", rec.RunID)
	fmt.Fprintf(w, "fixture: %s\n", rec.Fixture)
	if rec.Source != "" {
		fmt.Fprintf(w, "source:  %s\n", rec.Source)
	}
	fmt.Fprintf(w, "pass:    %t\n", rec.Pass)
	if rec.Error != "" {
		fmt.Fprintf(w, "error:   %s: %s\n", rec.ErrorCode, rec.Error)
		return
	}
	fmt.Fprintln(w, "plan:")
	for _, line := range rec.Plan {
		fmt.Fprintf(w, "  %s\n", line)
	}
	fmt.Fprint(w, rec.Listing)
}
