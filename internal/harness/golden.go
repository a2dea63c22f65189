package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/qplan/internal/compile"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/fixture"
	"github.com/roach88/qplan/internal/where"
)

// Snapshot renders a result for golden comparison: the fixture name, then
// either the first compile diagnostic or the loop nest and listing.
//
//	fixture: eq_lookup
//	plan:
//	  t1: indexed-scan index=i_b eq=1
//	program:
//	addr  opcode ...
func Snapshot(r *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "fixture: %s\n", r.Fixture.Name)
	if r.Err != nil {
		fmt.Fprintf(&b, "error: %s\n", describeError(r.Err))
		return []byte(b.String())
	}
	b.WriteString("plan:\n")
	for _, line := range PlanLines(r.Statement) {
		fmt.Fprintf(&b, "  %s\n", line)
	}
	b.WriteString("program:\n")
	b.WriteString(r.Statement.Program.Listing())
	return []byte(b.String())
}

func describeError(err error) string {
	if all := diag.All(err); len(all) > 0 {
		return fmt.Sprintf("%s: %s", all[0].Code, all[0].Error())
	}
	return err.Error()
}

// PlanLines describes the loop nest of a compiled statement, outermost
// level first.
func PlanLines(st *compile.Statement) []string {
	if st == nil || st.Plan == nil {
		return nil
	}
	lines := make([]string, 0, len(st.Plan.Levels))
	for _, lv := range st.Plan.Levels {
		name := st.Select.From[lv.From].ExposedName()
		lines = append(lines, fmt.Sprintf("%s: %s", name, DescribeLoop(lv.Loop)))
	}
	return lines
}

// DescribeLoop renders a loop descriptor on one line.
func DescribeLoop(l *where.Loop) string {
	parts := []string{l.Strategy.String()}
	switch l.Strategy {
	case where.IndexedScan:
		parts = append(parts, "index="+l.Index.Name)
		if l.NSkip > 0 {
			parts = append(parts, fmt.Sprintf("skip=%d", l.NSkip))
		}
		if n := l.NEq - l.NSkip; n > 0 {
			parts = append(parts, fmt.Sprintf("eq=%d", n))
		}
		if l.Has(where.LoopBtmLimit) {
			parts = append(parts, "lower")
		}
		if l.Has(where.LoopTopLimit) {
			parts = append(parts, "upper")
		}
		if l.Has(where.LoopIndexOnly) {
			parts = append(parts, "covering")
		}
		if l.Has(where.LoopOneRow) {
			parts = append(parts, "one-row")
		}
		if l.Reverse {
			parts = append(parts, "reverse")
		}
	case where.MultiOr:
		branches := make([]string, len(l.Branches))
		for i, br := range l.Branches {
			branches[i] = DescribeLoop(br)
		}
		parts = append(parts, "["+strings.Join(branches, " | ")+"]")
	}
	return strings.Join(parts, " ")
}

// RunWithGolden runs f and compares its snapshot against
// testdata/golden/{f.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, f *fixture.Fixture) *Result {
	t.Helper()

	result, err := Run(f)
	if err != nil {
		t.Fatalf("run fixture %s: %v", f.Name, err)
	}
	AssertGolden(t, f.Name, result)
	return result
}

// AssertGolden compares an existing result's snapshot against a golden
// file named after name.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Snapshot(result))
}
