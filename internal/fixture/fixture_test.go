package fixture

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/compile"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/vdbe"
	"github.com/roach88/qplan/internal/where"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func compileFixture(t *testing.T, f *Fixture) (*compile.Statement, error) {
	t.Helper()
	schema, sel, err := f.Build()
	require.NoError(t, err)
	c := compile.New(schema,
		compile.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		compile.WithPlanner(f.Planner(sel)),
	)
	return c.CompileSelect(sel)
}

func loadOne(t *testing.T, path, name string) *Fixture {
	t.Helper()
	fs, err := Load(path)
	require.NoError(t, err)
	for _, f := range fs {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("fixture %s not found in %s", name, path)
	return nil
}

func TestLoadYAML(t *testing.T) {
	f, err := LoadYAML("testdata/fixtures/eq_lookup.yaml")
	require.NoError(t, err)

	assert.Equal(t, "eq_lookup", f.Name)
	assert.Equal(t, "testdata/fixtures/eq_lookup.yaml", f.Path)
	require.Len(t, f.Tables, 1)
	assert.Len(t, f.Tables[0].Columns, 3)
	assert.True(t, f.Tables[0].Columns[0].NotNull)
	assert.Equal(t, []string{"c"}, f.Query.Select)
	assert.Equal(t, "b = 7", f.Query.Where)
	require.NotNil(t, f.Plan)
	require.Len(t, f.Plan.Levels, 1)
	assert.Equal(t, LoopDef{Strategy: StrategyIndexed, Index: "i_b", Eq: []string{"t1.b = 7"}}, f.Plan.Levels[0].Loop)
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), "typo.yaml", `
name: typo
tabels: []
query:
  select: ["1"]
`)
	_, err := LoadYAML(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tabels")
}

func TestLoadYAMLValidates(t *testing.T) {
	path := writeFile(t, t.TempDir(), "invalid.yaml", `
query:
  select: []
`)
	_, err := LoadYAML(path)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, []string{ErrNameRequired, ErrNoResults}, codes(verrs))
}

func TestLoadCUE(t *testing.T) {
	fs, err := LoadCUE("testdata/fixtures/joins.cue")
	require.NoError(t, err)
	require.Len(t, fs, 2)

	assert.Equal(t, "left_join", fs[0].Name, "fixtures take their name from the label")
	assert.Equal(t, "from_subquery", fs[1].Name)
	assert.Equal(t, "testdata/fixtures/joins.cue", fs[0].Path)

	lj := fs[0]
	require.Len(t, lj.Tables, 2)
	assert.Equal(t, []string{"x"}, lj.Tables[1].Indexes[0].Columns)
	require.Len(t, lj.Query.From, 2)
	assert.Equal(t, "left", lj.Query.From[1].Join)
	require.Len(t, lj.Plan.Levels, 2)
	assert.True(t, lj.Plan.Levels[1].Loop.OneRow)

	sq := fs[1].Query.From[0]
	require.NotNil(t, sq.Subquery)
	assert.Equal(t, "s", sq.Alias)
	assert.Equal(t, "b > 0", sq.Subquery.Where)
}

func TestLoadCUESingleFixture(t *testing.T) {
	path := writeFile(t, t.TempDir(), "one.cue", `
fixture: {
	name: "one"
	tables: [{name: "t", columns: [{name: "a"}]}]
	query: {select: ["a"], from: [{table: "t"}]}
}
`)
	fs, err := LoadCUE(path)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	assert.Equal(t, "one", fs[0].Name)
	assert.Nil(t, fs[0].Plan)
}

func TestLoadCUERejectsUnknownFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.cue", `
fixture: {
	name: "bad"
	tables: [{name: "t", columns: [{name: "a"}]}]
	query: {select: ["a"], bogus: true}
}
`)
	_, err := LoadCUE(path)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Contains(t, le.Error(), "bogus")
}

func TestLoadCUESyntaxErrorPosition(t *testing.T) {
	path := writeFile(t, t.TempDir(), "broken.cue", "fixture: {\n\tname: \"x\"\n\ttables: [\n")
	_, err := LoadCUE(path)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	require.True(t, le.Pos.IsValid())
	assert.Contains(t, le.Error(), "broken.cue:")
}

func TestLoadCUERequiresFixtures(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.cue", `other: 1`)
	_, err := LoadCUE(path)
	assert.ErrorContains(t, err, "no fixture or fixtures field")
}

func TestLoadDir(t *testing.T) {
	fs, err := LoadDir("testdata/fixtures")
	require.NoError(t, err)
	var names []string
	for _, f := range fs {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"eq_lookup", "left_join", "from_subquery"}, names)
}

func TestLoadDirRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	body := `
name: same
tables: [{name: t, columns: [{name: a}]}]
query: {select: [a], from: [{table: t}]}
`
	writeFile(t, dir, "a.yaml", body)
	writeFile(t, dir, "b.yml", body)
	writeFile(t, dir, "notes.txt", "ignored")

	_, err := LoadDir(dir)
	assert.ErrorContains(t, err, "defined in both")
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	_, err := Load("fixture.json")
	assert.ErrorContains(t, err, "not a fixture file")
	assert.False(t, IsFixtureFile("x.json"))
	assert.True(t, IsFixtureFile("x.YAML"))
}

func validFixture() *Fixture {
	return &Fixture{
		Name: "valid",
		Tables: []TableDef{{
			Name:    "t1",
			Columns: []ColumnDef{{Name: "a", Type: "integer"}, {Name: "b"}},
			Indexes: []IndexDef{{Name: "pk", Columns: []string{"a"}}, {Name: "i_b", Columns: []string{"b desc"}}},
		}},
		Query: QueryDef{
			Select: []string{"a"},
			From:   []FromDef{{Table: "t1"}},
			Where:  "b = 1",
		},
		Plan: &PlanDef{Levels: []LevelDef{{
			From: "t1",
			Loop: LoopDef{Strategy: StrategyIndexed, Index: "i_b", Eq: []string{"t1.b = 1"}},
		}}},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *Fixture)
		want   []string
	}{
		{"valid", func(f *Fixture) {}, nil},
		{"missing name", func(f *Fixture) { f.Name = "" }, []string{ErrNameRequired}},
		{"table without columns", func(f *Fixture) {
			f.Tables = append(f.Tables, TableDef{Name: "t2"})
		}, []string{ErrTableInvalid}},
		{"duplicate table", func(f *Fixture) {
			f.Tables = append(f.Tables, TableDef{Name: "T1", Columns: []ColumnDef{{Name: "x"}}})
		}, []string{ErrDuplicateName}},
		{"duplicate column", func(f *Fixture) {
			f.Tables[0].Columns = append(f.Tables[0].Columns, ColumnDef{Name: "A"})
		}, []string{ErrDuplicateName}},
		{"unknown type", func(f *Fixture) { f.Tables[0].Columns[1].Type = "blob" }, []string{ErrUnknownType}},
		{"index on missing column", func(f *Fixture) {
			f.Tables[0].Indexes[1].Columns = []string{"z"}
		}, []string{ErrUnknownColumn}},
		{"no results", func(f *Fixture) { f.Query.Select = nil }, []string{ErrNoResults}},
		{"unknown table", func(f *Fixture) {
			f.Query.From = []FromDef{{Table: "nope"}}
			f.Plan = nil
		}, []string{ErrFromInvalid}},
		{"table and subquery", func(f *Fixture) {
			f.Query.From[0].Subquery = &QueryDef{Select: []string{"1"}}
			f.Plan = nil
		}, []string{ErrFromInvalid}},
		{"constraint on first item", func(f *Fixture) { f.Query.From[0].On = "a = 1" }, []string{ErrFromInvalid}},
		{"unknown join", func(f *Fixture) {
			f.Query.From = append(f.Query.From, FromDef{Table: "t1", Alias: "x", Join: "outer"})
		}, []string{ErrUnknownJoin}},
		{"using missing column", func(f *Fixture) {
			f.Query.From = append(f.Query.From, FromDef{Table: "t1", Alias: "x", Using: []string{"z"}})
		}, []string{ErrUnknownColumn}},
		{"bad where", func(f *Fixture) { f.Query.Where = "b = " }, []string{ErrExprSyntax}},
		{"bad order by", func(f *Fixture) { f.Query.OrderBy = []string{"a DESC b"} }, []string{ErrExprSyntax}},
		{"unknown subquery", func(f *Fixture) { f.Query.Where = "EXISTS $s" }, []string{ErrExprSyntax}},
		{"declared subquery", func(f *Fixture) {
			f.Query.Where = "EXISTS $s"
			f.Query.Subqueries = map[string]QueryDef{"s": {Select: []string{"1"}}}
		}, nil},
		{"bad subquery", func(f *Fixture) {
			f.Query.Subqueries = map[string]QueryDef{"s": {Select: []string{"1 +"}}}
		}, []string{ErrExprSyntax}},
		{"plan names unknown item", func(f *Fixture) { f.Plan.Levels[0].From = "t9" }, []string{ErrPlanFrom}},
		{"item planned twice", func(f *Fixture) {
			f.Plan.Levels = append(f.Plan.Levels, LevelDef{From: "t1", Loop: LoopDef{Strategy: StrategyScan}})
		}, []string{ErrPlanFrom}},
		{"unknown strategy", func(f *Fixture) { f.Plan.Levels[0].Loop.Strategy = "hash" }, []string{ErrUnknownStrategy}},
		{"indexed without index", func(f *Fixture) { f.Plan.Levels[0].Loop.Index = "" }, []string{ErrLoopInvalid}},
		{"scan with bounds", func(f *Fixture) { f.Plan.Levels[0].Loop.Strategy = StrategyScan }, []string{ErrLoopInvalid}},
		{"coroutine over table", func(f *Fixture) {
			f.Plan.Levels[0].Loop = LoopDef{Strategy: StrategyCoroutine}
		}, []string{ErrLoopInvalid}},
		{"or without branches", func(f *Fixture) {
			f.Plan.Levels[0].Loop = LoopDef{Strategy: StrategyOr, Term: "t1.a = 1 OR t1.b = 2"}
		}, []string{ErrLoopInvalid}},
		{"nested or", func(f *Fixture) {
			inner := LoopDef{Strategy: StrategyOr, Term: "x", Branches: []LoopDef{{Strategy: StrategyScan}}}
			f.Plan.Levels[0].Loop = LoopDef{Strategy: StrategyOr, Term: "y", Branches: []LoopDef{inner}}
		}, []string{ErrLoopInvalid}},
		{"unknown expected code", func(f *Fixture) { f.Expect = &Expectation{Error: "BOOM"} }, []string{ErrUnknownCode}},
		{"known expected code", func(f *Fixture) { f.Expect = &Expectation{Error: "UNRESOLVED"} }, nil},
		{"several errors", func(f *Fixture) {
			f.Name = ""
			f.Query.Where = "("
			f.Plan.Levels[0].Loop.Strategy = "?"
		}, []string{ErrNameRequired, ErrExprSyntax, ErrUnknownStrategy}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFixture()
			tt.mutate(f)
			errs := Validate(f)
			if tt.want == nil {
				assert.Empty(t, errs)
				return
			}
			assert.Equal(t, tt.want, codes(errs))
		})
	}
}

func TestValidationErrorFormat(t *testing.T) {
	e := ValidationError{Field: "query.where", Message: "bad", Code: ErrExprSyntax}
	assert.Equal(t, "[E208] query.where: bad", e.Error())
	e.Line = 4
	assert.Equal(t, "[E208] line 4: query.where: bad", e.Error())

	err := ValidationErrors{{Field: "name", Message: "name is required", Code: ErrNameRequired}}
	assert.Equal(t, "invalid fixture: [E200] name: name is required", err.Error())
}

func TestBuild(t *testing.T) {
	f := validFixture()
	f.Query.OrderBy = []string{"b DESC"}
	schema, sel, err := f.Build()
	require.NoError(t, err)

	tbl, ok := schema.Table("t1")
	require.True(t, ok)
	require.Len(t, tbl.Indexes, 2)
	assert.True(t, tbl.Indexes[1].Parts[0].Desc)
	assert.Equal(t, 1, tbl.Indexes[1].ID)

	require.Len(t, sel.From, 1)
	assert.Same(t, tbl, sel.From[0].Table)
	assert.Equal(t, -1, sel.From[0].Cursor)
	assert.Equal(t, "b = 1", sel.Where.String())
	require.Len(t, sel.OrderBy, 1)
	assert.True(t, sel.OrderBy[0].Desc)

	_, again, err := f.Build()
	require.NoError(t, err)
	assert.NotSame(t, sel.Where, again.Where, "every build returns fresh trees")
}

func TestBuildRejectsInvalidFixture(t *testing.T) {
	f := validFixture()
	f.Name = ""
	_, _, err := f.Build()
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, ErrNameRequired, verrs[0].Code)
}

func TestBuildJoinsAndSubqueries(t *testing.T) {
	f := &Fixture{
		Name: "joins",
		Tables: []TableDef{
			{Name: "t1", Columns: []ColumnDef{{Name: "a"}, {Name: "b"}}},
			{Name: "t2", Columns: []ColumnDef{{Name: "a"}, {Name: "c"}}},
		},
		Query: QueryDef{
			Select: []string{"t1.a", "c AS cc"},
			From: []FromDef{
				{Table: "t1"},
				{Table: "t2", Join: "natural left"},
				{Subquery: &QueryDef{Select: []string{"$inner"}}, Alias: "s", Join: "cross"},
			},
			Where: "a IN $ids",
			Subqueries: map[string]QueryDef{
				"ids":   {Select: []string{"a"}, From: []FromDef{{Table: "t2"}}},
				"inner": {Select: []string{"max(c)"}, From: []FromDef{{Table: "t2"}}},
			},
		},
	}
	_, sel, err := f.Build()
	require.NoError(t, err)

	require.Len(t, sel.From, 3)
	assert.Equal(t, "cc", sel.Results[1].Alias)
	assert.Equal(t, ast.JoinNatural|ast.JoinLeft, sel.From[1].Join)
	assert.Equal(t, ast.JoinCross, sel.From[2].Join)
	sub := sel.From[2].Subquery
	require.NotNil(t, sub)
	assert.NotNil(t, sub.Results[0].Expr.Select, "nested SELECTs see the outer declarations")
	require.NotNil(t, sel.Where.Select)
	assert.Equal(t, "t2", sel.Where.Select.From[0].Name)
}

func TestBuildRejectsRecursiveSubqueries(t *testing.T) {
	f := &Fixture{
		Name:   "loop",
		Tables: []TableDef{{Name: "t", Columns: []ColumnDef{{Name: "a"}}}},
		Query: QueryDef{
			Select:     []string{"$s"},
			Subqueries: map[string]QueryDef{"s": {Select: []string{"$s"}}},
		},
	}
	_, _, err := f.Build()
	assert.ErrorContains(t, err, "nested more than")
}

func TestPlannerIndexedLookup(t *testing.T) {
	f, err := LoadYAML("testdata/fixtures/eq_lookup.yaml")
	require.NoError(t, err)
	st, err := compileFixture(t, f)
	require.NoError(t, err)

	require.Len(t, st.Plan.Levels, 1)
	loop := st.Plan.Levels[0].Loop
	assert.Equal(t, where.IndexedScan, loop.Strategy)
	assert.Equal(t, "i_b", loop.Index.Name)
	assert.Equal(t, 1, loop.NEq)
	assert.Equal(t, where.CodedBySeek, st.Clause.Term(loop.Terms[0]).Status)

	var ops []vdbe.Opcode
	for _, in := range st.Program.Instrs() {
		ops = append(ops, in.Op)
	}
	assert.Equal(t, []vdbe.Opcode{
		vdbe.OpInit, vdbe.OpOpenRead, vdbe.OpOpenRead, vdbe.OpInteger,
		vdbe.OpSeekGE, vdbe.OpIdxGT, vdbe.OpColumn, vdbe.OpNotFound,
		vdbe.OpColumn, vdbe.OpResultRow, vdbe.OpNext,
		vdbe.OpClose, vdbe.OpClose, vdbe.OpHalt,
	}, ops)
}

func TestPlannerLeftJoinAndCoroutine(t *testing.T) {
	lj := loadOne(t, "testdata/fixtures/joins.cue", "left_join")
	st, err := compileFixture(t, lj)
	require.NoError(t, err)
	require.Len(t, st.Plan.Levels, 2)
	inner := st.Plan.Levels[1].Loop
	assert.Equal(t, "pk_t2", inner.Index.Name)
	assert.True(t, inner.Has(where.LoopOneRow))

	sq := loadOne(t, "testdata/fixtures/joins.cue", "from_subquery")
	st, err = compileFixture(t, sq)
	require.NoError(t, err)
	require.Len(t, st.Plan.Levels, 1)
	assert.Equal(t, where.Coroutine, st.Plan.Levels[0].Loop.Strategy)
}

func TestPlannerDefaultsUnplannedItems(t *testing.T) {
	lj := loadOne(t, "testdata/fixtures/joins.cue", "left_join")
	lj.Plan.Levels = lj.Plan.Levels[:1]
	st, err := compileFixture(t, lj)
	require.NoError(t, err)
	require.Len(t, st.Plan.Levels, 2)
	assert.Equal(t, 1, st.Plan.Levels[1].From)
	assert.Equal(t, where.FullScan, st.Plan.Levels[1].Loop.Strategy)
}

func TestPlannerOrScan(t *testing.T) {
	f := validFixture()
	f.Tables[0].Indexes = []IndexDef{{Name: "pk", Columns: []string{"a"}}, {Name: "i_b", Columns: []string{"b"}}}
	f.Query.Where = "a = 1 OR b = 2"
	f.Plan.Levels[0].Loop = LoopDef{
		Strategy: StrategyOr,
		Term:     "t1.a = 1 OR t1.b = 2",
		Branches: []LoopDef{
			{Strategy: StrategyIndexed, Index: "pk", Eq: []string{"t1.a = 1"}},
			{Strategy: StrategyIndexed, Index: "i_b", Eq: []string{"t1.b = 2"}},
		},
	}
	st, err := compileFixture(t, f)
	require.NoError(t, err)
	loop := st.Plan.Levels[0].Loop
	assert.Equal(t, where.MultiOr, loop.Strategy)
	require.Len(t, loop.Branches, 2)
	assert.Equal(t, "i_b", loop.Branches[1].Index.Name)
}

func TestPlannerErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *Fixture)
		msg    string
	}{
		{"unknown term", func(f *Fixture) { f.Plan.Levels[0].Loop.Eq = []string{"t1.b = 2"} }, `no term "t1.b = 2"`},
		{"unknown index", func(f *Fixture) { f.Plan.Levels[0].Loop.Index = "i_zz" }, "has no index i_zz"},
		{"term on wrong column", func(f *Fixture) {
			f.Plan.Levels[0].Loop.Index = "pk"
		}, "does not bind column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFixture()
			tt.mutate(f)
			st, err := compileFixture(t, f)
			require.Error(t, err)
			assert.Nil(t, st)
			assert.True(t, diag.IsMalformed(err), "got %v", err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestCompileUnresolvedColumn(t *testing.T) {
	f := validFixture()
	f.Query.Where = "zz = 1"
	f.Plan = nil
	_, err := compileFixture(t, f)
	require.Error(t, err)
	assert.Equal(t, diag.CodeUnresolved, diag.CodeOf(err))
}
