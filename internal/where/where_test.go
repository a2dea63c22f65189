package where

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/codegen"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/resolve"
	"github.com/roach88/qplan/internal/vdbe"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newParse(opts ...codegen.Option) *codegen.Parse {
	return codegen.New(append([]codegen.Option{codegen.WithLogger(quiet())}, opts...)...)
}

// testSchema has t1(a, b, c, d, e) with indexes pk(a), i_bcd(b, c, d)
// and i_e(e), and t2(x, y) with pk(x) and i_y(y).
func testSchema(t *testing.T) *catalog.Schema {
	t.Helper()
	s := catalog.NewSchema()
	require.NoError(t, s.AddTable(&catalog.Table{
		Name: "t1",
		Columns: []catalog.Column{
			{Name: "a", Type: catalog.TypeInteger, NotNull: true},
			{Name: "b", Type: catalog.TypeInteger, NotNull: true},
			{Name: "c", Type: catalog.TypeInteger, NotNull: true},
			{Name: "d", Type: catalog.TypeInteger},
			{Name: "e", Type: catalog.TypeString},
		},
		Indexes: []*catalog.Index{
			{Name: "pk_t1", Parts: []catalog.IndexPart{{Column: 0}}, Unique: true},
			{Name: "i_bcd", Parts: []catalog.IndexPart{{Column: 1}, {Column: 2}, {Column: 3}}},
			{Name: "i_e", Parts: []catalog.IndexPart{{Column: 4}}},
		},
	}))
	require.NoError(t, s.AddTable(&catalog.Table{
		Name: "t2",
		Columns: []catalog.Column{
			{Name: "x", Type: catalog.TypeInteger, NotNull: true},
			{Name: "y", Type: catalog.TypeInteger},
		},
		Indexes: []*catalog.Index{
			{Name: "pk_t2", Parts: []catalog.IndexPart{{Column: 0}}, Unique: true},
			{Name: "i_y", Parts: []catalog.IndexPart{{Column: 1}}},
		},
	}))
	return s
}

func table(t *testing.T, s *catalog.Schema, name string) *ast.SrcItem {
	t.Helper()
	tbl, ok := s.Table(name)
	require.True(t, ok)
	return ast.NewTable(tbl, "")
}

func index(t *testing.T, s *catalog.Schema, tbl, name string) *catalog.Index {
	t.Helper()
	tb, ok := s.Table(tbl)
	require.True(t, ok)
	ix := tb.Index(name)
	require.NotNil(t, ix)
	return ix
}

func resolveSelect(t *testing.T, s *catalog.Schema, p *codegen.Parse, where *ast.Expr, items ...*ast.SrcItem) *ast.Select {
	t.Helper()
	sel := &ast.Select{Results: []ast.ResultColumn{{Expr: ast.Int(1)}}, From: items, Where: where}
	r := resolve.New(s.Funcs(), resolve.WithCursors(p), resolve.WithLogger(quiet()))
	require.NoError(t, r.ResolveSelect(nil, sel))
	return sel
}

// clauseOf builds the clause of sel: its WHERE terms and the ON terms of
// every LEFT JOIN.
func clauseOf(p *codegen.Parse, sel *ast.Select) (*Clause, error) {
	ms, err := NewMaskSet()
	if err != nil {
		return nil, err
	}
	exprs := []*ast.Expr{sel.Where}
	for _, item := range sel.From {
		if err := ms.Add(item.Cursor); err != nil {
			return nil, err
		}
		if item.Join&ast.JoinLeft != 0 && item.On != nil {
			on := item.On.Copy()
			on.Flags |= ast.FlagFromJoin
			on.JoinCursor = item.Cursor
			exprs = append(exprs, on)
		}
	}
	return NewClause(p, ms, exprs...)
}

type env struct {
	p   *codegen.Parse
	sel *ast.Select
	wc  *Clause
}

func newEnv(t *testing.T, s *catalog.Schema, where *ast.Expr, items ...*ast.SrcItem) *env {
	t.Helper()
	p := newParse()
	sel := resolveSelect(t, s, p, where, items...)
	wc, err := clauseOf(p, sel)
	require.NoError(t, err)
	return &env{p: p, sel: sel, wc: wc}
}

func (e *env) id(t *testing.T, text string) TermID {
	t.Helper()
	id, ok := e.wc.Lookup(text)
	require.True(t, ok, "no term %q", text)
	return id
}

func (e *env) status(t *testing.T, text string) Status {
	t.Helper()
	return e.wc.Term(e.id(t, text)).Status
}

// run opens the loops of plan and codes every level.
func (e *env) run(t *testing.T, plan *Plan) *Info {
	t.Helper()
	w, err := Begin(e.p, e.sel.From, e.wc, plan)
	require.NoError(t, err)
	notReady := AllMask
	for i := range plan.Levels {
		notReady, err = w.CodeLevel(i, notReady)
		require.NoError(t, err)
	}
	return w
}

// finish emits a one-instruction body, closes the loops and resolves
// every jump.
func (e *env) finish(t *testing.T, w *Info) {
	t.Helper()
	e.p.V.Add(vdbe.OpResultRow, 0, 0, 0)
	require.NoError(t, w.End())
	require.NoError(t, e.p.V.Finalize())
}

func addrs(v *vdbe.Program, op vdbe.Opcode) []int {
	var out []int
	for i, in := range v.Instrs() {
		if in.Op == op {
			out = append(out, i)
		}
	}
	return out
}

func single(t *testing.T, v *vdbe.Program, op vdbe.Opcode) (int, *vdbe.Instr) {
	t.Helper()
	found := addrs(v, op)
	require.Len(t, found, 1, "want exactly one %s", op)
	return found[0], v.At(found[0])
}

func opsOf(v *vdbe.Program, keep ...vdbe.Opcode) []vdbe.Opcode {
	out := []vdbe.Opcode{}
	for _, in := range v.Instrs() {
		for _, k := range keep {
			if in.Op == k {
				out = append(out, in.Op)
				break
			}
		}
	}
	return out
}

var comparisons = []vdbe.Opcode{vdbe.OpEq, vdbe.OpNe, vdbe.OpLt, vdbe.OpLe, vdbe.OpGt, vdbe.OpGe}

func eq(l, r *ast.Expr) *ast.Expr { return ast.Binary(ast.OpEq, l, r) }

func TestMaskSet(t *testing.T) {
	ms, err := NewMaskSet(4, 9)
	require.NoError(t, err)
	require.NoError(t, ms.Add(4))
	assert.Equal(t, 2, ms.Len())
	assert.Equal(t, Mask(1), ms.Mask(4))
	assert.Equal(t, Mask(2), ms.Mask(9))
	assert.Equal(t, Mask(0), ms.Mask(5))

	col := func(cur int) *ast.Expr { return &ast.Expr{Op: ast.OpColumn, Cursor: cur} }
	assert.Equal(t, Mask(3), ms.ExprUsage(ast.Binary(ast.OpPlus, col(4), col(9))))
	assert.Equal(t, Mask(2), ms.ExprUsage(ast.InList(ast.Int(1), col(9))))
}

func TestMaskSetLimit(t *testing.T) {
	ms, err := NewMaskSet()
	require.NoError(t, err)
	for i := 0; i < codegen.MaxTables; i++ {
		require.NoError(t, ms.Add(i))
	}
	err = ms.Add(codegen.MaxTables)
	require.Error(t, err)
	assert.True(t, diag.IsLimit(err))
}

func TestTermLimit(t *testing.T) {
	s := testSchema(t)
	p := newParse(codegen.WithMaxTerms(2))
	where := ast.And(eq(ast.Name("b"), ast.Int(1)), eq(ast.Name("c"), ast.Int(2)), eq(ast.Name("d"), ast.Int(3)))
	sel := resolveSelect(t, s, p, where, table(t, s, "t1"))
	_, err := clauseOf(p, sel)
	require.Error(t, err)
	assert.True(t, diag.IsLimit(err))
}

func TestAnalyzeComparisons(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.And(
		eq(ast.Int(5), ast.Name("b")),
		ast.Binary(ast.OpLt, ast.Name("c"), ast.Var(1)),
		ast.Unary(ast.OpIsNull, ast.Name("d")),
		ast.InList(ast.Name("e"), ast.Str("p"), ast.Str("q")),
	), table(t, s, "t1"))

	assert.Equal(t, 4, e.wc.NumBase())
	cases := []struct {
		text string
		op   Operator
		col  int
	}{
		{"5 = t1.b", OpEQ, 1},
		{"t1.c < ?1", OpLT, 2},
		{"t1.d IS NULL", OpISNULL, 3},
		{"t1.e IN ('p', 'q')", OpIN, 4},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			term := e.wc.Term(e.id(t, tc.text))
			assert.Equal(t, tc.op, term.Operator)
			assert.Equal(t, 0, term.LeftCursor)
			assert.Equal(t, tc.col, term.LeftColumn)
			assert.Equal(t, Mask(1), term.PrereqAll)
			assert.Equal(t, Mask(0), term.PrereqRight)
			assert.False(t, term.Virtual)
		})
	}
	// A column on the right is moved to the left.
	assert.Equal(t, "t1.b = 5", e.wc.Term(e.id(t, "5 = t1.b")).Expr.String())
}

func TestAnalyzeJoinEquality(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, eq(ast.Name("t1.a"), ast.Name("t2.x")), table(t, s, "t1"), table(t, s, "t2"))

	require.Equal(t, 2, e.wc.Len())
	base := e.wc.Term(0)
	assert.Equal(t, OpEQ|OpEQUIV, base.Operator)
	assert.Equal(t, Mask(2), base.PrereqRight)
	assert.Equal(t, Mask(3), base.PrereqAll)

	child := e.wc.Term(e.id(t, "t2.x = t1.a"))
	assert.True(t, child.Virtual)
	assert.Equal(t, TermID(0), child.Parent)
	assert.Equal(t, OpEQ|OpEQUIV, child.Operator)
	assert.Equal(t, 1, child.LeftCursor)
	assert.Equal(t, 0, child.LeftColumn)
	assert.Equal(t, Mask(1), child.PrereqRight)
}

func TestAnalyzeBetweenAndVectors(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.And(
		ast.Between(ast.Name("b"), ast.Int(1), ast.Int(5)),
		eq(ast.Vector(ast.Name("c"), ast.Name("d")), ast.Vector(ast.Int(2), ast.Int(3))),
	), table(t, s, "t1"))

	between := e.wc.Term(e.id(t, "t1.b BETWEEN 1 AND 5"))
	assert.Equal(t, Operator(0), between.Operator)
	for _, text := range []string{"t1.b >= 1", "t1.b <= 5"} {
		child := e.wc.Term(e.id(t, text))
		assert.True(t, child.Virtual, text)
		assert.Equal(t, e.id(t, "t1.b BETWEEN 1 AND 5"), child.Parent, text)
	}

	vec := e.wc.Term(e.id(t, "(t1.c, t1.d) = (2, 3)"))
	assert.True(t, vec.Virtual)
	for _, text := range []string{"t1.c = 2", "t1.d = 3"} {
		field := e.wc.Term(e.id(t, text))
		assert.False(t, field.Virtual, text)
		assert.Equal(t, OpEQ, field.Operator, text)
	}
}

func TestOrBranches(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.And(
		ast.Or(eq(ast.Name("a"), ast.Int(1)), eq(ast.Name("b"), ast.Int(2))),
		eq(ast.Name("e"), ast.Str("x")),
	), table(t, s, "t1"))

	or := e.id(t, "t1.a = 1 OR t1.b = 2")
	term := e.wc.Term(or)
	assert.Equal(t, OpOR, term.Operator)
	require.NotNil(t, term.Sub)
	assert.Equal(t, 2, term.Sub.NumBase())

	texts := func(c *Clause) []string {
		var out []string
		for _, term := range c.Terms() {
			out = append(out, term.Text())
		}
		return out
	}
	b0, err := e.wc.Branch(or, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1.a = 1", "t1.e = 'x'"}, texts(b0))
	b1, err := e.wc.Branch(or, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1.b = 2", "t1.e = 'x'"}, texts(b1))

	again, err := e.wc.Branch(or, 0)
	require.NoError(t, err)
	assert.Same(t, b0, again)

	_, err = e.wc.Branch(e.id(t, "t1.e = 'x'"), 0)
	assert.True(t, diag.IsMalformed(err))
	_, err = e.wc.Branch(or, 2)
	assert.True(t, diag.IsMalformed(err))
}

func TestOrBranchesSkipCodedTerms(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.And(
		ast.Or(eq(ast.Name("a"), ast.Int(1)), eq(ast.Name("b"), ast.Int(2))),
		eq(ast.Name("e"), ast.Str("x")),
		eq(ast.Name("c"), ast.Int(3)),
	), table(t, s, "t1"))

	e.wc.Term(e.id(t, "t1.e = 'x'")).Status = CodedBySeek
	b, err := e.wc.Branch(e.id(t, "t1.a = 1 OR t1.b = 2"), 1)
	require.NoError(t, err)
	var texts []string
	for _, term := range b.Terms() {
		texts = append(texts, term.Text())
	}
	assert.Equal(t, []string{"t1.b = 2", "t1.c = 3"}, texts)
}

func TestIndexedScanEqualityPrefix(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.And(
		eq(ast.Name("b"), ast.Int(1)),
		eq(ast.Name("c"), ast.Int(2)),
		ast.Binary(ast.OpGe, ast.Name("d"), ast.Int(3)),
	), table(t, s, "t1"))

	plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
		Strategy: IndexedScan,
		Index:    index(t, s, "t1", "i_bcd"),
		NEq:      2,
		Flags:    LoopBtmLimit,
		Terms:    []TermID{e.id(t, "t1.b = 1"), e.id(t, "t1.c = 2"), e.id(t, "t1.d >= 3")},
	}}}}
	w := e.run(t, plan)
	e.finish(t, w)
	v := e.p.V

	for _, text := range []string{"t1.b = 1", "t1.c = 2", "t1.d >= 3"} {
		assert.Equal(t, CodedBySeek, e.status(t, text), text)
	}
	assert.Empty(t, opsOf(v, comparisons...))

	ints := addrs(v, vdbe.OpInteger)
	require.Len(t, ints, 3)
	base := v.At(ints[0]).P2
	for k, addr := range ints {
		assert.Equal(t, k+1, v.At(addr).P1)
		assert.Equal(t, base+k, v.At(addr).P2)
	}

	_, seek := single(t, v, vdbe.OpSeekGE)
	assert.Equal(t, 1, seek.P1)
	assert.Equal(t, base, seek.P3)
	assert.Equal(t, 3, seek.P4)

	idxAddr, idx := single(t, v, vdbe.OpIdxGT)
	assert.Equal(t, base, idx.P3)
	assert.Equal(t, 2, idx.P4)

	nfAddr, nf := single(t, v, vdbe.OpNotFound)
	assert.Equal(t, 0, nf.P1)
	lookup := v.At(nfAddr - 1)
	assert.Equal(t, vdbe.OpColumn, lookup.Op)
	assert.Equal(t, 1, lookup.P1)
	assert.Equal(t, 3, lookup.P2, "primary key sits after the index key")

	nextAddr, next := single(t, v, vdbe.OpNext)
	assert.Equal(t, 1, next.P1)
	assert.Equal(t, idxAddr, next.P2)
	assert.Equal(t, nextAddr, nf.P2)

	closes := addrs(v, vdbe.OpClose)
	require.Len(t, closes, 2)
	assert.Equal(t, closes[0], seek.P2)
	assert.Equal(t, closes[0], idx.P2)
}

func TestIndexedScanUpperBoundOnNullableColumn(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.And(
		eq(ast.Name("b"), ast.Int(1)),
		eq(ast.Name("c"), ast.Int(2)),
		ast.Binary(ast.OpLt, ast.Name("d"), ast.Int(9)),
	), table(t, s, "t1"))

	plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
		Strategy: IndexedScan,
		Index:    index(t, s, "t1", "i_bcd"),
		NEq:      2,
		Flags:    LoopTopLimit,
		Terms:    []TermID{e.id(t, "t1.b = 1"), e.id(t, "t1.c = 2"), e.id(t, "t1.d < 9")},
	}}}}
	e.finish(t, e.run(t, plan))
	v := e.p.V

	nullAddr, null := single(t, v, vdbe.OpNull)
	seekAddr, seek := single(t, v, vdbe.OpSeekGT)
	assert.Less(t, nullAddr, seekAddr)
	assert.Equal(t, seek.P3+2, null.P2)
	assert.Equal(t, 3, seek.P4)

	assert.Len(t, opsOf(v, vdbe.OpSeekGE, vdbe.OpSeekGT, vdbe.OpSeekLE, vdbe.OpSeekLT), 1)

	// The end key reuses the seek registers with the upper bound in the
	// slot the NULL occupied.
	endAddr, end := single(t, v, vdbe.OpIdxGE)
	assert.Equal(t, 1, end.P1)
	assert.Equal(t, seek.P3, end.P3)
	assert.Equal(t, 3, end.P4)
	assert.Equal(t, seek.P2, end.P2, "leaving the range exits like an exhausted seek")
	var bound *vdbe.Instr
	for _, a := range addrs(v, vdbe.OpInteger) {
		if a > seekAddr && a < endAddr && v.At(a).P2 == seek.P3+2 {
			bound = v.At(a)
		}
	}
	require.NotNil(t, bound, "upper bound loaded after the seek")
	assert.Equal(t, 9, bound.P1)

	for _, text := range []string{"t1.b = 1", "t1.c = 2", "t1.d < 9"} {
		assert.Equal(t, CodedBySeek, e.status(t, text), text)
	}
	assert.Empty(t, opsOf(v, comparisons...))
}

func TestIndexedScanReverse(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.And(
		eq(ast.Name("b"), ast.Int(1)),
		ast.Binary(ast.OpGt, ast.Name("c"), ast.Int(5)),
	), table(t, s, "t1"))

	plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
		Strategy: IndexedScan,
		Index:    index(t, s, "t1", "i_bcd"),
		NEq:      1,
		Flags:    LoopBtmLimit,
		Reverse:  true,
		Terms:    []TermID{e.id(t, "t1.b = 1"), e.id(t, "t1.c > 5")},
	}}}}
	e.finish(t, e.run(t, plan))
	v := e.p.V

	_, seek := single(t, v, vdbe.OpSeekLE)
	assert.Equal(t, 1, seek.P4)
	endAddr, end := single(t, v, vdbe.OpIdxLE)
	assert.Equal(t, 2, end.P4)
	_, prev := single(t, v, vdbe.OpPrev)
	assert.Equal(t, endAddr, prev.P2)
	assert.Empty(t, addrs(v, vdbe.OpNext))
}

func TestIndexedScanInLoop(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.InList(ast.Name("b"), ast.Int(1), ast.Int(2)), table(t, s, "t1"))

	plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
		Strategy: IndexedScan,
		Index:    index(t, s, "t1", "i_bcd"),
		NEq:      1,
		Terms:    []TermID{e.id(t, "t1.b IN (1, 2)")},
	}}}}
	e.finish(t, e.run(t, plan))
	v := e.p.V
	assert.Equal(t, CodedBySeek, e.status(t, "t1.b IN (1, 2)"))

	_, open := single(t, v, vdbe.OpIteratorOpen)
	inCur := open.P1
	rewindAddr := -1
	for _, a := range addrs(v, vdbe.OpRewind) {
		if v.At(a).P1 == inCur {
			rewindAddr = a
		}
	}
	require.GreaterOrEqual(t, rewindAddr, 0)
	top := rewindAddr + 1
	assert.Equal(t, vdbe.OpColumn, v.At(top).Op)
	assert.Equal(t, inCur, v.At(top).P1)
	assert.Equal(t, vdbe.OpIsNull, v.At(top+1).Op)

	loopAddr, loop := single(t, v, vdbe.OpNextIfOpen)
	assert.Equal(t, inCur, loop.P1)
	assert.Equal(t, top, loop.P2)
	assert.Equal(t, loopAddr, v.At(top+1).P2, "a NULL value skips to the next one")
	assert.Equal(t, loopAddr+1, v.At(rewindAddr).P2)

	_, seek := single(t, v, vdbe.OpSeekGE)
	assert.Equal(t, loopAddr, seek.P2, "an exhausted seek advances the IN loop")
	_, once := single(t, v, vdbe.OpOnce)
	assert.Equal(t, addrs(v, vdbe.OpIteratorOpen)[0], once.P2)
}

func TestIndexedScanCovering(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, eq(ast.Name("b"), ast.Int(1)), table(t, s, "t1"))

	plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
		Strategy: IndexedScan,
		Index:    index(t, s, "t1", "i_bcd"),
		NEq:      1,
		Flags:    LoopIndexOnly,
		Terms:    []TermID{e.id(t, "t1.b = 1")},
	}}}}
	w := e.run(t, plan)
	reg := e.p.AllocReg()
	require.NoError(t, e.p.Column(0, 2, reg))
	err := e.p.Column(0, 4, reg)
	assert.True(t, diag.IsMalformed(err), "e is not part of i_bcd")
	require.NoError(t, w.End())
	require.NoError(t, e.p.V.Finalize())
	v := e.p.V

	_, open := single(t, v, vdbe.OpOpenRead)
	assert.Equal(t, 1, open.P1)
	assert.Equal(t, 1, open.P2)
	assert.Empty(t, addrs(v, vdbe.OpNotFound))

	var body *vdbe.Instr
	for _, a := range addrs(v, vdbe.OpColumn) {
		if v.At(a).P3 == reg {
			body = v.At(a)
		}
	}
	require.NotNil(t, body)
	assert.Equal(t, 1, body.P1)
	assert.Equal(t, 1, body.P2, "c is the second key part")

	_, cl := single(t, v, vdbe.OpClose)
	assert.Equal(t, 1, cl.P1)
}

func TestIndexedScanBetween(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.Between(ast.Name("b"), ast.Int(1), ast.Int(5)), table(t, s, "t1"))

	plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
		Strategy: IndexedScan,
		Index:    index(t, s, "t1", "i_bcd"),
		Flags:    LoopBtmLimit | LoopTopLimit,
		Terms:    []TermID{e.id(t, "t1.b >= 1"), e.id(t, "t1.b <= 5")},
	}}}}
	e.finish(t, e.run(t, plan))
	v := e.p.V

	for _, text := range []string{"t1.b >= 1", "t1.b <= 5", "t1.b BETWEEN 1 AND 5"} {
		assert.Equal(t, CodedBySeek, e.status(t, text), text)
	}
	assert.Empty(t, opsOf(v, comparisons...))
	_, seek := single(t, v, vdbe.OpSeekGE)
	assert.Equal(t, 1, seek.P4)
	_, end := single(t, v, vdbe.OpIdxGT)
	assert.Equal(t, 1, end.P4)
}

func TestIndexedScanVectorBound(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.Binary(ast.OpGt,
		ast.Vector(ast.Name("b"), ast.Name("c")),
		ast.Vector(ast.Int(1), ast.Int(2)),
	), table(t, s, "t1"))

	plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
		Strategy: IndexedScan,
		Index:    index(t, s, "t1", "i_bcd"),
		NBtm:     2,
		Flags:    LoopBtmLimit,
		Terms:    []TermID{0},
	}}}}
	e.finish(t, e.run(t, plan))
	v := e.p.V

	_, seek := single(t, v, vdbe.OpSeekGE)
	assert.Equal(t, 2, seek.P4)
	assert.Empty(t, addrs(v, vdbe.OpIdxGT))
	assert.Equal(t, CodedByResidual, e.wc.Term(0).Status, "a vector bound is rechecked row by row")
}

func TestSkipScan(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, eq(ast.Name("c"), ast.Int(5)), table(t, s, "t1"))

	plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
		Strategy: IndexedScan,
		Index:    index(t, s, "t1", "i_bcd"),
		NEq:      2,
		NSkip:    1,
		Terms:    []TermID{NoTerm, e.id(t, "t1.c = 5")},
	}}}}
	e.finish(t, e.run(t, plan))
	v := e.p.V

	skipAddr, skip := single(t, v, vdbe.OpSeekGT)
	assert.Equal(t, 1, skip.P4)
	rewindAddr, rewind := single(t, v, vdbe.OpRewind)
	assert.Equal(t, skipAddr-2, rewindAddr)
	// Skip the re-seek on the first pass.
	assert.Equal(t, vdbe.OpGoto, v.At(skipAddr-1).Op)
	assert.Equal(t, skipAddr+1, v.At(skipAddr-1).P2)
	assert.Equal(t, vdbe.OpColumn, v.At(skipAddr+1).Op)

	gotos := addrs(v, vdbe.OpGoto)
	back := gotos[len(gotos)-1]
	assert.Equal(t, skipAddr, v.At(back).P2)
	assert.Equal(t, back+1, skip.P2)
	assert.Equal(t, back+1, rewind.P2)

	_, seek := single(t, v, vdbe.OpSeekGE)
	assert.Equal(t, 2, seek.P4)
	assert.Equal(t, back, seek.P2)
	assert.Equal(t, CodedBySeek, e.status(t, "t1.c = 5"))
}

func TestFullScan(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		s := testSchema(t)
		e := newEnv(t, s, eq(ast.Name("d"), ast.Int(4)), table(t, s, "t1"))
		plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{Strategy: FullScan, Reverse: reverse}}}}
		e.finish(t, e.run(t, plan))
		v := e.p.V

		start, step := vdbe.OpRewind, vdbe.OpNext
		if reverse {
			start, step = vdbe.OpLast, vdbe.OpPrev
		}
		startAddr, first := single(t, v, start)
		_, adv := single(t, v, step)
		assert.Equal(t, startAddr+1, adv.P2)
		_, cl := single(t, v, vdbe.OpClose)
		assert.Equal(t, cl, v.At(v.Len()-1))
		assert.Equal(t, v.Len()-1, first.P2)

		_, ne := single(t, v, vdbe.OpNe)
		assert.Equal(t, vdbe.JumpIfNull, ne.P5)
		assert.Equal(t, CodedByResidual, e.status(t, "t1.d = 4"))
	}
}

func TestConstantTermCodedOnce(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.And(eq(ast.Var(1), ast.Int(3)), eq(ast.Name("d"), ast.Int(4))), table(t, s, "t1"))
	plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{Strategy: FullScan}}}}
	w, err := Begin(e.p, e.sel.From, e.wc, plan)
	require.NoError(t, err)
	assert.Equal(t, CodedByResidual, e.status(t, "?1 = 3"))
	assert.Equal(t, Untested, e.status(t, "t1.d = 4"))
	assert.Equal(t,
		[]vdbe.Opcode{vdbe.OpVariable, vdbe.OpInteger, vdbe.OpNe, vdbe.OpOpenRead},
		opsOf(e.p.V, vdbe.OpVariable, vdbe.OpInteger, vdbe.OpNe, vdbe.OpOpenRead))

	_, err = w.CodeLevel(0, AllMask)
	require.NoError(t, err)
	e.finish(t, w)
	assert.Len(t, addrs(e.p.V, vdbe.OpNe), 2)
	assert.Equal(t, e.p.V.Len()-1, e.p.V.At(2).P2, "a false constant skips the whole loop")
}

func TestTransitiveConstraint(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, ast.And(
		eq(ast.Name("t1.a"), ast.Name("t2.x")),
		eq(ast.Name("t2.x"), ast.Int(7)),
	), table(t, s, "t1"), table(t, s, "t2"))

	plan := &Plan{Levels: []PlanLevel{
		{From: 0, Loop: &Loop{Strategy: FullScan}},
		{From: 1, Loop: &Loop{Strategy: FullScan}},
	}}
	w, err := Begin(e.p, e.sel.From, e.wc, plan)
	require.NoError(t, err)
	notReady, err := w.CodeLevel(0, AllMask)
	require.NoError(t, err)
	v := e.p.V

	// t1.a = 7 is tested before t2 is opened.
	neAddr, _ := single(t, v, vdbe.OpNe)
	assert.Equal(t, vdbe.OpInteger, v.At(neAddr-1).Op)
	assert.Equal(t, 7, v.At(neAddr-1).P1)
	assert.Equal(t, vdbe.OpColumn, v.At(neAddr-2).Op)
	assert.Equal(t, 0, v.At(neAddr-2).P1)
	assert.True(t, w.Untested())
	assert.Equal(t, Untested, e.status(t, "t1.a = t2.x"))
	assert.Equal(t, Untested, e.status(t, "t2.x = 7"))

	_, err = w.CodeLevel(1, notReady)
	require.NoError(t, err)
	e.finish(t, w)
	assert.Equal(t, CodedByResidual, e.status(t, "t1.a = t2.x"))
	assert.Equal(t, CodedByResidual, e.status(t, "t2.x = 7"))
	assert.Len(t, addrs(v, vdbe.OpNe), 3)
}

func leftJoin(t *testing.T, s *catalog.Schema, on *ast.Expr) (*ast.SrcItem, *ast.SrcItem) {
	t.Helper()
	t2 := table(t, s, "t2")
	t2.Join = ast.JoinLeft
	t2.On = on
	return table(t, s, "t1"), t2
}

func TestLeftJoinDefersWhereTerms(t *testing.T) {
	s := testSchema(t)
	t1, t2 := leftJoin(t, s, eq(ast.Name("t2.x"), ast.Name("t1.a")))
	e := newEnv(t, s, eq(ast.Name("t2.y"), ast.Int(5)), t1, t2)

	on := e.wc.Term(e.id(t, "t2.x = t1.a"))
	assert.True(t, on.FromJoin)
	assert.Equal(t, OpEQ, on.Operator, "ON equalities are not equivalences")

	plan := &Plan{Levels: []PlanLevel{
		{From: 0, Loop: &Loop{Strategy: FullScan}},
		{From: 1, Loop: &Loop{
			Strategy: IndexedScan,
			Index:    index(t, s, "t2", "pk_t2"),
			NEq:      1,
			Terms:    []TermID{e.id(t, "t2.x = t1.a")},
		}},
	}}
	e.finish(t, e.run(t, plan))
	v := e.p.V

	assert.Equal(t, CodedBySeek, e.status(t, "t2.x = t1.a"))
	assert.Equal(t, CodedByResidual, e.status(t, "t2.y = 5"))

	var initFlag, setFlag = -1, -1
	for _, a := range addrs(v, vdbe.OpInteger) {
		switch v.At(a).Comment {
		case "init LEFT JOIN no-match flag":
			initFlag = a
		case "record LEFT JOIN hit":
			setFlag = a
		}
	}
	require.GreaterOrEqual(t, initFlag, 0)
	require.Greater(t, setFlag, initFlag)
	flag := v.At(setFlag).P2
	assert.Equal(t, flag, v.At(initFlag).P2)

	neAddr, _ := single(t, v, vdbe.OpNe)
	assert.Greater(t, neAddr, setFlag, "WHERE terms run after the match flag is set")

	ifAddr, ifPos := single(t, v, vdbe.OpIfPos)
	assert.Equal(t, flag, ifPos.P1)
	nullRow := v.At(ifAddr + 1)
	assert.Equal(t, vdbe.OpNullRow, nullRow.Op)
	assert.Equal(t, 1, nullRow.P1)
	back := v.At(ifAddr + 2)
	assert.Equal(t, vdbe.OpGoto, back.Op)
	assert.Equal(t, setFlag, back.P2)
	assert.Equal(t, ifAddr+3, ifPos.P2)
}

func TestLeftJoinWhereTermSeekStaysActive(t *testing.T) {
	s := testSchema(t)
	t1, t2 := leftJoin(t, s, eq(ast.Name("t2.x"), ast.Name("t1.a")))
	e := newEnv(t, s, eq(ast.Name("t2.y"), ast.Int(5)), t1, t2)

	plan := &Plan{Levels: []PlanLevel{
		{From: 0, Loop: &Loop{Strategy: FullScan}},
		{From: 1, Loop: &Loop{
			Strategy: IndexedScan,
			Index:    index(t, s, "t2", "i_y"),
			NEq:      1,
			Terms:    []TermID{e.id(t, "t2.y = 5")},
		}},
	}}
	e.finish(t, e.run(t, plan))
	v := e.p.V

	assert.Equal(t, CodedByResidual, e.status(t, "t2.y = 5"))
	assert.Equal(t, CodedByResidual, e.status(t, "t2.x = t1.a"))

	setFlag := -1
	for _, a := range addrs(v, vdbe.OpInteger) {
		if v.At(a).Comment == "record LEFT JOIN hit" {
			setFlag = a
		}
	}
	require.GreaterOrEqual(t, setFlag, 0)
	nes := addrs(v, vdbe.OpNe)
	require.Len(t, nes, 2)
	assert.Less(t, nes[0], setFlag, "the ON term filters before the match")
	assert.Greater(t, nes[1], setFlag)

	assert.Len(t, addrs(v, vdbe.OpNullRow), 2, "table and index cursor")
}

func orPlan(t *testing.T, s *catalog.Schema, e *env, dupsOK bool) *Plan {
	t.Helper()
	or := TermID(0)
	branch := func(i int, ix, text string) *Loop {
		bc, err := e.wc.Branch(or, i)
		require.NoError(t, err)
		id, ok := bc.Lookup(text)
		require.True(t, ok, text)
		return &Loop{Strategy: IndexedScan, Index: index(t, s, "t1", ix), NEq: 1, Terms: []TermID{id}}
	}
	return &Plan{DuplicatesOK: dupsOK, Levels: []PlanLevel{{From: 0, Loop: &Loop{
		Strategy: MultiOr,
		Terms:    []TermID{or},
		Branches: []*Loop{
			branch(0, "pk_t1", "t1.a = 1"),
			branch(1, "i_e", "t1.e = 'x'"),
			branch(2, "i_bcd", "t1.b = 2"),
		},
	}}}}
}

func orWhere() *ast.Expr {
	return ast.Or(
		eq(ast.Name("a"), ast.Int(1)),
		eq(ast.Name("e"), ast.Str("x")),
		eq(ast.Name("b"), ast.Int(2)),
	)
}

func TestMultiOrDeduplicates(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, orWhere(), table(t, s, "t1"))
	e.finish(t, e.run(t, orPlan(t, s, e, false)))
	v := e.p.V

	assert.Equal(t, []vdbe.Opcode{
		vdbe.OpMakeRecord, vdbe.OpIdxInsert, vdbe.OpGosub,
		vdbe.OpFound, vdbe.OpMakeRecord, vdbe.OpIdxInsert, vdbe.OpGosub,
		vdbe.OpFound, vdbe.OpGosub,
	}, opsOf(v, vdbe.OpFound, vdbe.OpMakeRecord, vdbe.OpIdxInsert, vdbe.OpGosub))
	assert.Equal(t, CodedBySeek, e.wc.Term(0).Status)
	assert.Empty(t, opsOf(v, comparisons...))

	// Every Gosub enters the shared loop body, which ends in Return.
	retAddr, ret := single(t, v, vdbe.OpReturn)
	for _, a := range addrs(v, vdbe.OpGosub) {
		assert.Equal(t, ret.P1, v.At(a).P1)
		assert.Less(t, v.At(a).P2, retAddr)
	}

	opens := addrs(v, vdbe.OpOpenRead)
	require.Len(t, opens, 3)
	assert.Equal(t, 0, v.At(opens[0]).P1)
	assert.Equal(t, v.At(opens[1]).P1, v.At(opens[2]).P1, "secondary indexes share one cursor")
	assert.Len(t, addrs(v, vdbe.OpClose), 3)
}

func TestMultiOrDuplicatesAllowed(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, orWhere(), table(t, s, "t1"))
	e.finish(t, e.run(t, orPlan(t, s, e, true)))
	v := e.p.V

	assert.Equal(t, []vdbe.Opcode{vdbe.OpGosub, vdbe.OpGosub, vdbe.OpGosub},
		opsOf(v, vdbe.OpFound, vdbe.OpMakeRecord, vdbe.OpIdxInsert, vdbe.OpGosub))
	assert.Empty(t, addrs(v, vdbe.OpOpenTEphemeral))
}

func TestCoroutineLevel(t *testing.T) {
	s := testSchema(t)
	sub := ast.NewSubquery(&ast.Select{Results: []ast.ResultColumn{{Expr: ast.Int(1), Alias: "k"}}}, "s")
	p := newParse()
	sel := resolveSelect(t, s, p, eq(ast.Name("s.k"), ast.Int(3)), sub)
	sub.Coroutine = true
	sub.RegReturn = p.AllocReg()
	sub.RegResult = p.AllocReg()
	wc, err := clauseOf(p, sel)
	require.NoError(t, err)
	e := &env{p: p, sel: sel, wc: wc}

	plan := &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{Strategy: Coroutine}}}}
	e.finish(t, e.run(t, plan))
	v := e.p.V

	assert.Equal(t, []vdbe.Opcode{
		vdbe.OpInitCoroutine, vdbe.OpYield, vdbe.OpCopy, vdbe.OpInteger, vdbe.OpNe, vdbe.OpResultRow, vdbe.OpGoto,
	}, opsOf(v, vdbe.OpInitCoroutine, vdbe.OpYield, vdbe.OpCopy, vdbe.OpInteger, vdbe.OpNe, vdbe.OpResultRow, vdbe.OpGoto))
	yieldAddr, yield := single(t, v, vdbe.OpYield)
	assert.Equal(t, sub.RegReturn, yield.P1)
	assert.Equal(t, v.Len(), yield.P2)
	_, cp := single(t, v, vdbe.OpCopy)
	assert.Equal(t, sub.RegResult, cp.P1)
	_, back := single(t, v, vdbe.OpGoto)
	assert.Equal(t, yieldAddr, back.P2)
	assert.Empty(t, addrs(v, vdbe.OpClose))
}

func TestBeginRejectsMalformedPlans(t *testing.T) {
	s := testSchema(t)
	cases := []struct {
		name string
		plan func(e *env) *Plan
	}{
		{"missing level", func(e *env) *Plan { return &Plan{} }},
		{"nil loop", func(e *env) *Plan { return &Plan{Levels: []PlanLevel{{From: 0}}} }},
		{"item out of range", func(e *env) *Plan {
			return &Plan{Levels: []PlanLevel{{From: 3, Loop: &Loop{}}}}
		}},
		{"foreign index", func(e *env) *Plan {
			return &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
				Strategy: IndexedScan, Index: index(t, s, "t2", "pk_t2"), NEq: 1, Terms: []TermID{e.id(t, "t1.b = 1")},
			}}}}
		}},
		{"not an equality", func(e *env) *Plan {
			return &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
				Strategy: IndexedScan, Index: index(t, s, "t1", "i_bcd"), NEq: 1, Terms: []TermID{e.id(t, "t1.c > 2")},
			}}}}
		}},
		{"wrong column", func(e *env) *Plan {
			return &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
				Strategy: IndexedScan, Index: index(t, s, "t1", "i_e"), NEq: 1, Terms: []TermID{e.id(t, "t1.b = 1")},
			}}}}
		}},
		{"term count", func(e *env) *Plan {
			return &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
				Strategy: IndexedScan, Index: index(t, s, "t1", "i_bcd"), NEq: 2, Terms: []TermID{e.id(t, "t1.b = 1")},
			}}}}
		}},
		{"term out of range", func(e *env) *Plan {
			return &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
				Strategy: IndexedScan, Index: index(t, s, "t1", "i_bcd"), NEq: 1, Terms: []TermID{99},
			}}}}
		}},
		{"coroutine over a table", func(e *env) *Plan {
			return &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{Strategy: Coroutine}}}}
		}},
		{"or scan over a plain term", func(e *env) *Plan {
			return &Plan{Levels: []PlanLevel{{From: 0, Loop: &Loop{
				Strategy: MultiOr, Terms: []TermID{e.id(t, "t1.b = 1")},
			}}}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, s, ast.And(eq(ast.Name("b"), ast.Int(1)), ast.Binary(ast.OpGt, ast.Name("c"), ast.Int(2))), table(t, s, "t1"))
			_, err := Begin(e.p, e.sel.From, e.wc, tc.plan(e))
			require.Error(t, err)
			assert.True(t, diag.IsMalformed(err), err.Error())
		})
	}
}

func TestMultiOrBranchMismatch(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, orWhere(), table(t, s, "t1"))
	plan := orPlan(t, s, e, false)
	plan.Levels[0].Loop.Branches = plan.Levels[0].Loop.Branches[:2]
	_, err := Begin(e.p, e.sel.From, e.wc, plan)
	assert.True(t, diag.IsMalformed(err))

	plan = orPlan(t, s, e, false)
	plan.Levels[0].Loop.Branches[1] = &Loop{Strategy: MultiOr}
	_, err = Begin(e.p, e.sel.From, e.wc, plan)
	assert.True(t, diag.IsMalformed(err))
}

func TestLevelOrdering(t *testing.T) {
	s := testSchema(t)
	e := newEnv(t, s, nil, table(t, s, "t1"), table(t, s, "t2"))
	plan := &Plan{Levels: []PlanLevel{
		{From: 1, Loop: &Loop{Strategy: FullScan}},
		{From: 0, Loop: &Loop{Strategy: FullScan}},
	}}
	w, err := Begin(e.p, e.sel.From, e.wc, plan)
	require.NoError(t, err)
	assert.Equal(t, 2, w.NumLevels())

	_, err = w.CodeLevel(1, AllMask)
	assert.True(t, diag.IsMalformed(err))
	err = w.End()
	assert.True(t, diag.IsMalformed(err), "End before every level is coded")

	notReady, err := w.CodeLevel(0, AllMask)
	require.NoError(t, err)
	assert.Equal(t, AllMask&^Mask(2), notReady)
	_, err = w.CodeLevel(1, notReady)
	require.NoError(t, err)
	e.finish(t, w)

	rewinds := addrs(e.p.V, vdbe.OpRewind)
	require.Len(t, rewinds, 2)
	assert.Equal(t, 1, e.p.V.At(rewinds[0]).P1, "t2 drives the outer loop")
	assert.Equal(t, 0, e.p.V.At(rewinds[1]).P1)
}
