package fixture

import (
	"fmt"
	"strings"

	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/compile"
	"github.com/roach88/qplan/internal/diag"
	"github.com/roach88/qplan/internal/where"
)

// maxNesting bounds how deep $name subqueries may reference each other.
const maxNesting = 16

// Build validates the fixture and returns its schema and a fresh,
// unresolved SELECT. Every call builds new trees, so the result may be
// resolved and compiled without affecting later calls.
func (f *Fixture) Build() (*catalog.Schema, *ast.Select, error) {
	if errs := Validate(f); len(errs) > 0 {
		return nil, nil, ValidationErrors(errs)
	}
	schema, err := f.Schema()
	if err != nil {
		return nil, nil, err
	}
	b := &builder{schema: schema}
	sel, err := b.query(f.Query, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fixture %s: %w", f.Name, err)
	}
	return schema, sel, nil
}

// Schema builds the catalog the fixture declares.
func (f *Fixture) Schema() (*catalog.Schema, error) {
	s := catalog.NewSchema()
	for _, td := range f.Tables {
		t := &catalog.Table{Name: td.Name}
		for _, cd := range td.Columns {
			typ, err := catalog.ParseFieldType(cd.Type)
			if err != nil {
				return nil, fmt.Errorf("table %s column %s: %w", td.Name, cd.Name, err)
			}
			t.Columns = append(t.Columns, catalog.Column{
				Name:      cd.Name,
				Type:      typ,
				NotNull:   cd.NotNull,
				Collation: cd.Collation,
			})
		}
		for _, id := range td.Indexes {
			ix := &catalog.Index{Name: id.Name, Unique: id.Unique}
			for _, c := range id.Columns {
				name, desc := splitDirection(c)
				col := t.ColumnIndex(name)
				if col < 0 {
					return nil, fmt.Errorf("index %s: table %s has no column %s", id.Name, td.Name, name)
				}
				ix.Parts = append(ix.Parts, catalog.IndexPart{Column: col, Desc: desc})
			}
			t.Indexes = append(t.Indexes, ix)
		}
		if err := s.AddTable(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// splitDirection splits "col desc" into its column and direction.
func splitDirection(s string) (string, bool) {
	fields := strings.Fields(s)
	if len(fields) == 2 {
		switch strings.ToLower(fields[1]) {
		case "desc":
			return fields[0], true
		case "asc":
			return fields[0], false
		}
	}
	return strings.TrimSpace(s), false
}

func parseJoin(s string) (ast.JoinType, error) {
	switch strings.Join(strings.Fields(strings.ToLower(s)), " ") {
	case "", "inner":
		return ast.JoinInner, nil
	case "left", "left outer":
		return ast.JoinLeft, nil
	case "cross":
		return ast.JoinCross, nil
	case "natural":
		return ast.JoinNatural, nil
	case "natural left":
		return ast.JoinNatural | ast.JoinLeft, nil
	}
	return 0, fmt.Errorf("unknown join %q", s)
}

type builder struct {
	schema *catalog.Schema
	depth  int
}

// query builds one SELECT. scopes holds the subquery declarations visible
// to it, innermost last.
func (b *builder) query(q QueryDef, scopes []map[string]QueryDef) (*ast.Select, error) {
	b.depth++
	defer func() { b.depth-- }()
	if b.depth > maxNesting {
		return nil, fmt.Errorf("subqueries nested more than %d deep", maxNesting)
	}
	if len(q.Subqueries) > 0 {
		scopes = append(scopes[:len(scopes):len(scopes)], q.Subqueries)
	}
	subs := func(name string) (*ast.Select, error) {
		for i := len(scopes) - 1; i >= 0; i-- {
			if d, ok := scopes[i][name]; ok {
				return b.query(d, scopes[:i+1])
			}
		}
		return nil, fmt.Errorf("unknown subquery $%s", name)
	}

	sel := &ast.Select{Distinct: q.Distinct}
	for _, src := range q.Select {
		rc, err := ParseResult(src, subs)
		if err != nil {
			return nil, err
		}
		sel.Results = append(sel.Results, rc)
	}
	for i, fd := range q.From {
		item, err := b.fromItem(fd, subs, scopes)
		if err != nil {
			return nil, fmt.Errorf("from[%d]: %w", i, err)
		}
		sel.From = append(sel.From, item)
	}
	var err error
	if sel.Where, err = optionalExpr(q.Where, subs); err != nil {
		return nil, err
	}
	if sel.Having, err = optionalExpr(q.Having, subs); err != nil {
		return nil, err
	}
	if sel.Limit, err = optionalExpr(q.Limit, subs); err != nil {
		return nil, err
	}
	if sel.Offset, err = optionalExpr(q.Offset, subs); err != nil {
		return nil, err
	}
	if sel.GroupBy, err = orderTerms(q.GroupBy, subs); err != nil {
		return nil, err
	}
	if sel.OrderBy, err = orderTerms(q.OrderBy, subs); err != nil {
		return nil, err
	}
	return sel, nil
}

func (b *builder) fromItem(fd FromDef, subs SubqueryFunc, scopes []map[string]QueryDef) (*ast.SrcItem, error) {
	var item *ast.SrcItem
	if fd.Subquery != nil {
		sel, err := b.query(*fd.Subquery, scopes)
		if err != nil {
			return nil, err
		}
		item = ast.NewSubquery(sel, fd.Alias)
	} else {
		t, ok := b.schema.Table(fd.Table)
		if !ok {
			return nil, fmt.Errorf("no such table: %s", fd.Table)
		}
		item = ast.NewTable(t, fd.Alias)
	}
	join, err := parseJoin(fd.Join)
	if err != nil {
		return nil, err
	}
	item.Join = join
	item.Using = fd.Using
	if item.On, err = optionalExpr(fd.On, subs); err != nil {
		return nil, err
	}
	return item, nil
}

func optionalExpr(src string, subs SubqueryFunc) (*ast.Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	return ParseExpr(src, subs)
}

func orderTerms(list []string, subs SubqueryFunc) ([]ast.OrderTerm, error) {
	var out []ast.OrderTerm
	for _, src := range list {
		term, err := ParseOrderTerm(src, subs)
		if err != nil {
			return nil, err
		}
		out = append(out, term)
	}
	return out, nil
}

// Planner returns a planner applying the fixture plan to sel, the SELECT
// returned by Build. Nested SELECTs, and FROM items the plan leaves out,
// get the default loop.
func (f *Fixture) Planner(sel *ast.Select) compile.Planner {
	return compile.PlanFunc(func(src []*ast.SrcItem, wc *where.Clause) (*where.Plan, error) {
		if f.Plan == nil || len(src) == 0 || len(sel.From) == 0 || src[0] != sel.From[0] {
			return compile.ScanPlanner.Plan(src, wc)
		}
		return f.plan(src, wc)
	})
}

func (f *Fixture) plan(src []*ast.SrcItem, wc *where.Clause) (*where.Plan, error) {
	plan := &where.Plan{DuplicatesOK: f.Plan.DuplicatesOK}
	planned := make([]bool, len(src))
	for i, lv := range f.Plan.Levels {
		from := -1
		for j, item := range src {
			if catalog.SameName(item.ExposedName(), lv.From) {
				from = j
				break
			}
		}
		if from < 0 {
			return nil, diag.Errorf(diag.CodeMalformed, "plan level %d: no FROM item named %s", i, lv.From)
		}
		loop, err := buildLoop(src[from], wc, lv.Loop)
		if err != nil {
			return nil, fmt.Errorf("plan level %d (%s): %w", i, lv.From, err)
		}
		planned[from] = true
		plan.Levels = append(plan.Levels, where.PlanLevel{From: from, Loop: loop})
	}
	for j, item := range src {
		if !planned[j] {
			plan.Levels = append(plan.Levels, where.PlanLevel{From: j, Loop: compile.DefaultLoop(item)})
		}
	}
	return plan, nil
}

func buildLoop(item *ast.SrcItem, wc *where.Clause, d LoopDef) (*where.Loop, error) {
	switch d.Strategy {
	case StrategyScan:
		return &where.Loop{Strategy: where.FullScan}, nil
	case StrategyCoroutine:
		return &where.Loop{Strategy: where.Coroutine}, nil
	case StrategyIndexed:
		return indexedLoop(item, wc, d)
	case StrategyOr:
		or, err := lookupTerm(wc, d.Term)
		if err != nil {
			return nil, err
		}
		loop := &where.Loop{Strategy: where.MultiOr, Terms: []where.TermID{or}}
		for i, bd := range d.Branches {
			bc, err := wc.Branch(or, i)
			if err != nil {
				return nil, err
			}
			bl, err := buildLoop(item, bc, bd)
			if err != nil {
				return nil, fmt.Errorf("branch %d: %w", i, err)
			}
			loop.Branches = append(loop.Branches, bl)
		}
		return loop, nil
	}
	return nil, diag.Errorf(diag.CodeMalformed, "unknown strategy %q", d.Strategy)
}

func indexedLoop(item *ast.SrcItem, wc *where.Clause, d LoopDef) (*where.Loop, error) {
	if item.Table == nil {
		return nil, diag.Errorf(diag.CodeMalformed, "%s is not a table", item.ExposedName())
	}
	ix := item.Table.Index(d.Index)
	if ix == nil {
		return nil, diag.Errorf(diag.CodeMalformed, "table %s has no index %s", item.Table.Name, d.Index)
	}
	loop := &where.Loop{
		Strategy: where.IndexedScan,
		Index:    ix,
		NSkip:    d.Skip,
		NEq:      d.Skip + len(d.Eq),
		Reverse:  d.Reverse,
	}
	for k := 0; k < d.Skip; k++ {
		loop.Terms = append(loop.Terms, where.NoTerm)
	}
	for _, text := range d.Eq {
		id, err := lookupTerm(wc, text)
		if err != nil {
			return nil, err
		}
		loop.Terms = append(loop.Terms, id)
	}
	if d.Lower != "" {
		id, err := lookupTerm(wc, d.Lower)
		if err != nil {
			return nil, err
		}
		loop.Flags |= where.LoopBtmLimit
		loop.NBtm = d.LowerWidth
		loop.Terms = append(loop.Terms, id)
	}
	if d.Upper != "" {
		id, err := lookupTerm(wc, d.Upper)
		if err != nil {
			return nil, err
		}
		loop.Flags |= where.LoopTopLimit
		loop.NTop = d.UpperWidth
		loop.Terms = append(loop.Terms, id)
	}
	if d.IndexOnly {
		loop.Flags |= where.LoopIndexOnly
	}
	if d.OneRow {
		loop.Flags |= where.LoopOneRow
	}
	return loop, nil
}

// lookupTerm finds a term by its resolved text.
func lookupTerm(wc *where.Clause, text string) (where.TermID, error) {
	if id, ok := wc.Lookup(text); ok {
		return id, nil
	}
	var have []string
	for _, t := range wc.Terms() {
		have = append(have, fmt.Sprintf("%q", t.Text()))
	}
	return where.NoTerm, diag.Errorf(diag.CodeMalformed,
		"no term %q (terms: %s)", text, strings.Join(have, ", "))
}
