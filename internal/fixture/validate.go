package fixture

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
	"github.com/roach88/qplan/internal/diag"
)

// Validation error codes (E200-E299)
const (
	// Catalog errors (E200-E204)
	ErrNameRequired  = "E200" // fixture name is required
	ErrTableInvalid  = "E201" // table needs a name and columns
	ErrDuplicateName = "E202" // duplicate table, column or index name
	ErrUnknownType   = "E203" // unknown column type
	ErrUnknownColumn = "E204" // index or USING names a missing column

	// Query errors (E205-E208)
	ErrNoResults   = "E205" // SELECT without result columns
	ErrFromInvalid = "E206" // FROM item needs exactly one of table and subquery, known table
	ErrUnknownJoin = "E207" // unknown join kind
	ErrExprSyntax  = "E208" // expression does not parse

	// Plan and expectation errors (E209-E212)
	ErrPlanFrom        = "E209" // plan level names no FROM item, or one twice
	ErrUnknownStrategy = "E210" // unknown loop strategy
	ErrLoopInvalid     = "E211" // loop descriptor is inconsistent
	ErrUnknownCode     = "E212" // expected error code is unknown
)

// ValidationError represents a fixture validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors is the error returned for a fixture that fails
// validation.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "invalid fixture: " + strings.Join(msgs, "; ")
}

var knownCodes = []diag.Code{
	diag.CodeUnresolved, diag.CodeAmbiguous, diag.CodeFunction, diag.CodeShape,
	diag.CodeResource, diag.CodeLimit, diag.CodeMalformed, diag.CodeUnsupported,
}

// Validate checks a fixture against the fixture rules.
// Returns all errors found (does not fail-fast).
func Validate(f *Fixture) []ValidationError {
	v := &validator{}
	if f.Name == "" {
		v.add("name", ErrNameRequired, "name is required")
	}
	tables := v.tables(f.Tables)
	v.query("query", f.Query, tables, nil)
	if f.Plan != nil {
		v.plan(f.Plan, f.Query.From)
	}
	if f.Expect != nil {
		known := false
		for _, c := range knownCodes {
			known = known || string(c) == f.Expect.Error
		}
		if !known {
			v.add("expect.error", ErrUnknownCode, fmt.Sprintf("unknown error code %q", f.Expect.Error))
		}
	}
	return v.errs
}

type validator struct {
	errs []ValidationError
}

func (v *validator) add(field, code, msg string) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: msg, Code: code})
}

// tables validates the catalog and returns the columns of each valid
// table keyed by folded name.
func (v *validator) tables(defs []TableDef) map[string][]string {
	out := make(map[string][]string)
	for i, td := range defs {
		field := fmt.Sprintf("tables[%d]", i)
		if td.Name == "" || len(td.Columns) == 0 {
			v.add(field, ErrTableInvalid, "table needs a name and at least one column")
			continue
		}
		key := catalog.FoldName(td.Name)
		if _, dup := out[key]; dup {
			v.add(field, ErrDuplicateName, fmt.Sprintf("duplicate table %s", td.Name))
			continue
		}
		var cols []string
		seen := make(map[string]bool)
		for j, cd := range td.Columns {
			cf := fmt.Sprintf("%s.columns[%d]", field, j)
			if cd.Name == "" {
				v.add(cf, ErrTableInvalid, "column name is required")
				continue
			}
			if seen[catalog.FoldName(cd.Name)] {
				v.add(cf, ErrDuplicateName, fmt.Sprintf("duplicate column %s", cd.Name))
			}
			seen[catalog.FoldName(cd.Name)] = true
			if _, err := catalog.ParseFieldType(cd.Type); err != nil {
				v.add(cf, ErrUnknownType, err.Error())
			}
			cols = append(cols, cd.Name)
		}
		indexes := make(map[string]bool)
		for j, id := range td.Indexes {
			xf := fmt.Sprintf("%s.indexes[%d]", field, j)
			if id.Name == "" || len(id.Columns) == 0 {
				v.add(xf, ErrTableInvalid, "index needs a name and at least one column")
				continue
			}
			if indexes[catalog.FoldName(id.Name)] {
				v.add(xf, ErrDuplicateName, fmt.Sprintf("duplicate index %s", id.Name))
			}
			indexes[catalog.FoldName(id.Name)] = true
			for _, c := range id.Columns {
				if name, _ := splitDirection(c); !seen[catalog.FoldName(name)] {
					v.add(xf, ErrUnknownColumn, fmt.Sprintf("table %s has no column %s", td.Name, name))
				}
			}
		}
		out[key] = cols
	}
	return out
}

func (v *validator) query(field string, q QueryDef, tables map[string][]string, subs []string) {
	names := slices.Sorted(maps.Keys(q.Subqueries))
	subs = append(subs[:len(subs):len(subs)], names...)
	if len(q.Select) == 0 {
		v.add(field+".select", ErrNoResults, "at least one result column is required")
	}
	for i, src := range q.Select {
		if _, err := ParseResult(src, stubSubqueries(subs)); err != nil {
			v.add(fmt.Sprintf("%s.select[%d]", field, i), ErrExprSyntax, err.Error())
		}
	}
	for i, fd := range q.From {
		ff := fmt.Sprintf("%s.from[%d]", field, i)
		switch {
		case (fd.Table == "") == (fd.Subquery == nil):
			v.add(ff, ErrFromInvalid, "exactly one of table and subquery is required")
		case fd.Subquery != nil:
			v.query(ff+".subquery", *fd.Subquery, tables, subs)
		default:
			if _, ok := tables[catalog.FoldName(fd.Table)]; !ok {
				v.add(ff, ErrFromInvalid, fmt.Sprintf("no such table: %s", fd.Table))
			}
		}
		if _, err := parseJoin(fd.Join); err != nil {
			v.add(ff+".join", ErrUnknownJoin, err.Error())
		}
		if i == 0 && (fd.On != "" || len(fd.Using) > 0) {
			v.add(ff, ErrFromInvalid, "the first FROM item cannot have a join constraint")
		}
		if fd.On != "" && len(fd.Using) > 0 {
			v.add(ff, ErrFromInvalid, "a join takes either ON or USING, not both")
		}
		if cols, ok := tables[catalog.FoldName(fd.Table)]; ok && fd.Subquery == nil {
			for _, u := range fd.Using {
				if !hasName(cols, u) {
					v.add(ff+".using", ErrUnknownColumn, fmt.Sprintf("table %s has no column %s", fd.Table, u))
				}
			}
		}
		v.expr(ff+".on", fd.On, subs)
	}
	v.expr(field+".where", q.Where, subs)
	v.expr(field+".having", q.Having, subs)
	v.expr(field+".limit", q.Limit, subs)
	v.expr(field+".offset", q.Offset, subs)
	for i, src := range q.GroupBy {
		if _, err := ParseOrderTerm(src, stubSubqueries(subs)); err != nil {
			v.add(fmt.Sprintf("%s.group_by[%d]", field, i), ErrExprSyntax, err.Error())
		}
	}
	for i, src := range q.OrderBy {
		if _, err := ParseOrderTerm(src, stubSubqueries(subs)); err != nil {
			v.add(fmt.Sprintf("%s.order_by[%d]", field, i), ErrExprSyntax, err.Error())
		}
	}
	for _, name := range names {
		v.query(fmt.Sprintf("%s.subqueries.%s", field, name), q.Subqueries[name], tables, subs)
	}
}

func (v *validator) expr(field, src string, subs []string) {
	if strings.TrimSpace(src) == "" {
		return
	}
	if _, err := ParseExpr(src, stubSubqueries(subs)); err != nil {
		v.add(field, ErrExprSyntax, err.Error())
	}
}

// stubSubqueries accepts the declared subquery names without building
// them.
func stubSubqueries(names []string) SubqueryFunc {
	return func(name string) (*ast.Select, error) {
		if hasName(names, name) {
			return &ast.Select{}, nil
		}
		return nil, fmt.Errorf("unknown subquery $%s", name)
	}
}

func hasName(names []string, name string) bool {
	for _, n := range names {
		if catalog.SameName(n, name) {
			return true
		}
	}
	return false
}

func (v *validator) plan(p *PlanDef, from []FromDef) {
	seen := make(map[string]bool)
	for i, lv := range p.Levels {
		field := fmt.Sprintf("plan.levels[%d]", i)
		idx := -1
		for j, fd := range from {
			if catalog.SameName(fd.exposedName(), lv.From) {
				idx = j
				break
			}
		}
		if idx < 0 {
			v.add(field+".from", ErrPlanFrom, fmt.Sprintf("no FROM item named %q", lv.From))
			continue
		}
		key := catalog.FoldName(lv.From)
		if seen[key] {
			v.add(field+".from", ErrPlanFrom, fmt.Sprintf("FROM item %s planned twice", lv.From))
		}
		seen[key] = true
		v.loop(field+".loop", lv.Loop, from[idx], false)
	}
}

func (v *validator) loop(field string, d LoopDef, fd FromDef, branch bool) {
	switch d.Strategy {
	case StrategyScan:
	case StrategyCoroutine:
		if fd.Subquery == nil {
			v.add(field, ErrLoopInvalid, "coroutine loops drive subqueries only")
		}
	case StrategyIndexed:
		if d.Index == "" {
			v.add(field+".index", ErrLoopInvalid, "indexed loop needs an index")
		}
		if d.Skip < 0 || d.LowerWidth < 0 || d.UpperWidth < 0 {
			v.add(field, ErrLoopInvalid, "skip and bound widths cannot be negative")
		}
		if d.Skip > 0 && len(d.Eq) == 0 && d.Lower == "" && d.Upper == "" {
			v.add(field, ErrLoopInvalid, "a skip-scan needs a constraint after the skipped columns")
		}
	case StrategyOr:
		if d.Term == "" || len(d.Branches) == 0 {
			v.add(field, ErrLoopInvalid, "OR loop needs a term and branch loops")
		}
		if branch {
			v.add(field, ErrLoopInvalid, "OR loops cannot nest")
		}
		for i, b := range d.Branches {
			v.loop(fmt.Sprintf("%s.branches[%d]", field, i), b, fd, true)
		}
	default:
		v.add(field+".strategy", ErrUnknownStrategy, fmt.Sprintf("unknown strategy %q", d.Strategy))
		return
	}
	if fd.Subquery != nil && d.Strategy != StrategyCoroutine {
		v.add(field, ErrLoopInvalid, "subqueries are driven as coroutines")
	}
	if d.Strategy != StrategyIndexed && (d.Index != "" || len(d.Eq) > 0 || d.Lower != "" || d.Upper != "") {
		v.add(field, ErrLoopInvalid, fmt.Sprintf("%s loop takes no index or bounds", d.Strategy))
	}
}
