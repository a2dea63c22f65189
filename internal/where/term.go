package where

import (
	"strings"

	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/codegen"
	"github.com/roach88/qplan/internal/diag"
)

// Operator classifies how a term can drive an index.
type Operator uint16

const (
	OpEQ Operator = 1 << iota
	OpIN
	OpLT
	OpLE
	OpGT
	OpGE
	OpISNULL
	OpOR
	OpAND
	OpEQUIV // column = column; both sides are interchangeable

	opRange = OpLT | OpLE | OpGT | OpGE
	opEqual = OpEQ | OpIN | OpISNULL
)

var operatorNames = []struct {
	op   Operator
	name string
}{
	{OpEQ, "EQ"}, {OpIN, "IN"}, {OpLT, "LT"}, {OpLE, "LE"}, {OpGT, "GT"},
	{OpGE, "GE"}, {OpISNULL, "ISNULL"}, {OpOR, "OR"}, {OpAND, "AND"},
	{OpEQUIV, "EQUIV"},
}

func (op Operator) String() string {
	if op == 0 {
		return "-"
	}
	var names []string
	for _, n := range operatorNames {
		if op&n.op != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

var comparisonOperators = map[ast.Op]Operator{
	ast.OpEq: OpEQ,
	ast.OpLt: OpLT,
	ast.OpLe: OpLE,
	ast.OpGt: OpGT,
	ast.OpGe: OpGE,
}

// commuted gives the operator with its operands swapped.
var commuted = map[ast.Op]ast.Op{
	ast.OpEq: ast.OpEq,
	ast.OpLt: ast.OpGt,
	ast.OpLe: ast.OpGe,
	ast.OpGt: ast.OpLt,
	ast.OpGe: ast.OpLe,
}

// Status tracks whether a term still has to be tested.
type Status uint8

const (
	Untested Status = iota
	CodedBySeek
	CodedByResidual
	// DeferredLeftJoin: ready at a LEFT JOIN level but held back until the
	// join's match flag is set.
	DeferredLeftJoin
)

// Coded reports whether generated code already guarantees the term.
func (s Status) Coded() bool {
	return s == CodedBySeek || s == CodedByResidual
}

func (s Status) String() string {
	switch s {
	case Untested:
		return "untested"
	case CodedBySeek:
		return "coded-by-seek"
	case CodedByResidual:
		return "coded-by-residual"
	case DeferredLeftJoin:
		return "deferred-left-join"
	}
	return "unknown"
}

// TermID addresses a term within its Clause.
type TermID int

// NoTerm fills the skip-scan slots of a loop's term list.
const NoTerm TermID = -1

// Term is one conjunct of a flattened clause.
type Term struct {
	Expr *ast.Expr

	// Operator is 0 for terms no index can use. LeftCursor and LeftColumn
	// name the constrained column of an indexable term.
	Operator   Operator
	LeftCursor int
	LeftColumn int

	PrereqRight Mask // tables the right-hand side reads
	PrereqAll   Mask // tables the whole term needs

	Status Status

	// Virtual terms are derived from another term and are never tested
	// on their own.
	Virtual bool

	// FromJoin marks ON-clause terms; JoinCursor is the joined table.
	FromJoin   bool
	JoinCursor int

	// Parent is the term this one was derived from. The parent counts as
	// coded once all of its children are.
	Parent   TermID
	children int

	// Sub holds the disjuncts of an OR term or the conjuncts of an AND
	// disjunct.
	Sub *Clause

	text     string
	analyzed bool
}

// Text is the expression text the term was created from.
func (t *Term) Text() string {
	return t.text
}

type branchKey struct {
	or TermID
	i  int
}

// Clause is an arena of terms. Base terms come first, in the order the
// conjuncts appear; derived terms follow.
type Clause struct {
	p        *codegen.Parse
	ms       *MaskSet
	terms    []*Term
	nBase    int
	branches map[branchKey]*Clause
}

func newClause(p *codegen.Parse, ms *MaskSet) *Clause {
	return &Clause{p: p, ms: ms}
}

// NewClause flattens the AND-connected exprs into one clause. Expressions
// flagged ast.FlagFromJoin pass the flag and their JoinCursor on to every
// conjunct. Nil expressions are ignored.
func NewClause(p *codegen.Parse, ms *MaskSet, exprs ...*ast.Expr) (*Clause, error) {
	c := newClause(p, ms)
	for _, e := range exprs {
		if e == nil {
			continue
		}
		c.split(e, ast.OpAnd, e.Has(ast.FlagFromJoin), e.JoinCursor)
	}
	if err := c.analyzeAll(); err != nil {
		return nil, err
	}
	return c, nil
}

// Masks returns the mask set the clause was built with.
func (c *Clause) Masks() *MaskSet {
	return c.ms
}

// Len returns the number of terms, derived ones included.
func (c *Clause) Len() int {
	return len(c.terms)
}

// NumBase returns the number of terms taken directly from the input.
func (c *Clause) NumBase() int {
	return c.nBase
}

// Terms returns the term arena.
func (c *Clause) Terms() []*Term {
	return c.terms
}

// Term returns the term with the given id, or nil.
func (c *Clause) Term(id TermID) *Term {
	if id < 0 || int(id) >= len(c.terms) {
		return nil
	}
	return c.terms[id]
}

// Lookup finds the first term created from an expression with the given
// text.
func (c *Clause) Lookup(text string) (TermID, bool) {
	for i, t := range c.terms {
		if t.text == text {
			return TermID(i), true
		}
	}
	return NoTerm, false
}

func (c *Clause) term(id TermID) (*Term, error) {
	t := c.Term(id)
	if t == nil {
		return nil, diag.Errorf(diag.CodeMalformed, "term %d out of range (clause has %d terms)", id, len(c.terms))
	}
	return t, nil
}

func (c *Clause) split(e *ast.Expr, op ast.Op, fromJoin bool, joinCursor int) {
	if e.Has(ast.FlagFromJoin) && !fromJoin {
		fromJoin, joinCursor = true, e.JoinCursor
	}
	if e.Op == op {
		c.split(e.Left, op, fromJoin, joinCursor)
		c.split(e.Right, op, fromJoin, joinCursor)
		return
	}
	c.insert(&Term{Expr: e, FromJoin: fromJoin, JoinCursor: joinCursor})
}

func (c *Clause) insert(t *Term) TermID {
	if t.text == "" {
		t.text = t.Expr.String()
	}
	t.Parent = NoTerm
	t.LeftCursor = -1
	c.terms = append(c.terms, t)
	return TermID(len(c.terms) - 1)
}

// derive adds a term derived from parent.
func (c *Clause) derive(parent TermID, e *ast.Expr, virtual bool) *Term {
	pt := c.terms[parent]
	t := &Term{Expr: e, Virtual: virtual, FromJoin: pt.FromJoin, JoinCursor: pt.JoinCursor}
	c.insert(t)
	if virtual {
		t.Parent = parent
		pt.children++
	}
	return t
}

func (c *Clause) analyzeAll() error {
	c.nBase = len(c.terms)
	if err := c.p.CheckTerms(c.nBase); err != nil {
		return err
	}
	for i := 0; i < len(c.terms); i++ {
		if err := c.analyze(TermID(i)); err != nil {
			return err
		}
	}
	return c.p.CheckTerms(len(c.terms))
}

func (c *Clause) analyze(id TermID) error {
	t := c.terms[id]
	if t.analyzed {
		return nil
	}
	t.analyzed = true
	e := t.Expr
	t.PrereqAll = c.ms.ExprUsage(e)
	if t.FromJoin {
		t.PrereqAll |= c.ms.Mask(t.JoinCursor)
	}
	switch e.Op {
	case ast.OpEq, ast.OpLt, ast.OpLe, ast.OpGt, ast.OpGe:
		c.comparison(id)
	case ast.OpIsNull:
		if cur, col, ok := ast.IsColumn(e.Left); ok {
			t.Operator = OpISNULL
			t.LeftCursor, t.LeftColumn = cur, col
		}
	case ast.OpIn:
		t.PrereqRight = c.ms.listUsage(e.List) | c.ms.selectUsage(e.Select)
		if cur, col, ok := ast.IsColumn(e.Left); ok {
			t.Operator = OpIN
			t.LeftCursor, t.LeftColumn = cur, col
		}
	case ast.OpBetween:
		c.derive(id, ast.Binary(ast.OpGe, e.Left, e.List[0]), true)
		c.derive(id, ast.Binary(ast.OpLe, e.Left, e.List[1]), true)
	case ast.OpOr, ast.OpAnd:
		return c.compound(id)
	}
	return nil
}

func (c *Clause) comparison(id TermID) {
	t := c.terms[id]
	e := t.Expr
	if n := e.Left.VectorSize(); n > 1 {
		if e.Op == ast.OpEq && e.Left.Op == ast.OpVector && e.Right.Op == ast.OpVector && len(e.Right.List) == n {
			for i := 0; i < n; i++ {
				c.derive(id, ast.Binary(ast.OpEq, e.Left.List[i], e.Right.List[i]), false)
			}
			t.Virtual = true
			return
		}
		if e.Op != ast.OpEq && e.Left.Op == ast.OpVector {
			if cur, col, ok := ast.IsColumn(e.Left.List[0]); ok {
				t.Operator = comparisonOperators[e.Op]
				t.LeftCursor, t.LeftColumn = cur, col
				t.PrereqRight = c.ms.ExprUsage(e.Right)
			}
		}
		return
	}

	lcur, lcol, lok := ast.IsColumn(e.Left)
	rcur, rcol, rok := ast.IsColumn(e.Right)
	switch {
	case lok:
		t.Operator = comparisonOperators[e.Op]
		t.LeftCursor, t.LeftColumn = lcur, lcol
		t.PrereqRight = c.ms.ExprUsage(e.Right)
		if !rok {
			return
		}
		var extra Operator
		if e.Op == ast.OpEq && !t.FromJoin {
			extra = OpEQUIV
		}
		t.Operator |= extra
		swapped := commute(e)
		child := c.derive(id, swapped, true)
		child.analyzed = true
		child.Operator = comparisonOperators[swapped.Op] | extra
		child.LeftCursor, child.LeftColumn = rcur, rcol
		child.PrereqRight = c.ms.ExprUsage(swapped.Right)
		child.PrereqAll = t.PrereqAll
	case rok:
		t.Expr = commute(e)
		t.Operator = comparisonOperators[t.Expr.Op]
		t.LeftCursor, t.LeftColumn = rcur, rcol
		t.PrereqRight = c.ms.ExprUsage(t.Expr.Right)
	}
}

func commute(e *ast.Expr) *ast.Expr {
	out := e.Copy()
	out.Op = commuted[e.Op]
	out.Left, out.Right = e.Right, e.Left
	return out
}

// compound splits an OR term into its disjuncts, or an AND disjunct into
// its conjuncts.
func (c *Clause) compound(id TermID) error {
	if err := c.p.Enter(); err != nil {
		return err
	}
	defer c.p.Leave()

	t := c.terms[id]
	sub := newClause(c.p, c.ms)
	sub.split(t.Expr, t.Expr.Op, t.FromJoin, t.JoinCursor)
	if err := sub.analyzeAll(); err != nil {
		return err
	}
	t.Sub = sub
	if t.Expr.Op == ast.OpOr {
		t.Operator = OpOR
	} else {
		t.Operator = OpAND
	}
	return nil
}

// Branch returns the clause that drives disjunct i of the OR term or: the
// disjunct's conjuncts followed by every indexable term of c other than
// the OR term itself that is not coded yet. Terms of ON clauses are left
// out, and an ON-clause
// disjunct gets no outer terms at all. The result is built once and
// cached, so TermIDs into it stay valid.
func (c *Clause) Branch(or TermID, i int) (*Clause, error) {
	key := branchKey{or, i}
	if b, ok := c.branches[key]; ok {
		return b, nil
	}
	t, err := c.term(or)
	if err != nil {
		return nil, err
	}
	if t.Operator&OpOR == 0 || t.Sub == nil {
		return nil, diag.Errorf(diag.CodeMalformed, "term %d (%s) is not an OR term", or, t.text)
	}
	if i < 0 || i >= t.Sub.nBase {
		return nil, diag.Errorf(diag.CodeMalformed, "OR term %d has no disjunct %d", or, i)
	}
	d := t.Sub.terms[i]
	b := newClause(c.p, c.ms)
	b.split(d.Expr, ast.OpAnd, d.FromJoin, d.JoinCursor)
	if !d.FromJoin {
		for id, o := range c.terms {
			if TermID(id) == or || o.Virtual || o.FromJoin || o.Operator == 0 || o.Status.Coded() {
				continue
			}
			b.insert(&Term{Expr: o.Expr, text: o.text})
		}
	}
	if err := b.analyzeAll(); err != nil {
		return nil, err
	}
	if c.branches == nil {
		c.branches = make(map[branchKey]*Clause)
	}
	c.branches[key] = b
	return b, nil
}

// maxEquiv bounds the equivalence classes followed by findTerm.
const maxEquiv = 11

// findTerm returns a term constraining column col of cursor with one of
// ops whose right-hand side is computable given notReady. Columns
// equated through EQUIV terms are searched too. A term comparing with a
// constant wins; otherwise the first usable one is returned.
func (c *Clause) findTerm(cursor, col int, notReady Mask, ops Operator) *Term {
	type column struct{ cursor, col int }
	equiv := []column{{cursor, col}}
	var found *Term
	for k := 0; k < len(equiv); k++ {
		cur := equiv[k]
		for _, t := range c.terms {
			if t.LeftCursor != cur.cursor || t.LeftColumn != cur.col {
				continue
			}
			if k > 0 && t.FromJoin {
				continue
			}
			rcur, rcol, rok := ast.IsColumn(t.Expr.Right)
			if t.Operator&OpEQUIV != 0 && rok && len(equiv) < maxEquiv {
				seen := false
				for _, q := range equiv {
					if q.cursor == rcur && q.col == rcol {
						seen = true
						break
					}
				}
				if !seen {
					equiv = append(equiv, column{rcur, rcol})
				}
			}
			if t.Operator&ops == 0 {
				continue
			}
			if t.Operator&OpEQ != 0 && rok && rcur == cursor && rcol == col {
				continue
			}
			if t.PrereqRight&notReady != 0 {
				continue
			}
			if t.PrereqRight == 0 && t.Operator&OpEQ != 0 {
				return t
			}
			if found == nil {
				found = t
			}
		}
	}
	return found
}
