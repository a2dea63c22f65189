package fixture

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/qplan/internal/ast"
	"github.com/roach88/qplan/internal/catalog"
)

// SyntaxError reports an expression that does not parse.
type SyntaxError struct {
	Text    string
	Offset  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d in %q: %s", e.Offset, e.Text, e.Message)
}

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokIdent
	tokQuoted // "identifier"
	tokInt
	tokFloat
	tokString
	tokVar // ?N
	tokRef // $name
	tokPunct
)

type lexeme struct {
	kind tokKind
	text string
	pos  int
}

// Two-character operators come first so they win over their prefixes.
var puncts = []string{"||", "==", "!=", "<>", "<=", ">=", "(", ")", ",", ".", "+", "-", "*", "/", "%", "~", "=", "<", ">"}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func lex(src string) ([]lexeme, error) {
	var toks []lexeme
	fail := func(pos int, format string, args ...any) error {
		return &SyntaxError{Text: src, Offset: pos, Message: fmt.Sprintf(format, args...)}
	}
	i := 0
	for i < len(src) {
		c := src[i]
		start := i
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
			continue
		case isIdentStart(c):
			for i < len(src) && (isIdentStart(src[i]) || isDigit(src[i])) {
				i++
			}
			toks = append(toks, lexeme{tokIdent, src[start:i], start})
		case isDigit(c):
			kind := tokInt
			for i < len(src) && isDigit(src[i]) {
				i++
			}
			if i < len(src) && src[i] == '.' {
				kind = tokFloat
				i++
				for i < len(src) && isDigit(src[i]) {
					i++
				}
			}
			toks = append(toks, lexeme{kind, src[start:i], start})
		case c == '\'' || c == '"':
			var b strings.Builder
			i++
			for {
				if i >= len(src) {
					return nil, fail(start, "unterminated quote")
				}
				if src[i] == c {
					if i+1 < len(src) && src[i+1] == c {
						b.WriteByte(c)
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteByte(src[i])
				i++
			}
			kind := tokString
			if c == '"' {
				kind = tokQuoted
			}
			toks = append(toks, lexeme{kind, b.String(), start})
		case c == '?' || c == '$':
			i++
			for i < len(src) && (isIdentStart(src[i]) || isDigit(src[i])) {
				i++
			}
			if i == start+1 {
				return nil, fail(start, "%c must be followed by a name or number", c)
			}
			kind := tokRef
			if c == '?' {
				kind = tokVar
			}
			toks = append(toks, lexeme{kind, src[start+1 : i], start})
		default:
			matched := false
			for _, p := range puncts {
				if strings.HasPrefix(src[i:], p) {
					toks = append(toks, lexeme{tokPunct, p, start})
					i += len(p)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fail(start, "unexpected character %q", c)
			}
		}
	}
	return append(toks, lexeme{tokEOF, "", len(src)}), nil
}

// reserved words never read as identifiers.
var reserved = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IS": true, "NULL": true,
	"BETWEEN": true, "IN": true, "EXISTS": true, "CAST": true, "COLLATE": true,
	"AS": true, "ASC": true, "DESC": true, "DISTINCT": true, "LIKE": true,
	"CASE": true, "WHEN": true, "THEN": true, "ELSE": true, "END": true,
}

// SubqueryFunc returns the SELECT a $name reference stands for.
type SubqueryFunc func(name string) (*ast.Select, error)

type parser struct {
	src  string
	toks []lexeme
	pos  int
	subs SubqueryFunc
}

func newParser(src string, subs SubqueryFunc) (*parser, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	return &parser{src: src, toks: toks, subs: subs}, nil
}

func (p *parser) peek() lexeme { return p.toks[p.pos] }

func (p *parser) next() lexeme {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t lexeme, format string, args ...any) error {
	return &SyntaxError{Text: p.src, Offset: t.pos, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) keyword(kw string) bool {
	if p.isKeyword(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) isPunct(s string) bool {
	t := p.peek()
	return t.kind == tokPunct && t.text == s
}

func (p *parser) punct(s string) bool {
	if p.isPunct(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectPunct(s string) error {
	if !p.punct(s) {
		return p.errorf(p.peek(), "expected %q, found %s", s, describe(p.peek()))
	}
	return nil
}

func (p *parser) expectKeyword(kw string) error {
	if !p.keyword(kw) {
		return p.errorf(p.peek(), "expected %s, found %s", kw, describe(p.peek()))
	}
	return nil
}

func (p *parser) end() error {
	if t := p.peek(); t.kind != tokEOF {
		return p.errorf(t, "unexpected %s", describe(t))
	}
	return nil
}

func describe(t lexeme) string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return strconv.Quote(t.text)
}

// ParseExpr parses one SQL expression. subs resolves $name references
// and may be nil when none are used.
func ParseExpr(src string, subs SubqueryFunc) (*ast.Expr, error) {
	p, err := newParser(src, subs)
	if err != nil {
		return nil, err
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	return e, p.end()
}

// ParseResult parses "expr" or "expr AS alias".
func ParseResult(src string, subs SubqueryFunc) (ast.ResultColumn, error) {
	p, err := newParser(src, subs)
	if err != nil {
		return ast.ResultColumn{}, err
	}
	e, err := p.expr()
	if err != nil {
		return ast.ResultColumn{}, err
	}
	rc := ast.ResultColumn{Expr: e}
	if p.keyword("AS") {
		t := p.next()
		if t.kind != tokIdent && t.kind != tokQuoted {
			return rc, p.errorf(t, "expected alias, found %s", describe(t))
		}
		rc.Alias = t.text
	}
	return rc, p.end()
}

// ParseOrderTerm parses "expr", "expr ASC" or "expr DESC".
func ParseOrderTerm(src string, subs SubqueryFunc) (ast.OrderTerm, error) {
	p, err := newParser(src, subs)
	if err != nil {
		return ast.OrderTerm{}, err
	}
	e, err := p.expr()
	if err != nil {
		return ast.OrderTerm{}, err
	}
	term := ast.OrderTerm{Expr: e}
	if p.keyword("DESC") {
		term.Desc = true
	} else {
		p.keyword("ASC")
	}
	return term, p.end()
}

func (p *parser) expr() (*ast.Expr, error) {
	return p.or()
}

func (p *parser) or() (*ast.Expr, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = ast.Binary(ast.OpOr, l, r)
	}
	return l, nil
}

func (p *parser) and() (*ast.Expr, error) {
	l, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		r, err := p.not()
		if err != nil {
			return nil, err
		}
		l = ast.Binary(ast.OpAnd, l, r)
	}
	return l, nil
}

func (p *parser) not() (*ast.Expr, error) {
	if p.keyword("NOT") {
		e, err := p.not()
		if err != nil {
			return nil, err
		}
		return ast.Unary(ast.OpNot, e), nil
	}
	return p.comparison()
}

var comparisonOps = map[string]ast.Op{
	"=": ast.OpEq, "==": ast.OpEq, "!=": ast.OpNe, "<>": ast.OpNe,
	"<": ast.OpLt, "<=": ast.OpLe, ">": ast.OpGt, ">=": ast.OpGe,
}

func (p *parser) comparison() (*ast.Expr, error) {
	l, err := p.concat()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokPunct {
		if op, ok := comparisonOps[t.text]; ok {
			p.next()
			r, err := p.concat()
			if err != nil {
				return nil, err
			}
			return ast.Binary(op, l, r), nil
		}
	}
	if p.keyword("IS") {
		negate := p.keyword("NOT")
		if p.keyword("NULL") {
			if negate {
				return ast.Unary(ast.OpNotNull, l), nil
			}
			return ast.Unary(ast.OpIsNull, l), nil
		}
		r, err := p.concat()
		if err != nil {
			return nil, err
		}
		if negate {
			return ast.Binary(ast.OpIsNot, l, r), nil
		}
		return ast.Binary(ast.OpIs, l, r), nil
	}
	negate := p.keyword("NOT")
	var e *ast.Expr
	switch {
	case p.keyword("BETWEEN"):
		lo, err := p.concat()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		hi, err := p.concat()
		if err != nil {
			return nil, err
		}
		e = ast.Between(l, lo, hi)
	case p.keyword("IN"):
		if e, err = p.in(l); err != nil {
			return nil, err
		}
	case p.keyword("LIKE"):
		r, err := p.concat()
		if err != nil {
			return nil, err
		}
		e = ast.Binary(ast.OpLike, l, r)
	default:
		if negate {
			return nil, p.errorf(p.peek(), "expected BETWEEN, IN or LIKE after NOT")
		}
		return l, nil
	}
	if negate {
		e = ast.Unary(ast.OpNot, e)
	}
	return e, nil
}

func (p *parser) in(l *ast.Expr) (*ast.Expr, error) {
	if t := p.peek(); t.kind == tokRef {
		p.next()
		sel, err := p.subquery(t)
		if err != nil {
			return nil, err
		}
		return ast.InSelect(l, sel), nil
	}
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var list []*ast.Expr
	if !p.isPunct(")") {
		var err error
		if list, err = p.list(); err != nil {
			return nil, err
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return ast.InList(l, list...), nil
}

func (p *parser) list() ([]*ast.Expr, error) {
	var out []*ast.Expr
	for {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if !p.punct(",") {
			return out, nil
		}
	}
}

func (p *parser) concat() (*ast.Expr, error) {
	return p.binary(p.additive, map[string]ast.Op{"||": ast.OpConcat})
}

func (p *parser) additive() (*ast.Expr, error) {
	return p.binary(p.multiplicative, map[string]ast.Op{"+": ast.OpPlus, "-": ast.OpMinus})
}

func (p *parser) multiplicative() (*ast.Expr, error) {
	return p.binary(p.unary, map[string]ast.Op{"*": ast.OpMultiply, "/": ast.OpDivide, "%": ast.OpRemainder})
}

// binary parses a left-associative chain of the operators in ops.
func (p *parser) binary(operand func() (*ast.Expr, error), ops map[string]ast.Op) (*ast.Expr, error) {
	l, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		op, ok := ops[t.text]
		if t.kind != tokPunct || !ok {
			return l, nil
		}
		p.next()
		r, err := operand()
		if err != nil {
			return nil, err
		}
		l = ast.Binary(op, l, r)
	}
}

func (p *parser) unary() (*ast.Expr, error) {
	switch {
	case p.punct("-"):
		e, err := p.unary()
		if err != nil {
			return nil, err
		}
		if e.Op == ast.OpInteger || e.Op == ast.OpFloat {
			e.Int, e.Float = -e.Int, -e.Float
			return e, nil
		}
		return ast.Unary(ast.OpNegative, e), nil
	case p.punct("+"):
		return p.unary()
	case p.punct("~"):
		e, err := p.unary()
		if err != nil {
			return nil, err
		}
		return ast.Unary(ast.OpBitNot, e), nil
	}
	e, err := p.primary()
	if err != nil {
		return nil, err
	}
	for p.keyword("COLLATE") {
		t := p.next()
		if t.kind != tokIdent && t.kind != tokQuoted {
			return nil, p.errorf(t, "expected collation name, found %s", describe(t))
		}
		e = ast.Collate(e, t.text)
	}
	return e, nil
}

func (p *parser) primary() (*ast.Expr, error) {
	t := p.next()
	switch t.kind {
	case tokInt:
		v, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, p.errorf(t, "integer %s out of range", t.text)
		}
		return ast.Int(v), nil
	case tokFloat:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "bad number %s", t.text)
		}
		return ast.Float(v), nil
	case tokString:
		return ast.Str(t.text), nil
	case tokVar:
		n, err := strconv.Atoi(t.text)
		if err != nil || n < 1 {
			return nil, p.errorf(t, "parameter ?%s must be a positive number", t.text)
		}
		return ast.Var(n), nil
	case tokRef:
		sel, err := p.subquery(t)
		if err != nil {
			return nil, err
		}
		return ast.Subquery(sel), nil
	case tokQuoted:
		return p.name(t.text)
	case tokPunct:
		if t.text == "(" {
			return p.parenthesized()
		}
	case tokIdent:
		return p.identifier(t)
	}
	return nil, p.errorf(t, "unexpected %s", describe(t))
}

func (p *parser) parenthesized() (*ast.Expr, error) {
	list, err := p.list()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	if len(list) == 1 {
		return list[0], nil
	}
	return ast.Vector(list...), nil
}

func (p *parser) identifier(t lexeme) (*ast.Expr, error) {
	word := strings.ToUpper(t.text)
	switch word {
	case "NULL":
		return ast.Null(), nil
	case "EXISTS":
		ref := p.next()
		if ref.kind != tokRef {
			return nil, p.errorf(ref, "EXISTS needs a $subquery reference")
		}
		sel, err := p.subquery(ref)
		if err != nil {
			return nil, err
		}
		return ast.Exists(sel), nil
	case "CAST":
		return p.cast()
	case "CASE":
		return p.caseExpr()
	}
	if reserved[word] {
		return nil, p.errorf(t, "unexpected %s", word)
	}
	if p.punct("(") {
		return p.call(t.text)
	}
	return p.name(t.text)
}

// name reads the remaining parts of a dotted identifier.
func (p *parser) name(first string) (*ast.Expr, error) {
	parts := []string{first}
	for p.punct(".") {
		t := p.next()
		if t.kind != tokIdent && t.kind != tokQuoted {
			return nil, p.errorf(t, "expected identifier after '.', found %s", describe(t))
		}
		parts = append(parts, t.text)
	}
	if len(parts) > 3 {
		return nil, p.errorf(p.peek(), "too many qualifiers in %s", strings.Join(parts, "."))
	}
	return ast.Name(strings.Join(parts, ".")), nil
}

func (p *parser) call(name string) (*ast.Expr, error) {
	if p.punct("*") {
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return ast.Call(name), nil
	}
	distinct := p.keyword("DISTINCT")
	var args []*ast.Expr
	if !p.isPunct(")") {
		var err error
		if args, err = p.list(); err != nil {
			return nil, err
		}
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	e := ast.Call(name, args...)
	if distinct {
		e.Flags |= ast.FlagDistinct
	}
	return e, nil
}

func (p *parser) cast() (*ast.Expr, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("AS"); err != nil {
		return nil, err
	}
	t := p.next()
	typ, err := catalog.ParseFieldType(t.text)
	if err != nil || t.kind != tokIdent {
		return nil, p.errorf(t, "unknown type %s", describe(t))
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return &ast.Expr{Op: ast.OpCast, Left: e, Type: typ}, nil
}

func (p *parser) caseExpr() (*ast.Expr, error) {
	e := &ast.Expr{Op: ast.OpCase}
	if !p.isKeyword("WHEN") {
		operand, err := p.expr()
		if err != nil {
			return nil, err
		}
		e.Left = operand
	}
	for p.keyword("WHEN") {
		when, err := p.expr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("THEN"); err != nil {
			return nil, err
		}
		then, err := p.expr()
		if err != nil {
			return nil, err
		}
		e.List = append(e.List, when, then)
	}
	if len(e.List) == 0 {
		return nil, p.errorf(p.peek(), "CASE needs at least one WHEN")
	}
	if p.keyword("ELSE") {
		r, err := p.expr()
		if err != nil {
			return nil, err
		}
		e.Right = r
	}
	if err := p.expectKeyword("END"); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *parser) subquery(t lexeme) (*ast.Select, error) {
	if p.subs == nil {
		return nil, p.errorf(t, "no subqueries declared for $%s", t.text)
	}
	sel, err := p.subs(t.text)
	if err != nil {
		return nil, p.errorf(t, "%v", err)
	}
	return sel, nil
}
