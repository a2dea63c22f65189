package ast

import (
	"fmt"

	"github.com/roach88/qplan/internal/catalog"
)

// Op is the node kind of an expression.
type Op uint8

const (
	OpNull Op = iota
	OpInteger
	OpFloat
	OpString
	OpVariable
	OpID
	OpDot
	OpColumn
	OpTrigger
	OpResultRef
	OpFunction
	OpCollate
	OpCast
	OpNot
	OpNegative
	OpBitNot
	OpIsNull
	OpNotNull
	OpAnd
	OpOr
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIs
	OpIsNot
	OpPlus
	OpMinus
	OpMultiply
	OpDivide
	OpRemainder
	OpConcat
	OpLike
	OpBetween
	OpIn
	OpExists
	OpSelect
	OpVector
	OpCase
)

var opNames = [...]string{
	OpNull:      "NULL",
	OpInteger:   "INTEGER",
	OpFloat:     "FLOAT",
	OpString:    "STRING",
	OpVariable:  "VARIABLE",
	OpID:        "ID",
	OpDot:       "DOT",
	OpColumn:    "COLUMN",
	OpTrigger:   "TRIGGER",
	OpResultRef: "RESULT_REF",
	OpFunction:  "FUNCTION",
	OpCollate:   "COLLATE",
	OpCast:      "CAST",
	OpNot:       "NOT",
	OpNegative:  "NEGATIVE",
	OpBitNot:    "BITNOT",
	OpIsNull:    "ISNULL",
	OpNotNull:   "NOTNULL",
	OpAnd:       "AND",
	OpOr:        "OR",
	OpEq:        "EQ",
	OpNe:        "NE",
	OpLt:        "LT",
	OpLe:        "LE",
	OpGt:        "GT",
	OpGe:        "GE",
	OpIs:        "IS",
	OpIsNot:     "ISNOT",
	OpPlus:      "PLUS",
	OpMinus:     "MINUS",
	OpMultiply:  "MULTIPLY",
	OpDivide:    "DIVIDE",
	OpRemainder: "REMAINDER",
	OpConcat:    "CONCAT",
	OpLike:      "LIKE",
	OpBetween:   "BETWEEN",
	OpIn:        "IN",
	OpExists:    "EXISTS",
	OpSelect:    "SELECT",
	OpVector:    "VECTOR",
	OpCase:      "CASE",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", op)
}

// IsComparison reports whether op is a binary comparison.
func (op Op) IsComparison() bool {
	return op >= OpEq && op <= OpIsNot
}

// IsArithmetic reports whether op is a binary arithmetic or string operator.
func (op Op) IsArithmetic() bool {
	return op >= OpPlus && op <= OpConcat
}

// Flags are node properties set by the parser or the resolver.
type Flags uint16

const (
	FlagAgg        Flags = 1 << iota // node is or contains an aggregate call
	FlagCanBeNull                    // column may be NULL (nullable or left-joined)
	FlagResolved                     // identifiers beneath are bound
	FlagFromJoin                     // term of an ON clause; JoinCursor names the joined table
	FlagCorrelated                   // subquery references an enclosing scope
	FlagDistinct                     // DISTINCT aggregate argument
	FlagAlias                        // result reference created from an alias name
)

// Expr is one node of an expression tree.
//
// Operand layout by Op:
//   - unary ops, OpCollate, OpCast: Left
//   - binary ops: Left, Right
//   - OpFunction: Str is the name, List the arguments
//   - OpVector: List
//   - OpBetween: Left BETWEEN List[0] AND List[1]
//   - OpIn: Left IN (List) or Left IN (Select)
//   - OpCase: optional operand Left, WHEN/THEN pairs in List, ELSE in Right
//   - OpSelect, OpExists: Select
//   - OpResultRef: Left is the referenced result-set expression
type Expr struct {
	Op     Op
	Left   *Expr
	Right  *Expr
	List   []*Expr
	Select *Select

	Int    int64
	Float  float64
	Str    string // literal text, identifier, function name or collation
	Table  string // qualifier of OpDot, display table of OpColumn
	Schema string // leading qualifier of X.Y.Z

	// Resolution cache.
	Cursor     int // slot cursor; OpTrigger: 0 old row, 1 new row
	Column     int // column index; OpResultRef: 0-based result position
	Type       catalog.FieldType
	AggDepth   int
	Func       *catalog.Func
	JoinCursor int

	Flags Flags
}

// Has reports whether all of f are set on e.
func (e *Expr) Has(f Flags) bool {
	return e != nil && e.Flags&f == f
}

// Copy returns a shallow copy of e with a fresh List slice.
func (e *Expr) Copy() *Expr {
	out := *e
	if e.List != nil {
		out.List = append([]*Expr(nil), e.List...)
	}
	return &out
}

// VectorSize returns the number of values e produces: the element count
// of a row value or the column count of a subquery, otherwise 1.
func (e *Expr) VectorSize() int {
	switch e.Op {
	case OpVector:
		return len(e.List)
	case OpSelect:
		if e.Select != nil {
			return len(e.Select.Results)
		}
	}
	return 1
}

// VectorField returns element i of a row value. For scalars i must be 0.
func (e *Expr) VectorField(i int) *Expr {
	if e.Op == OpVector {
		return e.List[i]
	}
	return e
}

// SkipCollate strips COLLATE wrappers.
func SkipCollate(e *Expr) *Expr {
	for e != nil && e.Op == OpCollate {
		e = e.Left
	}
	return e
}

// IsColumn reports whether e (ignoring COLLATE) is a resolved column
// reference, returning its cursor and column.
func IsColumn(e *Expr) (cursor, column int, ok bool) {
	e = SkipCollate(e)
	if e == nil || e.Op != OpColumn {
		return 0, 0, false
	}
	return e.Cursor, e.Column, true
}

// Collation returns the explicit COLLATE name on e or the column
// collation of a column reference.
func Collation(e *Expr) string {
	for e != nil {
		switch e.Op {
		case OpCollate:
			return e.Str
		case OpResultRef:
			e = e.Left
		default:
			return ""
		}
	}
	return ""
}
