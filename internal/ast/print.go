package ast

import (
	"strconv"
	"strings"

	"github.com/roach88/qplan/internal/catalog"
)

var binaryText = map[Op]string{
	OpAnd: "AND", OpOr: "OR",
	OpEq: "=", OpNe: "<>", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
	OpIs: "IS", OpIsNot: "IS NOT",
	OpPlus: "+", OpMinus: "-", OpMultiply: "*", OpDivide: "/", OpRemainder: "%",
	OpConcat: "||", OpLike: "LIKE",
}

// String renders e as SQL-like text for diagnostics and listings.
func (e *Expr) String() string {
	var b strings.Builder
	writeExpr(&b, e)
	return b.String()
}

func writeExpr(b *strings.Builder, e *Expr) {
	if e == nil {
		b.WriteString("<nil>")
		return
	}
	switch e.Op {
	case OpNull:
		b.WriteString("NULL")
	case OpInteger:
		b.WriteString(strconv.FormatInt(e.Int, 10))
	case OpFloat:
		b.WriteString(strconv.FormatFloat(e.Float, 'g', -1, 64))
	case OpString:
		b.WriteString("'" + strings.ReplaceAll(e.Str, "'", "''") + "'")
	case OpVariable:
		b.WriteString("?" + strconv.FormatInt(e.Int, 10))
	case OpID:
		b.WriteString(e.Str)
	case OpDot, OpColumn:
		if e.Schema != "" {
			b.WriteString(e.Schema + ".")
		}
		if e.Table != "" {
			b.WriteString(e.Table + ".")
		}
		b.WriteString(e.Str)
	case OpTrigger:
		if e.Cursor == 1 {
			b.WriteString("new.")
		} else {
			b.WriteString("old.")
		}
		b.WriteString(e.Str)
	case OpResultRef:
		b.WriteString("#" + strconv.Itoa(e.Column+1))
		if e.Str != "" {
			b.WriteString("(" + e.Str + ")")
		}
	case OpFunction:
		b.WriteString(e.Str + "(")
		if e.Has(FlagDistinct) {
			b.WriteString("DISTINCT ")
		}
		writeList(b, e.List)
		b.WriteString(")")
	case OpCollate:
		writeExpr(b, e.Left)
		b.WriteString(" COLLATE " + e.Str)
	case OpCast:
		b.WriteString("CAST(")
		writeExpr(b, e.Left)
		b.WriteString(" AS " + strings.ToUpper(e.Type.String()) + ")")
	case OpNot:
		b.WriteString("NOT ")
		writeExpr(b, e.Left)
	case OpNegative:
		b.WriteString("-")
		writeExpr(b, e.Left)
	case OpBitNot:
		b.WriteString("~")
		writeExpr(b, e.Left)
	case OpIsNull:
		writeExpr(b, e.Left)
		b.WriteString(" IS NULL")
	case OpNotNull:
		writeExpr(b, e.Left)
		b.WriteString(" IS NOT NULL")
	case OpBetween:
		writeExpr(b, e.Left)
		b.WriteString(" BETWEEN ")
		writeExpr(b, e.List[0])
		b.WriteString(" AND ")
		writeExpr(b, e.List[1])
	case OpIn:
		writeExpr(b, e.Left)
		b.WriteString(" IN (")
		if e.Select != nil {
			b.WriteString("SELECT ...")
		} else {
			writeList(b, e.List)
		}
		b.WriteString(")")
	case OpExists:
		b.WriteString("EXISTS (SELECT ...)")
	case OpSelect:
		b.WriteString("(SELECT ...)")
	case OpVector:
		b.WriteString("(")
		writeList(b, e.List)
		b.WriteString(")")
	case OpCase:
		b.WriteString("CASE")
		if e.Left != nil {
			b.WriteString(" ")
			writeExpr(b, e.Left)
		}
		for i := 0; i+1 < len(e.List); i += 2 {
			b.WriteString(" WHEN ")
			writeExpr(b, e.List[i])
			b.WriteString(" THEN ")
			writeExpr(b, e.List[i+1])
		}
		if e.Right != nil {
			b.WriteString(" ELSE ")
			writeExpr(b, e.Right)
		}
		b.WriteString(" END")
	default:
		if text, ok := binaryText[e.Op]; ok {
			writeOperand(b, e.Left)
			b.WriteString(" " + text + " ")
			writeOperand(b, e.Right)
			return
		}
		b.WriteString(e.Op.String())
	}
}

func writeOperand(b *strings.Builder, e *Expr) {
	if e != nil && (e.Op == OpAnd || e.Op == OpOr) {
		b.WriteString("(")
		writeExpr(b, e)
		b.WriteString(")")
		return
	}
	writeExpr(b, e)
}

func writeList(b *strings.Builder, list []*Expr) {
	for i, x := range list {
		if i > 0 {
			b.WriteString(", ")
		}
		writeExpr(b, x)
	}
}

func sameIdent(a, b string) bool {
	return catalog.SameName(a, b)
}
