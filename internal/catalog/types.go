package catalog

import (
	"fmt"
	"strings"
)

// FieldType is the declared type of a column or the inferred type of an
// expression.
type FieldType uint8

const (
	TypeAny FieldType = iota
	TypeInteger
	TypeDouble
	TypeNumber
	TypeString
	TypeBoolean
	TypeVarbinary
	TypeScalar
)

var fieldTypeNames = [...]string{
	TypeAny:       "any",
	TypeInteger:   "integer",
	TypeDouble:    "double",
	TypeNumber:    "number",
	TypeString:    "string",
	TypeBoolean:   "boolean",
	TypeVarbinary: "varbinary",
	TypeScalar:    "scalar",
}

func (t FieldType) String() string {
	if int(t) < len(fieldTypeNames) {
		return fieldTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", t)
}

// ParseFieldType converts a type name ("integer", "STRING", ...) to a
// FieldType. The empty string maps to TypeAny.
func ParseFieldType(s string) (FieldType, error) {
	if s == "" {
		return TypeAny, nil
	}
	for i, name := range fieldTypeNames {
		if strings.EqualFold(name, s) {
			return FieldType(i), nil
		}
	}
	return TypeAny, fmt.Errorf("unknown field type %q", s)
}

// IsNumeric reports whether values of t compare numerically.
func (t FieldType) IsNumeric() bool {
	return t == TypeInteger || t == TypeDouble || t == TypeNumber
}

// Compatible reports whether a value of type val can be compared against
// a column of type col without coercing it first.
func Compatible(col, val FieldType) bool {
	switch {
	case col == TypeAny || col == TypeScalar:
		return true
	case col == val:
		return true
	case col == TypeNumber && val.IsNumeric():
		return true
	}
	return false
}
