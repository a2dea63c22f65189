// Package diag defines the compile-time error taxonomy shared by the name
// resolver and the code generator.
package diag

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a compile error.
type Code string

const (
	// CodeUnresolved indicates an identifier that matches nothing in any scope.
	CodeUnresolved Code = "UNRESOLVED"

	// CodeAmbiguous indicates an identifier matching several columns at one level.
	CodeAmbiguous Code = "AMBIGUOUS"

	// CodeFunction indicates an unknown function, wrong arity or misplaced aggregate.
	CodeFunction Code = "FUNCTION"

	// CodeShape indicates a row-value arity or compound column-count mismatch.
	CodeShape Code = "SHAPE"

	// CodeResource indicates an allocation failure while building registers,
	// coercion tables or ephemeral structures.
	CodeResource Code = "RESOURCE"

	// CodeLimit indicates that a configured limit (depth, terms, tables) was exceeded.
	CodeLimit Code = "LIMIT"

	// CodeMalformed indicates an inconsistent loop descriptor or term clause.
	CodeMalformed Code = "MALFORMED"

	// CodeUnsupported indicates a construct with no configured code generator.
	CodeUnsupported Code = "UNSUPPORTED"
)

// Error is one compile diagnostic.
type Error struct {
	Code    Code
	Message string
	Clause  string // "WHERE", "ORDER BY", ... when known
}

func (e *Error) Error() string {
	if e.Clause != "" {
		return fmt.Sprintf("%s: %s", e.Clause, e.Message)
	}
	return e.Message
}

// Errorf creates a diagnostic with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// List accumulates diagnostics. A non-empty List is itself an error that
// reports its first entry; errors.As reaches every entry.
type List struct {
	errs []*Error
}

// Add records a diagnostic.
func (l *List) Add(e *Error) {
	l.errs = append(l.errs, e)
}

// Len returns the number of recorded diagnostics.
func (l *List) Len() int {
	return len(l.errs)
}

// Errors returns the recorded diagnostics in order.
func (l *List) Errors() []*Error {
	return l.errs
}

// Truncate drops diagnostics recorded after the first n.
func (l *List) Truncate(n int) {
	if n < len(l.errs) {
		l.errs = l.errs[:n]
	}
}

// Since returns the diagnostics recorded after the first n as an error,
// or nil when there are none.
func (l *List) Since(n int) error {
	if n >= len(l.errs) {
		return nil
	}
	return &List{errs: append([]*Error(nil), l.errs[n:]...)}
}

// Err returns l as an error, or nil when empty.
func (l *List) Err() error {
	return l.Since(0)
}

func (l *List) Error() string {
	switch len(l.errs) {
	case 0:
		return "no errors"
	case 1:
		return l.errs[0].Error()
	}
	var b strings.Builder
	b.WriteString(l.errs[0].Error())
	fmt.Fprintf(&b, " (and %d more)", len(l.errs)-1)
	return b.String()
}

func (l *List) Unwrap() []error {
	out := make([]error, len(l.errs))
	for i, e := range l.errs {
		out[i] = e
	}
	return out
}

// CodeOf returns the code of the first diagnostic in err, or "".
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// All returns every diagnostic reachable from err.
func All(err error) []*Error {
	var l *List
	if errors.As(err, &l) {
		return l.Errors()
	}
	var de *Error
	if errors.As(err, &de) {
		return []*Error{de}
	}
	return nil
}

func hasCode(err error, code Code) bool {
	for _, e := range All(err) {
		if e.Code == code {
			return true
		}
	}
	return false
}

// IsUnresolved checks if err carries an unresolved-identifier diagnostic.
func IsUnresolved(err error) bool { return hasCode(err, CodeUnresolved) }

// IsAmbiguous checks if err carries an ambiguous-identifier diagnostic.
func IsAmbiguous(err error) bool { return hasCode(err, CodeAmbiguous) }

// IsFunction checks if err carries an invalid-function-use diagnostic.
func IsFunction(err error) bool { return hasCode(err, CodeFunction) }

// IsShape checks if err carries a shape-mismatch diagnostic.
func IsShape(err error) bool { return hasCode(err, CodeShape) }

// IsResource checks if err carries a resource-exhaustion diagnostic.
func IsResource(err error) bool { return hasCode(err, CodeResource) }

// IsLimit checks if err carries a limit-exceeded diagnostic.
func IsLimit(err error) bool { return hasCode(err, CodeLimit) }

// IsMalformed checks if err carries a malformed-descriptor diagnostic.
func IsMalformed(err error) bool { return hasCode(err, CodeMalformed) }
