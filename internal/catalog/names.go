package catalog

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// FoldName returns the canonical lookup form of an identifier: NFC
// normalised and case folded.
//
// A fresh Caser is used per call; Casers keep state and are not safe to
// share between concurrent compilations.
func FoldName(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// SameName reports whether two identifiers name the same object.
func SameName(a, b string) bool {
	if a == b {
		return true
	}
	return FoldName(a) == FoldName(b)
}
