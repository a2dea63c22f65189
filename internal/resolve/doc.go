// Package resolve binds identifiers in expression trees and SELECT
// statements to source-table columns, result-set positions and trigger
// rows, and validates function calls and aggregates.
//
// Resolution walks a Scope chain from the innermost statement outwards.
// Errors are recorded as diagnostics and resolution continues with
// sibling nodes, so one pass reports every problem it can find. Callers
// must not generate code for a statement that produced any diagnostic.
package resolve
