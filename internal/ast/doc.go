// Package ast holds the expression tree and statement structures shared by
// the name resolver and the code generator.
//
// Trees arrive from the parser with identifiers unresolved (OpID, OpDot).
// Resolution produces new nodes (OpColumn, OpTrigger, OpResultRef) flagged
// FlagResolved; resolved nodes are treated as immutable and may be shared
// between trees.
package ast
