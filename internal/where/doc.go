// Package where generates the nested-loop code of a SELECT's FROM and
// WHERE clauses.
//
// A WHERE clause is flattened into a Clause: an arena of Terms addressed
// by TermID, each tagged with the tables it depends on and an operator
// class usable by index seeks. An external planner chooses one Loop per
// FROM item and the join order; Begin opens the cursors, CodeLevel emits
// one nesting level at a time and End closes the loops again.
//
// Terms move through an explicit status: a term consumed by a seek or by
// a residual test is coded and never tested again. Terms of a LEFT JOIN's
// WHERE side are deferred until the join's match flag has been set.
package where
