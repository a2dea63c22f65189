// Package fixture loads query fixtures: a table catalog, one SELECT and
// optionally the loop plan to compile it with.
//
// Fixtures are written in YAML or CUE. Expressions are SQL text, parsed
// by a small expression parser into ast nodes. A plan level names its
// FROM item by exposed name and refers to WHERE terms by their resolved
// text, as printed by Expr.String:
//
//	plan:
//	  levels:
//	    - from: t1
//	      loop:
//	        strategy: indexed
//	        index: i_bc
//	        eq: ["t1.b = 1"]
//	        lower: "t1.c > 5"
//
// Subqueries used inside expressions are declared under query.subqueries
// and referenced as $name, for example "EXISTS $recent" or
// "a IN $ids".
package fixture
