// Package compile drives one SELECT through the pipeline: name
// resolution, WHERE clause analysis, loop planning, loop code generation
// and program verification.
//
// Plans come from a Planner. The default one scans every FROM item in
// order; callers that choose indexes supply their own, usually built from
// a fixture. A failed compilation never returns a partial program.
package compile
