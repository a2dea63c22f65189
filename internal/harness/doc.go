// Package harness runs query fixtures through the compiler and checks the
// outcome.
//
// A fixture either compiles, in which case its program listing is the
// result, or declares the error it expects:
//
//	name: unresolved_where
//	tables: [...]
//	query:
//	  select: [a]
//	  from: [{table: t1}]
//	  where: zz = 1
//	expect:
//	  error: UNRESOLVED
//	  message: "no such column: zz"
//
// # Golden Listings
//
// RunWithGolden compares a fixture's snapshot (the chosen loops followed
// by the program listing, or the expected error) against
// testdata/golden/<fixture>.golden. To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// # Isolation
//
// Every run builds a fresh schema and statement from the fixture, so
// fixtures may be compiled concurrently (see Harness.RunAll).
package harness
