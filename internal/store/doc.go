// Package store provides a SQLite-backed archive of compiled programs.
//
// Every `qplan explain --archive` run appends one record per fixture:
// the loop nest chosen for it, its EXPLAIN listing and JSON program, or
// the compile error it produced. `qplan history` reads them back.
//
// # Ordering
//
// Records are ordered by seq, an archive-wide counter assigned on insert.
// Record ids are UUIDv7 strings; they are unique but never used for
// ordering, so tests may substitute predictable ids (see IDGenerator).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait up to 5s on lock contention
//   - Single connection: SQLite has one writer
package store
