// Package catalog describes the tables, columns, indexes and builtin
// functions a statement is compiled against.
//
// The catalog is read-only during compilation. Identifier comparison is
// case-insensitive after Unicode NFC normalisation (see SameName).
package catalog
