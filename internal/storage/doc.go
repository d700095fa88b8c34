// Package storage mirrors activity records into a secondary store.
//
// The on-disk partitions written by package activity stay authoritative; a
// store only keeps a queryable copy. Supported drivers:
//   - "file": append-only JSON Lines next to the configured path
//   - "sqlite": SQLite database (build with -tags sqlite)
package storage
