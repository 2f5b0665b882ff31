// Package storage persists the operator audit trail and broadcast run history.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": a single SQLite database (modernc.org/sqlite, pure Go)
//
// Storage is optional; Open returns (nil, nil) when it is disabled.
package storage
