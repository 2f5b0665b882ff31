// Package recipients reads the broadcast audience from the bot's user table.
//
// The directory never owns the schema: it reads (and optionally inserts into)
// a table/column that already exists. Drivers:
//   - "sqlite"   (modernc.org/sqlite)
//   - "postgres" (github.com/lib/pq)
//   - "static"   (ids from config and/or a file, one per line)
package recipients
