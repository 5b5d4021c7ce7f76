package storage

// Package storage is the data store boundary of the recurring-task engine.
//
// It currently supports:
//   - "postgres": database/sql over pgx (production)
//   - "sqlite":   single-file SQLite via modernc (small installs, tests)
//   - "memory":   in-process maps (tests, dry runs)
//
// SQL drivers share one query set written with '?' placeholders; the
// postgres dialect rebinds them to $n. Schemas are goose migrations
// embedded per dialect.
