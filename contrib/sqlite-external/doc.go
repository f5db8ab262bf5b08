// Package sqliteexternal provides the optional CGO SQLite driver.
//
// The SQLite page controller opens its scratch database through
// github.com/FocuswithJustin/dwgcore/core/sqlite, which uses the pure Go
// modernc.org/sqlite driver by default. Building with the cgo_sqlite tag
// swaps in github.com/mattn/go-sqlite3 through this package:
//
//	CGO_ENABLED=1 go build -tags cgo_sqlite ./...
//
// Use the CGO driver when paging throughput matters more than a
// single static binary; the scratch schema is identical under both.
package sqliteexternal
