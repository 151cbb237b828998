// Package storage journals agent activity (deliveries, display failures,
// clicks, dismissals) so operators can inspect recent history.
//
// Drivers:
//   - "file": append-only JSON Lines, rewritten on prune
//   - "sqlite": a single SQLite database (modernc.org/sqlite, pure Go)
package storage
