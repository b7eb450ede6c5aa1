// Package stores persists reconciliation history in SQLite: runs, the
// per-record audit log, the catalog of raw carrier texts and resume
// checkpoints. The schema is managed with embedded golang-migrate migrations.
package stores
