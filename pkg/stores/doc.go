// Package stores provides the SQLite persistence layer for the runtime.
// SQLiteStore keeps one row per playbook execution, with the full record as
// a JSON document, plus an append-only audit log of lifecycle events. The
// schema is managed by embedded golang-migrate migrations.
package stores
