// Package journal persists manager events in SQLite so that `torctl history`
// can show what a daemon did across runs: state changes, bootstrap progress,
// new identities and disconnects.
//
// Design decision: SQLite via modernc.org/sqlite keeps the journal a single
// CGO-free file next to the daemon's data directory. Events are stored as
// their JSON form plus a few indexed columns, so adding an event field needs
// no migration.
package journal
