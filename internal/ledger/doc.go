// Package ledger keeps a SQLite history of batch runs and their per-entry
// outcomes in the state directory. Every rank writes to the same database;
// WAL mode and a busy timeout let them share it.
package ledger
