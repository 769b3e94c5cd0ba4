// Package stores provides the SQLite persistence layer for change governance.
// It uses WAL mode, immediate write transactions and embedded golang-migrate
// migrations, and implements the engine.Store, engine.Directory and
// engine.AuditSink collaborators.
package stores
