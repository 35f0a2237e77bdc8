// Package stores provides the SQLite audit journal of plan sessions.
// The schema is managed by golang-migrate from embedded SQL files. The
// journal is write-only history: it records state and action transitions and
// operation outcomes, and is never read back to restore a session.
package stores
