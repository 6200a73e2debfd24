// Package stores provides the SQLite persistence layer for keg: the
// installed-package registry (with declared conflicts and claimed files),
// the run journal with per-phase events, and the audit log. Schema changes
// ship as embedded golang-migrate migrations.
package stores
