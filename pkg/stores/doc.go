// Package stores provides the SQLite archive catalog: a queryable mirror of
// the archive index plus the history of preflight runs and the events they
// emitted. The catalog is advisory. The JSON index stays authoritative and
// RecordRun rebuilds the mirror from it on every committed run.
package stores
