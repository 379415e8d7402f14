// Package storage is the optional run journal: every region invocation and
// skip, appended as one record. It is observability only; the scheduler
// never reads it back to decide anything.
package storage
