// Package storage persists the execution log of the scheduler.
//
// It currently supports:
//   - Appending one record per job run
//   - Paged "latest first" lookups scoped to a job, optionally a trigger and log types
package storage
