// Package scheduler keeps a registry of region triggers in sync with the
// catalog and offers the manual run path.
//
// The scheduler owns:
//   - the registry: one cron trigger per active region, keyed by region ID
//   - reconcile: diff the catalog against the registry (add/replace/refresh/remove)
//   - RunNow: resolve a region by code and hand it to the dispatcher
//   - lifecycle: Created -> Running -> Stopped
//
// Handler execution and the concurrency cap live in internal/task/engine.
package scheduler
