// Package trigger is the cron engine: expression validation, next-run
// calculation and stoppable triggers that call back at each match (UTC by default).
//
// It does not execute work itself; callbacks are expected to hand off to the
// dispatcher and return immediately.
package trigger
