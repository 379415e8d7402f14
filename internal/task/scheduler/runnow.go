package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"regionworker/internal/region"
	"regionworker/internal/task/engine"
	logx "regionworker/pkg/logx"
)

// reasonException is the metric label for unexpected failures; callers see ReasonError.
const reasonException = "exception"

// RunNow dispatches the region with the given code outside its schedule.
// It obeys the same concurrency cap as scheduled firings and never returns a
// raw error: every outcome is a RunResult.
func (s *Scheduler) RunNow(ctx context.Context, code string, opt RunOptions) RunResult {
	l := s.log.With(logx.String("region_code", code), logx.Event("manual_run"), logx.Bool("force", opt.Force))

	if s.State() == StateStopped {
		return s.manualResult(l, code, ResultError, ReasonStopped, ReasonStopped, nil)
	}

	r, ok := s.lookupScheduled(code)
	if !ok {
		got, found, err := s.getByCode(ctx, code, opt.Force)
		if err != nil {
			return s.manualResult(l, code, ResultError, ReasonError, reasonException, err)
		}
		if !found {
			return s.manualResult(l, code, ResultRejected, ReasonNotFound, ReasonNotFound, nil)
		}
		if !opt.Force && !got.Active {
			return s.manualResult(l, code, ResultRejected, ReasonInactive, ReasonInactive, nil)
		}
		r = got
	}

	if s.disp.Full() {
		return s.manualResult(l, code, ResultRejected, ReasonCapacity, ReasonCapacity, nil)
	}

	switch err := s.disp.Submit(r, engine.OriginManual); {
	case err == nil:
		return s.manualResult(l, code, ResultAccepted, ReasonOK, ReasonOK, nil)
	case errors.Is(err, engine.ErrCapacity):
		// Lost the slot between the check and the submit.
		return s.manualResult(l, code, ResultRejected, ReasonCapacity, ReasonCapacity, nil)
	case errors.Is(err, engine.ErrStopped):
		return s.manualResult(l, code, ResultError, ReasonStopped, ReasonStopped, err)
	default:
		return s.manualResult(l, code, ResultError, ReasonError, reasonException, err)
	}
}

func (s *Scheduler) getByCode(ctx context.Context, code string, includeInactive bool) (r region.Region, found bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("catalog panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			r, found, err = region.Region{}, false, fmt.Errorf("catalog panic: %v", p)
		}
	}()
	return s.cat.GetByCode(ctx, code, includeInactive)
}

func (s *Scheduler) manualResult(l logx.Logger, code, result, reason, metricReason string, err error) RunResult {
	s.metrics.RecordManualRun(context.Background(), result, metricReason, code)

	fields := []logx.Field{logx.String("result", result), logx.String("reason", reason)}
	switch {
	case result == ResultAccepted:
		l.Info("manual run dispatched", fields...)
	case err != nil:
		l.Error("manual run failed", append(fields, logx.Err(err))...)
	case reason == ReasonCapacity:
		l.Info("manual run skipped due to capacity", append(fields, logx.Int("running", s.disp.InFlight()), logx.Int("max", s.disp.Max()))...)
	case result == ResultError:
		l.Warn("manual run refused", fields...)
	default:
		l.Warn("manual run rejected", fields...)
	}
	return RunResult{OK: result == ResultAccepted, Result: result, Reason: reason}
}
