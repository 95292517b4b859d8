// Package execution implements the safe-execution orchestrator: it wraps
// a fallible call in checkpoint → run → (on failure) consult a recovery
// strategy → retry/rollback/fallback, the way the teacher's orchestrator
// wraps worker task dispatch in start/complete/failed bookkeeping, minus
// the subprocess and wire-protocol plumbing this substrate doesn't need.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/logging"
	"github.com/joss/ckpt/internal/metrics"
	"github.com/joss/ckpt/internal/recovery"
	"github.com/joss/ckpt/internal/value"
)

// Call is the fallible unit of work SafeExecute protects. It receives the
// state at the point of the call and returns the new state on success.
type Call func(ctx context.Context, state value.Value) (value.Value, error)

// Fallback produces a degraded result when every recovery strategy gives
// up. A nil Fallback means a final failure propagates to the caller.
type Fallback func(ctx context.Context, state value.Value, lastErr error) (value.Value, error)

// ExecutionError wraps a failure that survived every recovery attempt.
type ExecutionError struct {
	Description string
	Attempts    int
	Err         error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: failed after %d attempt(s): %v", e.Description, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
func (e *ExecutionError) Kind() string  { return "ExecutionError" }

// Cancelled signals that a retry delay was interrupted by context
// cancellation.
type Cancelled struct {
	Description string
}

func (e *Cancelled) Error() string { return fmt.Sprintf("%s: cancelled during retry delay", e.Description) }
func (e *Cancelled) Kind() string  { return "Cancelled" }

// Orchestrator drives SafeExecute against a checkpoint engine and a
// recovery strategy, pushing outcome counters to a shared Metrics.
type Orchestrator struct {
	engine   *dag.Engine
	strategy recovery.Strategy
	metrics  *metrics.Metrics
	log      *logging.Logger
}

// New creates an Orchestrator. m defaults to metrics.Global() if nil.
func New(engine *dag.Engine, strategy recovery.Strategy, m *metrics.Metrics) *Orchestrator {
	if m == nil {
		m = metrics.Global()
	}
	return &Orchestrator{
		engine:   engine,
		strategy: strategy,
		metrics:  m,
		log:      logging.New("execution"),
	}
}

// SafeExecute checkpoints state, then runs call. On failure it consults
// the recovery strategy: Retry waits (cancellably), optionally swaps in
// the strategy's new state, and runs again; Fallback rolls back to the
// pre-call checkpoint and invokes fallback, optionally against the
// strategy's new state, recording a checkpoint over the degraded result;
// GiveUp rolls back and likewise invokes fallback when one was given.
// maxRetries bounds the number of attempts regardless of what the
// strategy would otherwise allow, as a backstop against a misconfigured
// strategy that never gives up; reaching it is handled like GiveUp. An
// ExecutionError is returned only when there is no fallback or the
// fallback itself fails. On success, SafeExecute records a checkpoint
// over the result and returns it alongside the value.
func (o *Orchestrator) SafeExecute(ctx context.Context, call Call, state value.Value, description string, maxRetries int, fallback Fallback) (value.Value, *dag.Checkpoint, error) {
	start := time.Now()

	savePoint, err := o.engine.Checkpoint(ctx, state, nil, "before: "+description)
	if err != nil {
		return value.Null(), nil, fmt.Errorf("execution: saving checkpoint: %w", err)
	}

	attempt := 0
	current := state
	var lastErr error

	for {
		attempt++
		result, err := call(ctx, current)
		if err == nil {
			if attempt > 1 {
				o.metrics.RecordTimeSaved(time.Since(start))
			}
			success, cerr := o.engine.Checkpoint(ctx, result, nil, "after: "+description)
			if cerr != nil {
				o.log.Error("checkpoint_failed", map[string]interface{}{"description": description}, cerr)
			}
			return result, success, nil
		}

		lastErr = err
		o.metrics.RecordErrorCaught()
		o.log.Warn("call_failed", map[string]interface{}{"attempt": attempt, "description": description}, err)

		if maxRetries > 0 && attempt >= maxRetries {
			return o.giveUp(ctx, start, savePoint, description, attempt, current, lastErr, fallback)
		}

		outcome := o.strategy.Handle(ctx, err, current, attempt)

		switch outcome.Decision {
		case recovery.DecisionRetry:
			if outcome.NewState != nil {
				current = *outcome.NewState
			}
			if outcome.Delay > 0 {
				select {
				case <-ctx.Done():
					o.engine.Rollback(ctx, savePoint.ID)
					return value.Null(), nil, &Cancelled{Description: description}
				case <-time.After(outcome.Delay):
				}
			}
			continue

		case recovery.DecisionFallback:
			fallbackState := current
			if outcome.NewState != nil {
				fallbackState = *outcome.NewState
			}
			return o.fallbackOrGiveUp(ctx, start, savePoint, description, attempt, fallbackState, lastErr, fallback)

		default: // DecisionGiveUp
			return o.giveUp(ctx, start, savePoint, description, attempt, current, lastErr, fallback)
		}
	}
}

func (o *Orchestrator) fallbackOrGiveUp(ctx context.Context, start time.Time, savePoint *dag.Checkpoint, description string, attempt int, state value.Value, lastErr error, fallback Fallback) (value.Value, *dag.Checkpoint, error) {
	if err := o.engine.Rollback(ctx, savePoint.ID); err != nil {
		o.log.Error("rollback_failed", map[string]interface{}{"description": description}, err)
	}

	if fallback == nil {
		return o.giveUp(ctx, start, savePoint, description, attempt, state, lastErr, nil)
	}
	result, err := fallback(ctx, state, lastErr)
	if err != nil {
		return value.Null(), nil, &ExecutionError{Description: description, Attempts: attempt, Err: err}
	}
	o.metrics.RecordRecovery("fallback")
	o.metrics.RecordTimeSaved(time.Since(start))
	fallbackCkpt, cerr := o.engine.Checkpoint(ctx, result, map[string]value.Value{"recovery": value.String("fallback")}, "fallback: "+description)
	if cerr != nil {
		o.log.Error("checkpoint_failed", map[string]interface{}{"description": description}, cerr)
	}
	return result, fallbackCkpt, nil
}

func (o *Orchestrator) giveUp(ctx context.Context, start time.Time, savePoint *dag.Checkpoint, description string, attempt int, state value.Value, lastErr error, fallback Fallback) (value.Value, *dag.Checkpoint, error) {
	if err := o.engine.Rollback(ctx, savePoint.ID); err != nil {
		o.log.Error("rollback_failed", map[string]interface{}{"description": description}, err)
	}

	if fallback != nil {
		result, err := fallback(ctx, state, lastErr)
		if err == nil {
			o.metrics.RecordRecovery("fallback")
			o.metrics.RecordTimeSaved(time.Since(start))
			fallbackCkpt, cerr := o.engine.Checkpoint(ctx, result, map[string]value.Value{"recovery": value.String("fallback")}, "fallback: "+description)
			if cerr != nil {
				o.log.Error("checkpoint_failed", map[string]interface{}{"description": description}, cerr)
			}
			return result, fallbackCkpt, nil
		}
		lastErr = err
	}
	return value.Null(), nil, &ExecutionError{Description: description, Attempts: attempt, Err: lastErr}
}
