// Package recovery implements the pluggable remediation strategies that
// the safe-execution orchestrator consults when a wrapped call fails:
// retry with backoff, fall back to an alternative, degrade gracefully, or
// give up. Strategies compose the way the teacher's anomaly healer
// composes remediation rules, minus the cooldown/rule-matching machinery
// this substrate doesn't need.
package recovery

import (
	"context"
	"math"
	"time"

	"github.com/joss/ckpt/internal/value"
)

// Decision is the action a Strategy wants the orchestrator to take.
type Decision string

const (
	DecisionRetry    Decision = "retry"
	DecisionFallback Decision = "fallback"
	DecisionGiveUp   Decision = "give_up"
)

// Outcome is the result of consulting a Strategy about a failure.
type Outcome struct {
	Decision Decision
	Delay    time.Duration // how long to wait before retrying, when Decision is Retry
	Reason   string
	// NewState replaces the working state before the next attempt (Retry)
	// or before handing off to the fallback (Fallback). Nil means "leave
	// the state as it was at the point of failure".
	NewState *value.Value
}

func retry(state value.Value, delay time.Duration, reason string) Outcome {
	return Outcome{Decision: DecisionRetry, Delay: delay, Reason: reason, NewState: &state}
}

func fallback(state value.Value, reason string) Outcome {
	return Outcome{Decision: DecisionFallback, Reason: reason, NewState: &state}
}

func giveUp(reason string) Outcome {
	return Outcome{Decision: DecisionGiveUp, Reason: reason}
}

// merge shallow key-wise overrides base with overrides. If base is not a
// map, overrides becomes the whole state.
func merge(base value.Value, overrides map[string]value.Value) value.Value {
	m, ok := base.AsMap()
	if !ok {
		m = make(map[string]value.Value, len(overrides))
	}
	for k, v := range overrides {
		m[k] = v
	}
	return value.Map(m)
}

// Strategy decides what to do about a failed call, given the error, the
// state at the point of failure, and how many attempts have already been
// made (starting at 1 for the first failure).
type Strategy interface {
	Handle(ctx context.Context, err error, state value.Value, attempt int) Outcome
}

// RetryWithBackoff retries for the first MaxAttempts failures with
// exponentially increasing delay (base·factor^attempt, capped at
// MaxDelay), then gives up. A zero Factor defaults to 2.
type RetryWithBackoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

func (r RetryWithBackoff) Handle(ctx context.Context, err error, state value.Value, attempt int) Outcome {
	if attempt > r.MaxAttempts {
		return giveUp("max retry attempts exhausted")
	}
	factor := r.Factor
	if factor == 0 {
		factor = 2
	}
	delay := time.Duration(float64(r.BaseDelay) * math.Pow(factor, float64(attempt)))
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	return retry(state, delay, "retrying with exponential backoff")
}

// AlternativePath retries once with state shallow-merged with
// StateModifiers, then gives up. Useful for errors recoverable by
// adjusting one or two fields of the working state (a different model
// name, a narrower query) rather than by waiting.
type AlternativePath struct {
	StateModifiers map[string]value.Value
}

func (a AlternativePath) Handle(ctx context.Context, err error, state value.Value, attempt int) Outcome {
	if attempt > 1 {
		return giveUp("alternative path already attempted")
	}
	return retry(merge(state, a.StateModifiers), 0, "retrying against a state modified with the alternative path")
}

// DegradeGracefully falls back once to a state marked as degraded, then
// gives up.
type DegradeGracefully struct{}

func (d DegradeGracefully) Handle(ctx context.Context, err error, state value.Value, attempt int) Outcome {
	if attempt > 1 {
		return giveUp("already degraded once")
	}
	degraded := merge(state, map[string]value.Value{
		"mode":       value.String("degraded"),
		"simplified": value.Bool(true),
	})
	return fallback(degraded, "degrading to a reduced-functionality result")
}

// Composite tries each strategy in order and uses the first one that
// doesn't give up. If every strategy gives up, Composite gives up too.
type Composite struct {
	Strategies []Strategy
}

func (c Composite) Handle(ctx context.Context, err error, state value.Value, attempt int) Outcome {
	for _, s := range c.Strategies {
		o := s.Handle(ctx, err, state, attempt)
		if o.Decision != DecisionGiveUp {
			return o
		}
	}
	return giveUp("every strategy in the chain gave up")
}

// Conditional wraps a Strategy so it only engages for errors matching
// Predicate, falling through to GiveUp for everything else. Not part of
// the original strategy set; useful for chains that want to treat
// serialization failures differently from storage failures.
type Conditional struct {
	Predicate func(error) bool
	Inner     Strategy
}

func (c Conditional) Handle(ctx context.Context, err error, state value.Value, attempt int) Outcome {
	if c.Predicate == nil || !c.Predicate(err) {
		return giveUp("error does not match this strategy's predicate")
	}
	return c.Inner.Handle(ctx, err, state, attempt)
}
