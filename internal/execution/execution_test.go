package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joss/ckpt/internal/dag"
	"github.com/joss/ckpt/internal/metrics"
	"github.com/joss/ckpt/internal/recovery"
	"github.com/joss/ckpt/internal/store/memstore"
	"github.com/joss/ckpt/internal/value"
)

func newTestOrchestrator(t *testing.T, strategy recovery.Strategy) (*Orchestrator, *dag.Engine, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	e, err := dag.New(context.Background(), memstore.New(), "tester", m)
	if err != nil {
		t.Fatalf("dag.New: %v", err)
	}
	return New(e, strategy, m), e, m
}

func branchHead(t *testing.T, e *dag.Engine, name string) *dag.Checkpoint {
	t.Helper()
	branches, err := e.Branches(context.Background())
	if err != nil {
		t.Fatalf("Branches: %v", err)
	}
	for _, b := range branches {
		if b.Name == name {
			if b.HeadID == "" {
				return nil
			}
			cp, err := e.Get(context.Background(), b.HeadID)
			if err != nil {
				t.Fatalf("Get head: %v", err)
			}
			return cp
		}
	}
	t.Fatalf("branch %q not found", name)
	return nil
}

var errFlaky = errors.New("flaky")

func TestSafeExecuteSucceedsFirstTry(t *testing.T) {
	o, _, m := newTestOrchestrator(t, recovery.AlternativePath{})
	ctx := context.Background()

	result, ckpt, err := o.SafeExecute(ctx, func(ctx context.Context, s value.Value) (value.Value, error) {
		return value.Number(42), nil
	}, value.Number(0), "straightforward call", 3, nil)

	if err != nil {
		t.Fatalf("SafeExecute: %v", err)
	}
	if n, ok := result.AsNumber(); !ok || n != 42 {
		t.Errorf("result = %v, want 42", result)
	}
	if ckpt == nil || ckpt.Status != dag.StatusActive {
		t.Errorf("expected a success checkpoint, got %+v", ckpt)
	}
	if m.CheckpointsCreated.Load() != 2 { // before + after
		t.Errorf("checkpoints created = %d, want 2", m.CheckpointsCreated.Load())
	}
}

func TestSafeExecuteRetriesThenSucceeds(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, recovery.RetryWithBackoff{MaxAttempts: 5, BaseDelay: time.Millisecond})
	ctx := context.Background()

	calls := 0
	result, ckpt, err := o.SafeExecute(ctx, func(ctx context.Context, s value.Value) (value.Value, error) {
		calls++
		if calls < 3 {
			return value.Null(), errFlaky
		}
		return value.String("recovered"), nil
	}, value.Number(0), "flaky call", 5, nil)

	if err != nil {
		t.Fatalf("SafeExecute: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if s, ok := result.AsString(); !ok || s != "recovered" {
		t.Errorf("result = %v, want recovered", result)
	}
	if ckpt == nil {
		t.Error("expected a success checkpoint")
	}
}

func TestSafeExecuteExhaustsRetriesFallsBackSucceeds(t *testing.T) {
	o, e, m := newTestOrchestrator(t, recovery.RetryWithBackoff{MaxAttempts: 2, BaseDelay: time.Millisecond})
	ctx := context.Background()

	fallbackCalled := false
	result, ckpt, err := o.SafeExecute(ctx, func(ctx context.Context, s value.Value) (value.Value, error) {
		return value.Null(), errFlaky
	}, value.Number(7), "always fails", 2, func(ctx context.Context, s value.Value, lastErr error) (value.Value, error) {
		fallbackCalled = true
		return value.String("degraded"), nil
	})

	if err != nil {
		t.Fatalf("SafeExecute: %v", err)
	}
	if !fallbackCalled {
		t.Error("expected fallback to be called")
	}
	if s, ok := result.AsString(); !ok || s != "degraded" {
		t.Errorf("result = %v, want degraded", result)
	}
	if ckpt == nil {
		t.Fatal("expected a fallback checkpoint")
	}
	tag, ok := ckpt.Metadata["recovery"]
	tagStr, _ := tag.AsString()
	if !ok || tagStr != "fallback" {
		t.Errorf("fallback checkpoint metadata = %+v, want recovery=fallback", ckpt.Metadata)
	}
	if m.Recoveries.Load() != 1 {
		t.Errorf("recoveries = %d, want 1 (once per successful fallback)", m.Recoveries.Load())
	}

	head := branchHead(t, e, dag.MainBranch)
	if head.ID != ckpt.ID {
		t.Errorf("branch head = %s, want the fallback checkpoint %s", head.ID, ckpt.ID)
	}
}

func TestSafeExecuteGivesUpWithoutFallback(t *testing.T) {
	o, _, m := newTestOrchestrator(t, recovery.RetryWithBackoff{MaxAttempts: 1, BaseDelay: time.Millisecond})
	ctx := context.Background()

	_, ckpt, err := o.SafeExecute(ctx, func(ctx context.Context, s value.Value) (value.Value, error) {
		return value.Null(), errFlaky
	}, value.Number(1), "no escape", 1, nil)

	if err == nil {
		t.Fatal("expected an ExecutionError")
	}
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v (%T), want *ExecutionError", err, err)
	}
	if ckpt != nil {
		t.Errorf("expected no checkpoint on a bare give-up, got %+v", ckpt)
	}
	if m.Recoveries.Load() != 0 {
		t.Errorf("recoveries = %d, want 0 (give-up is not a recovery)", m.Recoveries.Load())
	}
	if m.Rollbacks.Load() == 0 {
		t.Error("expected a rollback to have been recorded")
	}
}

func TestSafeExecuteCancelledDuringRetryDelayRollsBack(t *testing.T) {
	o, e, _ := newTestOrchestrator(t, recovery.RetryWithBackoff{MaxAttempts: 10, BaseDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	fallbackCalled := false
	done := make(chan struct{})
	var retErr error
	go func() {
		_, _, retErr = o.SafeExecute(ctx, func(ctx context.Context, s value.Value) (value.Value, error) {
			return value.Null(), errFlaky
		}, value.Number(3), "slow retry", 10, func(ctx context.Context, s value.Value, lastErr error) (value.Value, error) {
			fallbackCalled = true
			return value.Null(), nil
		})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	var cancelled *Cancelled
	if !errors.As(retErr, &cancelled) {
		t.Fatalf("err = %v (%T), want *Cancelled", retErr, retErr)
	}
	if fallbackCalled {
		t.Error("fallback must not run on cancellation")
	}

	head := branchHead(t, e, dag.MainBranch)
	if n, ok := head.State.AsNumber(); !ok || n != 3 {
		t.Errorf("branch head state = %v, want rolled back to 3", head.State)
	}
}
