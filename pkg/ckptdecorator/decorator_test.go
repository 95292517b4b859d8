package ckptdecorator

import (
	"context"
	"errors"
	"testing"

	"github.com/joss/ckpt/internal/session"
	"github.com/joss/ckpt/internal/store/memstore"
	"github.com/joss/ckpt/internal/value"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := session.New(context.Background(), memstore.New(), "tester")
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSafeExecuteDecoratesSuccess(t *testing.T) {
	sess := newTestSession(t)
	decorate := SafeExecute(sess, 3, nil)

	var calls int
	call := func(ctx context.Context, s value.Value) (value.Value, error) {
		calls++
		return value.Number(42), nil
	}

	wrapped := decorate("answer", call)
	result, err := wrapped(context.Background(), value.Null())
	if err != nil {
		t.Fatalf("wrapped call: %v", err)
	}
	n, _ := result.AsNumber()
	if n != 42 {
		t.Errorf("result = %v, want 42", n)
	}
	if calls != 1 {
		t.Errorf("underlying call invoked %d times, want 1", calls)
	}
}

func TestSafeExecuteDecoratesFallback(t *testing.T) {
	sess := newTestSession(t)
	fallback := func(ctx context.Context, s value.Value, lastErr error) (value.Value, error) {
		return value.String("degraded"), nil
	}
	decorate := SafeExecute(sess, 1, fallback)

	call := func(ctx context.Context, s value.Value) (value.Value, error) {
		return value.Null(), errors.New("always fails")
	}

	wrapped := decorate("flaky step", call)
	result, err := wrapped(context.Background(), value.Null())
	if err != nil {
		t.Fatalf("wrapped call: %v", err)
	}
	got, _ := result.AsString()
	if got != "degraded" {
		t.Errorf("result = %q, want %q", got, "degraded")
	}
}
