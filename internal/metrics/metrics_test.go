package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGlobal(t *testing.T) {
	m1 := Global()
	m2 := Global()

	if m1 != m2 {
		t.Error("Global() should return same instance")
	}
}

func TestRecordErrorCaught(t *testing.T) {
	m := New()

	m.RecordErrorCaught()
	m.RecordErrorCaught()

	if m.ErrorsCaught.Load() != 2 {
		t.Errorf("expected 2 errors caught, got %d", m.ErrorsCaught.Load())
	}
}

func TestRecordRecovery(t *testing.T) {
	m := New()

	m.RecordRecovery("retry")
	m.RecordRecovery("fallback")

	if m.Recoveries.Load() != 2 {
		t.Errorf("expected 2 recoveries, got %d", m.Recoveries.Load())
	}
}

func TestRecordRollback(t *testing.T) {
	m := New()

	m.RecordRollback()

	if m.Rollbacks.Load() != 1 {
		t.Errorf("expected 1 rollback, got %d", m.Rollbacks.Load())
	}
}

func TestRecordBackendWrite(t *testing.T) {
	m := New()

	m.RecordBackendWrite(true)
	m.RecordBackendWrite(false)

	if m.BackendWrites.Load() != 2 {
		t.Errorf("expected 2 writes, got %d", m.BackendWrites.Load())
	}
	if m.BackendWriteErrors.Load() != 1 {
		t.Errorf("expected 1 write error, got %d", m.BackendWriteErrors.Load())
	}
}

func TestRecordTimeSaved(t *testing.T) {
	m := New()

	m.RecordTimeSaved(250 * time.Millisecond)
	m.RecordTimeSaved(750 * time.Millisecond)

	if m.TimeSavedMs.Load() != 1000 {
		t.Errorf("expected 1000ms saved, got %d", m.TimeSavedMs.Load())
	}
}

func TestSnap(t *testing.T) {
	m := New()
	m.RecordErrorCaught()
	m.RecordRecovery("retry")
	m.RecordRollback()
	m.RecordCheckpointCreated()
	m.RecordBackendWrite(true)
	m.RecordBackendWrite(false)
	m.RecordTimeSaved(time.Second)

	snap := m.Snap()

	if snap.ErrorsCaught != 1 {
		t.Errorf("expected 1 error caught, got %d", snap.ErrorsCaught)
	}
	if snap.Recoveries != 1 {
		t.Errorf("expected 1 recovery, got %d", snap.Recoveries)
	}
	if snap.Rollbacks != 1 {
		t.Errorf("expected 1 rollback, got %d", snap.Rollbacks)
	}
	if snap.CheckpointsCreated != 1 {
		t.Errorf("expected 1 checkpoint created, got %d", snap.CheckpointsCreated)
	}
	if snap.BackendWrites != 2 {
		t.Errorf("expected 2 backend writes, got %d", snap.BackendWrites)
	}
	if snap.BackendWriteErrors != 1 {
		t.Errorf("expected 1 backend write error, got %d", snap.BackendWriteErrors)
	}
	if snap.TimeSavedMs != 1000 {
		t.Errorf("expected 1000ms saved, got %d", snap.TimeSavedMs)
	}
	if snap.UptimeSeconds < 0 {
		t.Errorf("expected non-negative uptime, got %f", snap.UptimeSeconds)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Registry() // initialize the outcome vector before recording
	m.RecordErrorCaught()
	m.RecordRollback()
	m.RecordRecovery("retry")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	m.Handler().ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body := rec.Body.String()
	expected := []string{
		"ckpt_errors_caught_total 1",
		"ckpt_rollbacks_total 1",
		"ckpt_recoveries_total 1",
		"ckpt_recovery_outcomes_total",
		"ckpt_uptime_seconds",
	}
	for _, want := range expected {
		if !strings.Contains(body, want) {
			t.Errorf("missing metric %q in output:\n%s", want, body)
		}
	}
}

func TestRegistryIdempotent(t *testing.T) {
	m := New()
	reg1 := m.Registry()
	reg2 := m.Registry()

	if reg1 != reg2 {
		t.Error("Registry() should return the same registry on repeated calls")
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(":9999", New())
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
	if srv.srv.Addr != ":9999" {
		t.Errorf("expected addr ':9999', got '%s'", srv.srv.Addr)
	}
}

func TestHealthEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("expected 'ok', got '%s'", rec.Body.String())
	}
}

func TestConcurrentRecording(t *testing.T) {
	m := New()

	done := make(chan bool)
	for i := 0; i < 100; i++ {
		go func() {
			m.RecordErrorCaught()
			m.RecordRecovery("retry")
			m.RecordRollback()
			m.RecordBackendWrite(true)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	if m.ErrorsCaught.Load() != 100 {
		t.Errorf("expected 100 errors caught, got %d", m.ErrorsCaught.Load())
	}
	if m.Recoveries.Load() != 100 {
		t.Errorf("expected 100 recoveries, got %d", m.Recoveries.Load())
	}
	if m.Rollbacks.Load() != 100 {
		t.Errorf("expected 100 rollbacks, got %d", m.Rollbacks.Load())
	}
	if m.BackendWrites.Load() != 100 {
		t.Errorf("expected 100 backend writes, got %d", m.BackendWrites.Load())
	}
}
