// Package metrics exposes a Prometheus-compatible metrics endpoint for the
// checkpoint substrate: recovery outcomes, rollback counts, and backend
// write volume.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joss/ckpt/internal/logging"
)

// Metrics holds runtime counters for the checkpoint substrate. The atomic
// fields are the source of truth; the Prometheus collectors registered by
// Registry read from them via CounterFunc/GaugeFunc so Snapshot and
// /metrics never disagree.
type Metrics struct {
	ErrorsCaught       atomic.Int64
	Recoveries         atomic.Int64
	Rollbacks          atomic.Int64
	Merges             atomic.Int64
	CheckpointsCreated atomic.Int64

	BackendWrites      atomic.Int64
	BackendWriteErrors atomic.Int64

	// TimeSavedMs accumulates the wall-clock time recovery avoided by not
	// giving up and restarting the whole run from scratch.
	TimeSavedMs atomic.Int64

	startTime time.Time

	registerOnce sync.Once
	registry     *prometheus.Registry
	outcomeVec   *prometheus.CounterVec
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}

// New builds a standalone Metrics instance, useful for tests that want
// isolation from the process-wide singleton.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Snapshot is a point-in-time, dependency-free view of the counters, handed
// out by the session facade so callers never need a Prometheus client to
// read their own numbers back.
type Snapshot struct {
	ErrorsCaught       int64
	Recoveries         int64
	Rollbacks          int64
	Merges             int64
	CheckpointsCreated int64
	BackendWrites      int64
	BackendWriteErrors int64
	TimeSavedMs        int64
	UptimeSeconds      float64
}

// Snap returns a Snapshot of the current counters.
func (m *Metrics) Snap() Snapshot {
	return Snapshot{
		ErrorsCaught:       m.ErrorsCaught.Load(),
		Recoveries:         m.Recoveries.Load(),
		Rollbacks:          m.Rollbacks.Load(),
		Merges:             m.Merges.Load(),
		CheckpointsCreated: m.CheckpointsCreated.Load(),
		BackendWrites:      m.BackendWrites.Load(),
		BackendWriteErrors: m.BackendWriteErrors.Load(),
		TimeSavedMs:        m.TimeSavedMs.Load(),
		UptimeSeconds:      time.Since(m.startTime).Seconds(),
	}
}

// RecordErrorCaught increments the count of execution errors the
// orchestrator intercepted before they escaped to the caller.
func (m *Metrics) RecordErrorCaught() {
	m.ErrorsCaught.Add(1)
}

// RecordRecovery increments the recovery counter and, once Registry has
// been called at least once, the per-outcome label vector.
func (m *Metrics) RecordRecovery(outcome string) {
	m.Recoveries.Add(1)
	if m.outcomeVec != nil {
		m.outcomeVec.WithLabelValues(outcome).Inc()
	}
}

// RecordRollback increments the rollback counter.
func (m *Metrics) RecordRollback() {
	m.Rollbacks.Add(1)
}

// RecordMerge increments the merge counter.
func (m *Metrics) RecordMerge() {
	m.Merges.Add(1)
}

// RecordCheckpointCreated increments the checkpoint-creation counter.
func (m *Metrics) RecordCheckpointCreated() {
	m.CheckpointsCreated.Add(1)
}

// RecordBackendWrite records a persistence backend write attempt.
func (m *Metrics) RecordBackendWrite(success bool) {
	m.BackendWrites.Add(1)
	if !success {
		m.BackendWriteErrors.Add(1)
	}
}

// RecordTimeSaved adds to the cumulative time-saved counter, attributed to
// recoveries that avoided a full restart.
func (m *Metrics) RecordTimeSaved(d time.Duration) {
	m.TimeSavedMs.Add(d.Milliseconds())
}

// Registry builds (once) a Prometheus registry wired to this Metrics
// instance's counters via CounterFunc/GaugeFunc, plus a labeled recovery
// outcome vector for dashboards that need to distinguish retry/fallback/
// give-up.
func (m *Metrics) Registry() *prometheus.Registry {
	m.registerOnce.Do(func() {
		reg := prometheus.NewRegistry()

		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "ckpt_errors_caught_total", Help: "Execution errors intercepted by the orchestrator"},
			func() float64 { return float64(m.ErrorsCaught.Load()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "ckpt_recoveries_total", Help: "Recovery strategies invoked"},
			func() float64 { return float64(m.Recoveries.Load()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "ckpt_rollbacks_total", Help: "Checkpoint rollbacks performed"},
			func() float64 { return float64(m.Rollbacks.Load()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "ckpt_merges_total", Help: "Branch merges performed"},
			func() float64 { return float64(m.Merges.Load()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "ckpt_checkpoints_created_total", Help: "Checkpoints created"},
			func() float64 { return float64(m.CheckpointsCreated.Load()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "ckpt_backend_writes_total", Help: "Persistence backend write attempts"},
			func() float64 { return float64(m.BackendWrites.Load()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "ckpt_backend_write_errors_total", Help: "Persistence backend write failures"},
			func() float64 { return float64(m.BackendWriteErrors.Load()) },
		))
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: "ckpt_time_saved_ms_total", Help: "Cumulative milliseconds saved by recovery avoiding a full restart"},
			func() float64 { return float64(m.TimeSavedMs.Load()) },
		))
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "ckpt_uptime_seconds", Help: "Time since this metrics instance was created"},
			func() float64 { return time.Since(m.startTime).Seconds() },
		))

		outcomeVec := prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ckpt_recovery_outcomes_total", Help: "Recovery outcomes by kind"},
			[]string{"outcome"},
		)
		reg.MustRegister(outcomeVec)
		m.outcomeVec = outcomeVec

		m.registry = reg
	})
	return m.registry
}

// Handler returns the Prometheus HTTP handler for this Metrics instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
}

// Server wraps the metrics HTTP server.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server bound to addr (e.g. ":9099"), serving
// /metrics and /health for the given Metrics instance.
func NewServer(addr string, m *Metrics) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server in the background.
func (s *Server) Start() error {
	log := logging.New("metrics")
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", nil, err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
