package operations

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the run counters exported on /metrics. A nil *Metrics is valid.
type Metrics struct {
	runs         *prometheus.CounterVec
	targets      *prometheus.CounterVec
	runDuration  prometheus.Histogram
	lastSuccess  prometheus.Gauge
	archiveBytes prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drivebackup_runs_total",
			Help: "Total backup runs by final status",
		}, []string{"status"}),
		targets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "drivebackup_targets_total",
			Help: "Total backup targets processed by result",
		}, []string{"result"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "drivebackup_run_duration_seconds",
			Help:    "Duration of each backup run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "drivebackup_last_success_timestamp_seconds",
			Help: "Unix time of the last run without failures",
		}),
		archiveBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "drivebackup_archive_bytes_total",
			Help: "Total bytes of archives uploaded",
		}),
	}
}

func (m *Metrics) observe(r *Report) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(r.Status)).Inc()
	if r.Status == RunSkipped {
		return
	}
	m.runDuration.Observe(r.CompletedAt.Sub(r.StartedAt).Seconds())
	for _, o := range r.Outcomes {
		m.targets.WithLabelValues(o.Kind.String()).Inc()
		if o.Kind == OutcomeSuccess {
			m.archiveBytes.Add(float64(o.Artifact.SizeBytes))
		}
	}
	if r.Status == RunCompleted {
		m.lastSuccess.Set(float64(r.CompletedAt.Unix()))
	}
}

// MetricsServer serves /metrics and /healthz until its context ends.
type MetricsServer struct {
	srv *http.Server
}

func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &MetricsServer{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

func (m *MetricsServer) String() string { return "metrics-server" }

func (m *MetricsServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- m.srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = m.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
