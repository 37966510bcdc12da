// Package metrics is A4: the Prometheus registrations shared across C6's
// lock contention, C5's queue depth (registered directly in internal/queue),
// and C8's commit outcomes, plus the optional /metrics HTTP endpoint that
// bvcd starts when cfg.Metrics.Addr is set.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bvc-project/bvc/internal/errs"
)

var (
	// LockOutcomes counts lock service outcomes by verb and result: Acquire
	// records "granted", "already_locked" and "race_lost"; Release records
	// "granted" and "not_holder". Renew and Break record nothing.
	LockOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bvc_lock_outcomes_total",
		Help: "Lock service operation outcomes by verb and result.",
	}, []string{"verb", "result"})

	// LockContention counts how many Acquire attempts found the lock already
	// held by someone else, labeled by project - a proxy for collaboration
	// hotspots.
	LockContention = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bvc_lock_contention_total",
		Help: "Acquire attempts that found the lock already held, by project.",
	}, []string{"project"})

	// CommitOutcomes counts orchestrator commit cycles by commit type and
	// result ("committed", "pushed", "queued", "noop", "error").
	CommitOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bvc_commit_outcomes_total",
		Help: "Commit cycle outcomes by commit type and result.",
	}, []string{"type", "result"})

	// CommitDuration observes end-to-end commitOnce latency, labeled by
	// commit type.
	CommitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bvc_commit_duration_seconds",
		Help:    "Time spent in one commit cycle, by commit type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(LockOutcomes, LockContention, CommitOutcomes, CommitDuration)
}

// Serve starts the /metrics HTTP endpoint on addr and blocks until ctx is
// canceled.
func Serve(ctx context.Context, addr string, log logr.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)

	go func() {
		log.Info("metrics.http.start", "addr", addr, "path", "/metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errs.Wrapf(err, "metrics: serving %s", addr)
		}

		return nil
	}
}
