// Package metrics exposes download counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rescale/rescale-fetch/internal/logging"
)

const namespace = "rescale_fetch"

var (
	registerOnce sync.Once

	segmentsFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_fetched_total",
		Help:      "Segments fetched from the remote",
	})
	segmentsReused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_reused_total",
		Help:      "Segments satisfied from the resume store",
	})
	segmentsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_failed_total",
		Help:      "Segments that exhausted their retry budget",
	})
	retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segment_retries_total",
		Help:      "Segment retries by error class",
	}, []string{"class"})
	bytesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetched_bytes_total",
		Help:      "Container bytes received from the remote",
	})
	bytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "written_bytes_total",
		Help:      "Plaintext bytes written to sinks",
	})
	fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "segment_fetch_duration_seconds",
		Help:      "Duration of successful segment requests",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_finished_total",
		Help:      "Finished tasks by terminal state",
	}, []string{"state"})
)

// Register adds the collectors to the default registry. Safe to call repeatedly.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(segmentsFetched, segmentsReused, segmentsFailed, retries,
			bytesFetched, bytesWritten, fetchDuration, tasks)
	})
}

func IncSegmentFetched(n int64, d time.Duration) {
	segmentsFetched.Inc()
	bytesFetched.Add(float64(n))
	fetchDuration.Observe(d.Seconds())
}

func AddSegmentsReused(n int)      { segmentsReused.Add(float64(n)) }
func IncSegmentFailed()            { segmentsFailed.Inc() }
func IncRetry(class string)        { retries.WithLabelValues(class).Inc() }
func AddBytesWritten(n int64)      { bytesWritten.Add(float64(n)) }
func IncTaskFinished(state string) { tasks.WithLabelValues(state).Inc() }

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *logging.Logger) error {
	Register()
	if logger == nil {
		logger = logging.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
