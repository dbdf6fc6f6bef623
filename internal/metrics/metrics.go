// Package metrics exposes Prometheus metrics for the tracking event
// processor: events ingested/ignored, batches committed, claim
// conflicts, and errors, plus an HTTP server to scrape them from.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// Collector collects Prometheus metrics for one Processor. It also
// implements eventstream.MessageMonitor so it can be wired directly
// into Processor.Config.Monitor.
//
// Grounded on internal/metrics/metrics.go's Collector shape (counters/
// histogram/gauges built in NewCollector and registered once),
// generalized from job-queue metric names to segment/batch ones.
type Collector struct {
	eventsIngested   prometheus.Counter
	eventsIgnored    prometheus.Counter
	batchesCommitted prometheus.Counter
	batchSize        prometheus.Histogram
	claimConflicts   prometheus.Counter
	errors           prometheus.Counter
	activeSegments   prometheus.Gauge
}

// NewCollector builds and registers a Collector against reg. Pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer for a process-wide singleton.
func NewCollector(reg prometheus.Registerer, processorName string) *Collector {
	c := &Collector{
		eventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "trackingproc_events_ingested_total",
			Help:        "Total number of events read off the stream, before segment filtering.",
			ConstLabels: prometheus.Labels{"processor": processorName},
		}),
		eventsIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "trackingproc_events_ignored_total",
			Help:        "Total number of events dropped by the segment predicate.",
			ConstLabels: prometheus.Labels{"processor": processorName},
		}),
		batchesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "trackingproc_batches_committed_total",
			Help:        "Total number of batches committed (handlers invoked + token stored).",
			ConstLabels: prometheus.Labels{"processor": processorName},
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "trackingproc_batch_size",
			Help:        "Distribution of committed batch sizes.",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
			ConstLabels: prometheus.Labels{"processor": processorName},
		}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "trackingproc_claim_conflicts_total",
			Help:        "Total number of UnableToClaim responses observed.",
			ConstLabels: prometheus.Labels{"processor": processorName},
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "trackingproc_errors_total",
			Help:        "Total number of segment-worker errors (excluding claim conflicts).",
			ConstLabels: prometheus.Labels{"processor": processorName},
		}),
		activeSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "trackingproc_active_segments",
			Help:        "Number of segments currently processed by this instance.",
			ConstLabels: prometheus.Labels{"processor": processorName},
		}),
	}

	reg.MustRegister(
		c.eventsIngested,
		c.eventsIgnored,
		c.batchesCommitted,
		c.batchSize,
		c.claimConflicts,
		c.errors,
		c.activeSegments,
	)

	return c
}

func (c *Collector) OnEventIngested(_ eventstream.TrackedEvent, _ int) {
	c.eventsIngested.Inc()
}

func (c *Collector) OnEventIgnored(_ eventstream.TrackedEvent, _ int) {
	c.eventsIgnored.Inc()
}

func (c *Collector) OnBatchCommitted(_ int, size int, _ eventstream.TrackingToken) {
	c.batchesCommitted.Inc()
	c.batchSize.Observe(float64(size))
}

func (c *Collector) OnClaimConflict(_ string, _ int) {
	c.claimConflicts.Inc()
}

func (c *Collector) OnError(_ error, _ int) {
	c.errors.Inc()
}

// SetActiveSegments reports the current locally-owned segment count;
// called periodically by the CLI run command's reporter loop since MessageMonitor has
// no push hook for it.
func (c *Collector) SetActiveSegments(n int) {
	c.activeSegments.Set(float64(n))
}

// Server serves /metrics for scraping.
type Server struct {
	http *http.Server
}

// NewServer builds an HTTP server exposing reg's metrics on addr
// (e.g. ":9090").
func NewServer(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: server error: %w", err)
	case <-ctx.Done():
		return s.http.Shutdown(context.Background())
	}
}
