// Package observability exposes engine metrics on a prometheus registry.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all engine metrics. A nil *Metrics is safe to call, so
// components can run without observability wired in.
type Metrics struct {
	registry *prometheus.Registry

	FeedFetches  *prometheus.CounterVec // outcome: success|failure
	SwipesTotal  *prometheus.CounterVec // direction: like|pass
	FlushBatches *prometheus.CounterVec // outcome: success|failure
	UndosTotal   prometheus.Counter
	RetriesTotal prometheus.Counter
	OutboxDepth  prometheus.Gauge
	BufferSize   prometheus.Gauge
	LedgerSize   prometheus.Gauge
}

// NewMetrics creates and registers all engine metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	feedFetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swipefeed",
			Name:      "feed_fetches_total",
			Help:      "Remote feed page fetches by outcome.",
		},
		[]string{"outcome"},
	)
	swipesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swipefeed",
			Name:      "swipes_total",
			Help:      "Swipe decisions recorded locally, by direction.",
		},
		[]string{"direction"},
	)
	flushBatches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swipefeed",
			Name:      "flush_batches_total",
			Help:      "Periodic outbox flush attempts by outcome.",
		},
		[]string{"outcome"},
	)
	undosTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "swipefeed",
			Name:      "undos_total",
			Help:      "Undo operations performed.",
		},
	)
	retriesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "swipefeed",
			Name:      "remote_retries_total",
			Help:      "Retry attempts against the remote service.",
		},
	)
	outboxDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swipefeed",
			Name:      "outbox_depth",
			Help:      "Pending swipe decisions awaiting remote confirmation.",
		},
	)
	bufferSize := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swipefeed",
			Name:      "card_buffer_size",
			Help:      "Cards currently buffered for display.",
		},
	)
	ledgerSize := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swipefeed",
			Name:      "swiped_ledger_size",
			Help:      "Ids in the swiped ledger.",
		},
	)

	registry.MustRegister(
		feedFetches, swipesTotal, flushBatches,
		undosTotal, retriesTotal,
		outboxDepth, bufferSize, ledgerSize,
	)

	return &Metrics{
		registry:     registry,
		FeedFetches:  feedFetches,
		SwipesTotal:  swipesTotal,
		FlushBatches: flushBatches,
		UndosTotal:   undosTotal,
		RetriesTotal: retriesTotal,
		OutboxDepth:  outboxDepth,
		BufferSize:   bufferSize,
		LedgerSize:   ledgerSize,
	}
}

// Registry returns the underlying registry so the host app can expose it.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveFeedFetch records a feed fetch outcome.
func (m *Metrics) ObserveFeedFetch(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.FeedFetches.WithLabelValues("failure").Inc()
		return
	}
	m.FeedFetches.WithLabelValues("success").Inc()
}

// ObserveSwipe records a local swipe decision.
func (m *Metrics) ObserveSwipe(liked bool) {
	if m == nil {
		return
	}
	if liked {
		m.SwipesTotal.WithLabelValues("like").Inc()
	} else {
		m.SwipesTotal.WithLabelValues("pass").Inc()
	}
}

// ObserveFlush records a flush batch outcome.
func (m *Metrics) ObserveFlush(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.FlushBatches.WithLabelValues("failure").Inc()
		return
	}
	m.FlushBatches.WithLabelValues("success").Inc()
}

// ObserveUndo records an undo.
func (m *Metrics) ObserveUndo() {
	if m == nil {
		return
	}
	m.UndosTotal.Inc()
}

// ObserveRetry records one retry attempt.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// SetCacheSizes updates the cache gauges.
func (m *Metrics) SetCacheSizes(buffer, ledger, pending int) {
	if m == nil {
		return
	}
	m.BufferSize.Set(float64(buffer))
	m.LedgerSize.Set(float64(ledger))
	m.OutboxDepth.Set(float64(pending))
}
