// Package metrics provides the prometheus instrumentation of the daemon.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/rendezvous"
)

// Collector holds the daemon's metric families. All methods are safe for
// concurrent use; the prometheus types do their own synchronization.
type Collector struct {
	namespace string
	reg       prometheus.Registerer

	exchangesTotal    *prometheus.CounterVec
	exchangeBytes     *prometheus.HistogramVec
	framesTotal       *prometheus.CounterVec
	connectionsActive prometheus.Gauge
	authFailures      prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the bridge metric families under namespace. A
// nil reg falls back to the default registerer; tests pass a throwaway
// prometheus.NewRegistry so parallel tests never collide.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	factory := promauto.With(reg)
	c := &Collector{
		namespace: namespace,
		reg:       reg,
		logger:    logger.With(zap.String("component", "metrics")),
	}

	c.exchangesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_exchanges_total",
			Help:      "Exchanges resolved over the bridge, by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	c.exchangeBytes = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_exchange_payload_bytes",
			Help:      "Payload size of delivered envelopes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 12),
		},
		[]string{"direction"},
	)

	c.framesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_frames_total",
			Help:      "WebSocket frames handled, by frame type and direction",
		},
		[]string{"type", "direction"},
	)

	c.connectionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_connections_active",
			Help:      "Live bridge connections",
		},
	)

	c.authFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_auth_failures_total",
			Help:      "Connections rejected by token validation",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// ConnectionOpened tracks one accepted bridge connection.
func (c *Collector) ConnectionOpened() { c.connectionsActive.Inc() }

// ConnectionClosed tracks the end of a bridge connection.
func (c *Collector) ConnectionClosed() { c.connectionsActive.Dec() }

// FrameReceived counts one inbound frame.
func (c *Collector) FrameReceived(frameType string) {
	c.framesTotal.WithLabelValues(frameType, "in").Inc()
}

// FrameSent counts one outbound frame.
func (c *Collector) FrameSent(frameType string) {
	c.framesTotal.WithLabelValues(frameType, "out").Inc()
}

// AuthFailed counts one rejected connection attempt.
func (c *Collector) AuthFailed() { c.authFailures.Inc() }

// ExchangeResolved records the outcome of one exchange. Payload size is
// observed only for deliveries; failed exchanges carry no envelope.
func (c *Collector) ExchangeResolved(direction, outcome string, payloadBytes int) {
	c.exchangesTotal.WithLabelValues(direction, outcome).Inc()
	if outcome == "ok" || outcome == "dead" {
		c.exchangeBytes.WithLabelValues(direction).Observe(float64(payloadBytes))
	}
}

// RegisterTableStats exposes a table's counters, read at scrape time.
func (c *Collector) RegisterTableStats(stats func() rendezvous.TableStats) {
	factory := promauto.With(c.reg)

	counters := []struct {
		name string
		help string
		read func(rendezvous.TableStats) int64
	}{
		{"table_sends_total", "Envelopes deposited",
			func(s rendezvous.TableStats) int64 { return s.Sends }},
		{"table_recvs_total", "Receive registrations",
			func(s rendezvous.TableStats) int64 { return s.Recvs }},
		{"table_matches_total", "Completed matches",
			func(s rendezvous.TableStats) int64 { return s.Matches }},
		{"table_duplicates_total", "Rejected duplicate exchanges",
			func(s rendezvous.TableStats) int64 { return s.Duplicates }},
		{"table_cancellations_total", "Waiters resolved by their context",
			func(s rendezvous.TableStats) int64 { return s.Cancellations }},
		{"table_dropped_by_abort_total", "Envelopes dropped by abort",
			func(s rendezvous.TableStats) int64 { return s.DroppedByAbort }},
	}
	for _, m := range counters {
		read := m.read
		factory.NewCounterFunc(
			prometheus.CounterOpts{Namespace: c.namespace, Name: m.name, Help: m.help},
			func() float64 { return float64(read(stats())) },
		)
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "table_pending_exchanges",
			Help:      "Envelopes and waiters currently parked",
		},
		func() float64 { return float64(stats().Pending) },
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "table_aborted",
			Help:      "1 once the table has been aborted",
		},
		func() float64 {
			if stats().Aborted {
				return 1
			}
			return 0
		},
	)
}
