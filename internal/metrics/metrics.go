// Package metrics exposes Prometheus collectors for the progress relay.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
)

const namespace = "progressrelay"

// Emit failure reasons used as label values.
const (
	ReasonNoSubscribers = "no_subscribers"
	ReasonBackpressure  = "backpressure"
	ReasonClosed        = "closed"
	ReasonOther         = "other"
)

// Ingest holds the listener collectors. A nil *Ingest is valid and records
// nothing, so components can run without a registry.
type Ingest struct {
	datagrams     prometheus.Counter
	bytes         prometheus.Counter
	truncated     prometheus.Counter
	endMarkers    prometheus.Counter
	receiveErrors prometheus.Counter
	emitFailures  *prometheus.CounterVec
	lastDatagram  prometheus.Gauge
}

// NewIngest registers the listener collectors against reg.
func NewIngest(reg prometheus.Registerer) (*Ingest, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Ingest{
		datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "udp",
			Name:      "datagrams_received_total",
			Help:      "Progress datagrams read from the socket.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "udp",
			Name:      "bytes_received_total",
			Help:      "Payload bytes processed after truncation.",
		}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "udp",
			Name:      "datagrams_truncated_total",
			Help:      "Datagrams larger than the receive buffer.",
		}),
		endMarkers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "udp",
			Name:      "end_markers_total",
			Help:      "Datagrams carrying an end-of-stream marker.",
		}),
		receiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "udp",
			Name:      "receive_errors_total",
			Help:      "Socket read errors, excluding poll timeouts.",
		}),
		emitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emitter",
			Name:      "emit_failures_total",
			Help:      "Frames the hub refused, partitioned by reason.",
		}, []string{"reason"}),
		lastDatagram: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "udp",
			Name:      "last_datagram_timestamp_seconds",
			Help:      "Unix time of the most recent datagram.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.datagrams,
		m.bytes,
		m.truncated,
		m.endMarkers,
		m.receiveErrors,
		m.emitFailures,
		m.lastDatagram,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register ingest collector: %w", err)
		}
	}
	return m, nil
}

// ObserveDatagram records one processed datagram.
func (m *Ingest) ObserveDatagram(size int, truncated, end bool, at time.Time) {
	if m == nil {
		return
	}
	m.datagrams.Inc()
	m.bytes.Add(float64(size))
	if truncated {
		m.truncated.Inc()
	}
	if end {
		m.endMarkers.Inc()
	}
	m.lastDatagram.Set(float64(at.Unix()))
}

// ObserveReceiveError records a failed socket read.
func (m *Ingest) ObserveReceiveError() {
	if m == nil {
		return
	}
	m.receiveErrors.Inc()
}

// ObserveEmitFailure records a frame the hub refused.
func (m *Ingest) ObserveEmitFailure(reason string) {
	if m == nil {
		return
	}
	m.emitFailures.WithLabelValues(reason).Inc()
}

// RegisterHub exports the hub counters. stats is called on every scrape.
func RegisterHub(reg prometheus.Registerer, stats func() progress.Stats) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, pick func(progress.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emitter",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}
	collectors := []prometheus.Collector{
		counter("events_emitted_total", "Events accepted by the hub.",
			func(s progress.Stats) uint64 { return s.Emitted }),
		counter("deliveries_total", "Successful subscriber deliveries.",
			func(s progress.Stats) uint64 { return s.Delivered }),
		counter("delivery_failures_total", "Subscriber deliveries that errored or panicked.",
			func(s progress.Stats) uint64 { return s.Failed }),
		counter("events_dropped_total", "Events dropped for lack of subscribers or buffer space.",
			func(s progress.Stats) uint64 { return s.Dropped }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "emitter",
			Name:      "subscribers",
			Help:      "Currently registered subscribers.",
		}, func() float64 { return float64(stats().Subscribers) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register hub collector: %w", err)
		}
	}
	return nil
}

// Handler returns an http.Handler exposing the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
