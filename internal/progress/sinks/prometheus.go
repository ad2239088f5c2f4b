package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/stats"
)

// PrometheusSink exports the latest encoder progress via Prometheus. Gauges
// hold the last reported value of each field and the derived rates; counters
// track frames and completed streams.
type PrometheusSink struct {
	frame      prometheus.Gauge
	totalSize  prometheus.Gauge
	outTime    prometheus.Gauge
	dupFrames  prometheus.Gauge
	dropFrames prometheus.Gauge
	fps        prometheus.Gauge
	bitrate    prometheus.Gauge
	speed      prometheus.Gauge

	events    prometheus.Counter
	completed prometheus.Counter

	mu      sync.Mutex
	tracker stats.Tracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "progressrelay",
			Subsystem: "encoder",
			Name:      name,
			Help:      help,
		})
	}
	s := &PrometheusSink{
		frame:      gauge("frame", "Last reported frame number."),
		totalSize:  gauge("total_size_bytes", "Last reported output size."),
		outTime:    gauge("out_time_seconds", "Last reported output timestamp."),
		dupFrames:  gauge("dup_frames", "Duplicated frames in the current stream."),
		dropFrames: gauge("drop_frames", "Dropped frames in the current stream."),
		fps:        gauge("fps", "Frames encoded per wall-clock second."),
		bitrate:    gauge("bitrate_bits_per_second", "Output bitrate derived from size and output time."),
		speed:      gauge("speed_ratio", "Output time advanced per wall-clock second."),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "progressrelay",
			Subsystem: "encoder",
			Name:      "frames_total",
			Help:      "Progress frames consumed.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "progressrelay",
			Subsystem: "encoder",
			Name:      "streams_completed_total",
			Help:      "Progress streams that reported an end marker.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.frame,
		s.totalSize,
		s.outTime,
		s.dupFrames,
		s.dropFrames,
		s.fps,
		s.bitrate,
		s.speed,
		s.events,
		s.completed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from one frame.
func (s *PrometheusSink) Consume(_ context.Context, evt progress.Event) error {
	sample := stats.ParseSample(evt.Payload.Data)

	s.mu.Lock()
	rates := s.tracker.Observe(evt.ReceivedAt, sample, evt.Payload.End)
	s.mu.Unlock()

	s.events.Inc()
	if evt.Payload.End {
		s.completed.Inc()
	}
	if sample.Has(stats.FieldFrame) {
		s.frame.Set(float64(sample.Frame))
	}
	if sample.Has(stats.FieldTotalSize) {
		s.totalSize.Set(float64(sample.TotalSize))
	}
	if sample.Has(stats.FieldOutTime) {
		s.outTime.Set(sample.OutTime().Seconds())
	}
	if sample.Has(stats.FieldDupFrames) {
		s.dupFrames.Set(float64(sample.DupFrames))
	}
	if sample.Has(stats.FieldDropFrames) {
		s.dropFrames.Set(float64(sample.DropFrames))
	}
	s.fps.Set(rates.FPS)
	s.bitrate.Set(rates.Bitrate)
	s.speed.Set(rates.Speed)
	return nil
}
