package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/stats"
)

// SnapshotSink keeps the most recent frame and its derived rates. It holds no
// history; each event replaces the previous one.
type SnapshotSink struct {
	mu      sync.RWMutex
	latest  progress.Event
	rates   stats.Rates
	seen    bool
	tracker stats.Tracker
}

// NewSnapshotSink returns an empty snapshot.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{}
}

// Consume records evt as the latest frame.
func (s *SnapshotSink) Consume(_ context.Context, evt progress.Event) error {
	sample := stats.ParseSample(evt.Payload.Data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates = s.tracker.Observe(evt.ReceivedAt, sample, evt.Payload.End)
	s.latest = evt
	s.seen = true
	return nil
}

// Latest returns the last frame and rates. ok is false until a frame arrives.
func (s *SnapshotSink) Latest() (evt progress.Event, rates stats.Rates, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.rates, s.seen
}
