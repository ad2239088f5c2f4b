package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/stats"
)

const (
	defaultHeartbeat = 15 * time.Second
	streamBuffer     = 32
)

type eventDTO struct {
	Topic      string    `json:"topic"`
	Data       string    `json:"data"`
	End        bool      `json:"end"`
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source,omitempty"`
	Truncated  bool      `json:"truncated,omitempty"`
}

type latestResponse struct {
	Event eventDTO    `json:"event"`
	Rates stats.Rates `json:"rates"`
}

func toEventDTO(evt progress.Event) eventDTO {
	return eventDTO{
		Topic:      evt.Topic,
		Data:       evt.Payload.Data,
		End:        evt.Payload.End,
		Seq:        evt.Seq,
		ReceivedAt: evt.ReceivedAt,
		Source:     evt.Source,
		Truncated:  evt.Truncated,
	}
}

// latestStats handles GET /v1/stats/latest. It returns 404 until the first
// frame arrives and 503 when no snapshot is wired.
func (s *Server) latestStats(w http.ResponseWriter, _ *http.Request) {
	if s.snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot unavailable")
		return
	}
	evt, rates, ok := s.snapshot.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no progress received yet")
		return
	}
	writeJSON(w, http.StatusOK, latestResponse{Event: toEventDTO(evt), Rates: rates})
}

// streamStats handles GET /v1/stats/stream. Each connection is one hub
// subscriber for the lifetime of the request. Frames that arrive while the
// client is still writing earlier ones are dropped for that client only.
func (s *Server) streamStats(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	frames := make(chan progress.Event, streamBuffer)
	var dropped atomic.Uint64
	subID, err := s.broker.Subscribe(s.topic, progress.SubscriberFunc(
		func(ctx context.Context, evt progress.Event) error {
			select {
			case frames <- evt:
			case <-ctx.Done():
				return ctx.Err()
			default:
				dropped.Add(1)
			}
			return nil
		},
	))
	if err != nil {
		s.logger.Error("stream subscribe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	logger := s.logger.With(
		zap.String("subscription_id", subID),
		zap.String("request_id", requestID(r.Context())),
	)
	defer func() {
		s.broker.Unsubscribe(subID)
		logger.Info("stream closed", zap.Uint64("dropped_frames", dropped.Load()))
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()
	logger.Info("stream opened")

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt := <-frames:
			if err := writeSSE(w, evt); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE frames the payload as one event. The JSON encoding never contains
// a raw newline, so a single data line suffices.
func writeSSE(w http.ResponseWriter, evt progress.Event) error {
	data, err := evt.MarshalPayload()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Topic, data); err != nil {
		return fmt.Errorf("write event %d: %w", evt.Seq, err)
	}
	return nil
}
