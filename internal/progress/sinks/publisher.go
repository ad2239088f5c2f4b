package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
)

const (
	defaultRelayBuffer    = 256
	defaultPublishTimeout = 10 * time.Second
)

var (
	// ErrRelayBacklog is returned by Consume when the relay queue is full; the frame is dropped.
	ErrRelayBacklog = errors.New("publisher relay queue full")
	// ErrRelayClosed is returned by Consume once Close has been called.
	ErrRelayClosed = errors.New("publisher relay closed")
)

// Publisher abstracts the message broker frames are relayed to.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PublisherSink forwards each frame payload to a Publisher under a fixed
// topic. Consume only enqueues; a dedicated goroutine publishes in order, so a
// slow broker never holds up the hub's other subscribers. Publish failures
// are logged by that goroutine.
type PublisherSink struct {
	pub     Publisher
	topic   string
	logger  *zap.Logger
	timeout time.Duration

	mu        sync.RWMutex
	closed    bool
	queue     chan progress.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisherSink wires pub to the subscriber interface and starts the relay
// goroutine. An empty topic falls back to the event topic. Call Close to flush
// queued frames.
func NewPublisherSink(pub Publisher, topic string, logger *zap.Logger) *PublisherSink {
	return newPublisherSink(pub, topic, logger, defaultRelayBuffer)
}

func newPublisherSink(pub Publisher, topic string, logger *zap.Logger, buffer int) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = defaultRelayBuffer
	}
	s := &PublisherSink{
		pub:     pub,
		topic:   topic,
		logger:  logger,
		timeout: defaultPublishTimeout,
		queue:   make(chan progress.Event, buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Consume queues the event payload for publishing. It never waits on the
// broker.
func (s *PublisherSink) Consume(ctx context.Context, evt progress.Event) error {
	if s == nil || s.pub == nil {
		return errors.New("publisher sink is not configured")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("relay frame %d: %w", evt.Seq, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrRelayClosed
	}
	select {
	case s.queue <- evt:
		return nil
	default:
		return fmt.Errorf("relay frame %d: %w", evt.Seq, ErrRelayBacklog)
	}
}

// Close stops accepting frames and waits until the queued ones are published
// or ctx ends.
func (s *PublisherSink) Close(ctx context.Context) error {
	if s == nil || s.queue == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publisher relay close wait: %w", ctx.Err())
	}
}

func (s *PublisherSink) run() {
	defer close(s.done)
	for evt := range s.queue {
		s.publish(evt)
	}
}

func (s *PublisherSink) publish(evt progress.Event) {
	topic := s.topic
	if topic == "" {
		topic = evt.Topic
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	id, err := s.pub.Publish(ctx, topic, evt.Payload)
	if err != nil {
		s.logger.Warn("frame relay failed",
			zap.String("topic", topic),
			zap.Uint64("seq", evt.Seq),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("frame relayed",
		zap.String("topic", topic),
		zap.Uint64("seq", evt.Seq),
		zap.String("message_id", id),
	)
}
