package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	idgen "github.com/JakeFAU/ffmpeg-progress-relay/internal/id/uuid"
)

// Config controls buffering and delivery for the Hub.
//   - BufferSize: capacity of the hand-off channel between Emit and delivery (default 256).
//   - SubscriberTimeout: per-subscriber deadline for one Consume call (default 2s).
//   - BaseContext: parent context passed to subscriber calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
//   - IDs: optional subscription ID generator (defaults to UUIDv7).
type Config struct {
	BufferSize        int
	SubscriberTimeout time.Duration
	BaseContext       context.Context
	Logger            *zap.Logger
	IDs               IDGenerator
}

const (
	defaultBufferSize        = 256
	defaultSubscriberTimeout = 2 * time.Second
	dropLogInterval          = 5 * time.Second
)

var (
	// ErrNoSubscribers is returned by Emit when nobody listens on the topic; the event is dropped.
	ErrNoSubscribers = errors.New("no subscribers for topic")
	// ErrBackpressure is returned by Emit when the hand-off buffer is full; the event is dropped.
	ErrBackpressure = errors.New("progress hub buffer full")
	// ErrHubClosed is returned once Close has been called.
	ErrHubClosed = errors.New("progress hub closed")
	// ErrNilSubscriber is returned by Subscribe for a nil subscriber.
	ErrNilSubscriber = errors.New("subscriber is nil")
)

// Stats is a point-in-time view of the hub counters.
type Stats struct {
	Emitted     uint64
	Delivered   uint64
	Failed      uint64
	Dropped     uint64
	Subscribers int
}

type subscription struct {
	id    string
	topic string
	sub   Subscriber
}

// Hub owns the subscriber registry and fans emitted events out to it. It is
// safe for concurrent use: the host may subscribe and unsubscribe while the
// ingest loop emits. Emit never blocks.
type Hub struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	subs []subscription

	events      chan Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	dropLimiter rateLimiter
	pending     atomic.Int64

	// sendMu orders Emit's closed check and channel send against Close so
	// that no event is accepted after drain has started.
	sendMu    sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once

	emitted   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub initializes a Hub and starts its delivery goroutine. The returned
// Hub is immediately ready to accept subscribers and events.
func NewHub(cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SubscriberTimeout <= 0 {
		cfg.SubscriberTimeout = defaultSubscriberTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		logger:      logger,
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Subscribe registers sub for topic and returns the subscription ID to pass
// to Unsubscribe. Subscribers added while an event is being delivered start
// receiving with the next event.
func (h *Hub) Subscribe(topic string, sub Subscriber) (string, error) {
	if sub == nil {
		return "", ErrNilSubscriber
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	if h.closed.Load() {
		return "", ErrHubClosed
	}
	id, err := h.cfg.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("subscription id: %w", err)
	}
	h.mu.Lock()
	h.subs = append(h.subs, subscription{id: id, topic: topic, sub: sub})
	h.mu.Unlock()
	h.logger.Debug("progress subscriber added", zap.String("subscription", id), zap.String("topic", topic))
	return id, nil
}

// Unsubscribe removes the subscription and reports whether it existed. A
// delivery already in flight to that subscriber may still complete.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id != id {
			continue
		}
		h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
		h.logger.Debug("progress subscriber removed", zap.String("subscription", id))
		return true
	}
	return false
}

// Subscribers counts the subscriptions for topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs {
		if s.topic == topic {
			n++
		}
	}
	return n
}

// Emit hands evt to the delivery goroutine. It never blocks: when nobody is
// subscribed to the topic or the buffer is full the event is dropped and the
// matching error is returned for the caller to log.
func (h *Hub) Emit(evt Event) error {
	if h == nil {
		return nil
	}
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	if h.closed.Load() {
		return ErrHubClosed
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid progress event: %w", err)
	}
	if h.Subscribers(evt.Topic) == 0 {
		h.dropped.Add(1)
		return ErrNoSubscribers
	}
	select {
	case h.events <- evt:
		h.emitted.Add(1)
		return nil
	default:
		h.dropped.Add(1)
		h.pending.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.pending.Swap(0)
			h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", count))
		}
		return ErrBackpressure
	}
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	subs := len(h.subs)
	h.mu.RUnlock()
	return Stats{
		Emitted:     h.emitted.Load(),
		Delivered:   h.delivered.Load(),
		Failed:      h.failed.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: subs,
	}
}

// Close stops accepting events, delivers whatever is already buffered, and
// blocks until the delivery goroutine exits or ctx ends. It is safe to call
// multiple times. Subscribers are not closed; the host owns them.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.sendMu.Lock()
		h.closed.Store(true)
		close(h.stopCh)
		h.sendMu.Unlock()
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case evt := <-h.events:
			h.deliver(evt)
		case <-h.stopCh:
			h.drain()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case evt := <-h.events:
			h.deliver(evt)
		default:
			return
		}
	}
}

func (h *Hub) deliver(evt Event) {
	for _, s := range h.snapshot(evt.Topic) {
		h.consume(s, evt)
	}
}

func (h *Hub) snapshot(topic string) []subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if s.topic == topic {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) consume(s subscription, evt Event) {
	ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SubscriberTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			h.failed.Add(1)
			h.logger.Error("progress subscriber panicked",
				zap.String("subscription", s.id),
				zap.Uint64("seq", evt.Seq),
				zap.Any("panic", rec),
			)
		}
	}()
	if err := s.sub.Consume(ctx, evt); err != nil {
		h.failed.Add(1)
		h.logger.Warn("progress subscriber consume failed",
			zap.String("subscription", s.id),
			zap.Uint64("seq", evt.Seq),
			zap.Error(err),
		)
		return
	}
	h.delivered.Add(1)
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
