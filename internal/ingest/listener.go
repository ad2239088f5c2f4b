package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/clock/system"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/frame"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/metrics"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
)

// Defaults match the ffmpeg -progress udp://127.0.0.1:25527 convention.
const (
	DefaultAddr                 = "0.0.0.0:25527"
	DefaultMaxDatagramSize      = 512
	DefaultPollInterval         = 250 * time.Millisecond
	DefaultMaxConsecutiveErrors = 5
	DefaultErrorBackoff         = 50 * time.Millisecond
)

var (
	// ErrBind reports that the socket could not be claimed. It is never retried.
	ErrBind = errors.New("bind progress socket")
	// ErrReceive reports that the receive loop gave up.
	ErrReceive = errors.New("receive progress datagram")
	// ErrAlreadyRunning is returned by Run when the loop was started before.
	ErrAlreadyRunning = errors.New("listener already started")
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Config controls the listener.
//   - Addr: UDP address to bind (default 0.0.0.0:25527).
//   - MaxDatagramSize: receive buffer; larger datagrams are cut here and flagged (default 512).
//   - Topic: topic emitted on (default ffmpeg_stats).
//   - PollInterval: read deadline used to notice Stop between datagrams (default 250ms).
//   - MaxConsecutiveErrors: receive failures in a row before the loop gives up (default 5).
//     A value of 1 makes every receive failure fatal.
//   - ErrorBackoff: pause after a failed receive (default 50ms).
type Config struct {
	Addr                 string
	MaxDatagramSize      int
	Topic                string
	PollInterval         time.Duration
	MaxConsecutiveErrors int
	ErrorBackoff         time.Duration
	Logger               *zap.Logger
	Metrics              *metrics.Ingest
	Clock                Clock
}

// Listener is the ingestion loop. Its socket is owned by the goroutine
// running Run; Stop and State are safe to call from anywhere.
type Listener struct {
	cfg     Config
	emitter progress.Emitter
	logger  *zap.Logger

	mu    sync.Mutex
	conn  net.PacketConn
	state atomic.Int32
	seq   uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Listener in the Idle state. Nothing is bound until Listen or Run.
func New(cfg Config, emitter progress.Emitter) *Listener {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if cfg.Topic == "" {
		cfg.Topic = progress.TopicFFmpegStats
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.ErrorBackoff < 0 {
		cfg.ErrorBackoff = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Listen binds the socket without starting the loop, so callers can learn
// the bound address (or fail fast) before spawning Run. Calling it again
// after a successful bind is a no-op.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	if State(l.state.Load()) == StateStopped {
		return fmt.Errorf("%w: listener stopped", ErrBind)
	}
	conn, err := net.ListenPacket("udp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrBind, l.cfg.Addr, err)
	}
	l.conn = conn
	l.logger.Info("progress listener bound",
		zap.String("addr", conn.LocalAddr().String()),
		zap.Int("max_datagram_bytes", l.cfg.MaxDatagramSize),
	)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// State reports the lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Run binds the socket if needed and processes datagrams until ctx ends or
// Stop is called, returning nil in both cases. It returns an error wrapping
// ErrBind or ErrReceive when the transport fails. Run may be called once.
func (l *Listener) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyRunning
	}
	defer l.state.Store(int32(StateStopped))

	if err := l.Listen(); err != nil {
		return err
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.logger.Warn("progress socket close failed", zap.Error(err))
		}
	}()

	l.logger.Info("progress listener running", zap.String("addr", conn.LocalAddr().String()))
	err := l.loop(ctx, conn)
	if err != nil {
		l.logger.Error("progress listener stopped on error", zap.Error(err))
		return err
	}
	l.logger.Info("progress listener stopped")
	return nil
}

// Stop asks the loop to exit. The effect is eventual: the loop notices it
// after the in-flight read returns or its poll deadline expires. Safe to call
// multiple times and from any goroutine.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

func (l *Listener) loop(ctx context.Context, conn net.PacketConn) error {
	// One spare byte tells a datagram that exactly fills the buffer apart
	// from one that overflowed it.
	buf := make([]byte, l.cfg.MaxDatagramSize+1)
	failures := 0
	for {
		if l.stopping(ctx) {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(l.cfg.PollInterval)); err != nil {
			return fmt.Errorf("%w: set read deadline: %w", ErrReceive, err)
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if l.stopping(ctx) {
				return nil
			}
			l.cfg.Metrics.ObserveReceiveError()
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %w", ErrReceive, err)
			}
			failures++
			l.logger.Warn("progress receive failed",
				zap.Int("consecutive", failures),
				zap.Error(err),
			)
			if failures >= l.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("%w: %d consecutive failures: %w", ErrReceive, failures, err)
			}
			if !l.pause(ctx) {
				return nil
			}
			continue
		}
		failures = 0
		l.handle(buf[:n], addr)
	}
}

func (l *Listener) handle(raw []byte, addr net.Addr) {
	payload, truncated := Clip(raw, l.cfg.MaxDatagramSize)
	now := l.cfg.Clock.Now()
	l.seq++

	f := frame.Parse(payload)
	source := ""
	if addr != nil {
		source = addr.String()
	}
	l.cfg.Metrics.ObserveDatagram(len(payload), truncated, f.End, now)
	if truncated {
		l.logger.Warn("progress datagram truncated",
			zap.String("source", source),
			zap.Int("received_bytes", len(raw)),
			zap.Int("max_datagram_bytes", l.cfg.MaxDatagramSize),
		)
	}

	err := l.emitter.Emit(progress.Event{
		Topic:      l.cfg.Topic,
		Payload:    progress.Payload{Data: f.Data, End: f.End},
		Seq:        l.seq,
		ReceivedAt: now,
		Source:     source,
		Truncated:  truncated,
	})
	if err != nil {
		l.emitFailed(err)
	}
}

func (l *Listener) emitFailed(err error) {
	reason := metrics.ReasonOther
	switch {
	case errors.Is(err, progress.ErrNoSubscribers):
		reason = metrics.ReasonNoSubscribers
	case errors.Is(err, progress.ErrBackpressure):
		reason = metrics.ReasonBackpressure
	case errors.Is(err, progress.ErrHubClosed):
		reason = metrics.ReasonClosed
	}
	l.cfg.Metrics.ObserveEmitFailure(reason)
	if reason == metrics.ReasonNoSubscribers {
		l.logger.Debug("failed to send event", zap.Uint64("seq", l.seq), zap.Error(err))
		return
	}
	l.logger.Warn("failed to send event", zap.Uint64("seq", l.seq), zap.Error(err))
}

func (l *Listener) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// pause waits out the error backoff, reporting false if asked to stop meanwhile.
func (l *Listener) pause(ctx context.Context) bool {
	if l.cfg.ErrorBackoff <= 0 {
		return !l.stopping(ctx)
	}
	timer := time.NewTimer(l.cfg.ErrorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// Clip cuts raw to at most limit bytes and reports whether anything was lost.
func Clip(raw []byte, limit int) ([]byte, bool) {
	if limit < 0 {
		limit = 0
	}
	if len(raw) <= limit {
		return raw, false
	}
	return raw[:limit], true
}
