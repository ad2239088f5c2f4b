package ingest

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/metrics"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
	err    error
}

func (r *recordingEmitter) Emit(evt progress.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func (r *recordingEmitter) snapshot() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Event, len(r.events))
	copy(out, r.events)
	return out
}

// startListener binds an ephemeral port and runs the loop until the test ends.
func startListener(t *testing.T, cfg Config, emitter progress.Emitter) (*Listener, net.Conn, <-chan error) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	l := New(cfg, emitter)
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, 5*time.Millisecond)

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
	})
	return l, conn, done
}

func send(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	_, err := conn.Write([]byte(payload))
	require.NoError(t, err)
}

func TestListenerEmitsFilteredFrames(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	_, conn, _ := startListener(t, Config{}, rec)

	send(t, conn, "frame=10\nfps=25.0\nbitrate=N/A\ntotal_size=1024\nout_time_ms=400000\nprogress=continue\n")
	send(t, conn, "frame=20\nprogress=end\n")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	events := rec.snapshot()

	first := events[0]
	require.Equal(t, progress.TopicFFmpegStats, first.Topic)
	require.Equal(t, "frame=10\ntotal_size=1024\nout_time_ms=400000", first.Payload.Data)
	require.False(t, first.Payload.End)
	require.Equal(t, uint64(1), first.Seq)
	require.Equal(t, conn.LocalAddr().String(), first.Source)
	require.False(t, first.ReceivedAt.IsZero())

	second := events[1]
	require.Equal(t, "frame=20", second.Payload.Data)
	require.True(t, second.Payload.End)
	require.Equal(t, uint64(2), second.Seq)
}

func TestListenerKeepsRunningAfterEndMarker(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	l, conn, _ := startListener(t, Config{}, rec)

	send(t, conn, "frame=1\nprogress=end\n")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	send(t, conn, "frame=1\nprogress=continue\n")
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	events := rec.snapshot()
	require.True(t, events[0].Payload.End)
	require.False(t, events[1].Payload.End, "end is per datagram")
	require.Equal(t, StateRunning, l.State())
}

func TestListenerTruncatesAtBoundary(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{}
	reg := prometheus.NewRegistry()
	m, err := metrics.NewIngest(reg)
	require.NoError(t, err)
	_, conn, _ := startListener(t, Config{MaxDatagramSize: 16, Metrics: m}, rec)

	exact := "frame=123456789\n"
	require.Len(t, exact, 16)
	send(t, conn, exact)
	send(t, conn, "frame=1\ndrop_frames=2\n")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	events := rec.snapshot()
	require.False(t, events[0].Truncated)
	require.Equal(t, "frame=123456789", events[0].Payload.Data)

	require.True(t, events[1].Truncated)
	// 16 bytes: "frame=1\ndrop_fra" keeps only the first line.
	require.Equal(t, "frame=1", events[1].Payload.Data)

	require.InDelta(t, 1.0, counterValue(t, reg, "progressrelay_udp_datagrams_truncated_total"), 1e-9)
	require.InDelta(t, 2.0, counterValue(t, reg, "progressrelay_udp_datagrams_received_total"), 1e-9)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			require.Len(t, mf.GetMetric(), 1)
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func TestListenerSurvivesEmitFailures(t *testing.T) {
	t.Parallel()

	rec := &recordingEmitter{err: progress.ErrNoSubscribers}
	l, conn, _ := startListener(t, Config{}, rec)

	for i := 0; i < 3; i++ {
		send(t, conn, "frame=1\n")
	}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateRunning, l.State())
}

func TestListenerWithHubDeliversInOrder(t *testing.T) {
	t.Parallel()

	hub := progress.NewHub(progress.Config{})
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	var (
		mu   sync.Mutex
		seen []string
	)
	_, err := hub.Subscribe(progress.TopicFFmpegStats, progress.SubscriberFunc(func(_ context.Context, evt progress.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt.Payload.Data)
		return nil
	}))
	require.NoError(t, err)

	_, conn, _ := startListener(t, Config{}, hub)
	want := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		line := "frame=" + strings.Repeat("1", i+1)
		want = append(want, line)
		send(t, conn, line+"\n")
		// Loopback UDP keeps order; pacing keeps the socket buffer from dropping.
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, want, seen)
}

func TestListenerStop(t *testing.T) {
	t.Parallel()

	l, _, done := startListener(t, Config{}, &recordingEmitter{})
	l.Stop()
	l.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	require.Equal(t, StateStopped, l.State())
	require.ErrorIs(t, l.Run(context.Background()), ErrAlreadyRunning)
}

func TestListenerContextCancel(t *testing.T) {
	t.Parallel()

	l := New(Config{Addr: "127.0.0.1:0", PollInterval: 20 * time.Millisecond}, &recordingEmitter{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener ignored cancellation")
	}
}

func TestListenerBindFailure(t *testing.T) {
	t.Parallel()

	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = taken.Close() })

	l := New(Config{Addr: taken.LocalAddr().String()}, &recordingEmitter{})
	err = l.Run(context.Background())
	require.ErrorIs(t, err, ErrBind)
	require.Equal(t, StateStopped, l.State())
	require.Nil(t, l.Addr())
}

func TestListenerNewDefaults(t *testing.T) {
	t.Parallel()

	l := New(Config{}, &recordingEmitter{})
	require.Equal(t, DefaultAddr, l.cfg.Addr)
	require.Equal(t, DefaultMaxDatagramSize, l.cfg.MaxDatagramSize)
	require.Equal(t, progress.TopicFFmpegStats, l.cfg.Topic)
	require.Equal(t, DefaultPollInterval, l.cfg.PollInterval)
	require.Equal(t, DefaultMaxConsecutiveErrors, l.cfg.MaxConsecutiveErrors)
	require.Equal(t, StateIdle, l.State())
	require.Equal(t, "idle", l.State().String())
}

func TestClip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		limit     int
		want      string
		truncated bool
	}{
		{name: "under", in: "abc", limit: 4, want: "abc"},
		{name: "exact", in: "abcd", limit: 4, want: "abcd"},
		{name: "over", in: "abcde", limit: 4, want: "abcd", truncated: true},
		{name: "empty", in: "", limit: 4, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, truncated := Clip([]byte(tt.in), tt.limit)
			require.Equal(t, tt.want, string(got))
			require.Equal(t, tt.truncated, truncated)
		})
	}
}

// flakyConn fails reads with a scripted error sequence.
type flakyConn struct {
	net.PacketConn
	mu    sync.Mutex
	errs  []error
	reads int
}

func (f *flakyConn) ReadFrom(p []byte) (int, net.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if len(f.errs) == 0 {
		return 0, nil, errors.New("exhausted")
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	if err == nil {
		n := copy(p, "frame=1\n")
		return n, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, nil
	}
	return 0, nil, err
}

func (f *flakyConn) SetReadDeadline(time.Time) error { return nil }

func TestLoopGivesUpAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	rec := &recordingEmitter{}
	l := New(Config{MaxConsecutiveErrors: 3}, rec)
	conn := &flakyConn{errs: []error{boom, boom, nil, boom, boom, boom}}

	err := l.loop(context.Background(), conn)
	require.ErrorIs(t, err, ErrReceive)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 6, conn.reads)
	require.Len(t, rec.snapshot(), 1, "a success resets the failure count")
}

func TestLoopStopsOnClosedSocket(t *testing.T) {
	t.Parallel()

	l := New(Config{}, &recordingEmitter{})
	err := l.loop(context.Background(), &flakyConn{errs: []error{net.ErrClosed}})
	require.ErrorIs(t, err, ErrReceive)
	require.ErrorIs(t, err, net.ErrClosed)
}

func TestLoopSingleFailureIsFatalWhenConfigured(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxConsecutiveErrors: 1}, &recordingEmitter{})
	conn := &flakyConn{errs: []error{errors.New("boom")}}
	require.ErrorIs(t, l.loop(context.Background(), conn), ErrReceive)
	require.Equal(t, 1, conn.reads)
}
