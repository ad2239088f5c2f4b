package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/metrics"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress/sinks"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	ready := false
	server := NewServer(Deps{Ready: func() bool { return ready }})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	httpMetrics, err := metrics.NewHTTP(reg)
	require.NoError(t, err)
	server := NewServer(Deps{Gatherer: reg, HTTPMetrics: httpMetrics})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `progressrelay_http_requests_total{code="200",method="GET"} 1`)
}

func TestServer_LatestStats(t *testing.T) {
	t.Parallel()

	snapshot := sinks.NewSnapshotSink()
	server := NewServer(Deps{Snapshot: snapshot})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats/latest", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, snapshot.Consume(context.Background(), progress.Event{
		Topic:      progress.TopicFFmpegStats,
		Payload:    progress.Payload{Data: "frame=42\ndrop_frames=3", End: true},
		Seq:        9,
		ReceivedAt: at,
		Source:     "127.0.0.1:5000",
	}))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"event": {
			"topic": "ffmpeg_stats",
			"data": "frame=42\ndrop_frames=3",
			"end": true,
			"seq": 9,
			"received_at": "2024-05-01T12:00:00Z",
			"source": "127.0.0.1:5000"
		},
		"rates": {"fps": 0, "bitrate": 0, "speed": 0, "dup_frames": 0, "drop_frames": 3}
	}`, rec.Body.String())
}

func TestServer_UnwiredRoutes(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{})
	for _, path := range []string{"/v1/stats/latest", "/v1/stats/stream"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestServer_StreamStats(t *testing.T) {
	t.Parallel()

	hub := progress.NewHub(progress.Config{})
	t.Cleanup(func() { _ = hub.Close(context.Background()) })
	ts := httptest.NewServer(NewServer(Deps{Broker: hub, Logger: zap.NewNop()}).Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/stats/stream", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return hub.Subscribers(progress.TopicFFmpegStats) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Emit(progress.Event{
		Topic:   progress.TopicFFmpegStats,
		Payload: progress.Payload{Data: "frame=5", End: false},
		Seq:     5,
	}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}
	require.Equal(t, "id: 5", lines[0])
	require.Equal(t, "event: ffmpeg_stats", lines[1])
	var payload progress.Payload
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &payload))
	require.Equal(t, progress.Payload{Data: "frame=5"}, payload)

	cancel()
	require.Eventually(t, func() bool {
		return hub.Subscribers(progress.TopicFFmpegStats) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}
