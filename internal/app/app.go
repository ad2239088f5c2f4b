// Package app wires the relay together: configuration in, a running listener,
// hub, built-in subscribers and HTTP surface out.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/ffmpeg-progress-relay/internal/api"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/config"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/ingest"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/metrics"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress"
	"github.com/JakeFAU/ffmpeg-progress-relay/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/ffmpeg-progress-relay/internal/publisher/pubsub"
)

const shutdownTimeout = 10 * time.Second

// Option customizes an App.
type Option func(*options)

type options struct {
	registry    *prometheus.Registry
	publisher   sinks.Publisher
	httpLn      net.Listener
	subscribers []progress.Subscriber
}

// WithRegistry uses reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithPublisher relays frames to pub instead of dialing Pub/Sub.
func WithPublisher(pub sinks.Publisher) Option {
	return func(o *options) { o.publisher = pub }
}

// WithHTTPListener serves the API on ln instead of binding server.port.
func WithHTTPListener(ln net.Listener) Option {
	return func(o *options) { o.httpLn = ln }
}

// WithSubscriber registers a host subscriber on the configured topic.
func WithSubscriber(sub progress.Subscriber) Option {
	return func(o *options) { o.subscribers = append(o.subscribers, sub) }
}

// App holds the long-lived services of one relay process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	hub      *progress.Hub
	listener *ingest.Listener
	snapshot *sinks.SnapshotSink

	server *http.Server
	httpLn net.Listener

	relay   *sinks.PublisherSink
	closers []func() error

	mu       sync.Mutex
	httpAddr net.Addr
}

// New builds every component but binds nothing; sockets are claimed by Run.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		snapshot: sinks.NewSnapshotSink(),
		httpLn:   o.httpLn,
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:        cfg.Emitter.BufferSize,
		SubscriberTimeout: cfg.Emitter.SubscriberTimeout,
		Logger:            logger.Named("hub"),
	})
	if err := a.build(ctx, o); err != nil {
		a.closeAll(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.cfg
	if err := metrics.RegisterHub(a.registry, a.hub.Stats); err != nil {
		return err
	}
	ingestMetrics, err := metrics.NewIngest(a.registry)
	if err != nil {
		return err
	}
	a.listener = ingest.New(ingest.Config{
		Addr:                 cfg.Listener.Addr,
		MaxDatagramSize:      cfg.Listener.MaxDatagramBytes,
		Topic:                cfg.Emitter.Topic,
		PollInterval:         cfg.Listener.PollInterval,
		MaxConsecutiveErrors: cfg.Listener.MaxConsecutiveErrors,
		ErrorBackoff:         cfg.Listener.ErrorBackoff,
		Logger:               a.logger.Named("listener"),
		Metrics:              ingestMetrics,
	}, a.hub)

	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return err
	}
	subscribers := []progress.Subscriber{a.snapshot, promSink}
	if cfg.Logging.LogFrames {
		subscribers = append(subscribers, sinks.NewLogSink(a.logger.Named("frames")))
	}

	pub := o.publisher
	if pub == nil && cfg.PubSub.Enabled {
		gcp, closeFn, err := gcppublisher.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return fmt.Errorf("initialize pubsub relay: %w", err)
		}
		a.closers = append(a.closers, closeFn)
		pub = gcp
		a.logger.Info("relaying frames to pubsub",
			zap.String("project_id", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
	}
	if pub != nil {
		a.relay = sinks.NewPublisherSink(pub, cfg.Emitter.Topic, a.logger.Named("relay"))
		subscribers = append(subscribers, a.relay)
	}
	subscribers = append(subscribers, o.subscribers...)
	for _, sub := range subscribers {
		if _, err := a.hub.Subscribe(cfg.Emitter.Topic, sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	if cfg.Server.Enabled {
		httpMetrics, err := metrics.NewHTTP(a.registry)
		if err != nil {
			return err
		}
		handler := api.NewServer(api.Deps{
			Broker:      a.hub,
			Snapshot:    a.snapshot,
			Ready:       a.Ready,
			Gatherer:    a.registry,
			HTTPMetrics: httpMetrics,
			Topic:       cfg.Emitter.Topic,
			Logger:      a.logger.Named("api"),
		}).Handler()
		a.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

// Hub exposes the emitter so hosts can subscribe after construction.
func (a *App) Hub() *progress.Hub {
	return a.hub
}

// Registry returns the Prometheus registry all components report to.
func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

// Ready reports whether the UDP listener is receiving.
func (a *App) Ready() bool {
	return a.listener.State() == ingest.StateRunning
}

// UDPAddr returns the bound progress socket address, or nil before Run binds it.
func (a *App) UDPAddr() net.Addr {
	return a.listener.Addr()
}

// HTTPAddr returns the API address, or nil when the server is disabled or not yet bound.
func (a *App) HTTPAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// Run binds the sockets and serves until ctx ends or the listener fails, then
// shuts everything down. A bind failure is returned before anything starts.
// Run must be called at most once.
func (a *App) Run(ctx context.Context) error {
	if err := a.listener.Listen(); err != nil {
		a.closeAll(ctx)
		return err
	}
	// Streams hang off serveCtx so shutdown can end them.
	serveCtx, cancelServe := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelServe()
	serverErr := make(chan error, 1)
	if a.server != nil {
		a.server.BaseContext = func(net.Listener) context.Context { return serveCtx }
		ln := a.httpLn
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", a.server.Addr)
			if err != nil {
				a.listener.Stop()
				a.closeAll(ctx)
				return fmt.Errorf("bind http server: %w", err)
			}
		}
		a.mu.Lock()
		a.httpAddr = ln.Addr()
		a.mu.Unlock()
		go func() {
			a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	listenerErr := make(chan error, 1)
	go func() { listenerErr <- a.listener.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
		runErr = <-listenerErr
	case runErr = <-listenerErr:
		if runErr != nil {
			a.logger.Error("listener failed", zap.Error(runErr))
		}
	case err := <-serverErr:
		a.logger.Error("http server error", zap.Error(err))
		a.listener.Stop()
		<-listenerErr
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	cancelServe()
	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	a.closeAll(shutdownCtx)
	a.logger.Info("shutdown complete")
	return runErr
}

func (a *App) closeAll(ctx context.Context) {
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("hub close incomplete", zap.Error(err))
	}
	if err := a.relay.Close(ctx); err != nil {
		a.logger.Warn("relay flush incomplete", zap.Error(err))
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
