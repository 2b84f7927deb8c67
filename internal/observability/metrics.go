package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "relay"

// GameCounter reports the live game population. *session.Manager satisfies it.
type GameCounter interface {
	GameCount() int
	PlayingCount() int
}

// GameMetrics exports game lifecycle counters to Prometheus.
// It implements session.Recorder and is safe for concurrent use.
type GameMetrics struct {
	registry *prometheus.Registry

	gamesCreated  prometheus.Counter
	gamesClosed   prometheus.Counter
	gamesStarted  prometheus.Counter
	syncs         prometheus.Counter
	desyncs       prometheus.Counter
	drops         prometheus.Counter
	timeouts      prometheus.Counter
	autofire      prometheus.Counter
	eventsDropped *prometheus.CounterVec
}

// NewGameMetrics creates the relay metrics and registers them, together with
// the Go runtime and process collectors, on a fresh registry.
//
// Postcondition: Returns metrics whose Registry is ready to be served.
func NewGameMetrics() *GameMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}
	m := &GameMetrics{
		registry:     prometheus.NewRegistry(),
		gamesCreated: counter("games_created_total", "Games opened."),
		gamesClosed:  counter("games_closed_total", "Games closed by their owner or abandoned."),
		gamesStarted: counter("games_started_total", "Games that left the waiting state."),
		syncs:        counter("game_syncs_total", "Times every seat of a game reported ready."),
		desyncs:      counter("player_desyncs_total", "Seats that fell out of synchronization."),
		drops:        counter("player_drops_total", "Seats dropped by their players."),
		timeouts:     counter("player_timeouts_total", "Frame timeouts below the desynchronization threshold."),
		autofire:     counter("autofire_detections_total", "Autofire detections."),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded because a player's inbox was full.",
		}, []string{"critical"}),
	}
	m.registry.MustRegister(
		m.gamesCreated, m.gamesClosed, m.gamesStarted,
		m.syncs, m.desyncs, m.drops, m.timeouts, m.autofire,
		m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every relay metric.
func (m *GameMetrics) Registry() *prometheus.Registry { return m.registry }

// WatchGames exports gauges that sample the open and playing game counts on
// every scrape.
//
// Precondition: src must be non-nil and may only be registered once.
func (m *GameMetrics) WatchGames(src GameCounter) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "games_open",
			Help:      "Games currently open.",
		}, func() float64 { return float64(src.GameCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "games_playing",
			Help:      "Games currently exchanging input.",
		}, func() float64 { return float64(src.PlayingCount()) }),
	)
}

func (m *GameMetrics) GameCreated()      { m.gamesCreated.Inc() }
func (m *GameMetrics) GameClosed()       { m.gamesClosed.Inc() }
func (m *GameMetrics) GameStarted()      { m.gamesStarted.Inc() }
func (m *GameMetrics) PlayersSynced()    { m.syncs.Inc() }
func (m *GameMetrics) PlayerDesynced()   { m.desyncs.Inc() }
func (m *GameMetrics) PlayerDropped()    { m.drops.Inc() }
func (m *GameMetrics) PlayerTimeout()    { m.timeouts.Inc() }
func (m *GameMetrics) AutofireDetected() { m.autofire.Inc() }

// EventDropped counts an event a player's inbox could not accept.
// It matches the player.Options OnDrop hook.
func (m *GameMetrics) EventDropped(critical bool) {
	label := "false"
	if critical {
		label = "true"
	}
	m.eventsDropped.WithLabelValues(label).Inc()
}

// MetricsServer serves a registry over HTTP. It implements server.Service.
type MetricsServer struct {
	srv     *http.Server
	logger  *zap.Logger
	timeout time.Duration
}

// NewMetricsServer creates an HTTP server exposing reg at path on addr.
//
// Precondition: path must begin with "/"; logger must be non-nil.
func NewMetricsServer(addr, path string, reg *prometheus.Registry, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Handler returns the server's HTTP handler.
func (s *MetricsServer) Handler() http.Handler { return s.srv.Handler }

// Start serves until Stop is called.
func (s *MetricsServer) Start() error {
	s.logger.Info("metrics listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight scrapes.
func (s *MetricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("stopping metrics server", zap.Error(err))
	}
}
