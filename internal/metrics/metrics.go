// Package metrics exposes server counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection results recorded in gridhost_connections_total.
const (
	ResultAccepted = "accepted"
	ResultBanned   = "banned"
	ResultFull     = "full"
)

// Metrics holds the collectors on a private registry so several servers can
// coexist in one process.
type Metrics struct {
	registry  *prometheus.Registry
	startTime time.Time
	logger    *slog.Logger

	sessionsConnected *prometheus.GaugeVec
	connectionsTotal  *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec
	worldEditsTotal   *prometheus.CounterVec

	listener net.Listener
	http     *http.Server
	done     chan struct{}
}

func New(logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		logger:    logger,
		sessionsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridhost_sessions_connected",
			Help: "Number of live sessions by transport.",
		}, []string{"transport"}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridhost_connections_total",
			Help: "Connection attempts by transport and registration result.",
		}, []string{"transport", "result"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridhost_commands_total",
			Help: "Dispatched commands by outcome.",
		}, []string{"outcome"}),
		worldEditsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridhost_world_edits_total",
			Help: "Applied world edits by message kind.",
		}, []string{"kind"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gridhost_uptime_seconds",
		Help: "Server uptime in seconds.",
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})
	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gridhost_goroutines",
		Help: "Number of active goroutines.",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	m.registry.MustRegister(
		m.sessionsConnected,
		m.connectionsTotal,
		m.commandsTotal,
		m.worldEditsTotal,
		uptime,
		goroutines,
	)

	return m
}

func (m *Metrics) SessionOpened(transport string) {
	m.sessionsConnected.WithLabelValues(transport).Inc()
	m.connectionsTotal.WithLabelValues(transport, ResultAccepted).Inc()
}

func (m *Metrics) SessionClosed(transport string) {
	m.sessionsConnected.WithLabelValues(transport).Dec()
}

func (m *Metrics) ConnectionRejected(transport, result string) {
	m.connectionsTotal.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) CommandDispatched(outcome string) {
	m.commandsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WorldEdit(kind string) {
	m.worldEditsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start serves /metrics on addr in the background.
func (m *Metrics) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	m.done = make(chan struct{})

	m.logger.Info("metrics endpoint started", "address", listener.Addr().String())

	go func() {
		defer close(m.done)
		if err := m.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	return nil
}

func (m *Metrics) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Metrics) Stop(ctx context.Context) {
	if m.http == nil {
		return
	}
	if err := m.http.Shutdown(ctx); err != nil {
		m.logger.Warn("failed to shut down metrics endpoint", "error", err)
	}
	<-m.done
}
