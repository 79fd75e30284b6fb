// Package api is the admin/control surface shared by the daemons: a
// path → handler dispatch table behind a plain HTTP server, with
// prometheus counters on the acceptor and a WebSocket hub streaming
// inside-quote updates.
//
// Every daemon registers the same base paths — "/" (liveness),
// "/config" (configuration echo), "/metrics" (prometheus exposition) —
// plus its own control paths such as /replay-start.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler is one admin request handler, invoked synchronously on the
// HTTP serving goroutine. Long operations hand off to a worker and
// return status immediately.
type Handler func(w http.ResponseWriter, r *http.Request)

// Dispatcher maps request paths to handlers and counts the acceptor's
// traffic and errors.
type Dispatcher struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	routes map[string]Handler

	registry *prometheus.Registry

	// acceptErrors counts failures to open the listener; errors returned
	// by Accept inside Serve are not counted. readErrors is exposed on
	// /metrics, but nothing in this package increments it.
	openConnections  prometheus.Counter
	closeConnections prometheus.Counter
	acceptErrors     prometheus.Counter
	readErrors       prometheus.Counter
	requests         *prometheus.CounterVec
	notFound         prometheus.Counter
}

// NewDispatcher creates a dispatcher with its own prometheus registry,
// pre-wired with the acceptor counters and a /metrics handler.
func NewDispatcher(name string, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		name:     name,
		logger:   logger.With("component", "admin", "server", name),
		routes:   make(map[string]Handler),
		registry: prometheus.NewRegistry(),
		openConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admin_open_connections_total", Help: "Connections accepted."}),
		closeConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admin_close_connections_total", Help: "Connections closed."}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admin_accept_errors_total", Help: "Accept errors on the admin listener."}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admin_read_errors_total", Help: "Request read errors."}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admin_requests_total", Help: "Requests dispatched, by path."},
			[]string{"path"}),
		notFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admin_not_found_total", Help: "Requests for unregistered paths."}),
	}
	d.registry.MustRegister(d.openConnections, d.closeConnections,
		d.acceptErrors, d.readErrors, d.requests, d.notFound)
	d.AddHandler("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}).ServeHTTP)
	d.AddHandler("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "server": d.name})
	})
	return d
}

// Registry exposes the dispatcher's prometheus registry so other
// components can register their counters.
func (d *Dispatcher) Registry() *prometheus.Registry { return d.registry }

// AddHandler registers (or replaces) the handler for a path.
func (d *Dispatcher) AddHandler(path string, h Handler) {
	d.mu.Lock()
	d.routes[path] = h
	d.mu.Unlock()
}

// AddConfigHandler registers /config to echo cfg as JSON.
func (d *Dispatcher) AddConfigHandler(cfg any) {
	d.AddHandler("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(cfg); err != nil {
			d.logger.Error("failed to encode config", "error", err)
		}
	})
}

// ServeHTTP dispatches one request.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	h, ok := d.routes[r.URL.Path]
	d.mu.RUnlock()
	if !ok {
		d.serveNotFound(w, r)
		return
	}
	d.requests.WithLabelValues(r.URL.Path).Inc()
	h(w, r)
}

func (d *Dispatcher) serveNotFound(w http.ResponseWriter, r *http.Request) {
	d.notFound.Inc()
	http.Error(w, "not found", http.StatusNotFound)
}
