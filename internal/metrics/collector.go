// Package metrics exports call tracker activity to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dense-identity/callcore/internal/calltracker"
	"github.com/dense-identity/callcore/internal/logger"
)

const namespace = "callcore"

// Collector implements calltracker.Notifier and records counters for
// calls, phone state, supplementary service failures and D2D negotiation.
type Collector struct {
	calltracker.NopNotifier

	started      *prometheus.CounterVec
	disconnected *prometheus.CounterVec
	phoneState   prometheus.Gauge
	suppFailures *prometheus.CounterVec
	negotiations *prometheus.CounterVec

	mu     sync.Mutex
	active map[string]struct{}
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Connections that reached the active state, by direction.",
		}, []string{"direction"}),
		disconnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_disconnected_total",
			Help:      "Disconnected connections, by cause.",
		}, []string{"cause"}),
		phoneState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phone_state",
			Help:      "Current phone state: 0 idle, 1 ringing, 2 offhook.",
		}),
		suppFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supp_service_failures_total",
			Help:      "Failed supplementary service requests, by operation.",
		}, []string{"op"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "d2d_negotiations_total",
			Help:      "D2D transport negotiation outcomes.",
		}, []string{"transport", "result"}),
		active: make(map[string]struct{}),
	}

	for _, m := range []prometheus.Collector{c.started, c.disconnected, c.phoneState, c.suppFailures, c.negotiations} {
		if err := reg.Register(m); err != nil {
			return nil, errors.Wrap(err, "metrics: register")
		}
	}
	return c, nil
}

func (c *Collector) PhoneStateChanged(_, state calltracker.PhoneState) {
	c.phoneState.Set(float64(state))
}

func (c *Collector) ConnectionStateChanged(conn *calltracker.Connection, state calltracker.ConnectionState) {
	if state != calltracker.StateActive {
		return
	}
	c.mu.Lock()
	_, seen := c.active[conn.ID()]
	c.active[conn.ID()] = struct{}{}
	c.mu.Unlock()
	if seen {
		return
	}
	dir := "outgoing"
	if conn.IsIncoming() {
		dir = "incoming"
	}
	c.started.WithLabelValues(dir).Inc()
}

func (c *Collector) Disconnect(conn *calltracker.Connection) {
	c.mu.Lock()
	delete(c.active, conn.ID())
	c.mu.Unlock()
	c.disconnected.WithLabelValues(conn.Cause().String()).Inc()
}

func (c *Collector) SuppServiceFailed(op calltracker.Operation, _ error) {
	c.suppFailures.WithLabelValues(string(op)).Inc()
}

// ObserveNegotiation records a D2D negotiation outcome.
func (c *Collector) ObserveNegotiation(transport, result string) {
	c.negotiations.WithLabelValues(transport, result).Inc()
}

// Serve exposes the registry's metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics: serve")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
