// Package metrics exports coordinator progress as Prometheus metrics. The
// collectors are fed from the event bus, so the coordinator itself never
// touches Prometheus types.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Iron-Ham/replex/internal/event"
	"github.com/Iron-Ham/replex/internal/logging"
)

const namespace = "replex"

// Metrics holds the coordinator collectors.
type Metrics struct {
	registry *prometheus.Registry

	PollsTotal     *prometheus.CounterVec
	PollDuration   prometheus.Histogram
	SwapsSelected  *prometheus.CounterVec
	SwapsApplied   prometheus.Counter
	SwapsFinalized prometheus.Counter
	PairSwaps      *prometheus.CounterVec
	Resubmissions  prometheus.Counter
	StageFailures  *prometheus.CounterVec
	CurrentAttempt prometheus.Gauge
	Replicas       prometheus.Gauge
	Terminal       prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "waits_total",
			Help:      "Bounded waits completed, by outcome",
		}, []string{"done"}),

		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "wait_duration_seconds",
			Help:      "Duration of one bounded wait",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),

		SwapsSelected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "selected_total",
			Help:      "Swap proposals, by acceptance verdict",
		}, []string{"accepted"}),

		SwapsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "applied_total",
			Help:      "Swaps whose snapshots were exchanged",
		}),

		SwapsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "finalized_total",
			Help:      "Swap records marked completed",
		}),

		PairSwaps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "pair_applied_total",
			Help:      "Applied swaps per ladder pair (upper index)",
		}, []string{"i"}),

		Resubmissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "resubmissions_total",
			Help:      "Ladder resubmissions",
		}),

		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "stage_failures_total",
			Help:      "Fatal coordinator errors, by stage",
		}, []string{"stage"}),

		CurrentAttempt: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "current_attempt",
			Help:      "Current attempt index",
		}),

		Replicas: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "replicas",
			Help:      "Replicas in the ladder",
		}),

		Terminal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "terminal",
			Help:      "1 once the coordinator reached its terminal state",
		}),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Attach subscribes the collectors to bus and returns the subscription ID.
func (m *Metrics) Attach(bus *event.Bus) string {
	return bus.SubscribeAll(m.observe)
}

func (m *Metrics) observe(e event.Event) {
	switch ev := e.(type) {
	case event.InitializedEvent:
		m.Replicas.Set(float64(ev.Replicas))
		m.CurrentAttempt.Set(0)
	case event.PolledEvent:
		m.PollsTotal.WithLabelValues(strconv.FormatBool(ev.Done)).Inc()
		m.PollDuration.Observe(ev.Duration.Seconds())
	case event.SwapEvent:
		switch ev.EventType() {
		case event.TypeSwapSelected:
			m.SwapsSelected.WithLabelValues(strconv.FormatBool(ev.Accepted)).Inc()
			m.CurrentAttempt.Set(float64(ev.Attempt + 1))
		case event.TypeSwapApplied:
			m.SwapsApplied.Inc()
			m.PairSwaps.WithLabelValues(strconv.Itoa(ev.I)).Inc()
		case event.TypeSwapFinalized:
			m.SwapsFinalized.Inc()
		}
	case event.ResubmittedEvent:
		m.Resubmissions.Inc()
		m.Replicas.Set(float64(ev.Replicas))
	case event.TerminalEvent:
		m.Terminal.Set(1)
		m.CurrentAttempt.Set(float64(ev.Attempts))
	case event.StageFailedEvent:
		m.StageFailures.WithLabelValues(ev.Stage).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics and /healthz on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *logging.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err.Error())
		}
	})
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown error", "error", err.Error())
		}
	}()

	logger.Info("metrics server started", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
