// Package metrics exposes pipeline observations as Prometheus series.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

const namespace = "techthermometer"

// Prometheus implements ports.Metrics on a dedicated registry.
type Prometheus struct {
	registry *prometheus.Registry

	collections      *prometheus.CounterVec
	collectAttempts  *prometheus.HistogramVec
	collectDuration  *prometheus.HistogramVec
	recordsResolved  *prometheus.CounterVec
	historyRows      *prometheus.CounterVec
	aggregationTimes *prometheus.HistogramVec
}

var _ ports.Metrics = (*Prometheus)(nil)

// NewPrometheus registers every series on a fresh registry.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		collections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "cycles_total",
			Help:      "Collection cycles by site and outcome.",
		}, []string{"site", "success"}),
		collectAttempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "attempts",
			Help:      "Attempts needed per collection cycle.",
			Buckets:   prometheus.LinearBuckets(1, 1, 6),
		}, []string{"site"}),
		collectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a collection cycle including backoff.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"site"}),
		recordsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "records_total",
			Help:      "Resolved records by outcome.",
		}, []string{"site", "outcome"}),
		historyRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "history_rows_total",
			Help:      "History rows written by change type.",
		}, []string{"site", "change_type"}),
		aggregationTimes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "aggregation_duration_seconds",
			Help:      "Time spent recomputing one stats period.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"site", "period_type"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) ObserveCollection(site string, success bool, attempts int, elapsed time.Duration) {
	p.collections.WithLabelValues(site, strconv.FormatBool(success)).Inc()
	p.collectAttempts.WithLabelValues(site).Observe(float64(attempts))
	p.collectDuration.WithLabelValues(site).Observe(elapsed.Seconds())
}

func (p *Prometheus) ObserveResolution(site string, result domain.ResolutionResult) {
	add := func(outcome string, n int) {
		if n > 0 {
			p.recordsResolved.WithLabelValues(site, outcome).Add(float64(n))
		}
	}
	add("created", result.Created)
	add("updated", result.Updated)
	add("unchanged", result.Unchanged)
	add("duplicate", result.Duplicates)
	add("stale", result.Stale)
	add("error", result.Errors)
}

func (p *Prometheus) ObserveHistory(site string, changeType domain.ChangeType) {
	p.historyRows.WithLabelValues(site, string(changeType)).Inc()
}

func (p *Prometheus) ObserveAggregation(site string, period domain.PeriodType, elapsed time.Duration) {
	p.aggregationTimes.WithLabelValues(site, string(period)).Observe(elapsed.Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Nop discards every observation.
type Nop struct{}

var _ ports.Metrics = Nop{}

func (Nop) ObserveCollection(string, bool, int, time.Duration)          {}
func (Nop) ObserveResolution(string, domain.ResolutionResult)           {}
func (Nop) ObserveHistory(string, domain.ChangeType)                    {}
func (Nop) ObserveAggregation(string, domain.PeriodType, time.Duration) {}
