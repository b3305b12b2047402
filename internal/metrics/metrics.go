// Package metrics holds the Prometheus collectors for automation dispatch.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/automations/internal/logger"
)

// Metrics holds Prometheus metrics for the dispatcher
type Metrics struct {
	eventsTotal      *prometheus.CounterVec
	rulesEvaluated   *prometheus.CounterVec
	actionsTotal     *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
}

// New creates the dispatcher metrics and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automations",
			Name:      "events_total",
			Help:      "Change events handled, by outcome status",
		}, []string{"status"}),

		rulesEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automations",
			Name:      "rules_evaluated_total",
			Help:      "Selected rules checked for eligibility, by result",
		}, []string{"result"}),

		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "automations",
			Name:      "actions_total",
			Help:      "Rule actions executed, by type and status",
		}, []string{"type", "status"}),

		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "automations",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent processing one change event",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
	}

	for _, c := range []prometheus.Collector{m.eventsTotal, m.rulesEvaluated, m.actionsTotal, m.dispatchDuration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// ObserveEvent records one handled event
func (m *Metrics) ObserveEvent(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(status).Inc()
	m.dispatchDuration.Observe(elapsed.Seconds())
}

// ObserveRule records one eligibility check
func (m *Metrics) ObserveRule(eligible bool) {
	if m == nil {
		return
	}
	result := "ineligible"
	if eligible {
		result = "eligible"
	}
	m.rulesEvaluated.WithLabelValues(result).Inc()
}

// ObserveAction records one executed action
func (m *Metrics) ObserveAction(actionType, status string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(actionType, status).Inc()
}

// RegisterLogCounters exposes the logger's unsampled counters
func RegisterLogCounters(reg prometheus.Registerer) error {
	counters := []struct {
		name, help string
		read       func() int64
	}{
		{"log_errors_total", "Errors logged, before sampling", logger.TotalErrors.Load},
		{"log_warnings_total", "Warnings logged, before sampling", logger.TotalWarnings.Load},
		{"http_5xx_responses_total", "Responses with a 5xx status", logger.Total5xxErrors.Load},
		{"http_4xx_responses_total", "Responses with a 4xx status", logger.Total4xxErrors.Load},
		{"action_failures_total", "Rule actions whose downstream call failed", logger.ActionFailures.Load},
		{"lookup_failures_total", "Rule lookups that failed", logger.LookupFailures.Load},
	}

	for _, c := range counters {
		read := c.read
		collector := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "automations",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(read()) })
		if err := reg.Register(collector); err != nil {
			return fmt.Errorf("failed to register %s: %w", c.name, err)
		}
	}
	return nil
}
