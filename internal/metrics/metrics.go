package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submit results used as the "result" label.
const (
	ResultOK            = "ok"
	ResultReportedError = "reported_error" // helper answered but could not process the file
	ResultFailed        = "failed"         // session-level failure, no usable answer
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	helperStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "medio",
			Subsystem: "helper",
			Name:      "starts_total",
			Help:      "Number of helper process starts.",
		},
	)
	helperStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "medio",
			Subsystem: "helper",
			Name:      "stops_total",
			Help:      "Number of helper process stops (graceful or kill).",
		},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "medio",
			Subsystem: "helper",
			Name:      "session_state",
			Help:      "Current session state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	submits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medio",
			Subsystem: "helper",
			Name:      "submits_total",
			Help:      "Number of commands submitted to the helper by result.",
		}, []string{"result"},
	)
	submitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "medio",
			Subsystem: "helper",
			Name:      "submit_duration_seconds",
			Help:      "Time from appending a command to reading its sentinel.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	scanCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "medio",
			Subsystem: "scan",
			Name:      "cycles_total",
			Help:      "Number of completed scan cycles.",
		},
	)
	filesEligible = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "medio",
			Subsystem: "scan",
			Name:      "files_eligible",
			Help:      "Eligible files found by the last scan.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{helperStarts, helperStops, sessionState, submits, submitDuration, scanCycles, filesEligible}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncHelperStart() {
	if regOK.Load() {
		helperStarts.Inc()
	}
}

func IncHelperStop() {
	if regOK.Load() {
		helperStops.Inc()
	}
}

func SetSessionState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		sessionState.WithLabelValues(state).Set(value)
	}
}

func ObserveSubmit(result string, seconds float64) {
	if regOK.Load() {
		submits.WithLabelValues(result).Inc()
		if result != ResultFailed {
			submitDuration.Observe(seconds)
		}
	}
}

func IncScanCycle() {
	if regOK.Load() {
		scanCycles.Inc()
	}
}

func SetFilesEligible(n int) {
	if regOK.Load() {
		filesEligible.Set(float64(n))
	}
}
