package obs

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexKimmel/tollgate/internal/ratelimit"
	"github.com/AlexKimmel/tollgate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	CheckDuration   prometheus.Histogram
	StoreErrors     prometheus.Counter

	gatherer prometheus.Gatherer
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_admission_decisions_total",
				Help: "Admission decisions by key scope and outcome",
			},
			[]string{"scope", "outcome"},
		),
		CheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tollgate_store_check_duration_seconds",
				Help:    "Latency of token bucket checks against the store",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		StoreErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_store_errors_total",
				Help: "Token bucket checks that failed because the store was unavailable",
			},
		),
		gatherer: reg,
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Decisions, m.CheckDuration, m.StoreErrors)
	return m
}

// RecordDecision implements gateway.DecisionRecorder.
func (m *Metrics) RecordDecision(scope, outcome string) {
	m.Decisions.WithLabelValues(scope, outcome).Inc()
}

// ObserveCheck implements ratelimit.Observer.
func (m *Metrics) ObserveCheck(d time.Duration, err error) {
	m.CheckDuration.Observe(d.Seconds())
	if errors.Is(err, ratelimit.ErrStoreUnavailable) {
		m.StoreErrors.Inc()
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware records per-request metrics, labelled with the route stored by
// gateway.RouteMatcher. It must run outside the matcher to see 404s.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			holder := &routeHolder{}
			next.ServeHTTP(rec, r.WithContext(withRouteHolder(r.Context(), holder)))

			route := "unknown"
			if holder.id != "" {
				route = holder.id
			}
			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}

// NoteRoute copies the matched route id back to the metrics middleware,
// which runs before the route is known.
func NoteRoute() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h, ok := r.Context().Value(routeHolderKey{}).(*routeHolder); ok {
				if rt, ok := routing.RouteFrom(r); ok {
					h.id = rt.ID
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
