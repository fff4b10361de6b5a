package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Auth metrics.
var (
	AuthDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_auth_decisions_total",
			Help: "Authorization gate decisions by outcome and denial code.",
		},
		[]string{"outcome", "code"},
	)

	TokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_tokens_issued_total",
		Help: "Session tokens issued.",
	})

	TokensRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_tokens_revoked_total",
			Help: "Session tokens placed on the revocation ledger.",
		},
		[]string{"reason"},
	)

	Lockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aegis_lockouts_total",
		Help: "Accounts locked after repeated failed logins.",
	})

	AuditRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_audit_records_total",
			Help: "Audit records by result (written, dropped, failed).",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			AuthDecisions, TokensIssued, TokensRevoked, Lockouts, AuditRecords,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// collections whose second segment is an identifier, with the sub-resources they expose.
var idCollections = map[string]map[string]bool{
	"users":       {"role": true, "roles": true, "status": true},
	"roles":       {"permissions": true},
	"permissions": {},
}

// CanonicalPath collapses identifiers so label cardinality stays bounded.
// Unknown shapes are returned untouched.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	subs, ok := idCollections[parts[1]]
	if !ok {
		return raw
	}
	switch len(parts) {
	case 3:
		return "/v1/" + parts[1] + "/:id"
	case 4:
		if subs[parts[3]] {
			return "/v1/" + parts[1] + "/:id/" + parts[3]
		}
	case 5:
		if parts[1] == "users" && parts[3] == "roles" {
			return "/v1/users/:id/roles/:role_id"
		}
	}
	return raw
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
