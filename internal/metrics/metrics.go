package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: chat events emitted to consumers, labeled by event type.
	ChatEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stream_events_total",
			Help: "Total number of chat events emitted to stream consumers.",
		},
		[]string{"type"},
	)

	// Counter: token refresh attempts by result (ok / error).
	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_token_refreshes_total",
			Help: "Total number of OAuth access token refresh attempts.",
		},
		[]string{"result"},
	)

	// Counter: device-flow token endpoint polls.
	DevicePollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oauth_device_polls_total",
			Help: "Total number of device authorization poll requests.",
		},
	)

	// Histogram: bridge HTTP latency in seconds.
	BridgeLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_latency_seconds",
			Help:    "HTTP request latency for the bridge in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		ChatEventsTotal,
		TokenRefreshesTotal,
		DevicePollsTotal,
		BridgeLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures bridge latency for each HTTP request. The path label
// is the matched chi route pattern, not the raw URL, so the label set stays
// bounded by the route table.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		BridgeLatencySeconds.
			WithLabelValues(path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers keep flushing through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
