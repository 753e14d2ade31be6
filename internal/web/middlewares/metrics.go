package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records request counts and latency per path.
func Metrics(
	requests *prometheus.CounterVec,
	latency *prometheus.HistogramVec,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Record metrics
			duration := time.Since(start).Seconds()

			requests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
			latency.WithLabelValues(r.URL.Path).Observe(duration)
		})
	}
}
