// Package web serves the exposition endpoint plus a small admin surface
// over the poller's published state. Handlers only ever read snapshots;
// a scrape can never trigger device I/O.
package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/edgewatt/plugmon/internal/poller"
	"github.com/edgewatt/plugmon/internal/snapshot"
	middleware "github.com/edgewatt/plugmon/internal/web/middlewares"
)

// ServerConfig holds configuration options for the HTTP server
type ServerConfig struct {
	ListenAddress  string
	CacheSize      int     // Size of the LRU response cache
	RateLimit      float64 // Requests per second on admin endpoints
	RateLimitBurst int     // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:  "0.0.0.0:9155",
		CacheSize:      128,
		RateLimit:      5.0,
		RateLimitBurst: 10,
	}
}

// DeviceLister provides the admin view of the known-device set.
type DeviceLister interface {
	DeviceList() []poller.DeviceStatus
}

// NewHandler wires the routes and the middleware chain.
func NewHandler(
	cfg ServerConfig,
	store *snapshot.Store,
	devices DeviceLister,
	registry *prometheus.Registry,
	logger *logrus.Logger,
) (http.Handler, error) {
	registry.MustRegister(NewCollector(store))

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plugmon_http_requests_total",
		Help: "HTTP requests served",
	}, []string{"path", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plugmon_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
	registry.MustRegister(requests, latency)

	cache, err := middleware.NewResponseCache(cfg.CacheSize, store.Generation)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	// Admin endpoints get the full chain: request id first, rate limit
	// early, then logging, metrics, and the cache last so errors are
	// never cached.
	adminChain := func(h http.Handler) http.Handler {
		return middleware.RequestID(
			middleware.RateLimit(limiter)(
				middleware.Logging(logger)(
					middleware.Metrics(requests, latency)(
						cache.Middleware(h)))))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", middleware.Metrics(requests, latency)(
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	mux.Handle("/devices", adminChain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveDevices(w, devices, logger)
	})))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(landingPage))
	})

	return mux, nil
}

// NewServer builds the http.Server for the wired handler.
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func serveDevices(w http.ResponseWriter, devices DeviceLister, logger *logrus.Logger) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(devices.DeviceList()); err != nil {
		logger.WithError(err).Error("Failed to encode device list")
	}
}

const landingPage = `<html>
<head><title>plugmon</title></head>
<body>
<h1>plugmon</h1>
<p><a href="/metrics">Metrics</a></p>
<p><a href="/devices">Devices</a></p>
</body>
</html>
`
