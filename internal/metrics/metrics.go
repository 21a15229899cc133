// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellport_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shellport_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Transfers
	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellport_transfer_bytes_total",
			Help: "Total bytes moved by file transfers",
		},
		[]string{"operation"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellport_transfers_total",
			Help: "Finished file transfers by outcome",
		},
		[]string{"operation", "status"},
	)

	transferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shellport_transfer_duration_seconds",
			Help:    "File transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"operation"},
	)

	// SFTP sessions
	sftpConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellport_sftp_connects_total",
			Help: "SFTP session acquisitions by result",
		},
		[]string{"result"},
	)

	sftpSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shellport_sftp_sessions_active",
			Help: "Number of registered SFTP sessions",
		},
	)

	remoteOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellport_remote_operations_total",
			Help: "Remote file operations by kind and outcome",
		},
		[]string{"operation", "status"},
	)

	// Terminals
	terminalSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shellport_terminal_sessions_active",
			Help: "Number of live terminal sessions",
		},
	)

	terminalEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellport_terminal_events_total",
			Help: "Terminal events published by type",
		},
		[]string{"type"},
	)

	terminalOutputBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shellport_terminal_output_bytes_total",
			Help: "Bytes relayed from remote shells",
		},
	)

	// WebSocket
	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shellport_ws_connections_active",
			Help: "Number of open WebSocket connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordTransferBytes adds n bytes to the transfer byte counter.
func RecordTransferBytes(operation string, n int64) {
	if n > 0 {
		transferBytes.WithLabelValues(operation).Add(float64(n))
	}
}

// RecordTransfer records a finished transfer.
func RecordTransfer(operation, status string, duration time.Duration) {
	transfersTotal.WithLabelValues(operation, status).Inc()
	transferDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSFTPConnect records a session acquisition.
func RecordSFTPConnect(success bool) {
	sftpConnectsTotal.WithLabelValues(outcome(success)).Inc()
}

// SetSFTPSessionsActive sets the number of registered SFTP sessions.
func SetSFTPSessionsActive(n int) {
	sftpSessionsActive.Set(float64(n))
}

// RecordRemoteOperation records a list/stat/mkdir/rm/rename call.
func RecordRemoteOperation(operation string, success bool) {
	remoteOpsTotal.WithLabelValues(operation, outcome(success)).Inc()
}

// SetTerminalSessionsActive sets the number of live terminal sessions.
func SetTerminalSessionsActive(n int) {
	terminalSessionsActive.Set(float64(n))
}

// RecordTerminalEvent records a published terminal event.
func RecordTerminalEvent(eventType string) {
	terminalEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordTerminalOutput adds relayed shell output bytes.
func RecordTerminalOutput(n int) {
	terminalOutputBytes.Add(float64(n))
}

// AddWSConnections adjusts the open WebSocket gauge by delta.
func AddWSConnections(delta int) {
	wsConnectionsActive.Add(float64(delta))
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request metrics labelled by the chi route pattern, so
// path parameters don't explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
