// Package middleware provides HTTP middleware for metrics collection and
// request correlation.
package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/taskrpc/internal/metrics"
	"github.com/nadmax/taskrpc/internal/rpc"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the status stream upgrade to a websocket through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}

	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// RequestID echoes the caller's request id, or a fresh one, on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(rpc.RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(rpc.RequestIDHeader, id)
		}

		w.Header().Set(rpc.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func normalizeEndpoint(path string) string {
	switch {
	case path == rpc.StreamPath:
		return path
	case strings.HasPrefix(path, "/api/tasks/") && !strings.Contains(path[11:], "/"):
		return "/api/tasks/:id"
	case strings.HasPrefix(path, "/api/history/task/"):
		return "/api/history/task/:id"
	default:
		return path
	}
}
