// Package middleware provides HTTP middleware for the instant API server.
package middleware

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const slowRequestThreshold = 5 * time.Second

// responseWriter captures the status code for request logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush passes streaming flushes through so SSE keeps working behind the
// logger.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs every request with a level matched to the response
// class and flags slow requests.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		fields := log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status_code": wrapped.statusCode,
			"duration_ms": duration.Milliseconds(),
			"remote":      r.RemoteAddr,
		}

		switch {
		case wrapped.statusCode >= 500:
			log.WithFields(fields).Error("❌ API request failed")
		case wrapped.statusCode >= 400:
			log.WithFields(fields).Warn("⚠️ API request rejected")
		default:
			log.WithFields(fields).Info("✅ API request completed")
		}

		if duration > slowRequestThreshold {
			log.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": duration,
			}).Warn("🐌 Slow API request")
		}
	})
}
