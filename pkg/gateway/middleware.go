package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// statusRecorder captures the response code for logs and metrics
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.status = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets the /events upgrade through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.written = true
	return hj.Hijack()
}

// instrument assigns trace ids, logs every request and records HTTP metrics
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := r.Context()
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx = tracing.WithTraceID(ctx, traceID)
		ctx = tracing.WithRequestID(ctx, tracing.NewTraceID())
		ctx, span := tracing.StartSpan(ctx, "nebula.gateway", "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()

		w.Header().Set("X-Trace-Id", traceID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		span.SetAttributes(attribute.String("http.route", route), attribute.Int("http.status_code", rec.status))
		observability.RecordHTTPRequest(route, rec.status, duration)

		logger := tracing.LoggerFromContext(ctx, s.logger)
		evt := logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			evt = logger.Warn()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("HTTP request")
	})
}

// recoverPanics turns a handler panic into a 500 envelope
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				logger := tracing.LoggerFromContext(r.Context(), s.logger)
				logger.Error().
					Interface("panic", p).
					Str("stack", string(debug.Stack())).
					Str("path", r.URL.Path).
					Msg("Handler panicked")
				s.writeJSON(w, http.StatusInternalServerError, errorBody(internalErrorMessage))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
