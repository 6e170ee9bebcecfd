package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shinji-kodama/tenantbox/internal/connpool"
	"github.com/shinji-kodama/tenantbox/internal/model"
	"github.com/shinji-kodama/tenantbox/internal/router"
)

// RequestIDHeader carries the request ID back to the client.
const RequestIDHeader = "X-Request-ID"

type contextKey string

const (
	requestIDKey = contextKey("requestId")
	tenantKey    = contextKey("tenant")
	connKey      = contextKey("tenantConn")
)

// RequestLogger attaches a request-scoped logger with a fresh request ID to
// the context and logs the start and end of every request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := newRequestID()

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		ctx = log.With().Str("request_id", requestID).Logger().WithContext(ctx)
		w.Header().Set(RequestIDHeader, requestID)

		rw := newResponseWriter(w)
		log.Ctx(ctx).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("host", r.Host).
			Str("remote_ip", r.RemoteAddr).
			Msg("incoming request")

		defer func() {
			log.Ctx(ctx).Info().
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		}()

		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

func newRequestID() string {
	u, err := uuid.NewV7()
	if err == nil {
		return u.String()
	}
	return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
}

// RequestID returns the request ID set by RequestLogger.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// PanicHandler recovers from handler panics, logs the stack and answers
// 500 if nothing was written yet.
func PanicHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := newResponseWriter(w)
		defer func() {
			if rec := recover(); rec != nil {
				log.Ctx(r.Context()).Error().
					Str("panic", fmt.Sprintf("%v", rec)).
					Str("stack_trace", string(debug.Stack())).
					Msg("panic occurred")
				if !rw.Written() {
					sendMessage(r.Context(), rw, http.StatusInternalServerError, msgInternalError)
				}
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// TenantMiddleware resolves the request's Host to a tenant and attaches the
// tenant and its connection handle to the request context.
//
// A missing host answers 400, an unknown tenant 404 and a failure to reach
// the tenant database 500.
func TenantMiddleware(rt *router.Router) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if model.NormalizeDomain(r.Host) == "" {
				sendMessage(ctx, w, http.StatusBadRequest, msgDomainMissing)
				return
			}

			tenant, h, err := rt.ResolveConnection(ctx, r.Host)
			if err != nil {
				if errors.Is(err, model.ErrTenantNotFound) {
					sendMessage(ctx, w, http.StatusNotFound, msgTenantNotFound)
					return
				}
				log.Ctx(ctx).Error().Err(err).Str("host", r.Host).Msg("failed to route request to tenant")
				sendMessage(ctx, w, http.StatusInternalServerError, msgInternalError)
				return
			}

			ctx = context.WithValue(ctx, tenantKey, tenant)
			ctx = context.WithValue(ctx, connKey, h)
			ctx = log.Ctx(ctx).With().Str("tenant", tenant.Domain).Logger().WithContext(ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext returns the tenant set by TenantMiddleware.
func TenantFromContext(ctx context.Context) *model.Tenant {
	t, _ := ctx.Value(tenantKey).(*model.Tenant)
	return t
}

// ConnFromContext returns the tenant handle set by TenantMiddleware.
func ConnFromContext(ctx context.Context) connpool.Handle {
	h, _ := ctx.Value(connKey).(connpool.Handle)
	return h
}

// responseWriter records whether and with which status a response was
// written.
type responseWriter struct {
	http.ResponseWriter
	written bool
	status  int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.written {
		return
	}
	rw.status = code
	rw.written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Written() bool { return rw.written }

func (rw *responseWriter) Status() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
