package rest

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/KilimcininKorOglu/dirmgr/internal/acl"
	"github.com/KilimcininKorOglu/dirmgr/internal/logging"
	"github.com/KilimcininKorOglu/dirmgr/internal/session"
)

type sessionKey struct{}

// SessionFrom retrieves the authenticated session from context.
func SessionFrom(r *http.Request) *session.Session {
	s, _ := r.Context().Value(sessionKey{}).(*session.Session)
	return s
}

// PrincipalFrom returns the principal of the authenticated session, or
// nil.
func PrincipalFrom(r *http.Request) *acl.Principal {
	if s := SessionFrom(r); s != nil {
		return s.Principal
	}
	return nil
}

// loggingResponseWriter wraps ResponseWriter and captures the user set by
// the auth middleware.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	user       string
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// SetUser sets the user for logging
func (w *loggingResponseWriter) SetUser(user string) {
	w.user = user
}

// LoggingMiddleware logs HTTP requests with the name of the matched
// route.
func LoggingMiddleware(logger logging.Logger) mux.MiddlewareFunc {
	restLogger := logger.WithSource("rest")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := logging.GenerateRequestID()
			w.Header().Set("X-Request-ID", requestID)

			wrapped := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			msg := auditMessage(r)
			if msg == "" {
				return
			}

			reqLogger := restLogger.WithRequestID(requestID)
			if wrapped.user != "" {
				reqLogger = reqLogger.WithFields("user", wrapped.user)
			}
			reqLogger.Info(msg,
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration", time.Since(start).String(),
				"remoteAddr", r.RemoteAddr,
			)
		})
	}
}

// auditMessage returns the audit message of the matched route. Health
// checks and metrics scrapes are not logged.
func auditMessage(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "REST request"
	}
	switch name := route.GetName(); name {
	case RouteHealth, RouteMetrics:
		return ""
	case "":
		return "REST request"
	default:
		return "REST " + name
	}
}

// RecoveryMiddleware recovers from panics.
func RecoveryMiddleware(logger logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware limits the request rate per client IP.
func RateLimitMiddleware(requestsPerSecond int) mux.MiddlewareFunc {
	limiters := make(map[string]*rate.Limiter)
	var mu sync.Mutex

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := getClientIP(r)

			mu.Lock()
			limiter, ok := limiters[ip]
			if !ok {
				limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
				limiters[ip] = limiter
			}
			mu.Unlock()

			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ConnectionTrackingMiddleware tracks active connections.
func ConnectionTrackingMiddleware(handlers *Handlers) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlers.IncrementConnections()
			defer handlers.DecrementConnections()
			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware resolves the bearer token to its session. Routes named
// in public pass without a token.
func AuthMiddleware(auth *Authenticator, public ...string) mux.MiddlewareFunc {
	open := make(map[string]bool, len(public))
	for _, name := range public {
		open[name] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if route := mux.CurrentRoute(r); route != nil && open[route.GetName()] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing authorization header")
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "unsupported authorization type")
				return
			}

			s, err := auth.Resolve(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			if lrw, ok := w.(*loggingResponseWriter); ok {
				lrw.SetUser(s.Name())
			}

			ctx := context.WithValue(r.Context(), sessionKey{}, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminOnly restricts a handler to administrators.
func AdminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFrom(r)
		if p == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		if !p.Admin {
			writeError(w, http.StatusForbidden, "forbidden", "admin access required")
			return
		}
		next(w, r)
	}
}
