package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route names. The logging middleware uses them as audit messages.
const (
	RouteHealth        = "health"
	RouteMetrics       = "metrics"
	RouteLogin         = "login"
	RouteLogout        = "logout"
	RouteTypes         = "list types"
	RouteGetObject     = "get object"
	RouteQuery         = "query"
	RouteTasks         = "list tasks"
	RouteTask          = "get task"
	RouteDemand        = "demand task"
	RouteDump          = "dump"
	RouteVerify        = "verify"
	RouteSessions      = "list sessions"
	RouteEndSession    = "end session"
	RouteACL           = "get ACL"
	RouteReloadACL     = "reload ACL"
	RouteConfig        = "get config"
	RouteConfigSection = "get config section"
	RouteReloadConfig  = "reload config"
	RouteSaveConfig    = "save config"
)

// NewRouter builds the admin API routes on a gorilla/mux router.
func NewRouter(h *Handlers, auth *Authenticator, opts RouterOptions) *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(defaultNotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(defaultMethodNotAllowed)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet).Name(RouteHealth)
	api.HandleFunc("/auth/login", h.HandleLogin).Methods(http.MethodPost).Name(RouteLogin)
	api.HandleFunc("/auth/logout", h.HandleLogout).Methods(http.MethodPost).Name(RouteLogout)

	api.HandleFunc("/types", h.HandleTypes).Methods(http.MethodGet).Name(RouteTypes)
	api.HandleFunc("/objects/{handle}", h.HandleGetObject).Methods(http.MethodGet).Name(RouteGetObject)
	api.HandleFunc("/query", h.HandleQuery).Methods(http.MethodGet, http.MethodPost).Name(RouteQuery)

	api.HandleFunc("/tasks", h.HandleTasks).Methods(http.MethodGet).Name(RouteTasks)
	api.HandleFunc("/tasks/{name}", h.HandleTask).Methods(http.MethodGet).Name(RouteTask)
	api.HandleFunc("/tasks/{name}/demand", AdminOnly(h.HandleDemand)).Methods(http.MethodPost).Name(RouteDemand)
	api.HandleFunc("/dump", AdminOnly(h.HandleDump)).Methods(http.MethodPost).Name(RouteDump)
	api.HandleFunc("/verify", AdminOnly(h.HandleVerify)).Methods(http.MethodGet).Name(RouteVerify)

	api.HandleFunc("/sessions", AdminOnly(h.HandleSessions)).Methods(http.MethodGet).Name(RouteSessions)
	api.HandleFunc("/sessions/{id}", AdminOnly(h.HandleEndSession)).Methods(http.MethodDelete).Name(RouteEndSession)

	api.HandleFunc("/acl", AdminOnly(h.HandleGetACL)).Methods(http.MethodGet).Name(RouteACL)
	api.HandleFunc("/acl/reload", AdminOnly(h.HandleReloadACL)).Methods(http.MethodPost).Name(RouteReloadACL)

	api.HandleFunc("/config", AdminOnly(h.HandleGetConfig)).Methods(http.MethodGet).Name(RouteConfig)
	api.HandleFunc("/config/reload", AdminOnly(h.HandleReloadConfig)).Methods(http.MethodPost).Name(RouteReloadConfig)
	api.HandleFunc("/config/save", AdminOnly(h.HandleSaveConfig)).Methods(http.MethodPost).Name(RouteSaveConfig)
	api.HandleFunc("/config/{section}", AdminOnly(h.HandleGetConfigSection)).Methods(http.MethodGet).Name(RouteConfigSection)

	if opts.Metrics {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet).Name(RouteMetrics)
	}

	router.Use(RecoveryMiddleware(h.logger))
	router.Use(LoggingMiddleware(h.logger))
	router.Use(ConnectionTrackingMiddleware(h))
	if opts.RateLimit > 0 {
		router.Use(RateLimitMiddleware(opts.RateLimit))
	}
	api.Use(AuthMiddleware(auth, RouteHealth, RouteLogin))

	return router
}

// RouterOptions selects optional routes and middleware.
type RouterOptions struct {
	// Metrics exposes the Prometheus registry at /metrics.
	Metrics bool

	// RateLimit is the per-client request rate (0 = unlimited).
	RateLimit int
}

func defaultNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
}

func defaultMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
