package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/companion/internal/proxy"
	"github.com/shehryarbajwa/companion/internal/ratelimit"
)

// Routes bundles the handlers mounted under /v1
type Routes struct {
	Sessions        *Handler
	Cron            *CronHandler
	Recordings      *RecordingHandler
	Proxy           *proxy.Server
	RateLimiter     *ratelimit.Limiter
	RequestsPerHour int
}

// SetupRoutes configures all HTTP routes
func SetupRoutes(routes Routes) *mux.Router {
	r := mux.NewRouter()

	// Preflight for any path; corsMiddleware answers it
	r.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()

	// Rate limiting covers the REST surface; the browser socket is long lived
	rateLimitedAPI := api.PathPrefix("").Subrouter()
	if routes.RateLimiter != nil {
		rateLimitedAPI.Use(RateLimitMiddleware(routes.RateLimiter, routes.RequestsPerHour))
	}

	h := routes.Sessions
	rateLimitedAPI.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	rateLimitedAPI.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	rateLimitedAPI.HandleFunc("/sessions/{id}/archive", h.ArchiveSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions/{id}/unarchive", h.ArchiveSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions/{id}/relaunch", h.RelaunchSession).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions/{id}/message", h.SendMessage).Methods("POST")
	rateLimitedAPI.HandleFunc("/sessions/{id}/recording", h.SetRecording).Methods("PUT")
	rateLimitedAPI.HandleFunc("/sessions/{id}/connect", h.GetConnectURL).Methods("GET")

	if c := routes.Cron; c != nil {
		rateLimitedAPI.HandleFunc("/cron", c.ListJobs).Methods("GET")
		rateLimitedAPI.HandleFunc("/cron", c.CreateJob).Methods("POST")
		rateLimitedAPI.HandleFunc("/cron/{id}", c.GetJob).Methods("GET")
		rateLimitedAPI.HandleFunc("/cron/{id}", c.UpdateJob).Methods("PATCH", "PUT")
		rateLimitedAPI.HandleFunc("/cron/{id}", c.DeleteJob).Methods("DELETE")
		rateLimitedAPI.HandleFunc("/cron/{id}/run", c.RunJob).Methods("POST")
		rateLimitedAPI.HandleFunc("/cron/{id}/executions", c.ListExecutions).Methods("GET")
	}

	if rec := routes.Recordings; rec != nil {
		rateLimitedAPI.HandleFunc("/recordings", rec.ListRecordings).Methods("GET")
		rateLimitedAPI.HandleFunc("/recordings/enabled", rec.SetGlobalRecording).Methods("PUT")
		rateLimitedAPI.HandleFunc("/recordings/{sessionId}/export", rec.ExportRecordings).Methods("GET")
	}

	// Browser socket (not rate limited)
	if routes.Proxy != nil {
		api.HandleFunc("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
			routes.Proxy.HandleBrowserConnection(w, r, mux.Vars(r)["id"])
		}).Methods("GET")
	}

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}
