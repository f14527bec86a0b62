package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patrickwarner/adselection/internal/middleware"
)

// NewRouter registers every route of the server.
func NewRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/adselection", s.AdSelectionHandler).Methods("POST")
	v1.HandleFunc("/adselection/outcomes", s.OutcomeSelectionHandler).Methods("POST")
	v1.HandleFunc("/interactions", s.InteractionHandler).Methods("POST")
	v1.HandleFunc("/appinstall", s.AppInstallHandler).Methods("POST", "DELETE")
	v1.HandleFunc("/customaudiences", s.JoinCustomAudience).Methods("PUT")
	v1.HandleFunc("/customaudiences/{buyer}/{name}", s.LeaveCustomAudience).Methods("DELETE")

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")

	// metrics endpoint (includes rate limiting metrics)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
