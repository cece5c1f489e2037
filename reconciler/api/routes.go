package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all HTTP routes for the API server
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Health check endpoint
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Prometheus scrape endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// API v1 endpoints
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/networks", s.handleNetworks).Methods(http.MethodGet)
	v1.HandleFunc("/networks/{network}", s.handleNetwork).Methods(http.MethodGet)
	v1.HandleFunc("/cycles/last", s.handleLastCycle).Methods(http.MethodGet)
	v1.HandleFunc("/cycles", s.handleTriggerCycle).Methods(http.MethodPost)

	return router
}
