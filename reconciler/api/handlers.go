package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleNetworks handles GET /api/v1/networks
func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	infos, err := s.status.NetworkInfo()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load network info")
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, NetworksResponse{
		Data:        infos,
		Databases:   s.status.DatabaseStats(),
		LastUpdated: s.lastUpdated(),
	})
}

// handleNetwork handles GET /api/v1/networks/{network}
func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	network := mux.Vars(r)["network"]

	infos, err := s.status.NetworkInfo()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load network info")
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, info := range infos {
		if info.Network == network {
			s.respondJSON(w, QueryResponse{Data: info, LastUpdated: s.lastUpdated()})
			return
		}
	}
	s.respondError(w, http.StatusNotFound, "unknown network "+network)
}

// handleLastCycle handles GET /api/v1/cycles/last
func (s *Server) handleLastCycle(w http.ResponseWriter, r *http.Request) {
	last := s.status.LastCycle()
	if last == nil {
		s.respondError(w, http.StatusNotFound, "no cycle has finished yet")
		return
	}
	s.respondJSON(w, QueryResponse{Data: last, LastUpdated: last.FinishedAt})
}

// handleTriggerCycle handles POST /api/v1/cycles
func (s *Server) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		s.respondError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	s.trigger.ForceRun()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) lastUpdated() time.Time {
	if last := s.status.LastCycle(); last != nil {
		return last.FinishedAt
	}
	return time.Time{}
}

func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
