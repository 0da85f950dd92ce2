package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phytolab/scrubber-controller/db"
	"github.com/phytolab/scrubber-controller/internal/accumulator"
	"github.com/phytolab/scrubber-controller/internal/automation"
	"github.com/phytolab/scrubber-controller/internal/model"
	"github.com/phytolab/scrubber-controller/internal/relay"
	"github.com/phytolab/scrubber-controller/internal/statestore"
	"github.com/phytolab/scrubber-controller/internal/transform"
)

type Server struct {
	store      *db.Store
	state      *statestore.Store
	accum      *accumulator.Accumulator
	reconciler *relay.Reconciler
	transforms *transform.Pipeline
}

type RelayRequest struct {
	State int `json:"state"`
}

type PHCalibrationRequest struct {
	Points []model.PHPoint `json:"points"`
}

type StatusResponse struct {
	Online     bool      `json:"online"`
	LastUpdate time.Time `json:"lastUpdate"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(store *db.Store, state *statestore.Store, accum *accumulator.Accumulator,
	reconciler *relay.Reconciler, transforms *transform.Pipeline) *Server {
	return &Server{
		store:      store,
		state:      state,
		accum:      accum,
		reconciler: reconciler,
		transforms: transforms,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/readings/latest", s.handleLatestReading)
	mux.HandleFunc("/api/totals", s.handleTotals)
	mux.HandleFunc("/api/totals/reset", s.handleTotalsReset)
	mux.HandleFunc("/api/relays/", s.handleRelay)
	mux.HandleFunc("/api/rules", s.handleRules)
	mux.HandleFunc("/api/rules/", s.handleRuleOperations)
	mux.HandleFunc("/api/calibration/ph", s.handlePHCalibration)

	// CORS for the dashboard
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting REST API server")
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	status := s.state.Status(time.Now())
	s.writeJSON(w, http.StatusOK, StatusResponse{Online: status.Online, LastUpdate: status.LastUpdate})
}

func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	reading, ok := s.state.LastCalibrated()
	if !ok {
		s.writeError(w, http.StatusNotFound, "No reading received yet")
		return
	}
	s.writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.accum.Totals())
}

func (s *Server) handleTotalsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := s.accum.Reset(time.Now()); err != nil {
		log.Error().Err(err).Msg("Failed to reset totals")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Msg("Accumulated totals reset via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	relayID := strings.TrimPrefix(r.URL.Path, "/api/relays/")
	if relayID == "" || strings.Contains(relayID, "/") {
		s.writeError(w, http.StatusNotFound, "Relay ID required")
		return
	}

	var req RelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	err := s.reconciler.Control(relayID, req.State)
	switch {
	case err == nil:
		log.Info().Str("relay", relayID).Int("state", req.State).Msg("Relay change requested via API")
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, relay.ErrDeviceOffline):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, relay.ErrUnknownRelay), errors.Is(err, relay.ErrInvalidState):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("relay", relayID).Msg("Relay control failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := s.store.ListRules()
		if err != nil {
			log.Error().Err(err).Msg("Failed to list rules")
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, rules)

	case http.MethodPost:
		var rule model.AutomationRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		if err := automation.ValidateRule(rule); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.SaveRule(rule); err != nil {
			log.Error().Err(err).Str("rule", rule.ID).Msg("Failed to save rule")
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Info().Str("rule", rule.ID).Str("mode", string(rule.Mode)).Msg("Automation rule saved via API")
		s.writeJSON(w, http.StatusCreated, rule)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleRuleOperations(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/rules/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "Rule ID required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rule, err := s.store.GetRule(id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rule == nil {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		s.writeJSON(w, http.StatusOK, rule)

	case http.MethodPut:
		var rule model.AutomationRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		rule.ID = id
		if err := automation.ValidateRule(rule); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		existing, err := s.store.GetRule(id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if existing == nil {
			s.writeError(w, http.StatusNotFound, "Rule not found")
			return
		}
		if err := s.store.SaveRule(rule); err != nil {
			log.Error().Err(err).Str("rule", id).Msg("Failed to update rule")
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Info().Str("rule", id).Msg("Automation rule updated via API")
		s.writeJSON(w, http.StatusOK, rule)

	case http.MethodDelete:
		if err := s.store.DeleteRule(id); err != nil {
			if strings.Contains(err.Error(), "not found") {
				s.writeError(w, http.StatusNotFound, "Rule not found")
			} else {
				log.Error().Err(err).Str("rule", id).Msg("Failed to delete rule")
				s.writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		log.Info().Str("rule", id).Msg("Automation rule deleted via API")
		w.WriteHeader(http.StatusOK)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handlePHCalibration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		profile := s.transforms.PHProfile()
		if profile == nil {
			s.writeError(w, http.StatusNotFound, "No pH calibration stored")
			return
		}
		s.writeJSON(w, http.StatusOK, profile)

	case http.MethodPost:
		var req PHCalibrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		profile, err := transform.NewPHProfile(req.Points)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.SavePHProfile(profile); err != nil {
			log.Error().Err(err).Msg("Failed to persist pH calibration")
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.transforms.SetPHProfile(profile)
		log.Info().
			Str("type", profile.Type).
			Float64("slope", profile.Slope).
			Float64("offset", profile.Offset).
			Msg("pH probe recalibrated via API")
		s.writeJSON(w, http.StatusOK, profile)

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
