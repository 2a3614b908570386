package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/couchbase"
	"stealthcompany.com/clinicalsync/internal/fhir"
)

const maxConfigurationBody = 64 << 10

// AgentsHandler lists every registered agent
func (s *Server) AgentsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Operational == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "operational store is not available")
		return
	}

	agents, err := s.deps.Operational.ListAgents(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list agents")
		writeErrorMessage(w, statusFor(err), err.Error())
		return
	}
	if agents == nil {
		agents = []couchbase.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// LogsHandler lists the most recent agent logs, newest first
func (s *Server) LogsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Operational == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "operational store is not available")
		return
	}

	logs, err := s.deps.Operational.ListLogs(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list logs")
		writeErrorMessage(w, statusFor(err), err.Error())
		return
	}
	if logs == nil {
		logs = []couchbase.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// GetConfigurationHandler returns an agent's saved configuration
func (s *Server) GetConfigurationHandler(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	if s.deps.Operational == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "operational store is not available")
		return
	}

	cfg, err := s.deps.Operational.GetAgentConfiguration(r.Context(), agentID)
	if err != nil {
		writeErrorMessage(w, statusFor(err), err.Error())
		return
	}
	if cfg == nil {
		writeErrorMessage(w, http.StatusNotFound, "no configuration saved for agent "+agentID)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfigurationHandler validates and saves an agent's configuration.
// The path id fills an empty agentId and must match a non-empty one.
func (s *Server) UpdateConfigurationHandler(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	if s.deps.Operational == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "operational store is not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigurationBody))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var cfg couchbase.AgentConfiguration
	if err := json.Unmarshal(body, &cfg); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid configuration: "+err.Error())
		return
	}
	if cfg.AgentID == "" {
		cfg.AgentID = agentID
	}
	if cfg.AgentID != agentID {
		writeErrorMessage(w, http.StatusBadRequest, "agentId "+cfg.AgentID+" does not match path "+agentID)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Operational.UpdateAgentConfiguration(r.Context(), cfg); err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to update agent configuration")
		writeErrorMessage(w, statusFor(err), err.Error())
		return
	}

	log.Info().Str("agent_id", agentID).Msg("Agent configuration updated")
	writeJSON(w, http.StatusOK, cfg)
}

// StoredResourceHandler reads a resource persisted to the document store
func (s *Server) StoredResourceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if s.deps.Store == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "document store is not available")
		return
	}

	resourceType, err := fhir.ParseResourceType(vars["type"])
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	resource, err := s.deps.Store.Read(r.Context(), resourceType, vars["id"])
	if err != nil {
		writeErrorMessage(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resource)
}
