package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/couchbase"
	"stealthcompany.com/clinicalsync/internal/fhir"
	"stealthcompany.com/clinicalsync/internal/realtime"
)

const maxResourceBody = 1 << 20

// StatusResponse is the body of GET /status
type StatusResponse struct {
	AgentID        string                        `json:"agentId,omitempty"`
	CurrentPatient string                        `json:"currentPatient,omitempty"`
	Configuration  *couchbase.AgentConfiguration `json:"configuration,omitempty"`
	Connected      bool                          `json:"connected"`
	Reconnecting   bool                          `json:"reconnecting"`
	Collections    map[string]realtime.State     `json:"collections"`
	StartedAt      time.Time                     `json:"startedAt"`
	WriteTargets   []fhir.Target                 `json:"writeTargets"`
	EventClients   int                           `json:"eventClients"`
}

// WriteResponse is the body of POST /resources/{target}
type WriteResponse struct {
	Target       fhir.Target       `json:"target"`
	ResourceType fhir.ResourceType `json:"resourceType"`
	ID           string            `json:"id"`
	Created      bool              `json:"created"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps a domain error to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, fhir.ErrNotFound), errors.Is(err, couchbase.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, fhir.ErrTransport), errors.Is(err, fhir.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, fhir.ErrInitialization):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HealthHandler reports liveness
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusHandler reports connection and collection state
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		AgentID:      s.deps.AgentID,
		Collections:  map[string]realtime.State{},
		StartedAt:    s.startedAt,
		WriteTargets: []fhir.Target{},
		EventClients: s.deps.Hub.ClientCount(),
	}
	if s.deps.Connection != nil {
		resp.Connected = s.deps.Connection.Connected()
		resp.Reconnecting = s.deps.Connection.Reconnecting()
	}
	if s.deps.Collections != nil {
		resp.Collections = s.deps.Collections.States()
	}
	if s.deps.Writer != nil {
		resp.WriteTargets = s.deps.Writer.Targets()
	}
	if s.deps.Agent != nil {
		resp.CurrentPatient = s.deps.Agent.CurrentPatient()
		resp.Configuration = s.deps.Agent.Configuration()
	}

	writeJSON(w, http.StatusOK, resp)
}

// PatientContextHandler aggregates and returns a patient's clinical context
func (s *Server) PatientContextHandler(w http.ResponseWriter, r *http.Request) {
	patientID := mux.Vars(r)["id"]

	if s.deps.Contexts == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "context aggregation is not available")
		return
	}

	log.Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("patient_id", patientID).
		Msg("Patient context requested")

	aggregated, err := s.deps.Contexts.HandlePatientContextChange(r.Context(), patientID)
	if err != nil {
		writeErrorMessage(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, aggregated)
}

// WriteResourceHandler creates or updates the posted resource on a target
func (s *Server) WriteResourceHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Writer == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "writes are not available")
		return
	}

	target, err := fhir.ParseTarget(mux.Vars(r)["target"])
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.hasTarget(target) {
		writeErrorMessage(w, http.StatusBadRequest, "write target "+string(target)+" is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxResourceBody))
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var resource fhir.Resource
	if err := json.Unmarshal(body, &resource); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid resource: "+err.Error())
		return
	}
	if !resource.Type.Valid() {
		writeErrorMessage(w, http.StatusBadRequest, "unsupported resource type "+string(resource.Type))
		return
	}

	created := !resource.Persisted()
	id, err := s.deps.Writer.Write(r.Context(), target, &resource)
	if err != nil {
		writeErrorMessage(w, statusFor(err), err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, WriteResponse{
		Target:       target,
		ResourceType: resource.Type,
		ID:           id,
		Created:      created,
	})
}

func (s *Server) hasTarget(target fhir.Target) bool {
	for _, t := range s.deps.Writer.Targets() {
		if t == target {
			return true
		}
	}
	return false
}

// CollectionHandler returns the cached snapshot of a watched collection
func (s *Server) CollectionHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if s.deps.Collections == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "collections are not being watched")
		return
	}

	if _, watched := s.deps.Collections.States()[name]; !watched {
		writeErrorMessage(w, http.StatusNotFound, "collection "+name+" is not watched")
		return
	}

	snapshot, ok := s.deps.Collections.Snapshot(name)
	if !ok {
		writeErrorMessage(w, http.StatusServiceUnavailable, "collection "+name+" has not been received yet")
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}
