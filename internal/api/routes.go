package api

import (
	"context"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"stealthcompany.com/clinicalsync/internal/couchbase"
	"stealthcompany.com/clinicalsync/internal/fhir"
	"stealthcompany.com/clinicalsync/internal/metrics"
	"stealthcompany.com/clinicalsync/internal/realtime"
)

// PatientContextHandler builds a patient's aggregated context
type PatientContextHandler interface {
	HandlePatientContextChange(ctx context.Context, patientID string) (*fhir.AggregatedContext, error)
}

// ResourceWriter writes a resource to a target
type ResourceWriter interface {
	Write(ctx context.Context, target fhir.Target, r *fhir.Resource) (string, error)
	Targets() []fhir.Target
}

// ConnectionStatus reports the subscription connection state
type ConnectionStatus interface {
	Connected() bool
	Reconnecting() bool
}

// CollectionView exposes the watched collections
type CollectionView interface {
	States() map[string]realtime.State
	Snapshot(name string) (realtime.CollectionSnapshot, bool)
}

// OperationalStore reads and updates the agent documents
type OperationalStore interface {
	ListAgents(ctx context.Context) ([]couchbase.Agent, error)
	ListLogs(ctx context.Context) ([]couchbase.LogEntry, error)
	GetAgentConfiguration(ctx context.Context, agentID string) (*couchbase.AgentConfiguration, error)
	UpdateAgentConfiguration(ctx context.Context, cfg couchbase.AgentConfiguration) error
}

// StoreReader reads resources persisted to the document store
type StoreReader interface {
	Read(ctx context.Context, t fhir.ResourceType, id string) (*fhir.Resource, error)
}

// AgentView reports what the local agent is working on
type AgentView interface {
	CurrentPatient() string
	Configuration() *couchbase.AgentConfiguration
}

// Dependencies are the components served over HTTP. Nil components make
// their routes answer 503.
type Dependencies struct {
	Contexts    PatientContextHandler
	Writer      ResourceWriter
	Connection  ConnectionStatus
	Collections CollectionView
	Operational OperationalStore
	Store       StoreReader
	Agent       AgentView
	Hub         *Hub
	AgentID     string
}

// Server holds the HTTP handlers
type Server struct {
	deps      Dependencies
	startedAt time.Time
}

// NewServer creates a server over deps
func NewServer(deps Dependencies) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	return &Server{deps: deps, startedAt: time.Now().UTC()}
}

// SetupRoutes configures and returns the HTTP router
func (s *Server) SetupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(metrics.MetricsMiddleware)

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/status", s.StatusHandler).Methods("GET")
	r.HandleFunc("/patients/{id}/context", s.PatientContextHandler).Methods("GET")
	r.HandleFunc("/resources/store/{type}/{id}", s.StoredResourceHandler).Methods("GET")
	r.HandleFunc("/resources/{target}", s.WriteResourceHandler).Methods("POST")
	r.HandleFunc("/collections/{name}", s.CollectionHandler).Methods("GET")
	r.HandleFunc("/agents", s.AgentsHandler).Methods("GET")
	r.HandleFunc("/agents/{id}/configuration", s.GetConfigurationHandler).Methods("GET")
	r.HandleFunc("/agents/{id}/configuration", s.UpdateConfigurationHandler).Methods("PUT")
	r.HandleFunc("/logs", s.LogsHandler).Methods("GET")
	r.HandleFunc("/events", s.deps.Hub.ServeWS).Methods("GET")

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")

	return r
}
