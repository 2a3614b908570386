package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"stealthcompany.com/clinicalsync/internal/couchbase"
	"stealthcompany.com/clinicalsync/internal/fhir"
)

type fakeAgent struct {
	patient string
	config  *couchbase.AgentConfiguration
}

func (f fakeAgent) CurrentPatient() string                       { return f.patient }
func (f fakeAgent) Configuration() *couchbase.AgentConfiguration { return f.config }

type fakeOperational struct {
	agents  []couchbase.Agent
	logs    []couchbase.LogEntry
	configs map[string]*couchbase.AgentConfiguration
	err     error
	updated []couchbase.AgentConfiguration
}

func (f *fakeOperational) ListAgents(ctx context.Context) ([]couchbase.Agent, error) {
	return f.agents, f.err
}

func (f *fakeOperational) ListLogs(ctx context.Context) ([]couchbase.LogEntry, error) {
	return f.logs, f.err
}

func (f *fakeOperational) GetAgentConfiguration(ctx context.Context, agentID string) (*couchbase.AgentConfiguration, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.configs[agentID], nil
}

func (f *fakeOperational) UpdateAgentConfiguration(ctx context.Context, cfg couchbase.AgentConfiguration) error {
	if f.err != nil {
		return f.err
	}
	f.updated = append(f.updated, cfg)
	return nil
}

type fakeStore struct {
	resources map[string]*fhir.Resource
}

func (f *fakeStore) Read(ctx context.Context, t fhir.ResourceType, id string) (*fhir.Resource, error) {
	if r, ok := f.resources[string(t)+"/"+id]; ok {
		return r, nil
	}
	return nil, &fhir.RequestError{Op: "read", Endpoint: "store", ResourceType: t, ID: id, Err: fmt.Errorf("%w: %w", fhir.ErrNotFound, couchbase.ErrDocumentNotFound)}
}

func TestAgentsHandler(t *testing.T) {
	tests := []struct {
		name           string
		store          *fakeOperational
		expectedStatus int
		expectedCount  int
	}{
		{
			name:           "Lists agents",
			store:          &fakeOperational{agents: []couchbase.Agent{{ID: "agent-1"}, {ID: "agent-2"}}},
			expectedStatus: http.StatusOK,
			expectedCount:  2,
		},
		{
			name:           "No agents is an empty list",
			store:          &fakeOperational{},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Store failure",
			store:          &fakeOperational{err: errors.New("cluster unreachable")},
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(NewServer(Dependencies{Operational: tt.store}), "GET", "/agents", "")
			if rr.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.expectedStatus, rr.Code, rr.Body.String())
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var agents []couchbase.Agent
			if err := json.Unmarshal(rr.Body.Bytes(), &agents); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if agents == nil || len(agents) != tt.expectedCount {
				t.Errorf("Expected %d agents as a JSON array, got %s", tt.expectedCount, rr.Body.String())
			}
		})
	}
}

func TestLogsHandler(t *testing.T) {
	store := &fakeOperational{logs: []couchbase.LogEntry{
		{ID: "l2", Message: "Subscriptions connected"},
		{ID: "l1", Message: "Subscriptions disconnected, reconnecting"},
	}}

	rr := serve(NewServer(Dependencies{Operational: store}), "GET", "/logs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var logs []couchbase.LogEntry
	if err := json.Unmarshal(rr.Body.Bytes(), &logs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(logs) != 2 || logs[0].ID != "l2" {
		t.Errorf("Expected logs in store order, got %+v", logs)
	}
}

func TestOperationalRoutesWithoutStore(t *testing.T) {
	s := NewServer(Dependencies{})
	for _, path := range []string{"/agents", "/logs", "/agents/agent-1/configuration", "/resources/store/Patient/P1"} {
		if rr := serve(s, "GET", path, ""); rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected status 503, got %d", path, rr.Code)
		}
	}
}

func TestGetConfigurationHandler(t *testing.T) {
	store := &fakeOperational{configs: map[string]*couchbase.AgentConfiguration{
		"agent-1": {AgentID: "agent-1", FHIRServerURL: "http://fhir.local", PollingIntervalMinutes: 5},
	}}
	s := NewServer(Dependencies{Operational: store})

	rr := serve(s, "GET", "/agents/agent-1/configuration", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var cfg couchbase.AgentConfiguration
	if err := json.Unmarshal(rr.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if cfg.FHIRServerURL != "http://fhir.local" {
		t.Errorf("Unexpected configuration %+v", cfg)
	}

	if rr := serve(s, "GET", "/agents/agent-2/configuration", ""); rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unsaved configuration, got %d", rr.Code)
	}
}

func TestUpdateConfigurationHandler(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedSaved  bool
	}{
		{
			name:           "Path id fills empty agentId",
			body:           `{"fhirServerUrl":"http://fhir.local","pollingIntervalMinutes":10}`,
			expectedStatus: http.StatusOK,
			expectedSaved:  true,
		},
		{
			name:           "Matching agentId",
			body:           `{"agentId":"agent-1","fhirServerUrl":"http://fhir.local","pollingIntervalMinutes":1}`,
			expectedStatus: http.StatusOK,
			expectedSaved:  true,
		},
		{
			name:           "Mismatched agentId",
			body:           `{"agentId":"agent-2","fhirServerUrl":"http://fhir.local","pollingIntervalMinutes":10}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Polling interval out of range",
			body:           `{"fhirServerUrl":"http://fhir.local","pollingIntervalMinutes":61}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Missing server URL",
			body:           `{"pollingIntervalMinutes":10}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Malformed body",
			body:           `{"agentId":`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeOperational{}
			rr := serve(NewServer(Dependencies{Operational: store}), "PUT", "/agents/agent-1/configuration", tt.body)

			if rr.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.expectedStatus, rr.Code, rr.Body.String())
			}
			if saved := len(store.updated) == 1; saved != tt.expectedSaved {
				t.Fatalf("Expected saved=%v, got %d updates", tt.expectedSaved, len(store.updated))
			}
			if tt.expectedSaved && store.updated[0].AgentID != "agent-1" {
				t.Errorf("Expected agent-1 to be saved, got %q", store.updated[0].AgentID)
			}
		})
	}
}

func TestStoredResourceHandler(t *testing.T) {
	store := &fakeStore{resources: map[string]*fhir.Resource{
		"Observation/o1": fhir.NewResource(fhir.ResourceObservation, "o1", nil),
	}}
	s := NewServer(Dependencies{Store: store})

	tests := []struct {
		name           string
		path           string
		expectedStatus int
	}{
		{name: "Stored resource", path: "/resources/store/Observation/o1", expectedStatus: http.StatusOK},
		{name: "Missing resource", path: "/resources/store/Observation/o2", expectedStatus: http.StatusNotFound},
		{name: "Unknown type", path: "/resources/store/Encounter/e1", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(s, "GET", tt.path, "")
			if rr.Code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d: %s", tt.expectedStatus, rr.Code, rr.Body.String())
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var resource fhir.Resource
			if err := json.Unmarshal(rr.Body.Bytes(), &resource); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resource.Type != fhir.ResourceObservation || resource.ID != "o1" {
				t.Errorf("Expected Observation/o1, got %s/%s", resource.Type, resource.ID)
			}
		})
	}
}
