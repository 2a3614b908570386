package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"stealthcompany.com/clinicalsync/internal/couchbase"
	"stealthcompany.com/clinicalsync/internal/fhir"
	"stealthcompany.com/clinicalsync/internal/realtime"
)

type reportedStatus struct {
	agentID string
	status  string
	at      time.Time
}

type fakeReporter struct {
	reports []reportedStatus
	err     error
}

func (f *fakeReporter) ReportStatus(ctx context.Context, agentID, machineName, status string, at time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.reports = append(f.reports, reportedStatus{agentID: agentID, status: status, at: at})
	return nil
}

type fakeAggregator struct {
	err   error
	calls []string
}

func (f *fakeAggregator) Aggregate(ctx context.Context, patientID string) (*fhir.AggregatedContext, error) {
	f.calls = append(f.calls, patientID)
	if f.err != nil {
		return nil, f.err
	}
	return &fhir.AggregatedContext{
		Patient:   *fhir.NewResource(fhir.ResourcePatient, patientID, nil),
		Resources: map[fhir.ResourceType][]fhir.Resource{},
	}, nil
}

func TestMonitorStartReportsConnected(t *testing.T) {
	reporter := &fakeReporter{}
	m := NewMonitor("agent-1", "ward-pc", &fakeAggregator{}, reporter)

	before := time.Now()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(reporter.reports) != 1 {
		t.Fatalf("expected one status report, got %d", len(reporter.reports))
	}
	r := reporter.reports[0]
	if r.agentID != "agent-1" || r.status != StatusConnected || r.at.Before(before) {
		t.Errorf("unexpected report: %+v", r)
	}

	reporter.err = errors.New("store unavailable")
	if err := m.Start(context.Background()); err == nil {
		t.Error("expected reporting failure to surface")
	}
}

func TestMonitorPatientContextChange(t *testing.T) {
	aggregator := &fakeAggregator{}
	m := NewMonitor("agent-1", "ward-pc", aggregator, &fakeReporter{})

	var published []*fhir.AggregatedContext
	m.Contexts().Subscribe(func(ac *fhir.AggregatedContext) { published = append(published, ac) })

	result, err := m.HandlePatientContextChange(context.Background(), " P1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Patient.ID != "P1" {
		t.Errorf("expected patient P1, got %s", result.Patient.ID)
	}
	if len(published) != 1 || m.CurrentPatient() != "P1" {
		t.Errorf("expected one publication and current patient P1, got %d and %q", len(published), m.CurrentPatient())
	}

	aggregator.err = fhir.ErrNotFound
	if _, err := m.HandlePatientContextChange(context.Background(), "P2"); !errors.Is(err, fhir.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if len(published) != 1 {
		t.Error("a failed aggregation must not be published")
	}
	if m.CurrentPatient() != "P1" {
		t.Errorf("current patient must not change on failure, got %q", m.CurrentPatient())
	}
}

func TestMonitorTracksConfiguration(t *testing.T) {
	m := NewMonitor("agent-1", "ward-pc", &fakeAggregator{}, &fakeReporter{})

	m.HandleSnapshot(realtime.CollectionSnapshot{
		Collection: couchbase.AgentsCollection,
		Documents:  []couchbase.Document{{ID: "agent-1", Content: json.RawMessage(`{}`)}},
	})
	if m.Configuration() != nil {
		t.Fatal("non-configuration snapshots must be ignored")
	}

	m.HandleSnapshot(realtime.CollectionSnapshot{
		Collection: couchbase.ConfigurationsCollection,
		Documents: []couchbase.Document{{
			ID:      "agent-1",
			Content: json.RawMessage(`{"fhirServerUrl":"http://ehr","pollingIntervalMinutes":10,"monitoredResourceTypes":["Condition"]}`),
		}},
	})

	cfg := m.Configuration()
	if cfg == nil || cfg.AgentID != "agent-1" || cfg.PollingIntervalMinutes != 10 {
		t.Fatalf("unexpected configuration: %+v", cfg)
	}
	cfg.MonitoredResourceTypes[0] = "mutated"
	if m.Configuration().MonitoredResourceTypes[0] != "Condition" {
		t.Error("Configuration must return a copy")
	}

	m.HandleSnapshot(realtime.CollectionSnapshot{Collection: couchbase.ConfigurationsCollection})
	if m.Configuration() != nil {
		t.Error("an empty snapshot means the configuration was removed")
	}
}

func TestMonitorStopClosesContexts(t *testing.T) {
	reporter := &fakeReporter{}
	m := NewMonitor("agent-1", "ward-pc", &fakeAggregator{}, reporter)

	delivered := 0
	m.Contexts().Subscribe(func(*fhir.AggregatedContext) { delivered++ })

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.HandlePatientContextChange(context.Background(), "P1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if delivered != 0 {
		t.Errorf("expected no delivery after stop, got %d", delivered)
	}
	if last := reporter.reports[len(reporter.reports)-1]; last.status != StatusDisconnected {
		t.Errorf("expected Disconnected report, got %s", last.status)
	}
}
