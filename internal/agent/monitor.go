// Package agent reports agent status and turns patient-context changes into
// aggregated clinical context.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/couchbase"
	"stealthcompany.com/clinicalsync/internal/events"
	"stealthcompany.com/clinicalsync/internal/fhir"
	"stealthcompany.com/clinicalsync/internal/realtime"
)

// Agent status values
const (
	StatusConnected    = "Connected"
	StatusDisconnected = "Disconnected"
)

// StatusReporter records the agent's status
type StatusReporter interface {
	ReportStatus(ctx context.Context, agentID, machineName, status string, at time.Time) error
}

// ContextAggregator assembles a patient's clinical context
type ContextAggregator interface {
	Aggregate(ctx context.Context, patientID string) (*fhir.AggregatedContext, error)
}

// Monitor tracks the current patient and the agent's configuration
type Monitor struct {
	agentID     string
	machineName string
	aggregator  ContextAggregator
	reporter    StatusReporter

	mu             sync.RWMutex
	currentPatient string
	config         *couchbase.AgentConfiguration

	contexts *events.Topic[*fhir.AggregatedContext]
}

// NewMonitor creates a monitor for one agent
func NewMonitor(agentID, machineName string, aggregator ContextAggregator, reporter StatusReporter) *Monitor {
	return &Monitor{
		agentID:     agentID,
		machineName: machineName,
		aggregator:  aggregator,
		reporter:    reporter,
		contexts:    events.NewTopic[*fhir.AggregatedContext]("aggregation"),
	}
}

// Contexts publishes every successfully aggregated context
func (m *Monitor) Contexts() *events.Topic[*fhir.AggregatedContext] {
	return m.contexts
}

// Start reports the agent as connected
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.reporter.ReportStatus(ctx, m.agentID, m.machineName, StatusConnected, time.Now()); err != nil {
		return fmt.Errorf("failed to report agent status: %w", err)
	}
	log.Info().Str("agent_id", m.agentID).Msg("Agent monitor started")
	return nil
}

// Stop reports the agent as disconnected and closes the context topic
func (m *Monitor) Stop(ctx context.Context) error {
	defer m.contexts.Close()
	if err := m.reporter.ReportStatus(ctx, m.agentID, m.machineName, StatusDisconnected, time.Now()); err != nil {
		return fmt.Errorf("failed to report agent status: %w", err)
	}
	return nil
}

// HandlePatientContextChange aggregates the new patient's context and
// publishes it. Failures are returned and nothing is published.
func (m *Monitor) HandlePatientContextChange(ctx context.Context, patientID string) (*fhir.AggregatedContext, error) {
	patientID = strings.TrimSpace(patientID)

	aggregated, err := m.aggregator.Aggregate(ctx, patientID)
	if err != nil {
		log.Error().Err(err).
			Str("agent_id", m.agentID).
			Str("patient_id", patientID).
			Msg("Failed to handle patient context change")
		return nil, err
	}

	m.mu.Lock()
	m.currentPatient = patientID
	m.mu.Unlock()

	m.contexts.Publish(aggregated)
	return aggregated, nil
}

// CurrentPatient returns the patient of the last successful context change
func (m *Monitor) CurrentPatient() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentPatient
}

// HandleSnapshot tracks configuration snapshots; other collections are ignored
func (m *Monitor) HandleSnapshot(snapshot realtime.CollectionSnapshot) {
	if snapshot.Collection != couchbase.ConfigurationsCollection {
		return
	}

	cfg, err := couchbase.DecodeConfiguration(snapshot.Documents)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", m.agentID).Msg("Ignoring undecodable configuration")
		return
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	if cfg == nil {
		log.Info().Str("agent_id", m.agentID).Msg("Agent configuration removed")
		return
	}
	log.Info().
		Str("agent_id", m.agentID).
		Int("polling_interval_minutes", cfg.PollingIntervalMinutes).
		Msg("Agent configuration updated")
}

// Configuration returns a copy of the latest configuration, or nil
func (m *Monitor) Configuration() *couchbase.AgentConfiguration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return nil
	}
	cfg := *m.config
	cfg.MonitoredResourceTypes = append([]string(nil), m.config.MonitoredResourceTypes...)
	return &cfg
}
