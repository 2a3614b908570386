package couchbase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Operational collections
const (
	AgentsCollection         = "agents"
	LogsCollection           = "logs"
	ConfigurationsCollection = "configurations"

	// RecentLogsLimit caps the watched log window
	RecentLogsLimit = 100
)

// Agent is an installed sync agent
type Agent struct {
	ID                 string    `json:"agentId"`
	MachineName        string    `json:"machineName"`
	Status             string    `json:"status"`
	LastSyncTime       time.Time `json:"lastSyncTime"`
	PatientMatchCount  int       `json:"patientMatchCount"`
	ExtractedDataCount int       `json:"extractedDataCount"`
}

// LogEntry is a log record emitted by an agent
type LogEntry struct {
	ID        string    `json:"logId"`
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
}

// AgentConfiguration is the per-agent settings document
type AgentConfiguration struct {
	AgentID                string   `json:"agentId"`
	FHIRServerURL          string   `json:"fhirServerUrl"`
	PollingIntervalMinutes int      `json:"pollingIntervalMinutes"`
	EnablePatientMatching  bool     `json:"enablePatientMatching"`
	EnableDataExtraction   bool     `json:"enableDataExtraction"`
	MonitoredResourceTypes []string `json:"monitoredResourceTypes"`
}

// Validate checks the fields an operator must supply
func (c *AgentConfiguration) Validate() error {
	if strings.TrimSpace(c.AgentID) == "" {
		return fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(c.FHIRServerURL) == "" {
		return fmt.Errorf("FHIR server URL is required")
	}
	if c.PollingIntervalMinutes < 1 || c.PollingIntervalMinutes > 60 {
		return fmt.Errorf("polling interval must be between 1 and 60 minutes, got %d", c.PollingIntervalMinutes)
	}
	return nil
}

// AgentsQuery watches every agent
func AgentsQuery() Query {
	return Query{Collection: AgentsCollection}
}

// LogsQuery watches the most recent logs, newest first
func LogsQuery() Query {
	return Query{
		Collection: LogsCollection,
		OrderBy:    "timestamp",
		Descending: true,
		Limit:      RecentLogsLimit,
	}
}

// ConfigurationQuery watches one agent's configuration document
func ConfigurationQuery(agentID string) Query {
	return Query{Collection: ConfigurationsCollection, DocumentID: agentID}
}

// DecodeAgents decodes an agents snapshot
func DecodeAgents(docs []Document) ([]Agent, error) {
	agents := make([]Agent, 0, len(docs))
	for _, d := range docs {
		var a Agent
		if err := d.Decode(&a); err != nil {
			return nil, err
		}
		if a.ID == "" {
			a.ID = d.ID
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// DecodeLogs decodes a logs snapshot
func DecodeLogs(docs []Document) ([]LogEntry, error) {
	logs := make([]LogEntry, 0, len(docs))
	for _, d := range docs {
		var l LogEntry
		if err := d.Decode(&l); err != nil {
			return nil, err
		}
		if l.ID == "" {
			l.ID = d.ID
		}
		logs = append(logs, l)
	}
	return logs, nil
}

// DecodeConfiguration decodes a configuration snapshot; an empty snapshot
// means the document does not exist and yields nil.
func DecodeConfiguration(docs []Document) (*AgentConfiguration, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	var cfg AgentConfiguration
	if err := docs[0].Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.AgentID == "" {
		cfg.AgentID = docs[0].ID
	}
	return &cfg, nil
}

// OperationalStore reads and writes agent status, logs and configuration
type OperationalStore struct {
	agents  *DocumentManager
	logs    *DocumentManager
	configs *DocumentManager
	fetch   fetchFunc
}

// NewOperationalStore creates an operational store on the connection
func NewOperationalStore(conn *Connection) *OperationalStore {
	return &OperationalStore{
		agents:  NewDocumentManager(conn, AgentsCollection),
		logs:    NewDocumentManager(conn, LogsCollection),
		configs: NewDocumentManager(conn, ConfigurationsCollection),
		fetch:   conn.Fetch,
	}
}

// ListAgents returns every agent
func (s *OperationalStore) ListAgents(ctx context.Context) ([]Agent, error) {
	docs, err := s.fetch(ctx, AgentsQuery())
	if err != nil {
		return nil, err
	}
	return DecodeAgents(docs)
}

// UpdateAgent stores an agent under its id
func (s *OperationalStore) UpdateAgent(ctx context.Context, agent Agent) error {
	if strings.TrimSpace(agent.ID) == "" {
		return fmt.Errorf("agent id is required")
	}
	return s.agents.UpsertDocument(ctx, agent.ID, agent)
}

// ReportStatus records an agent's status and timestamp, creating the agent
// document on first report.
func (s *OperationalStore) ReportStatus(ctx context.Context, agentID, machineName, status string, at time.Time) error {
	var agent Agent
	err := s.agents.GetDocument(ctx, agentID, &agent)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		agent = Agent{ID: agentID}
	case err != nil:
		return err
	}

	if agent.MachineName == "" {
		agent.MachineName = machineName
	}
	agent.ID = agentID
	agent.Status = status
	agent.LastSyncTime = at.UTC()

	if err := s.UpdateAgent(ctx, agent); err != nil {
		return err
	}

	log.Info().
		Str("agent_id", agentID).
		Str("status", status).
		Msg("Reported agent status")
	return nil
}

// ListLogs returns the most recent logs, newest first
func (s *OperationalStore) ListLogs(ctx context.Context) ([]LogEntry, error) {
	docs, err := s.fetch(ctx, LogsQuery())
	if err != nil {
		return nil, err
	}
	return DecodeLogs(docs)
}

// AppendLog inserts a log entry, assigning an id and timestamp when missing
func (s *OperationalStore) AppendLog(ctx context.Context, entry LogEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := s.logs.InsertDocument(ctx, entry.ID, entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// GetAgentConfiguration loads an agent's configuration. It returns nil
// without error when none has been saved.
func (s *OperationalStore) GetAgentConfiguration(ctx context.Context, agentID string) (*AgentConfiguration, error) {
	var cfg AgentConfiguration
	err := s.configs.GetDocument(ctx, agentID, &cfg)
	if errors.Is(err, ErrDocumentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateAgentConfiguration validates and stores a configuration
func (s *OperationalStore) UpdateAgentConfiguration(ctx context.Context, cfg AgentConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return s.configs.UpsertDocument(ctx, cfg.AgentID, cfg)
}
