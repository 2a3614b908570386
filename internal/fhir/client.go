package fhir

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Target selects where a write goes
type Target string

const (
	// TargetSource is the source-of-record EHR endpoint
	TargetSource Target = "source"
	// TargetSecondary is the secondary FHIR server
	TargetSecondary Target = "secondary"
	// TargetStore is the secondary document store
	TargetStore Target = "store"
)

// ParseTarget converts a name into a Target
func ParseTarget(name string) (Target, error) {
	switch t := Target(name); t {
	case TargetSource, TargetSecondary, TargetStore:
		return t, nil
	default:
		return "", fmt.Errorf("unknown write target %q", name)
	}
}

// ClientConfig holds the endpoints the client talks to
type ClientConfig struct {
	SourceURL    string
	SecondaryURL string
	Timeout      time.Duration
	// PatientReadTarget picks the endpoint Read is served from: TargetSource or TargetSecondary.
	PatientReadTarget Target
}

// Client reads and searches clinical resources and routes writes to the
// source endpoint, the secondary endpoint or an attached document store.
type Client struct {
	source    *Endpoint
	secondary *Endpoint
	reader    *Endpoint
	writers   map[Target]*SyncWriter
}

// Option customises a Client
type Option func(*Client)

// WithStore attaches a document store as the TargetStore write target
func WithStore(store ResourceWriter) Option {
	return func(c *Client) {
		c.writers[TargetStore] = NewSyncWriter(TargetStore, store)
	}
}

// NewClient constructs the source and secondary transports. Call Initialize
// before use to verify the secondary endpoint is reachable.
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	if cfg.SourceURL == "" || cfg.SecondaryURL == "" {
		return nil, fmt.Errorf("%w: source and secondary endpoints are required", ErrInitialization)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	source := NewEndpoint(string(TargetSource), cfg.SourceURL, cfg.Timeout)
	secondary := NewEndpoint(string(TargetSecondary), cfg.SecondaryURL, cfg.Timeout)

	c := &Client{
		source:    source,
		secondary: secondary,
		writers: map[Target]*SyncWriter{
			TargetSource:    NewSyncWriter(TargetSource, source),
			TargetSecondary: NewSyncWriter(TargetSecondary, secondary),
		},
	}

	switch cfg.PatientReadTarget {
	case TargetSource:
		c.reader = source
	case TargetSecondary, "":
		c.reader = secondary
	default:
		return nil, fmt.Errorf("%w: patient read target must be source or secondary, got %q", ErrInitialization, cfg.PatientReadTarget)
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Initialize fetches the secondary endpoint's capability statement. Any
// failure is fatal: there is no retry and no degraded mode.
func (c *Client) Initialize(ctx context.Context) error {
	statement, err := c.secondary.Capabilities(ctx)
	if err != nil {
		log.Error().Err(err).
			Str("endpoint", c.secondary.BaseURL()).
			Msg("Error retrieving capability statement from the secondary FHIR server")
		return fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	fhirVersion, _ := statement["fhirVersion"].(string)
	log.Info().
		Str("source_url", c.source.BaseURL()).
		Str("secondary_url", c.secondary.BaseURL()).
		Str("patient_read_endpoint", c.reader.Name()).
		Str("fhir_version", fhirVersion).
		Msg("FHIR client initialized successfully")

	return nil
}

// Read fetches one resource by id from the patient read endpoint
func (c *Client) Read(ctx context.Context, t ResourceType, id string) (*Resource, error) {
	resource, err := c.reader.Read(ctx, t, id)
	if err != nil {
		log.Error().Err(err).
			Str("resource_type", string(t)).
			Str("id", id).
			Msg("Error reading resource")
		return nil, err
	}

	log.Debug().
		Str("resource_type", string(t)).
		Str("id", id).
		Msg("Successfully retrieved resource")
	return resource, nil
}

// Search fetches the patient's resources of type t from the source endpoint
func (c *Client) Search(ctx context.Context, t ResourceType, patientID string) (*Bundle, error) {
	bundle, err := c.source.Search(ctx, t, patientID)
	if err != nil {
		log.Error().Err(err).
			Str("resource_type", string(t)).
			Str("patient_id", patientID).
			Msg("Error searching resources")
		return nil, err
	}
	return bundle, nil
}

// Write routes r to the target's create or update path
func (c *Client) Write(ctx context.Context, target Target, r *Resource) (string, error) {
	writer, ok := c.writers[target]
	if !ok {
		return "", fmt.Errorf("write target %q is not configured", target)
	}
	return writer.Write(ctx, r)
}

// Targets lists the configured write targets
func (c *Client) Targets() []Target {
	targets := make([]Target, 0, len(c.writers))
	for _, t := range []Target{TargetSource, TargetSecondary, TargetStore} {
		if _, ok := c.writers[t]; ok {
			targets = append(targets, t)
		}
	}
	return targets
}
