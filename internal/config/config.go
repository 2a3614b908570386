package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds every setting read from the environment
type Config struct {
	FHIRSourceURL         string        `env:"FHIR_SOURCE_URL"`
	FHIRSecondaryURL      string        `env:"FHIR_SECONDARY_URL"`
	FHIRTimeout           time.Duration `env:"FHIR_TIMEOUT" envDefault:"30s"`
	FHIRPatientReadTarget string        `env:"FHIR_PATIENT_READ_TARGET" envDefault:"secondary"`

	CouchbaseURL      string `env:"COUCHBASE_URL" envDefault:"couchbase://localhost"`
	CouchbaseUsername string `env:"COUCHBASE_USERNAME"`
	CouchbasePassword string `env:"COUCHBASE_PASSWORD"`
	CouchbaseBucket   string `env:"COUCHBASE_BUCKET" envDefault:"clinicalsync"`
	CouchbaseScope    string `env:"COUCHBASE_SCOPE" envDefault:"_default"`

	AgentID           string        `env:"AGENT_ID"`
	FeedPollInterval  time.Duration `env:"FEED_POLL_INTERVAL" envDefault:"2s"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`
	APIPort           string        `env:"API_PORT" envDefault:"8080"`
	ElasticsearchURL  string        `env:"ELASTICSEARCH_URL"`
	LogIndex          string        `env:"LOG_INDEX" envDefault:"clinicalsync"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	SystemMetricsTick time.Duration `env:"SYSTEM_METRICS_INTERVAL" envDefault:"15s"`
}

// Load reads ../.env and .env when present, then parses the environment.
// Variables already set in the environment take precedence over the files.
func Load() (*Config, error) {
	for _, file := range []string{"../.env", ".env"} {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", file).Msg("Failed to load env file")
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.AgentID == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.AgentID = hostname
		}
	}

	return &cfg, nil
}

// Validate checks the settings every command needs
func (c *Config) Validate() error {
	if c.FHIRSourceURL == "" {
		return fmt.Errorf("FHIR_SOURCE_URL is required")
	}
	if c.FHIRSecondaryURL == "" {
		return fmt.Errorf("FHIR_SECONDARY_URL is required")
	}
	if c.FHIRPatientReadTarget != "source" && c.FHIRPatientReadTarget != "secondary" {
		return fmt.Errorf("FHIR_PATIENT_READ_TARGET must be source or secondary, got %q", c.FHIRPatientReadTarget)
	}
	if c.FHIRTimeout <= 0 {
		return fmt.Errorf("FHIR_TIMEOUT must be positive")
	}
	if c.FeedPollInterval <= 0 {
		return fmt.Errorf("FEED_POLL_INTERVAL must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}
	if c.SystemMetricsTick <= 0 {
		return fmt.Errorf("SYSTEM_METRICS_INTERVAL must be positive")
	}
	return nil
}

// ValidateStore checks the settings needed to reach Couchbase
func (c *Config) ValidateStore() error {
	if c.CouchbaseURL == "" || c.CouchbaseBucket == "" {
		return fmt.Errorf("COUCHBASE_URL and COUCHBASE_BUCKET are required")
	}
	if c.AgentID == "" {
		return fmt.Errorf("AGENT_ID is required")
	}
	return nil
}
