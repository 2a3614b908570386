package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FHIR_SOURCE_URL", "http://ehr.local/fhir")
	t.Setenv("FHIR_SECONDARY_URL", "http://secondary.local/fhir")
	t.Setenv("AGENT_ID", "agent-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.FHIRPatientReadTarget != "secondary" {
		t.Errorf("expected default read target secondary, got %q", cfg.FHIRPatientReadTarget)
	}
	if cfg.FHIRTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %s", cfg.FHIRTimeout)
	}
	if cfg.FeedPollInterval != 2*time.Second {
		t.Errorf("expected 2s poll interval, got %s", cfg.FeedPollInterval)
	}
	if cfg.ReconnectDelay != 5*time.Second {
		t.Errorf("expected 5s reconnect delay, got %s", cfg.ReconnectDelay)
	}
	if cfg.APIPort != "8080" {
		t.Errorf("expected port 8080, got %q", cfg.APIPort)
	}
	if cfg.AgentID != "agent-1" {
		t.Errorf("expected agent-1, got %q", cfg.AgentID)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FHIR_SOURCE_URL", "http://ehr.local/fhir")
	t.Setenv("FHIR_SECONDARY_URL", "http://secondary.local/fhir")
	t.Setenv("FHIR_PATIENT_READ_TARGET", "source")
	t.Setenv("RECONNECT_DELAY", "250ms")
	t.Setenv("COUCHBASE_SCOPE", "agents")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.FHIRPatientReadTarget != "source" || cfg.ReconnectDelay != 250*time.Millisecond || cfg.CouchbaseScope != "agents" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("FHIR_TIMEOUT", "soon")

	if _, err := Load(); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			FHIRSourceURL:         "http://ehr",
			FHIRSecondaryURL:      "http://secondary",
			FHIRTimeout:           time.Second,
			FHIRPatientReadTarget: "secondary",
			FeedPollInterval:      time.Second,
			ReconnectDelay:        time.Second,
			SystemMetricsTick:     time.Second,
		}
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{name: "Valid", mutate: func(c *Config) {}},
		{name: "Missing source", mutate: func(c *Config) { c.FHIRSourceURL = "" }, expectError: true},
		{name: "Missing secondary", mutate: func(c *Config) { c.FHIRSecondaryURL = "" }, expectError: true},
		{name: "Store read target", mutate: func(c *Config) { c.FHIRPatientReadTarget = "store" }, expectError: true},
		{name: "Zero timeout", mutate: func(c *Config) { c.FHIRTimeout = 0 }, expectError: true},
		{name: "Negative reconnect delay", mutate: func(c *Config) { c.ReconnectDelay = -time.Second }, expectError: true},
		{name: "Zero poll interval", mutate: func(c *Config) { c.FeedPollInterval = 0 }, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.expectError && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
