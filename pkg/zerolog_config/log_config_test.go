package zerolog_config

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{input: "debug", expected: zerolog.DebugLevel},
		{input: " WARN ", expected: zerolog.WarnLevel},
		{input: "error", expected: zerolog.ErrorLevel},
		{input: "", expected: zerolog.InfoLevel},
		{input: "verbose", expected: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestStartupRequiresIndex(t *testing.T) {
	if err := StartupWithEnv("", "", "info"); err == nil {
		t.Error("expected error for empty index")
	}
}

func TestNewLoggerShipsToElasticsearch(t *testing.T) {
	var mu sync.Mutex
	var paths, bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	var console bytes.Buffer
	logger := newLogger(&console, srv.URL+"/", "clinicalsync")
	logger.Info().Str("patient_id", "P1").Msg("Patient context requested")

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "/clinicalsync/_doc" {
		t.Fatalf("expected one document posted to /clinicalsync/_doc, got %v", paths)
	}
	if !strings.Contains(bodies[0], "patient_id") || !strings.Contains(bodies[0], "Patient context requested") {
		t.Errorf("expected field in ECS document, got %s", bodies[0])
	}
	if !strings.Contains(console.String(), "Patient context requested") {
		t.Errorf("expected console output, got %q", console.String())
	}
}

func TestElasticsearchWriterRejectedDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := (ElasticsearchWriter{URL: srv.URL + "/logs"}).Write([]byte(`{}`)); err == nil {
		t.Error("expected error for rejected document")
	}
}
