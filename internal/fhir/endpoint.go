package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/metrics"
)

const fhirContentType = "application/fhir+json"

// Endpoint is an HTTP transport bound to one FHIR server base URL.
type Endpoint struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewEndpoint creates a transport for the FHIR server at baseURL
func NewEndpoint(name, baseURL string, timeout time.Duration) *Endpoint {
	return &Endpoint{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the logical endpoint name used in logs and metrics
func (e *Endpoint) Name() string {
	return e.name
}

// BaseURL returns the server base URL
func (e *Endpoint) BaseURL() string {
	return e.baseURL
}

// Capabilities reads the server capability statement (GET /metadata)
func (e *Endpoint) Capabilities(ctx context.Context) (map[string]interface{}, error) {
	var statement map[string]interface{}
	status, _, err := e.do(ctx, http.MethodGet, "metadata", nil, nil, &statement)
	if err != nil {
		return nil, e.requestError("metadata", "", "", "", status, err)
	}

	if rt, _ := statement["resourceType"].(string); rt != "CapabilityStatement" {
		return nil, e.requestError("metadata", "", "", "", status,
			fmt.Errorf("%w: expected CapabilityStatement, got %q", ErrProtocol, rt))
	}

	return statement, nil
}

// Read fetches one resource by id (GET /{type}/{id})
func (e *Endpoint) Read(ctx context.Context, t ResourceType, id string) (*Resource, error) {
	var resource Resource
	status, _, err := e.do(ctx, http.MethodGet, path.Join(string(t), url.PathEscape(id)), nil, nil, &resource)
	if err != nil {
		return nil, e.requestError("read", t, id, "", status, err)
	}

	if resource.Type != t {
		return nil, e.requestError("read", t, id, "", status,
			fmt.Errorf("%w: expected %s, got %s", ErrProtocol, t, resource.Type))
	}

	return &resource, nil
}

// Search fetches the resources of type t that reference the patient
// (GET /{type}?patient=Patient/{id})
func (e *Endpoint) Search(ctx context.Context, t ResourceType, patientID string) (*Bundle, error) {
	query := url.Values{}
	query.Set("patient", "Patient/"+patientID)

	var bundle Bundle
	status, _, err := e.do(ctx, http.MethodGet, string(t), query, nil, &bundle)
	if err != nil {
		return nil, e.requestError("search", t, "", patientID, status, err)
	}

	if bundle.ResourceType != "Bundle" || bundle.Type != BundleTypeSearchset {
		return nil, e.requestError("search", t, "", patientID, status,
			fmt.Errorf("%w: expected searchset Bundle, got %s/%s", ErrProtocol, bundle.ResourceType, bundle.Type))
	}

	return &bundle, nil
}

// Create posts a new resource (POST /{type}) and returns the server-assigned id
func (e *Endpoint) Create(ctx context.Context, r *Resource) (string, error) {
	var created Resource
	status, header, err := e.do(ctx, http.MethodPost, string(r.Type), nil, r, &created)
	if err != nil {
		return "", e.requestError("create", r.Type, "", "", status, err)
	}

	id := created.ID
	if id == "" {
		id = idFromLocation(header.Get("Location"), r.Type)
	}
	if id == "" {
		return "", e.requestError("create", r.Type, "", "", status,
			fmt.Errorf("%w: server did not return an id", ErrProtocol))
	}

	return id, nil
}

// Update replaces an existing resource (PUT /{type}/{id}); the id is preserved
func (e *Endpoint) Update(ctx context.Context, r *Resource) (string, error) {
	status, _, err := e.do(ctx, http.MethodPut, path.Join(string(r.Type), url.PathEscape(r.ID)), nil, r, nil)
	if err != nil {
		return "", e.requestError("update", r.Type, r.ID, "", status, err)
	}
	return r.ID, nil
}

// do issues one request and decodes a 2xx body into out. An already-cancelled
// context returns before any I/O.
func (e *Endpoint) do(ctx context.Context, method, relPath string, query url.Values, body interface{}, out interface{}) (int, http.Header, error) {
	operation := operationName(method, relPath, query)
	resourceType := strings.SplitN(relPath, "/", 2)[0]

	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	target := e.baseURL + "/" + relPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: failed to encode request body: %w", ErrProtocol, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to create request: %w", ErrTransport, err)
	}
	req.Header.Set("Accept", fhirContentType)
	if body != nil {
		req.Header.Set("Content-Type", fhirContentType)
	}

	fetchStart := time.Now()
	resp, err := e.httpClient.Do(req)
	fetchDuration := time.Since(fetchStart)

	if err != nil {
		metrics.RecordFHIRRequest(e.name, resourceType, operation, "transport_error", fetchDuration)
		return 0, nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		class := classifyStatus(resp.StatusCode)
		metrics.RecordFHIRRequest(e.name, resourceType, operation, statusLabel(class), fetchDuration)
		return resp.StatusCode, resp.Header, fmt.Errorf("%w: %s %s returned status %d", class, method, relPath, resp.StatusCode)
	}

	if out != nil {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			metrics.RecordFHIRRequest(e.name, resourceType, operation, "transport_error", fetchDuration)
			return resp.StatusCode, resp.Header, fmt.Errorf("%w: failed to read response body: %w", ErrTransport, err)
		}
		// A create may legitimately answer 201 with no body; the id then comes from Location.
		if len(bytes.TrimSpace(raw)) > 0 || method == http.MethodGet {
			if err := json.Unmarshal(raw, out); err != nil {
				metrics.RecordFHIRRequest(e.name, resourceType, operation, "protocol_error", fetchDuration)
				return resp.StatusCode, resp.Header, fmt.Errorf("%w: failed to decode response: %w", ErrProtocol, err)
			}
		}
	}

	metrics.RecordFHIRRequest(e.name, resourceType, operation, "success", fetchDuration)
	return resp.StatusCode, resp.Header, nil
}

func (e *Endpoint) requestError(op string, t ResourceType, id, patientID string, status int, err error) error {
	return &RequestError{
		Op:           op,
		Endpoint:     e.name,
		ResourceType: t,
		ID:           id,
		PatientID:    patientID,
		StatusCode:   status,
		Err:          err,
	}
}

func operationName(method, relPath string, query url.Values) string {
	switch {
	case relPath == "metadata":
		return "metadata"
	case method == http.MethodPost:
		return "create"
	case method == http.MethodPut:
		return "update"
	case len(query) > 0:
		return "search"
	default:
		return "read"
	}
}

func statusLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	default:
		return "protocol_error"
	}
}

// idFromLocation extracts the id from a Location header such as
// "http://host/fhir/Observation/123/_history/1".
func idFromLocation(location string, t ResourceType) string {
	if location == "" {
		return ""
	}
	if u, err := url.Parse(location); err == nil {
		location = u.Path
	}

	parts := strings.Split(strings.Trim(location, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == string(t) {
			return parts[i+1]
		}
	}
	return ""
}
