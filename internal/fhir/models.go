package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BundleTypeSearchset is the bundle type returned by a search interaction.
const BundleTypeSearchset = "searchset"

// Bundle represents a FHIR bundle response
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        int           `json:"total"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry represents an entry in a FHIR bundle
type BundleEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource *Resource              `json:"resource,omitempty"`
	Search   map[string]interface{} `json:"search,omitempty"`
}

// Resource is a clinical resource with its type and identifier lifted out of
// the otherwise opaque payload. A blank ID means the resource has not been
// persisted yet.
type Resource struct {
	Type    ResourceType
	ID      string
	Payload map[string]interface{}
}

// NewResource builds a resource of type t with the given payload.
func NewResource(t ResourceType, id string, payload map[string]interface{}) *Resource {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return &Resource{Type: t, ID: id, Payload: payload}
}

// Persisted reports whether the resource carries a server identifier.
func (r *Resource) Persisted() bool {
	return strings.TrimSpace(r.ID) != ""
}

// MarshalJSON writes the payload with resourceType and id set from the struct.
func (r Resource) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(r.Payload)+2)
	for k, v := range r.Payload {
		data[k] = v
	}
	data["resourceType"] = string(r.Type)
	if r.Persisted() {
		data["id"] = r.ID
	} else {
		delete(data, "id")
	}
	return json.Marshal(data)
}

// UnmarshalJSON reads any resource object and extracts resourceType and id.
func (r *Resource) UnmarshalJSON(b []byte) error {
	var data map[string]interface{}
	if err := json.Unmarshal(b, &data); err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("resource is null")
	}

	rt, _ := data["resourceType"].(string)
	if rt == "" {
		return fmt.Errorf("resource has no resourceType")
	}
	id, _ := data["id"].(string)

	r.Type = ResourceType(rt)
	r.ID = id
	r.Payload = data
	return nil
}

// AggregatedContext is a patient's clinical context assembled from one read
// and one search per context resource type.
type AggregatedContext struct {
	Patient   Resource                      `json:"patient"`
	Resources map[ResourceType][]Resource `json:"resources"`
}

// Of returns the resources of type t. Missing keys yield an empty slice.
func (ac *AggregatedContext) Of(t ResourceType) []Resource {
	if resources, ok := ac.Resources[t]; ok {
		return resources
	}
	return []Resource{}
}

// Count returns the number of non-patient resources in the context.
func (ac *AggregatedContext) Count() int {
	total := 0
	for _, resources := range ac.Resources {
		total += len(resources)
	}
	return total
}
