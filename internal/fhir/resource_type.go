package fhir

import "fmt"

// ResourceType is one of the clinical resource kinds the agent understands.
type ResourceType string

const (
	ResourcePatient             ResourceType = "Patient"
	ResourceAllergyIntolerance  ResourceType = "AllergyIntolerance"
	ResourceCondition           ResourceType = "Condition"
	ResourceMedicationStatement ResourceType = "MedicationStatement"
	ResourceObservation         ResourceType = "Observation"
	ResourceImmunization        ResourceType = "Immunization"
	ResourceProcedure           ResourceType = "Procedure"
	ResourceCarePlan            ResourceType = "CarePlan"
)

// ContextResourceTypes are searched per patient when building an aggregated context.
var ContextResourceTypes = []ResourceType{
	ResourceAllergyIntolerance,
	ResourceCondition,
	ResourceMedicationStatement,
	ResourceObservation,
	ResourceImmunization,
	ResourceProcedure,
	ResourceCarePlan,
}

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	if t == ResourcePatient {
		return true
	}
	for _, known := range ContextResourceTypes {
		if t == known {
			return true
		}
	}
	return false
}

func (t ResourceType) String() string {
	return string(t)
}

// ParseResourceType converts a wire name into a ResourceType.
func ParseResourceType(name string) (ResourceType, error) {
	t := ResourceType(name)
	if !t.Valid() {
		return "", fmt.Errorf("unknown resource type %q", name)
	}
	return t, nil
}

// Extract returns the bundle entries whose resource is of type t, in bundle order.
// Entries of any other type are dropped. The result is never nil.
func (t ResourceType) Extract(bundle *Bundle) []Resource {
	resources := make([]Resource, 0)
	if bundle == nil {
		return resources
	}

	for _, entry := range bundle.Entry {
		if entry.Resource == nil || entry.Resource.Type != t {
			continue
		}
		resources = append(resources, *entry.Resource)
	}

	return resources
}
