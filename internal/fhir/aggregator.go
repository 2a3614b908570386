package fhir

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/metrics"
)

// ContextSource is what the aggregator needs from a clinical endpoint
type ContextSource interface {
	Read(ctx context.Context, t ResourceType, id string) (*Resource, error)
	Search(ctx context.Context, t ResourceType, patientID string) (*Bundle, error)
}

// Aggregator assembles a patient's clinical context from one patient read and
// one search per configured resource type, all issued concurrently.
type Aggregator struct {
	source ContextSource
	types  []ResourceType
}

// NewAggregator creates an aggregator over types, or ContextResourceTypes when none are given.
// Patient is never searched; it is always read.
func NewAggregator(source ContextSource, types ...ResourceType) *Aggregator {
	if len(types) == 0 {
		types = ContextResourceTypes
	}

	filtered := make([]ResourceType, 0, len(types))
	for _, t := range types {
		if t == ResourcePatient {
			continue
		}
		filtered = append(filtered, t)
	}

	return &Aggregator{
		source: source,
		types:  filtered,
	}
}

// Types returns the searched resource types
func (a *Aggregator) Types() []ResourceType {
	return append([]ResourceType(nil), a.types...)
}

// fetchResult is one finished sub-request
type fetchResult struct {
	index   int
	patient *Resource
	bundle  *Bundle
	err     error
}

// Aggregate reads the patient and searches every configured type in parallel.
// It fails with the first sub-request error and never returns a partial context.
func (a *Aggregator) Aggregate(ctx context.Context, patientID string) (*AggregatedContext, error) {
	start := time.Now()

	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("patient id is required")
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordAggregation("cancelled", time.Since(start))
		return nil, fmt.Errorf("aggregate patient %s: %w", patientID, err)
	}

	// Cancelled on return so in-flight members stop once one fails.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so members that finish after an early failure never block.
	results := make(chan fetchResult, len(a.types)+1)

	go func() {
		patient, err := a.source.Read(ctx, ResourcePatient, patientID)
		results <- fetchResult{index: -1, patient: patient, err: err}
	}()

	for i, t := range a.types {
		go func(i int, t ResourceType) {
			bundle, err := a.source.Search(ctx, t, patientID)
			results <- fetchResult{index: i, bundle: bundle, err: err}
		}(i, t)
	}

	var patient *Resource
	bundles := make([]*Bundle, len(a.types))

	for received := 0; received < len(a.types)+1; received++ {
		var res fetchResult
		select {
		case res = <-results:
		case <-ctx.Done():
			metrics.RecordAggregation("cancelled", time.Since(start))
			return nil, fmt.Errorf("aggregate patient %s: %w", patientID, ctx.Err())
		}

		if res.err != nil {
			resourceType := ResourcePatient
			if res.index >= 0 {
				resourceType = a.types[res.index]
			}
			log.Error().Err(res.err).
				Str("patient_id", patientID).
				Str("resource_type", string(resourceType)).
				Msg("Context aggregation failed")
			metrics.RecordAggregation("failed", time.Since(start))
			return nil, fmt.Errorf("aggregate patient %s: %s: %w", patientID, resourceType, res.err)
		}

		if res.index < 0 {
			patient = res.patient
		} else {
			bundles[res.index] = res.bundle
		}
	}

	if patient == nil {
		metrics.RecordAggregation("failed", time.Since(start))
		return nil, fmt.Errorf("aggregate patient %s: %w: empty patient read", patientID, ErrProtocol)
	}
	if patient.ID != patientID {
		metrics.RecordAggregation("failed", time.Since(start))
		return nil, fmt.Errorf("aggregate patient %s: %w: read returned patient %q", patientID, ErrProtocol, patient.ID)
	}

	aggregated := &AggregatedContext{
		Patient:   *patient,
		Resources: make(map[ResourceType][]Resource, len(a.types)),
	}
	for i, t := range a.types {
		resources := t.Extract(bundles[i])
		aggregated.Resources[t] = resources
		metrics.RecordAggregatedResources(string(t), len(resources))
	}

	metrics.RecordAggregation("success", time.Since(start))
	log.Info().
		Str("patient_id", patientID).
		Int("resources", aggregated.Count()).
		Dur("duration", time.Since(start)).
		Msg("Aggregated patient context")

	return aggregated, nil
}
