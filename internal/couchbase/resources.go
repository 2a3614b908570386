package couchbase

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/fhir"
)

// ResourcesCollection holds clinical resources written to the store target
const ResourcesCollection = "resources"

// ResourceStore keeps clinical resources as documents keyed "{type}/{id}".
// It is a fhir.ResourceWriter, so the store target shares the create-vs-update rule.
type ResourceStore struct {
	docs *DocumentManager
}

// NewResourceStore creates a resource store on the resources collection
func NewResourceStore(conn *Connection) *ResourceStore {
	return &ResourceStore{docs: NewDocumentManager(conn, ResourcesCollection)}
}

func resourceKey(t fhir.ResourceType, id string) string {
	return fmt.Sprintf("%s/%s", t, id)
}

// Create assigns a new identifier and inserts the resource
func (rs *ResourceStore) Create(ctx context.Context, r *fhir.Resource) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	stored := fhir.NewResource(r.Type, id, r.Payload)

	if err := rs.docs.InsertDocument(ctx, resourceKey(r.Type, id), stored); err != nil {
		return "", &fhir.RequestError{
			Op:           "create",
			Endpoint:     string(fhir.TargetStore),
			ResourceType: r.Type,
			Err:          fmt.Errorf("%w: %w", fhir.ErrTransport, err),
		}
	}

	log.Debug().
		Str("resource_type", string(r.Type)).
		Str("id", id).
		Msg("Stored new resource")
	return id, nil
}

// Update upserts the resource under its existing identifier
func (rs *ResourceStore) Update(ctx context.Context, r *fhir.Resource) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := rs.docs.UpsertDocument(ctx, resourceKey(r.Type, r.ID), r); err != nil {
		return "", &fhir.RequestError{
			Op:           "update",
			Endpoint:     string(fhir.TargetStore),
			ResourceType: r.Type,
			ID:           r.ID,
			Err:          fmt.Errorf("%w: %w", fhir.ErrTransport, err),
		}
	}

	log.Debug().
		Str("resource_type", string(r.Type)).
		Str("id", r.ID).
		Msg("Stored resource update")
	return r.ID, nil
}

// Read loads one stored resource
func (rs *ResourceStore) Read(ctx context.Context, t fhir.ResourceType, id string) (*fhir.Resource, error) {
	var resource fhir.Resource
	if err := rs.docs.GetDocument(ctx, resourceKey(t, id), &resource); err != nil {
		sentinel := fhir.ErrTransport
		if errors.Is(err, ErrDocumentNotFound) {
			sentinel = fhir.ErrNotFound
		}
		return nil, &fhir.RequestError{
			Op:           "read",
			Endpoint:     string(fhir.TargetStore),
			ResourceType: t,
			ID:           id,
			Err:          fmt.Errorf("%w: %w", sentinel, err),
		}
	}
	return &resource, nil
}
