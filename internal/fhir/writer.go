package fhir

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/metrics"
)

// ResourceWriter is a write target: a FHIR endpoint or a document store.
type ResourceWriter interface {
	Create(ctx context.Context, r *Resource) (string, error)
	Update(ctx context.Context, r *Resource) (string, error)
}

// SyncWriter routes a resource to create or update depending on whether it
// already carries an identifier. The same rule applies to every target.
type SyncWriter struct {
	target Target
	writer ResourceWriter
}

// NewSyncWriter binds the routing rule to one write target
func NewSyncWriter(target Target, writer ResourceWriter) *SyncWriter {
	return &SyncWriter{
		target: target,
		writer: writer,
	}
}

// Target returns the target this writer is bound to
func (w *SyncWriter) Target() Target {
	return w.target
}

// Write creates r when its id is blank and returns the new id, otherwise
// updates it and returns the unchanged id. Errors are returned as-is.
func (w *SyncWriter) Write(ctx context.Context, r *Resource) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w: nil resource", ErrProtocol)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if !r.Persisted() {
		id, err := w.writer.Create(ctx, r)
		if err != nil {
			metrics.RecordWrite(string(w.target), "create", "error")
			log.Error().Err(err).
				Str("target", string(w.target)).
				Str("resource_type", string(r.Type)).
				Msg("Failed to create resource")
			return "", err
		}

		metrics.RecordWrite(string(w.target), "create", "success")
		log.Info().
			Str("target", string(w.target)).
			Str("resource_type", string(r.Type)).
			Str("id", id).
			Msg("Created resource")
		return id, nil
	}

	id, err := w.writer.Update(ctx, r)
	if err != nil {
		metrics.RecordWrite(string(w.target), "update", "error")
		log.Error().Err(err).
			Str("target", string(w.target)).
			Str("resource_type", string(r.Type)).
			Str("id", r.ID).
			Msg("Failed to update resource")
		return "", err
	}

	metrics.RecordWrite(string(w.target), "update", "success")
	log.Info().
		Str("target", string(w.target)).
		Str("resource_type", string(r.Type)).
		Str("id", id).
		Msg("Updated resource")
	return r.ID, nil
}
