package couchbase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
	"stealthcompany.com/clinicalsync/internal/metrics"
)

var (
	// ErrDocumentNotFound means no document exists under the key
	ErrDocumentNotFound = errors.New("document not found")
	// ErrDocumentExists means an insert collided with an existing key
	ErrDocumentExists = errors.New("document already exists")
)

// documentCollection is the key-value surface the stores need
type documentCollection interface {
	Insert(ctx context.Context, id string, doc interface{}) error
	Upsert(ctx context.Context, id string, doc interface{}) error
	Get(ctx context.Context, id string, out interface{}) error
}

// gocbCollection adapts a gocb collection to documentCollection
type gocbCollection struct {
	col *gocb.Collection
}

func (g gocbCollection) Insert(ctx context.Context, id string, doc interface{}) error {
	_, err := g.col.Insert(id, doc, &gocb.InsertOptions{Context: ctx})
	if errors.Is(err, gocb.ErrDocumentExists) {
		return fmt.Errorf("%w: %w", ErrDocumentExists, err)
	}
	return err
}

func (g gocbCollection) Upsert(ctx context.Context, id string, doc interface{}) error {
	_, err := g.col.Upsert(id, doc, &gocb.UpsertOptions{Context: ctx})
	return err
}

func (g gocbCollection) Get(ctx context.Context, id string, out interface{}) error {
	result, err := g.col.Get(id, &gocb.GetOptions{Context: ctx})
	if err != nil {
		if errors.Is(err, gocb.ErrDocumentNotFound) {
			return fmt.Errorf("%w: %w", ErrDocumentNotFound, err)
		}
		return err
	}
	return result.Content(out)
}

// DocumentManager handles document CRUD operations on one collection
type DocumentManager struct {
	name string
	col  documentCollection
}

// NewDocumentManager creates a document manager for a named collection
func NewDocumentManager(conn *Connection, collection string) *DocumentManager {
	return newDocumentManager(collection, gocbCollection{col: conn.Collection(collection)})
}

func newDocumentManager(name string, col documentCollection) *DocumentManager {
	return &DocumentManager{name: name, col: col}
}

// Collection returns the collection name
func (dm *DocumentManager) Collection() string {
	return dm.name
}

// InsertDocument stores a new document and fails if the key exists
func (dm *DocumentManager) InsertDocument(ctx context.Context, docID string, data interface{}) error {
	start := time.Now()
	err := dm.col.Insert(ctx, docID, data)
	dm.record("insert", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to insert document %s: %w", docID, err)
	}
	return nil
}

// UpsertDocument stores or updates a document
func (dm *DocumentManager) UpsertDocument(ctx context.Context, docID string, data interface{}) error {
	start := time.Now()
	err := dm.col.Upsert(ctx, docID, data)
	dm.record("upsert", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", docID, err)
	}
	return nil
}

// GetDocument decodes a document into result
func (dm *DocumentManager) GetDocument(ctx context.Context, docID string, result interface{}) error {
	start := time.Now()
	err := dm.col.Get(ctx, docID, result)
	dm.record("get", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to get document %s: %w", docID, err)
	}
	return nil
}

func (dm *DocumentManager) record(op string, err error, d time.Duration) {
	status := "success"
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		status = "miss"
	case err != nil:
		status = "error"
	}
	metrics.RecordCouchbaseOperation(op, status, d)
}
