package couchbase

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/metrics"
)

// Document is one row of a collection snapshot
type Document struct {
	ID      string          `json:"id"`
	CAS     uint64          `json:"cas"`
	Content json.RawMessage `json:"doc"`
}

// Decode unmarshals the document body into out
func (d Document) Decode(out interface{}) error {
	if err := json.Unmarshal(d.Content, out); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", d.ID, err)
	}
	return nil
}

// Query selects the matching set of a watched collection
type Query struct {
	Collection string
	// DocumentID restricts the set to a single document
	DocumentID string
	OrderBy    string
	Descending bool
	Limit      int
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Statement renders the N1QL statement and positional parameters against keyspace
func (q Query) Statement(keyspace string) (string, []interface{}, error) {
	var b strings.Builder
	var params []interface{}

	fmt.Fprintf(&b, "SELECT META(d).id AS id, META(d).cas AS cas, d AS doc FROM %s AS d", keyspace)

	if q.DocumentID != "" {
		params = append(params, q.DocumentID)
		fmt.Fprintf(&b, " WHERE META(d).id = $%d", len(params))
	}

	if q.OrderBy != "" {
		if !fieldPattern.MatchString(q.OrderBy) {
			return "", nil, fmt.Errorf("invalid order field %q", q.OrderBy)
		}
		fmt.Fprintf(&b, " ORDER BY d.`%s`", q.OrderBy)
		if q.Descending {
			b.WriteString(" DESC")
		}
	}

	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	return b.String(), params, nil
}

// fetchFunc returns the full current matching set for a query
type fetchFunc func(ctx context.Context, q Query) ([]Document, error)

// Fetch runs q against the cluster with request_plus consistency so that a
// snapshot reflects every mutation acknowledged before it.
func (c *Connection) Fetch(ctx context.Context, q Query) ([]Document, error) {
	statement, params, err := q.Statement(c.Keyspace(q.Collection))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := c.cluster.Query(statement, &gocb.QueryOptions{
		Context:              ctx,
		PositionalParameters: params,
		ScanConsistency:      gocb.QueryScanConsistencyRequestPlus,
	})
	if err != nil {
		metrics.RecordCouchbaseOperation("query", "error", time.Since(start))
		return nil, fmt.Errorf("failed to query collection %s: %w", q.Collection, err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Row(&doc); err != nil {
			log.Warn().Err(err).Str("collection", q.Collection).Msg("Failed to read document row")
			continue
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		metrics.RecordCouchbaseOperation("query", "error", time.Since(start))
		return nil, fmt.Errorf("failed to read collection %s: %w", q.Collection, err)
	}

	metrics.RecordCouchbaseOperation("query", "success", time.Since(start))
	return docs, nil
}
