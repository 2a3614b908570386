package couchbase

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/metrics"
)

// Handle is an active change subscription
type Handle interface {
	// Stop deregisters the subscription. It is idempotent and, once it
	// returns, no further callbacks are made.
	Stop()
}

// ChangeFeed delivers the full matching set of a query whenever it changes.
// Changes are detected by polling and comparing a fingerprint of every
// document id and CAS in the set.
type ChangeFeed struct {
	fetch    fetchFunc
	interval time.Duration
}

// NewChangeFeed creates a change feed polling the cluster every interval
func NewChangeFeed(conn *Connection, interval time.Duration) *ChangeFeed {
	return newChangeFeed(conn.Fetch, interval)
}

func newChangeFeed(fetch fetchFunc, interval time.Duration) *ChangeFeed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ChangeFeed{fetch: fetch, interval: interval}
}

// Listen fetches the current set and starts watching it. A failing first
// fetch is returned. Afterwards the first snapshot is delivered to onUpdate,
// then every changed snapshot; a failing poll calls onError once and ends the
// subscription.
func (f *ChangeFeed) Listen(ctx context.Context, q Query, onUpdate func([]Document), onError func(error)) (Handle, error) {
	initial, err := f.fetch(ctx, q)
	if err != nil {
		metrics.RecordSubscriptionFailure(q.Collection)
		return nil, fmt.Errorf("failed to listen on %s: %w", q.Collection, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{cancel: cancel, done: make(chan struct{})}

	go s.run(pollCtx, f, q, initial, onUpdate, onError)

	log.Debug().Str("collection", q.Collection).Msg("Change subscription started")
	return s, nil
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

// Stop waits for an in-flight callback to return, so it must not be called
// from inside one.
func (s *subscription) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
	})
}

// deliver runs fn unless the subscription has been stopped
func (s *subscription) deliver(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	fn()
	return true
}

func (s *subscription) run(ctx context.Context, f *ChangeFeed, q Query, docs []Document, onUpdate func([]Document), onError func(error)) {
	defer close(s.done)

	if !s.deliver(func() { onUpdate(docs) }) {
		return
	}
	metrics.RecordSubscriptionUpdate(q.Collection)
	last := fingerprint(docs)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		docs, err := f.fetch(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordSubscriptionFailure(q.Collection)
			log.Warn().Err(err).Str("collection", q.Collection).Msg("Change subscription failed")
			s.deliver(func() { onError(err) })
			return
		}

		current := fingerprint(docs)
		if current == last {
			continue
		}
		last = current

		if !s.deliver(func() { onUpdate(docs) }) {
			return
		}
		metrics.RecordSubscriptionUpdate(q.Collection)
	}
}

func fingerprint(docs []Document) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for _, d := range docs {
		h.WriteString(d.ID)
		binary.LittleEndian.PutUint64(buf[:], d.CAS)
		h.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(len(docs)))
	h.Write(buf[:])
	return h.Sum64()
}
