package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/couchbase"
	"stealthcompany.com/clinicalsync/internal/events"
)

// Feed opens full-snapshot change subscriptions
type Feed interface {
	Listen(ctx context.Context, q couchbase.Query, onUpdate func([]couchbase.Document), onError func(error)) (couchbase.Handle, error)
}

// Watch names a collection and the query selecting its matching set
type Watch struct {
	Name  string
	Query couchbase.Query
}

// CollectionSnapshot is the full current matching set of a watched collection
type CollectionSnapshot struct {
	Collection string               `json:"collection"`
	Documents  []couchbase.Document `json:"documents"`
	ReceivedAt time.Time            `json:"receivedAt"`
}

type watchState struct {
	watch    Watch
	state    State
	handle   couchbase.Handle
	snapshot *CollectionSnapshot
	// generation invalidates callbacks from handles that have been replaced
	generation uint64
}

// Controller owns one change subscription per watched collection, caches the
// latest snapshot of each and escalates feed failures to a failure handler.
type Controller struct {
	feed Feed

	mu        sync.Mutex
	watches   []*watchState
	byName    map[string]*watchState
	onFailure func(error)

	updates *events.Topic[CollectionSnapshot]
}

// NewController creates a controller for the given watches, all Disconnected
func NewController(feed Feed, watches ...Watch) *Controller {
	c := &Controller{
		feed:    feed,
		byName:  make(map[string]*watchState, len(watches)),
		updates: events.NewTopic[CollectionSnapshot]("collection-updated"),
	}
	for _, w := range watches {
		ws := &watchState{watch: w, state: Disconnected}
		c.watches = append(c.watches, ws)
		c.byName[w.Name] = ws
	}
	return c
}

// Updates publishes every snapshot received
func (c *Controller) Updates() *events.Topic[CollectionSnapshot] {
	return c.updates
}

// SetFailureHandler sets the function called when a subscription fails
func (c *Controller) SetFailureHandler(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = fn
}

// Start releases any existing subscriptions and opens a new one per watch.
// If any watch cannot be opened, the ones opened by this call are released
// and the error is returned.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	recovering := false
	var stale []couchbase.Handle
	generations := make([]uint64, len(c.watches))
	for i, ws := range c.watches {
		if ws.state == Reconnecting {
			recovering = true
		}
		if ws.handle != nil {
			stale = append(stale, ws.handle)
			ws.handle = nil
		}
		ws.generation++
		ws.state = Connecting
		generations[i] = ws.generation
	}
	c.mu.Unlock()

	for _, h := range stale {
		h.Stop()
	}

	opened := make([]couchbase.Handle, 0, len(c.watches))
	for i, ws := range c.watches {
		gen := generations[i]
		handle, err := c.feed.Listen(ctx, ws.watch.Query, c.updateCallback(ws, gen), c.errorCallback(ws, gen))
		if err != nil {
			for _, h := range opened {
				h.Stop()
			}
			c.resetAfterFailedStart(recovering)
			log.Error().Err(err).Str("collection", ws.watch.Name).Msg("Failed to start change subscription")
			return fmt.Errorf("failed to watch %s: %w", ws.watch.Name, err)
		}
		opened = append(opened, handle)

		c.mu.Lock()
		if ws.generation != gen {
			c.mu.Unlock()
			handle.Stop()
			continue
		}
		ws.handle = handle
		if ws.state == Connecting {
			ws.state = Connected
		}
		c.mu.Unlock()
	}

	// A watch can fail between Listen returning and the end of Start.
	if failed := c.failedSince(generations); failed != "" {
		for _, h := range opened {
			h.Stop()
		}
		c.resetAfterFailedStart(true)
		log.Error().Str("collection", failed).Msg("Change subscription failed while starting")
		return fmt.Errorf("subscription on %s failed while starting", failed)
	}

	log.Info().Int("collections", len(c.watches)).Msg("Change subscriptions started")
	return nil
}

// failedSince returns the first watch that moved to Reconnecting within the
// given generations
func (c *Controller) failedSince(generations []uint64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ws := range c.watches {
		if ws.generation == generations[i] && ws.state == Reconnecting {
			return ws.watch.Name
		}
	}
	return ""
}

// Healthy reports whether every watch is Connected
func (c *Controller) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ws := range c.watches {
		if ws.state != Connected {
			return false
		}
	}
	return true
}

func (c *Controller) resetAfterFailedStart(recovering bool) {
	state := Disconnected
	if recovering {
		state = Reconnecting
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ws := range c.watches {
		ws.generation++
		ws.handle = nil
		ws.state = state
	}
}

// Stop releases every subscription. Watches that are recovering stay
// Reconnecting, the rest become Disconnected.
func (c *Controller) Stop() {
	c.mu.Lock()
	handles := make([]couchbase.Handle, 0, len(c.watches))
	for _, ws := range c.watches {
		if ws.handle != nil {
			handles = append(handles, ws.handle)
			ws.handle = nil
		}
		ws.generation++
		if ws.state != Reconnecting {
			ws.state = Disconnected
		}
	}
	c.mu.Unlock()

	// Outside the lock: Stop waits for in-flight callbacks, which take it.
	for _, h := range handles {
		h.Stop()
	}
}

// Dispose stops every subscription and closes the update topic
func (c *Controller) Dispose() {
	c.Stop()

	c.mu.Lock()
	for _, ws := range c.watches {
		ws.state = Disconnected
	}
	c.mu.Unlock()

	c.updates.Close()
}

func (c *Controller) updateCallback(ws *watchState, gen uint64) func([]couchbase.Document) {
	return func(docs []couchbase.Document) {
		c.mu.Lock()
		if ws.generation != gen {
			c.mu.Unlock()
			return
		}
		snapshot := CollectionSnapshot{
			Collection: ws.watch.Name,
			Documents:  docs,
			ReceivedAt: time.Now().UTC(),
		}
		ws.snapshot = &snapshot
		c.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				c.fail(ws, gen, fmt.Errorf("listener for %s panicked: %v", ws.watch.Name, r))
			}
		}()

		c.updates.Publish(snapshot)

		log.Debug().
			Str("collection", ws.watch.Name).
			Int("documents", len(docs)).
			Msg("Collection snapshot received")
	}
}

func (c *Controller) errorCallback(ws *watchState, gen uint64) func(error) {
	return func(err error) {
		c.fail(ws, gen, fmt.Errorf("subscription on %s failed: %w", ws.watch.Name, err))
	}
}

// fail moves the watch to Reconnecting and escalates, unless the callback
// belongs to a handle that has already been replaced.
func (c *Controller) fail(ws *watchState, gen uint64, err error) {
	c.mu.Lock()
	if ws.generation != gen {
		c.mu.Unlock()
		return
	}
	ws.state = Reconnecting
	handler := c.onFailure
	c.mu.Unlock()

	log.Error().Err(err).Str("collection", ws.watch.Name).Msg("Change subscription failed")

	if handler != nil {
		handler(err)
	}
}

// State returns the state of a watched collection
func (c *Controller) State(name string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.byName[name]
	if !ok {
		return Disconnected, false
	}
	return ws.state, true
}

// States returns the state of every watched collection
func (c *Controller) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	states := make(map[string]State, len(c.watches))
	for _, ws := range c.watches {
		states[ws.watch.Name] = ws.state
	}
	return states
}

// Snapshot returns the cached matching set of a watched collection
func (c *Controller) Snapshot(name string) (CollectionSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws, ok := c.byName[name]
	if !ok || ws.snapshot == nil {
		return CollectionSnapshot{}, false
	}
	return *ws.snapshot, true
}
