package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"stealthcompany.com/clinicalsync/internal/events"
	"stealthcompany.com/clinicalsync/internal/metrics"
)

// DefaultReconnectDelay is the fixed wait between reconnection attempts
const DefaultReconnectDelay = 5 * time.Second

// Setup establishes and releases every subscription as a unit
type Setup interface {
	Start(ctx context.Context) error
	Stop()
	// Healthy reports whether everything Start established is still live
	Healthy() bool
}

var (
	errSetupInProgress = errors.New("subscription setup already in progress")
	errSetupUnhealthy  = errors.New("subscription failed during setup")
)

// Supervisor re-establishes subscriptions after a failure. At most one setup
// runs at a time: failure signals arriving while the initial setup or a
// reconnection loop is in progress are absorbed by it.
type Supervisor struct {
	setup Setup
	delay time.Duration

	mu           sync.Mutex
	starting     bool
	reconnecting bool
	connected    bool
	disposed     bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	connection *events.Topic[bool]
}

// NewSupervisor creates a supervisor retrying setup every delay
func NewSupervisor(setup Setup, delay time.Duration) *Supervisor {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Supervisor{
		setup:      setup,
		delay:      delay,
		connection: events.NewTopic[bool]("connection-state"),
	}
}

// ConnectionChanged publishes false when a failure is detected and true once
// subscriptions are re-established
func (s *Supervisor) ConnectionChanged() *events.Topic[bool] {
	return s.connection
}

// Connected reports whether subscriptions are currently established
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Reconnecting reports whether a reconnection loop is running
func (s *Supervisor) Reconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnecting
}

// Start performs the initial setup. On failure, including a subscription
// failing before setup completed, the error is returned and a reconnection
// loop is started in the background.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor disposed")
	}
	if s.starting || s.reconnecting {
		s.mu.Unlock()
		return errSetupInProgress
	}
	s.starting = true
	s.mu.Unlock()

	err := s.setup.Start(ctx)

	s.mu.Lock()
	s.starting = false
	if s.disposed {
		s.mu.Unlock()
		s.setup.Stop()
		return fmt.Errorf("supervisor disposed")
	}
	// Checked under s.mu: a failure after this point finds no setup in
	// progress and starts its own reconnection.
	if err == nil && !s.setup.Healthy() {
		err = errSetupUnhealthy
	}
	if err == nil {
		s.connected = true
		s.mu.Unlock()

		metrics.SetConnectionState(true)
		s.connection.Publish(true)
		return nil
	}
	reconnectCtx := s.beginReconnectLocked()
	s.mu.Unlock()

	s.announceFailure(err)
	go s.reconnect(reconnectCtx)
	return fmt.Errorf("initial subscription setup failed: %w", err)
}

// OnFailure starts a reconnection loop unless a setup is already in
// progress. It never blocks on the setup.
func (s *Supervisor) OnFailure(cause error) {
	s.mu.Lock()
	if s.disposed || s.starting || s.reconnecting {
		s.mu.Unlock()
		return
	}
	ctx := s.beginReconnectLocked()
	s.mu.Unlock()

	s.announceFailure(cause)
	go s.reconnect(ctx)
}

// beginReconnectLocked marks a loop as running and replaces its cancellation
// scope. s.mu must be held.
func (s *Supervisor) beginReconnectLocked() context.Context {
	s.reconnecting = true
	s.connected = false

	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	return ctx
}

func (s *Supervisor) announceFailure(cause error) {
	log.Warn().Err(cause).Msg("Connection lost, starting reconnection")
	metrics.SetConnectionState(false)
	s.connection.Publish(false)
}

func (s *Supervisor) reconnect(ctx context.Context) {
	defer s.wg.Done()

	for attempt := 1; ; attempt++ {
		s.setup.Stop()

		err := s.setup.Start(ctx)

		s.mu.Lock()
		if ctx.Err() != nil {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		if err == nil && !s.setup.Healthy() {
			err = errSetupUnhealthy
		}
		if err == nil {
			s.reconnecting = false
			s.connected = true
			s.mu.Unlock()

			metrics.RecordReconnectAttempt("success")
			metrics.SetConnectionState(true)
			log.Info().Int("attempt", attempt).Msg("Reconnected change subscriptions")
			s.connection.Publish(true)
			return
		}
		s.mu.Unlock()

		metrics.RecordReconnectAttempt("failure")
		log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", s.delay).
			Msg("Reconnection attempt failed")

		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.finish()
			return
		case <-timer.C:
		}
	}
}

func (s *Supervisor) finish() {
	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()
}

// Dispose cancels any reconnection loop, waits for it to exit, stops every
// subscription and closes the connection topic
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	s.disposed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.setup.Stop()

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.connection.Close()
	log.Info().Msg("Subscription supervisor disposed")
}
