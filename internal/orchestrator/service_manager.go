package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultShutdownTimeout bounds the time given to all services to stop
const DefaultShutdownTimeout = 10 * time.Second

// Service is one long-lived component of the agent. Start must not block
// past startup; Run, when set, blocks until the service exits on its own or
// ctx is cancelled.
type Service struct {
	Name  string
	Start func(ctx context.Context) error
	Run   func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// ServiceManager starts services in order and stops them in reverse order
type ServiceManager struct {
	services        []Service
	started         []Service
	shutdownTimeout time.Duration
}

// NewServiceManager creates a new service manager
func NewServiceManager(shutdownTimeout time.Duration, services ...Service) *ServiceManager {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &ServiceManager{services: services, shutdownTimeout: shutdownTimeout}
}

// StartServices starts every service in order. When one fails, the services
// already started are stopped and the error is returned.
func (sm *ServiceManager) StartServices(ctx context.Context) error {
	for _, svc := range sm.services {
		log.Info().Str("service", svc.Name).Msg("Starting service")

		if svc.Start != nil {
			if err := svc.Start(ctx); err != nil {
				sm.shutdownServices()
				return fmt.Errorf("failed to start %s: %w", svc.Name, err)
			}
		}
		sm.started = append(sm.started, svc)
	}
	return nil
}

// WaitForServices blocks until a running service exits or ctx is cancelled,
// then stops every started service.
func (sm *ServiceManager) WaitForServices(ctx context.Context) error {
	log.Info().Int("services", len(sm.started)).Msg("All services started, waiting for completion...")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type exit struct {
		name string
		err  error
	}
	done := make(chan exit, len(sm.started))
	running := 0
	for _, svc := range sm.started {
		if svc.Run == nil {
			continue
		}
		running++
		go func(svc Service) {
			done <- exit{name: svc.Name, err: svc.Run(runCtx)}
		}(svc)
	}

	var result error
	select {
	case e := <-done:
		if e.err != nil && !errors.Is(e.err, context.Canceled) {
			log.Error().Err(e.err).Str("service", e.name).Msg("Service exited with error")
			result = fmt.Errorf("%s: %w", e.name, e.err)
		} else {
			log.Info().Str("service", e.name).Msg("Service exited")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down services...")
	}

	cancel()
	sm.shutdownServices()
	return result
}

// shutdownServices stops started services in reverse start order
func (sm *ServiceManager) shutdownServices() {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	for i := len(sm.started) - 1; i >= 0; i-- {
		svc := sm.started[i]
		if svc.Stop == nil {
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			log.Error().Err(err).Str("service", svc.Name).Msg("Failed to stop service")
			continue
		}
		log.Info().Str("service", svc.Name).Msg("Service stopped")
	}
	sm.started = nil
}
