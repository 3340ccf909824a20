package discovery

import (
	"context"
	"log/slog"
	"time"
)

// Registration tracks one service instance's registration lifecycle,
// including its background TTL health-check loop.
type Registration struct {
	registry    Registry
	instanceID  string
	serviceName string
	logger      *slog.Logger
	stopChan    chan struct{}
}

// Register registers instanceID/serviceName/addr with registry and starts a
// 1s health-check loop. Passing a nil registry disables discovery and
// returns a nil *Registration, nil error.
func Register(ctx context.Context, registry Registry, instanceID, serviceName, addr string, logger *slog.Logger) (*Registration, error) {
	if registry == nil {
		return nil, nil
	}

	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}

	reg := &Registration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}

	go reg.healthCheckLoop()

	return reg, nil
}

func (r *Registration) healthCheckLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.registry.HealthCheck(r.instanceID, r.serviceName); err != nil {
				r.logger.Error("health check failed", slog.Any("error", err))
			}
		}
	}
}

// Deregister stops the health-check loop and deregisters the instance.
func (r *Registration) Deregister(ctx context.Context) error {
	if r == nil {
		return nil
	}
	close(r.stopChan)
	return r.registry.Deregister(ctx, r.instanceID, r.serviceName)
}
