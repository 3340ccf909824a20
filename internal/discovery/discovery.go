// Package discovery declares the service registry contract used to make
// each binary's instance visible to Consul for health monitoring and
// dashboard discovery.
package discovery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Registry registers and deregisters service instances and reports their
// health.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID builds a unique instance ID for serviceName, used as
// the Consul service ID.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%s", serviceName, uuid.NewString())
}
