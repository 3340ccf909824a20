// Package consul implements internal/discovery.Registry against a Consul agent.
package consul

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	consul "github.com/hashicorp/consul/api"
	"github.com/KarimHesham/logistics-sync-engine/internal/discovery"
)

// Registry wraps a Consul API client.
type Registry struct {
	client *consul.Client
}

// NewRegistry dials the Consul agent at addr.
func NewRegistry(addr string) (*Registry, error) {
	config := consul.DefaultConfig()
	config.Address = addr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &Registry{client: client}, nil
}

// Register registers instanceID under serviceName with a 5s TTL check.
func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	parts := strings.Split(hostPort, ":")
	if len(parts) != 2 {
		return fmt.Errorf("invalid hostPort format: %q", hostPort)
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return err
	}

	return r.client.Agent().ServiceRegister(&consul.AgentServiceRegistration{
		ID:      instanceID,
		Name:    serviceName,
		Address: parts[0],
		Port:    port,
		Check: &consul.AgentServiceCheck{
			CheckID:                        instanceID,
			TLSSkipVerify:                  true,
			TTL:                            "5s",
			DeregisterCriticalServiceAfter: "10s",
		},
	})
}

// Deregister removes instanceID from Consul.
func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	log.Printf("deregistering %s (%s)", serviceName, instanceID)
	return r.client.Agent().ServiceDeregister(instanceID)
}

// Discover returns host:port addresses of healthy instances of serviceName.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	services, _, err := r.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}

	addresses := make([]string, 0, len(services))
	for _, service := range services {
		addresses = append(addresses, fmt.Sprintf("%s:%d", service.Service.Address, service.Service.Port))
	}

	return addresses, nil
}

// HealthCheck renews instanceID's TTL check.
func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	return r.client.Agent().UpdateTTL(instanceID, "online", consul.HealthPassing)
}

var _ discovery.Registry = (*Registry)(nil)
