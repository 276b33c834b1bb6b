// Package discovery resolves the live set of backend service instances that
// feed the service registry (internal/registry). It defines the Source
// interface the registry polls and ships two implementations: a Consul
// catalog poller for production and a Static env-backed source for local
// development and tests.
package discovery

import "context"

// Instance is one running copy of a service, as reported by the discovery
// backend. ServiceAddress takes priority over Address when present — this
// mirrors Consul's own distinction between the node's address and a
// service-specific address registered by the service itself.
type Instance struct {
	Address        string
	ServiceAddress string
	ServicePort    int
}

// ResolvedAddress returns the address to dial: ServiceAddress when set,
// otherwise Address.
func (i Instance) ResolvedAddress() string {
	if i.ServiceAddress != "" {
		return i.ServiceAddress
	}
	return i.Address
}

// Source lists the services known to a discovery backend and describes the
// instances backing each one. Implementations must be safe for concurrent
// use; Services/Instances are called from the registry's periodic refresh
// goroutine.
type Source interface {
	// Services returns the names of all services currently registered,
	// excluding the discovery backend's own service entry.
	Services(ctx context.Context) ([]string, error)

	// Instances returns the known instances of the named service. The
	// registry uses only the first entry; this gateway is not a load
	// balancer.
	Instances(ctx context.Context, service string) ([]Instance, error)
}
