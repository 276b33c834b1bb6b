package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// consulService is the name Consul uses for its own catalog entry; the
// registry refresh must never try to proxy to "itself" as a backend.
const consulService = "consul"

// Consul polls a Consul agent's HTTP catalog API
// (https://developer.hashicorp.com/consul/api-docs/catalog) directly over
// net/http — the registry needs two catalog GETs, not a client SDK.
type Consul struct {
	baseURL string
	client  *http.Client
}

// NewConsul creates a Consul source pointed at http://host:port.
func NewConsul(host string, port int) *Consul {
	return &Consul{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type catalogServiceEntry struct {
	Address        string
	ServiceAddress string
	ServicePort    int
}

// Services implements Source by calling GET /v1/catalog/services and
// filtering out Consul's own service entry.
func (c *Consul) Services(ctx context.Context) ([]string, error) {
	var raw map[string][]string
	if err := c.get(ctx, "/v1/catalog/services", &raw); err != nil {
		return nil, fmt.Errorf("discovery: list services: %w", err)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		if name == consulService {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Instances implements Source by calling GET /v1/catalog/service/{name}.
func (c *Consul) Instances(ctx context.Context, service string) ([]Instance, error) {
	var entries []catalogServiceEntry
	path := "/v1/catalog/service/" + url.PathEscape(service)
	if err := c.get(ctx, path, &entries); err != nil {
		return nil, fmt.Errorf("discovery: describe service %q: %w", service, err)
	}

	instances := make([]Instance, 0, len(entries))
	for _, e := range entries {
		instances = append(instances, Instance{
			Address:        e.Address,
			ServiceAddress: e.ServiceAddress,
			ServicePort:    e.ServicePort,
		})
	}
	return instances, nil
}

func (c *Consul) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
