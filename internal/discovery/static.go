package discovery

import "context"

// Static is a discovery source with a fixed, in-memory instance list. It
// backs local development and tests, where there is no Consul agent to
// poll — the registry falls through to env-var overrides for anything
// Static doesn't know about.
type Static struct {
	instances map[string][]Instance
}

// NewStatic creates a Static source from a fixed service -> instances map.
func NewStatic(instances map[string][]Instance) *Static {
	if instances == nil {
		instances = map[string][]Instance{}
	}
	return &Static{instances: instances}
}

func (s *Static) Services(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	return names, nil
}

func (s *Static) Instances(_ context.Context, service string) ([]Instance, error) {
	return s.instances[service], nil
}
