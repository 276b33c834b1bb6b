package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store, used by tests and by local/dev
// deployments that have no Postgres instance. It keeps the semantics of the
// Postgres-backed store (same uniqueness keys, same pagination ordering)
// without any external dependency, except that a non-positive limit returns
// every row from offset onwards.
type Memory struct {
	mu     sync.Mutex
	tests  map[string]TestResult // keyed by service_name + "\x00" + test_name
	health map[string]ServiceHealth
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		tests:  make(map[string]TestResult),
		health: make(map[string]ServiceHealth),
	}
}

func testKey(service, test string) string { return service + "\x00" + test }

func (m *Memory) UpsertTestResult(_ context.Context, r TestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tests[testKey(r.ServiceName, r.TestName)] = r
	return nil
}

func (m *Memory) UpsertServiceHealth(_ context.Context, h ServiceHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[h.ServiceName] = h
	return nil
}

func (m *Memory) ListTestResults(_ context.Context, service string, limit, offset int) ([]TestResult, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]TestResult, 0, len(m.tests))
	for _, r := range m.tests {
		if service != "" && r.ServiceName != service {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.After(matched[j].UpdatedAt) })

	total := len(matched)
	if offset >= total {
		return []TestResult{}, total, nil
	}
	end := offset + limit
	if end > total || limit <= 0 {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *Memory) ListServiceHealth(_ context.Context) ([]ServiceHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]ServiceHealth, 0, len(m.health))
	for _, h := range m.health {
		results = append(results, h)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ServiceName < results[j].ServiceName })
	return results, nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
