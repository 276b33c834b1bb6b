package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemory_UpsertTestResult(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first := TestResult{
		ServiceName: "core", TestName: "health", Status: StatusError,
		DurationMs: 120, UpdatedAt: time.Now().UTC(),
	}
	if err := m.UpsertTestResult(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second := first
	second.Status = StatusOK
	second.DurationMs = 8
	if err := m.UpsertTestResult(ctx, second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, total, err := m.ListTestResults(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(results) != 1 {
		t.Fatalf("(service, test) must be unique; got %d rows", total)
	}
	if results[0].Status != StatusOK || results[0].DurationMs != 8 {
		t.Errorf("upsert should replace the row, got %+v", results[0])
	}
}

func TestMemory_ListTestResults_FilterAndPage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		m.UpsertTestResult(ctx, TestResult{
			ServiceName: "core", TestName: fmt.Sprintf("t%d", i),
			Status: StatusOK, UpdatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	m.UpsertTestResult(ctx, TestResult{
		ServiceName: "image", TestName: "health", Status: StatusOK, UpdatedAt: base,
	})

	results, total, err := m.ListTestResults(ctx, "core", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("filter should report the full count, got %d", total)
	}
	if len(results) != 2 {
		t.Errorf("limit should cap the page, got %d", len(results))
	}
	// Newest first.
	if results[0].TestName != "t4" || results[1].TestName != "t3" {
		t.Errorf("expected newest-first ordering, got %s, %s", results[0].TestName, results[1].TestName)
	}

	results, _, _ = m.ListTestResults(ctx, "core", 2, 4)
	if len(results) != 1 || results[0].TestName != "t0" {
		t.Errorf("offset past the page tail should return the remainder, got %+v", results)
	}

	results, total, _ = m.ListTestResults(ctx, "core", 10, 99)
	if len(results) != 0 || total != 5 {
		t.Errorf("offset beyond total should return an empty page, got %d rows", len(results))
	}
}

func TestMemory_UpsertServiceHealth(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.UpsertServiceHealth(ctx, ServiceHealth{ServiceName: "core", Status: ServiceDown, TotalTests: 1})
	m.UpsertServiceHealth(ctx, ServiceHealth{ServiceName: "core", Status: ServiceOK, TotalTests: 1, PassingTests: 1})
	m.UpsertServiceHealth(ctx, ServiceHealth{ServiceName: "audio", Status: ServiceDegraded, TotalTests: 2, PassingTests: 1})

	all, err := m.ListServiceHealth(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("service_name must be unique; got %d rows", len(all))
	}
	// Ordered by service name.
	if all[0].ServiceName != "audio" || all[1].ServiceName != "core" {
		t.Errorf("expected name ordering, got %s, %s", all[0].ServiceName, all[1].ServiceName)
	}
	if all[1].Status != ServiceOK {
		t.Errorf("upsert should replace the rollup, got %s", all[1].Status)
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		total, passing int
		want           ServiceStatus
	}{
		{3, 3, ServiceOK},
		{3, 1, ServiceDegraded},
		{3, 0, ServiceDown},
		{0, 0, ServiceDown},
		{1, 1, ServiceOK},
	}
	for _, c := range cases {
		if got := DeriveStatus(c.total, c.passing); got != c.want {
			t.Errorf("DeriveStatus(%d, %d) = %s, want %s", c.total, c.passing, got, c.want)
		}
	}
}
