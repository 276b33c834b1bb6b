// Package store persists health-monitor results: one row per
// (service, test) probe outcome and one derived rollup row per service.
// The gateway depends only on the Store interface; Postgres (sqlx over the
// pgx stdlib driver, goose-migrated at startup) is the production
// implementation, Memory the dev/test one.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// TestStatus is the outcome of one probe.
type TestStatus string

const (
	StatusOK    TestStatus = "OK"
	StatusError TestStatus = "ERROR"
	StatusNA    TestStatus = "NA"
)

// ServiceStatus is the derived per-service rollup.
type ServiceStatus string

const (
	ServiceOK       ServiceStatus = "OK"
	ServiceDegraded ServiceStatus = "DEGRADED"
	ServiceDown     ServiceStatus = "DOWN"
)

// TestResult is one (service_name, test_name) probe outcome.
type TestResult struct {
	ServiceName  string     `db:"service_name" json:"service_name"`
	TestName     string     `db:"test_name" json:"test_name"`
	Status       TestStatus `db:"status" json:"status"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	DurationMs   int64      `db:"duration_ms" json:"duration_ms"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// ServiceHealth is the derived per-service rollup of its test results.
type ServiceHealth struct {
	ServiceName         string        `db:"service_name" json:"service_name"`
	Status              ServiceStatus `db:"status" json:"status"`
	LastSuccessfulCheck *time.Time    `db:"last_successful_check" json:"last_successful_check,omitempty"`
	TotalTests          int           `db:"total_tests" json:"total_tests"`
	PassingTests        int           `db:"passing_tests" json:"passing_tests"`
	UpdatedAt           time.Time     `db:"updated_at" json:"updated_at"`
}

// Store is the persistence boundary the health monitor and the dashboard
// API depend on. The gateway's request dataplane never touches it.
type Store interface {
	UpsertTestResult(ctx context.Context, r TestResult) error
	UpsertServiceHealth(ctx context.Context, h ServiceHealth) error
	ListTestResults(ctx context.Context, service string, limit, offset int) ([]TestResult, int, error)
	ListServiceHealth(ctx context.Context) ([]ServiceHealth, error)
	Ping(ctx context.Context) error
	Close() error
}

// Postgres is the Store implementation backing production deployments.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to Postgres via pgx and runs pending goose migrations.
func Open(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// UpsertTestResult writes the result of one probe, keyed by
// (service_name, test_name).
func (p *Postgres) UpsertTestResult(ctx context.Context, r TestResult) error {
	const q = `
INSERT INTO api_health_tests (service_name, test_name, status, error_message, duration_ms, updated_at)
VALUES (:service_name, :test_name, :status, :error_message, :duration_ms, :updated_at)
ON CONFLICT (service_name, test_name) DO UPDATE SET
    status = EXCLUDED.status,
    error_message = EXCLUDED.error_message,
    duration_ms = EXCLUDED.duration_ms,
    updated_at = EXCLUDED.updated_at`

	_, err := p.db.NamedExecContext(ctx, q, r)
	if err != nil {
		return fmt.Errorf("store: upsert test result: %w", err)
	}
	return nil
}

// UpsertServiceHealth writes the derived per-service rollup, keyed by
// service_name.
func (p *Postgres) UpsertServiceHealth(ctx context.Context, h ServiceHealth) error {
	const q = `
INSERT INTO api_health_checks (service_name, status, last_successful_check, total_tests, passing_tests, updated_at)
VALUES (:service_name, :status, :last_successful_check, :total_tests, :passing_tests, :updated_at)
ON CONFLICT (service_name) DO UPDATE SET
    status = EXCLUDED.status,
    last_successful_check = EXCLUDED.last_successful_check,
    total_tests = EXCLUDED.total_tests,
    passing_tests = EXCLUDED.passing_tests,
    updated_at = EXCLUDED.updated_at`

	_, err := p.db.NamedExecContext(ctx, q, h)
	if err != nil {
		return fmt.Errorf("store: upsert service health: %w", err)
	}
	return nil
}

// ListTestResults returns a page of test results, optionally filtered by
// service, plus the total row count for that filter.
func (p *Postgres) ListTestResults(ctx context.Context, service string, limit, offset int) ([]TestResult, int, error) {
	args := map[string]any{"limit": limit, "offset": offset, "service": service}

	where := ""
	if service != "" {
		where = "WHERE service_name = :service"
	}

	var total int
	countQ := "SELECT count(*) FROM api_health_tests " + where
	countStmt, err := p.db.PrepareNamedContext(ctx, countQ)
	if err != nil {
		return nil, 0, fmt.Errorf("store: prepare count: %w", err)
	}
	defer countStmt.Close()
	if err := countStmt.GetContext(ctx, &total, args); err != nil {
		return nil, 0, fmt.Errorf("store: count test results: %w", err)
	}

	listQ := `SELECT service_name, test_name, status, error_message, duration_ms, updated_at
FROM api_health_tests ` + where + ` ORDER BY updated_at DESC LIMIT :limit OFFSET :offset`

	rows, err := p.db.NamedQueryContext(ctx, listQ, args)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list test results: %w", err)
	}
	defer rows.Close()

	results := make([]TestResult, 0, limit)
	for rows.Next() {
		var r TestResult
		if err := rows.StructScan(&r); err != nil {
			return nil, 0, fmt.Errorf("store: scan test result: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// ListServiceHealth returns the latest rollup for every service with at
// least one recorded test.
func (p *Postgres) ListServiceHealth(ctx context.Context) ([]ServiceHealth, error) {
	const q = `SELECT service_name, status, last_successful_check, total_tests, passing_tests, updated_at
FROM api_health_checks ORDER BY service_name`

	var results []ServiceHealth
	if err := p.db.SelectContext(ctx, &results, q); err != nil {
		return nil, fmt.Errorf("store: list service health: %w", err)
	}
	return results, nil
}

// DeriveStatus rolls probe counts up to a service status: OK iff every test passes,
// DEGRADED iff some pass and some fail, DOWN iff none pass.
func DeriveStatus(total, passing int) ServiceStatus {
	switch {
	case total == 0:
		return ServiceDown
	case passing == total:
		return ServiceOK
	case passing == 0:
		return ServiceDown
	default:
		return ServiceDegraded
	}
}
