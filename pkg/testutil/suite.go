package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/outflow/outflow-backend/pkg/database"
	"github.com/outflow/outflow-backend/pkg/logger"
)

// IntegrationLockTimeout keeps blocked lock waits short in integration tests
const IntegrationLockTimeout = 2 * time.Second

var (
	// Global test container (shared across all integration tests)
	globalContainer *PostgresContainer
	globalDB        *sqlx.DB
	containerOnce   sync.Once
	containerErr    error
)

// serviceTables lists every table the migrations create, children first
var serviceTables = []string{
	"inventory_activity_log", "allocations", "fulfillments", "shipments",
	"order_items", "orders", "inventory_lots",
}

// IntegrationSuite provides a base for integration tests with real PostgreSQL
type IntegrationSuite struct {
	Container *PostgresContainer
	RawDB     *sqlx.DB
	DB        *database.DB
	Fixtures  *FixtureFactory
	Logger    *logger.Logger
}

// NewIntegrationSuite creates a new integration test suite with the
// service schema migrated. Call this in TestMain to set up shared test
// infrastructure.
//
// Usage:
//
//	var suite *testutil.IntegrationSuite
//
//	func TestMain(m *testing.M) {
//	    flag.Parse()
//	    suite = testutil.MaybeIntegrationSuite(context.Background())
//	    os.Exit(m.Run())
//	}
//
//	func TestSomething(t *testing.T) {
//	    testutil.RequireSuite(t, suite)
//	    suite.Reset(t)
//	    // ... run tests against suite.DB
//	}
func NewIntegrationSuite(ctx context.Context) (*IntegrationSuite, error) {
	container, db, err := getOrCreateContainer(ctx)
	if err != nil {
		return nil, err
	}

	log := logger.Nop()
	wrappedDB, err := database.NewWithDSN(container.DSN, IntegrationLockTimeout, log)
	if err != nil {
		return nil, err
	}

	return &IntegrationSuite{
		Container: container,
		RawDB:     db,
		DB:        wrappedDB,
		Fixtures:  NewFixtureFactory(),
		Logger:    log,
	}, nil
}

// MaybeIntegrationSuite returns a suite, or nil when running with -short
// or when no container runtime is reachable. Tests guard with RequireSuite.
func MaybeIntegrationSuite(ctx context.Context) *IntegrationSuite {
	if testing.Short() || os.Getenv("OUTFLOW_SKIP_INTEGRATION") != "" {
		return nil
	}
	suite, err := NewIntegrationSuite(ctx)
	if err != nil {
		os.Stderr.WriteString("integration suite unavailable: " + err.Error() + "\n")
		return nil
	}
	return suite
}

// RequireSuite skips the test when no integration suite is available
func RequireSuite(t *testing.T, suite *IntegrationSuite) {
	t.Helper()
	if suite == nil {
		t.Skip("skipping integration test: no PostgreSQL container available")
	}
}

// getOrCreateContainer returns the shared test container
func getOrCreateContainer(ctx context.Context) (*PostgresContainer, *sqlx.DB, error) {
	containerOnce.Do(func() {
		globalContainer, containerErr = NewPostgresContainer(ctx, DefaultPostgresConfig())
		if containerErr != nil {
			return
		}
		if containerErr = globalContainer.Migrate(logger.Nop()); containerErr != nil {
			return
		}
		globalDB, containerErr = globalContainer.Connect(ctx)
	})

	return globalContainer, globalDB, containerErr
}

// Reset empties every service table. TRUNCATE bypasses the ledger's
// row-level append-only trigger.
func (s *IntegrationSuite) Reset(t *testing.T) {
	t.Helper()
	stmt := "TRUNCATE "
	for i, table := range serviceTables {
		if i > 0 {
			stmt += ", "
		}
		stmt += table
	}
	stmt += " RESTART IDENTITY CASCADE"
	if _, err := s.RawDB.ExecContext(context.Background(), stmt); err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
}

// Cleanup releases the suite's own connection pool
func (s *IntegrationSuite) Cleanup(ctx context.Context) error {
	// The container is shared; TerminateContainer removes it
	return s.DB.Close()
}

// TerminateContainer terminates the shared container.
// Only call this in TestMain after all tests have completed.
func TerminateContainer(ctx context.Context) {
	if globalContainer != nil {
		globalContainer.Terminate(ctx)
	}
}
