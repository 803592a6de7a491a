// Package testutil provides test helpers: a PostgreSQL container, a
// recording relay subscriber and a websocket test client.
package testutil

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/vdm/internal/config"
	"github.com/cory-johannsen/vdm/internal/storage/postgres"
	"github.com/cory-johannsen/vdm/migrations"
)

const (
	pgImage    = "postgres:16-alpine"
	pgUser     = "vdm"
	pgPassword = "vdm"
	pgDatabase = "vdm_test"
)

// Postgres is a disposable, migrated database backing a postgres.Store.
type Postgres struct {
	Store  *postgres.Store
	Config config.DatabaseConfig
}

// StartPostgres runs a PostgreSQL container, applies the embedded
// migrations and connects a Store to it. Container and pool are released
// by t.Cleanup.
//
// Precondition: Docker must be available. The test is skipped in -short mode.
func StartPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in short mode")
	}
	ctx := context.Background()
	start := time.Now()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        pgImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			},
			// The server logs readiness twice: once for the init pass, once for real.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(45 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting %s: %v", pgImage, err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	endpoint, err := ctr.PortEndpoint(ctx, "5432/tcp", "")
	if err != nil {
		t.Fatalf("resolving postgres endpoint: %v", err)
	}
	host, port := splitEndpoint(t, endpoint)

	cfg := config.DatabaseConfig{
		Host:            host,
		Port:            port,
		User:            pgUser,
		Password:        pgPassword,
		Name:            pgDatabase,
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Minute,
	}
	migrateUp(t, cfg.DSN())

	store, err := postgres.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("connecting to %s: %v", endpoint, err)
	}
	t.Cleanup(func() { _ = store.Close() })

	t.Logf("postgres ready at %s [%s]", endpoint, time.Since(start))
	return &Postgres{Store: store, Config: cfg}
}

// Reset empties every table so subtests can share one container.
func (p *Postgres) Reset(t *testing.T) {
	t.Helper()
	_, err := p.Store.DB().Exec(context.Background(), "TRUNCATE rooms, accounts")
	if err != nil {
		t.Fatalf("truncating tables: %v", err)
	}
}

func migrateUp(t *testing.T, dsn string) {
	t.Helper()
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		t.Fatalf("opening embedded migrations: %v", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		t.Fatalf("creating migrator: %v", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("applying migrations: %v", err)
	}
}

func splitEndpoint(t *testing.T, endpoint string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		t.Fatalf("parsing endpoint %q: %v", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return host, port
}
