// Package testutil provides a disposable Postgres fixture for replication
// integration tests: a testcontainers-go container wired for logical
// replication (wal_level=logical), plus helpers to seed a table and manage
// the publication/slot around it.
//
// This is deliberately decoupled from internal/replication/transport: the
// engine owns exactly one replication-mode connection (§5), so test setup
// uses its own ordinary database/sql connection over lib/pq to run DDL and
// seed rows before the engine ever connects.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Postgres wraps a running test container and the two connection strings
// that matter to a replication test: the plain DSN for setup/teardown
// queries, and the same DSN annotated for replication-mode connections.
type Postgres struct {
	DSN            string
	ReplicationDSN string
	db             *sql.DB
	container      *tcpostgres.PostgresContainer
}

// StartPostgres launches a postgres:16-alpine container with logical
// replication enabled and returns a fixture ready for DDL. The container
// and its database/sql handle are torn down automatically via t.Cleanup.
// Tests skip (rather than fail) when no container runtime is available.
func StartPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("replicator"),
		tcpostgres.WithUsername("replicator"),
		tcpostgres.WithPassword("replicator"),
		tcpostgres.BasicWaitStrategies(),
		testcontainers.CustomizeRequestOption(func(req *testcontainers.GenericContainerRequest) error {
			req.ContainerRequest.Cmd = []string{"postgres", "-c", "wal_level=logical"}
			req.ContainerRequest.WaitingFor = wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second)
			return nil
		}),
	)
	if err != nil {
		t.Skipf("no container runtime available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping database: %v", err)
	}

	return &Postgres{
		DSN:            dsn,
		ReplicationDSN: dsn + "&replication=database",
		db:             db,
		container:      container,
	}
}

// CreateTable creates a simple table and seeds it with rowCount rows, after
// dropping any pre-existing table of the same name.
func (p *Postgres) CreateTable(t *testing.T, schema, table string, rowCount int) {
	t.Helper()
	ctx := context.Background()
	qn := quoteQN(schema, table)

	if _, err := p.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", qn)); err != nil {
		t.Fatalf("drop table %s: %v", qn, err)
	}
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %s (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			value INTEGER NOT NULL DEFAULT 0
		)`, qn)); err != nil {
		t.Fatalf("create table %s: %v", qn, err)
	}

	for i := 1; i <= rowCount; i++ {
		if _, err := p.db.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (name, value) VALUES ($1, $2)", qn),
			fmt.Sprintf("row-%d", i), i*10); err != nil {
			t.Fatalf("insert row %d into %s: %v", i, qn, err)
		}
	}
}

// Exec runs an arbitrary statement against the fixture's database, failing
// the test on error.
func (p *Postgres) Exec(t *testing.T, sqlText string, args ...any) {
	t.Helper()
	if _, err := p.db.ExecContext(context.Background(), sqlText, args...); err != nil {
		t.Fatalf("exec %q: %v", sqlText, err)
	}
}

// RowCount returns the number of rows in the named table.
func (p *Postgres) RowCount(t *testing.T, schema, table string) int64 {
	t.Helper()
	var count int64
	err := p.db.QueryRowContext(context.Background(),
		fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteQN(schema, table))).Scan(&count)
	if err != nil {
		t.Fatalf("count rows in %s: %v", quoteQN(schema, table), err)
	}
	return count
}

// CreatePublication creates a FOR ALL TABLES publication, dropping any
// existing publication of the same name first.
func (p *Postgres) CreatePublication(t *testing.T, name string) {
	t.Helper()
	ctx := context.Background()
	_, _ = p.db.ExecContext(ctx, fmt.Sprintf("DROP PUBLICATION IF EXISTS %s", quoteIdent(name)))
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", quoteIdent(name))); err != nil {
		t.Fatalf("create publication %s: %v", name, err)
	}
}

// CleanupReplication drops the named replication slot and publication,
// best-effort, for use in test teardown after an engine run.
func (p *Postgres) CleanupReplication(t *testing.T, slotName, pubName string) {
	t.Helper()
	ctx := context.Background()
	_, _ = p.db.ExecContext(ctx, fmt.Sprintf("SELECT pg_drop_replication_slot('%s')", slotName))
	_, _ = p.db.ExecContext(ctx, fmt.Sprintf("DROP PUBLICATION IF EXISTS %s", quoteIdent(pubName)))
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

func quoteQN(schema, table string) string {
	if schema == "" || schema == "public" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}
