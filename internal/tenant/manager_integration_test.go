//go:build integration
// +build integration

package tenant_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/formulae/internal/formulastore"
	"github.com/liamcoop/formulae/internal/tenant"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "formulae_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("host=%s port=%s user=test password=test dbname=formulae_test sslmode=disable", host, port.Port())

	var db *sql.DB
	for i := 0; i < 30; i++ {
		db, err = sql.Open("postgres", connStr)
		if err == nil {
			if err = db.Ping(); err == nil {
				break
			}
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	migrationSQL, err := os.ReadFile(filepath.Join("..", "..", "migrations", "000001_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("failed to read migration file: %v", err)
	}
	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		container.Terminate(ctx)
	}
	return db, cleanup
}

func createTenantRow(t *testing.T, db *sql.DB, name string) string {
	var id string
	if err := db.QueryRow(`INSERT INTO tenants (name) VALUES ($1) RETURNING id`, name).Scan(&id); err != nil {
		t.Fatalf("failed to create tenant row: %v", err)
	}
	return id
}

func TestManager_CreateTenantAndEvaluate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	mgr := tenant.NewManager(db)
	tenantID := createTenantRow(t, db, "acme")

	schema := tenant.Schema{
		"Order": {"Total": "decimal"},
	}
	if err := mgr.CreateTenant(tenantID, schema); err != nil {
		t.Fatalf("CreateTenant() failed: %v", err)
	}

	tn, err := mgr.Get(tenantID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}

	store := formulastore.NewPostgresStore(db, tenantID)
	if err := store.Add(&formulastore.Record{
		ID:         uuid.New().String(),
		Identifier: "doubled",
		Expression: "Order.Total * 2.0",
		Active:     true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}); err != nil {
		t.Fatalf("store.Add() failed: %v", err)
	}
	if err := mgr.RefreshFormulas(tenantID); err != nil {
		t.Fatalf("RefreshFormulas() failed: %v", err)
	}

	state, err := tn.Evaluator().Run(tenant.Context{"Order": map[string]any{"Total": 5.0}}, "doubled")
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if got := state.ReturnValue(); got != 10.0 {
		t.Errorf("expected 10.0, got %v", got)
	}
}

func TestManager_UpdateTenantSchema(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	mgr := tenant.NewManager(db)
	tenantID := createTenantRow(t, db, "globex")

	if err := mgr.CreateTenant(tenantID, tenant.Schema{"Order": {"Total": "decimal"}}); err != nil {
		t.Fatalf("CreateTenant() failed: %v", err)
	}

	newSchema := tenant.Schema{
		"Order":    {"Total": "decimal"},
		"Customer": {"IsVIP": "bool"},
	}
	if err := mgr.UpdateTenantSchema(tenantID, newSchema); err != nil {
		t.Fatalf("UpdateTenantSchema() failed: %v", err)
	}

	tn, err := mgr.Get(tenantID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(tn.Schema) != 2 {
		t.Errorf("expected updated schema to have 2 objects, got %d", len(tn.Schema))
	}
}
