//go:build integration
// +build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
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

	migrationSQL, err := readMigration(t)
	if err != nil {
		t.Fatalf("failed to read migration file: %v", err)
	}
	if _, err := db.Exec(migrationSQL); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		container.Terminate(ctx)
	}
	return db, cleanup
}

func makeRequest(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	return makeHTTPRequest(t, srv, method, path, &buf)
}

func makeRequestNoBody(t *testing.T, srv http.Handler, method, path string) *httptest.ResponseRecorder {
	return makeHTTPRequest(t, srv, method, path, nil)
}

func makeHTTPRequest(t *testing.T, srv http.Handler, method, path string, body *bytes.Buffer) *httptest.ResponseRecorder {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequest(method, path, body)
	} else {
		req, err = http.NewRequest(method, path, nil)
	}
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestServer_EndToEnd(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	srv, err := NewServerWithDB(db)
	if err != nil {
		t.Fatalf("NewServerWithDB() failed: %v", err)
	}

	rec := makeRequest(t, srv, http.MethodPost, "/api/v1/tenants/", createTenantRequest{
		Name:   "acme",
		Schema: map[string]map[string]string{"Order": {"Total": "decimal"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating tenant, got %d: %s", rec.Code, rec.Body.String())
	}
	var created tenantResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode tenant response: %v", err)
	}

	rec = makeRequest(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/tenants/%s/formulas", created.ID), formulaRequest{
		Identifier: "doubled",
		DataType:   "decimal",
		Expression: "Order.Total * 2.0",
		Active:     true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating formula, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = makeRequest(t, srv, http.MethodPost, "/api/v1/evaluate", evaluateRequest{
		TenantID: created.ID,
		Target:   "doubled",
		Context:  map[string]any{"Order": map[string]any{"Total": 5.0}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 evaluating, got %d: %s", rec.Code, rec.Body.String())
	}
	var evalResp evaluateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &evalResp); err != nil {
		t.Fatalf("failed to decode evaluate response: %v", err)
	}
	if evalResp.ReturnValue != 10.0 {
		t.Errorf("expected returnValue 10.0, got %v", evalResp.ReturnValue)
	}

	rec = makeRequestNoBody(t, srv, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health check, got %d", rec.Code)
	}
}

func readMigration(t *testing.T) (string, error) {
	t.Helper()
	data, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
