package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/liamcoop/formulae/formula"
	"github.com/liamcoop/formulae/internal/formulastore"
	"github.com/liamcoop/formulae/internal/observability"
	"github.com/liamcoop/formulae/internal/tenant"
)

// Server holds the state one running process needs: the database
// connection, the per-tenant Evaluator manager, and the HTTP router.
type Server struct {
	db      *sql.DB
	tenants *tenant.Manager
	router  *chi.Mux
}

// NewServerWithDB builds a Server around an already-open database
// connection, useful for tests that provision their own (e.g.
// testcontainers-backed) database.
func NewServerWithDB(db *sql.DB) (*Server, error) {
	mgr := tenant.NewManager(db, tenant.WithRounding(&formula.RoundingOptions{
		RoundedDecimalsCount: 2,
		MidpointRounding:     formula.ToEven,
	}))

	observability.Info("loading tenants from database")
	if err := mgr.LoadAllTenants(); err != nil {
		return nil, fmt.Errorf("failed to load tenants: %w", err)
	}
	observability.Info("loaded tenants", "count", len(mgr.ListTenants()))

	s := &Server{db: db, tenants: mgr}
	s.setupRoutes()
	return s, nil
}

// NewServer opens databaseURL and builds a Server around it.
func NewServer(databaseURL string) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewServerWithDB(db)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Delete("/", s.handleDeleteTenant)

			r.Get("/schema", s.handleGetSchema)
			r.Post("/schema", s.handleUpdateSchema)

			r.Get("/dependencies/{identifier}", s.handleDependencies)

			r.Post("/formulas", s.handleCreateFormula)
			r.Get("/formulas", s.handleListFormulas)
			r.Get("/formulas/{formulaId}", s.handleGetFormula)
			r.Put("/formulas/{formulaId}", s.handleUpdateFormula)
			r.Delete("/formulas/{formulaId}", s.handleDeleteFormula)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"tenantsLoaded": len(s.tenants.ListTenants()),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenantId is required", nil)
		return
	}
	if req.Target == "" {
		respondError(w, http.StatusBadRequest, "target is required", nil)
		return
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}

	evaluator, err := s.tenants.GetEvaluator(req.TenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	start := time.Now()
	state, err := evaluator.Run(req.Context, req.Target)
	elapsed := time.Since(start)
	if elapsed > 500*time.Millisecond {
		observability.WarnSlowRequest()
	}
	if err != nil {
		respondFormulaError(w, req.Target, err)
		return
	}

	respondJSON(w, http.StatusOK, toEvaluateResponse(state, elapsed))
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`SELECT id, name, created_at, updated_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list tenants", err)
		return
	}
	defer rows.Close()

	type tenantRow struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	out := []tenantRow{}
	for rows.Next() {
		var t tenantRow
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to scan tenant", err)
			return
		}
		out = append(out, t)
	}
	respondJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if len(req.Schema) == 0 {
		respondError(w, http.StatusBadRequest, "schema is required", nil)
		return
	}

	var tenantID string
	err := s.db.QueryRow(
		`INSERT INTO tenants (name, created_at, updated_at) VALUES ($1, NOW(), NOW()) RETURNING id`,
		req.Name,
	).Scan(&tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create tenant", err)
		return
	}

	if err := s.tenants.CreateTenant(tenantID, tenant.Schema(req.Schema)); err != nil {
		respondError(w, http.StatusBadRequest, "failed to register schema", err)
		return
	}

	respondJSON(w, http.StatusCreated, tenantResponse{ID: tenantID})
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if err := s.tenants.DeleteTenant(tenantID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete tenant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	t, err := s.tenants.Get(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"definition": t.Schema})
}

func (s *Server) handleUpdateSchema(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req schemaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.tenants.UpdateTenantSchema(tenantID, tenant.Schema(req.Definition)); err != nil {
		respondError(w, http.StatusBadRequest, "failed to update schema", err)
		return
	}

	t, _ := s.tenants.Get(tenantID)
	active, _ := t.Store().ListActive()

	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "active",
		"formulaeRecompiled": len(active),
	})
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	identifier := chi.URLParam(r, "identifier")

	t, err := s.tenants.Get(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	ids, err := t.Evaluator().GetContainedIdentifiers(identifier)
	if err != nil {
		respondFormulaError(w, identifier, err)
		return
	}

	out := make([]identifierResponse, 0, len(ids))
	for _, id := range ids {
		resp := identifierResponse{Name: id.Name, HasFormula: id.Definition != nil}
		if id.Definition != nil {
			if rec, ok := t.ActiveRecord(id.Name); ok {
				resp.FormulaID = rec.ID
			}
		}
		out = append(out, resp)
	}
	respondJSON(w, http.StatusOK, map[string]any{"identifiers": out})
}

func (s *Server) handleCreateFormula(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	var req formulaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Identifier == "" || req.Expression == "" {
		respondError(w, http.StatusBadRequest, "identifier and expression are required", nil)
		return
	}

	t, err := s.tenants.Get(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	rec := &formulastore.Record{
		ID:                    uuid.New().String(),
		TenantID:              tenantID,
		Identifier:            req.Identifier,
		DataType:              formulastore.ParseDataType(req.DataType),
		Expression:            req.Expression,
		IgnoreRoundingOptions: req.IgnoreRoundingOptions,
		Active:                req.Active,
	}
	if err := t.Store().Add(rec); err != nil {
		respondError(w, http.StatusBadRequest, "failed to add formula", err)
		return
	}
	if err := s.tenants.RefreshFormulas(tenantID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to recompile formulae", err)
		return
	}

	respondJSON(w, http.StatusCreated, toFormulaResponse(rec))
}

func (s *Server) handleListFormulas(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	t, err := s.tenants.Get(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	records, err := t.Store().ListActive()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list formulae", err)
		return
	}
	out := make([]formulaResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toFormulaResponse(rec))
	}
	respondJSON(w, http.StatusOK, map[string]any{"formulas": out})
}

func (s *Server) handleGetFormula(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	formulaID := chi.URLParam(r, "formulaId")

	t, err := s.tenants.Get(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}
	rec, err := t.Store().Get(formulaID)
	if err != nil {
		respondError(w, http.StatusNotFound, "formula not found", err)
		return
	}
	respondJSON(w, http.StatusOK, toFormulaResponse(rec))
}

func (s *Server) handleUpdateFormula(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	formulaID := chi.URLParam(r, "formulaId")

	var req formulaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	t, err := s.tenants.Get(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	rec := &formulastore.Record{
		ID:                    formulaID,
		TenantID:              tenantID,
		Identifier:            req.Identifier,
		DataType:              formulastore.ParseDataType(req.DataType),
		Expression:            req.Expression,
		IgnoreRoundingOptions: req.IgnoreRoundingOptions,
		Active:                req.Active,
	}
	if err := t.Store().Update(rec); err != nil {
		respondError(w, http.StatusBadRequest, "failed to update formula", err)
		return
	}
	if err := s.tenants.RefreshFormulas(tenantID, req.Identifier); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to recompile formulae", err)
		return
	}

	updated, _ := t.Store().Get(formulaID)
	respondJSON(w, http.StatusOK, toFormulaResponse(updated))
}

func (s *Server) handleDeleteFormula(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	formulaID := chi.URLParam(r, "formulaId")

	t, err := s.tenants.Get(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}
	rec, err := t.Store().Get(formulaID)
	if err != nil {
		respondError(w, http.StatusNotFound, "formula not found", err)
		return
	}
	if err := t.Store().Delete(formulaID); err != nil {
		respondError(w, http.StatusNotFound, "formula not found", err)
		return
	}
	if err := s.tenants.RefreshFormulas(tenantID, rec.Identifier); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to recompile formulae", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toFormulaResponse(r *formulastore.Record) formulaResponse {
	return formulaResponse{
		ID:                    r.ID,
		Identifier:            r.Identifier,
		DataType:              formulastore.DataTypeName(r.DataType),
		Expression:            r.Expression,
		IgnoreRoundingOptions: r.IgnoreRoundingOptions,
		Active:                r.Active,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
}

func toEvaluateResponse(state *formula.EvaluationState, elapsed time.Duration) evaluateResponse {
	vars := make([]evaluationVariableResponse, 0, len(state.Variables))
	for _, v := range state.Variables {
		vars = append(vars, evaluationVariableResponse{
			Name:              v.Name,
			Type:              v.Type.String(),
			Value:             v.Value,
			FormulaExpression: v.FormulaExpression,
			IsRounded:         v.IsRounded,
		})
	}
	diags := make([]diagnosticResponse, 0, len(state.Diagnostics))
	for _, d := range state.Diagnostics {
		diags = append(diags, diagnosticResponse{Severity: d.Severity.String(), Message: d.Message})
	}
	return evaluateResponse{
		Target:         state.Identifier,
		ReturnValue:    state.ReturnValue(),
		Variables:      vars,
		Diagnostics:    diags,
		EvaluationTime: elapsed.String(),
	}
}

// respondFormulaError maps a formula package error onto an HTTP status:
// a missing identifier or a failed compilation are the caller's fault
// (400/404), anything else is ours (500).
func respondFormulaError(w http.ResponseWriter, identifier string, err error) {
	switch {
	case formula.IsNoFormulaForIdentifier(err):
		observability.WarnHTTP4xx()
		respondError(w, http.StatusNotFound, fmt.Sprintf("no formula for identifier %q", identifier), err)
	case formula.IsCompilationError(err), formula.IsNameAccessDenied(err):
		observability.WarnHTTP4xx()
		respondError(w, http.StatusBadRequest, "failed to compile formula", err)
	default:
		observability.ErrorHTTP5xx()
		respondError(w, http.StatusInternalServerError, "evaluation failed", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		observability.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	server, err := NewServer(databaseURL)
	if err != nil {
		observability.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer server.db.Close()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		observability.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observability.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	observability.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		observability.Error("server shutdown error", "error", err)
	}
	observability.Shutdown(ctx)
	observability.Info("server stopped")
}
