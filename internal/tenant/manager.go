package tenant

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/liamcoop/formulae/formula"
	"github.com/liamcoop/formulae/internal/formulastore"
)

// Context is the shape every tenant's formulae evaluate against: one
// entry per schema object, each itself a bag of fields. Tenant schemas
// vary at runtime, so unlike the single-struct examples in formula's own
// tests, a multi-tenant host has no static Go type to reflect over —
// this is exactly the case formula.WithContextVariables exists for.
type Context = map[string]any

// Tenant bundles everything Manager keeps for one tenant: its schema,
// its formula factory (rebuilt whenever the schema changes), the
// evaluator built from its currently active formulae, and the store
// backing its formula records.
type Tenant struct {
	ID     string
	Schema Schema

	mu        sync.RWMutex
	factory   *formula.Factory[Context]
	evaluator *formula.Evaluator[Context]
	store     formulastore.Store
	cache     formulastore.DefinitionsCache
}

// activeRecords returns the tenant's active formula records, preferring
// the cache over a store round-trip and repopulating it on a miss.
func (t *Tenant) activeRecords() ([]*formulastore.Record, error) {
	if cached := t.cache.Get(); cached != nil {
		return cached, nil
	}
	records, err := t.store.ListActive()
	if err != nil {
		return nil, err
	}
	t.cache.Set(records)
	return records, nil
}

// ActiveRecord returns the active formula record backing identifier,
// serving repeat lookups from the definitions cache and falling back
// to the store on a miss.
func (t *Tenant) ActiveRecord(identifier string) (*formulastore.Record, bool) {
	if r, ok := t.cache.GetByIdentifier(identifier); ok {
		return r, true
	}
	records, err := t.activeRecords()
	if err != nil {
		return nil, false
	}
	for _, r := range records {
		if r.Identifier == identifier {
			return r, true
		}
	}
	return nil, false
}

// Evaluator returns the tenant's current Evaluator, safe to call
// concurrently with UpdateTenantSchema/RefreshFormulas swapping it out.
func (t *Tenant) Evaluator() *formula.Evaluator[Context] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.evaluator
}

// Store returns the formulastore.Store backing this tenant's formula
// records, for callers that need CRUD access beyond evaluation.
func (t *Tenant) Store() formulastore.Store {
	return t.store
}

// Manager owns one Tenant per tenant ID and the database connection
// their stores share.
type Manager struct {
	db            *sql.DB
	deniedNames   []string
	rounding      *formula.RoundingOptions
	maxEvaluators int

	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithDeniedNames blocks every tenant's formulae from referencing the
// given identifiers and dotted member-access spellings.
func WithDeniedNames(names ...string) ManagerOption {
	return func(m *Manager) { m.deniedNames = append(m.deniedNames, names...) }
}

// WithRounding applies a shared RoundingOptions to every tenant's
// evaluators.
func WithRounding(opts *formula.RoundingOptions) ManagerOption {
	return func(m *Manager) { m.rounding = opts }
}

// WithMaxEvaluators bounds each tenant's Factory's MRU evaluator cache.
func WithMaxEvaluators(n int) ManagerOption {
	return func(m *Manager) { m.maxEvaluators = n }
}

// NewManager builds a Manager backed by db. LoadAllTenants must be
// called before tenants created in a prior process are reachable again.
func NewManager(db *sql.DB, opts ...ManagerOption) *Manager {
	m := &Manager{db: db, tenants: make(map[string]*Tenant)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAllTenants reads every tenant row and its active schema, then
// builds a Tenant (factory + evaluator, loaded with that tenant's
// currently active formulae) for each. Call once at startup.
func (m *Manager) LoadAllTenants() error {
	rows, err := m.db.Query(`SELECT id FROM tenants`)
	if err != nil {
		return fmt.Errorf("tenant: failed to list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("tenant: failed to scan tenant row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		schema, err := m.loadActiveSchema(id)
		if err != nil {
			return fmt.Errorf("tenant: failed to load schema for tenant %s: %w", id, err)
		}
		if err := m.buildTenant(id, schema); err != nil {
			return fmt.Errorf("tenant: failed to build tenant %s: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) loadActiveSchema(tenantID string) (Schema, error) {
	var raw []byte
	err := m.db.QueryRow(
		`SELECT definition FROM schemas WHERE tenant_id = $1 AND active = true`, tenantID,
	).Scan(&raw)
	if err != nil {
		return nil, err
	}
	var schema Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("tenant: malformed schema definition: %w", err)
	}
	return schema, nil
}

// CreateTenant stores schema as tenantID's version 1 and builds its
// Evaluator. It does not insert the tenant row: tenantID must already
// exist as a row in tenants (created by the caller, e.g. the HTTP
// handler, whose INSERT takes the id from the table's default).
func (m *Manager) CreateTenant(tenantID string, schema Schema) error {
	if err := ValidateSchema(schema); err != nil {
		return fmt.Errorf("tenant: invalid schema: %w", err)
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tenant: failed to marshal schema: %w", err)
	}

	if _, err := m.db.Exec(
		`INSERT INTO schemas (tenant_id, version, definition, active) VALUES ($1, 1, $2, true)`,
		tenantID, raw,
	); err != nil {
		return fmt.Errorf("tenant: failed to persist schema: %w", err)
	}

	return m.buildTenant(tenantID, schema)
}

// buildTenant constructs a fresh Factory/Evaluator pair for tenantID
// from schema and the formulae currently active in its store, then
// installs it (replacing any prior Tenant with the same ID).
func (m *Manager) buildTenant(tenantID string, schema Schema) error {
	store := formulastore.NewPostgresStore(m.db, tenantID)

	factoryOpts := []formula.ParserOption{
		formula.WithContextVariables(schema.ContextVariables()...),
	}
	if len(m.deniedNames) > 0 {
		factoryOpts = append(factoryOpts, formula.WithDeniedNames(m.deniedNames...))
	}
	factory := formula.NewFactory[Context](formula.FactoryConfig{
		Rounding:      m.rounding,
		MaxEvaluators: m.maxEvaluators,
	}, factoryOpts...)

	cache := formulastore.NewInMemoryDefinitionsCache(formulastore.CacheConfig{
		Refresh: store.ListActive,
	})
	t := &Tenant{ID: tenantID, Schema: schema, factory: factory, store: store, cache: cache}

	records, err := t.activeRecords()
	if err != nil {
		return fmt.Errorf("failed to list active formulae: %w", err)
	}
	defs := make([]*formula.Definition, 0, len(records))
	for _, r := range records {
		defs = append(defs, r.Definition())
	}
	evaluator, err := factory.GetEvaluator(defs)
	if err != nil {
		return fmt.Errorf("failed to build evaluator: %w", err)
	}
	t.evaluator = evaluator

	m.mu.Lock()
	m.tenants[tenantID] = t
	m.mu.Unlock()
	return nil
}

// Get returns the Tenant for tenantID, or an error if it is unknown to
// this Manager.
func (m *Manager) Get(tenantID string) (*Tenant, error) {
	m.mu.RLock()
	t, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tenant: unknown tenant %q", tenantID)
	}
	return t, nil
}

// GetEvaluator is a convenience wrapper over Get(tenantID).Evaluator().
func (m *Manager) GetEvaluator(tenantID string) (*formula.Evaluator[Context], error) {
	t, err := m.Get(tenantID)
	if err != nil {
		return nil, err
	}
	return t.Evaluator(), nil
}

// ListTenants returns every tenant ID this Manager currently knows
// about.
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	return ids
}

// UpdateTenantSchema replaces tenantID's active schema with a new
// version and rebuilds its Factory/Evaluator from it, with zero
// downtime: in-flight Run/GetContainedIdentifiers calls on the old
// Evaluator complete against the old Parser, and only the next call
// observes the replacement, since Tenant.Evaluator swaps a pointer
// under a lock rather than mutating the Evaluator in place.
func (m *Manager) UpdateTenantSchema(tenantID string, schema Schema) error {
	if err := ValidateSchema(schema); err != nil {
		return fmt.Errorf("tenant: invalid schema: %w", err)
	}

	t, err := m.Get(tenantID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tenant: failed to marshal schema: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("tenant: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE schemas SET active = false WHERE tenant_id = $1 AND active = true`, tenantID); err != nil {
		return fmt.Errorf("tenant: failed to deactivate prior schema: %w", err)
	}
	var nextVersion int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) + 1 FROM schemas WHERE tenant_id = $1`, tenantID).Scan(&nextVersion); err != nil {
		return fmt.Errorf("tenant: failed to compute next schema version: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schemas (tenant_id, version, definition, active) VALUES ($1, $2, $3, true)`,
		tenantID, nextVersion, raw,
	); err != nil {
		return fmt.Errorf("tenant: failed to persist new schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tenant: failed to commit schema update: %w", err)
	}

	factoryOpts := []formula.ParserOption{
		formula.WithContextVariables(schema.ContextVariables()...),
	}
	if len(m.deniedNames) > 0 {
		factoryOpts = append(factoryOpts, formula.WithDeniedNames(m.deniedNames...))
	}
	newFactory := formula.NewFactory[Context](formula.FactoryConfig{
		Rounding:      m.rounding,
		MaxEvaluators: m.maxEvaluators,
	}, factoryOpts...)

	t.cache.Invalidate()
	records, err := t.activeRecords()
	if err != nil {
		return fmt.Errorf("tenant: failed to list active formulae: %w", err)
	}
	defs := make([]*formula.Definition, 0, len(records))
	for _, r := range records {
		defs = append(defs, r.Definition())
	}
	newEvaluator, err := newFactory.GetEvaluator(defs)
	if err != nil {
		return fmt.Errorf("tenant: failed to build evaluator for new schema: %w", err)
	}

	t.mu.Lock()
	t.Schema = schema
	t.factory = newFactory
	t.evaluator = newEvaluator
	t.mu.Unlock()
	return nil
}

// RefreshFormulas reloads tenantID's active formulae from its store and
// rebuilds its Evaluator from the current schema's Factory, without
// touching the schema itself. Callers invoke this after any formula
// create/update/delete so the change is visible on the next evaluation.
// Passing the changed identifiers scopes the cache invalidation to
// them, so concurrent ActiveRecord lookups on unaffected formulae keep
// hitting the cache while the full set reloads; with no identifiers
// the whole cache is invalidated (and eagerly refreshed).
func (m *Manager) RefreshFormulas(tenantID string, changed ...string) error {
	t, err := m.Get(tenantID)
	if err != nil {
		return err
	}

	t.mu.RLock()
	factory := t.factory
	t.mu.RUnlock()

	if len(changed) == 0 {
		t.cache.Invalidate()
	} else {
		for _, identifier := range changed {
			t.cache.InvalidateIdentifier(identifier)
		}
	}
	records, err := t.activeRecords()
	if err != nil {
		return fmt.Errorf("tenant: failed to list active formulae: %w", err)
	}
	defs := make([]*formula.Definition, 0, len(records))
	for _, r := range records {
		defs = append(defs, r.Definition())
	}
	evaluator, err := factory.GetEvaluator(defs)
	if err != nil {
		return fmt.Errorf("tenant: failed to rebuild evaluator: %w", err)
	}

	t.mu.Lock()
	t.evaluator = evaluator
	t.mu.Unlock()
	return nil
}

// DeleteTenant removes tenantID from the database (cascading to its
// schemas and formulae) and drops it from the in-memory map.
func (m *Manager) DeleteTenant(tenantID string) error {
	if _, err := m.db.Exec(`DELETE FROM tenants WHERE id = $1`, tenantID); err != nil {
		return fmt.Errorf("tenant: failed to delete tenant %s: %w", tenantID, err)
	}
	m.mu.Lock()
	delete(m.tenants, tenantID)
	m.mu.Unlock()
	return nil
}
