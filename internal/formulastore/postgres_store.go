package formulastore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store backed by PostgreSQL, scoped to one
// tenant's rows in the shared `formulas` table.
type PostgresStore struct {
	db       *sql.DB
	tenantID string
}

// NewPostgresStore creates a PostgreSQL-backed Store for tenantID.
func NewPostgresStore(db *sql.DB, tenantID string) *PostgresStore {
	return &PostgresStore{db: db, tenantID: tenantID}
}

// Add inserts a new formula row.
func (s *PostgresStore) Add(r *Record) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM formulas WHERE id = $1 AND tenant_id = $2)
	`, r.ID, s.tenantID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check formula existence: %w", err)
	}
	if exists {
		return fmt.Errorf("formula with ID %s already exists", r.ID)
	}
	if r.Active {
		if err := s.checkIdentifierFree(r.Identifier, r.ID); err != nil {
			return err
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO formulas
			(id, tenant_id, identifier, data_type, expression, ignore_rounding_options, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.ID, s.tenantID, r.Identifier, DataTypeName(r.DataType), r.Expression,
		r.IgnoreRoundingOptions, r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert formula: %w", err)
	}
	return nil
}

// Get retrieves a formula row by ID.
func (s *PostgresStore) Get(id string) (*Record, error) {
	var r Record
	var dataType string
	err := s.db.QueryRow(`
		SELECT id, identifier, data_type, expression, ignore_rounding_options, active, created_at, updated_at
		FROM formulas
		WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID).Scan(
		&r.ID, &r.Identifier, &dataType, &r.Expression,
		&r.IgnoreRoundingOptions, &r.Active, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("formula %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get formula: %w", err)
	}
	r.TenantID = s.tenantID
	r.DataType = ParseDataType(dataType)
	return &r, nil
}

// ListActive returns every active formula for the tenant, oldest first.
func (s *PostgresStore) ListActive() ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT id, identifier, data_type, expression, ignore_rounding_options, active, created_at, updated_at
		FROM formulas
		WHERE tenant_id = $1 AND active = true
		ORDER BY created_at ASC
	`, s.tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active formulas: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		var dataType string
		if err := rows.Scan(&r.ID, &r.Identifier, &dataType, &r.Expression,
			&r.IgnoreRoundingOptions, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan formula: %w", err)
		}
		r.TenantID = s.tenantID
		r.DataType = ParseDataType(dataType)
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating formulas: %w", err)
	}
	return records, nil
}

// checkIdentifierFree rejects an identifier already claimed by a
// different active row for this tenant, so a rename or activation
// surfaces a clear error instead of a raw unique-index violation.
func (s *PostgresStore) checkIdentifierFree(identifier, excludeID string) error {
	var claimed bool
	err := s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM formulas
			WHERE tenant_id = $1 AND identifier = $2 AND active = true AND id <> $3
		)
	`, s.tenantID, identifier, excludeID).Scan(&claimed)
	if err != nil {
		return fmt.Errorf("failed to check identifier uniqueness: %w", err)
	}
	if claimed {
		return fmt.Errorf("an active formula named %q already exists", identifier)
	}
	return nil
}

// Update modifies an existing formula row, holding renames and
// activations to the same uniqueness rule as Add.
func (s *PostgresStore) Update(r *Record) error {
	if _, err := s.Get(r.ID); err != nil {
		return err
	}
	if r.Active {
		if err := s.checkIdentifierFree(r.Identifier, r.ID); err != nil {
			return err
		}
	}
	r.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE formulas
		SET identifier = $1, data_type = $2, expression = $3, ignore_rounding_options = $4,
		    active = $5, updated_at = $6
		WHERE id = $7 AND tenant_id = $8
	`, r.Identifier, DataTypeName(r.DataType), r.Expression, r.IgnoreRoundingOptions,
		r.Active, r.UpdatedAt, r.ID, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to update formula: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("formula %s not found", r.ID)
	}
	return nil
}

// Delete removes a formula row.
func (s *PostgresStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM formulas WHERE id = $1 AND tenant_id = $2
	`, id, s.tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete formula: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("formula %s not found", id)
	}
	return nil
}
