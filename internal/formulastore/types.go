// Package formulastore persists formula definitions on behalf of a host.
// The formula package itself never touches storage; this package is the
// concrete collaborator a runnable host needs around it, with an
// in-memory and a Postgres-backed implementation.
package formulastore

import (
	"time"

	"github.com/liamcoop/formulae/formula"
)

// Record is one persisted formula: a formula.Definition plus the metadata
// the store itself owns (tenant scoping, activation state, timestamps).
type Record struct {
	ID                    string
	TenantID              string
	Identifier            string
	DataType              formula.Type
	Expression            string
	IgnoreRoundingOptions bool
	Active                bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Definition projects r onto the read-only formula.Definition the core
// package consumes. FormulaID is derived from ID and UpdatedAt so that an
// edit to a formula's expression - which always touches UpdatedAt - expires
// any Evaluator cached under the old fingerprint.
func (r *Record) Definition() *formula.Definition {
	return &formula.Definition{
		Identifier:            r.Identifier,
		DataType:              r.DataType,
		Expression:            r.Expression,
		IgnoreRoundingOptions: r.IgnoreRoundingOptions,
		FormulaID:             r.ID + "@" + r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// dataTypeNames maps formula.Type to the wire/storage spelling of a data
// type and back.
var dataTypeNames = map[formula.Type]string{
	formula.TypeDyn:       "dyn",
	formula.TypeInt:       "int",
	formula.TypeDouble:    "double",
	formula.TypeDecimal:   "decimal",
	formula.TypeString:    "string",
	formula.TypeBool:      "bool",
	formula.TypeBytes:     "bytes",
	formula.TypeTimestamp: "timestamp",
	formula.TypeDuration:  "duration",
}

// ParseDataType converts the storage spelling of a data type back into a
// formula.Type. Unrecognised spellings resolve to formula.TypeDyn.
func ParseDataType(name string) formula.Type {
	for t, n := range dataTypeNames {
		if n == name {
			return t
		}
	}
	return formula.TypeDyn
}

// DataTypeName renders t in its storage spelling.
func DataTypeName(t formula.Type) string {
	if n, ok := dataTypeNames[t]; ok {
		return n
	}
	return "dyn"
}
