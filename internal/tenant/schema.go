// Package tenant keeps one formula.Evaluator per tenant, each built from
// that tenant's data schema and active formula set. The schema supplies
// the context variables every formula in that tenant may read.
package tenant

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/liamcoop/formulae/formula"
)

// Schema describes a tenant's context: the top-level objects every formula
// may read, and the declared type of each object's fields.
type Schema map[string]map[string]string

// ValidateSchema checks a schema for structural validity: at least one
// object, at least one field per object, identifier-shaped names, and
// recognised field type spellings.
func ValidateSchema(schema Schema) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema cannot be empty, must contain at least one object definition")
	}
	if len(schema) > 100 {
		return fmt.Errorf("schema contains %d objects, maximum allowed is 100", len(schema))
	}

	for objectName, fields := range schema {
		if err := validateIdentifier(objectName); err != nil {
			return fmt.Errorf("invalid object name %q: %w", objectName, err)
		}
		if len(fields) == 0 {
			return fmt.Errorf("object %q must contain at least one field", objectName)
		}
		if len(fields) > 200 {
			return fmt.Errorf("object %q contains %d fields, maximum allowed is 200", objectName, len(fields))
		}

		for fieldName, typeName := range fields {
			if err := validateIdentifier(fieldName); err != nil {
				return fmt.Errorf("invalid field name %q in object %q: %w", fieldName, objectName, err)
			}
			if typeName == "" {
				return fmt.Errorf("field %q in object %q has empty type name", fieldName, objectName)
			}
			if strings.TrimSpace(typeName) != typeName {
				return fmt.Errorf("field %q in object %q has type with leading/trailing whitespace: %q", fieldName, objectName, typeName)
			}
			if _, ok := parseFieldType(typeName); !ok {
				return fmt.Errorf("field %q in object %q has invalid type %q (must be one of: int, double, decimal, string, bool, bytes, timestamp, duration)", fieldName, objectName, typeName)
			}
		}
	}

	return nil
}

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$")
	}
	if isReservedName(name) {
		return fmt.Errorf("cannot use reserved name %q as identifier", name)
	}
	return nil
}

// isReservedName reports whether name collides with a CEL literal,
// keyword, or reserved identifier. CEL reserves most of these even
// though they have no function in the language today; a schema object
// or field named after one would pass parsing here only to fail later
// with an opaque compile error, so they are rejected up front.
func isReservedName(name string) bool {
	switch name {
	case "true", "false", "null", "in", "as",
		"break", "const", "continue", "else", "for", "function",
		"if", "import", "let", "loop", "package", "namespace",
		"return", "var", "void", "while":
		return true
	default:
		return false
	}
}

// parseFieldType maps a schema field's declared type name to a
// formula.Type. Schema field types exist only to document the shape of a
// tenant's objects to callers; the objects themselves are always declared
// to the Parser as a single formula.TypeDyn variable per object (see
// ContextVariables below), since CEL has no static row-typing for a nested
// map[string]any the way a host struct would.
func parseFieldType(name string) (formula.Type, bool) {
	switch name {
	case "int":
		return formula.TypeInt, true
	case "double":
		return formula.TypeDouble, true
	case "decimal":
		return formula.TypeDecimal, true
	case "string":
		return formula.TypeString, true
	case "bool":
		return formula.TypeBool, true
	case "bytes":
		return formula.TypeBytes, true
	case "timestamp":
		return formula.TypeTimestamp, true
	case "duration":
		return formula.TypeDuration, true
	default:
		return formula.TypeDyn, false
	}
}

// ContextVariables projects a Schema onto the declarations formula.Parser
// needs: one formula.ContextVariable per top-level object.
func (s Schema) ContextVariables() []formula.ContextVariable {
	vars := make([]formula.ContextVariable, 0, len(s))
	for object := range s {
		vars = append(vars, formula.ContextVariable{Name: object, Type: formula.TypeDyn})
	}
	return vars
}
