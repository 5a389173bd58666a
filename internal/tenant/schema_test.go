package tenant

import "testing"

func TestValidateSchema_Empty(t *testing.T) {
	if err := ValidateSchema(Schema{}); err == nil {
		t.Error("expected error for empty schema")
	}
}

func TestValidateSchema_Valid(t *testing.T) {
	schema := Schema{
		"Order": {
			"Total":    "decimal",
			"Quantity": "int",
		},
		"Customer": {
			"IsVIP": "bool",
		},
	}
	if err := ValidateSchema(schema); err != nil {
		t.Errorf("expected valid schema to pass, got: %v", err)
	}
}

func TestValidateSchema_InvalidObjectName(t *testing.T) {
	schema := Schema{"3Order": {"Total": "decimal"}}
	if err := ValidateSchema(schema); err == nil {
		t.Error("expected error for object name starting with a digit")
	}
}

func TestValidateSchema_ReservedFieldName(t *testing.T) {
	schema := Schema{"Order": {"true": "bool"}}
	if err := ValidateSchema(schema); err == nil {
		t.Error("expected error for reserved field name")
	}
}

func TestValidateSchema_ReservedKeywordNames(t *testing.T) {
	for _, name := range []string{"for", "void", "import", "loop", "namespace", "while"} {
		if err := ValidateSchema(Schema{name: {"Total": "decimal"}}); err == nil {
			t.Errorf("expected error for reserved object name %q", name)
		}
		if err := ValidateSchema(Schema{"Order": {name: "decimal"}}); err == nil {
			t.Errorf("expected error for reserved field name %q", name)
		}
	}
}

func TestValidateSchema_EmptyObject(t *testing.T) {
	schema := Schema{"Order": {}}
	if err := ValidateSchema(schema); err == nil {
		t.Error("expected error for object with no fields")
	}
}

func TestValidateSchema_UnknownFieldType(t *testing.T) {
	schema := Schema{"Order": {"Total": "money"}}
	if err := ValidateSchema(schema); err == nil {
		t.Error("expected error for unrecognised field type")
	}
}

func TestValidateSchema_WhitespaceInType(t *testing.T) {
	schema := Schema{"Order": {"Total": " decimal"}}
	if err := ValidateSchema(schema); err == nil {
		t.Error("expected error for type name with leading whitespace")
	}
}

func TestSchema_ContextVariables(t *testing.T) {
	schema := Schema{
		"Order":    {"Total": "decimal"},
		"Customer": {"IsVIP": "bool"},
	}
	vars := schema.ContextVariables()
	if len(vars) != 2 {
		t.Fatalf("expected 2 context variables, got %d", len(vars))
	}
	names := map[string]bool{}
	for _, v := range vars {
		names[v.Name] = true
	}
	if !names["Order"] || !names["Customer"] {
		t.Errorf("expected Order and Customer among context variables, got %v", vars)
	}
}

func TestParseFieldType_AllRecognised(t *testing.T) {
	names := []string{"int", "double", "decimal", "string", "bool", "bytes", "timestamp", "duration"}
	for _, n := range names {
		if _, ok := parseFieldType(n); !ok {
			t.Errorf("expected %q to be a recognised field type", n)
		}
	}
}
