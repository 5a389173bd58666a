package formula

import "testing"

// TestValidate_Pure verifies that Validate produces the same
// diagnostics for the same input and never executes user code (it is parsed
// only, never run).
func TestValidate_Pure(t *testing.T) {
	p, err := NewParser[testContext]()
	if err != nil {
		t.Fatalf("NewParser() failed: %v", err)
	}

	first := p.Validate("X + (")
	second := p.Validate("X + (")
	if len(first) == 0 || len(second) == 0 {
		t.Fatalf("expected diagnostics for malformed expression, got %v / %v", first, second)
	}
	if len(first) != len(second) {
		t.Fatalf("expected repeated Validate calls to agree, got %d vs %d diagnostics", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("diagnostic %d differs between calls: %+v vs %+v", i, first[i], second[i])
		}
	}

	if diags := p.Validate("X + 1"); len(diags) != 0 {
		t.Errorf("expected no diagnostics for well-formed expression, got %v", diags)
	}
}

// TestEnforceDeniedNames_ExactMatchOnly verifies that matching is
// exact over node spellings: a denied dotted spelling denies only
// itself, not sibling spellings sharing a prefix, and an unrelated
// expression is untouched.
func TestEnforceDeniedNames_ExactMatchOnly(t *testing.T) {
	p, err := NewParser[testContext](WithDeniedNames("System.IO"))
	if err != nil {
		t.Fatalf("NewParser() failed: %v", err)
	}

	f, err := p.CreateFragment("X + 1")
	if err != nil {
		t.Fatalf("CreateFragment() failed: %v", err)
	}
	if err := p.EnforceDeniedNames(f); err != nil {
		t.Errorf("expected no denial for unrelated expression, got %v", err)
	}

	sibling, err := p.CreateFragment("System.Math + 1")
	if err != nil {
		t.Fatalf("CreateFragment() failed: %v", err)
	}
	if err := p.EnforceDeniedNames(sibling); err != nil {
		t.Errorf("expected no denial for sibling spelling, got %v", err)
	}

	denied, err := p.CreateFragment("System.IO.size(1)")
	if err != nil {
		t.Fatalf("CreateFragment() failed: %v", err)
	}
	err = p.EnforceDeniedNames(denied)
	if !IsNameAccessDenied(err) {
		t.Fatalf("expected NameAccessDeniedError, got %v", err)
	}
	var accessErr *NameAccessDeniedError
	if e, ok := err.(*NameAccessDeniedError); ok {
		accessErr = e
	}
	if accessErr == nil || accessErr.Name != "System.IO" {
		t.Errorf("expected denial of %q, got %+v", "System.IO", err)
	}
}

// TestIdentifierReferences_ExcludesSelectFieldNames verifies that the
// field name of a member-access expression is never reported
// as an identifier reference, only the base of the chain.
func TestIdentifierReferences_ExcludesSelectFieldNames(t *testing.T) {
	p, err := NewParser[testContext]()
	if err != nil {
		t.Fatalf("NewParser() failed: %v", err)
	}

	f, err := p.CreateFragment("a.b.c")
	if err != nil {
		t.Fatalf("CreateFragment() failed: %v", err)
	}
	refs := p.IdentifierReferences(f)
	if len(refs) != 1 || refs[0] != "a" {
		t.Errorf("expected only base identifier %q, got %v", "a", refs)
	}
}
