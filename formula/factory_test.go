package formula

import "testing"

// TestFactory_GetEvaluator_CachesByCompositeKey verifies that two
// calls with definition sets sharing the same composite key (same
// FormulaIDs, any order) return the identical cached Evaluator.
func TestFactory_GetEvaluator_CachesByCompositeKey(t *testing.T) {
	f := NewFactory[testContext](FactoryConfig{})

	d1 := defs(
		&Definition{Identifier: "a", DataType: TypeInt, Expression: "1", FormulaID: "a@1"},
		&Definition{Identifier: "b", DataType: TypeInt, Expression: "2", FormulaID: "b@1"},
	)
	// Same FormulaIDs, reversed order.
	d2 := defs(d1[1], d1[0])

	e1, err := f.GetEvaluator(d1)
	if err != nil {
		t.Fatalf("GetEvaluator(d1) failed: %v", err)
	}
	e2, err := f.GetEvaluator(d2)
	if err != nil {
		t.Fatalf("GetEvaluator(d2) failed: %v", err)
	}
	if e1 != e2 {
		t.Errorf("expected identical Evaluator for equal composite keys")
	}

	d3 := defs(
		&Definition{Identifier: "a", DataType: TypeInt, Expression: "1", FormulaID: "a@2"},
		&Definition{Identifier: "b", DataType: TypeInt, Expression: "2", FormulaID: "b@1"},
	)
	e3, err := f.GetEvaluator(d3)
	if err != nil {
		t.Fatalf("GetEvaluator(d3) failed: %v", err)
	}
	if e3 == e1 {
		t.Errorf("expected a distinct Evaluator when a FormulaID changes")
	}
}

// TestFactory_FlushEvaluatorsCache verifies FlushEvaluatorsCache discards
// every cached Evaluator without touching the shared Parser.
func TestFactory_FlushEvaluatorsCache(t *testing.T) {
	f := NewFactory[testContext](FactoryConfig{})
	d := defs(&Definition{Identifier: "a", DataType: TypeInt, Expression: "1", FormulaID: "a@1"})

	e1, err := f.GetEvaluator(d)
	if err != nil {
		t.Fatalf("GetEvaluator() failed: %v", err)
	}
	p1, err := f.GetParser()
	if err != nil {
		t.Fatalf("GetParser() failed: %v", err)
	}

	f.FlushEvaluatorsCache()

	e2, err := f.GetEvaluator(d)
	if err != nil {
		t.Fatalf("GetEvaluator() after flush failed: %v", err)
	}
	if e1 == e2 {
		t.Errorf("expected a fresh Evaluator after FlushEvaluatorsCache")
	}

	p2, err := f.GetParser()
	if err != nil {
		t.Fatalf("GetParser() after flush failed: %v", err)
	}
	if p1 != p2 {
		t.Errorf("expected the shared Parser to survive FlushEvaluatorsCache")
	}
}

// TestFactory_MaxEvaluators_Evicts verifies the MRU eviction contract: the
// oldest entry is dropped once the bound is exceeded.
func TestFactory_MaxEvaluators_Evicts(t *testing.T) {
	f := NewFactory[testContext](FactoryConfig{MaxEvaluators: 1})

	dA := defs(&Definition{Identifier: "a", DataType: TypeInt, Expression: "1", FormulaID: "a@1"})
	dB := defs(&Definition{Identifier: "b", DataType: TypeInt, Expression: "2", FormulaID: "b@1"})

	evA, err := f.GetEvaluator(dA)
	if err != nil {
		t.Fatalf("GetEvaluator(dA) failed: %v", err)
	}
	if _, err := f.GetEvaluator(dB); err != nil {
		t.Fatalf("GetEvaluator(dB) failed: %v", err)
	}

	evAagain, err := f.GetEvaluator(dA)
	if err != nil {
		t.Fatalf("GetEvaluator(dA) again failed: %v", err)
	}
	if evA == evAagain {
		t.Errorf("expected dA's Evaluator to have been evicted once dB was added past the bound")
	}
}

// TestCompositeKey_RejectsMissingFormulaID verifies that a definition
// without a FormulaID cannot be fingerprinted, since it could not
// invalidate the cache on content change.
func TestCompositeKey_RejectsMissingFormulaID(t *testing.T) {
	f := NewFactory[testContext](FactoryConfig{})
	d := defs(&Definition{Identifier: "a", DataType: TypeInt, Expression: "1"})

	if _, err := f.GetEvaluator(d); err == nil {
		t.Errorf("expected an error for a definition with no FormulaID")
	}
}
