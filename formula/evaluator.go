package formula

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// compiledEntry is what the per-identifier cache actually stores: the
// composed, compiled Fragment for one target plus the non-fatal
// diagnostics collected while compiling it.
type compiledEntry struct {
	fragment    *Fragment
	diagnostics []Diagnostic
}

// FragmentHook lets a host rewrite a composite fragment before it is
// checked for denied names and compiled. The default is the identity
// function.
type FragmentHook func(*Fragment) *Fragment

// Evaluator owns one definition set and the compiled fragments derived
// from it. A single instance tolerates concurrent Run
// calls from multiple goroutines: the per-identifier fragment cache is
// a sync.Map with at-least-once compilation semantics — two goroutines
// racing to resolve the same identifier may both build a composite,
// but only one is retained, and the two are interchangeable because
// composition is a pure function of (definitions, rounding options,
// parser, target).
type Evaluator[C any] struct {
	parser            *Parser[C]
	definitionsByName map[string]*Definition
	roundingOptions   *RoundingOptions

	compiledFragmentCache sync.Map // string -> *compiledEntry

	onFragmentCreated FragmentHook
}

func newEvaluator[C any](parser *Parser[C], defs []*Definition, rounding *RoundingOptions) *Evaluator[C] {
	byName := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		byName[d.Identifier] = d
	}
	return &Evaluator[C]{
		parser:            parser,
		definitionsByName: byName,
		roundingOptions:   rounding,
		onFragmentCreated: func(f *Fragment) *Fragment { return f },
	}
}

// OnFragmentCreated installs a host-supplied rewrite hook applied to
// every composite fragment immediately after composition and before
// denied-name enforcement and compilation. A
// nil hook resets to the identity function.
func (e *Evaluator[C]) OnFragmentCreated(hook FragmentHook) {
	if hook == nil {
		hook = func(f *Fragment) *Fragment { return f }
	}
	e.onFragmentCreated = hook
}

// Run compiles (on first demand) and executes the composite program
// for target against ctx, returning the full evaluation record.
func (e *Evaluator[C]) Run(ctx C, target string) (*EvaluationState, error) {
	if target == "" {
		return nil, &ArgumentMissingError{Param: "target"}
	}
	if isNilContext(ctx) {
		return nil, &ArgumentMissingError{Param: "context"}
	}

	entry, err := e.composeFragment(target)
	if err != nil {
		return nil, err
	}

	globals := contextToGlobals(ctx)
	runVars, _, err := e.parser.Run(entry.fragment, globals)
	if err != nil {
		return nil, err
	}

	variables := make([]EvaluationVariable, 0, len(runVars))
	byName := make(map[string]EvaluationVariable, len(runVars))
	for _, rv := range runVars {
		def := e.definitionsByName[rv.Name]

		ev := EvaluationVariable{
			Name:       rv.Name,
			Type:       rv.Type,
			IsReadOnly: true,
			Value:      rv.Value,
		}
		if def != nil {
			ev.FormulaExpression = def.Expression
		}
		if roundingApplies(e.roundingOptions, def) {
			if dec, ok := toDecimal(rv.Value); ok {
				ev.Value = round(dec, *e.roundingOptions)
				ev.IsRounded = true
			}
		}

		variables = append(variables, ev)
		byName[rv.Name] = ev
	}

	return &EvaluationState{
		Identifier:      target,
		Variables:       variables,
		VariablesByName: byName,
		Diagnostics:     entry.diagnostics,
	}, nil
}

// GetContainedIdentifiers compiles the composite for target and
// returns, in ascending name order, every identifier textually
// referenced anywhere in that composite's chain — not the declared
// names themselves, only the names they reference — each annotated
// with its backing Definition when one exists.
func (e *Evaluator[C]) GetContainedIdentifiers(target string) ([]Identifier, error) {
	if target == "" {
		return nil, &ArgumentMissingError{Param: "target"}
	}

	entry, err := e.composeFragment(target)
	if err != nil {
		return nil, err
	}

	names := e.parser.IdentifierReferences(entry.fragment)
	sort.Strings(names)

	out := make([]Identifier, 0, len(names))
	for _, n := range names {
		out = append(out, Identifier{Name: n, Definition: e.definitionsByName[n]})
	}
	return out, nil
}

// composeFragment looks up target, resolves and chains its transitive
// dependencies, applies the fragment-created hook, enforces denied
// names, and compiles. The result is cached by identifier; a failed
// composite is never retained, so the next call retries from scratch.
func (e *Evaluator[C]) composeFragment(target string) (*compiledEntry, error) {
	if cached, ok := e.compiledFragmentCache.Load(target); ok {
		return cached.(*compiledEntry), nil
	}

	def, ok := e.definitionsByName[target]
	if !ok {
		return nil, &NoFormulaForIdentifierError{Identifier: target}
	}

	composite, err := e.buildComposite(target, def, make(map[string]bool))
	if err != nil {
		return nil, err
	}

	composite = e.onFragmentCreated(composite)

	if err := e.parser.EnforceDeniedNames(composite); err != nil {
		return nil, err
	}

	diags, err := e.parser.Compile(composite)
	if err != nil {
		return nil, err
	}

	entry := &compiledEntry{fragment: composite, diagnostics: diags}
	actual, _ := e.compiledFragmentCache.LoadOrStore(target, entry)
	return actual.(*compiledEntry), nil
}

// buildComposite emits every transitive formula dependency of name
// exactly once, each before its first referencer, then appends name's
// own declaration. resolved tracks every name already on the current
// resolution path (not merely already emitted): marking name resolved
// before recursing into its own references is what turns a cyclic
// reference into a skipped re-emission rather than infinite recursion.
// The skipped name is then simply absent from its referencer's
// declaration scope, and the later Compile call reports it as an
// undefined symbol.
func (e *Evaluator[C]) buildComposite(name string, def *Definition, resolved map[string]bool) (*Fragment, error) {
	resolved[name] = true

	preParse, err := e.parser.CreateFragment(def.Expression)
	if err != nil {
		return nil, err
	}
	refs := e.parser.IdentifierReferences(preParse)

	composite := &Fragment{}
	for _, n := range refs {
		if n == name || resolved[n] {
			continue
		}
		depDef, isFormula := e.definitionsByName[n]
		if !isFormula {
			continue
		}

		if cached, ok := e.compiledFragmentCache.Load(n); ok {
			resolved[n] = true
			composite = e.parser.Chain(composite, cached.(*compiledEntry).fragment)
			continue
		}

		depComposite, err := e.buildComposite(n, depDef, resolved)
		if err != nil {
			return nil, err
		}
		composite = e.parser.Chain(composite, depComposite)
	}

	declared, err := e.parser.createDeclaredFragment(def, def.Expression)
	if err != nil {
		return nil, err
	}
	return e.parser.Chain(composite, declared), nil
}

// isNilContext reports whether ctx (boxed from the generic context
// type C) is a nil pointer, map, slice, channel, func, or interface:
// the kinds of context value that can meaningfully be nil.
func isNilContext(ctx any) bool {
	v := reflect.ValueOf(ctx)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface, reflect.Slice, reflect.Chan, reflect.Func:
		return v.IsNil()
	default:
		return false
	}
}

// contextToGlobals turns a context object into the map CEL's
// Program.Eval expects as its globals. map[string]any contexts are
// used directly; struct contexts are reflected field-by-field, one
// top-level global per exported field, matching how Parser derives
// ContextVariable declarations for the same type.
func contextToGlobals(ctx any) map[string]any {
	if m, ok := ctx.(map[string]any); ok {
		return m
	}

	v := reflect.ValueOf(ctx)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return map[string]any{}
		}
		v = v.Elem()
	}

	out := map[string]any{}
	if v.Kind() != reflect.Struct {
		return out
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		out[f.Name] = v.Field(i).Interface()
	}
	return out
}

// Evaluate runs target against ctx and casts its return value to T.
// It is a free function rather than a method because Go methods
// cannot introduce a type parameter beyond their receiver's.
func Evaluate[C any, T any](e *Evaluator[C], ctx C, target string) (T, error) {
	var zero T

	state, err := e.Run(ctx, target)
	if err != nil {
		return zero, err
	}

	val := state.ReturnValue()
	if val == nil {
		return zero, nil
	}

	typed, ok := val.(T)
	if !ok {
		return zero, &EvaluationError{
			Identifier: target,
			Cause:      fmt.Errorf("value of type %T is not assignable to %T", val, zero),
		}
	}
	return typed, nil
}
