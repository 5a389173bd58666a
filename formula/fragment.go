package formula

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Fragment is an opaque handle over a chain of parsed expression
// pieces, each one bound to the context type's globals plus whatever
// earlier pieces in the chain declared.
type Fragment struct {
	pieces []fragmentPiece

	// compiledEnv is set by Compile: the base environment extended
	// with one variable declaration per piece, in chain order. Run
	// uses it to build a Program for each piece.
	compiledEnv *cel.Env
}

type fragmentPiece struct {
	identifier string
	declType   Type
	def        *Definition
	source     string
	ast        *cel.Ast
}

// RunVariable is one declared variable produced by Run, in emission
// order.
type RunVariable struct {
	Name  string
	Type  Type
	Value any
}

// CreateFragment parses expression in isolation (no declared
// identifier) and yields a single-piece Fragment. Used to discover a
// target's dependencies before its declared identifier and type are
// known.
func (p *Parser[C]) CreateFragment(expression string) (*Fragment, error) {
	ast, issues := p.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, &CompilationError{Diagnostics: convertIssues(issues)}
	}
	return &Fragment{pieces: []fragmentPiece{{source: expression, ast: ast}}}, nil
}

// createDeclaredFragment parses expression and yields a single-piece
// Fragment that declares def.Identifier with type def.DataType, the
// shape every dependency and the final target take once emitted
// into a composite.
func (p *Parser[C]) createDeclaredFragment(def *Definition, expression string) (*Fragment, error) {
	ast, issues := p.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, &CompilationError{Identifier: def.Identifier, Diagnostics: convertIssues(issues)}
	}
	return &Fragment{pieces: []fragmentPiece{{
		identifier: def.Identifier,
		declType:   def.DataType,
		def:        def,
		source:     expression,
		ast:        ast,
	}}}, nil
}

// Chain produces a new Fragment representing target then source,
// preserving source's declared variables but dropping any declaration
// whose name target already carries: the first emission wins. Chain is
// associative over a well-formed sequence of Chain calls.
func (p *Parser[C]) Chain(target, source *Fragment) *Fragment {
	declared := make(map[string]bool, len(target.pieces))
	for _, pc := range target.pieces {
		if pc.identifier != "" {
			declared[pc.identifier] = true
		}
	}

	merged := make([]fragmentPiece, len(target.pieces), len(target.pieces)+len(source.pieces))
	copy(merged, target.pieces)
	for _, pc := range source.pieces {
		if pc.identifier != "" && declared[pc.identifier] {
			continue
		}
		merged = append(merged, pc)
		if pc.identifier != "" {
			declared[pc.identifier] = true
		}
	}
	return &Fragment{pieces: merged}
}

// IdentifierReferences returns, in first-seen order, the distinct text
// of every identifier-name node referenced anywhere across f's pieces.
// Field names of member accesses are never included.
func (p *Parser[C]) IdentifierReferences(f *Fragment) []string {
	seen := make(map[string]bool)
	var all []string
	for _, pc := range f.pieces {
		if pc.ast == nil {
			continue
		}
		for _, name := range identifierReferences(pc.ast.NativeRep().Expr()) {
			if seen[name] {
				continue
			}
			seen[name] = true
			all = append(all, name)
		}
	}
	return all
}

// EnforceDeniedNames walks every simple-member-access expression and
// every identifier-name node across f's pieces and returns
// NameAccessDeniedError for the first spelling that exactly matches an
// entry on the parser's denied-names set.
func (p *Parser[C]) EnforceDeniedNames(f *Fragment) error {
	for _, pc := range f.pieces {
		if pc.ast == nil {
			continue
		}
		if err := enforceDeniedNames(pc.ast.NativeRep().Expr(), p.deniedNames); err != nil {
			return err
		}
	}
	return nil
}

// Compile performs full semantic analysis of the chained fragment:
// each piece is type-checked against the environment extended with
// every earlier piece's declaration, so a later piece may reference an
// earlier one by name exactly as a sibling formula reference.
func (p *Parser[C]) Compile(f *Fragment) ([]Diagnostic, error) {
	env := p.env
	var diags []Diagnostic

	for i := range f.pieces {
		pc := &f.pieces[i]

		checked, issues := env.Check(pc.ast)
		diags = append(diags, convertIssues(issues)...)
		if issues != nil && issues.Err() != nil {
			return diags, &CompilationError{Identifier: pc.identifier, Diagnostics: diags}
		}
		pc.ast = checked

		if pc.identifier == "" {
			continue
		}
		extended, err := env.Extend(cel.Variable(pc.identifier, celType(pc.declType)))
		if err != nil {
			return diags, fmt.Errorf("formula: failed to extend environment for %q: %w", pc.identifier, err)
		}
		env = extended
	}

	f.compiledEnv = env
	return diags, nil
}

// Run executes the compiled fragment on a single thread against
// globals, the expression-visible environment contributed by the
// context object. Returns every declared variable in chain order and
// the final piece's value.
func (p *Parser[C]) Run(f *Fragment, globals map[string]any) ([]RunVariable, any, error) {
	if f.compiledEnv == nil {
		return nil, nil, fmt.Errorf("formula: fragment has not been compiled")
	}

	activation := make(map[string]any, len(globals)+len(f.pieces))
	for k, v := range globals {
		activation[k] = v
	}

	vars := make([]RunVariable, 0, len(f.pieces))
	var last any
	for i := range f.pieces {
		pc := &f.pieces[i]
		if pc.identifier == "" {
			continue
		}

		prog, err := f.compiledEnv.Program(pc.ast,
			cel.EvalOptions(cel.OptTrackState),
			cel.CostLimit(1_000_000),
		)
		if err != nil {
			return vars, nil, fmt.Errorf("formula: failed to build program for %q: %w", pc.identifier, err)
		}

		out, _, err := prog.Eval(activation)
		if err != nil {
			return vars, nil, &EvaluationError{Identifier: pc.identifier, Cause: err}
		}

		value := out.Value()
		activation[pc.identifier] = value
		last = value
		vars = append(vars, RunVariable{Name: pc.identifier, Type: pc.declType, Value: value})
	}

	return vars, last, nil
}
