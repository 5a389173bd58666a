package formula

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// Parser is the narrow, fixed-policy façade over the embedded
// expression compiler. It is parameterised by the
// context type C: the type whose exported fields become the globals
// every formula may read. Construction derives one CEL variable per
// exported field of C by reflection; hosts
// whose context type has no static field list (e.g. map[string]any)
// must supply WithContextVariables explicitly.
//
// The compiler is always configured with unsafe operations disabled
// and arithmetic overflow checking enabled — this is CEL's own
// default behaviour (CEL has no unchecked-arithmetic mode and no
// filesystem/reflection escape hatches to disable), so the adapter's
// "fixed policy" amounts to never opting into an extension that would
// add one. Standard references/imports are cel-go's ext.Math,
// ext.Strings and ext.Encoders, always loaded.
type Parser[C any] struct {
	env         *cel.Env
	deniedNames map[string]struct{}
}

// ParserOption configures a Parser at construction.
type ParserOption func(*parserConfig)

type parserConfig struct {
	envOptions  []cel.EnvOption
	deniedNames []string
	contextVars []ContextVariable
}

// WithReferences adds additional cel.EnvOption values (extension
// libraries, extra type registrations) beyond the always-on standard
// set.
func WithReferences(opts ...cel.EnvOption) ParserOption {
	return func(c *parserConfig) {
		c.envOptions = append(c.envOptions, opts...)
	}
}

// WithContainer sets the CEL container (namespace) formulae resolve
// unqualified names against.
func WithContainer(name string) ParserOption {
	return func(c *parserConfig) {
		c.envOptions = append(c.envOptions, cel.Container(name))
	}
}

// WithDeniedNames adds identifiers and dotted member-access spellings
// that no formula may reference.
func WithDeniedNames(names ...string) ParserOption {
	return func(c *parserConfig) {
		c.deniedNames = append(c.deniedNames, names...)
	}
}

// WithContextVariables overrides the reflection-derived list of
// top-level context globals. Required when C has no static field list.
func WithContextVariables(vars ...ContextVariable) ParserOption {
	return func(c *parserConfig) {
		c.contextVars = append(c.contextVars, vars...)
	}
}

// NewParser builds a Parser for context type C.
func NewParser[C any](opts ...ParserOption) (*Parser[C], error) {
	cfg := &parserConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	contextVars := cfg.contextVars
	if len(contextVars) == 0 {
		derived, err := deriveContextVariables[C]()
		if err != nil {
			return nil, err
		}
		contextVars = derived
	}

	envOpts := []cel.EnvOption{
		ext.Math(),
		ext.Strings(),
		ext.Encoders(),
	}
	for _, cv := range contextVars {
		envOpts = append(envOpts, cel.Variable(cv.Name, celType(cv.Type)))
	}
	envOpts = append(envOpts, cfg.envOptions...)

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("formula: failed to build expression environment: %w", err)
	}

	denied := make(map[string]struct{}, len(cfg.deniedNames))
	for _, n := range cfg.deniedNames {
		denied[n] = struct{}{}
	}

	return &Parser[C]{env: env, deniedNames: denied}, nil
}

// Validate parses expression in isolation and returns parser-phase
// diagnostics only: no name-denial check, no semantic check, and the
// expression is never executed.
func (p *Parser[C]) Validate(expression string) []Diagnostic {
	_, issues := p.env.Parse(expression)
	return convertIssues(issues)
}

// celType maps a formula.Type to the CEL type used to declare it as a
// variable for downstream formulae to reference.
func celType(t Type) *cel.Type {
	switch t {
	case TypeInt:
		return cel.IntType
	case TypeDouble:
		return cel.DoubleType
	case TypeDecimal:
		// CEL has no decimal type; decimal formulae are represented as
		// doubles for the compiler's purposes and rounded to
		// decimal.Decimal only as their value leaves the composite
		// program. See rounding.go.
		return cel.DoubleType
	case TypeString:
		return cel.StringType
	case TypeBool:
		return cel.BoolType
	case TypeBytes:
		return cel.BytesType
	case TypeTimestamp:
		return cel.TimestampType
	case TypeDuration:
		return cel.DurationType
	default:
		return cel.DynType
	}
}

// deriveContextVariables reflects over the zero value of C, declaring
// one ContextVariable per exported field, all as cel.DynType.
func deriveContextVariables[C any]() ([]ContextVariable, error) {
	var zero C
	t := reflect.TypeOf(zero)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return nil, fmt.Errorf("formula: cannot derive context variables for %T; supply WithContextVariables", zero)
	}

	switch t.Kind() {
	case reflect.Struct:
		vars := make([]ContextVariable, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			vars = append(vars, ContextVariable{Name: f.Name, Type: TypeDyn})
		}
		return vars, nil
	default:
		return nil, fmt.Errorf("formula: context type %s has no static field list; supply WithContextVariables", t)
	}
}

// convertIssues maps the underlying compiler's diagnostics onto
// Diagnostic values. cel-go's Issues aggregates only Error-severity
// compile failures today, so every line it reports surfaces as
// Error; the Severity field still exists for forward compatibility
// with a compiler revision that reports Warning/Info/Hidden lines
// through the same channel.
func convertIssues(issues *cel.Issues) []Diagnostic {
	if issues == nil {
		return nil
	}
	err := issues.Err()
	if err == nil {
		return nil
	}
	lines := strings.Split(err.Error(), "\n")
	diags := make([]Diagnostic, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		diags = append(diags, Diagnostic{Severity: Error, Message: line})
	}
	return diags
}
