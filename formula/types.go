// Package formula compiles and evaluates a network of named formulae
// against a caller-supplied context. A formula is a single typed
// expression that may reference other formulae by name; the package
// resolves those references, stitches the transitive dependencies into
// one executable program, and returns the computed value alongside a
// table of every intermediate variable.
package formula

// Type is the declared data type of a computed formula value.
type Type int

const (
	TypeDyn Type = iota
	TypeInt
	TypeDouble
	TypeDecimal
	TypeString
	TypeBool
	TypeBytes
	TypeTimestamp
	TypeDuration
)

// String renders the type the way it would appear in a composed
// declaration, useful for diagnostics and logging.
func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeDecimal:
		return "decimal"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	case TypeBytes:
		return "bytes"
	case TypeTimestamp:
		return "timestamp"
	case TypeDuration:
		return "duration"
	default:
		return "dyn"
	}
}

// Definition is the immutable, read-only description of one named
// formula within a definition set. Identifiers must be unique within
// a set; Expression must be a single expression, never a statement
// list.
type Definition struct {
	Identifier            string
	DataType              Type
	Expression            string
	IgnoreRoundingOptions bool

	// FormulaID is a stable key used only for fingerprinting a
	// definition set (see Factory). Two definitions with the same
	// Identifier but different FormulaID are treated as different
	// formulae by the evaluator cache; callers are responsible for
	// deriving FormulaID from everything that should invalidate a
	// cached evaluator, expression text included.
	FormulaID string
}

// MidpointRounding selects how a decimal value exactly halfway between
// two roundable values is resolved.
type MidpointRounding int

const (
	ToEven MidpointRounding = iota
	AwayFromZero
)

// RoundingOptions is applied to formulae whose DataType is, or is
// assignable from, the decimal numeric type and whose
// IgnoreRoundingOptions is false.
type RoundingOptions struct {
	RoundedDecimalsCount int
	MidpointRounding     MidpointRounding
}

// Severity is an ordered diagnostic severity, low to high.
type Severity int

const (
	Hidden Severity = iota
	Info
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Hidden:
		return "hidden"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Diagnostic is a single severity-tagged message produced at any stage
// of parsing, compiling, or enforcing policy over an expression.
type Diagnostic struct {
	Severity Severity
	Message  string
}

// EvaluationVariable is one declared variable of a completed run,
// whether it corresponds to a named formula or to a bare local the
// underlying compiler introduced.
type EvaluationVariable struct {
	Name              string
	Type              Type
	IsReadOnly        bool
	Value             any
	FormulaExpression string // empty when Name does not name a defined formula
	IsRounded         bool
}

// HasFormulaExpression reports whether this variable originated from a
// defined formula rather than a bare compiler-introduced local.
func (v EvaluationVariable) HasFormulaExpression() bool {
	return v.FormulaExpression != ""
}

// EvaluationState is the immutable record produced by one Run.
type EvaluationState struct {
	Identifier      string
	Variables       []EvaluationVariable
	VariablesByName map[string]EvaluationVariable
	Diagnostics     []Diagnostic
}

// ReturnValue is the value of the target identifier, equivalent to
// VariablesByName[Identifier].Value.
func (s *EvaluationState) ReturnValue() any {
	return s.VariablesByName[s.Identifier].Value
}

// Identifier is returned by GetContainedIdentifiers: the name of
// something referenced inside a composed program, together with the
// formula definition that backs it, if any.
type Identifier struct {
	Name       string
	Definition *Definition
}

// ContextVariable declares one top-level name visible to every
// formula as a global, together with its CEL-facing type. Hosts whose
// context type is a plain map supply these explicitly; hosts whose
// context type is a struct can let the Factory derive them by
// reflection (see deriveContextVariables).
type ContextVariable struct {
	Name string
	Type Type
}
