package formula

import (
	celast "github.com/google/cel-go/common/ast"
)

// walkExpr visits e and every descendant reachable through it,
// pre-order. It understands every expression kind the CEL syntax tree
// can produce, so that identifier references and denied-name checks
// below reach identifiers nested inside comprehensions, list/map/struct
// literals, and call arguments, not only top-level binary expressions.
func walkExpr(e celast.Expr, visit func(celast.Expr)) {
	if e == nil {
		return
	}
	visit(e)

	switch e.Kind() {
	case celast.SelectKind:
		// The field name of a member-access expression (the "b" in
		// "a.b") is carried as a plain string, not as an identifier
		// node, so it is never visited here: only the base of the
		// chain can name a sibling formula.
		walkExpr(e.AsSelect().Operand(), visit)

	case celast.CallKind:
		call := e.AsCall()
		if call.IsMemberFunction() {
			walkExpr(call.Target(), visit)
		}
		for _, arg := range call.Args() {
			walkExpr(arg, visit)
		}

	case celast.ListKind:
		for _, elem := range e.AsList().Elements() {
			walkExpr(elem, visit)
		}

	case celast.MapKind:
		for _, entry := range e.AsMap().Entries() {
			if entry.Kind() != celast.MapEntryKind {
				continue
			}
			me := entry.AsMapEntry()
			walkExpr(me.Key(), visit)
			walkExpr(me.Value(), visit)
		}

	case celast.StructKind:
		for _, field := range e.AsStruct().Fields() {
			if field.Kind() != celast.StructFieldKind {
				continue
			}
			walkExpr(field.AsStructField().Value(), visit)
		}

	case celast.ComprehensionKind:
		c := e.AsComprehension()
		walkExpr(c.IterRange(), visit)
		walkExpr(c.AccuInit(), visit)
		walkExpr(c.LoopCondition(), visit)
		walkExpr(c.LoopStep(), visit)
		walkExpr(c.Result(), visit)
	}
}

// simpleSelectPath reconstructs the dotted textual spelling of a chain
// of simple member accesses rooted at an identifier, e.g. the Select
// nodes for "System.IO.File" render as "System.IO.File". Returns false
// for any expression that is not such a chain (a call result, an
// indexed list, etc.) since those are not simple member accesses.
func simpleSelectPath(e celast.Expr) (string, bool) {
	switch e.Kind() {
	case celast.IdentKind:
		return e.AsIdent(), true
	case celast.SelectKind:
		sel := e.AsSelect()
		base, ok := simpleSelectPath(sel.Operand())
		if !ok {
			return "", false
		}
		return base + "." + sel.FieldName(), true
	default:
		return "", false
	}
}

// identifierReferences returns, in first-seen pre-order, the distinct
// text of every identifier-name node in e's syntax tree. Select field
// names are excluded, which CEL's AST never represents as identifier
// nodes in the first place.
func identifierReferences(e celast.Expr) []string {
	seen := make(map[string]bool)
	var order []string
	walkExpr(e, func(n celast.Expr) {
		if n.Kind() != celast.IdentKind {
			return
		}
		name := n.AsIdent()
		if seen[name] {
			return
		}
		seen[name] = true
		order = append(order, name)
	})
	return order
}

// enforceDeniedNames walks every simple-member-access expression and
// every identifier-name node in e, returning a NameAccessDeniedError
// for the first node whose textual spelling is an exact match in
// denied. Matching is textual and exact, never prefix/suffix: denying
// "System" does not deny "System.Math".
func enforceDeniedNames(e celast.Expr, denied map[string]struct{}) error {
	if len(denied) == 0 {
		return nil
	}
	var firstErr error
	walkExpr(e, func(n celast.Expr) {
		if firstErr != nil {
			return
		}
		switch n.Kind() {
		case celast.IdentKind:
			name := n.AsIdent()
			if _, blocked := denied[name]; blocked {
				firstErr = &NameAccessDeniedError{Name: name}
			}
		case celast.SelectKind:
			if path, ok := simpleSelectPath(n); ok {
				if _, blocked := denied[path]; blocked {
					firstErr = &NameAccessDeniedError{Name: path}
				}
			}
		}
	})
	return firstErr
}
