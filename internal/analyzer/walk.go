package analyzer

import (
	"reflect"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// walkNodes calls visit for every *pg_query.Node reachable from root,
// descending through the generated parse-tree structs via reflection.
// Non-determinism can hide anywhere in an arbitrarily nested expression
// (a WHERE clause, a CASE branch, a subquery in FROM), so findNonDeterminism
// and findSubstitutableCalls need every FuncCall/ColumnRef in the tree
// rather than a hand-written traversal per statement/expression type.
func walkNodes(root *pg_query.Node, visit func(*pg_query.Node)) {
	walkValue(reflect.ValueOf(root), visit)
}

func walkValue(v reflect.Value, visit func(*pg_query.Node)) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		if node, ok := v.Interface().(*pg_query.Node); ok {
			visit(node)
			walkValue(reflect.ValueOf(node.Node), visit)
			return
		}
		walkValue(v.Elem(), visit)
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		walkValue(v.Elem(), visit)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanInterface() {
				walkValue(f, visit)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			walkValue(v.Index(i), visit)
		}
	}
}

// funcCallName lowercases a FuncCall's (possibly schema-qualified) name,
// e.g. "pg_catalog.now" -> "now".
func funcCallName(fc *pg_query.FuncCall) (string, bool) {
	if len(fc.Funcname) == 0 {
		return "", false
	}
	return nodeString(fc.Funcname[len(fc.Funcname)-1])
}

// columnRefName lowercases a ColumnRef's final component, e.g.
// "a.ctid" -> "ctid".
func columnRefName(cr *pg_query.ColumnRef) (string, bool) {
	if len(cr.Fields) == 0 {
		return "", false
	}
	return nodeString(cr.Fields[len(cr.Fields)-1])
}

func nodeString(n *pg_query.Node) (string, bool) {
	if n == nil {
		return "", false
	}
	s, ok := n.Node.(*pg_query.Node_String_)
	if !ok || s.String_ == nil {
		return "", false
	}
	return lower(s.String_.Sval), true
}

// firstStringArg returns the first string-literal argument of fc, the
// shape current_setting('name') always takes.
func firstStringArg(fc *pg_query.FuncCall) (string, bool) {
	for _, arg := range fc.Args {
		c, ok := arg.Node.(*pg_query.Node_AConst)
		if !ok || c.AConst == nil {
			continue
		}
		sv, ok := c.AConst.Val.(*pg_query.A_Const_Sval)
		if !ok || sv.Sval == nil {
			continue
		}
		return sv.Sval.Sval, true
	}
	return "", false
}

func lower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out[i] = b
	}
	return string(out)
}

// callSpan returns the byte range of "name(...)" in sql starting at
// start (the FuncCall's own Location, already AST-verified to be a real
// call site rather than text inside a literal), handling nested
// parentheses in the argument list and functions like
// current_timestamp that may appear without a trailing "()".
func callSpan(sql string, start int, name string) (int, int) {
	end := start + len(name)
	i := end
	for i < len(sql) && isSpace(sql[i]) {
		i++
	}
	if i >= len(sql) || sql[i] != '(' {
		return start, end
	}
	depth := 0
	for j := i; j < len(sql); j++ {
		switch sql[j] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return start, j + 1
			}
		}
	}
	return start, end
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
