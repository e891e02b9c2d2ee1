package analyzer

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// FunctionCallSite is one occurrence of a substitutable non-deterministic
// function call located by byte offset in the original SQL text
// (spec.md §4.E).
type FunctionCallSite struct {
	Name        string // lowercased function name, e.g. "now", "random"
	Start, End  int    // byte range of "name(...)" in the original SQL
}

// RewritePlan is spec.md §4.E's output: everything the Deterministic
// Rewriter needs to turn sql into its pinned, replayable form without
// re-parsing.
type RewritePlan struct {
	FunctionCalls []FunctionCallSite
	// NeedsOrderBy is set when the statement is a SELECT returning
	// possibly-unordered multiple rows without one; the rewriter injects
	// a total ordering over all target-list columns (spec.md §4.E).
	NeedsOrderBy     bool
	TableForOrdering string
	// OrderByColumns is left empty here; the Connection Session fills it
	// in from the table's cached Schema before invoking rewrite.Apply.
	OrderByColumns []string
}

// Empty reports whether the plan has no actionable rewrites, meaning the
// statement is Pure as-is.
func (p *RewritePlan) Empty() bool {
	return p == nil || (len(p.FunctionCalls) == 0 && !p.NeedsOrderBy)
}

// substitutableFunctions are functions findNonDeterminism lets through
// only because the rewriter can pin them deterministically (spec.md
// §4.E); anything in disallowedFunctions but absent here falls through
// to Unsafe.
var substitutableFunctions = map[string]bool{
	"now": true, "current_timestamp": true, "transaction_timestamp": true,
	"random": true, "gen_random_uuid": true, "uuid_generate_v4": true,
}

// buildRewritePlan walks the already-parsed statement's tree for
// substitutable function calls and decides whether an ORDER BY needs
// injecting. It runs only after findNonDeterminism has cleared the
// statement of anything it can't substitute its way out of, so any
// disallowedFunctions match reaching here is by construction one of
// substitutableFunctions.
func buildRewritePlan(sql string, node *pg_query.Node) *RewritePlan {
	plan := &RewritePlan{}
	plan.FunctionCalls = findSubstitutableCalls(sql, node)

	if sel, ok := node.Node.(*pg_query.Node_SelectStmt); ok {
		if len(sel.SelectStmt.SortClause) == 0 && len(sel.SelectStmt.FromClause) > 0 {
			if rv, ok := sel.SelectStmt.FromClause[0].Node.(*pg_query.Node_RangeVar); ok {
				plan.NeedsOrderBy = true
				plan.TableForOrdering = rv.RangeVar.Relname
			}
		}
	}
	return plan
}

// findSubstitutableCalls walks node for FuncCall occurrences in
// substitutableFunctions, using each call's own Location (an
// AST-verified byte offset, never a match inside a string literal or
// identifier) to recover the exact "name(...)" span in sql.
func findSubstitutableCalls(sql string, node *pg_query.Node) []FunctionCallSite {
	var sites []FunctionCallSite
	walkNodes(node, func(n *pg_query.Node) {
		// CURRENT_TIMESTAMP is parsed as an SQLValueFunction, not a FuncCall.
		if svf, ok := n.Node.(*pg_query.Node_SqlvalueFunction); ok {
			op := svf.SqlvalueFunction.Op
			if op == pg_query.SQLValueFunctionOp_SVFOP_CURRENT_TIMESTAMP || op == pg_query.SQLValueFunctionOp_SVFOP_CURRENT_TIMESTAMP_N {
				start, end := callSpan(sql, int(svf.SqlvalueFunction.Location), "current_timestamp")
				sites = append(sites, FunctionCallSite{Name: "current_timestamp", Start: start, End: end})
			}
			return
		}
		fc, ok := n.Node.(*pg_query.Node_FuncCall)
		if !ok {
			return
		}
		name, ok := funcCallName(fc.FuncCall)
		if !ok || !substitutableFunctions[name] {
			return
		}
		start, end := callSpan(sql, int(fc.FuncCall.Location), name)
		sites = append(sites, FunctionCallSite{Name: name, Start: start, End: end})
	})
	return sites
}
