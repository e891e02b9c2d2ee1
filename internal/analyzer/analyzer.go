// Package analyzer implements the Query Analyzer (spec.md §4.D): parses
// SQL with a fault-tolerant parser, classifies each statement, detects
// non-determinism, and produces a RewriteVerdict plus a
// ClassifiedStatement. On parse failure it falls back to a conservative
// textual classifier.
//
// Grounded on the dispatch-by-node-type shape in
// other_examples/546cccf0_nnaka2992-pg-lock-check's analyzeNode (a type
// switch over pg_query.Node_* variants), adapted from lock-mode
// classification to determinism classification, using the same
// pganalyze/pg_query_go/v6 bindings to the real libpg_query parser.
package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Kind is spec.md §4.D's statement kind enumeration.
type Kind int

const (
	KindUnknown Kind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindBegin
	KindCommit
	KindRollback
	KindSavepoint
	KindReleaseSavepoint
	KindRollbackToSavepoint
	KindDdl
	KindUtility
)

// String renders the PostgreSQL command tag used in CommandComplete for
// transaction-control statement kinds.
func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindCommit:
		return "COMMIT"
	case KindRollback:
		return "ROLLBACK"
	case KindSavepoint:
		return "SAVEPOINT"
	case KindReleaseSavepoint:
		return "RELEASE"
	case KindRollbackToSavepoint:
		return "ROLLBACK"
	default:
		return ""
	}
}

// VerdictKind distinguishes the three RewriteVerdict variants
// (spec.md §3).
type VerdictKind int

const (
	Pure VerdictKind = iota
	Rewritten
	Unsafe
)

// Verdict is spec.md §3's RewriteVerdict.
type Verdict struct {
	Kind   VerdictKind
	Reason string // set when Kind == Unsafe
	Plan   *RewritePlan
}

// ClassifiedStatement is spec.md §4.D's output alongside the verdict.
type ClassifiedStatement struct {
	SQL               string
	Kind              Kind
	TablesRead        []string
	TablesWritten     []string
	ImplicitBegin     bool
	SavepointName     string // set for Savepoint/Release/RollbackTo kinds
	Verdict           Verdict
	UsedTextualFallback bool
}

// disallowedFunctions is the non-determinism deny-list from spec.md §4.D,
// erring on the side of a larger list per spec.md §9 open question (1).
var disallowedFunctions = map[string]bool{
	"now": true, "current_timestamp": true, "clock_timestamp": true,
	"transaction_timestamp": true, "statement_timestamp": true,
	"random": true, "random_normal": true,
	"gen_random_uuid": true, "uuid_generate_v4": true,
	"pg_backend_pid": true, "txid_current": true, "nextval": true,
}

// disallowedSystemColumns depend on physical layout (spec.md §4.D).
var disallowedSystemColumns = map[string]bool{
	"ctid": true, "xmin": true, "xmax": true, "cmin": true, "cmax": true, "tableoid": true,
}

// Options carries the operator-configured allow-lists from spec.md §6.
type Options struct {
	// AllowedSettings is the current_setting() allow-list.
	AllowedSettings map[string]bool
	// AllowedFunctions names functions from disallowedFunctions that the
	// operator has declared deterministic; these are treated as Pure
	// rather than Unsafe, distinct from substitutableFunctions which the
	// rewriter can pin (those are always Rewritten regardless of this
	// list). Only names in disallowedFunctions are checked at all: any
	// other function, including a user-defined one, is accepted whether
	// or not it appears here.
	AllowedFunctions map[string]bool
}

var tokenPattern = regexp.MustCompile(`(?i)\b(now|current_timestamp|clock_timestamp|transaction_timestamp|statement_timestamp|random|random_normal|gen_random_uuid|uuid_generate_v4|pg_backend_pid|txid_current|nextval|ctid|xmin|xmax|cmin|cmax|tableoid|skip\s+locked)\b`)

// Analyze classifies sql and produces a RewriteVerdict (spec.md §4.D).
func Analyze(sql string, opts Options) *ClassifiedStatement {
	result, err := pg_query.Parse(sql)
	if err != nil || len(result.Stmts) == 0 {
		return textualFallback(sql)
	}

	// The analyzer operates statement-by-statement; simple-query batches
	// of multiple statements are split by the caller (Connection Session,
	// spec.md §4.B) before reaching here, so only the first parsed
	// statement is consulted.
	raw := result.Stmts[0]
	cs := &ClassifiedStatement{SQL: sql}
	classifyKind(raw.Stmt, cs)

	if reason, ok := findNonDeterminism(sql, raw.Stmt, opts); ok {
		if cs.Kind == KindDdl {
			reason = "ddl_nondet"
		}
		cs.Verdict = Verdict{Kind: Unsafe, Reason: reason}
		return cs
	}

	plan := buildRewritePlan(sql, raw.Stmt)
	// DDL bodies are treated as opaque text: even a substitutable call
	// inside one refuses the statement instead of being rewritten.
	if cs.Kind == KindDdl && len(plan.FunctionCalls) > 0 {
		cs.Verdict = Verdict{Kind: Unsafe, Reason: "ddl_nondet"}
		return cs
	}
	if plan.Empty() {
		cs.Verdict = Verdict{Kind: Pure}
	} else {
		cs.Verdict = Verdict{Kind: Rewritten, Plan: plan}
	}
	return cs
}

func classifyKind(node *pg_query.Node, cs *ClassifiedStatement) {
	if node == nil {
		cs.Kind = KindUnknown
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_SelectStmt:
		cs.Kind = KindSelect
		cs.TablesRead = append(cs.TablesRead, rangeTableNames(n.SelectStmt.FromClause)...)
	case *pg_query.Node_InsertStmt:
		cs.Kind = KindInsert
		cs.ImplicitBegin = true
		if n.InsertStmt.Relation != nil {
			cs.TablesWritten = append(cs.TablesWritten, n.InsertStmt.Relation.Relname)
		}
	case *pg_query.Node_UpdateStmt:
		cs.Kind = KindUpdate
		cs.ImplicitBegin = true
		if n.UpdateStmt.Relation != nil {
			cs.TablesWritten = append(cs.TablesWritten, n.UpdateStmt.Relation.Relname)
		}
	case *pg_query.Node_DeleteStmt:
		cs.Kind = KindDelete
		cs.ImplicitBegin = true
		if n.DeleteStmt.Relation != nil {
			cs.TablesWritten = append(cs.TablesWritten, n.DeleteStmt.Relation.Relname)
		}
	case *pg_query.Node_TransactionStmt:
		classifyTransaction(n.TransactionStmt, cs)
	case *pg_query.Node_VariableSetStmt, *pg_query.Node_VariableShowStmt:
		cs.Kind = KindUtility
	case *pg_query.Node_CreateStmt, *pg_query.Node_AlterTableStmt, *pg_query.Node_DropStmt,
		*pg_query.Node_IndexStmt, *pg_query.Node_ViewStmt, *pg_query.Node_CreateTableAsStmt:
		cs.Kind = KindDdl
	default:
		cs.Kind = KindUtility
	}
}

func classifyTransaction(t *pg_query.TransactionStmt, cs *ClassifiedStatement) {
	switch t.Kind {
	case pg_query.TransactionStmtKind_TRANS_STMT_BEGIN, pg_query.TransactionStmtKind_TRANS_STMT_START:
		cs.Kind = KindBegin
	case pg_query.TransactionStmtKind_TRANS_STMT_COMMIT:
		cs.Kind = KindCommit
	case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK:
		cs.Kind = KindRollback
	case pg_query.TransactionStmtKind_TRANS_STMT_SAVEPOINT:
		cs.Kind = KindSavepoint
		cs.SavepointName = t.SavepointName
	case pg_query.TransactionStmtKind_TRANS_STMT_RELEASE:
		cs.Kind = KindReleaseSavepoint
		cs.SavepointName = t.SavepointName
	case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK_TO:
		cs.Kind = KindRollbackToSavepoint
		cs.SavepointName = t.SavepointName
	default:
		cs.Kind = KindUtility
	}
}

func rangeTableNames(nodes []*pg_query.Node) []string {
	var names []string
	for _, n := range nodes {
		if rv, ok := n.Node.(*pg_query.Node_RangeVar); ok {
			names = append(names, rv.RangeVar.Relname)
		}
	}
	return names
}

// findNonDeterminism applies spec.md §4.D's checks. Structural checks
// (ORDER BY absence, LIMIT without ORDER BY, FOR UPDATE SKIP LOCKED) use
// the parse tree directly; function-call and system-column checks walk
// every FuncCall/ColumnRef node in the tree (walkNodes) instead of
// scanning the raw SQL text, so a deny-listed word sitting inside a
// string literal or identifier never gets flagged — only an actual call
// or column reference the parser itself recognized as one does.
func findNonDeterminism(sql string, node *pg_query.Node, opts Options) (string, bool) {
	var reason string
	found := false
	walkNodes(node, func(n *pg_query.Node) {
		if found {
			return
		}
		switch x := n.Node.(type) {
		case *pg_query.Node_FuncCall:
			name, ok := funcCallName(x.FuncCall)
			if !ok {
				return
			}
			if name == "current_setting" {
				if setting, ok := firstStringArg(x.FuncCall); ok && !opts.AllowedSettings[setting] {
					reason, found = "current_setting_not_allowed:"+setting, true
				}
				return
			}
			if disallowedFunctions[name] && !substitutableFunctions[name] && !opts.AllowedFunctions[name] {
				reason, found = "disallowed_function_or_column:"+name, true
			}
		case *pg_query.Node_ColumnRef:
			if name, ok := columnRefName(x.ColumnRef); ok && disallowedSystemColumns[name] {
				reason, found = "disallowed_function_or_column:"+name, true
			}
		}
	})
	if found {
		return reason, true
	}
	if sel, ok := node.Node.(*pg_query.Node_SelectStmt); ok {
		if reason, bad := checkSelect(sel.SelectStmt); bad {
			return reason, true
		}
	}
	return "", false
}

func checkSelect(sel *pg_query.SelectStmt) (string, bool) {
	for _, lc := range sel.LockingClause {
		if clause, ok := lc.Node.(*pg_query.Node_LockingClause); ok {
			if clause.LockingClause.WaitPolicy == pg_query.LockWaitPolicy_LockWaitSkip {
				return "for_update_skip_locked", true
			}
		}
	}
	hasOrderBy := len(sel.SortClause) > 0
	hasLimit := sel.LimitCount != nil
	if hasLimit && !hasOrderBy {
		return "limit_without_order_by", true
	}
	// A bare unbounded SELECT without ORDER BY is only unsafe once it is
	// user-visible with more than one possible row; the rewriter handles
	// the common case by injecting a total ordering (spec.md §4.E) rather
	// than rejecting outright, so this is not flagged Unsafe here — see
	// buildRewritePlan's NeedsOrderBy and the rewriter's injectOrderBy.
	return "", false
}

// textualFallback implements spec.md §4.D's fallback classifier: search
// for the exact deny-listed tokens; any match is Unsafe, and pure-seeming
// SQL that still fails to parse is Unsafe(unparseable).
func textualFallback(sql string) *ClassifiedStatement {
	cs := &ClassifiedStatement{SQL: sql, Kind: KindUnknown, UsedTextualFallback: true}
	if m := tokenPattern.FindString(sql); m != "" {
		cs.Verdict = Verdict{Kind: Unsafe, Reason: fmt.Sprintf("disallowed_token:%s", strings.ToLower(m))}
		return cs
	}
	cs.Verdict = Verdict{Kind: Unsafe, Reason: "unparseable"}
	return cs
}
