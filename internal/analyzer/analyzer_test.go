package analyzer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnalyzePureSelectIsPure(t *testing.T) {
	cs := Analyze(`SELECT id, balance FROM accounts WHERE id = 1 ORDER BY id`, Options{})
	require.Equal(t, KindSelect, cs.Kind)
	require.Equal(t, Pure, cs.Verdict.Kind)
	require.Contains(t, cs.TablesRead, "accounts")
}

func TestAnalyzeNowCallIsRewritten(t *testing.T) {
	cs := Analyze(`UPDATE accounts SET updated_at = now() WHERE id = 1`, Options{})
	require.Equal(t, KindUpdate, cs.Kind)
	require.Equal(t, Rewritten, cs.Verdict.Kind)
	require.Len(t, cs.Verdict.Plan.FunctionCalls, 1)
	require.Equal(t, "now", cs.Verdict.Plan.FunctionCalls[0].Name)
}

func TestAnalyzeForUpdateSkipLockedIsUnsafe(t *testing.T) {
	cs := Analyze(`SELECT * FROM queue ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED`, Options{})
	require.Equal(t, Unsafe, cs.Verdict.Kind)
	require.Equal(t, "for_update_skip_locked", cs.Verdict.Reason)
}

func TestAnalyzeLimitWithoutOrderByIsUnsafe(t *testing.T) {
	cs := Analyze(`SELECT * FROM accounts LIMIT 5`, Options{})
	require.Equal(t, Unsafe, cs.Verdict.Kind)
	require.Equal(t, "limit_without_order_by", cs.Verdict.Reason)
}

func TestAnalyzeSystemColumnIsUnsafe(t *testing.T) {
	cs := Analyze(`SELECT ctid, id FROM accounts`, Options{})
	require.Equal(t, Unsafe, cs.Verdict.Kind)
}

func TestAnalyzeOperatorAllowedFunctionIsPure(t *testing.T) {
	cs := Analyze(`SELECT txid_current()`, Options{})
	require.Equal(t, Unsafe, cs.Verdict.Kind)

	cs = Analyze(`SELECT txid_current()`, Options{AllowedFunctions: map[string]bool{"txid_current": true}})
	require.Equal(t, Pure, cs.Verdict.Kind)
}

func TestAnalyzeCurrentSettingRequiresAllowList(t *testing.T) {
	cs := Analyze(`SELECT current_setting('search_path')`, Options{})
	require.Equal(t, Unsafe, cs.Verdict.Kind)

	cs = Analyze(`SELECT current_setting('search_path')`, Options{AllowedSettings: map[string]bool{"search_path": true}})
	require.Equal(t, Pure, cs.Verdict.Kind)
}

func TestAnalyzeTransactionStatements(t *testing.T) {
	require.Equal(t, KindBegin, Analyze(`BEGIN`, Options{}).Kind)
	require.Equal(t, KindCommit, Analyze(`COMMIT`, Options{}).Kind)
	require.Equal(t, KindRollback, Analyze(`ROLLBACK`, Options{}).Kind)

	cs := Analyze(`SAVEPOINT sp1`, Options{})
	require.Equal(t, KindSavepoint, cs.Kind)
	require.Equal(t, "sp1", cs.SavepointName)

	cs = Analyze(`ROLLBACK TO SAVEPOINT sp1`, Options{})
	require.Equal(t, KindRollbackToSavepoint, cs.Kind)
	require.Equal(t, "sp1", cs.SavepointName)
}

func TestAnalyzeUnparseableSQLFallsBackToUnsafe(t *testing.T) {
	cs := Analyze(`SELECT FROM WHERE (((`, Options{})
	require.True(t, cs.UsedTextualFallback)
	require.Equal(t, Unsafe, cs.Verdict.Kind)
	require.Equal(t, "unparseable", cs.Verdict.Reason)
}

func TestAnalyzeDenyListedWordInsideStringLiteralIsPure(t *testing.T) {
	cs := Analyze(`INSERT INTO notes(body) VALUES ('ask again now')`, Options{})
	require.Equal(t, KindInsert, cs.Kind)
	require.Equal(t, Pure, cs.Verdict.Kind)
}

func TestAnalyzeSystemColumnNameInsideStringLiteralIsPure(t *testing.T) {
	cs := Analyze(`SELECT 'xmin is not a real column here' AS note FROM accounts ORDER BY id`, Options{})
	require.Equal(t, Pure, cs.Verdict.Kind)
}

func TestTextualFallbackCatchesDisallowedToken(t *testing.T) {
	cs := textualFallback(`garbled now() sql (((`)
	require.Equal(t, Unsafe, cs.Verdict.Kind)
	require.Contains(t, cs.Verdict.Reason, "now")
}
