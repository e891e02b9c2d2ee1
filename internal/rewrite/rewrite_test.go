package rewrite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/verifiable-rds/interceptor/internal/analyzer"
)

func seq() func() uint64 {
	var n uint64
	return func() uint64 {
		n++
		return n
	}
}

func TestApplyPinsNowToTxnStart(t *testing.T) {
	cs := analyzer.Analyze(`UPDATE accounts SET updated_at = now() WHERE id = 1`, analyzer.Options{})
	require.Equal(t, analyzer.Rewritten, cs.Verdict.Kind)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out := Apply(cs.SQL, cs.Verdict.Plan, [16]byte{1, 2, 3}, FixedClock(start), seq())
	require.Contains(t, out, "2026-01-02T03:04:05")
	require.NotContains(t, out, "now()")
}

func TestApplyIsIdempotentForSameOrdinal(t *testing.T) {
	cs := analyzer.Analyze(`SELECT gen_random_uuid()`, analyzer.Options{})
	seed := [16]byte{9, 9, 9}

	out1 := Apply(cs.SQL, cs.Verdict.Plan, seed, FixedClock(time.Now().UTC()), func() uint64 { return 7 })
	out2 := Apply(cs.SQL, cs.Verdict.Plan, seed, FixedClock(time.Now().UTC()), func() uint64 { return 7 })
	require.Equal(t, out1, out2)
}

func TestApplyRandomDifferentOrdinalsDiffer(t *testing.T) {
	cs := analyzer.Analyze(`SELECT random()`, analyzer.Options{})
	seed := [16]byte{1}

	out1 := Apply(cs.SQL, cs.Verdict.Plan, seed, FixedClock(time.Now().UTC()), func() uint64 { return 1 })
	out2 := Apply(cs.SQL, cs.Verdict.Plan, seed, FixedClock(time.Now().UTC()), func() uint64 { return 2 })
	require.NotEqual(t, out1, out2)
}

func TestApplyOnlyRewritesActualCallNotLiteralText(t *testing.T) {
	cs := analyzer.Analyze(`UPDATE notes SET body = 'please random this now', updated_at = now() WHERE id = 1`, analyzer.Options{})
	require.Equal(t, analyzer.Rewritten, cs.Verdict.Kind)
	require.Len(t, cs.Verdict.Plan.FunctionCalls, 1)
	require.Equal(t, "now", cs.Verdict.Plan.FunctionCalls[0].Name)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out := Apply(cs.SQL, cs.Verdict.Plan, [16]byte{1}, FixedClock(start), seq())
	require.Contains(t, out, "please random this now")
	require.NotContains(t, out, "now()")
}

func TestInjectOrderByFallsBackToOrdinalWhenColumnsUnknown(t *testing.T) {
	out := injectOrderBy(`SELECT * FROM accounts`, nil)
	require.Equal(t, `SELECT * FROM accounts ORDER BY 1`, out)
}

func TestInjectOrderByUsesResolvedColumns(t *testing.T) {
	out := injectOrderBy(`SELECT * FROM accounts`, []string{"id", "name"})
	require.Equal(t, `SELECT * FROM accounts ORDER BY "id", "name"`, out)
}
