// Package rewrite implements the Deterministic Rewriter (spec.md §4.E):
// given an analyzer.RewritePlan and the enclosing transaction's
// deterministic seed, it produces the exact SQL text to send to the
// backend, pinning every non-deterministic function call to a value
// derived solely from (transaction id, call ordinal) and injecting a
// total ordering where the plan calls for one.
//
// Grounded on teacher's configs/timestamp.go (HLC-style deterministic
// clock construction from fixed inputs) for the "derive a value from a
// seed, never from wall-clock" idiom, generalized here to cover
// timestamps, random(), and UUID generation uniformly via HKDF.
package rewrite

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/verifiable-rds/interceptor/internal/analyzer"
)

// Clock supplies the single wall-clock read pinned at transaction start,
// per spec.md §4.E ("now() ... resolves to the time the transaction
// began, captured once").
type Clock interface {
	TxnStart() time.Time
}

// FixedClock is the simplest Clock, set once when a transaction opens.
type FixedClock time.Time

func (f FixedClock) TxnStart() time.Time { return time.Time(f) }

// Apply rewrites sql according to plan, pinning each substitutable
// function call with a value derived from seed and a monotonically
// increasing call ordinal supplied by callOrdinal (normally the
// transaction's running call counter, so repeat application against the
// same ordinal is idempotent per spec.md §4.E).
func Apply(sql string, plan *analyzer.RewritePlan, seed [16]byte, clock Clock, callOrdinal func() uint64) string {
	if plan.Empty() {
		return sql
	}

	out := sql
	if len(plan.FunctionCalls) > 0 {
		out = substituteCalls(out, plan.FunctionCalls, seed, clock, callOrdinal)
	}
	if plan.NeedsOrderBy {
		out = injectOrderBy(out, plan.OrderByColumns)
	}
	return out
}

// substituteCalls replaces each call site with a literal, working from
// the end of the string backward so earlier byte offsets stay valid.
func substituteCalls(sql string, sites []analyzer.FunctionCallSite, seed [16]byte, clock Clock, callOrdinal func() uint64) string {
	ordered := append([]analyzer.FunctionCallSite{}, sites...)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].Start > ordered[i].Start {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	// Ordinals are drawn left-to-right over the SQL text even though the
	// splice below runs right-to-left.
	literals := make([]string, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		literals[i] = pinnedLiteral(ordered[i].Name, seed, callOrdinal(), clock)
	}

	var sb strings.Builder
	sb.WriteString(sql)
	out := sb.String()
	for i, site := range ordered {
		out = out[:site.Start] + literals[i] + out[site.End:]
	}
	return out
}

func pinnedLiteral(name string, seed [16]byte, ordinal uint64, clock Clock) string {
	switch name {
	case "now", "current_timestamp", "transaction_timestamp":
		return fmt.Sprintf("'%s'::timestamptz", clock.TxnStart().UTC().Format("2006-01-02T15:04:05.999999Z07:00"))
	case "random":
		return formatRandom(derive(seed, ordinal, "random"))
	case "gen_random_uuid", "uuid_generate_v4":
		return "'" + deriveUUIDv4(seed, ordinal).String() + "'::uuid"
	default:
		// unreachable: buildRewritePlan only emits substitutableFunctions.
		return name
	}
}

// derive implements spec.md §4.E's "hash(transaction_id || call_ordinal)"
// construction via HKDF-SHA256, domain-separated by purpose so random()
// and UUID generation never share output even at the same ordinal.
func derive(seed [16]byte, ordinal uint64, purpose string) []byte {
	var ordBuf [8]byte
	binary.BigEndian.PutUint64(ordBuf[:], ordinal)
	info := append([]byte(purpose+":"), ordBuf[:]...)
	r := hkdf.New(sha256.New, seed[:], nil, info)
	out := make([]byte, 16)
	if _, err := r.Read(out); err != nil {
		panic("rewrite: hkdf read failed: " + err.Error()) // entropy reader never errors
	}
	return out
}

// formatRandom normalizes 8 derived bytes to a float64 in [0, 1), the
// same range and determinism guarantee as PostgreSQL's random().
func formatRandom(b []byte) string {
	u := binary.BigEndian.Uint64(b[:8])
	// 53 bits of mantissa, matching float64's precision, per the
	// conventional uint64->[0,1) construction.
	f := float64(u>>11) / float64(uint64(1)<<53)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		f = 0
	}
	return fmt.Sprintf("%.17g", f)
}

// deriveUUIDv4 masks the derived bytes into a version-4, variant-1 UUID
// so repeated application yields byte-identical output (spec.md §4.E
// idempotence requirement).
type uuidV4 [16]byte

func (u uuidV4) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

func deriveUUIDv4(seed [16]byte, ordinal uint64) uuidV4 {
	raw := derive(seed, ordinal, "uuid")
	var u uuidV4
	copy(u[:], raw)
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return u
}

// injectOrderBy appends a total ordering, applied only when the
// statement has no ORDER BY of its own (spec.md §4.E). The Connection
// Session (spec.md §4.B) resolves columns from the table's cached
// Schema and fills RewritePlan.OrderByColumns before calling Apply; if
// none were resolved (the schema wasn't cached yet), this falls back to
// "ORDER BY 1", which orders by the first output column only: rows that
// tie on that column are left in no defined order.
func injectOrderBy(sql string, columns []string) string {
	trimmed := strings.TrimRight(sql, "; \t\n")
	if len(columns) == 0 {
		return trimmed + " ORDER BY 1"
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = `"` + c + `"`
	}
	return trimmed + " ORDER BY " + strings.Join(quoted, ", ")
}
