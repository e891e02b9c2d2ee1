// Package capture implements state capture (spec.md §4.G): deterministic
// pre/post snapshots of affected tables, row canonicalization, and
// per-table Merkle roots.
//
// Grounded on teacher's storage/postgres.go (SQLDB.Read/ReadTx, executed
// through a live pgx connection) and storage/row.go's column-oriented
// RowData, generalized from a single (key, value) YCSB row to arbitrary
// typed columns described by pgx field descriptions.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/verifiable-rds/interceptor/internal/merkle"
)

// Type tags for canonical column encoding (spec.md §4.G step 2).
const (
	tagInt       byte = 1
	tagFloat     byte = 2
	tagText      byte = 3
	tagTimestamp byte = 4
	tagBool      byte = 5
	tagBinary    byte = 6
	tagNull      byte = 7
	tagUnknown   byte = 255
)

// Reader is the minimal backend surface State Capture needs; satisfied by
// *pgxpool.Pool and pgx.Tx alike.
type Reader interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Schema describes one table's columns in declared order, needed to
// canonicalize rows and to compute the fallback total ordering for
// tables without a primary key (spec.md §3 TableSnapshot).
type Schema struct {
	Table      string
	PrimaryKey []string // empty means "no declared primary key"
	Columns    []Column
}

// Column is one declared column.
type Column struct {
	Name string
	// OID is the PostgreSQL type oid; used only for the Unknown escape
	// (spec.md §9).
	OID uint32
}

// Fingerprint hashes the column names and types, per spec.md §4.G
// ("State Capture returns ... the table's schema fingerprint").
func (s Schema) Fingerprint() [32]byte {
	var sb strings.Builder
	for _, c := range s.Columns {
		fmt.Fprintf(&sb, "%s:%d;", c.Name, c.OID)
	}
	return sha256.Sum256([]byte(sb.String()))
}

// Snapshot is spec.md §3's TableSnapshot: the ordered, canonicalized row
// set for one table plus its Merkle root.
type Snapshot struct {
	Schema   Schema
	Rows     [][]byte // canonical row bytes, in capture order
	Leaves   []merkle.Digest
	Tree     *merkle.Tree
	Root     merkle.Digest
}

// orderingClause builds "ORDER BY ..." from the declared primary key, or
// falls back to ordering by every column in declared order (spec.md §3:
// "for tables lacking one, ordering is by the lexicographic byte-string
// of all columns in declared order").
func orderingClause(s Schema) string {
	cols := s.PrimaryKey
	if len(cols) == 0 {
		for _, c := range s.Columns {
			cols = append(cols, c.Name)
		}
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
	}
	return strings.Join(quoted, ", ")
}

// Capture issues a deterministic "SELECT * ... ORDER BY ..." against the
// backend and returns the canonicalized, Merkleized snapshot. ctx
// cancellation aborts the read at its next suspension point (spec.md §5
// scenario 6).
func Capture(ctx context.Context, r Reader, s Schema) (*Snapshot, error) {
	sql := fmt.Sprintf(`SELECT * FROM "%s" ORDER BY %s`, s.Table, orderingClause(s))
	rows, err := r.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", s.Table, err)
	}
	defer rows.Close()

	snap := &Snapshot{Schema: s}
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("capture %s: read row: %w", s.Table, err)
		}
		row, err := CanonicalizeRow(s, vals)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", s.Table, err)
		}
		snap.Rows = append(snap.Rows, row)
		snap.Leaves = append(snap.Leaves, merkle.LeafHash(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capture %s: %w", s.Table, err)
	}
	snap.Tree, snap.Root = merkle.Build(snap.Leaves)
	return snap, nil
}

// CanonicalizeRow maps one row's Go values to the fixed binary encoding
// from spec.md §4.G: each column prefixed with a 1-byte type tag and
// 4-byte big-endian length, concatenated in declared order.
func CanonicalizeRow(s Schema, values []interface{}) ([]byte, error) {
	if len(values) != len(s.Columns) {
		return nil, fmt.Errorf("expected %d columns, got %d", len(s.Columns), len(values))
	}
	var out []byte
	for i, v := range values {
		enc, tag, err := encodeValue(v, s.Columns[i].OID)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", s.Columns[i].Name, err)
		}
		out = appendTagged(out, tag, enc)
	}
	return out, nil
}

var unknownTypes = struct {
	mu sync.RWMutex
	m  map[uint32]func(interface{}) ([]byte, error)
}{m: make(map[uint32]func(interface{}) ([]byte, error))}

// RegisterUnknownType lets an operator extend canonicalization to a
// type oid this package has no built-in Go-value case for, producing
// the Unknown(oid, bytes) escape instead of CanonicalizeRow failing the
// whole row (spec.md §9). Unregistered oids that reach encodeValue's
// default case still error.
func RegisterUnknownType(oid uint32, encode func(v interface{}) ([]byte, error)) {
	unknownTypes.mu.Lock()
	unknownTypes.m[oid] = encode
	unknownTypes.mu.Unlock()
}

func lookupUnknownType(oid uint32) (func(interface{}) ([]byte, error), bool) {
	unknownTypes.mu.RLock()
	defer unknownTypes.mu.RUnlock()
	f, ok := unknownTypes.m[oid]
	return f, ok
}

// unknownBody prefixes a registered descriptor's encoding with the
// column's 4-byte big-endian oid, spec.md §9's Unknown(oid, bytes).
func unknownBody(oid uint32, body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], oid)
	copy(out[4:], body)
	return out
}

func appendTagged(dst []byte, tag byte, body []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	dst = append(dst, tag)
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, body...)
	return dst
}

// canonicalTimestampLayout fixes timestamps to microsecond precision
// (spec.md §4.G step 1: "ISO-8601 micros for timestamps"), always in
// UTC so the same instant canonicalizes identically regardless of the
// session time zone it was read under.
const canonicalTimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

func encodeValue(v interface{}, oid uint32) ([]byte, byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, tagNull, nil
	case bool:
		if x {
			return []byte{1}, tagBool, nil
		}
		return []byte{0}, tagBool, nil
	case int16:
		return beInt(int64(x), 2), tagInt, nil
	case int32:
		return beInt(int64(x), 4), tagInt, nil
	case int64:
		return beInt(x, 8), tagInt, nil
	case int:
		return beInt(int64(x), 8), tagInt, nil
	case float32:
		return beFloat(float64(x), 4), tagFloat, nil
	case float64:
		return beFloat(x, 8), tagFloat, nil
	case string:
		return []byte(x), tagText, nil
	case []byte:
		return x, tagBinary, nil
	case time.Time:
		return []byte(x.UTC().Format(canonicalTimestampLayout)), tagTimestamp, nil
	default:
		if encode, ok := lookupUnknownType(oid); ok {
			body, err := encode(v)
			if err != nil {
				return nil, 0, fmt.Errorf("registered descriptor for oid %d: %w", oid, err)
			}
			return unknownBody(oid, body), tagUnknown, nil
		}
		return nil, tagUnknown, fmt.Errorf("unsupported column type %T (oid %d): register a descriptor via capture.RegisterUnknownType", v, oid)
	}
}

func beInt(v int64, width int) []byte {
	buf := make([]byte, width)
	switch width {
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.BigEndian.PutUint64(buf, uint64(v))
	}
	return buf
}

func beFloat(v float64, width int) []byte {
	buf := make([]byte, width)
	if width == 4 {
		bits := math.Float32bits(float32(v))
		if math.IsNaN(v) {
			bits = 0x7fc00000 // canonical NaN bit pattern (spec.md §4.G step 1)
		}
		binary.BigEndian.PutUint32(buf, bits)
		return buf
	}
	bits := math.Float64bits(v)
	if math.IsNaN(v) {
		bits = 0x7ff8000000000000
	}
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

// SortTableRoots sorts (table_name, table_root) pairs lexicographically,
// the order spec.md §3/§4.H requires before feeding them to the global
// state root tree.
func SortTableRoots(roots []merkle.TableRoot) {
	sort.Slice(roots, func(i, j int) bool { return roots[i].Name < roots[j].Name })
}
