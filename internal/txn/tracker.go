// Package txn implements the Transaction Tracker (spec.md §4.F): the
// per-session savepoint stack, touched-table set, and the reconciliation
// between observed ReadyForQuery status and the tracker's own model.
//
// Grounded on teacher's storage/txn.go DBTxn: the state enum
// (txnExecution/txnPrepare/txnPreCommit/txnCommitted/txnAborted), the
// single-finish guard (TryFinish), and the CAS-mutex-guarded access list
// are carried over directly, generalized from row-level 2PL access
// tracking to table-level touched-set tracking and savepoint nesting.
package txn

import (
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	lock "github.com/viney-shih/go-lock"
)

// State mirrors teacher's txnExecution/.../txnAborted enum, renamed to
// this domain's vocabulary.
type State uint8

const (
	StateNone State = iota
	StateOpen
	StateFailed
	StateCommitted
	StateRolledBack
	StateDiverged
)

// Savepoint is one entry in the per-transaction savepoint stack
// (spec.md §3 TransactionContext).
type Savepoint struct {
	Name string
	// TouchedAtOpen is the touched-tables set as of this savepoint,
	// restored verbatim on ROLLBACK TO.
	TouchedAtOpen mapset.Set
}

// Context is spec.md §3's TransactionContext.
type Context struct {
	latch lock.Mutex

	ID        uuid.UUID
	StartedAt time.Time
	State     State

	savepoints []Savepoint
	touched    mapset.Set // set of table names written in this transaction

	// PreStateHashes holds each touched table's pre-write snapshot hash,
	// accumulated the first time a table is written in the transaction.
	PreStateHashes map[string][32]byte

	finished bool
}

// DeterministicSeed derives the rewrite engine's per-transaction seed
// from the transaction id, per spec.md §4.E: rewrites are keyed off
// "transaction_id || call_ordinal", never wall-clock time.
func (c *Context) DeterministicSeed() [16]byte {
	var seed [16]byte
	copy(seed[:], c.ID[:])
	return seed
}

// Begin opens a new transaction context, the Ready -> InTransaction
// transition of spec.md §4.B.
func Begin() *Context {
	return &Context{
		latch:          lock.NewCASMutex(),
		ID:             uuid.New(),
		StartedAt:      time.Now().UTC(),
		State:          StateOpen,
		touched:        mapset.NewSet(),
		PreStateHashes: make(map[string][32]byte),
	}
}

// RecordWrite registers that table was written in this transaction.
// Returns true the first time the table is touched, telling the caller
// to ask State Capture for a pre-state snapshot (spec.md §4.F).
func (c *Context) RecordWrite(table string) bool {
	c.latch.Lock()
	defer c.latch.Unlock()
	if c.touched.Contains(table) {
		return false
	}
	c.touched.Add(table)
	return true
}

// TouchedTables returns the set of tables written so far, sorted, for a
// stable iteration order when capturing post-state.
func (c *Context) TouchedTables() []string {
	c.latch.Lock()
	defer c.latch.Unlock()
	out := make([]string, 0, c.touched.Cardinality())
	for t := range c.touched.Iter() {
		out = append(out, t.(string))
	}
	sort.Strings(out)
	return out
}

// PushSavepoint records a named savepoint and snapshots the current
// touched-table set (spec.md §4.F).
func (c *Context) PushSavepoint(name string) {
	c.latch.Lock()
	defer c.latch.Unlock()
	c.savepoints = append(c.savepoints, Savepoint{Name: name, TouchedAtOpen: c.touched.Clone()})
}

// Release pops the savepoint stack down to and including name
// (RELEASE name, spec.md §4.F).
func (c *Context) Release(name string) error {
	c.latch.Lock()
	defer c.latch.Unlock()
	idx, err := c.findSavepoint(name)
	if err != nil {
		return err
	}
	c.savepoints = c.savepoints[:idx]
	return nil
}

// RollbackTo pops entries above name and restores its captured
// touched-tables snapshot (ROLLBACK TO name, spec.md §4.F). It does not
// restore row-level pre-state snapshots — State Capture's full pre-state
// hash for a table remains the one recorded at first write in the
// outermost surviving scope, since that's what spec.md §3 defines as
// "per-table pre-state hashes", not per-savepoint.
func (c *Context) RollbackTo(name string) error {
	c.latch.Lock()
	defer c.latch.Unlock()
	idx, err := c.findSavepoint(name)
	if err != nil {
		return err
	}
	c.touched = c.savepoints[idx].TouchedAtOpen.Clone()
	c.savepoints = c.savepoints[:idx+1]
	// PostgreSQL returns to the in-transaction ('T') status after a
	// ROLLBACK TO, even if the transaction had been aborted beforehand;
	// the tracker's model must follow so the next ReconcileStatus call
	// doesn't mistake this expected recovery for a divergence.
	if c.State == StateFailed {
		c.State = StateOpen
	}
	return nil
}

func (c *Context) findSavepoint(name string) (int, error) {
	for i := len(c.savepoints) - 1; i >= 0; i-- {
		if c.savepoints[i].Name == name {
			return i, nil
		}
	}
	return 0, &ErrSavepointUnderflow{Name: name}
}

// ErrSavepointUnderflow is an invariant violation (spec.md §7): a
// RELEASE/ROLLBACK TO referenced a savepoint not on the stack.
type ErrSavepointUnderflow struct{ Name string }

func (e *ErrSavepointUnderflow) Error() string {
	return fmt.Sprintf("savepoint %q not found on stack", e.Name)
}

// TryFinish is teacher's DBTxn.TryFinish: only one of Commit/Rollback may
// succeed per transaction.
func (c *Context) TryFinish() bool {
	c.latch.Lock()
	defer c.latch.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	return true
}

// ReconcileStatus compares the backend's ReadyForQuery status indicator
// against the tracker's own model. A mismatch is fatal (spec.md §4.F):
// it indicates out-of-band state changes.
func (c *Context) ReconcileStatus(indicator byte) error {
	switch indicator {
	case 'I': // idle: no transaction in progress on the backend.
		if c.State == StateOpen {
			c.State = StateDiverged
			return &ErrDiverged{Reason: "backend reports idle while tracker still has an open transaction"}
		}
	case 'T': // in transaction.
		if c.State != StateOpen {
			c.State = StateDiverged
			return &ErrDiverged{Reason: "backend reports an open transaction the tracker does not have"}
		}
	case 'E': // failed transaction.
		if c.State != StateOpen && c.State != StateFailed {
			c.State = StateDiverged
			return &ErrDiverged{Reason: "backend reports a failed transaction the tracker does not have"}
		}
		c.State = StateFailed
	default:
		return &ErrDiverged{Reason: fmt.Sprintf("unknown ReadyForQuery indicator %q", indicator)}
	}
	return nil
}

// ErrDiverged is spec.md §7's invariant-violation class: the session
// that sees it terminates. No transaction record is emitted for the
// diverged transaction.
type ErrDiverged struct{ Reason string }

func (e *ErrDiverged) Error() string { return "transaction diverged: " + e.Reason }
