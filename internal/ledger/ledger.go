// Package ledger is the local append-only block log (spec.md §6
// "Persisted state layout") plus a publish hook toward the external
// ledger collaborator the interceptor hands sealed blocks to. Only block
// publication is modelled; challenges and proof requests from the
// collaborator are not handled here.
//
// Grounded on teacher's storage/log_manager.go: a *wal.Log opened per
// shard, a single latch-guarded writer, and a batch buffer flushed on a
// timer. This package keeps the wal.Log/latch/batch shape but replaces
// the teacher's ad hoc "(u,tid,table,key,value)" string records with
// length-delimited CBOR block records (github.com/fxamacker/cbor/v2),
// since a block record is a structured, replayable unit of record
// rather than a redo-log line.
package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/wal"

	"github.com/verifiable-rds/interceptor/internal/block"
)

// storedRecord is the CBOR wire shape persisted per WAL entry: the
// block's canonical bytes plus enough of its header to index without
// decoding the signature and transaction list back out, and a
// self-describing hash for tamper detection on replay.
type storedRecord struct {
	Number     uint64
	ParentRoot [32]byte
	NewRoot    [32]byte
	Canonical  []byte
	Signature  []byte
	RecordHash [32]byte
}

// Log is the local append-only block log. It satisfies block.Ledger.
type Log struct {
	latch sync.Mutex
	wal   *wal.Log
	index uint64

	// flushInterval batches consecutive Append calls the way teacher's
	// localBatchSyncLogger does, instead of fsyncing per block.
	flushInterval time.Duration
	buffer        *wal.Batch
	lastFlushed   uint64
	lastFlushTime time.Time

	// remote is the external ledger collaborator; nil means local-only
	// (spec.md §6 permits operating without one configured).
	remote Remote
}

// Remote is the external ledger collaborator a sealed block is
// published to. It covers publication only; there is no method for
// accepting challenges or serving proofs.
type Remote interface {
	Publish(ctx context.Context, r *block.Record) error
}

// Open opens (or creates) the WAL-backed log rooted at dir.
func Open(dir string, flushInterval time.Duration, remote Remote) (*Log, error) {
	w, err := wal.Open(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dir, err)
	}
	last, err := w.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("ledger: read last index: %w", err)
	}
	l := &Log{
		wal:           w,
		index:         last,
		flushInterval: flushInterval,
		buffer:        &wal.Batch{},
		lastFlushed:   last,
		lastFlushTime: time.Now(),
		remote:        remote,
	}
	return l, nil
}

// Append persists r locally and, if configured, publishes it to the
// external collaborator. Local write failures are returned. With a
// non-zero flushInterval the record may still be held in the in-memory
// batch when it is published; it reaches the WAL on a later Append once
// the interval has elapsed, or on Close. Remote publish failures are
// returned to the caller after the local append step has run.
func (l *Log) Append(ctx context.Context, r *block.Record) error {
	canonical := r.CanonicalBytes()
	stored := storedRecord{
		Number:     r.Number,
		ParentRoot: r.ParentRoot,
		NewRoot:    r.NewRoot,
		Canonical:  canonical,
		Signature:  r.Signature,
		RecordHash: sha256.Sum256(canonical),
	}
	enc, err := cbor.Marshal(stored)
	if err != nil {
		return fmt.Errorf("ledger: encode block %d: %w", r.Number, err)
	}

	l.latch.Lock()
	l.index++
	idx := l.index
	l.buffer.Write(idx, enc)
	// Flush immediately once flushInterval has elapsed since the last
	// flush (teacher's localBatchSyncLogger ticker, applied inline
	// instead of on a background goroutine since Append already runs on
	// the emitter's single-writer critical section); a flushInterval of
	// zero flushes every call, the safest default absent an operator
	// override.
	due := l.flushInterval <= 0 || time.Since(l.lastFlushTime) >= l.flushInterval
	if due {
		err = l.wal.WriteBatch(l.buffer)
		if err == nil {
			l.buffer.Clear()
			l.lastFlushed = idx
			l.lastFlushTime = time.Now()
		}
	}
	l.latch.Unlock()
	if err != nil {
		return fmt.Errorf("ledger: write block %d: %w", r.Number, err)
	}

	if l.remote != nil {
		if err := l.remote.Publish(ctx, r); err != nil {
			return fmt.Errorf("ledger: publish block %d to remote: %w", r.Number, err)
		}
	}
	return nil
}

// Close writes any records still held in the batch buffer, then
// releases the underlying WAL file handle.
func (l *Log) Close() error {
	l.latch.Lock()
	defer l.latch.Unlock()
	if l.lastFlushed < l.index {
		if err := l.wal.WriteBatch(l.buffer); err != nil {
			l.wal.Close()
			return fmt.Errorf("ledger: write buffered blocks on close: %w", err)
		}
		l.buffer.Clear()
		l.lastFlushed = l.index
	}
	return l.wal.Close()
}

// Replay reads every persisted block record in order, verifying each
// one's stored hash against its canonical bytes, and calls fn for each.
// Used by the replay-log CLI path and by verifiers reconstructing chain
// state from the local log alone.
func Replay(dir string, fn func(number uint64, parentRoot, newRoot [32]byte, canonical, signature []byte) error) error {
	w, err := wal.Open(dir, nil)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", dir, err)
	}
	defer w.Close()

	first, err := w.FirstIndex()
	if err != nil {
		return fmt.Errorf("ledger: read first index: %w", err)
	}
	last, err := w.LastIndex()
	if err != nil {
		return fmt.Errorf("ledger: read last index: %w", err)
	}
	for idx := first; idx <= last && idx != 0; idx++ {
		raw, err := w.Read(idx)
		if err != nil {
			return fmt.Errorf("ledger: read entry %d: %w", idx, err)
		}
		var stored storedRecord
		if err := cbor.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("ledger: decode entry %d: %w", idx, err)
		}
		if sha256.Sum256(stored.Canonical) != stored.RecordHash {
			return fmt.Errorf("ledger: entry %d failed hash verification (tampered or corrupt)", idx)
		}
		if err := fn(stored.Number, stored.ParentRoot, stored.NewRoot, stored.Canonical, stored.Signature); err != nil {
			return err
		}
	}
	return nil
}
