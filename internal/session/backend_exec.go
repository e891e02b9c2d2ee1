package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/verifiable-rds/interceptor/internal/backend"
	"github.com/verifiable-rds/interceptor/internal/obs"
)

// reconcile implements spec.md §4.F's status cross-check: it reads the
// real backend's transaction-status indicator off the pinned connection
// (pgconn exposes the same 'I'/'T'/'E' byte ReadyForQuery would have
// carried over the wire) and compares it against the tracker's model. A
// mismatch is an invariant violation (spec.md §7): the session is
// terminated and the transaction flagged Diverged rather than silently
// trusted. Callers that just issued COMMIT/ROLLBACK skip this: the
// backend's expected flip from 'T' to 'I' there is the tracker's own
// doing, not a divergence, and is handled by the caller dropping tx
// instead.
func (s *Session) reconcile(conn *pgxpool.Conn) error {
	if s.tx == nil || conn == nil {
		return nil
	}
	indicator := conn.Conn().PgConn().TxStatus()
	if err := s.tx.ReconcileStatus(indicator); err != nil {
		obs.Diverged(s.log, fmt.Sprint(s.ID), err.Error(), "txn", s.tx.ID)
		s.setState(Terminating)
		return err
	}
	return nil
}

// execAgainstBackend forwards sql to the backend and streams
// RowDescription/DataRow/CommandComplete back to the client verbatim,
// per spec.md §4.C ("all frames flow unchanged ... except for the SQL
// text, which is substituted by the Rewriter" — substitution already
// happened by the time sql reaches here). Inside a transaction the
// statement runs on the connection pinned by txnConn so BEGIN/COMMIT
// and the pre/post capture reads all observe the same backend session.
// reconcileAfter skips the post-statement status cross-check for
// COMMIT/ROLLBACK, whose callers finalize the transaction themselves.
func (s *Session) execAgainstBackend(ctx context.Context, sql string) error {
	return s.execAgainstBackendStatus(ctx, sql, true)
}

func (s *Session) execAgainstBackendStatus(ctx context.Context, sql string, reconcileAfter bool) error {
	var conn *pgxpool.Conn
	standalone := s.tx == nil
	if standalone {
		var err error
		conn, err = s.link.Acquire(ctx, backend.Key{Database: s.database, Role: s.role})
		if err != nil {
			return s.sendError("08006", "backend connection failure: "+err.Error())
		}
		defer conn.Release()
	} else {
		var err error
		conn, err = s.txnConn(ctx)
		if err != nil {
			return s.sendError("08006", "backend connection failure: "+err.Error())
		}
	}

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		if backend.IsConnectionError(err) {
			return s.sendError("08006", "backend connection failure: "+err.Error())
		}
		if s.tx != nil {
			s.setState(InFailedTransaction)
			if reconcileAfter {
				if rerr := s.reconcile(conn); rerr != nil {
					return rerr
				}
			}
		}
		return s.sendError("XX000", err.Error())
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	if len(fields) > 0 {
		if err := s.writeMessage(toRowDescription(fields)); err != nil {
			return err
		}
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return s.sendError("XX000", err.Error())
		}
		if err := s.writeMessage(toDataRow(vals)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return s.sendError("XX000", err.Error())
	}

	if reconcileAfter {
		if err := s.reconcile(conn); err != nil {
			return err
		}
	}

	// rows.CommandTag() is only valid once iteration has completed; it
	// carries the backend's own tag text ("INSERT 0 n", "UPDATE n",
	// "BEGIN", ...), so CommandComplete always reports what actually
	// happened instead of a SELECT count that is wrong for every other
	// statement kind.
	return s.writeCommandComplete(rows.CommandTag().String())
}

func toRowDescription(fields []pgproto3.FieldDescription) *pgproto3.RowDescription {
	return &pgproto3.RowDescription{Fields: fields}
}

func toDataRow(vals []interface{}) *pgproto3.DataRow {
	cols := make([][]byte, len(vals))
	for i, v := range vals {
		if v == nil {
			cols[i] = nil
			continue
		}
		cols[i] = []byte(fmt.Sprint(v))
	}
	return &pgproto3.DataRow{Values: cols}
}
