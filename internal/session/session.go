// Package session implements the Connection Session (spec.md §4.B): the
// per-client state machine covering startup, authentication, simple and
// extended query protocol, and termination.
//
// Grounded on teacher's network/participant/conn.go Comm.handleRequest
// (one goroutine per accepted connection, reading framed messages in a
// loop until EOF) for the accept/serve shape, generalized from
// teacher's newline-delimited JSON framing to the PostgreSQL v3 frame
// codec in internal/wire, and from teacher's Context (participant/*.go)
// per-transaction bookkeeping to this package's explicit State machine.
package session

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/verifiable-rds/interceptor/internal/analyzer"
	"github.com/verifiable-rds/interceptor/internal/backend"
	"github.com/verifiable-rds/interceptor/internal/block"
	"github.com/verifiable-rds/interceptor/internal/capture"
	"github.com/verifiable-rds/interceptor/internal/rewrite"
	"github.com/verifiable-rds/interceptor/internal/txn"
	"github.com/verifiable-rds/interceptor/internal/wire"
)

// State is spec.md §4.B's per-session state machine.
type State int

const (
	StartupExpected State = iota
	AuthInProgress
	Ready
	InTransaction
	InFailedTransaction
	Terminating
)

// PreparedStatement is spec.md §3's PreparedStatement.
type PreparedStatement struct {
	OriginalSQL  string
	RewrittenSQL string
	ParamOIDs    []uint32
	Classified   *analyzer.ClassifiedStatement
}

// Portal is spec.md §3's Portal.
type Portal struct {
	Statement     *PreparedStatement
	Params        [][]byte
	ResultFormats []int16
}

// SchemaLookup resolves a table's capture.Schema, used both for state
// capture and for the rewriter's ORDER BY column resolution. The
// Connection Session owns no schema cache of its own; it is supplied by
// whatever wires sessions together (cmd/interceptor), per spec.md §9's
// "no shared mutable back-reference" guidance.
type SchemaLookup func(ctx context.Context, table string) (capture.Schema, error)

// Session is one client connection's state machine.
type Session struct {
	ID     uint32 // PostgreSQL backend process id exposed to the client
	conn   net.Conn
	reader *bufio.Reader
	log    *zap.SugaredLogger

	link      *backend.Link
	cancel    *CancelTable
	emitter   *block.Emitter
	schemaFor SchemaLookup
	opts      analyzer.Options

	state State
	mu    sync.Mutex

	database string
	role     string

	preparedStatements map[string]*PreparedStatement
	portals            map[string]*Portal

	tx          *txn.Context
	txConn      *pgxpool.Conn
	callOrdinal uint64
	secretKey   uint32

	verifier   Verifier
	authMethod Method

	cancelFunc context.CancelFunc

	maxFrameSize uint32

	// tlsConfig, when non-nil, lets doStartup answer SSLRequest with
	// acceptance and upgrade the connection in place (spec.md §6: "TLS
	// termination at the listener"); nil means SSLRequest is always
	// refused.
	tlsConfig *tls.Config
}

// New constructs a Session bound to an already-accepted connection.
func New(conn net.Conn, pid uint32, link *backend.Link, cancel *CancelTable, emitter *block.Emitter, schemaFor SchemaLookup, opts analyzer.Options, verifier Verifier, authMethod Method, log *zap.SugaredLogger, maxFrameSize uint32, tlsConfig *tls.Config) *Session {
	return &Session{
		ID:                 pid,
		conn:               conn,
		reader:             bufio.NewReader(conn),
		log:                log,
		link:               link,
		cancel:             cancel,
		emitter:            emitter,
		schemaFor:          schemaFor,
		opts:               opts,
		verifier:           verifier,
		authMethod:         authMethod,
		state:              StartupExpected,
		preparedStatements: make(map[string]*PreparedStatement),
		portals:            make(map[string]*Portal),
		secretKey:          randomSecretKey(),
		maxFrameSize:       maxFrameSize,
		tlsConfig:          tlsConfig,
	}
}

// DatabaseRole returns the database/role the client authenticated as,
// valid once Run has passed startup. Callers building a SchemaLookup
// closure around a Session use this to resolve which backend pool a
// schema lookup should query (schema.Cache keys on both).
func (s *Session) DatabaseRole() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.database, s.role
}

func randomSecretKey() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// Run drives the session to completion. It returns when the connection
// closes or a protocol error forces termination.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	defer func() {
		if s.cancel != nil {
			s.cancel.Remove(CancelKey{BackendPID: s.ID, SecretKey: s.secretKey})
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.doStartup(ctx); err != nil {
		return err
	}

	for s.currentState() != Terminating {
		frame, err := s.readFrame(ctx, wire.PhaseNormal)
		if err != nil {
			return err
		}
		// Each frontend message gets its own cancellable context, so a
		// CancelRequest aborts only the operation in flight.
		opCtx, opCancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancelFunc = opCancel
		s.mu.Unlock()
		err = s.dispatch(opCtx, frame)
		opCancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// readFrame grows a buffer until wire.Decode stops asking for more
// bytes, then returns the decoded frame (spec.md §4.A: strictly
// non-blocking decode layered over a blocking read here, since each
// session drives its own goroutine per spec.md §5).
func (s *Session) readFrame(ctx context.Context, phase wire.Phase) (*wire.Decoded, error) {
	var buf []byte
	for {
		d, err := wire.Decode(buf, phase, s.maxFrameSize)
		if err == nil {
			return d, nil
		}
		need, ok := err.(*wire.NeedMoreBytes)
		if !ok {
			return nil, err
		}
		chunk := make([]byte, need.Want)
		if _, rerr := readFull(s.reader, chunk); rerr != nil {
			return nil, rerr
		}
		buf = append(buf, chunk...)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Session) doStartup(ctx context.Context) error {
	for {
		frame, err := s.readFrame(ctx, wire.PhaseStartup)
		if err != nil {
			return err
		}
		sf, err := wire.DecodeStartup(frame.Body)
		if err != nil {
			return err
		}
		switch {
		case sf.GSSEnc:
			if _, err := s.conn.Write(wire.EncodeSSLResponse(false)); err != nil {
				return err
			}
			continue // spec.md §4.B: restart at StartupExpected after refusing.
		case sf.SSL:
			accept := s.tlsConfig != nil
			if _, err := s.conn.Write(wire.EncodeSSLResponse(accept)); err != nil {
				return err
			}
			if accept {
				tlsConn := tls.Server(s.conn, s.tlsConfig)
				if err := tlsConn.HandshakeContext(ctx); err != nil {
					return err
				}
				s.conn = tlsConn
				s.reader = bufio.NewReader(tlsConn)
			}
			continue // spec.md §4.B: restart at StartupExpected after SSL negotiation.
		case sf.Cancel != nil:
			s.handleCancelRequest(sf.Cancel)
			s.setState(Terminating)
			return nil
		case sf.Startup != nil:
			s.setState(AuthInProgress)
			return s.authenticate(ctx, sf.Startup)
		}
	}
}

func (s *Session) handleCancelRequest(cr *pgproto3.CancelRequest) {
	if s.cancel == nil {
		return
	}
	s.cancel.Signal(CancelKey{BackendPID: uint32(cr.ProcessID), SecretKey: uint32(cr.SecretKey)})
}

func (s *Session) writeMessage(msg interface{ Encode([]byte) []byte }) error {
	_, err := s.conn.Write(wire.Encode(nil, msg))
	return err
}

func (s *Session) sendReadyForQuery() error {
	indicator := byte('I')
	switch s.currentState() {
	case InTransaction:
		indicator = 'T'
	case InFailedTransaction:
		indicator = 'E'
	}
	return s.writeMessage(&pgproto3.ReadyForQuery{TxStatus: indicator})
}

func (s *Session) sendError(code, message string) error {
	return s.writeMessage(&pgproto3.ErrorResponse{Severity: "ERROR", Code: code, Message: message})
}

// dispatch routes one tagged frontend frame (spec.md §4.B).
func (s *Session) dispatch(ctx context.Context, frame *wire.Decoded) error {
	msg, err := wire.DecodeFrontend(frame.Tag, frame.Body)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *pgproto3.Query:
		return s.handleSimpleQuery(ctx, m.String)
	case *pgproto3.Parse:
		return s.handleParse(ctx, m)
	case *pgproto3.Bind:
		return s.handleBind(m)
	case *pgproto3.Describe:
		return s.handleDescribe(ctx, m)
	case *pgproto3.Execute:
		return s.handleExecute(ctx, m)
	case *pgproto3.Close:
		return s.handleClose(m)
	case *pgproto3.Sync:
		return s.sendReadyForQuery()
	case *pgproto3.Flush:
		return nil
	case *pgproto3.Terminate:
		s.setState(Terminating)
		return nil
	default:
		return s.sendError("0A000", fmt.Sprintf("unsupported message %T", msg))
	}
}

// classify runs the Query Analyzer and, for Rewritten verdicts, resolves
// ORDER BY columns against the schema cache before the caller applies
// the rewrite plan (spec.md §4.D/§4.E boundary).
func (s *Session) classify(ctx context.Context, sql string) *analyzer.ClassifiedStatement {
	cs := analyzer.Analyze(sql, s.opts)
	if cs.Verdict.Kind == analyzer.Rewritten && cs.Verdict.Plan.NeedsOrderBy && s.schemaFor != nil {
		if schema, err := s.schemaFor(ctx, cs.Verdict.Plan.TableForOrdering); err == nil {
			for _, c := range schema.Columns {
				cs.Verdict.Plan.OrderByColumns = append(cs.Verdict.Plan.OrderByColumns, c.Name)
			}
		}
	}
	return cs
}

func (s *Session) nextOrdinal() uint64 {
	s.callOrdinal++
	return s.callOrdinal
}

// rewritten resolves the exact SQL to forward to the backend for a Pure
// or Rewritten verdict.
func (s *Session) rewritten(cs *analyzer.ClassifiedStatement) string {
	if cs.Verdict.Kind != analyzer.Rewritten {
		return cs.SQL
	}
	seed := [16]byte{}
	start := time.Now().UTC()
	if s.tx != nil {
		seed = s.tx.DeterministicSeed()
		start = s.tx.StartedAt
	}
	return rewrite.Apply(cs.SQL, cs.Verdict.Plan, seed, rewrite.FixedClock(start), s.nextOrdinal)
}

// handleSimpleQuery implements spec.md §4.B's simple-query path.
func (s *Session) handleSimpleQuery(ctx context.Context, sql string) error {
	for _, stmt := range splitStatements(sql) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := s.runOneStatement(ctx, stmt); err != nil {
			return err
		}
	}
	return s.sendReadyForQuery()
}

func (s *Session) runOneStatement(ctx context.Context, sql string) error {
	if s.currentState() == InFailedTransaction && !isRollbackLike(sql) {
		return s.sendError("25P02", "current transaction is aborted, commands ignored until end of transaction block")
	}

	cs := s.classify(ctx, sql)
	if cs.Verdict.Kind == analyzer.Unsafe {
		return s.sendError("0A000", "statement rejected as non-deterministic: "+cs.Verdict.Reason)
	}
	return s.executeClassified(ctx, cs)
}

// executeClassified implements the simple-query path: it computes the
// rewritten SQL itself, since the simple-query protocol has no prior
// Parse step to have computed it already.
func (s *Session) executeClassified(ctx context.Context, cs *analyzer.ClassifiedStatement) error {
	return s.execute(ctx, cs, "")
}

// executePrepared implements the extended-query path: preparedSQL is
// the text already rewritten once at Parse time (spec.md §4.E call
// ordinals are assigned left-to-right and must not be reassigned on
// every Execute of the same bound portal).
func (s *Session) executePrepared(ctx context.Context, cs *analyzer.ClassifiedStatement, preparedSQL string) error {
	return s.execute(ctx, cs, preparedSQL)
}

// execute is the shared tail of both protocol paths once a statement
// has cleared the analyzer: transaction-control statements update the
// tracker and still forward to the real backend (so its own
// BEGIN/COMMIT/SAVEPOINT state stays authoritative; ReconcileStatus
// cross-checks it on the next ReadyForQuery), everything else tracks
// writes, pins a transaction connection if needed, and forwards the
// rewritten SQL.
func (s *Session) execute(ctx context.Context, cs *analyzer.ClassifiedStatement, preparedSQL string) error {
	switch cs.Kind {
	case analyzer.KindBegin:
		if s.tx == nil {
			s.tx = txn.Begin()
			s.callOrdinal = 0
		}
		s.setState(InTransaction)
		if _, err := s.txnConn(ctx); err != nil {
			return s.sendError("08006", "backend connection failure: "+err.Error())
		}
		return s.execAgainstBackend(ctx, cs.SQL)
	case analyzer.KindSavepoint:
		if s.tx != nil {
			s.tx.PushSavepoint(cs.SavepointName)
		}
		return s.execAgainstBackend(ctx, cs.SQL)
	case analyzer.KindReleaseSavepoint:
		if s.tx != nil {
			if err := s.tx.Release(cs.SavepointName); err != nil {
				return s.sendError("3B001", err.Error())
			}
		}
		return s.execAgainstBackend(ctx, cs.SQL)
	case analyzer.KindRollbackToSavepoint:
		if s.tx != nil {
			if err := s.tx.RollbackTo(cs.SavepointName); err != nil {
				return s.sendError("3B001", err.Error())
			}
		}
		return s.execAgainstBackend(ctx, cs.SQL)
	case analyzer.KindCommit:
		return s.commit(ctx)
	case analyzer.KindRollback:
		err := s.execAgainstBackendStatus(ctx, cs.SQL, false)
		s.releaseTxnConn()
		s.tx = nil
		s.setState(Ready)
		return err
	}

	if cs.ImplicitBegin && s.tx == nil {
		s.beginImplicit()
		if _, err := s.txnConn(ctx); err != nil {
			return s.sendError("08006", "backend connection failure: "+err.Error())
		}
	}
	for _, t := range cs.TablesWritten {
		s.trackWrite(ctx, t)
	}

	out := preparedSQL
	if out == "" {
		out = s.rewritten(cs)
	}
	return s.execAgainstBackend(ctx, out)
}

func (s *Session) beginImplicit() {
	s.tx = txn.Begin()
	s.callOrdinal = 0
	s.setState(InTransaction)
}

// trackWrite implements spec.md §4.F: "on the first write to a table
// within a transaction, it asks State Capture to capture that table's
// pre-state." The capture runs against the same pinned backend
// connection the statement itself will execute on, so the pre-state
// read observes the table exactly as it stood before this write.
func (s *Session) trackWrite(ctx context.Context, table string) {
	if s.tx == nil || s.schemaFor == nil {
		return
	}
	if !s.tx.RecordWrite(table) {
		return
	}
	conn, err := s.txnConn(ctx)
	if err != nil {
		s.log.Warnw("pre-state capture: acquire backend connection failed", "table", table, "error", err)
		return
	}
	schema, err := s.schemaFor(ctx, table)
	if err != nil {
		s.log.Warnw("pre-state capture: schema lookup failed", "table", table, "error", err)
		return
	}
	snap, err := capture.Capture(ctx, conn, schema)
	if err != nil {
		s.log.Warnw("pre-state capture failed", "table", table, "error", err)
		return
	}
	s.tx.PreStateHashes[table] = snap.Root
}

// txnConn returns the backend connection pinned to the current
// transaction, acquiring and pinning one on first use (spec.md §4.C:
// "acquisition returns an exclusive handle for the lifetime of a client
// session" — here scoped to the transaction so pre/post capture and the
// transaction's statements share one backend-side BEGIN).
func (s *Session) txnConn(ctx context.Context) (*pgxpool.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txConn != nil {
		return s.txConn, nil
	}
	conn, err := s.link.Acquire(ctx, backend.Key{Database: s.database, Role: s.role})
	if err != nil {
		return nil, err
	}
	s.txConn = conn
	return conn, nil
}

func (s *Session) releaseTxnConn() {
	s.mu.Lock()
	conn := s.txConn
	s.txConn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Release()
	}
}

func (s *Session) commit(ctx context.Context) error {
	if s.tx == nil {
		s.setState(Ready)
		return nil
	}
	err := s.execAgainstBackendStatus(ctx, "COMMIT", false)
	if err == nil && s.emitter != nil {
		var reader capture.Reader
		if conn, cerr := s.txnConn(ctx); cerr == nil {
			reader = conn
		}
		if rerr := s.emitter.RecordTransaction(ctx, s.tx, reader, s.schemaFor); rerr != nil {
			s.log.Warnw("transaction record emission failed", "txn", s.tx.ID, "error", rerr)
		}
	}
	s.releaseTxnConn()
	s.tx = nil
	s.setState(Ready)
	return err
}

func (s *Session) writeCommandComplete(tag string) error {
	return s.writeMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

func isRollbackLike(sql string) bool {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	return strings.HasPrefix(upper, "ROLLBACK")
}

// splitStatements breaks a simple-query message on top-level semicolons.
// It is deliberately naive about semicolons inside string literals; see
// DESIGN.md's "Known limitations" entry.
func splitStatements(sql string) []string {
	return strings.Split(sql, ";")
}
