// Package backend implements the Backend Link (spec.md §4.C): a pooled
// connection to the real PostgreSQL server that the interceptor proxies
// application traffic through.
//
// Grounded on teacher's storage/postgres.go SQLDB, which wraps a single
// pgxpool.Pool opened with pgxpool.ParseConfig/ConnectConfig; this
// package keeps that construction idiom but pools per (database, role)
// pair instead of a single fixed database, and drops the YCSB-specific
// schema bootstrapping the teacher did at init time since this system
// never owns the application schema.
package backend

import (
	"context"
	"fmt"
	"sync"
	"unicode"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Key identifies one backend pool, spec.md §4.C's "connections are
// pooled per (database, role)".
type Key struct {
	Database string
	Role     string
}

// Link owns one pgxpool.Pool per Key, lazily dialed on first use. base
// is parsed once and cloned per Key rather than re-parsed, so a
// client-supplied database/role (from the StartupMessage, untrusted
// until authentication succeeds) is carried as a pgconn.Config field
// rather than interpolated into a connection string: pgconn sends
// Database/User as ordinary startup parameter values, never as syntax
// a DSN parser re-lexes, so there is nothing for a crafted value to
// inject into.
type Link struct {
	base     *pgxpool.Config
	baseErr  error
	mu       sync.Mutex
	pools    map[Key]*pgxpool.Pool
	maxConns int32
}

// New creates a Link. dsn is the backend's connection string minus
// database/role, e.g. "postgres://host:5432/?sslmode=disable"; Acquire
// fills in database/role per connecting client.
func New(dsn string, maxConnsPerPool int32) *Link {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		// Default()'s empty DSN parses; an unparseable operator-supplied
		// one is kept in baseErr and surfaces on the first Acquire instead
		// of here so New keeps its simple constructor signature.
		cfg = &pgxpool.Config{ConnConfig: &pgx.ConnConfig{}}
	}
	return &Link{
		base:     cfg,
		baseErr:  err,
		pools:    make(map[Key]*pgxpool.Pool),
		maxConns: maxConnsPerPool,
	}
}

// Acquire returns a pooled connection for key, dialing a new pool the
// first time key is seen. The caller must Release the connection.
func (l *Link) Acquire(ctx context.Context, key Key) (*pgxpool.Conn, error) {
	pool, err := l.poolFor(ctx, key)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend: acquire %s/%s: %w", key.Database, key.Role, err)
	}
	return conn, nil
}

func (l *Link) poolFor(ctx context.Context, key Key) (*pgxpool.Pool, error) {
	l.mu.Lock()
	if p, ok := l.pools[key]; ok {
		l.mu.Unlock()
		return p, nil
	}
	l.mu.Unlock()

	if l.baseErr != nil {
		return nil, fmt.Errorf("backend: parse DSN: %w", l.baseErr)
	}
	if err := validateIdentifier(key.Database); err != nil {
		return nil, fmt.Errorf("backend: database %w", err)
	}
	if err := validateIdentifier(key.Role); err != nil {
		return nil, fmt.Errorf("backend: role %w", err)
	}

	cfg := *l.base
	cfg.ConnConfig = l.base.ConnConfig.Copy()
	cfg.ConnConfig.Database = key.Database
	cfg.ConnConfig.User = key.Role
	cfg.MaxConns = l.maxConns

	pool, err := pgxpool.ConnectConfig(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("backend: connect %s/%s: %w", key.Database, key.Role, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.pools[key]; ok {
		pool.Close()
		return existing, nil
	}
	l.pools[key] = pool
	return pool, nil
}

// validateIdentifier rejects control characters and NUL in a
// client-supplied database/role name before it is handed to pgconn; a
// defense-in-depth check alongside building the config by field rather
// than by string interpolation.
func validateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("must not be empty")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("contains a control character")
		}
	}
	return nil
}

// Close shuts down every pool this Link opened.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.pools {
		p.Close()
	}
	l.pools = make(map[Key]*pgxpool.Pool)
}

// IsConnectionError reports whether err indicates the physical
// connection is unusable (spec.md §4.C: "connection-level errors force
// reconnection; transactional errors pass through to the client
// unmodified"). Any error that carries no SQLState (i.e. did not come
// from a server ErrorResponse) counts as connection-level, except
// pgx.ErrTxClosed and pgx.ErrTxCommitRollback.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if err == pgx.ErrTxClosed || err == pgx.ErrTxCommitRollback {
		return false
	}
	return !isPostgresError(err)
}

func isPostgresError(err error) bool {
	_, ok := err.(interface{ SQLState() string })
	return ok
}
