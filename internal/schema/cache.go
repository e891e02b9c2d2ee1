// Package schema resolves a table's capture.Schema from the real
// backend's catalog and caches it, the SchemaLookup collaborator
// internal/session and internal/block both consume as an unnamed
// function value.
//
// Grounded on teacher's storage/postgres.go SQLDB pattern of issuing
// catalog/bootstrap queries over the same pgx connection used for data
// access; generalized from teacher's fixed YCSB table shape to
// introspecting arbitrary tables via the pg_attribute/pg_class/pg_index
// catalogs.
package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/verifiable-rds/interceptor/internal/backend"
	"github.com/verifiable-rds/interceptor/internal/capture"
)

// Cache resolves and memoizes capture.Schema per (database, role,
// table), invalidated only by explicit Invalidate since DDL during a
// live session is out of this system's scope (spec.md §4.D treats DDL
// as a classification concern, not a schema-cache concern).
type Cache struct {
	link *backend.Link

	mu      sync.RWMutex
	byTable map[cacheKey]capture.Schema
}

type cacheKey struct {
	Database, Role, Table string
}

// New builds a Cache backed by link.
func New(link *backend.Link) *Cache {
	return &Cache{link: link, byTable: make(map[cacheKey]capture.Schema)}
}

// Lookup implements the SchemaLookup signature both internal/session and
// internal/block depend on. database/role select which backend pool to
// query, since different roles may see different search_paths.
func (c *Cache) Lookup(ctx context.Context, database, role, table string) (capture.Schema, error) {
	key := cacheKey{Database: database, Role: role, Table: table}
	c.mu.RLock()
	if s, ok := c.byTable[key]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	s, err := c.fetch(ctx, key)
	if err != nil {
		return capture.Schema{}, err
	}
	c.mu.Lock()
	c.byTable[key] = s
	c.mu.Unlock()
	return s, nil
}

// Invalidate drops a cached schema, for callers that observe DDL
// against table and want the next Lookup to re-introspect.
func (c *Cache) Invalidate(database, role, table string) {
	c.mu.Lock()
	delete(c.byTable, cacheKey{Database: database, Role: role, Table: table})
	c.mu.Unlock()
}

func (c *Cache) fetch(ctx context.Context, key cacheKey) (capture.Schema, error) {
	conn, err := c.link.Acquire(ctx, backend.Key{Database: key.Database, Role: key.Role})
	if err != nil {
		return capture.Schema{}, fmt.Errorf("schema: acquire backend connection: %w", err)
	}
	defer conn.Release()

	s := capture.Schema{Table: key.Table}

	rows, err := conn.Query(ctx, `
		SELECT a.attname, a.atttypid
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		WHERE c.relname = $1 AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, key.Table)
	if err != nil {
		return capture.Schema{}, fmt.Errorf("schema: describe columns for %s: %w", key.Table, err)
	}
	for rows.Next() {
		var name string
		var oid uint32
		if err := rows.Scan(&name, &oid); err != nil {
			rows.Close()
			return capture.Schema{}, fmt.Errorf("schema: scan column for %s: %w", key.Table, err)
		}
		s.Columns = append(s.Columns, capture.Column{Name: name, OID: oid})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return capture.Schema{}, fmt.Errorf("schema: read columns for %s: %w", key.Table, err)
	}
	rows.Close()
	if len(s.Columns) == 0 {
		return capture.Schema{}, fmt.Errorf("schema: table %q not found or has no columns", key.Table)
	}

	pkRows, err := conn.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		JOIN pg_class c ON c.oid = i.indrelid
		WHERE c.relname = $1 AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`, key.Table)
	if err != nil {
		return capture.Schema{}, fmt.Errorf("schema: describe primary key for %s: %w", key.Table, err)
	}
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			pkRows.Close()
			return capture.Schema{}, fmt.Errorf("schema: scan primary key column for %s: %w", key.Table, err)
		}
		s.PrimaryKey = append(s.PrimaryKey, name)
	}
	if err := pkRows.Err(); err != nil {
		pkRows.Close()
		return capture.Schema{}, fmt.Errorf("schema: read primary key for %s: %w", key.Table, err)
	}
	pkRows.Close()

	return s, nil
}
