package dbinspect

import (
	"context"
	"time"
)

const listTablesSQL = `
SELECT
    n.nspname AS schema,
    c.relname AS name,
    CASE c.relkind
        WHEN 'r' THEN 'table'
        WHEN 'v' THEN 'view'
        WHEN 'm' THEN 'materialized_view'
        WHEN 'f' THEN 'foreign_table'
        WHEN 'p' THEN 'partitioned_table'
    END AS type
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'v', 'm', 'f', 'p')
  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
  AND has_table_privilege(c.oid, 'SELECT')
ORDER BY n.nspname, c.relname;
`

// ListTables returns every table and view visible to the configured
// credentials. Always consults the database: the listing is cheap and
// visibility can change between calls, so it is deliberately uncached.
func (p *Inspector) ListTables(ctx context.Context) ([]TableEntry, error) {
	start := time.Now()

	res, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := res.Value().conn.Query(ctx, listTablesSQL)
	if err != nil {
		return nil, p.introspectionError(res, "listing tables", err)
	}
	defer rows.Close()

	tables := []TableEntry{}
	for rows.Next() {
		var entry TableEntry
		if err := rows.Scan(&entry.Schema, &entry.Name, &entry.Type); err != nil {
			return nil, p.introspectionError(res, "scanning table listing", err)
		}
		tables = append(tables, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, p.introspectionError(res, "reading table listing", err)
	}
	res.Release()

	p.logger.Info().
		Dur("duration", time.Since(start)).
		Int("table_count", len(tables)).
		Msg("tables listed")

	return tables, nil
}

// introspectionError settles the connection after a failed catalog query and
// wraps the failure. The schema cache is never touched on this path, so a
// failure leaves prior metadata intact.
func (p *Inspector) introspectionError(res resource, what string, err error) error {
	if res.Value().conn.IsClosed() {
		res.Evict()
		return Errorf(KindConnection, "connection lost while %s: %w", what, err)
	}
	res.Release()
	return Errorf(KindSchemaIntrospection, "%s: %w", what, err)
}

// resource narrows pool.Resource to what error settlement needs.
type resource interface {
	Value() *dbConn
	Release()
	Evict()
}
