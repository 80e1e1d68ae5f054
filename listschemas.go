package dbinspect

import (
	"context"
	"time"
)

const listSchemasSQL = `
SELECT
    n.nspname AS name,
    pg_get_userbyid(n.nspowner) AS owner,
    CASE
        WHEN n.nspname IN ('pg_catalog', 'information_schema')
            OR n.nspname LIKE 'pg_toast%'
            OR n.nspname LIKE 'pg_temp%'
        THEN 'system'
        ELSE 'user'
    END AS type
FROM pg_catalog.pg_namespace n
ORDER BY n.nspname;
`

// ListSchemas returns every schema in the database with its owner. System
// schemas are included but marked, so an agent can tell them apart without a
// second query. Uncached, like ListTables.
func (p *Inspector) ListSchemas(ctx context.Context) ([]SchemaEntry, error) {
	start := time.Now()

	res, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := res.Value().conn.Query(ctx, listSchemasSQL)
	if err != nil {
		return nil, p.introspectionError(res, "listing schemas", err)
	}
	defer rows.Close()

	schemas := []SchemaEntry{}
	for rows.Next() {
		var entry SchemaEntry
		if err := rows.Scan(&entry.Name, &entry.Owner, &entry.Type); err != nil {
			return nil, p.introspectionError(res, "scanning schema listing", err)
		}
		schemas = append(schemas, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, p.introspectionError(res, "reading schema listing", err)
	}
	res.Release()

	p.logger.Info().
		Dur("duration", time.Since(start)).
		Int("schema_count", len(schemas)).
		Msg("schemas listed")

	return schemas, nil
}
