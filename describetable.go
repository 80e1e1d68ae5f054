package dbinspect

import (
	"context"
	"time"
)

// Catalog queries for table metadata.

const describeColumnsSQL = `
SELECT
    c.column_name AS name,
    c.data_type AS type,
    c.is_nullable = 'YES' AS nullable
FROM information_schema.columns c
WHERE c.table_schema = $1
  AND c.table_name = $2
ORDER BY c.ordinal_position;
`

const primaryKeySQL = `
SELECT kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
    ON tc.constraint_name = kcu.constraint_name
    AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY'
  AND tc.table_schema = $1
  AND tc.table_name = $2
ORDER BY kcu.ordinal_position;
`

const foreignKeysSQL = `
SELECT
    con.conname AS name,
    (
        SELECT array_agg(a.attname ORDER BY array_position(con.conkey, a.attnum))
        FROM pg_catalog.pg_attribute a
        WHERE a.attrelid = con.conrelid AND a.attnum = ANY(con.conkey)
    ) AS columns,
    fn.nspname || '.' || fc.relname AS referenced_table,
    (
        SELECT array_agg(a.attname ORDER BY array_position(con.confkey, a.attnum))
        FROM pg_catalog.pg_attribute a
        WHERE a.attrelid = con.confrelid AND a.attnum = ANY(con.confkey)
    ) AS referenced_columns
FROM pg_catalog.pg_constraint con
JOIN pg_catalog.pg_class c ON c.oid = con.conrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
JOIN pg_catalog.pg_class fc ON fc.oid = con.confrelid
JOIN pg_catalog.pg_namespace fn ON fn.oid = fc.relnamespace
WHERE con.contype = 'f'
  AND n.nspname = $1
  AND c.relname = $2
ORDER BY con.conname;
`

// DescribeTable returns column, primary key, and foreign key metadata for a
// table. Served from the schema cache when fresh; a miss or stale entry
// triggers exactly one catalog fetch shared by all concurrent callers.
func (p *Inspector) DescribeTable(ctx context.Context, input DescribeTableInput) (*TableMetadata, error) {
	if input.Name == "" {
		return nil, Errorf(KindSchemaIntrospection, "table name must be non-empty")
	}
	schema, table := splitQualifiedName(input.Name, input.Schema)
	return p.schema.Get(ctx, schema+"."+table)
}

// fetchTableMetadata is the schema cache's fetch function. key is the
// qualified "schema.table" name.
func (p *Inspector) fetchTableMetadata(ctx context.Context, key string) (*TableMetadata, error) {
	start := time.Now()
	schema, table := splitQualifiedName(key, "")

	// The fetch may outlive the request that initiated it when concurrent
	// callers coalesce on the key, so it carries its own deadline.
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.config.Query.TimeoutSeconds)*time.Second)
	defer cancel()

	res, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	meta := &TableMetadata{
		Schema:      schema,
		Name:        table,
		Columns:     []ColumnInfo{},
		PrimaryKey:  []string{},
		ForeignKeys: []ForeignKeyInfo{},
	}
	conn := res.Value().conn

	rows, err := conn.Query(ctx, describeColumnsSQL, schema, table)
	if err != nil {
		return nil, p.introspectionError(res, "fetching columns", err)
	}
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable); err != nil {
			rows.Close()
			return nil, p.introspectionError(res, "scanning columns", err)
		}
		meta.Columns = append(meta.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, p.introspectionError(res, "reading columns", err)
	}
	if len(meta.Columns) == 0 {
		res.Release()
		return nil, Errorf(KindSchemaIntrospection, "table not found: %s.%s", schema, table)
	}

	rows, err = conn.Query(ctx, primaryKeySQL, schema, table)
	if err != nil {
		return nil, p.introspectionError(res, "fetching primary key", err)
	}
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			rows.Close()
			return nil, p.introspectionError(res, "scanning primary key", err)
		}
		meta.PrimaryKey = append(meta.PrimaryKey, col)
	}
	if err := rows.Err(); err != nil {
		return nil, p.introspectionError(res, "reading primary key", err)
	}

	rows, err = conn.Query(ctx, foreignKeysSQL, schema, table)
	if err != nil {
		return nil, p.introspectionError(res, "fetching foreign keys", err)
	}
	for rows.Next() {
		var fk ForeignKeyInfo
		if err := rows.Scan(&fk.Name, &fk.Columns, &fk.ReferencedTable, &fk.ReferencedColumns); err != nil {
			rows.Close()
			return nil, p.introspectionError(res, "scanning foreign keys", err)
		}
		meta.ForeignKeys = append(meta.ForeignKeys, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, p.introspectionError(res, "reading foreign keys", err)
	}
	res.Release()

	p.logger.Info().
		Str("table", key).
		Dur("duration", time.Since(start)).
		Int("column_count", len(meta.Columns)).
		Msg("table metadata fetched")

	return meta, nil
}
