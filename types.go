package dbinspect

// SchemaEntry is a single schema in the list_schemas result.
type SchemaEntry struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
	Type  string `json:"type"` // "user" or "system"
}

// TableEntry is a single table or view in the list_tables result.
type TableEntry struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
	Type   string `json:"type"` // "table", "view", "materialized_view", "foreign_table", "partitioned_table"
}

// ColumnInfo describes a single column.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// ForeignKeyInfo describes a single foreign key constraint.
type ForeignKeyInfo struct {
	Name              string   `json:"name"`
	Columns           []string `json:"columns"`
	ReferencedTable   string   `json:"referenced_table"`
	ReferencedColumns []string `json:"referenced_columns"`
}

// TableMetadata is the describe_table result, keyed in the schema cache by
// the qualified table name ("schema.table").
type TableMetadata struct {
	Schema      string           `json:"schema"`
	Name        string           `json:"name"`
	Columns     []ColumnInfo     `json:"columns"`
	PrimaryKey  []string         `json:"primary_key"`
	ForeignKeys []ForeignKeyInfo `json:"foreign_keys"`
}

// DescribeTableInput names the table to describe. Name may be qualified
// ("schema.table"); Schema is consulted only when Name is bare and defaults
// to "public".
type DescribeTableInput struct {
	Name   string `json:"name"`
	Schema string `json:"schema,omitempty"`
}

// RunQueryInput is the input for run_query. MaxRows caps the result set; a
// zero or negative value uses the configured cap.
type RunQueryInput struct {
	SQL     string `json:"sql"`
	MaxRows int    `json:"max_rows"`
}

// RunQueryOutput is the run_query result. Truncated is set when more rows
// existed than MaxRows allowed through.
type RunQueryOutput struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// InvalidateInput selects which schema cache entries to drop. All takes
// precedence over Name.
type InvalidateInput struct {
	Name string `json:"name,omitempty"`
	All  bool   `json:"all,omitempty"`
}

// InvalidateOutput reports how many cache entries were dropped.
type InvalidateOutput struct {
	Invalidated int `json:"invalidated"`
}

// PingOutput is the ping result.
type PingOutput struct {
	Status string `json:"status"`
}
