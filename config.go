package dbinspect

// Config is the base configuration used by library mode via New().
type Config struct {
	Pool         PoolConfig         `json:"pool"`
	Query        QueryConfig        `json:"query"`
	Cache        CacheConfig        `json:"cache"`
	Sanitization []SanitizationRule `json:"sanitization"`
	ErrorPrompts []ErrorPromptRule  `json:"error_prompts"`
}

// ServerConfig embeds Config and adds server-only fields for CLI mode.
type ServerConfig struct {
	Config
	Connection ConnectionConfig `json:"connection"`
	Server     ServerSettings   `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
}

// ConnectionConfig holds database connection parameters used by CLI mode.
// Credentials are never stored in the config file; they come from the
// DBINSPECT_PG_CONNSTRING environment variable or an interactive prompt.
type ConnectionConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	DBName  string `json:"dbname"`
	SSLMode string `json:"sslmode"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MinConns              int `json:"min_conns"`
	MaxConns              int `json:"max_conns"`
	AcquireTimeoutSeconds int `json:"acquire_timeout_seconds"`
	// PingAfterIdleSeconds is the staleness threshold: an idle connection
	// older than this is pinged before being handed out. 0 disables the
	// staleness ping.
	PingAfterIdleSeconds int `json:"ping_after_idle_seconds"`
}

// QueryConfig holds query execution settings.
type QueryConfig struct {
	TimeoutSeconds int `json:"timeout_seconds"`
	MaxSQLLength   int `json:"max_sql_length"`
	// MaxRowsCap bounds the per-request max_rows parameter. Requests asking
	// for more (or omitting it) are clamped to this value.
	MaxRowsCap   int           `json:"max_rows_cap"`
	TimeoutRules []TimeoutRule `json:"timeout_rules"`
}

// CacheConfig holds schema cache settings.
type CacheConfig struct {
	TTLSeconds int `json:"ttl_seconds"`
}

// ServerSettings holds transport settings for CLI mode.
type ServerSettings struct {
	// Socket is the unix socket path the framed protocol listens on.
	Socket string `json:"socket"`
	// MCPPort, when > 0, additionally serves the same operations as MCP
	// tools over streamable HTTP.
	MCPPort int `json:"mcp_port"`
	// MaxFrameSize bounds a single protocol frame in bytes. A length header
	// above this is treated as stream corruption. 0 uses the default.
	MaxFrameSize int `json:"max_frame_size"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stderr, stdout, or file path
}

// TimeoutRule maps a SQL regex pattern to a specific timeout duration.
type TimeoutRule struct {
	Pattern        string `json:"pattern"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SanitizationRule defines a regex-based field masking rule applied to
// run_query result values before they leave the server.
type SanitizationRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Description string `json:"description"`
}

// ErrorPromptRule maps an error message pattern to a guidance message
// appended to run_query errors, steering the agent toward a fix.
type ErrorPromptRule struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
}

// Defaults applied by New() for zero values.
const (
	defaultAcquireTimeoutSeconds = 5
	defaultQueryTimeoutSeconds   = 30
	defaultMaxSQLLength          = 100000
	defaultMaxRowsCap            = 10000
	defaultCacheTTLSeconds       = 300
)
