package dbinspect

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/sergeyklay/dbinspect/internal/errprompt"
	"github.com/sergeyklay/dbinspect/internal/guard"
	"github.com/sergeyklay/dbinspect/internal/pool"
	"github.com/sergeyklay/dbinspect/internal/sanitize"
	"github.com/sergeyklay/dbinspect/internal/schemacache"
	"github.com/sergeyklay/dbinspect/internal/timeout"
)

// Inspector is the core engine behind the ping, list_schemas, list_tables,
// describe_table, run_query, and invalidate_schema operations. All exported
// methods are safe for concurrent use from multiple goroutines.
//
// The connection pool is the only shared mutable state; the schema cache is
// read-mostly with single-flight refill; everything else is stateless.
type Inspector struct {
	config     Config
	pool       *pool.Pool[*dbConn]
	guard      *guard.Guard
	schema     *schemacache.Cache[*TableMetadata]
	sanitizer  *sanitize.Sanitizer
	errPrompts *errprompt.Matcher
	timeouts   *timeout.Manager
	logger     zerolog.Logger
}

// dbConn adapts *pgx.Conn to the pool's connection interface.
type dbConn struct {
	conn *pgx.Conn
}

func (c *dbConn) Ping(ctx context.Context) error  { return c.conn.Ping(ctx) }
func (c *dbConn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

// New creates an Inspector. connString is the PostgreSQL connection string
// (must include credentials). No connections are opened until Start.
// Panics on invalid config. Returns an error only for runtime failures
// (unparseable connection string, bad operator-supplied regex rules).
func New(connString string, config Config, logger zerolog.Logger) (*Inspector, error) {
	// --- Config validation (panics on programmer error) ---

	if connString == "" {
		panic("dbinspect: connString must be non-empty")
	}
	if config.Pool.MaxConns <= 0 {
		panic("dbinspect: pool.max_conns must be > 0")
	}
	if config.Pool.MinConns < 0 || config.Pool.MinConns > config.Pool.MaxConns {
		panic("dbinspect: pool.min_conns must be in [0, pool.max_conns]")
	}

	// Apply defaults for zero values.
	if config.Pool.AcquireTimeoutSeconds == 0 {
		config.Pool.AcquireTimeoutSeconds = defaultAcquireTimeoutSeconds
	}
	if config.Query.TimeoutSeconds == 0 {
		config.Query.TimeoutSeconds = defaultQueryTimeoutSeconds
	}
	if config.Query.MaxSQLLength == 0 {
		config.Query.MaxSQLLength = defaultMaxSQLLength
	}
	if config.Query.MaxRowsCap == 0 {
		config.Query.MaxRowsCap = defaultMaxRowsCap
	}
	if config.Cache.TTLSeconds == 0 {
		config.Cache.TTLSeconds = defaultCacheTTLSeconds
	}
	if config.Pool.AcquireTimeoutSeconds < 0 || config.Query.TimeoutSeconds < 0 ||
		config.Query.MaxSQLLength < 0 || config.Query.MaxRowsCap < 0 || config.Cache.TTLSeconds < 0 {
		panic("dbinspect: negative values are not valid in config")
	}

	connConfig, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, Errorf(KindConnection, "failed to parse connection string: %w", err)
	}
	// Extended query protocol without statement caching: statements arrive
	// as opaque agent-written text, never parameterized by us.
	connConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	timeoutRules := make([]timeout.Rule, len(config.Query.TimeoutRules))
	for i, r := range config.Query.TimeoutRules {
		timeoutRules[i] = timeout.Rule{
			Pattern: r.Pattern,
			Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
		}
	}
	timeouts, err := timeout.New(time.Duration(config.Query.TimeoutSeconds)*time.Second, timeoutRules)
	if err != nil {
		return nil, err
	}

	sanitizeRules := make([]sanitize.Rule, len(config.Sanitization))
	for i, r := range config.Sanitization {
		sanitizeRules[i] = sanitize.Rule{Pattern: r.Pattern, Replacement: r.Replacement}
	}
	sanitizer, err := sanitize.New(sanitizeRules)
	if err != nil {
		return nil, err
	}

	promptRules := make([]errprompt.Rule, len(config.ErrorPrompts))
	for i, r := range config.ErrorPrompts {
		promptRules[i] = errprompt.Rule{Pattern: r.Pattern, Message: r.Message}
	}
	errPrompts, err := errprompt.New(promptRules)
	if err != nil {
		return nil, err
	}

	p := &Inspector{
		config:     config,
		guard:      guard.New(config.Query.MaxSQLLength),
		sanitizer:  sanitizer,
		errPrompts: errPrompts,
		timeouts:   timeouts,
		logger:     logger,
	}

	p.pool = pool.New(pool.Config[*dbConn]{
		MinConns:       config.Pool.MinConns,
		MaxConns:       config.Pool.MaxConns,
		AcquireTimeout: time.Duration(config.Pool.AcquireTimeoutSeconds) * time.Second,
		PingAfterIdle:  time.Duration(config.Pool.PingAfterIdleSeconds) * time.Second,
		Dial: func(ctx context.Context) (*dbConn, error) {
			conn, err := pgx.ConnectConfig(ctx, connConfig)
			if err != nil {
				return nil, err
			}
			// The session is pinned read-only at the database level as a
			// second line of defense behind the statement guard.
			if _, err := conn.Exec(ctx, "SET default_transaction_read_only = on"); err != nil {
				conn.Close(ctx)
				return nil, err
			}
			return &dbConn{conn: conn}, nil
		},
		Logger: logger,
	})

	p.schema = schemacache.New(time.Duration(config.Cache.TTLSeconds)*time.Second, p.fetchTableMetadata)

	return p, nil
}

// Start eagerly opens the configured minimum number of connections. An
// unreachable database is fatal here: the server does not start without it.
func (p *Inspector) Start(ctx context.Context) error {
	if err := p.pool.Start(ctx); err != nil {
		return Errorf(KindConnection, "database unreachable at startup: %w", err)
	}
	return nil
}

// Ping verifies database connectivity through the pool.
func (p *Inspector) Ping(ctx context.Context) error {
	res, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	if err := res.Value().conn.Ping(ctx); err != nil {
		res.Evict()
		return Errorf(KindConnection, "database ping failed: %w", err)
	}
	res.Release()
	return nil
}

// InvalidateSchema drops schema cache entries so the next describe_table
// re-fetches from the catalog.
func (p *Inspector) InvalidateSchema(input InvalidateInput) InvalidateOutput {
	var n int
	if input.All {
		n = p.schema.InvalidateAll()
	} else if input.Name == "" {
		return InvalidateOutput{}
	} else {
		schema, table := splitQualifiedName(input.Name, "")
		n = p.schema.Invalidate(schema + "." + table)
	}
	p.logger.Info().Str("name", input.Name).Bool("all", input.All).Int("invalidated", n).Msg("schema cache invalidated")
	return InvalidateOutput{Invalidated: n}
}

// PoolStats exposes pool occupancy for logging and tests.
func (p *Inspector) PoolStats() pool.Stats {
	return p.pool.Stats()
}

// Close tears down the connection pool.
func (p *Inspector) Close(ctx context.Context) {
	p.pool.Close(ctx)
}

// acquire maps pool failures onto the error taxonomy.
func (p *Inspector) acquire(ctx context.Context) (*pool.Resource[*dbConn], error) {
	res, err := p.pool.Acquire(ctx)
	if err == nil {
		return res, nil
	}
	switch {
	case errors.Is(err, pool.ErrExhausted):
		return nil, Errorf(KindPoolExhausted, "all %d connection slots are busy: %w", p.config.Pool.MaxConns, err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return nil, Errorf(KindPoolExhausted, "cancelled while waiting for a connection: %w", err)
	default:
		// Dial failure or pool shutdown.
		return nil, Errorf(KindConnection, "failed to open a database connection: %w", err)
	}
}

// splitQualifiedName splits "schema.table" on the first dot. A bare name
// falls back to defaultSchema, or "public" when that is empty too.
func splitQualifiedName(name, defaultSchema string) (schema, table string) {
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	if defaultSchema == "" {
		defaultSchema = "public"
	}
	return defaultSchema, name
}
