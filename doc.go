// Package dbinspect provides safe, read-only PostgreSQL inspection for AI
// agents over a local framed protocol.
//
// It exposes six operations — ping, list_schemas, list_tables,
// describe_table, run_query, and invalidate_schema — behind a full execution
// pipeline: a bounded
// connection pool with FIFO fairness, AST-based statement validation using
// PostgreSQL's actual C parser via pg_query, per-statement timeouts, result
// truncation, data sanitization, and agent steering via error prompts.
//
// Only a single SELECT statement is ever executed. Everything else — writes,
// DDL, multi-statement batches, SELECT INTO, locking clauses — is rejected
// before a connection is touched, and every pooled session is additionally
// pinned with default_transaction_read_only.
//
// # Library Usage
//
//	insp, err := dbinspect.New(connString, dbinspect.Config{
//		Pool: dbinspect.PoolConfig{MinConns: 2, MaxConns: 10},
//	}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := insp.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer insp.Close(ctx)
//
//	// Use directly
//	out, err := insp.RunQuery(ctx, dbinspect.RunQueryInput{SQL: "SELECT * FROM users LIMIT 10"})
//
//	// Or serve the framed protocol over any duplex stream
//	d := dbinspect.NewDispatcher(insp, dbinspect.DefaultSessionLimits, logger)
//	d.ServeConn(ctx, conn)
//
//	// Or register as MCP tools
//	dbinspect.RegisterMCPTools(mcpServer, insp)
//
// # Wire Protocol
//
// Each frame is a 4-byte big-endian length header followed by a JSON
// payload. Requests carry an opaque id, a method name, and params; responses
// echo the id with either a result or an error carrying a machine-readable
// kind. Responses are emitted as handlers finish, so a slow query never
// blocks a ping; correlation is by id only.
package dbinspect
