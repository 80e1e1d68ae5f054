// Package guard classifies SQL statements as read-only before they are
// allowed anywhere near a database connection.
//
// Classification uses PostgreSQL's actual C parser via pg_query rather than
// string matching: a statement is accepted only when it parses to exactly
// one top-level SELECT, optionally prefixed by a CTE chain whose members are
// themselves SELECTs. Anything else — a second statement, DML, DDL, EXPLAIN,
// SELECT INTO, locking clauses, or input the parser cannot make sense of —
// is rejected. Ambiguity is never guessed through.
package guard

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// ErrEmpty is returned for statements with no content after comments and
// whitespace are stripped.
var ErrEmpty = errors.New("guard: empty statement")

// Guard validates inbound SQL text.
type Guard struct {
	maxSQLLength int
}

// New creates a Guard. maxSQLLength must be > 0.
func New(maxSQLLength int) *Guard {
	if maxSQLLength <= 0 {
		panic("guard: maxSQLLength must be > 0")
	}
	return &Guard{maxSQLLength: maxSQLLength}
}

// Validate returns nil only when sql is a single read-only SELECT statement.
// The length check runs before parsing so oversized input never reaches the
// parser.
func (g *Guard) Validate(sql string) error {
	if len(sql) > g.maxSQLLength {
		return fmt.Errorf("guard: statement is %d bytes, limit is %d", len(sql), g.maxSQLLength)
	}
	if strings.TrimSpace(sql) == "" {
		return ErrEmpty
	}

	result, err := pg_query.Parse(sql)
	if err != nil {
		return fmt.Errorf("guard: statement could not be parsed: %w", err)
	}
	if len(result.Stmts) == 0 {
		return ErrEmpty
	}
	if len(result.Stmts) > 1 {
		return fmt.Errorf("guard: multi-statement input is not allowed: found %d statements", len(result.Stmts))
	}

	node := result.Stmts[0].Stmt
	if node == nil || node.Node == nil {
		return errors.New("guard: statement could not be classified")
	}

	sel, ok := node.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return fmt.Errorf("guard: only SELECT statements are allowed, got %s", nodeName(node))
	}
	return checkSelect(sel.SelectStmt)
}

// checkSelect validates a SELECT tree, including set-operation arms and the
// CTE chain. SELECT INTO and row-locking clauses are write-adjacent and
// rejected.
func checkSelect(sel *pg_query.SelectStmt) error {
	if sel == nil {
		return errors.New("guard: statement could not be classified")
	}
	if sel.IntoClause != nil {
		return errors.New("guard: SELECT INTO creates a table and is not allowed")
	}
	if len(sel.LockingClause) > 0 {
		return errors.New("guard: SELECT with row locking (FOR UPDATE/SHARE) is not allowed")
	}
	if err := checkCTEs(sel.WithClause); err != nil {
		return err
	}
	// UNION/INTERSECT/EXCEPT arms.
	if sel.Larg != nil {
		if err := checkSelect(sel.Larg); err != nil {
			return err
		}
	}
	if sel.Rarg != nil {
		if err := checkSelect(sel.Rarg); err != nil {
			return err
		}
	}
	return nil
}

// checkCTEs requires every member of a WITH chain to be a SELECT itself.
// Data-modifying CTEs (WITH x AS (DELETE ...)) are how writes hide inside a
// statement that ends in SELECT.
func checkCTEs(with *pg_query.WithClause) error {
	if with == nil {
		return nil
	}
	for _, cte := range with.Ctes {
		expr, ok := cte.Node.(*pg_query.Node_CommonTableExpr)
		if !ok || expr.CommonTableExpr == nil || expr.CommonTableExpr.Ctequery == nil {
			return errors.New("guard: CTE could not be classified")
		}
		inner, ok := expr.CommonTableExpr.Ctequery.Node.(*pg_query.Node_SelectStmt)
		if !ok {
			return fmt.Errorf("guard: CTE %q is not a SELECT", expr.CommonTableExpr.Ctename)
		}
		if err := checkSelect(inner.SelectStmt); err != nil {
			return err
		}
	}
	return nil
}

// nodeName returns a short statement name for rejection messages.
func nodeName(node *pg_query.Node) string {
	switch node.Node.(type) {
	case *pg_query.Node_InsertStmt:
		return "INSERT"
	case *pg_query.Node_UpdateStmt:
		return "UPDATE"
	case *pg_query.Node_DeleteStmt:
		return "DELETE"
	case *pg_query.Node_MergeStmt:
		return "MERGE"
	case *pg_query.Node_DropStmt, *pg_query.Node_DropdbStmt:
		return "DROP"
	case *pg_query.Node_TruncateStmt:
		return "TRUNCATE"
	case *pg_query.Node_GrantStmt, *pg_query.Node_GrantRoleStmt:
		return "GRANT/REVOKE"
	case *pg_query.Node_ExplainStmt:
		return "EXPLAIN"
	case *pg_query.Node_CopyStmt:
		return "COPY"
	case *pg_query.Node_VariableSetStmt:
		return "SET"
	case *pg_query.Node_TransactionStmt:
		return "transaction control"
	case *pg_query.Node_CreateStmt, *pg_query.Node_CreateTableAsStmt:
		return "CREATE"
	case *pg_query.Node_AlterTableStmt, *pg_query.Node_AlterSystemStmt:
		return "ALTER"
	case *pg_query.Node_DoStmt:
		return "DO"
	case *pg_query.Node_LockStmt:
		return "LOCK"
	default:
		return fmt.Sprintf("%T", node.Node)
	}
}
