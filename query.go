package dbinspect

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/sergeyklay/dbinspect/internal/pool"
)

// RunQuery validates input.SQL as a read-only statement and executes it
// under the resolved timeout, bounding the result to max_rows.
//
// Rejected statements never reach the pool. A statement cancelled mid-flight
// (timeout or session shutdown) gets its connection evicted: state after a
// cancelled statement is not trusted.
func (p *Inspector) RunQuery(ctx context.Context, input RunQueryInput) (*RunQueryOutput, error) {
	start := time.Now()

	if err := p.guard.Validate(input.SQL); err != nil {
		return nil, p.queryError(input.SQL, Errorf(KindInvalidQuery, "%v", err))
	}

	maxRows := input.MaxRows
	if maxRows <= 0 || maxRows > p.config.Query.MaxRowsCap {
		maxRows = p.config.Query.MaxRowsCap
	}
	execTimeout, timeoutRule := p.timeouts.Resolve(input.SQL)

	res, err := p.acquire(ctx)
	if err != nil {
		return nil, p.queryError(input.SQL, err)
	}

	// pgx cancels the running statement server-side when this context
	// expires.
	queryCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	rows, err := res.Value().conn.Query(queryCtx, input.SQL)
	if err != nil {
		return nil, p.queryError(input.SQL, p.execError(res, queryCtx, execTimeout, err))
	}
	out, err := collectRows(rows, maxRows)
	if err != nil {
		return nil, p.queryError(input.SQL, p.execError(res, queryCtx, execTimeout, err))
	}
	res.Release()

	out.Rows = p.sanitizer.Apply(out.Rows)

	logEvent := p.logger.Info().
		Str("sql", truncateForLog(input.SQL, 200)).
		Dur("duration", time.Since(start)).
		Int("row_count", len(out.Rows)).
		Bool("truncated", out.Truncated)
	if timeoutRule != "" {
		logEvent = logEvent.Str("timeout_rule", timeoutRule)
	}
	if p.sanitizer.HasRules() {
		logEvent = logEvent.Bool("sanitized", true)
	}
	logEvent.Msg("query executed")

	return out, nil
}

// execError classifies a mid-execution failure and settles the connection:
// evicted when its state is suspect, released when the database merely
// rejected the statement.
func (p *Inspector) execError(res *pool.Resource[*dbConn], queryCtx context.Context, execTimeout time.Duration, err error) error {
	if ctxErr := queryCtx.Err(); ctxErr != nil {
		res.Evict()
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Errorf(KindQueryTimeout, "statement cancelled after exceeding the %s execution limit", execTimeout)
		}
		return Errorf(KindQueryTimeout, "statement cancelled: session closed during execution")
	}
	if res.Value().conn.IsClosed() {
		res.Evict()
		return Errorf(KindConnection, "connection lost during execution: %w", err)
	}
	res.Release()
	return Errorf(KindInvalidQuery, "query rejected by database: %w", err)
}

// queryError logs the failure and appends any matching error-prompt guidance
// before the error goes back over the wire.
func (p *Inspector) queryError(sql string, err error) error {
	e, ok := err.(*Error)
	if !ok {
		e = Errorf(KindInvalidQuery, "%v", err)
	}
	prompt, patterns := p.errPrompts.Match(e.Message)

	logEvent := p.logger.Error().
		Str("sql", truncateForLog(sql, 200)).
		Str("kind", string(e.Kind)).
		Str("error", e.Message)
	if len(patterns) > 0 {
		logEvent = logEvent.Strs("error_prompts", patterns)
	}
	logEvent.Msg("query error")

	if prompt != "" {
		e.Message = e.Message + "\n\n" + prompt
	}
	return e
}

// collectRows reads up to maxRows rows. Truncated is set when at least one
// further row existed; the remainder is discarded by Close, never silently
// blended into the result.
func collectRows(rows pgx.Rows, maxRows int) (*RunQueryOutput, error) {
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = fd.Name
	}

	out := &RunQueryOutput{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if len(out.Rows) == maxRows {
			out.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = convertValue(v)
		}
		out.Rows = append(out.Rows, row)
	}
	if !out.Truncated {
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// convertValue converts a pgx-returned value to a JSON-friendly Go type.
func convertValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case float32:
		return convertFloat(float64(val))
	case float64:
		return convertFloat(val)
	case netip.Prefix:
		return val.String()
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		if val.NaN {
			return "NaN"
		}
		b, err := val.MarshalJSON()
		if err != nil {
			return nil
		}
		return string(b)
	case [16]byte:
		// UUID
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	case []byte:
		// bytea — base64 encode
		return base64.StdEncoding.EncodeToString(val)
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, inner := range val {
			result[k] = convertValue(inner)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, inner := range val {
			result[i] = convertValue(inner)
		}
		return result
	default:
		return val
	}
}

// convertFloat maps NaN and infinities to strings, since JSON has no
// representation for them.
func convertFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return f
	}
}

// truncateForLog truncates a string for log output to avoid oversized log
// entries, cutting on a rune boundary.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncateAt := maxLen
	for truncateAt > 0 && !utf8.RuneStart(s[truncateAt]) {
		truncateAt--
	}
	return s[:truncateAt] + "...[truncated]"
}
