package db

import (
	"context"
	"time"

	"github.com/archessay/wildduck/logger"
	"github.com/jackc/pgx/v5"
)

type traceKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

// CustomTracer logs every query with its duration at debug level.
type CustomTracer struct{}

var _ pgx.QueryTracer = (*CustomTracer)(nil)

func (t *CustomTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	if data.Err != nil {
		logger.DebugContext(ctx, "DB: Query failed", "sql", ts.sql, "duration", time.Since(ts.start), "error", data.Err)
		return
	}
	logger.DebugContext(ctx, "DB: Query", "sql", ts.sql, "duration", time.Since(ts.start), "tag", data.CommandTag.String())
}
