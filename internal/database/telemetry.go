package database

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "celebrum-quant/database"

// TracedDB wraps a DatabasePool with spans and debug logging.
type TracedDB struct {
	Pool   DatabasePool
	tracer trace.Tracer
	logger *logrus.Logger
}

// NewTracedDB creates a new traced database connection
func NewTracedDB(pool DatabasePool, logger *logrus.Logger) *TracedDB {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TracedDB{
		Pool:   pool,
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}
}

func (db *TracedDB) start(ctx context.Context, op, sql string) (context.Context, trace.Span) {
	return db.tracer.Start(ctx, "db."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", statementVerb(sql)),
		),
	)
}

func (db *TracedDB) finish(span trace.Span, op, sql string, start time.Time, rows int64, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	db.logger.WithFields(logrus.Fields{
		"operation":     op,
		"statement":     statementVerb(sql),
		"duration_ms":   time.Since(start).Milliseconds(),
		"rows_affected": rows,
	}).Debug("Database call")
}

// Query executes a query
func (db *TracedDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	ctx, span := db.start(ctx, "query", sql)
	rows, err := db.Pool.Query(ctx, sql, args...)
	db.finish(span, "query", sql, start, -1, err)
	return rows, err
}

// QueryRow executes a query that returns a single row
func (db *TracedDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	ctx, span := db.start(ctx, "query_row", sql)
	row := db.Pool.QueryRow(ctx, sql, args...)
	db.finish(span, "query_row", sql, start, -1, nil)
	return row
}

// Exec executes a query without returning rows
func (db *TracedDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	ctx, span := db.start(ctx, "exec", sql)
	tag, err := db.Pool.Exec(ctx, sql, args...)
	db.finish(span, "exec", sql, start, tag.RowsAffected(), err)
	return tag, err
}

// Begin starts a transaction whose statements are traced as well.
func (db *TracedDB) Begin(ctx context.Context) (pgx.Tx, error) {
	start := time.Now()
	ctx, span := db.start(ctx, "begin", "BEGIN")
	tx, err := db.Pool.Begin(ctx)
	db.finish(span, "begin", "BEGIN", start, -1, err)
	if err != nil {
		return nil, err
	}
	return &TracedTx{Tx: tx, db: db}, nil
}

// TracedTx wraps a database transaction
type TracedTx struct {
	pgx.Tx
	db *TracedDB
}

func (tx *TracedTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	ctx, span := tx.db.start(ctx, "tx.query", sql)
	rows, err := tx.Tx.Query(ctx, sql, args...)
	tx.db.finish(span, "tx.query", sql, start, -1, err)
	return rows, err
}

func (tx *TracedTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	ctx, span := tx.db.start(ctx, "tx.query_row", sql)
	row := tx.Tx.QueryRow(ctx, sql, args...)
	tx.db.finish(span, "tx.query_row", sql, start, -1, nil)
	return row
}

func (tx *TracedTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	ctx, span := tx.db.start(ctx, "tx.exec", sql)
	tag, err := tx.Tx.Exec(ctx, sql, args...)
	tx.db.finish(span, "tx.exec", sql, start, tag.RowsAffected(), err)
	return tag, err
}

func (tx *TracedTx) Commit(ctx context.Context) error {
	start := time.Now()
	ctx, span := tx.db.start(ctx, "tx.commit", "COMMIT")
	err := tx.Tx.Commit(ctx)
	tx.db.finish(span, "tx.commit", "COMMIT", start, -1, err)
	return err
}

func (tx *TracedTx) Rollback(ctx context.Context) error {
	start := time.Now()
	ctx, span := tx.db.start(ctx, "tx.rollback", "ROLLBACK")
	err := tx.Tx.Rollback(ctx)
	tx.db.finish(span, "tx.rollback", "ROLLBACK", start, -1, err)
	return err
}

// statementVerb returns the leading SQL keyword, which is safe to log.
func statementVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
