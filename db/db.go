// Package db is the Postgres document store: users and addresses, filters,
// autoreplies, mailboxes and messages, the message log and the outbound
// zone queue.
package db

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/archessay/wildduck/config"
	"github.com/archessay/wildduck/logger"
	"github.com/archessay/wildduck/pkg/metrics"
	"github.com/archessay/wildduck/server/delivery"
	"github.com/archessay/wildduck/server/lmtp"
	"github.com/archessay/wildduck/server/maildrop"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Database struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// ConnString builds a postgres URL from the configuration.
func ConnString(cfg *config.DatabaseConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == "" {
		port = "5432"
	}
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

// NewDatabaseFromConfig connects, pings and optionally migrates the schema.
func NewDatabaseFromConfig(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &CustomTracer{}
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if poolConfig.MaxConnLifetime, err = cfg.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	if poolConfig.MaxConnIdleTime, err = cfg.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	logger.Info("DB: Connecting", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name, "user", cfg.User, "tls", cfg.TLSMode)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("DB: Pool created", "max_conns", poolConfig.MaxConns, "min_conns", poolConfig.MinConns,
		"max_lifetime", poolConfig.MaxConnLifetime, "max_idle", poolConfig.MaxConnIdleTime)

	if cfg.Migrate {
		if err := MigrateUp(ctx, ConnString(cfg)); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Database{Pool: pool, queryTimeout: queryTimeout}, nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Ping checks the pool for the health endpoint.
func (db *Database) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// StartPoolMetrics periodically publishes pool statistics until ctx ends.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Pool.Stat()
				metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
				metrics.DBPoolIdleConns.Set(float64(stats.IdleConns()))
				metrics.DBPoolInUseConns.Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

// withTimeout bounds a single store operation.
func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// measuredTx wraps a pgx.Tx to record metrics on commit or rollback.
type measuredTx struct {
	pgx.Tx
	start time.Time
}

// BeginTx starts a new transaction and wraps it for metric collection.
func (db *Database) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &measuredTx{Tx: tx, start: time.Now()}, nil
}

func (mtx *measuredTx) Commit(ctx context.Context) error {
	err := mtx.Tx.Commit(ctx)
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("commit").Inc()
	}
	metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	return err
}

func (mtx *measuredTx) Rollback(ctx context.Context) error {
	err := mtx.Tx.Rollback(ctx)
	// a rollback after commit returns ErrTxClosed and is not counted
	if err == nil {
		metrics.DBTransactionsTotal.WithLabelValues("rollback").Inc()
		metrics.DBTransactionDuration.Observe(time.Since(mtx.start).Seconds())
	}
	return err
}

// TimedQueryRow wraps QueryRow with duration metrics
func (db *Database) TimedQueryRow(ctx context.Context, operation string, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := db.Pool.QueryRow(ctx, sql, args...)
	return &timedRow{row: row, operation: operation, start: start}
}

// TimedQuery wraps Query with duration metrics
func (db *Database) TimedQuery(ctx context.Context, operation string, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := db.Pool.Query(ctx, sql, args...)
	observe(operation, start, err)
	return rows, err
}

// TimedExec wraps Exec with duration metrics
func (db *Database) TimedExec(ctx context.Context, operation string, sql string, args ...any) error {
	start := time.Now()
	_, err := db.Pool.Exec(ctx, sql, args...)
	observe(operation, start, err)
	return err
}

// timedRow records metrics once the row is scanned, when the outcome is
// known.
type timedRow struct {
	row       pgx.Row
	operation string
	start     time.Time
}

func (r *timedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if err == pgx.ErrNoRows {
		observe(r.operation, r.start, nil)
	} else {
		observe(r.operation, r.start, err)
	}
	return err
}

func observe(operation string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status).Inc()
}

var (
	_ delivery.FilterStore    = (*Database)(nil)
	_ delivery.AutoreplyStore = (*Database)(nil)
	_ delivery.MessageStore   = (*Database)(nil)
	_ delivery.MessageLog     = (*Database)(nil)
	_ maildrop.QueueStore     = (*Database)(nil)
	_ lmtp.UserStore          = (*Database)(nil)
)
