package postgres

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	pgxuuid "github.com/jackc/pgx-gofrs-uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mpapenbr/iracelog-session-sync/log"
)

type PoolConfigOption func(cfg *pgxpool.Config)

// WithTracer logs every statement on debug level
func WithTracer(logger *log.Logger) PoolConfigOption {
	return func(cfg *pgxpool.Config) {
		cfg.ConnConfig.Tracer = &myQueryTracer{log: logger}
	}
}

// WithOtel replaces any other tracer with the otel query tracer
func WithOtel() PoolConfigOption {
	return func(cfg *pgxpool.Config) {
		cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	}
}

//nolint:whitespace // can't make both editor and linter happy
func NewPool(ctx context.Context, url string, opts ...PoolConfigOption) (
	*pgxpool.Pool, error,
) {
	dbConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	dbConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxuuid.Register(conn.TypeMap())
		return nil
	}
	for _, opt := range opts {
		opt(dbConfig)
	}

	pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// InitWithURL terminates the process if no pool can be created
func InitWithURL(url string, opts ...PoolConfigOption) *pgxpool.Pool {
	pool, err := NewPool(context.Background(), url, opts...)
	if err != nil {
		log.Fatal("Unable to init database", log.ErrorField(err))
	}
	return pool
}

type myQueryTracer struct {
	log *log.Logger
}

//nolint:whitespace // can't make both editor and linter happy
func (tracer *myQueryTracer) TraceQueryStart(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	tracer.log.Debug("Executing",
		log.String("sql", data.SQL),
		log.Any("args", data.Args))
	return ctx
}

//nolint:whitespace // can't make both editor and linter happy
func (tracer *myQueryTracer) TraceQueryEnd(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	if data.Err != nil {
		tracer.log.Debug("Query failed", log.ErrorField(data.Err))
	}
}
