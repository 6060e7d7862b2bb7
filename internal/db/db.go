package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

// New connects to Postgres, retrying with exponential backoff until the
// database answers a ping or ctx is done.
func New(ctx context.Context, conn string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second

	notify := func(err error, wait time.Duration) {
		logger.Warn("database not ready, retrying",
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}

	return &Store{Pool: pool, log: logger}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	sqlDB := stdlib.OpenDBFromPool(s.Pool)

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{s.log.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("db: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("db: apply migrations: %w", err)
	}
	return nil
}

type gooseLogger struct {
	log *zap.SugaredLogger
}

func (g gooseLogger) Printf(format string, v ...any) { g.log.Infof(format, v...) }

// Fatalf logs only; goose returns the error to Migrate.
func (g gooseLogger) Fatalf(format string, v ...any) { g.log.Errorf(format, v...) }

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
