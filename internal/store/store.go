package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/registrar/internal/failure"
)

// DBPool is the subset of pgxpool.Pool the store needs, so tests can mock it.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateRegistrations = `
        CREATE TABLE IF NOT EXISTS registrations (
            id         BIGSERIAL PRIMARY KEY,
            email      TEXT NOT NULL,
            password   TEXT NOT NULL,
            api_key    TEXT,
            created_at TIMESTAMPTZ NOT NULL
        );
    `
	sqlInsertRegistration = `
        INSERT INTO registrations (email, password, api_key, created_at)
        VALUES ($1, $2, $3, $4);
    `
)

// Store mirrors records into the registrations table.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New verifies the connection and returns a Store.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// Open connects a pgx pool to url and prepares the schema. The returned
// close function releases the pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// EnsureSchema creates the registrations table if it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateRegistrations); err != nil {
		return fmt.Errorf("failed to create registrations table: %w", err)
	}
	return nil
}

// Save inserts rec into the registrations table. An empty key is stored as NULL.
func (s *Store) Save(ctx context.Context, rec Record) error {
	var apiKey any
	if rec.APIKey != "" {
		apiKey = rec.APIKey
	}
	tag, err := s.pool.Exec(ctx, sqlInsertRegistration, rec.Email, rec.Password, apiKey, s.now().UTC())
	if err != nil {
		return failure.New(failure.Persistence, "store.save", err)
	}
	if tag.RowsAffected() != 1 {
		return failure.Newf(failure.Persistence, "store.save", "expected 1 row inserted, got %d", tag.RowsAffected())
	}
	s.log.Debug("Registration mirrored to database.", zap.Bool("has_key", rec.APIKey != ""))
	return nil
}
