package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store on a single Postgres table pair. Expiry is
// an expires_at column filtered on every read; Sweep removes dead rows.
type PostgresStore struct {
	db        *sql.DB
	opTimeout time.Duration
}

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	OpTimeout       time.Duration
}

// NewPostgresStore opens the database, verifies connectivity and creates the
// schema if needed.
func NewPostgresStore(ctx context.Context, connString string, opts PostgresOptions) (*PostgresStore, error) {
	if connString == "" {
		return nil, fmt.Errorf("OAUTH_DATABASE_URL or DATABASE_URL is required for the postgres store backend")
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 5
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 2
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	store := &PostgresStore{db: db, opTimeout: opts.OpTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_kv (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		expires_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS oauth_kv_sets (
		key TEXT NOT NULL,
		member TEXT NOT NULL,
		expires_at TIMESTAMPTZ,
		PRIMARY KEY (key, member)
	);

	CREATE INDEX IF NOT EXISTS idx_oauth_kv_expires ON oauth_kv(expires_at);
	CREATE INDEX IF NOT EXISTS idx_oauth_kv_sets_expires ON oauth_kv_sets(expires_at);
	`
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `
		INSERT INTO oauth_kv (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key)
		DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at
	`
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, query, key, value, expiresAt(ttl)); err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := `
		SELECT value
		FROM oauth_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	var value []byte
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get", err)
	}
	return value, nil
}

func (s *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_kv WHERE key = ANY($1)`, pq.Array(keys)); err != nil {
		return unavailable("delete", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_kv_sets WHERE key = ANY($1)`, pq.Array(keys)); err != nil {
		return unavailable("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (s *PostgresStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	query := `
		SELECT key
		FROM oauth_kv
		WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY key
	`
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, escapeLike(prefix)+"%")
	if err != nil {
		return nil, unavailable("scan", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, unavailable("scan", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

// TakeOnce deletes and returns the row in one statement. Under concurrent
// callers the row lock serializes the deletes and only one sees a row.
func (s *PostgresStore) TakeOnce(ctx context.Context, key string) ([]byte, error) {
	query := `
		DELETE FROM oauth_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
		RETURNING value
	`
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	var value []byte
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("take", err)
	}
	return value, nil
}

func (s *PostgresStore) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("sadd", err)
	}
	defer func() { _ = tx.Rollback() }()

	// An expired set is replaced, not revived, even before Sweep runs.
	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_kv_sets WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= NOW()`, key); err != nil {
		return unavailable("sadd", err)
	}

	exp := expiresAt(ttl)
	query := `
		INSERT INTO oauth_kv_sets (key, member, expires_at)
		SELECT $1, m, $3 FROM UNNEST($2::text[]) AS m
		ON CONFLICT (key, member) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, query, key, pq.Array(members), exp); err != nil {
		return unavailable("sadd", err)
	}
	// The whole set shares one expiry, as with Redis EXPIRE.
	if _, err := tx.ExecContext(ctx, `UPDATE oauth_kv_sets SET expires_at = $2 WHERE key = $1`, key, exp); err != nil {
		return unavailable("sadd", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("sadd", err)
	}
	return nil
}

func (s *PostgresStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	query := `
		SELECT member
		FROM oauth_kv_sets
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY member
	`
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, unavailable("smembers", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("smembers", err)
	}
	return members, nil
}

func (s *PostgresStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_kv_sets WHERE key = $1 AND member = ANY($2)`, key, pq.Array(members)); err != nil {
		return unavailable("srem", err)
	}
	return nil
}

// Sweep deletes expired rows and returns how many were removed.
func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	var total int64
	for _, query := range []string{
		`DELETE FROM oauth_kv WHERE expires_at IS NOT NULL AND expires_at <= NOW()`,
		`DELETE FROM oauth_kv_sets WHERE expires_at IS NOT NULL AND expires_at <= NOW()`,
	} {
		res, err := s.db.ExecContext(ctx, query)
		if err != nil {
			return total, unavailable("sweep", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func expiresAt(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ Store = (*PostgresStore)(nil)
