package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS router_state (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`
	selectStateSQL = `SELECT value, version FROM router_state WHERE key = $1`
	insertStateSQL = `INSERT INTO router_state (key, value, version, updated_at) VALUES ($1, $2, 1, $3) ON CONFLICT (key) DO NOTHING`
	updateStateSQL = `UPDATE router_state SET value = $2, version = version + 1, updated_at = $4 WHERE key = $1 AND version = $3`
)

// PostgresConfig holds connection pool settings for the shared state database.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// PostgresStore shares router state between instances through one table.
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// OpenPostgres connects, verifies the connection and ensures the schema exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewPostgresStore(db, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"max_open_conns": cfg.MaxOpenConns,
		"max_idle_conns": cfg.MaxIdleConns,
	}).Info("Connected to shared state database")
	return s, nil
}

// NewPostgresStore wraps an existing handle.
func NewPostgresStore(db *sql.DB, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create router_state table: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var (
		value   []byte
		version int64
	)
	err := p.db.QueryRowContext(ctx, selectStateSQL, key).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, version, nil
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (bool, error) {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UTC()
	if version == 0 {
		res, err = p.db.ExecContext(ctx, insertStateSQL, key, value, now)
	} else {
		res, err = p.db.ExecContext(ctx, updateStateSQL, key, value, version, now)
	}
	if err != nil {
		return false, fmt.Errorf("failed to write %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for %s: %w", key, err)
	}
	if n == 0 {
		p.logger.WithField("key", key).Debug("State version conflict")
	}
	return n == 1, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
