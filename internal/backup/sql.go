package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlTableName        = "leadsync_kv"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the statements that differ between postgres and sqlite.
type sqlDialect struct {
	driver string
	create string
	get    string
	upsert string
	// singleConn serializes access; sqlite allows one writer and each
	// :memory: connection is a separate database.
	singleConn bool
}

var postgresDialect = sqlDialect{
	driver: "postgres",
	create: `
		CREATE TABLE IF NOT EXISTS %s (
			kv_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	get: "SELECT value FROM %s WHERE kv_key = $1",
	upsert: `
		INSERT INTO %s (kv_key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (kv_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
}

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	create: `
		CREATE TABLE IF NOT EXISTS %s (
			kv_key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	get: "SELECT value FROM %s WHERE kv_key = ?",
	upsert: `
		INSERT INTO %s (kv_key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (kv_key)
		DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
	singleConn: true,
}

// SQLStore keeps keys in a single table, created on first use.
type SQLStore struct {
	dsn       string
	dialect   sqlDialect
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, postgresDialect)
}

// NewSQLiteStore opens the database file at path, or an in-process database
// for ":memory:".
func NewSQLiteStore(path string) (*SQLStore, error) {
	return newSQLStore(path, sqliteDialect)
}

func newSQLStore(dsn string, dialect sqlDialect) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:       dsn,
		dialect:   dialect,
		tableName: sqlTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(s.dialect.get, quoteIdentifier(s.tableName)), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.upsert, quoteIdentifier(s.tableName)), key, string(value))
	return err
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.singleConn {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		if _, err := db.ExecContext(ctx, fmt.Sprintf(s.dialect.create, quoteIdentifier(s.tableName))); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
