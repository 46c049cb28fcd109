// Package db wraps database/sql with a validated connection pool and the
// small dialect differences between the supported drivers.
package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	// registered drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// PoolConfig configures the connection pool.
type PoolConfig struct {
	DSN             string
	DriverName      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// PingTimeout bounds the connectivity check done by NewPool.
	PingTimeout time.Duration
}

// DefaultPoolConfig returns pool defaults for dsn on driverName.
func DefaultPoolConfig(dsn, driverName string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Error is a pool misuse or configuration error.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func invalidConfig(msg string) error {
	return &Error{Code: "INVALID_CONFIG", Message: msg}
}

// Pool is an open, verified connection pool.
type Pool struct {
	db     *sql.DB
	config PoolConfig
}

// NewPool validates config, opens the pool and pings it.
func NewPool(config PoolConfig) (*Pool, error) {
	switch {
	case config.DSN == "":
		return nil, invalidConfig("DSN cannot be empty")
	case config.DriverName != DriverSQLite && config.DriverName != DriverPostgres:
		return nil, invalidConfig("unsupported driver " + strconv.Quote(config.DriverName))
	case config.MaxOpenConns <= 0:
		return nil, invalidConfig("MaxOpenConns must be positive")
	case config.MaxIdleConns < 0:
		return nil, invalidConfig("MaxIdleConns cannot be negative")
	case config.MaxIdleConns > config.MaxOpenConns:
		return nil, invalidConfig("MaxIdleConns cannot exceed MaxOpenConns")
	case config.ConnMaxLifetime < 0 || config.ConnMaxIdleTime < 0:
		return nil, invalidConfig("connection lifetimes cannot be negative")
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 5 * time.Second
	}

	db, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Pool{db: db, config: config}, nil
}

// DB returns the underlying *sql.DB.
func (p *Pool) DB() *sql.DB { return p.db }

// Driver returns the configured driver name.
func (p *Pool) Driver() string { return p.config.DriverName }

// Close closes the pool.
func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return &Error{Code: "INVALID_STATE", Message: "pool not initialized"}
	}
	return p.db.Close()
}

// Ping checks connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stats returns pool statistics.
func (p *Pool) Stats() sql.DBStats {
	if p == nil || p.db == nil {
		return sql.DBStats{}
	}
	return p.db.Stats()
}

// Exec runs a statement written with ? placeholders.
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if query == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return p.db.ExecContext(ctx, p.Rebind(query), args...)
}

// Query runs a query written with ? placeholders.
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if query == "" {
		return nil, &Error{Code: "INVALID_INPUT", Message: "query cannot be empty"}
	}
	return p.db.QueryContext(ctx, p.Rebind(query), args...)
}

// QueryRow runs a single-row query written with ? placeholders.
func (p *Pool) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.db.QueryRowContext(ctx, p.Rebind(query), args...)
}

// InTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (p *Pool) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&Tx{tx: sqlTx, pool: p}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// Tx is a transaction that rebinds placeholders like Pool.
type Tx struct {
	tx   *sql.Tx
	pool *Pool
}

func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.pool.Rebind(query), args...)
}

// Rebind rewrites ? placeholders to $n for postgres.
func (p *Pool) Rebind(query string) string {
	if p.config.DriverName != DriverPostgres {
		return query
	}
	return Rebind(query)
}

// Rebind converts ? placeholders to $1, $2, ... outside of quoted strings.
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
