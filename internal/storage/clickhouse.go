// Package storage provides the ClickHouse audit store for the detection
// pipeline. Message events, verdicts, and remediation cases are written in
// batches; rejected payloads land in a quarantine table for operator review.
package storage

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds ClickHouse connection configuration.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts" json:"hosts"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled" json:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	Debug           bool          `yaml:"debug" json:"debug"`
}

// DefaultClickHouseConfig returns a config with sensible defaults.
func DefaultClickHouseConfig() *ClickHouseConfig {
	return &ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "scamwarden",
		Username:        "default",
		Password:        "",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		TLSEnabled:      false,
		DialTimeout:     10 * time.Second,
		Debug:           false,
	}
}

// ClickHouseClient wraps the native ClickHouse connection and a database/sql
// handle for callers that prefer the standard interface.
type ClickHouseClient struct {
	conn   driver.Conn
	sqlDB  *sql.DB
	config *ClickHouseConfig
}

// NewClickHouseClient creates a new ClickHouse client and verifies
// connectivity with a bounded ping.
func NewClickHouseClient(config *ClickHouseConfig) (*ClickHouseClient, error) {
	if config == nil {
		config = DefaultClickHouseConfig()
	}

	options := &clickhouse.Options{
		Addr: config.Hosts,
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		DialTimeout:     config.DialTimeout,
		MaxOpenConns:    config.MaxOpenConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxLifetime: config.ConnMaxLifetime,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		Debug: config.Debug,
	}

	if config.TLSEnabled {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, WrapConnectionError("open", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, WrapConnectionError("ping", err)
	}

	sqlDB := clickhouse.OpenDB(options)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)

	return &ClickHouseClient{
		conn:   conn,
		sqlDB:  sqlDB,
		config: config,
	}, nil
}

// Close closes both connections.
func (c *ClickHouseClient) Close() error {
	var firstErr error
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			firstErr = err
		}
	}
	if c.sqlDB != nil {
		if err := c.sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Conn returns the native connection for batch operations.
func (c *ClickHouseClient) Conn() driver.Conn {
	return c.conn
}

// DB returns the database/sql handle.
func (c *ClickHouseClient) DB() *sql.DB {
	return c.sqlDB
}

// Ping verifies the connection is alive.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return WrapConnectionError("ping", err)
	}
	return nil
}

// Exec executes a statement on the native connection.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	if err := c.conn.Exec(ctx, query, args...); err != nil {
		return WrapQueryError("exec", err)
	}
	return nil
}

// Query runs a query on the native connection.
func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, WrapQueryError("query", err)
	}
	return rows, nil
}

// PrepareBatch prepares a batch insert on the native connection.
func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return nil, WrapQueryError("prepare_batch", err)
	}
	return batch, nil
}

// Database returns the configured database name.
func (c *ClickHouseClient) Database() string {
	return c.config.Database
}

// EnsureDatabase creates the configured database if it does not exist. It
// must be called on a client connected to an existing database (for example
// the server default) before migrations run against a fresh server.
func (c *ClickHouseClient) EnsureDatabase(ctx context.Context) error {
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.config.Database)
	if err := c.conn.Exec(ctx, query); err != nil {
		return WrapQueryError("create_database", err)
	}
	return nil
}

// Stats returns connection pool statistics from the sql.DB handle.
func (c *ClickHouseClient) Stats() sql.DBStats {
	if c.sqlDB == nil {
		return sql.DBStats{}
	}
	return c.sqlDB.Stats()
}
