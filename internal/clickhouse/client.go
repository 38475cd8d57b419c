package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/philippevezina/table-loader/internal/config"
)

const (
	ddlTimeout = 30 * time.Second
	// Per-query server limit; a single chunk insert must finish within it.
	maxExecutionSeconds = 600
)

// Client is the ClickHouse handle shared by the destination and the chunk
// ledger of a run.
type Client struct {
	db       *sql.DB
	database string
	logger   *zap.Logger
}

// Open connects with the native protocol and verifies the server answers.
func Open(ctx context.Context, cfg *config.ClickHouseConfig, logger *zap.Logger) (*Client, error) {
	options := &clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Settings: clickhouse.Settings{
			"max_execution_time": maxExecutionSeconds,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	}
	if cfg.EnableSSL {
		options.TLS = &tls.Config{}
	}

	db := clickhouse.OpenDB(options)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse at %v: %w", cfg.Addresses, err)
	}

	logger.Info("Connected to ClickHouse",
		zap.Strings("addresses", cfg.Addresses),
		zap.String("database", cfg.Database))

	return NewClient(db, cfg.Database, logger), nil
}

// NewClient wraps an open handle. database is the default for unqualified
// table names.
func NewClient(db *sql.DB, database string, logger *zap.Logger) *Client {
	return &Client{db: db, database: database, logger: logger}
}

func (c *Client) DB() *sql.DB {
	return c.db
}

func (c *Client) Database() string {
	return c.database
}

// ExecDDL runs a schema statement under its own timeout.
func (c *Client) ExecDDL(ctx context.Context, stmt string) error {
	ctx, cancel := context.WithTimeout(ctx, ddlTimeout)
	defer cancel()

	c.logger.Debug("Executing DDL", zap.String("statement", stmt))
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("DDL timed out after %s: %w", ddlTimeout, err)
		}
		return fmt.Errorf("DDL failed: %w", err)
	}
	c.logger.Info("DDL executed", zap.String("statement", stmt))
	return nil
}

func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	return nil
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *Client) Close() error {
	return c.db.Close()
}
