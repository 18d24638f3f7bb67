package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ConnInfo describes one database endpoint. Either URL or the discrete
// fields must be set; URL wins when both are present.
type ConnInfo struct {
	URL      string `json:"url"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslMode"`
}

func (c ConnInfo) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host,
		c.Port,
		c.Database,
		c.User,
		c.Password,
		sslMode,
	)
}

// Conn wraps a single pgx connection together with its resolved endpoint,
// which the same-server fast path needs to compare.
type Conn struct {
	*pgx.Conn
	cfg *pgx.ConnConfig
}

func (c *Conn) Host() string { return c.cfg.Host }
func (c *Conn) Port() uint16 { return c.cfg.Port }

// KeywordDSN renders the connection as a keyword/value string suitable for
// dblink_connect against a remote server.
func (c *Conn) KeywordDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.cfg.Host, c.cfg.Port, c.cfg.Database, c.cfg.User, c.cfg.Password)
}

// Connect opens and pings a connection. Connection failures are fatal to a
// run; callers do not retry.
func Connect(ctx context.Context, info ConnInfo) (*Conn, error) {
	cfg, err := pgx.ParseConfig(info.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	// Use simple protocol so text decoding works for types like "char".
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("ping %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Conn{Conn: conn, cfg: cfg}, nil
}
