// Package store provides the optional PostgreSQL-backed durable store for
// chat messages. It is a pure I/O boundary: appends are best-effort and
// ordered retrieval happens once at startup. When the database credentials
// are not configured the relay runs memory-only and this package is never
// constructed.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // postgres driver

	"github.com/whisper/relay/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the PostgreSQL connection settings. Host, User and Password
// are the capability credentials: if any of the three is empty, persistence
// is disabled entirely.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Enabled reports whether all required credentials are present.
func (c Config) Enabled() bool {
	return c.Host != "" && c.User != "" && c.Password != ""
}

// DSN builds the lib/pq connection string.
func (c Config) DSN() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	dbname := c.DBName
	if dbname == "" {
		dbname = "relay"
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, dbname, sslmode)
}

// Store persists messages to PostgreSQL. The messages table carries a
// bigserial sequence assigned at insert time; that sequence, not the
// client-supplied timestamp, is the authoritative order for reload.
type Store struct {
	db *sql.DB
}

// New opens a connection to PostgreSQL, verifies it, and runs any pending
// schema migrations. The caller must have checked cfg.Enabled() first.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// runMigrations applies the embedded schema migrations.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Append inserts one message. Callers invoke it fire-and-forget; the error
// is for logging only and must never reach a client or block a broadcast.
func (s *Store) Append(ctx context.Context, msg protocol.Message) error {
	const query = `
		INSERT INTO messages (conn_id, name, text, ts)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, msg.ConnID, msg.Name, msg.Text, msg.Ts)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// LoadRecent returns the most recent limit messages in ascending insert
// order, suitable for reloading the history buffer at startup.
func (s *Store) LoadRecent(ctx context.Context, limit int) ([]protocol.Message, error) {
	const query = `
		SELECT conn_id, name, text, ts FROM (
			SELECT seq, conn_id, name, text, ts
			FROM messages
			ORDER BY seq DESC
			LIMIT $1
		) recent
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: load recent: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		var msg protocol.Message
		if err := rows.Scan(&msg.ConnID, &msg.Name, &msg.Text, &msg.Ts); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return msgs, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
