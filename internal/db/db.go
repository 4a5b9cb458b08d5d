package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema. The users table belongs to the external
// directory service; it is created here so a fresh database is usable.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            type VARCHAR(12) NOT NULL CHECK (type IN ('ONE_TO_ONE', 'GROUP')),
            pair_key TEXT UNIQUE,
            group_name TEXT,
            created_by TEXT,
            last_seq BIGINT NOT NULL DEFAULT 0,
            last_created_at TIMESTAMPTZ,
            last_message_id TEXT,
            last_message_seq BIGINT,
            last_message_snippet TEXT,
            last_message_sender TEXT,
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            CHECK ((type = 'GROUP') = (group_name IS NOT NULL)),
            CHECK ((type = 'ONE_TO_ONE') = (pair_key IS NOT NULL))
        )`,

		`CREATE TABLE IF NOT EXISTS participants (
            conversation_id TEXT REFERENCES conversations(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            last_read_seq BIGINT NOT NULL DEFAULT 0,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (conversation_id, user_id)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            seq BIGINT NOT NULL,
            sender_id TEXT NOT NULL,
            content TEXT NOT NULL,
            type VARCHAR(16) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            UNIQUE (conversation_id, seq)
        )`,

		`CREATE INDEX IF NOT EXISTS messages_history_idx
            ON messages (conversation_id, created_at DESC, seq DESC)`,

		`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id)`,

		`CREATE INDEX IF NOT EXISTS conversations_activity_idx
            ON conversations ((COALESCE(last_message_at, created_at)) DESC, id DESC)`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
