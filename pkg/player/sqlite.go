// Copyright 2024-2026 Aiku AI

package player

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/mo"

	"github.com/aiku/ecolink/pkg/link"
)

// SQLiteStore keeps player configs in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite: empty db path")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: creating dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS player_configs (
	username_key TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	default_guild TEXT NOT NULL DEFAULT '',
	default_channel TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: migrate player_configs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) get(ctx context.Context, username string) (*Config, error) {
	var cfg Config
	err := s.db.QueryRowContext(ctx,
		`SELECT username, default_guild, default_channel FROM player_configs WHERE username_key = ?`,
		normalizeUsername(username),
	).Scan(&cfg.Username, &cfg.DefaultChannel.Guild, &cfg.DefaultChannel.Channel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get player config: %w", err)
	}
	return &cfg, nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, username string) (*Config, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO player_configs (username_key, username) VALUES (?, ?) ON CONFLICT(username_key) DO NOTHING`,
		normalizeUsername(username), username,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create player config: %w", err)
	}
	cfg, err := s.get(ctx, username)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("sqlite: player config for %q vanished", username)
	}
	return cfg, nil
}

func (s *SQLiteStore) SetDefaultChannel(ctx context.Context, username string, ref link.ChannelRef) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO player_configs (username_key, username, default_guild, default_channel, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(username_key) DO UPDATE SET
	default_guild = excluded.default_guild,
	default_channel = excluded.default_channel,
	updated_at = excluded.updated_at`,
		normalizeUsername(username), username, ref.Guild, ref.Channel,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set default channel: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DefaultChannel(ctx context.Context, username string) (mo.Option[link.ChannelRef], error) {
	cfg, err := s.get(ctx, username)
	if err != nil {
		return mo.None[link.ChannelRef](), err
	}
	return defaultChannelOf(cfg), nil
}
