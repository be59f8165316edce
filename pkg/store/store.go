// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package store implements the durable server-of-record for messages,
// reactions and per-pair chat settings.
package store

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// New opens (or creates) the store database at the given path.
func New(path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "store").Logger())
	s := &Store{db: db, log: log}
	if err = s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS "user" (
			uid       TEXT PRIMARY KEY,
			username  TEXT NOT NULL DEFAULT '',
			email     TEXT NOT NULL DEFAULT '',
			fcm_token TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id               TEXT PRIMARY KEY,
			sender_id        TEXT NOT NULL,
			receiver_id      TEXT NOT NULL,
			content          TEXT NOT NULL DEFAULT '',
			type             TEXT NOT NULL,
			timestamp_ms     BIGINT NOT NULL,
			read             BOOLEAN NOT NULL DEFAULT FALSE,
			self_destructing BOOLEAN NOT NULL DEFAULT FALSE,
			deleted          BOOLEAN NOT NULL DEFAULT FALSE,
			edited           BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS reaction (
			message_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			emoji      TEXT NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_settings (
			user_id         TEXT NOT NULL,
			partner_id      TEXT NOT NULL,
			archived        BOOLEAN NOT NULL DEFAULT FALSE,
			pinned          BOOLEAN NOT NULL DEFAULT FALSE,
			last_cleared_ms BIGINT,
			PRIMARY KEY (user_id, partner_id)
		)`,
		`CREATE INDEX IF NOT EXISTS message_pair_ts_idx
			ON message (sender_id, receiver_id, timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS message_receiver_read_idx
			ON message (receiver_id, sender_id, read)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure store schema: %w", err)
		}
	}
	return nil
}
