// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package cache is the per-device local store the UI renders from: a
// SQLite mirror of a window of messages plus denormalized chat-summary
// rows. All mutations go through the sync engine; UI code only reads.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

// Message status in the local cache. Confirmed rows carry server IDs;
// pending and failed rows are optimistic entries with temp IDs.
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// Row is a locally cached message plus its optimistic-write status.
type Row struct {
	chat.Message
	Status string
}

type Cache struct {
	db  *dbutil.Database
	log zerolog.Logger
}

func New(path string, log zerolog.Logger) (*Cache, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "cache").Logger())
	c := &Cache{db: db, log: log}
	if err = c.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) ensureSchema(ctx context.Context) error {
	queries := []string{
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
			edited           BOOLEAN NOT NULL DEFAULT FALSE,
			reactions_json   TEXT NOT NULL DEFAULT '[]',
			status           TEXT NOT NULL DEFAULT 'confirmed'
		)`,
		`CREATE TABLE IF NOT EXISTS chat (
			partner_id       TEXT PRIMARY KEY,
			partner_username TEXT NOT NULL DEFAULT '',
			partner_email    TEXT NOT NULL DEFAULT '',
			last_content     TEXT NOT NULL DEFAULT '',
			last_type        TEXT NOT NULL DEFAULT 'text',
			last_timestamp_ms BIGINT NOT NULL DEFAULT 0,
			last_read        BOOLEAN NOT NULL DEFAULT FALSE,
			last_sender_id   TEXT NOT NULL DEFAULT '',
			unread_count     INTEGER NOT NULL DEFAULT 0,
			pinned           BOOLEAN NOT NULL DEFAULT FALSE,
			archived         BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS message_pair_ts_idx
			ON message (sender_id, receiver_id, timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS message_status_idx
			ON message (status) WHERE status <> 'confirmed'`,
	}
	for _, query := range queries {
		if _, err := c.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure cache schema: %w", err)
		}
	}
	return nil
}

const messageColumns = `id, sender_id, receiver_id, content, type, timestamp_ms, read, self_destructing, deleted, edited, reactions_json, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(scanner rowScanner) (*Row, error) {
	var row Row
	var typ, reactionsJSON string
	var ts int64
	err := scanner.Scan(&row.ID, &row.SenderID, &row.ReceiverID, &row.Content, &typ, &ts,
		&row.Read, &row.SelfDestructing, &row.Deleted, &row.Edited, &reactionsJSON, &row.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	row.Type = chat.MessageType(typ)
	row.Timestamp = time.UnixMilli(ts).UTC()
	if err = json.Unmarshal([]byte(reactionsJSON), &row.Reactions); err != nil {
		row.Reactions = nil
	}
	return &row, nil
}

func (c *Cache) upsertMessage(ctx context.Context, msg *chat.Message, status string) error {
	reactionsJSON, err := json.Marshal(msg.Reactions)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(ctx, `
		INSERT INTO message (id, sender_id, receiver_id, content, type, timestamp_ms, read, self_destructing, deleted, edited, reactions_json, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			content=excluded.content,
			read=excluded.read,
			deleted=excluded.deleted,
			edited=excluded.edited,
			reactions_json=excluded.reactions_json,
			status=excluded.status
	`, msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Type), msg.Timestamp.UnixMilli(),
		msg.Read, msg.SelfDestructing, msg.Deleted, msg.Edited, string(reactionsJSON), status)
	return err
}

// UpsertMessage idempotently inserts or updates a confirmed message row.
// Applying the same message twice leaves the cache unchanged.
func (c *Cache) UpsertMessage(ctx context.Context, msg *chat.Message) error {
	return c.upsertMessage(ctx, msg, StatusConfirmed)
}

// BulkUpsertMessages is the fallback-poll merge path. It funnels through
// the same upsert as the event path, so polling needs no separate logic.
func (c *Cache) BulkUpsertMessages(ctx context.Context, msgs []*chat.Message) error {
	return c.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, msg := range msgs {
			if err := c.upsertMessage(ctx, msg, StatusConfirmed); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Cache) GetMessage(ctx context.Context, id string) (*Row, error) {
	row := c.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM message WHERE id=$1`, id)
	return scanRow(row)
}

// ListMessages returns the locally cached conversation with the partner
// in chronological order, optimistic rows included.
func (c *Cache) ListMessages(ctx context.Context, userID, partnerID string) ([]*Row, error) {
	rows, err := c.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE (sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1)
		ORDER BY timestamp_ms ASC
	`, userID, partnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		row, scanErr := scanRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertOptimistic adds the client-assigned temp row that backs the
// sub-frame perceived send latency.
func (c *Cache) InsertOptimistic(ctx context.Context, msg *chat.Message) error {
	if !chat.IsTempID(msg.ID) {
		return fmt.Errorf("optimistic insert requires a temp id, got %q", msg.ID)
	}
	return c.upsertMessage(ctx, msg, StatusPending)
}

// MarkFailed flags an optimistic row after a failed create. The row stays
// visible so the user gets a retry affordance; it is never dropped silently.
func (c *Cache) MarkFailed(ctx context.Context, tempID string) error {
	res, err := c.db.Exec(ctx, `UPDATE message SET status=$1 WHERE id=$2`, StatusFailed, tempID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// ReplaceOptimistic atomically swaps the temp row for the server-confirmed
// one. Delete and insert share one transaction so no concurrent read can
// observe the half-updated state (temp gone, confirmed not yet there).
func (c *Cache) ReplaceOptimistic(ctx context.Context, tempID string, confirmed *chat.Message) error {
	return c.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if _, err := c.db.Exec(ctx, `DELETE FROM message WHERE id=$1`, tempID); err != nil {
			return err
		}
		return c.upsertMessage(ctx, confirmed, StatusConfirmed)
	})
}

// FindRecentOptimistic locates a temp row matching an incoming own-echo by
// (sender, receiver, content), bounded to the recency window so an older
// identical message can never match. Failed rows match too: an echo proves
// the create actually committed.
func (c *Cache) FindRecentOptimistic(ctx context.Context, senderID, receiverID, content string, window time.Duration) (string, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	var id string
	err := c.db.QueryRow(ctx, `
		SELECT id FROM message
		WHERE status <> $1 AND sender_id=$2 AND receiver_id=$3 AND content=$4 AND timestamp_ms >= $5
		ORDER BY timestamp_ms DESC LIMIT 1
	`, StatusConfirmed, senderID, receiverID, content, cutoff).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", chat.ErrNotFound
	} else if err != nil {
		return "", err
	}
	return id, nil
}

// RemoveMessage hard-deletes a local row (used when discarding a failed
// optimistic entry on explicit user request).
func (c *Cache) RemoveMessage(ctx context.Context, id string) error {
	_, err := c.db.Exec(ctx, `DELETE FROM message WHERE id=$1`, id)
	return err
}

// RemoveConversation drops every cached row of one thread. Used after a
// clear-history intent, since the poll path only upserts and would never
// remove the now-invisible rows.
func (c *Cache) RemoveConversation(ctx context.Context, userID, partnerID string) error {
	_, err := c.db.Exec(ctx, `
		DELETE FROM message
		WHERE (sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1)
	`, userID, partnerID)
	return err
}

// MarkConversationRead mirrors the server-side bulk read flip locally.
func (c *Cache) MarkConversationRead(ctx context.Context, receiverID, senderID string) error {
	return c.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if _, err := c.db.Exec(ctx, `
			UPDATE message SET read=TRUE
			WHERE receiver_id=$1 AND sender_id=$2 AND read=FALSE
		`, receiverID, senderID); err != nil {
			return err
		}
		_, err := c.db.Exec(ctx, `UPDATE chat SET unread_count=0 WHERE partner_id=$1`, senderID)
		return err
	})
}
