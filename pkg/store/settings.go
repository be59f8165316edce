package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

func (s *Store) findChatSettings(ctx context.Context, userID, partnerID string) (*chat.ChatSettings, error) {
	var settings chat.ChatSettings
	var clearedMS sql.NullInt64
	err := s.db.QueryRow(ctx, `
		SELECT user_id, partner_id, archived, pinned, last_cleared_ms
		FROM chat_settings WHERE user_id=$1 AND partner_id=$2
	`, userID, partnerID).Scan(&settings.UserID, &settings.PartnerID, &settings.Archived, &settings.Pinned, &clearedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	if clearedMS.Valid {
		t := time.UnixMilli(clearedMS.Int64).UTC()
		settings.LastCleared = &t
	}
	return &settings, nil
}

// GetChatSettings returns the pair's settings row, creating it lazily on
// first access.
func (s *Store) GetChatSettings(ctx context.Context, userID, partnerID string) (*chat.ChatSettings, error) {
	settings, err := s.findChatSettings(ctx, userID, partnerID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return nil, err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO chat_settings (user_id, partner_id) VALUES ($1, $2)
		ON CONFLICT (user_id, partner_id) DO NOTHING
	`, userID, partnerID)
	if err != nil {
		return nil, &chat.PersistenceError{Op: "create chat settings", Err: err}
	}
	return &chat.ChatSettings{UserID: userID, PartnerID: partnerID}, nil
}

func (s *Store) ListChatSettings(ctx context.Context, userID string) ([]*chat.ChatSettings, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, partner_id, archived, pinned, last_cleared_ms
		FROM chat_settings WHERE user_id=$1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*chat.ChatSettings
	for rows.Next() {
		var settings chat.ChatSettings
		var clearedMS sql.NullInt64
		if err = rows.Scan(&settings.UserID, &settings.PartnerID, &settings.Archived, &settings.Pinned, &clearedMS); err != nil {
			return nil, err
		}
		if clearedMS.Valid {
			t := time.UnixMilli(clearedMS.Int64).UTC()
			settings.LastCleared = &t
		}
		out = append(out, &settings)
	}
	return out, rows.Err()
}

// TogglePin flips the pinned flag for the pair (created if missing).
func (s *Store) TogglePin(ctx context.Context, userID, partnerID string) error {
	return s.upsertToggle(ctx, userID, partnerID, "pinned")
}

// ToggleArchive flips the archived flag for the pair (created if missing).
func (s *Store) ToggleArchive(ctx context.Context, userID, partnerID string) error {
	return s.upsertToggle(ctx, userID, partnerID, "archived")
}

func (s *Store) upsertToggle(ctx context.Context, userID, partnerID, column string) error {
	// column is one of the two fixed flag names, never user input.
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_settings (user_id, partner_id, `+column+`) VALUES ($1, $2, TRUE)
		ON CONFLICT (user_id, partner_id) DO UPDATE SET `+column+` = NOT chat_settings.`+column,
		userID, partnerID)
	if err != nil {
		return &chat.PersistenceError{Op: "toggle " + column, Err: err}
	}
	return nil
}

// ClearConversation moves the viewer's lastCleared watermark to now.
// Only this viewer's reads are affected; the partner still sees everything.
func (s *Store) ClearConversation(ctx context.Context, userID, partnerID string) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_settings (user_id, partner_id, last_cleared_ms) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, partner_id) DO UPDATE SET last_cleared_ms=excluded.last_cleared_ms
	`, userID, partnerID, nowMS)
	if err != nil {
		return &chat.PersistenceError{Op: "clear conversation", Err: err}
	}
	return nil
}

// UpsertChatSettings applies an explicit settings patch.
func (s *Store) UpsertChatSettings(ctx context.Context, settings *chat.ChatSettings) error {
	var clearedMS sql.NullInt64
	if settings.LastCleared != nil {
		clearedMS = sql.NullInt64{Int64: settings.LastCleared.UnixMilli(), Valid: true}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO chat_settings (user_id, partner_id, archived, pinned, last_cleared_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, partner_id) DO UPDATE SET
			archived=excluded.archived,
			pinned=excluded.pinned,
			last_cleared_ms=excluded.last_cleared_ms
	`, settings.UserID, settings.PartnerID, settings.Archived, settings.Pinned, clearedMS)
	if err != nil {
		return &chat.PersistenceError{Op: "upsert chat settings", Err: err}
	}
	return nil
}
