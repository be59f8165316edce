package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

func scanSummary(scanner rowScanner) (*chat.ChatSummary, error) {
	var summary chat.ChatSummary
	var typ string
	var ts int64
	err := scanner.Scan(&summary.PartnerID, &summary.PartnerUsername, &summary.PartnerEmail,
		&summary.LastMessage.Content, &typ, &ts, &summary.LastMessage.Read,
		&summary.LastMessage.SenderID, &summary.UnreadCount, &summary.Pinned, &summary.Archived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	summary.LastMessage.Type = chat.MessageType(typ)
	summary.LastMessage.Timestamp = time.UnixMilli(ts).UTC()
	return &summary, nil
}

const summaryColumns = `partner_id, partner_username, partner_email, last_content, last_type, last_timestamp_ms, last_read, last_sender_id, unread_count, pinned, archived`

// UpsertSummary replaces the whole chat-summary row (poll path).
func (c *Cache) UpsertSummary(ctx context.Context, summary *chat.ChatSummary) error {
	_, err := c.db.Exec(ctx, `
		INSERT INTO chat (`+summaryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (partner_id) DO UPDATE SET
			partner_username=excluded.partner_username,
			partner_email=excluded.partner_email,
			last_content=excluded.last_content,
			last_type=excluded.last_type,
			last_timestamp_ms=excluded.last_timestamp_ms,
			last_read=excluded.last_read,
			last_sender_id=excluded.last_sender_id,
			unread_count=excluded.unread_count,
			pinned=excluded.pinned,
			archived=excluded.archived
	`, summary.PartnerID, summary.PartnerUsername, summary.PartnerEmail,
		summary.LastMessage.Content, string(summary.LastMessage.Type), summary.LastMessage.Timestamp.UnixMilli(),
		summary.LastMessage.Read, summary.LastMessage.SenderID, summary.UnreadCount, summary.Pinned, summary.Archived)
	return err
}

func (c *Cache) GetSummary(ctx context.Context, partnerID string) (*chat.ChatSummary, error) {
	row := c.db.QueryRow(ctx, `SELECT `+summaryColumns+` FROM chat WHERE partner_id=$1`, partnerID)
	return scanSummary(row)
}

// RemoveSummary drops one thread's row from the local chat list.
func (c *Cache) RemoveSummary(ctx context.Context, partnerID string) error {
	_, err := c.db.Exec(ctx, `DELETE FROM chat WHERE partner_id=$1`, partnerID)
	return err
}

// ListSummaries returns the local chat list: pinned first, then newest.
func (c *Cache) ListSummaries(ctx context.Context) ([]*chat.ChatSummary, error) {
	rows, err := c.db.Query(ctx, `
		SELECT `+summaryColumns+` FROM chat
		WHERE archived=FALSE
		ORDER BY pinned DESC, last_timestamp_ms DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*chat.ChatSummary
	for rows.Next() {
		summary, scanErr := scanSummary(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

// ApplyMessageToSummary recomputes the partner's chat-summary row from a
// reconciled message: lastMessage snapshot from the message, unreadCount
// incremented only when the local user is not the sender (your own sends
// never bump your unread count) and the message is new to this cache.
// Redeliveries pass firstSeen=false so the badge never double-counts.
// The lastMessage snapshot only moves forward in time, so a late-arriving
// older message cannot clobber a newer one. Existing pin/archive flags
// and partner display fields are preserved.
func (c *Cache) ApplyMessageToSummary(ctx context.Context, localUserID string, msg *chat.Message, senderUsername, senderEmail string, firstSeen bool) error {
	partnerID := msg.PartnerOf(localUserID)
	summary, err := c.GetSummary(ctx, partnerID)
	if errors.Is(err, chat.ErrNotFound) {
		summary = &chat.ChatSummary{PartnerID: partnerID}
	} else if err != nil {
		return err
	}
	if msg.SenderID != localUserID {
		if senderUsername != "" {
			summary.PartnerUsername = senderUsername
		}
		if senderEmail != "" {
			summary.PartnerEmail = senderEmail
		}
		if firstSeen && !msg.Read {
			summary.UnreadCount++
		}
	}
	// Poll and push can race, so an older message may land after a newer
	// one. Keep the snapshot monotonic.
	if !msg.Timestamp.Before(summary.LastMessage.Timestamp) {
		summary.LastMessage = chat.LastMessage{
			Content:   msg.Content,
			Type:      msg.Type,
			Timestamp: msg.Timestamp,
			Read:      msg.Read,
			SenderID:  msg.SenderID,
		}
	}
	return c.UpsertSummary(ctx, summary)
}
