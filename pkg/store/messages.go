package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

// Draft is the client-supplied part of a message. ID and timestamp are
// assigned here on commit.
type Draft struct {
	SenderID        string           `json:"senderId"`
	ReceiverID      string           `json:"receiverId"`
	Content         string           `json:"content"`
	Type            chat.MessageType `json:"type"`
	SelfDestructing bool             `json:"isSelfDestructing"`
}

// CreateMessage validates and durably commits a draft, assigning the
// server ID and server timestamp. It returns before any bus publish is
// attempted by the caller, so a receiver-side pull triggered by the
// publish can never observe NotFound.
func (s *Store) CreateMessage(ctx context.Context, draft Draft) (*chat.Message, error) {
	if !draft.Type.Valid() {
		return nil, &chat.PersistenceError{Op: "create message", Err: fmt.Errorf("unknown message type %q", draft.Type)}
	}
	if draft.SenderID == "" || draft.ReceiverID == "" {
		return nil, &chat.PersistenceError{Op: "create message", Err: errors.New("sender and receiver are required")}
	}
	if err := validateContent(draft.Type, draft.Content); err != nil {
		return nil, &chat.PersistenceError{Op: "create message", Err: err}
	}
	for _, uid := range []string{draft.SenderID, draft.ReceiverID} {
		if _, err := s.GetUser(ctx, uid); err != nil {
			return nil, &chat.PersistenceError{Op: "create message", Err: fmt.Errorf("unknown user %s", uid)}
		}
	}

	msg := &chat.Message{
		ID:              uuid.New().String(),
		SenderID:        draft.SenderID,
		ReceiverID:      draft.ReceiverID,
		Content:         draft.Content,
		Type:            draft.Type,
		Timestamp:       time.Now().UTC(),
		SelfDestructing: draft.SelfDestructing,
		Reactions:       []chat.Reaction{},
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO message (id, sender_id, receiver_id, content, type, timestamp_ms, read, self_destructing, deleted, edited)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, FALSE, FALSE)
	`, msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Type), msg.Timestamp.UnixMilli(), msg.SelfDestructing)
	if err != nil {
		return nil, &chat.PersistenceError{Op: "create message", Err: err}
	}
	return msg, nil
}

// validateContent checks that media content is a base64 data URI whose
// sniffed type matches the declared message type. Text is opaque.
func validateContent(typ chat.MessageType, content string) error {
	if typ == chat.TypeText {
		return nil
	}
	rest, ok := strings.CutPrefix(content, "data:")
	if !ok {
		return errors.New("media content must be a data URI")
	}
	_, b64, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return errors.New("media content must be base64 encoded")
	}
	// Sniffing only needs the header bytes.
	if len(b64) > 512 {
		b64 = b64[:512]
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(b64, "="))
	if err != nil {
		return fmt.Errorf("invalid base64 payload: %w", err)
	}
	mime := mimetype.Detect(raw)
	want := "image/"
	if typ == chat.TypeAudio {
		want = "audio/"
	}
	// Some audio containers sniff as video/mp4 variants.
	if typ == chat.TypeAudio && strings.HasPrefix(mime.String(), "video/") {
		return nil
	}
	if !strings.HasPrefix(mime.String(), want) {
		return fmt.Errorf("content type %s does not match message type %s", mime.String(), typ)
	}
	return nil
}

const messageColumns = `id, sender_id, receiver_id, content, type, timestamp_ms, read, self_destructing, deleted, edited`

func (s *Store) scanMessage(row rowScanner) (*chat.Message, error) {
	var msg chat.Message
	var typ string
	var ts int64
	err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &typ, &ts,
		&msg.Read, &msg.SelfDestructing, &msg.Deleted, &msg.Edited)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	msg.Type = chat.MessageType(typ)
	msg.Timestamp = time.UnixMilli(ts).UTC()
	msg.Reactions = []chat.Reaction{}
	return &msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// GetMessageByID fetches one message with its reactions. Used by the pull
// path when a delivery event omits content.
func (s *Store) GetMessageByID(ctx context.Context, id string) (*chat.Message, error) {
	row := s.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM message WHERE id=$1`, id)
	msg, err := s.scanMessage(row)
	if err != nil {
		return nil, err
	}
	if err = s.attachReactions(ctx, []*chat.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessages returns the conversation between viewer and partner in
// chronological order, honoring only the VIEWER's lastCleared watermark.
// Clearing is asymmetric: it never hides messages from the other side.
func (s *Store) GetMessages(ctx context.Context, viewerID, partnerID string, limit, offset int) ([]*chat.Message, error) {
	if limit <= 0 {
		limit = 15
	}
	var clearedMS int64
	settings, err := s.findChatSettings(ctx, viewerID, partnerID)
	if err != nil && !errors.Is(err, chat.ErrNotFound) {
		return nil, err
	}
	if settings != nil && settings.LastCleared != nil {
		clearedMS = settings.LastCleared.UnixMilli()
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE ((sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1))
			AND timestamp_ms > $3
		ORDER BY timestamp_ms DESC
		LIMIT $4 OFFSET $5
	`, viewerID, partnerID, clearedMS, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*chat.Message
	for rows.Next() {
		msg, scanErr := s.scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		msgs = append(msgs, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first query for the LIMIT window, chronological return.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if err = s.attachReactions(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) attachReactions(ctx context.Context, msgs []*chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[string]*chat.Message, len(msgs))
	placeholders := make([]string, len(msgs))
	args := make([]any, len(msgs))
	for i, msg := range msgs {
		byID[msg.ID] = msg
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = msg.ID
	}
	rows, err := s.db.Query(ctx, `
		SELECT message_id, user_id, emoji FROM reaction
		WHERE message_id IN (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var msgID string
		var reaction chat.Reaction
		if err = rows.Scan(&msgID, &reaction.UserID, &reaction.Emoji); err != nil {
			return err
		}
		if msg := byID[msgID]; msg != nil {
			msg.Reactions = append(msg.Reactions, reaction)
		}
	}
	return rows.Err()
}

// MarkRead durably flips read=true. For ephemeral messages this IS the
// consume operation: the first reveal calls it before showing content.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `UPDATE message SET read=TRUE WHERE id=$1`, id)
	if err != nil {
		return &chat.PersistenceError{Op: "mark read", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrNotFound
	}
	return nil
}

// MarkConversationRead marks everything the receiver got from sender as read.
func (s *Store) MarkConversationRead(ctx context.Context, receiverID, senderID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE message SET read=TRUE
		WHERE receiver_id=$1 AND sender_id=$2 AND read=FALSE
	`, receiverID, senderID)
	if err != nil {
		return &chat.PersistenceError{Op: "mark conversation read", Err: err}
	}
	return nil
}

// EditMessage rewrites content. Forbidden once the message has been read
// or when the editor is not the sender; both are rejected without any
// state change.
func (s *Store) EditMessage(ctx context.Context, id, newContent, editorID string) error {
	msg, err := s.GetMessageByID(ctx, id)
	if err != nil {
		return err
	}
	if msg.SenderID != editorID {
		return &chat.AuthorizationError{Reason: "only the sender can edit a message"}
	}
	if msg.Read {
		return &chat.AuthorizationError{Reason: "cannot edit a message that has been read"}
	}
	_, err = s.db.Exec(ctx, `UPDATE message SET content=$1, edited=TRUE WHERE id=$2`, newContent, id)
	if err != nil {
		return &chat.PersistenceError{Op: "edit message", Err: err}
	}
	return nil
}

// DeleteMessage tombstones a message: content cleared, row kept.
func (s *Store) DeleteMessage(ctx context.Context, id, requesterID string) error {
	msg, err := s.GetMessageByID(ctx, id)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return &chat.AuthorizationError{Reason: "only the sender can delete a message"}
	}
	_, err = s.db.Exec(ctx, `UPDATE message SET deleted=TRUE, content='' WHERE id=$1`, id)
	if err != nil {
		return &chat.PersistenceError{Op: "delete message", Err: err}
	}
	return nil
}

// ToggleReaction applies the one-reaction-per-user rule: same emoji again
// removes it, a different emoji replaces it.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID, emoji string) error {
	if _, err := s.GetMessageByID(ctx, messageID); err != nil {
		return err
	}
	var existing string
	err := s.db.QueryRow(ctx,
		`SELECT emoji FROM reaction WHERE message_id=$1 AND user_id=$2`,
		messageID, userID,
	).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(ctx,
			`INSERT INTO reaction (message_id, user_id, emoji) VALUES ($1, $2, $3)`,
			messageID, userID, emoji)
	case err != nil:
	case existing == emoji:
		_, err = s.db.Exec(ctx,
			`DELETE FROM reaction WHERE message_id=$1 AND user_id=$2`,
			messageID, userID)
	default:
		_, err = s.db.Exec(ctx,
			`UPDATE reaction SET emoji=$1 WHERE message_id=$2 AND user_id=$3`,
			emoji, messageID, userID)
	}
	if err != nil {
		return &chat.PersistenceError{Op: "toggle reaction", Err: err}
	}
	return nil
}
