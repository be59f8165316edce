// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package syncengine

import (
	"context"
	"time"

	"github.com/zoubayerBS/messagis/pkg/cache"
	"github.com/zoubayerBS/messagis/pkg/chat"
	"github.com/zoubayerBS/messagis/pkg/store"
)

// SendText sends a plain text message following the optimistic protocol:
// a pending row with a temporary id appears in the cache immediately, the
// durable create happens next, and only then the delivery events go out.
func (e *Engine) SendText(ctx context.Context, receiverID, content string, selfDestruct bool) (*chat.Message, error) {
	return e.send(ctx, store.Draft{
		SenderID:        e.userID,
		ReceiverID:      receiverID,
		Type:            chat.TypeText,
		Content:         content,
		SelfDestructing: selfDestruct,
	})
}

// SendMedia sends an image or voice message carried as a data URI.
func (e *Engine) SendMedia(ctx context.Context, receiverID string, typ chat.MessageType, dataURI string) (*chat.Message, error) {
	return e.send(ctx, store.Draft{
		SenderID:   e.userID,
		ReceiverID: receiverID,
		Type:       typ,
		Content:    dataURI,
	})
}

func (e *Engine) send(ctx context.Context, draft store.Draft) (*chat.Message, error) {
	optimistic := &chat.Message{
		ID:              chat.NewTempID(),
		SenderID:        draft.SenderID,
		ReceiverID:      draft.ReceiverID,
		Type:            draft.Type,
		Content:         draft.Content,
		Timestamp:       time.Now().UTC(),
		SelfDestructing: draft.SelfDestructing,
	}
	if err := e.cache.InsertOptimistic(ctx, optimistic); err != nil {
		return nil, err
	}

	msg, err := e.store.CreateMessage(ctx, draft)
	if err != nil {
		// The pending row stays, flagged failed, so the user sees what
		// did not go through. A later echo can still resolve it if the
		// create actually committed.
		if markErr := e.cache.MarkFailed(ctx, optimistic.ID); markErr != nil {
			e.log.Error().Err(markErr).Str("temp_id", optimistic.ID).Msg("Failed to flag optimistic row")
		}
		sendAttempts.WithLabelValues(resultFailed).Inc()
		return nil, err
	}
	sendAttempts.WithLabelValues(resultConfirmed).Inc()

	if err = e.cache.ReplaceOptimistic(ctx, optimistic.ID, msg); err != nil {
		e.log.Error().Err(err).Str("temp_id", optimistic.ID).Str("message_id", msg.ID).Msg("Failed to replace optimistic row")
	}

	e.publishNewMessage(ctx, msg)
	if e.push != nil {
		e.push.RequestPush(ctx, msg)
	}
	return msg, nil
}

// publishNewMessage fans the committed message out to both personal
// channels. The sender's own copy is what keeps other devices of the same
// account in sync. Non-text content travels by reference: the payload
// carries an empty content with fetchFullContent set, and receivers pull
// the body on demand.
func (e *Engine) publishNewMessage(ctx context.Context, msg *chat.Message) {
	event := chat.MessageEvent{Message: *msg}
	if msg.Type != chat.TypeText {
		event.Message.Content = ""
		event.FetchFullContent = true
	}
	if sender, err := e.store.GetUser(ctx, msg.SenderID); err == nil && sender != nil {
		event.SenderUsername = sender.Username
		event.SenderEmail = sender.Email
	}
	for _, uid := range []string{msg.ReceiverID, msg.SenderID} {
		if err := e.bus.Publish(ctx, chat.UserChannel(uid), chat.EventNewMessage, event); err != nil {
			// Delivery is best effort: the message is durable and the
			// fallback pull will carry it.
			e.log.Warn().Err(err).Str("channel", chat.UserChannel(uid)).Msg("Publish failed, poll will recover")
		}
	}
}

// Edit rewrites a message's content server-first, then resyncs the open
// window. Only the unread messages of the local user are editable, which
// the server enforces.
func (e *Engine) Edit(ctx context.Context, messageID, newContent string) error {
	if err := e.store.EditMessage(ctx, messageID, newContent, e.userID); err != nil {
		return err
	}
	return e.refreshAfterIntent(ctx)
}

// Delete tombstones a message. The row survives with empty content so
// conversation shape is preserved for both sides.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	if err := e.store.DeleteMessage(ctx, messageID, e.userID); err != nil {
		return err
	}
	return e.refreshAfterIntent(ctx)
}

// React toggles the local user's reaction: same emoji removes it, a
// different one replaces it.
func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	if err := e.store.ToggleReaction(ctx, messageID, e.userID, emoji); err != nil {
		return err
	}
	return e.refreshAfterIntent(ctx)
}

// MarkConversationRead flips every unread message from partnerID to read,
// server-first, then clears the local unread badge.
func (e *Engine) MarkConversationRead(ctx context.Context, partnerID string) error {
	if err := e.store.MarkConversationRead(ctx, e.userID, partnerID); err != nil {
		return err
	}
	return e.cache.MarkConversationRead(ctx, e.userID, partnerID)
}

// TogglePin flips the pinned flag for the thread and refetches the list.
func (e *Engine) TogglePin(ctx context.Context, partnerID string) error {
	if err := e.store.TogglePin(ctx, e.userID, partnerID); err != nil {
		return err
	}
	return e.SyncChats(ctx)
}

// ToggleArchive flips the archived flag for the thread.
func (e *Engine) ToggleArchive(ctx context.Context, partnerID string) error {
	if err := e.store.ToggleArchive(ctx, e.userID, partnerID); err != nil {
		return err
	}
	// Archiving removes the summary server-side. Drop it locally too,
	// since the list resync only upserts.
	if err := e.cache.RemoveSummary(ctx, partnerID); err != nil {
		return err
	}
	return e.SyncChats(ctx)
}

// ClearConversation moves the local user's visibility watermark to now.
// Asymmetric: the partner keeps their full history.
func (e *Engine) ClearConversation(ctx context.Context, partnerID string) error {
	if err := e.store.ClearConversation(ctx, e.userID, partnerID); err != nil {
		return err
	}
	if err := e.cache.RemoveConversation(ctx, e.userID, partnerID); err != nil {
		return err
	}
	return e.SyncChats(ctx)
}

func (e *Engine) refreshAfterIntent(ctx context.Context) error {
	e.mu.Lock()
	partner := e.openPartner
	e.mu.Unlock()
	if partner == "" {
		return nil
	}
	return e.SyncMessages(ctx, partner)
}

// FailedMessages lists pending rows flagged failed for the open thread,
// for retry UI.
func (e *Engine) FailedMessages(ctx context.Context, partnerID string) ([]*cache.Row, error) {
	rows, err := e.cache.ListMessages(ctx, e.userID, partnerID)
	if err != nil {
		return nil, err
	}
	var failed []*cache.Row
	for _, row := range rows {
		if row.Status == cache.StatusFailed {
			failed = append(failed, row)
		}
	}
	return failed, nil
}
