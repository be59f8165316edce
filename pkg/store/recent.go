package store

import (
	"context"
	"sort"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

// recentChatsScanLimit bounds how many recent messages are examined when
// building the chat list.
const recentChatsScanLimit = 500

// RecentChats builds the viewer's chat list: one summary per partner from
// the newest visible message, archived partners excluded, conversations
// cleared past their last message excluded, pinned chats first.
func (s *Store) RecentChats(ctx context.Context, userID string) ([]*chat.ChatSummary, error) {
	settingsList, err := s.ListChatSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	settingsByPartner := make(map[string]*chat.ChatSettings, len(settingsList))
	for _, settings := range settingsList {
		settingsByPartner[settings.PartnerID] = settings
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE sender_id=$1 OR receiver_id=$1
		ORDER BY timestamp_ms DESC
		LIMIT $2
	`, userID, recentChatsScanLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make(map[string]*chat.ChatSummary)
	var order []*chat.ChatSummary
	for rows.Next() {
		msg, scanErr := s.scanMessage(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		partnerID := msg.PartnerOf(userID)
		if partnerID == "" || partnerID == userID {
			continue
		}
		if _, seen := summaries[partnerID]; seen {
			continue
		}
		settings := settingsByPartner[partnerID]
		if settings != nil {
			if settings.Archived {
				continue
			}
			if settings.LastCleared != nil && !msg.Timestamp.After(*settings.LastCleared) {
				continue
			}
		}
		summary := &chat.ChatSummary{
			PartnerID: partnerID,
			LastMessage: chat.LastMessage{
				Content:   msg.Content,
				Type:      msg.Type,
				Timestamp: msg.Timestamp,
				Read:      msg.Read,
				SenderID:  msg.SenderID,
			},
		}
		if settings != nil {
			summary.Pinned = settings.Pinned
		}
		if partner, userErr := s.GetUser(ctx, partnerID); userErr == nil {
			summary.PartnerUsername = partner.Username
			summary.PartnerEmail = partner.Email
		}
		summary.UnreadCount, err = s.unreadCount(ctx, userID, partnerID, settings)
		if err != nil {
			return nil, err
		}
		summaries[partnerID] = summary
		order = append(order, summary)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].Pinned != order[j].Pinned {
			return order[i].Pinned
		}
		return order[i].LastMessage.Timestamp.After(order[j].LastMessage.Timestamp)
	})
	return order, nil
}

func (s *Store) unreadCount(ctx context.Context, userID, partnerID string, settings *chat.ChatSettings) (int, error) {
	var clearedMS int64
	if settings != nil && settings.LastCleared != nil {
		clearedMS = settings.LastCleared.UnixMilli()
	}
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM message
		WHERE receiver_id=$1 AND sender_id=$2 AND read=FALSE AND timestamp_ms > $3
	`, userID, partnerID, clearedMS).Scan(&count)
	return count, err
}
