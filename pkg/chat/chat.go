// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chat defines the shared data model of the messagis
// synchronization core: messages, reactions, per-pair chat settings,
// chat-list summaries and the payloads carried over the delivery bus.
package chat

import (
	"fmt"
	"strings"
	"time"

	"go.mau.fi/util/random"
)

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeAudio:
		return true
	}
	return false
}

// Reaction is a single user's reaction to a message. A user has at most
// one reaction per message; reacting again with the same emoji removes it.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is the canonical message shape, shared by the server-of-record
// and the per-device local cache. Once created, only Content (edit), Read,
// Deleted, Edited and Reactions may change.
type Message struct {
	ID              string      `json:"id"`
	SenderID        string      `json:"senderId"`
	ReceiverID      string      `json:"receiverId"`
	Content         string      `json:"content"`
	Type            MessageType `json:"type"`
	Timestamp       time.Time   `json:"timestamp"`
	Read            bool        `json:"read"`
	SelfDestructing bool        `json:"isSelfDestructing"`
	Deleted         bool        `json:"isDeleted"`
	Edited          bool        `json:"isEdited"`
	Reactions       []Reaction  `json:"reactions"`
}

// PartnerOf returns the other side of the conversation from the given
// user's point of view.
func (m *Message) PartnerOf(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// ChatSettings holds per-viewer conversation state. LastCleared is a
// soft-delete watermark: messages at or before it are hidden from this
// viewer only, the underlying rows stay untouched.
type ChatSettings struct {
	UserID      string     `json:"userId"`
	PartnerID   string     `json:"partnerId"`
	Archived    bool       `json:"isArchived"`
	Pinned      bool       `json:"isPinned"`
	LastCleared *time.Time `json:"lastCleared,omitempty"`
}

// LastMessage is the denormalized newest-message snapshot in a chat
// summary row.
type LastMessage struct {
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Read      bool        `json:"read"`
	SenderID  string      `json:"senderId"`
}

// ChatSummary is one chat-list row, derived from Message + ChatSettings.
// Only the sync engine mutates summaries, never UI code.
type ChatSummary struct {
	PartnerID       string      `json:"partnerId"`
	PartnerUsername string      `json:"partnerUsername,omitempty"`
	PartnerEmail    string      `json:"partnerEmail,omitempty"`
	LastMessage     LastMessage `json:"lastMessage"`
	UnreadCount     int         `json:"unreadCount"`
	Pinned          bool        `json:"isPinned"`
	Archived        bool        `json:"isArchived"`
}

// User is the minimal account shape the sync core needs: display fields
// for cold-cache chat lists and the push token. Account management itself
// lives outside this module.
type User struct {
	UID      string `json:"uid"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	FCMToken string `json:"fcmToken,omitempty"`
}

// DisplayName returns the user's preferred display string: username,
// else the local part of the email, else the product name.
func (u *User) DisplayName() string {
	if u == nil {
		return "Messagis"
	}
	if u.Username != "" {
		return u.Username
	}
	if u.Email != "" {
		if at := strings.IndexByte(u.Email, '@'); at > 0 {
			return u.Email[:at]
		}
		return u.Email
	}
	return "Messagis"
}

// Bus event names.
const (
	EventNewMessage = "new_message"
	EventTyping     = "typing"
)

// MessageEvent is the new_message payload. For non-text messages the
// publisher may omit Content and set FetchFullContent instead; the
// subscriber then pulls the full row by ID.
type MessageEvent struct {
	Message
	SenderUsername   string `json:"senderUsername,omitempty"`
	SenderEmail      string `json:"senderEmail,omitempty"`
	FetchFullContent bool   `json:"fetchFullContent,omitempty"`
}

// TypingEvent is published on the pair's conversation channel.
type TypingEvent struct {
	SenderID string `json:"senderId"`
	Typing   bool   `json:"isTyping"`
}

// TempIDPrefix marks client-assigned optimistic message IDs. Server IDs
// are UUIDs, so the prefix can never collide with a committed row.
const TempIDPrefix = "local-"

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewTempID generates a fresh optimistic message ID.
func NewTempID() string {
	return fmt.Sprintf("%s%d-%s", TempIDPrefix, time.Now().UnixMilli(), random.String(7))
}

// PairKey returns the order-independent key for a conversation pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// Channel names on the delivery bus.
const PresenceChannel = "global:presence"

func UserChannel(uid string) string {
	return "user:" + uid
}

func ChatChannel(a, b string) string {
	return "chat:" + PairKey(a, b)
}

// Preview renders a notification body for a message: truncated text, or a
// fixed media marker.
func Preview(typ MessageType, content string, maxRunes int) string {
	switch typ {
	case TypeImage:
		return "\U0001F4F7 Photo"
	case TypeAudio:
		return "\U0001F3B5 Vocal"
	}
	runes := []rune(content)
	if len(runes) <= maxRunes {
		return content
	}
	return string(runes[:maxRunes-3]) + "..."
}
