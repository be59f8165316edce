// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package push wakes backgrounded devices through FCM. Payloads are
// data-only and size-constrained: media content is omitted and the device
// pulls the full message by ID instead.
package push

import (
	"context"
	"time"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

// Notification is the provider-agnostic push payload. Tag groups
// notifications by sender so multiple messages from one person collapse
// into a single system notification.
type Notification struct {
	Title       string
	Body        string
	SenderID    string
	ReceiverID  string
	Type        chat.MessageType
	Content     string
	MessageID   string
	Timestamp   time.Time
	ClickAction string
	Tag         string
}

const pushBodyMaxRunes = 100

// Build renders the push payload for a message. Content rides along only
// for text; media stays behind the pull endpoint to respect the provider's
// 4 KB payload limit.
func Build(msg *chat.Message, senderDisplay string) Notification {
	content := ""
	if msg.Type == chat.TypeText {
		content = msg.Content
	}
	body := chat.Preview(msg.Type, msg.Content, pushBodyMaxRunes)
	if msg.Type == chat.TypeImage {
		body = "\U0001F4F7 Une photo a été partagée"
	} else if msg.Type == chat.TypeAudio {
		body = "\U0001F3B5 Message vocal reçu"
	}
	return Notification{
		Title:       senderDisplay,
		Body:        body,
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Type:        msg.Type,
		Content:     content,
		MessageID:   msg.ID,
		Timestamp:   msg.Timestamp,
		ClickAction: "/chat?uid=" + msg.SenderID,
		Tag:         "msg-" + msg.SenderID,
	}
}

// Sender delivers one notification to one device token. Best-effort:
// failures are logged by callers and never fatal.
type Sender interface {
	Send(ctx context.Context, token string, n Notification) error
}
