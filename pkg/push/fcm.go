package push

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// FCMSender sends data-only high-priority messages through Firebase Cloud
// Messaging.
type FCMSender struct {
	client *messaging.Client
	log    zerolog.Logger
}

var _ Sender = (*FCMSender)(nil)

func NewFCMSender(ctx context.Context, credentialsFile string, log zerolog.Logger) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init fcm client: %w", err)
	}
	return &FCMSender{client: client, log: log.With().Str("component", "fcm").Logger()}, nil
}

func (s *FCMSender) Send(ctx context.Context, token string, n Notification) error {
	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"title":        n.Title,
			"body":         n.Body,
			"senderId":     n.SenderID,
			"receiverId":   n.ReceiverID,
			"type":         string(n.Type),
			"content":      n.Content,
			"id":           n.MessageID,
			"timestamp":    n.Timestamp.UTC().Format(time.RFC3339),
			"click_action": n.ClickAction,
			"tag":          n.Tag,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					Sound:            "default",
					ThreadID:         n.Tag,
				},
			},
		},
	}
	id, err := s.client.Send(ctx, msg)
	if err != nil {
		return err
	}
	s.log.Debug().Str("fcm_id", id).Str("message_id", n.MessageID).Msg("Push sent")
	return nil
}
