package push

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

// TokenSource resolves a user's push token and display fields.
type TokenSource interface {
	GetUser(ctx context.Context, uid string) (*chat.User, error)
}

// PresenceSource exposes the global presence roster.
type PresenceSource interface {
	PresenceMembers(ctx context.Context, channel string) ([]string, error)
}

// Dispatcher decides whether a message warrants a push: only when the
// receiver has a known token and is not confirmed connected via presence.
// A connected receiver gets the in-app toast instead; the two paths are
// mutually exclusive so nobody is notified twice.
type Dispatcher struct {
	Tokens   TokenSource
	Presence PresenceSource
	Sender   Sender
	Log      zerolog.Logger
}

func (d *Dispatcher) Notify(ctx context.Context, msg *chat.Message) {
	if d.Sender == nil {
		return
	}
	log := d.Log.With().Str("message_id", msg.ID).Str("receiver_id", msg.ReceiverID).Logger()

	members, err := d.Presence.PresenceMembers(ctx, chat.PresenceChannel)
	if err != nil {
		log.Warn().Err(err).Msg("Presence lookup failed, assuming receiver offline")
	}
	for _, member := range members {
		if member == msg.ReceiverID {
			log.Debug().Msg("Receiver connected, skipping push")
			return
		}
	}

	receiver, err := d.Tokens.GetUser(ctx, msg.ReceiverID)
	if err != nil {
		if !errors.Is(err, chat.ErrNotFound) {
			log.Warn().Err(err).Msg("Receiver lookup failed")
		}
		return
	}
	if receiver.FCMToken == "" {
		return
	}

	senderDisplay := "Messagis"
	if sender, senderErr := d.Tokens.GetUser(ctx, msg.SenderID); senderErr == nil {
		senderDisplay = sender.DisplayName()
	}

	if err = d.Sender.Send(ctx, receiver.FCMToken, Build(msg, senderDisplay)); err != nil {
		// Best effort only: the message is already durable and the
		// fallback poll converges the receiver's cache regardless.
		log.Warn().Err(err).Msg("Push send failed")
	}
}
