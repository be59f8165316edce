package chat

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a message or settings row does not exist.
var ErrNotFound = errors.New("not found")

// ErrExpired is returned when an ephemeral message is revealed a second
// time: the content was consumed on first reveal and is never shown again.
var ErrExpired = errors.New("message expired")

// ErrMessageDeleted short-circuits any reveal or render attempt on a
// tombstoned message.
var ErrMessageDeleted = errors.New("message deleted")

// PersistenceError wraps server-of-record failures: store unavailable or
// constraint violations. Surfaced to the initiator; the optimistic row is
// marked failed, never silently dropped.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// DeliveryError wraps bus publish/subscribe failures. Logged, never fatal:
// the fallback poll covers missed deliveries.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery: %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// PullError wraps a failed content hydration for a single event. The
// reconciliation loop skips that event and keeps running.
type PullError struct {
	MessageID string
	Err       error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull %s: %v", e.MessageID, e.Err)
}

func (e *PullError) Unwrap() error {
	return e.Err
}

// AuthorizationError rejects edits/deletes by non-senders and edits of
// already-read messages, with a user-facing reason and no state change.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return e.Reason
}
