package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

func (s *Store) UpsertUser(ctx context.Context, user *chat.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO "user" (uid, username, email, fcm_token) VALUES ($1, $2, $3, $4)
		ON CONFLICT (uid) DO UPDATE SET
			username=excluded.username,
			email=excluded.email,
			fcm_token=excluded.fcm_token
	`, user.UID, user.Username, user.Email, user.FCMToken)
	if err != nil {
		return &chat.PersistenceError{Op: "upsert user", Err: err}
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, uid string) (*chat.User, error) {
	var user chat.User
	err := s.db.QueryRow(ctx,
		`SELECT uid, username, email, fcm_token FROM "user" WHERE uid=$1`, uid,
	).Scan(&user.UID, &user.Username, &user.Email, &user.FCMToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &user, nil
}

// SetFCMToken stores the device push token for a user. An empty token
// disables push for that user.
func (s *Store) SetFCMToken(ctx context.Context, uid, token string) error {
	res, err := s.db.Exec(ctx, `UPDATE "user" SET fcm_token=$1 WHERE uid=$2`, token, uid)
	if err != nil {
		return &chat.PersistenceError{Op: "set fcm token", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrNotFound
	}
	return nil
}
