// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zoubayerBS/messagis/pkg/chat"
)

// Client talks to a remote messagis daemon over its REST API. It satisfies
// the same contract as the local Store, so the sync engine cannot tell
// them apart.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "store_client").Logger(),
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &chat.PersistenceError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		switch resp.StatusCode {
		case http.StatusNotFound:
			return chat.ErrNotFound
		case http.StatusGone:
			return chat.ErrExpired
		case http.StatusForbidden:
			return &chat.AuthorizationError{Reason: apiErr.Error}
		default:
			return &chat.PersistenceError{
				Op:  method + " " + path,
				Err: fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error),
			}
		}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) CreateMessage(ctx context.Context, draft Draft) (*chat.Message, error) {
	var msg chat.Message
	if err := c.do(ctx, http.MethodPost, "/api/messages", draft, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) GetMessageByID(ctx context.Context, id string) (*chat.Message, error) {
	var msg chat.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) GetMessages(ctx context.Context, viewerID, partnerID string, limit, offset int) ([]*chat.Message, error) {
	query := url.Values{
		"viewer_id":  {viewerID},
		"partner_id": {partnerID},
		"limit":      {strconv.Itoa(limit)},
		"offset":     {strconv.Itoa(offset)},
	}
	var msgs []*chat.Message
	if err := c.do(ctx, http.MethodGet, "/api/messages?"+query.Encode(), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *Client) MarkConversationRead(ctx context.Context, receiverID, senderID string) error {
	body := map[string]string{"senderId": senderID}
	return c.do(ctx, http.MethodPost, "/api/conversations/read", body, nil)
}

// EditMessage sends only the new content; the daemon takes the editor
// identity from the token, not from this client.
func (c *Client) EditMessage(ctx context.Context, id, newContent, editorID string) error {
	body := map[string]string{"content": newContent}
	return c.do(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(id), body, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, id, requesterID string) error {
	return c.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ToggleReaction(ctx context.Context, messageID, userID, emoji string) error {
	body := map[string]string{"emoji": emoji}
	return c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/reactions", body, nil)
}

func (c *Client) TogglePin(ctx context.Context, userID, partnerID string) error {
	return c.chatToggle(ctx, "pin", userID, partnerID)
}

func (c *Client) ToggleArchive(ctx context.Context, userID, partnerID string) error {
	return c.chatToggle(ctx, "archive", userID, partnerID)
}

func (c *Client) ClearConversation(ctx context.Context, userID, partnerID string) error {
	return c.chatToggle(ctx, "clear", userID, partnerID)
}

func (c *Client) chatToggle(ctx context.Context, action, userID, partnerID string) error {
	return c.do(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(partnerID)+"/"+action, nil, nil)
}

func (c *Client) RecentChats(ctx context.Context, userID string) ([]*chat.ChatSummary, error) {
	var summaries []*chat.ChatSummary
	if err := c.do(ctx, http.MethodGet, "/api/chats?user_id="+url.QueryEscape(userID), nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (c *Client) GetUser(ctx context.Context, uid string) (*chat.User, error) {
	var user chat.User
	if err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(uid), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpsertUser registers or refreshes a user profile.
func (c *Client) UpsertUser(ctx context.Context, user *chat.User) error {
	return c.do(ctx, http.MethodPost, "/api/users", user, nil)
}

// SetFCMToken registers the device push token with the daemon.
func (c *Client) SetFCMToken(ctx context.Context, uid, token string) error {
	body := map[string]string{"token": token}
	return c.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(uid)+"/fcm-token", body, nil)
}

// AuthToken performs the trusted-environment bootstrap: it trades a user
// id for an API token without prior credentials. Works on a tokenless
// client.
func (c *Client) AuthToken(ctx context.Context, uid string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"userId": uid}
	if err := c.do(ctx, http.MethodPost, "/api/auth/token", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// BusToken asks the daemon for a websocket token for the given user.
func (c *Client) BusToken(ctx context.Context, uid string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"userId": uid}
	if err := c.do(ctx, http.MethodPost, "/api/bus/token", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// RequestPush satisfies the engine's push hook: the daemon decides whether
// the receiver actually needs a push.
func (c *Client) RequestPush(ctx context.Context, msg *chat.Message) {
	if err := c.do(ctx, http.MethodPost, "/api/push/request", msg, nil); err != nil {
		c.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Push request failed")
	}
}
