// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zoubayerBS/messagis/pkg/bus"
	"github.com/zoubayerBS/messagis/pkg/chat"
	"github.com/zoubayerBS/messagis/pkg/config"
	"github.com/zoubayerBS/messagis/pkg/push"
	"github.com/zoubayerBS/messagis/pkg/store"
)

type apiServer struct {
	store      *store.Store
	hub        *bus.Hub
	dispatcher *push.Dispatcher
	log        zerolog.Logger

	cfgMu sync.RWMutex
	cfg   *config.Config
}

func (a *apiServer) config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

func (a *apiServer) setConfig(cfg *config.Config) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	a.cfg = cfg
}

func (a *apiServer) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	wsServer := &bus.Server{Hub: a.hub, JWTSecret: a.config().Server.JWTSecret, Log: a.log}
	r.GET("/ws", wsServer.Handle)

	r.POST("/api/auth/token", a.mintToken)

	api := r.Group("/api", a.authMiddleware)
	{
		api.POST("/messages", a.createMessage)
		api.GET("/messages", a.listMessages)
		api.GET("/messages/:id", a.getMessage)
		api.PUT("/messages/:id", a.editMessage)
		api.DELETE("/messages/:id", a.deleteMessage)
		api.POST("/messages/:id/read", a.markRead)
		api.POST("/messages/:id/reactions", a.toggleReaction)
		api.POST("/conversations/read", a.markConversationRead)
		api.GET("/chats", a.recentChats)
		api.POST("/chats/:partner/pin", a.togglePin)
		api.POST("/chats/:partner/archive", a.toggleArchive)
		api.POST("/chats/:partner/clear", a.clearConversation)
		api.POST("/users", a.upsertUser)
		api.GET("/users/:uid", a.getUser)
		api.POST("/users/:uid/fcm-token", a.setFCMToken)
		api.POST("/bus/token", a.busToken)
		api.POST("/push/request", a.requestPush)
	}
	return r
}

// mintToken is the trusted-environment bootstrap: it trades a user id for
// an API/bus token. A production deployment fronts this with real identity
// (the mobile clients authenticate with Firebase before reaching here).
func (a *apiServer) mintToken(c *gin.Context) {
	var body struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg := a.config()
	token, err := bus.MintToken(cfg.Server.JWTSecret, body.UserID, cfg.Server.BusTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (a *apiServer) authMiddleware(c *gin.Context) {
	header := c.GetHeader("Authorization")
	tokenStr, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenStr == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	userID, err := bus.ParseToken(a.config().Server.JWTSecret, tokenStr)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set("user_id", userID)
	c.Next()
}

func (a *apiServer) writeError(c *gin.Context, err error) {
	var authErr *chat.AuthorizationError
	switch {
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, chat.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "expired"})
	case errors.As(err, &authErr):
		c.JSON(http.StatusForbidden, gin.H{"error": authErr.Reason})
	default:
		a.log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (a *apiServer) createMessage(c *gin.Context) {
	var draft store.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if draft.SenderID != c.GetString("user_id") {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender mismatch"})
		return
	}
	msg, err := a.store.CreateMessage(c.Request.Context(), draft)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (a *apiServer) listMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	msgs, err := a.store.GetMessages(c.Request.Context(), c.Query("viewer_id"), c.Query("partner_id"), limit, offset)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (a *apiServer) getMessage(c *gin.Context) {
	msg, err := a.store.GetMessageByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (a *apiServer) editMessage(c *gin.Context) {
	var body struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.store.EditMessage(c.Request.Context(), c.Param("id"), body.Content, c.GetString("user_id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *apiServer) deleteMessage(c *gin.Context) {
	if err := a.store.DeleteMessage(c.Request.Context(), c.Param("id"), c.GetString("user_id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *apiServer) markRead(c *gin.Context) {
	if err := a.store.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *apiServer) toggleReaction(c *gin.Context) {
	var body struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.store.ToggleReaction(c.Request.Context(), c.Param("id"), c.GetString("user_id"), body.Emoji); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *apiServer) markConversationRead(c *gin.Context) {
	var body struct {
		SenderID string `json:"senderId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.store.MarkConversationRead(c.Request.Context(), c.GetString("user_id"), body.SenderID); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *apiServer) recentChats(c *gin.Context) {
	summaries, err := a.store.RecentChats(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if summaries == nil {
		summaries = []*chat.ChatSummary{}
	}
	c.JSON(http.StatusOK, summaries)
}

func (a *apiServer) togglePin(c *gin.Context) {
	if err := a.store.TogglePin(c.Request.Context(), c.GetString("user_id"), c.Param("partner")); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *apiServer) toggleArchive(c *gin.Context) {
	if err := a.store.ToggleArchive(c.Request.Context(), c.GetString("user_id"), c.Param("partner")); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *apiServer) clearConversation(c *gin.Context) {
	if err := a.store.ClearConversation(c.Request.Context(), c.GetString("user_id"), c.Param("partner")); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *apiServer) upsertUser(c *gin.Context) {
	var user chat.User
	if err := c.ShouldBindJSON(&user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if user.UID == "" {
		user.UID = c.GetString("user_id")
	}
	if err := a.store.UpsertUser(c.Request.Context(), &user); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *apiServer) getUser(c *gin.Context) {
	user, err := a.store.GetUser(c.Request.Context(), c.Param("uid"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (a *apiServer) setFCMToken(c *gin.Context) {
	var body struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.store.SetFCMToken(c.Request.Context(), c.Param("uid"), body.Token); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *apiServer) busToken(c *gin.Context) {
	cfg := a.config()
	token, err := bus.MintToken(cfg.Server.JWTSecret, c.GetString("user_id"), cfg.Server.BusTokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// requestPush runs the dispatcher for a committed message. The sender's
// device calls this right after publishing; the decision whether to
// actually push (token known, receiver absent from presence) stays here.
func (a *apiServer) requestPush(c *gin.Context) {
	var msg chat.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// Detached from the request context: the response returns immediately
	// and the push proceeds in the background.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.dispatcher.Notify(ctx, &msg)
	}()
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}
