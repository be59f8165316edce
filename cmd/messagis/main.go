// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command messagis is the device-side client: a local cache plus the sync
// engine, driven from the terminal. It exists mainly for exercising a
// deployment end to end; the mobile apps embed the same engine.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/zoubayerBS/messagis/pkg/bus"
	"github.com/zoubayerBS/messagis/pkg/cache"
	"github.com/zoubayerBS/messagis/pkg/chat"
	"github.com/zoubayerBS/messagis/pkg/config"
	"github.com/zoubayerBS/messagis/pkg/store"
	"github.com/zoubayerBS/messagis/pkg/syncengine"
)

func main() {
	_ = godotenv.Load()
	app := &cli.App{
		Name:  "messagis",
		Usage: "messagis device client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8009", Usage: "daemon base URL", EnvVars: []string{"MESSAGIS_SERVER"}},
			&cli.StringFlag{Name: "user", Required: true, Usage: "local user id", EnvVars: []string{"MESSAGIS_USER"}},
			&cli.StringFlag{Name: "cache-dir", Value: ".", Usage: "directory for the local cache database"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yaml", Usage: "path to the YAML config file"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:      "send",
				Usage:     "send a message",
				ArgsUsage: "<content>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Required: true, Usage: "receiver user id"},
					&cli.StringFlag{Name: "type", Value: "text", Usage: "text, image or audio"},
					&cli.BoolFlag{Name: "ephemeral", Usage: "self-destructing message"},
				},
				Action: cmdSend,
			},
			{
				Name:   "chats",
				Usage:  "list recent chats",
				Action: cmdChats,
			},
			{
				Name:  "watch",
				Usage: "open a conversation and stream it live",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "with", Required: true, Usage: "partner user id"},
				},
				Action: cmdWatch,
			},
			{
				Name:      "reveal",
				Usage:     "reveal a self-destructing message",
				ArgsUsage: "<message-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "with", Required: true, Usage: "partner user id"},
				},
				Action: cmdReveal,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type session struct {
	userID string
	client *store.Client
	cache  *cache.Cache
	engine *syncengine.Engine
	bus    bus.Bus
	log    zerolog.Logger
}

func newSession(c *cli.Context) (*session, error) {
	level := zerolog.InfoLevel
	if c.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	userID := c.String("user")
	server := c.String("server")

	bootstrap := store.NewClient(server, "", log)
	token, err := bootstrap.AuthToken(c.Context, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with %s: %w", server, err)
	}
	client := store.NewClient(server, token, log)

	cachePath := filepath.Join(c.String("cache-dir"), fmt.Sprintf("messagis-cache-%s.db", userID))
	localCache, err := cache.New(cachePath, log)
	if err != nil {
		return nil, err
	}

	wsURL := strings.Replace(server, "http", "ws", 1) + "/ws"
	deliveryBus := bus.Dial(wsURL, token, log)

	engine := syncengine.New(userID, client, localCache, deliveryBus, client, syncengine.Config{
		PollInterval:    cfg.Sync.PollInterval,
		DedupWindow:     cfg.Sync.DedupWindow,
		TypingTimeout:   cfg.Sync.TypingTimeout,
		RevealDuration:  cfg.Sync.RevealDuration,
		ToastDuration:   cfg.Sync.ToastDuration,
		MessagePageSize: cfg.Sync.MessagePageSize,
	}, log)

	return &session{
		userID: userID,
		client: client,
		cache:  localCache,
		engine: engine,
		bus:    deliveryBus,
		log:    log,
	}, nil
}

func (s *session) close() {
	s.engine.Stop()
	_ = s.bus.Close()
	_ = s.cache.Close()
}

func cmdSend(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("content argument required")
	}
	sess, err := newSession(c)
	if err != nil {
		return err
	}
	defer sess.close()

	typ := chat.MessageType(c.String("type"))
	if !typ.Valid() {
		return fmt.Errorf("unknown message type %q", c.String("type"))
	}
	content := strings.Join(c.Args().Slice(), " ")

	var msg *chat.Message
	if typ == chat.TypeText {
		msg, err = sess.engine.SendText(c.Context, c.String("to"), content, c.Bool("ephemeral"))
	} else {
		msg, err = sess.engine.SendMedia(c.Context, c.String("to"), typ, content)
	}
	if err != nil {
		return err
	}
	fmt.Printf("sent %s at %s\n", msg.ID, msg.Timestamp.Local().Format(time.Kitchen))
	return nil
}

func cmdChats(c *cli.Context) error {
	sess, err := newSession(c)
	if err != nil {
		return err
	}
	defer sess.close()

	if err = sess.engine.SyncChats(c.Context); err != nil {
		return err
	}
	summaries, err := sess.cache.ListSummaries(c.Context)
	if err != nil {
		return err
	}
	for _, summary := range summaries {
		pin := " "
		if summary.Pinned {
			pin = "*"
		}
		partner := chat.User{UID: summary.PartnerID, Username: summary.PartnerUsername, Email: summary.PartnerEmail}
		fmt.Printf("%s %-20s %-40s unread=%d\n", pin, partner.DisplayName(), chat.Preview(summary.LastMessage.Type, summary.LastMessage.Content, 40), summary.UnreadCount)
	}
	return nil
}

func cmdWatch(c *cli.Context) error {
	sess, err := newSession(c)
	if err != nil {
		return err
	}
	defer sess.close()

	partner := c.String("with")
	sess.engine.SetToastHandler(func(toast *syncengine.Toast) {
		if toast != nil {
			fmt.Printf("\n[toast] %s: %s\n", toast.Title, toast.Body)
		}
	})
	if err = sess.engine.Start(c.Context); err != nil {
		return err
	}
	if err = sess.engine.OpenConversation(c.Context, partner); err != nil {
		return err
	}
	if err = sess.engine.MarkConversationRead(c.Context, partner); err != nil {
		sess.log.Warn().Err(err).Msg("Failed to mark conversation read")
	}

	printThread := func() {
		rows, listErr := sess.cache.ListMessages(c.Context, sess.userID, partner)
		if listErr != nil {
			sess.log.Warn().Err(listErr).Msg("Failed to list messages")
			return
		}
		fmt.Print("\033[2J\033[H")
		for _, row := range rows {
			renderRow(sess, row)
		}
		if sess.engine.PartnerTyping() {
			fmt.Printf("%s is typing...\n", partner)
		}
	}
	printThread()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			printThread()
		}
	}
}

func renderRow(sess *session, row *cache.Row) {
	prefix := "<"
	if row.SenderID == sess.userID {
		prefix = ">"
	}
	switch {
	case row.Deleted:
		fmt.Printf("%s [deleted]\n", prefix)
	case row.SelfDestructing && row.SenderID == sess.userID:
		// The sender never sees the content again, only whether the
		// recipient consumed it.
		if row.Read {
			fmt.Printf("%s [ephemeral, expired]\n", prefix)
		} else {
			fmt.Printf("%s [sent secretly]\n", prefix)
		}
	case row.SelfDestructing:
		switch sess.engine.StateOf(row) {
		case syncengine.RevealRevealing:
			fmt.Printf("%s [ephemeral] %s\n", prefix, row.Content)
		case syncengine.RevealConsumed:
			fmt.Printf("%s [ephemeral, expired]\n", prefix)
		default:
			fmt.Printf("%s [ephemeral, tap to reveal: %s]\n", prefix, row.ID)
		}
	default:
		status := ""
		if row.Status == cache.StatusPending {
			status = " (sending)"
		} else if row.Status == cache.StatusFailed {
			status = " (failed)"
		}
		if row.Edited {
			status += " (edited)"
		}
		fmt.Printf("%s %s%s\n", prefix, chat.Preview(row.Type, row.Content, 120), status)
	}
}

func cmdReveal(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("message id argument required")
	}
	sess, err := newSession(c)
	if err != nil {
		return err
	}
	defer sess.close()

	if err = sess.engine.SyncMessages(c.Context, c.String("with")); err != nil {
		return err
	}
	id := c.Args().First()
	if err = sess.engine.Reveal(c.Context, id); err != nil {
		return err
	}
	row, err := sess.cache.GetMessage(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Println(row.Content)
	return nil
}
