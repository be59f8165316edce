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
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/zoubayerBS/messagis/pkg/bus"
	"github.com/zoubayerBS/messagis/pkg/config"
	"github.com/zoubayerBS/messagis/pkg/push"
	"github.com/zoubayerBS/messagis/pkg/store"
)

func main() {
	_ = godotenv.Load()
	app := &cli.App{
		Name:  "messagisd",
		Usage: "messagis server: durable store, delivery hub and push dispatch",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML config file",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Log.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret (or MESSAGIS_JWT_SECRET) is required")
	}
	log := newLogger(cfg)

	db, err := store.New(cfg.DB.Path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	hub := bus.NewHub()
	defer hub.Close()

	dispatcher := &push.Dispatcher{
		Tokens:   db,
		Presence: hub,
		Log:      log,
	}
	if cfg.Push.CredentialsFile != "" {
		sender, fcmErr := push.NewFCMSender(context.Background(), cfg.Push.CredentialsFile, log)
		if fcmErr != nil {
			return fmt.Errorf("failed to init push sender: %w", fcmErr)
		}
		dispatcher.Sender = sender
		log.Info().Msg("Push notifications enabled")
	} else {
		log.Info().Msg("No push credentials configured, push disabled")
	}

	api := &apiServer{
		store:      db,
		hub:        hub,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
	}
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: api.router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = config.Watch(ctx, c.String("config"), log, func(newCfg *config.Config) {
		api.setConfig(newCfg)
	}); err != nil {
		log.Warn().Err(err).Msg("Config watch unavailable")
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("messagisd listening")
		if serveErr := srv.ListenAndServe(); !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		}
	}()

	select {
	case err = <-errChan:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
