// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config holds the YAML configuration shared by the daemon and
// the device CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Push   PushConfig   `yaml:"push"`
	Sync   SyncConfig   `yaml:"sync"`
	DB     DBConfig     `yaml:"db"`
	Log    LogConfig    `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	PublicURL  string `yaml:"public_url"`
	JWTSecret  string `yaml:"jwt_secret"`
	// BusTokenTTL bounds how long a minted websocket token stays valid.
	BusTokenTTL time.Duration `yaml:"bus_token_ttl"`
}

type PushConfig struct {
	// CredentialsFile is the Firebase service-account JSON. Empty
	// disables push entirely.
	CredentialsFile string `yaml:"credentials_file"`
}

type SyncConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
	TypingTimeout   time.Duration `yaml:"typing_timeout"`
	RevealDuration  time.Duration `yaml:"reveal_duration"`
	ToastDuration   time.Duration `yaml:"toast_duration"`
	MessagePageSize int           `yaml:"message_page_size"`
}

type DBConfig struct {
	// Path is the server store. The device cache path lives with each
	// CLI profile, not here.
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// PostProcess fills defaults after unmarshalling. Env vars override the
// secrets so a committed config file never needs to carry them.
func (c *Config) PostProcess() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8009"
	}
	if c.Server.BusTokenTTL <= 0 {
		c.Server.BusTokenTTL = 24 * time.Hour
	}
	if secret := os.Getenv("MESSAGIS_JWT_SECRET"); secret != "" {
		c.Server.JWTSecret = secret
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && c.Push.CredentialsFile == "" {
		c.Push.CredentialsFile = creds
	}
	if c.Sync.PollInterval <= 0 {
		c.Sync.PollInterval = 30 * time.Second
	}
	if c.Sync.DedupWindow <= 0 {
		c.Sync.DedupWindow = 10 * time.Second
	}
	if c.Sync.TypingTimeout <= 0 {
		c.Sync.TypingTimeout = 7 * time.Second
	}
	if c.Sync.RevealDuration <= 0 {
		c.Sync.RevealDuration = 5 * time.Second
	}
	if c.Sync.ToastDuration <= 0 {
		c.Sync.ToastDuration = 5 * time.Second
	}
	if c.Sync.MessagePageSize <= 0 {
		c.Sync.MessagePageSize = 50
	}
	if c.DB.Path == "" {
		c.DB.Path = "messagis.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Load reads and post-processes a config file. A missing file yields the
// pure-defaults config rather than an error.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.PostProcess()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.PostProcess()
	return &cfg, nil
}
