// messagis - a direct-messaging chat app with an offline-first sync core.
// Copyright (C) 2025 messagis authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reloads the config whenever the file changes and hands each
// successfully parsed version to onReload. Editors often replace the file
// (rename+create), so the parent directory is watched, not the file.
func Watch(ctx context.Context, path string, log zerolog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err = watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != absPath || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				cfg, loadErr := Load(absPath)
				if loadErr != nil {
					log.Warn().Err(loadErr).Msg("Config reload failed, keeping previous config")
					continue
				}
				log.Info().Msg("Config reloaded")
				onReload(cfg)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(watchErr).Msg("Config watcher error")
			}
		}
	}()
	return nil
}
