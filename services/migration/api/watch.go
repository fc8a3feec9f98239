// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the cached comparison whenever a cycle file in dir
// is created, rewritten, renamed or removed. It blocks until ctx is done.
//
// Temp files written during an atomic save are ignored; the rename that
// publishes them is reported under the final name.
func (s *Server) Watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create results watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Info("watching results", slog.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isCycleFile(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				s.logger.Debug("results changed",
					slog.String("file", filepath.Base(ev.Name)),
					slog.String("op", ev.Op.String()))
				s.Invalidate()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("results watcher error", slog.String("error", err.Error()))
		}
	}
}

func isCycleFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "cycle-") && strings.HasSuffix(base, ".json")
}
