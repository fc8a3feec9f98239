// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/AleutianAI/d365migrate/services/migration/sanitize"
)

// Backend names a Repository implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendBadger Backend = "badger"
)

// Options selects and configures a backend.
type Options struct {
	Backend           Backend
	Dir               string
	MaxCyclesToRetain int
	Sanitizer         sanitize.Sanitizer
	Logger            *slog.Logger
}

// Open returns the configured repository and a function that releases it.
// An empty Backend means BackendFile. The badger database lives in a
// "badger" subdirectory of Dir.
func Open(opts Options) (Repository, func() error, error) {
	switch opts.Backend {
	case "", BackendFile:
		repo, err := NewFileRepository(FileOptions{
			Dir:               opts.Dir,
			MaxCyclesToRetain: opts.MaxCyclesToRetain,
			Sanitizer:         opts.Sanitizer,
			Logger:            opts.Logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return repo, func() error { return nil }, nil
	case BackendBadger:
		bopts := DefaultBadgerOptions(filepath.Join(opts.Dir, "badger"))
		bopts.MaxCyclesToRetain = opts.MaxCyclesToRetain
		bopts.Sanitizer = opts.Sanitizer
		bopts.Logger = opts.Logger
		repo, err := OpenBadgerRepository(bopts)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown persistence backend %q", opts.Backend)
	}
}
