// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

// FileFactory writes each part to <OutputDirectory>/<name>.xml.
type FileFactory struct {
	now    func() time.Time
	logger *slog.Logger
}

// NewFileFactory creates a FileFactory. A nil logger means slog.Default().
func NewFileFactory(logger *slog.Logger) *FileFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileFactory{now: time.Now, logger: logger}
}

// Create opens the part file.
func (f *FileFactory) Create(_ context.Context, item plan.QueryItem, n int) (Output, error) {
	now := f.now()
	name := PartName(item.DefinitionGroupID, n, now)
	path := filepath.Join(item.OutputDirectory, name+".xml")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	f.logger.Debug("creating output", slog.String("path", path))
	return &fileOutput{part: part{name: name, startedAt: now}, file: file, path: path}, nil
}

type fileOutput struct {
	part
	file *os.File
	path string
}

func (o *fileOutput) Writer() io.Writer { return o.file }

// Path is the written file.
func (o *fileOutput) Path() string { return o.path }

func (o *fileOutput) Close(context.Context) error {
	if o.file == nil {
		return nil
	}
	f := o.file
	o.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", o.path, err)
	}
	return f.Close()
}

// State is always Succeeded once the file is written.
func (o *fileOutput) State(context.Context) (models.ExecutionStatus, error) {
	return models.StatusSucceeded, nil
}
