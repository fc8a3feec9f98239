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
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

// Names of the package entries.
const (
	ManifestEntry      = "Manifest.xml"
	PackageHeaderEntry = "PackageHeader.xml"
)

// openPackage starts a data package on w: the manifest and the header
// are copied in, then the entity entry is opened for writing.
func openPackage(w io.Writer, item plan.QueryItem) (*zip.Writer, io.Writer, error) {
	if _, err := os.Stat(item.ManifestFileName); err != nil {
		return nil, nil, fmt.Errorf("manifest file not found for entity '%s': %s", item.EntityName, item.ManifestFileName)
	}
	if _, err := os.Stat(item.PackageHeaderFileName); err != nil {
		return nil, nil, fmt.Errorf("package header file not found for entity '%s': %s", item.EntityName, item.PackageHeaderFileName)
	}

	zw := zip.NewWriter(w)
	if err := copyEntry(zw, ManifestEntry, item.ManifestFileName); err != nil {
		_ = zw.Close()
		return nil, nil, err
	}
	if err := copyEntry(zw, PackageHeaderEntry, item.PackageHeaderFileName); err != nil {
		_ = zw.Close()
		return nil, nil, err
	}
	entry, err := zw.Create(item.EntityName + ".xml")
	if err != nil {
		_ = zw.Close()
		return nil, nil, fmt.Errorf("create %s entry: %w", item.EntityName, err)
	}
	return zw, entry, nil
}

func copyEntry(zw *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()
	dst, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s entry: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	return nil
}

// PackageFactory writes each part to <OutputDirectory>/<name>.zip and
// optionally mirrors the finished package.
type PackageFactory struct {
	mirror Mirror
	now    func() time.Time
	logger *slog.Logger
}

// NewPackageFactory creates a PackageFactory. mirror may be nil.
func NewPackageFactory(mirror Mirror, logger *slog.Logger) *PackageFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &PackageFactory{mirror: mirror, now: time.Now, logger: logger}
}

// Create opens the zip file and starts the package.
func (f *PackageFactory) Create(_ context.Context, item plan.QueryItem, n int) (Output, error) {
	now := f.now()
	name := PartName(item.DefinitionGroupID, n, now)
	path := filepath.Join(item.OutputDirectory, name+".zip")

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	zw, entry, err := openPackage(file, item)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, err
	}
	f.logger.Debug("creating package", slog.String("path", path))
	return &packageOutput{
		part:   part{name: name, startedAt: now},
		file:   file,
		zip:    zw,
		entry:  entry,
		path:   path,
		mirror: f.mirror,
		logger: f.logger,
	}, nil
}

type packageOutput struct {
	part
	file   *os.File
	zip    *zip.Writer
	entry  io.Writer
	path   string
	mirror Mirror
	logger *slog.Logger
}

func (o *packageOutput) Writer() io.Writer { return o.entry }

// Path is the written package.
func (o *packageOutput) Path() string { return o.path }

func (o *packageOutput) Close(ctx context.Context) error {
	if o.file == nil {
		return nil
	}
	f := o.file
	o.file = nil
	zerr := o.zip.Close()
	serr := f.Sync()
	cerr := f.Close()
	if err := errors.Join(zerr, serr, cerr); err != nil {
		return fmt.Errorf("finish package %s: %w", o.path, err)
	}
	if o.mirror == nil {
		return nil
	}
	if err := o.mirror.Upload(ctx, o.path, filepath.Base(o.path)); err != nil {
		return fmt.Errorf("mirror package %s: %w", o.name, err)
	}
	o.logger.Info("package mirrored", slog.String("part", o.name))
	return nil
}

// State is always Succeeded once the package is written.
func (o *packageOutput) State(context.Context) (models.ExecutionStatus, error) {
	return models.StatusSucceeded, nil
}
