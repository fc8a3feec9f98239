// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export reads entity rows from a SQL source and writes them as
// XML documents to files, zip packages or Dynamics 365 imports.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/d365migrate/services/migration/pipeline"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

// Output is an open part accepting one XML document.
type Output interface {
	pipeline.Part

	// Writer receives the document bytes.
	Writer() io.Writer

	// Close flushes the document and runs the destination's post-write
	// processing, such as uploading and importing a package.
	Close(ctx context.Context) error
}

// Factory creates the outputs of one destination.
type Factory interface {
	// Create opens part number part of item. Part 0 is the first.
	Create(ctx context.Context, item plan.QueryItem, part int) (Output, error)
}

// Mirror copies finished packages to secondary storage.
type Mirror interface {
	Upload(ctx context.Context, localPath, objectName string) error
}

// partTimeLayout formats the time suffix of part names as yyddMM_HHmmss.
const partTimeLayout = "060201_150405"

// PartName builds the name of part number part of a definition group:
// <group>_<yyddMM_HHmmss_ffff> for the first part and
// <group>_Part<n>_<yyddMM_HHmmss_ffff> for the others.
func PartName(definitionGroupID string, part int, t time.Time) string {
	// yyddMM: year, day, month.
	stamp := fmt.Sprintf("%s_%04d", t.Format(partTimeLayout), t.Nanosecond()/100000)
	if part > 0 {
		return fmt.Sprintf("%s_Part%d_%s", definitionGroupID, part, stamp)
	}
	return definitionGroupID + "_" + stamp
}

// ClearDirectory removes the regular files directly inside dir.
// Subdirectories, such as the results directory, are kept.
func ClearDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read output directory: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// part carries the fields shared by every output.
type part struct {
	name      string
	startedAt time.Time
}

func (p *part) Name() string         { return p.name }
func (p *part) StartedAt() time.Time { return p.startedAt }
