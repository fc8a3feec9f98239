// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs a migration plan level by level and collects the
// outcome of every entity into a CycleResult.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

// Mode selects the destination of a run.
type Mode string

const (
	ModeFile    Mode = "file"
	ModePackage Mode = "package"
	ModeD365    Mode = "d365"
)

// ParseMode accepts a mode name in any casing.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFile, ModePackage, ModeD365:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

// Part is one unit of output produced for an entity, such as a file or
// an import job.
type Part interface {
	// Name identifies the part. For D365 imports it is the execution id.
	Name() string

	// StartedAt is when the part was handed to its destination.
	StartedAt() time.Time

	// State returns the current execution status.
	State(ctx context.Context) (models.ExecutionStatus, error)
}

// RecordCounter is implemented by parts that know how many records they
// carry.
type RecordCounter interface {
	Records() int64
}

// Processor turns one planned entity into parts.
type Processor interface {
	Process(ctx context.Context, item plan.QueryItem) ([]Part, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item plan.QueryItem) ([]Part, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, item plan.QueryItem) ([]Part, error) {
	return f(ctx, item)
}

// Plan supplies execution levels in order. *plan.Collection satisfies it.
type Plan interface {
	SortedQueries() [][]plan.QueryItem
}

const (
	// DefaultImportTimeout bounds how long a part may stay non-terminal.
	DefaultImportTimeout = 60 * time.Minute

	// DefaultPollInterval is the delay between status checks.
	DefaultPollInterval = 15 * time.Second
)

// Config tunes an Executor.
type Config struct {
	// MaxDegreeOfParallelism bounds concurrent units per level.
	// Zero or negative means unbounded.
	MaxDegreeOfParallelism int

	// ImportTimeout is measured from each part's StartedAt.
	// Zero or negative means DefaultImportTimeout.
	ImportTimeout time.Duration

	// PollInterval is the delay between status sweeps.
	// Zero or negative means DefaultPollInterval.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ImportTimeout <= 0 {
		c.ImportTimeout = DefaultImportTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}
