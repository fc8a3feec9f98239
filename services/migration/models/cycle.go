// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package models holds the result types shared by the pipeline, the
// repositories and the analysis services.
package models

import (
	"time"
)

// CycleIDPrefix starts every cycle id.
const CycleIDPrefix = "cycle-"

// CycleIDLayout formats the timestamp part of a cycle id.
const CycleIDLayout = "2006-01-02T150405"

// AllEntities is recorded in EntitiesRequested when no filter was given.
const AllEntities = "all"

// NewCycleID derives the cycle id from its start time, in UTC.
func NewCycleID(start time.Time) string {
	return CycleIDPrefix + start.UTC().Format(CycleIDLayout)
}

// CycleResult is the outcome of one pipeline run.
type CycleResult struct {
	CycleID           string         `json:"cycleId"`
	Command           string         `json:"command"`
	Timestamp         time.Time      `json:"timestamp"`
	EntitiesRequested []string       `json:"entitiesRequested,omitempty"`
	Results           []EntityResult `json:"results"`
	Summary           CycleSummary   `json:"summary"`
	TotalEntities     int            `json:"totalEntities"`
	Succeeded         int            `json:"succeeded"`
	Failed            int            `json:"failed"`
	TotalDurationMs   int64          `json:"totalDurationMs"`
}

// CycleSummary aggregates entity statuses.
type CycleSummary struct {
	TotalEntities   int   `json:"totalEntities"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Warnings        int   `json:"warnings"`
	Skipped         int   `json:"skipped"`
	TotalDurationMs int64 `json:"totalDurationMs"`
}

// EntityResult is the outcome of one entity in a cycle.
type EntityResult struct {
	EntityName        string        `json:"entityName"`
	DefinitionGroupID string        `json:"definitionGroupId"`
	Status            EntityStatus  `json:"status"`
	RecordCount       int64         `json:"recordCount"`
	DurationMs        int64         `json:"durationMs"`
	Errors            []EntityError `json:"errors"`
}

// EntityError is one classified failure of an entity.
type EntityError struct {
	Message     string        `json:"message"`
	Fingerprint string        `json:"fingerprint"`
	Category    ErrorCategory `json:"category"`
}

// Summarize counts entity statuses and sums their durations.
func Summarize(results []EntityResult, total time.Duration) CycleSummary {
	s := CycleSummary{
		TotalEntities:   len(results),
		TotalDurationMs: total.Milliseconds(),
	}
	for _, r := range results {
		switch r.Status {
		case EntitySuccess:
			s.Succeeded++
		case EntityFailed:
			s.Failed++
		case EntityWarning:
			s.Warnings++
		case EntitySkipped:
			s.Skipped++
		}
	}
	return s
}

// Clone returns a deep copy of c.
func (c *CycleResult) Clone() *CycleResult {
	if c == nil {
		return nil
	}
	out := *c
	if c.EntitiesRequested != nil {
		out.EntitiesRequested = append([]string(nil), c.EntitiesRequested...)
	}
	if c.Results != nil {
		out.Results = make([]EntityResult, len(c.Results))
		for i, r := range c.Results {
			out.Results[i] = r
			if r.Errors != nil {
				out.Results[i].Errors = append(make([]EntityError, 0, len(r.Errors)), r.Errors...)
			}
		}
	}
	return &out
}

// ErrorCount returns the number of errors recorded for entityName, or 0
// if the entity is absent.
func (c *CycleResult) ErrorCount(entityName string) int {
	for _, r := range c.Results {
		if r.EntityName == entityName {
			return len(r.Errors)
		}
	}
	return 0
}
