// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists cycle results.
//
// Two backends implement Repository: a directory of JSON files, one per
// cycle, and an embedded BadgerDB. Both store the same sanitized JSON
// document and order cycles by id, which sorts chronologically.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/sanitize"
)

var (
	// ErrInvalidCycleID indicates an id that is not of the form cycle-<timestamp>.
	ErrInvalidCycleID = errors.New("invalid cycle id")

	// ErrNilResult indicates Save was called without a result.
	ErrNilResult = errors.New("cycle result must not be nil")
)

// DefaultMaxCyclesToRetain bounds the number of stored cycles.
const DefaultMaxCyclesToRetain = 50

var cycleIDPattern = regexp.MustCompile(`^cycle-[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{6}$`)

var (
	saveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "d365migrate",
		Subsystem: "storage",
		Name:      "saves_total",
		Help:      "Cycle result saves by backend and result",
	}, []string{"backend", "result"})

	prunedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "d365migrate",
		Subsystem: "storage",
		Name:      "pruned_total",
		Help:      "Cycle results deleted by retention",
	}, []string{"backend"})
)

// Repository stores and retrieves cycle results.
//
// Thread Safety:
//
//	Implementations are safe for concurrent use.
type Repository interface {
	// Save persists a sanitized copy of result. The argument is not modified.
	Save(ctx context.Context, result *models.CycleResult) error

	// GetByID returns the cycle, or nil and no error when it does not exist.
	GetByID(ctx context.Context, id string) (*models.CycleResult, error)

	// GetLatest returns up to n cycles, newest first.
	GetLatest(ctx context.Context, n int) ([]*models.CycleResult, error)

	// ListIDs returns every stored cycle id, newest first.
	ListIDs(ctx context.Context) ([]string, error)
}

// ValidCycleID reports whether id has the cycle-<yyyy-MM-ddTHHmmss> form.
func ValidCycleID(id string) bool {
	return cycleIDPattern.MatchString(id)
}

// cycleIDFor returns the id a result is stored under.
func cycleIDFor(result *models.CycleResult) (string, error) {
	id := result.CycleID
	if id == "" && !result.Timestamp.IsZero() {
		id = models.NewCycleID(result.Timestamp)
	}
	if !ValidCycleID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCycleID, id)
	}
	return id, nil
}

// jsonCodec holds the serialization options for stored results.
type jsonCodec struct {
	prefix string
	indent string
}

// resultCodec writes indented camelCase JSON. Field names and omission
// rules come from the models struct tags.
var resultCodec = jsonCodec{indent: "  "}

func (c jsonCodec) encode(result *models.CycleResult) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent(c.prefix, c.indent)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(result); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c jsonCodec) decode(data []byte) (*models.CycleResult, error) {
	var result models.CycleResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// sanitizedCopy returns a deep copy of result with every error message
// passed through s.
func sanitizedCopy(result *models.CycleResult, s sanitize.Sanitizer) *models.CycleResult {
	out := result.Clone()
	for i := range out.Results {
		for j := range out.Results[i].Errors {
			out.Results[i].Errors[j].Message = s.Sanitize(out.Results[i].Errors[j].Message)
		}
	}
	return out
}

// idsToPrune returns the ids beyond the newest keep, given ids in any order.
func idsToPrune(ids []string, keep int) []string {
	if keep <= 0 || len(ids) <= keep {
		return nil
	}
	sorted := append([]string(nil), ids...)
	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))
	return sorted[keep:]
}
