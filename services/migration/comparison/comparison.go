// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package comparison classifies the errors of one cycle against an
// earlier cycle by fingerprint.
package comparison

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/storage"
)

// ErrNilRepository indicates a Service was created without a repository.
var ErrNilRepository = errors.New("repository must not be nil")

// Classification tells whether an error was seen in the previous cycle.
type Classification string

const (
	ClassificationNew       Classification = "new"
	ClassificationCarryOver Classification = "carryOver"
)

// ClassifiedError is a current-cycle error with its classification.
type ClassifiedError struct {
	EntityName     string               `json:"entityName"`
	Message        string               `json:"message"`
	Fingerprint    string               `json:"fingerprint"`
	Classification Classification       `json:"classification"`
	Category       models.ErrorCategory `json:"category"`
}

// EntityComparison is the per-entity breakdown.
type EntityComparison struct {
	EntityName           string              `json:"entityName"`
	CurrentStatus        models.EntityStatus `json:"currentStatus"`
	NewErrors            []ClassifiedError   `json:"newErrors"`
	CarryOverErrors      []ClassifiedError   `json:"carryOverErrors"`
	ResolvedFingerprints []string            `json:"resolvedFingerprints"`
}

// Result compares two cycles. When IsFirstCycle is set there was nothing
// to compare against and EntityComparisons is empty.
type Result struct {
	CurrentCycleID       string             `json:"currentCycleId"`
	PreviousCycleID      string             `json:"previousCycleId,omitempty"`
	Timestamp            time.Time          `json:"timestamp"`
	IsFirstCycle         bool               `json:"isFirstCycle"`
	EntityComparisons    []EntityComparison `json:"entityComparisons"`
	TotalNewErrors       int                `json:"totalNewErrors"`
	TotalCarryOverErrors int                `json:"totalCarryOverErrors"`
	TotalResolvedErrors  int                `json:"totalResolvedErrors"`
}

// Service compares stored cycles.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Service struct {
	repo   storage.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a comparison service reading from repo.
func NewService(repo storage.Repository, logger *slog.Logger) (*Service, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}, nil
}

// Compare classifies the errors of the current cycle against the previous one.
//
// Description:
//
//	With no currentID the two most recent cycles are compared. With a
//	currentID, the previous cycle is previousID when given, otherwise the
//	most recent of the latest two cycles whose id differs from currentID.
//	A missing current cycle yields IsFirstCycle with an empty id; a
//	missing previous cycle yields IsFirstCycle with the current id set.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	currentID - Cycle to evaluate. Empty means the latest.
//	previousID - Baseline cycle. Empty means resolve automatically.
//
// Outputs:
//
//	*Result - The comparison. Never nil when error is nil.
//	error - Repository or cancellation errors.
func (s *Service) Compare(ctx context.Context, currentID, previousID string) (*Result, error) {
	timestamp := s.now().UTC()

	current, previous, err := s.resolve(ctx, currentID, previousID)
	if err != nil {
		return nil, err
	}

	if current == nil {
		s.logger.Info("no cycle results found, nothing to compare")
		return &Result{IsFirstCycle: true, Timestamp: timestamp, EntityComparisons: []EntityComparison{}}, nil
	}
	if previous == nil {
		s.logger.Info("first cycle, no comparison available", slog.String("cycle_id", current.CycleID))
		return &Result{
			CurrentCycleID:    current.CycleID,
			IsFirstCycle:      true,
			Timestamp:         timestamp,
			EntityComparisons: []EntityComparison{},
		}, nil
	}

	result, err := Build(ctx, current, previous)
	if err != nil {
		return nil, err
	}
	result.Timestamp = timestamp
	s.logger.Info("cycles compared",
		slog.String("current", current.CycleID),
		slog.String("previous", previous.CycleID),
		slog.Int("new", result.TotalNewErrors),
		slog.Int("carry_over", result.TotalCarryOverErrors),
		slog.Int("resolved", result.TotalResolvedErrors),
	)
	return result, nil
}

func (s *Service) resolve(ctx context.Context, currentID, previousID string) (*models.CycleResult, *models.CycleResult, error) {
	if currentID == "" {
		latest, err := s.repo.GetLatest(ctx, 2)
		if err != nil {
			return nil, nil, fmt.Errorf("load latest cycles: %w", err)
		}
		var current, previous *models.CycleResult
		if len(latest) > 0 {
			current = latest[0]
		}
		if len(latest) > 1 {
			previous = latest[1]
		}
		return current, previous, nil
	}

	current, err := s.repo.GetByID(ctx, currentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load cycle %s: %w", currentID, err)
	}

	if previousID != "" {
		previous, err := s.repo.GetByID(ctx, previousID)
		if err != nil {
			return nil, nil, fmt.Errorf("load cycle %s: %w", previousID, err)
		}
		return current, previous, nil
	}

	latest, err := s.repo.GetLatest(ctx, 2)
	if err != nil {
		return nil, nil, fmt.Errorf("load latest cycles: %w", err)
	}
	for _, c := range latest {
		if c.CycleID != currentID {
			return current, c, nil
		}
	}
	return current, nil, nil
}

// Build compares current against previous. Both must be non-nil.
//
// Description:
//
//	Current entities with errors in either cycle are listed; each current
//	error is carry-over when its fingerprint appears among the previous
//	cycle's errors for that entity and new otherwise, and previous
//	fingerprints absent from the current errors are resolved. Entities
//	present only in the previous cycle are listed as success with all
//	their fingerprints resolved. Empty previous fingerprints are ignored.
func Build(ctx context.Context, current, previous *models.CycleResult) (*Result, error) {
	previousByEntity := make(map[string][]string)
	for _, r := range previous.Results {
		previousByEntity[r.EntityName] = appendFingerprints(previousByEntity[r.EntityName], r.Errors)
	}

	currentNames := make(map[string]struct{}, len(current.Results))
	for _, r := range current.Results {
		currentNames[r.EntityName] = struct{}{}
	}

	result := &Result{
		CurrentCycleID:    current.CycleID,
		PreviousCycleID:   previous.CycleID,
		EntityComparisons: []EntityComparison{},
	}

	for _, r := range current.Results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prevList := dedupe(previousByEntity[r.EntityName])
		if len(r.Errors) == 0 && len(prevList) == 0 {
			continue
		}
		prevSet := toSet(prevList)

		ec := EntityComparison{
			EntityName:           r.EntityName,
			CurrentStatus:        r.Status,
			NewErrors:            []ClassifiedError{},
			CarryOverErrors:      []ClassifiedError{},
			ResolvedFingerprints: []string{},
		}
		currentSet := make(map[string]struct{}, len(r.Errors))
		for _, e := range r.Errors {
			if e.Fingerprint != "" {
				currentSet[e.Fingerprint] = struct{}{}
			}
			ce := ClassifiedError{
				EntityName:  r.EntityName,
				Message:     e.Message,
				Fingerprint: e.Fingerprint,
				Category:    e.Category,
			}
			if _, seen := prevSet[e.Fingerprint]; seen {
				ce.Classification = ClassificationCarryOver
				ec.CarryOverErrors = append(ec.CarryOverErrors, ce)
			} else {
				ce.Classification = ClassificationNew
				ec.NewErrors = append(ec.NewErrors, ce)
			}
		}
		for _, fp := range prevList {
			if _, still := currentSet[fp]; !still {
				ec.ResolvedFingerprints = append(ec.ResolvedFingerprints, fp)
			}
		}

		result.TotalNewErrors += len(ec.NewErrors)
		result.TotalCarryOverErrors += len(ec.CarryOverErrors)
		result.TotalResolvedErrors += len(ec.ResolvedFingerprints)
		result.EntityComparisons = append(result.EntityComparisons, ec)
	}

	for _, r := range previous.Results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, ok := currentNames[r.EntityName]; ok {
			continue
		}
		fps := appendFingerprints(nil, r.Errors)
		if len(fps) == 0 {
			continue
		}
		result.TotalResolvedErrors += len(fps)
		result.EntityComparisons = append(result.EntityComparisons, EntityComparison{
			EntityName:           r.EntityName,
			CurrentStatus:        models.EntitySuccess,
			NewErrors:            []ClassifiedError{},
			CarryOverErrors:      []ClassifiedError{},
			ResolvedFingerprints: fps,
		})
	}
	return result, nil
}

func appendFingerprints(dst []string, errs []models.EntityError) []string {
	for _, e := range errs {
		if e.Fingerprint != "" {
			dst = append(dst, e.Fingerprint)
		}
	}
	return dst
}

// dedupe keeps the first occurrence of each value.
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
