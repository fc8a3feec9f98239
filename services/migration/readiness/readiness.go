// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package readiness aggregates error counts across recent cycles into a
// go-live readiness report.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/storage"
)

// ErrNilRepository indicates a Service was created without a repository.
var ErrNilRepository = errors.New("repository must not be nil")

// Defaults for Settings.
const (
	DefaultCycleRange       = 5
	DefaultSuccessThreshold = 0
	DefaultWarningThreshold = 5
)

// Classification buckets an entity by its latest error count.
type Classification string

const (
	ClassificationSuccess Classification = "success"
	ClassificationWarning Classification = "warning"
	ClassificationFailure Classification = "failure"
)

// Trend compares the oldest and newest error counts of an entity.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Settings controls the analysis window and thresholds.
type Settings struct {
	// DefaultCycleRange is used when Generate is called with n <= 0.
	DefaultCycleRange int

	// SuccessThreshold is the largest error count still counted as success.
	SuccessThreshold int

	// WarningThreshold is the largest error count still counted as warning.
	WarningThreshold int
}

// DefaultSettings returns a five cycle window with thresholds 0 and 5.
func DefaultSettings() Settings {
	return Settings{
		DefaultCycleRange: DefaultCycleRange,
		SuccessThreshold:  DefaultSuccessThreshold,
		WarningThreshold:  DefaultWarningThreshold,
	}
}

// CycleTrendPoint summarizes one analyzed cycle.
type CycleTrendPoint struct {
	CycleID           string    `json:"cycleId"`
	Timestamp         time.Time `json:"timestamp"`
	TotalErrors       int       `json:"totalErrors"`
	TotalEntities     int       `json:"totalEntities"`
	SucceededEntities int       `json:"succeededEntities"`
	FailedEntities    int       `json:"failedEntities"`
}

// EntityReadiness is the history and verdict for one entity.
type EntityReadiness struct {
	EntityName     string         `json:"entityName"`
	Classification Classification `json:"statusClassification"`
	Trend          Trend          `json:"trend"`
	CurrentErrors  int            `json:"currentErrors"`
	PreviousErrors int            `json:"previousErrors"`
	ErrorHistory   []int          `json:"errorHistory"`
}

// Report is the outcome of Generate.
type Report struct {
	GeneratedAt              time.Time         `json:"generatedAt"`
	CyclesAnalyzed           int               `json:"cyclesAnalyzed"`
	CyclesRequested          int               `json:"cyclesRequested"`
	FewerCyclesThanRequested bool              `json:"fewerCyclesThanRequested"`
	CycleTrends              []CycleTrendPoint `json:"cycleTrends"`
	EntityDetails            []EntityReadiness `json:"entityDetails"`
	TotalEntities            int               `json:"totalEntities"`
	SuccessCount             int               `json:"entitiesAtSuccess"`
	WarningCount             int               `json:"entitiesAtWarning"`
	FailureCount             int               `json:"entitiesAtFailure"`
}

// Service builds readiness reports from stored cycles.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Service struct {
	repo     storage.Repository
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a readiness service. A non-positive
// DefaultCycleRange falls back to DefaultCycleRange.
func NewService(repo storage.Repository, settings Settings, logger *slog.Logger) (*Service, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	if settings.DefaultCycleRange <= 0 {
		settings.DefaultCycleRange = DefaultCycleRange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, settings: settings, logger: logger, now: time.Now}, nil
}

// Settings returns the effective settings.
func (s *Service) Settings() Settings { return s.settings }

// Generate analyzes the latest n cycles.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	n - Cycles to analyze. n <= 0 uses Settings.DefaultCycleRange.
//
// Outputs:
//
//	*Report - The report, or nil when no cycles are stored.
//	error - Repository errors.
func (s *Service) Generate(ctx context.Context, n int) (*Report, error) {
	requested := n
	if requested <= 0 {
		requested = s.settings.DefaultCycleRange
	}
	s.logger.Info("generating readiness report", slog.Int("cycles", requested))

	cycles, err := s.repo.GetLatest(ctx, requested)
	if err != nil {
		return nil, fmt.Errorf("load latest cycles: %w", err)
	}
	if len(cycles) == 0 {
		s.logger.Warn("no cycle results found, cannot generate readiness report")
		return nil, nil
	}
	return Build(cycles, requested, s.settings, s.now().UTC()), nil
}

// Build aggregates cycles given newest first, as the repository returns them.
func Build(cycles []*models.CycleResult, requested int, settings Settings, generatedAt time.Time) *Report {
	ordered := make([]*models.CycleResult, 0, len(cycles))
	for i := len(cycles) - 1; i >= 0; i-- {
		if cycles[i] != nil {
			ordered = append(ordered, cycles[i])
		}
	}

	report := &Report{
		GeneratedAt:              generatedAt,
		CyclesAnalyzed:           len(ordered),
		CyclesRequested:          requested,
		FewerCyclesThanRequested: len(ordered) < requested,
		CycleTrends:              make([]CycleTrendPoint, 0, len(ordered)),
		EntityDetails:            []EntityReadiness{},
	}

	names := map[string]struct{}{}
	for _, c := range ordered {
		point := CycleTrendPoint{
			CycleID:       c.CycleID,
			Timestamp:     c.Timestamp,
			TotalEntities: len(c.Results),
		}
		for _, r := range c.Results {
			names[r.EntityName] = struct{}{}
			count := len(r.Errors)
			point.TotalErrors += count
			if count <= settings.SuccessThreshold {
				point.SucceededEntities++
			} else {
				point.FailedEntities++
			}
		}
		report.CycleTrends = append(report.CycleTrends, point)
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		history := make([]int, len(ordered))
		for i, c := range ordered {
			history[i] = c.ErrorCount(name)
		}
		current := history[len(history)-1]
		previous := current
		if len(history) > 1 {
			previous = history[len(history)-2]
		}

		er := EntityReadiness{
			EntityName:     name,
			Classification: classify(current, settings),
			Trend:          trend(history),
			CurrentErrors:  current,
			PreviousErrors: previous,
			ErrorHistory:   history,
		}
		switch er.Classification {
		case ClassificationSuccess:
			report.SuccessCount++
		case ClassificationWarning:
			report.WarningCount++
		case ClassificationFailure:
			report.FailureCount++
		}
		report.EntityDetails = append(report.EntityDetails, er)
	}
	report.TotalEntities = len(report.EntityDetails)
	return report
}

func classify(count int, s Settings) Classification {
	switch {
	case count <= s.SuccessThreshold:
		return ClassificationSuccess
	case count <= s.WarningThreshold:
		return ClassificationWarning
	default:
		return ClassificationFailure
	}
}

func trend(history []int) Trend {
	if len(history) <= 1 {
		return TrendStable
	}
	first, last := history[0], history[len(history)-1]
	switch {
	case last < first:
		return TrendImproving
	case last > first:
		return TrendDegrading
	default:
		return TrendStable
	}
}
