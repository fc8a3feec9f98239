// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/d365migrate/services/migration/fingerprint"
	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

var (
	tracer = otel.Tracer("d365migrate.pipeline")
	meter  = otel.Meter("d365migrate.pipeline")
)

// Executor runs a migration plan.
//
// Description:
//
//	Levels run one after another. The units of a level run concurrently,
//	bounded by MaxDegreeOfParallelism. Once every unit of a level has
//	returned, the parts they produced are polled until each one reaches
//	a terminal status or exceeds the import timeout, and only then does
//	the next level start.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Each Execute call keeps its own
//	state.
type Executor struct {
	plan          Plan
	processors    map[Mode]Processor
	cfg           Config
	logger        *slog.Logger
	fingerprinter fingerprint.Fingerprinter
	now           func() time.Time

	// Metrics (initialized lazily)
	metricsOnce    sync.Once
	entityDuration metric.Float64Histogram
	entityTotal    metric.Int64Counter
	partsInFlight  metric.Int64UpDownCounter
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithFingerprinter replaces the default error fingerprinter.
func WithFingerprinter(f fingerprint.Fingerprinter) Option {
	return func(e *Executor) {
		if f != nil {
			e.fingerprinter = f
		}
	}
}

// NewExecutor creates an executor for p.
//
// Inputs:
//
//	p - The plan. Must not be nil.
//	processors - Processor per mode. Modes without an entry are rejected
//	             by Execute.
//	cfg - Tuning. Zero values take defaults.
//	opts - Optional overrides.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - ErrNilPlan if p is nil.
func NewExecutor(p Plan, processors map[Mode]Processor, cfg Config, opts ...Option) (*Executor, error) {
	if p == nil {
		return nil, ErrNilPlan
	}
	procs := make(map[Mode]Processor, len(processors))
	for m, proc := range processors {
		if proc != nil {
			procs[m] = proc
		}
	}
	e := &Executor{
		plan:          p,
		processors:    procs,
		cfg:           cfg.withDefaults(),
		logger:        slog.Default(),
		fingerprinter: fingerprint.New(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// initMetrics lazily initializes metrics.
// Failures are logged and execution continues without them.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.entityDuration, err = meter.Float64Histogram("migration_entity_duration_seconds",
			metric.WithDescription("Time spent producing the parts of one entity"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "entity_duration: "+err.Error())
		}

		e.entityTotal, err = meter.Int64Counter("migration_entities_total",
			metric.WithDescription("Entities processed, by final status"),
		)
		if err != nil {
			initErrors = append(initErrors, "entities_total: "+err.Error())
		}

		e.partsInFlight, err = meter.Int64UpDownCounter("migration_parts_in_flight",
			metric.WithDescription("Parts awaiting a terminal status"),
		)
		if err != nil {
			initErrors = append(initErrors, "parts_in_flight: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some pipeline metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Execute runs one migration cycle.
//
// Description:
//
//	Validates the mode and the entity filter, then runs the filtered plan.
//	Unit failures are recorded on the entity and never stop the cycle.
//	When ctx is canceled, parts still pending are counted as failed,
//	levels not yet started are skipped, and the partial result is
//	returned together with an error wrapping ctx.Err().
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	mode - Destination mode; needs a registered processor.
//	filter - Entity names to run. Nil or empty runs all.
//
// Outputs:
//
//	*models.CycleResult - The cycle outcome. Nil only when validation fails.
//	error - ErrNilContext, ErrUnsupportedMode, *EntityValidationError, or
//	        a wrapped cancellation error alongside a partial result.
func (e *Executor) Execute(ctx context.Context, mode Mode, filter []string) (*models.CycleResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	proc, ok := e.processors[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	levels, err := FilterLevels(e.plan.SortedQueries(), filter)
	if err != nil {
		return nil, err
	}

	e.initMetrics()

	start := e.now()
	cycle := &models.CycleResult{
		CycleID:           models.NewCycleID(start),
		Command:           string(mode),
		Timestamp:         start.UTC(),
		EntitiesRequested: normalizeFilter(filter, models.AllEntities),
	}

	ctx, span := tracer.Start(ctx, "migration.Cycle",
		trace.WithAttributes(
			attribute.String("migration.cycle_id", cycle.CycleID),
			attribute.String("migration.mode", string(mode)),
			attribute.Int("migration.level_count", len(levels)),
		),
	)
	defer span.End()

	e.logger.Info("migration cycle started",
		slog.String("cycle_id", cycle.CycleID),
		slog.String("mode", string(mode)),
		slog.Int("levels", len(levels)),
		slog.Any("entities", cycle.EntitiesRequested),
	)

	results := make([]models.EntityResult, 0)
	var runErr error
	for i, level := range levels {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		lr := e.runLevel(ctx, i, level, proc)
		results = append(results, lr.results...)
		cycle.TotalEntities += lr.total
		cycle.Succeeded += lr.succeeded
		cycle.Failed += lr.failed
		if lr.err != nil {
			runErr = lr.err
			break
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].EntityName < results[j].EntityName
	})
	elapsed := e.now().Sub(start)
	cycle.Results = results
	cycle.Summary = models.Summarize(results, elapsed)
	cycle.TotalDurationMs = elapsed.Milliseconds()

	span.SetAttributes(
		attribute.Int("migration.succeeded", cycle.Succeeded),
		attribute.Int("migration.failed", cycle.Failed),
	)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "cycle interrupted")
		e.logger.Warn("migration cycle interrupted",
			slog.String("cycle_id", cycle.CycleID),
			slog.Int("completed_entities", len(results)),
			slog.String("error", runErr.Error()),
		)
		return cycle, fmt.Errorf("migration cycle %s interrupted: %w", cycle.CycleID, runErr)
	}

	span.SetStatus(codes.Ok, "")
	e.logger.Info("migration cycle completed",
		slog.String("cycle_id", cycle.CycleID),
		slog.Int("parts", cycle.TotalEntities),
		slog.Int("succeeded", cycle.Succeeded),
		slog.Int("failed", cycle.Failed),
		slog.Duration("duration", elapsed),
	)
	return cycle, nil
}

// levelResult is what one level contributes to the cycle.
type levelResult struct {
	results   []models.EntityResult
	total     int
	succeeded int
	failed    int
	err       error
}

// unitOutcome is the in-progress state of one entity.
type unitOutcome struct {
	result models.EntityResult
	parts  []Part
}

// trackedPart links a pending part to the entity that produced it.
type trackedPart struct {
	part  Part
	owner int
}

func (e *Executor) runLevel(ctx context.Context, index int, level []plan.QueryItem, proc Processor) levelResult {
	ctx, span := tracer.Start(ctx, "migration.Level",
		trace.WithAttributes(
			attribute.Int("migration.level", index),
			attribute.Int("migration.entity_count", len(level)),
		),
	)
	defer span.End()

	outcomes := make([]unitOutcome, len(level))
	g := new(errgroup.Group)
	if e.cfg.MaxDegreeOfParallelism > 0 {
		g.SetLimit(e.cfg.MaxDegreeOfParallelism)
	}
	for i, item := range level {
		g.Go(func() error {
			outcomes[i] = e.runUnit(ctx, item, proc)
			return nil
		})
	}
	_ = g.Wait()

	var lr levelResult
	var tracked []trackedPart
	for i, o := range outcomes {
		if o.result.Status == models.EntityFailed && len(o.parts) == 0 {
			// A unit that failed before producing output counts once.
			lr.total++
			lr.failed++
			continue
		}
		for _, p := range o.parts {
			tracked = append(tracked, trackedPart{part: p, owner: i})
		}
	}
	lr.total += len(tracked)

	lr.err = e.awaitParts(ctx, tracked, outcomes, &lr)
	if lr.err == nil {
		// Units that saw the cancellation fail without parts, leaving
		// nothing for awaitParts to report.
		lr.err = ctx.Err()
	}

	lr.results = make([]models.EntityResult, len(outcomes))
	for i, o := range outcomes {
		lr.results[i] = o.result
		if e.entityTotal != nil {
			e.entityTotal.Add(ctx, 1,
				metric.WithAttributes(attribute.String("status", string(o.result.Status))),
			)
		}
		e.logger.Info("entity finished",
			slog.String("entity", o.result.EntityName),
			slog.String("status", string(o.result.Status)),
			slog.Int64("records", o.result.RecordCount),
			slog.Int("errors", len(o.result.Errors)),
		)
	}

	if lr.err != nil {
		span.RecordError(lr.err)
		span.SetStatus(codes.Error, "level interrupted")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return lr
}

func (e *Executor) runUnit(ctx context.Context, item plan.QueryItem, proc Processor) unitOutcome {
	out := unitOutcome{result: models.EntityResult{
		EntityName:        item.EntityName,
		DefinitionGroupID: item.DefinitionGroupID,
		Status:            models.EntitySuccess,
		Errors:            []models.EntityError{},
	}}

	if err := ctx.Err(); err != nil {
		e.fail(&out.result, err.Error(), err.Error(), models.CategoryTechnical)
		return out
	}

	begin := e.now()
	parts, err := safeProcess(ctx, proc, item)
	elapsed := e.now().Sub(begin)
	out.result.DurationMs = elapsed.Milliseconds()
	if e.entityDuration != nil {
		e.entityDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("entity", item.EntityName)),
		)
	}

	if err != nil {
		e.logger.Error("entity processing failed",
			slog.String("entity", item.EntityName),
			slog.String("error", err.Error()),
		)
		e.fail(&out.result, err.Error(), err.Error(), models.CategoryTechnical)
		return out
	}

	for _, p := range parts {
		if p == nil {
			continue
		}
		out.parts = append(out.parts, p)
		if rc, ok := p.(RecordCounter); ok {
			out.result.RecordCount += rc.Records()
		}
	}
	return out
}

// safeProcess converts a processor panic into an error.
func safeProcess(ctx context.Context, proc Processor, item plan.QueryItem) (parts []Part, err error) {
	defer func() {
		if r := recover(); r != nil {
			parts = nil
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc.Process(ctx, item)
}

// awaitParts polls parts until each one is settled.
//
// Description:
//
//	Every sweep queries the status of each pending part. Succeeded parts
//	are counted as succeeded. Failed, Canceled and PartiallySucceeded
//	parts are counted as failed, as are parts whose status cannot be read
//	and parts pending for longer than the import timeout. Between sweeps
//	it waits PollInterval or until ctx is done, in which case the parts
//	still pending are counted as failed and ctx.Err() is returned.
func (e *Executor) awaitParts(ctx context.Context, pending []trackedPart, outcomes []unitOutcome, lr *levelResult) error {
	if len(pending) == 0 {
		return nil
	}
	e.addInFlight(ctx, int64(len(pending)))

	for {
		var still []trackedPart
		for _, tp := range pending {
			if ctx.Err() != nil {
				still = append(still, tp)
				continue
			}
			status, err := tp.part.State(ctx)
			if err != nil {
				if ctx.Err() != nil {
					still = append(still, tp)
					continue
				}
				e.logger.Warn("failed to read part status",
					slog.String("part", tp.part.Name()),
					slog.String("error", err.Error()),
				)
				status = models.StatusFailed
			}
			if e.settle(ctx, tp, status, outcomes, lr) {
				continue
			}
			still = append(still, tp)
		}

		if len(still) == 0 {
			return nil
		}
		pending = still

		if ctx.Err() == nil {
			timer := time.NewTimer(e.cfg.PollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
				continue
			}
		}

		for _, tp := range pending {
			lr.failed++
			e.addInFlight(ctx, -1)
			name := tp.part.Name()
			e.fail(&outcomes[tp.owner].result,
				fmt.Sprintf("import part %s canceled before completion", name),
				"import part canceled before completion",
				models.CategoryTechnical)
		}
		return ctx.Err()
	}
}

// settle applies status to its part and reports whether the part is done.
func (e *Executor) settle(ctx context.Context, tp trackedPart, status models.ExecutionStatus, outcomes []unitOutcome, lr *levelResult) bool {
	res := &outcomes[tp.owner].result
	name := tp.part.Name()

	switch status {
	case models.StatusSucceeded:
		lr.succeeded++
	case models.StatusPartiallySucceeded:
		lr.failed++
		e.warn(res,
			fmt.Sprintf("import part %s partially succeeded", name),
			"import part partially succeeded")
	case models.StatusFailed, models.StatusCanceled:
		lr.failed++
		e.fail(res,
			fmt.Sprintf("import part %s finished with status %s", name, status),
			"import part finished with status "+status.String(),
			models.CategoryTechnical)
	default:
		if e.now().Sub(tp.part.StartedAt()) <= e.cfg.ImportTimeout {
			return false
		}
		lr.failed++
		e.logger.Warn("part timed out",
			slog.String("part", name),
			slog.String("status", status.String()),
			slog.Duration("timeout", e.cfg.ImportTimeout),
		)
		e.fail(res,
			fmt.Sprintf("import part %s did not finish within %s", name, e.cfg.ImportTimeout),
			"import part did not finish within "+e.cfg.ImportTimeout.String(),
			models.CategoryTechnical)
	}
	e.addInFlight(ctx, -1)
	return true
}

// fail marks res failed and records an error. The fingerprint is taken
// over stable, which leaves out names that change between cycles.
func (e *Executor) fail(res *models.EntityResult, message, stable string, category models.ErrorCategory) {
	res.Status = models.EntityFailed
	res.Errors = append(res.Errors, models.EntityError{
		Message:     message,
		Fingerprint: e.fingerprinter.ComputeFingerprint(res.EntityName, stable),
		Category:    category,
	})
}

// warn downgrades a successful res to warning and records an error.
func (e *Executor) warn(res *models.EntityResult, message, stable string) {
	if res.Status == models.EntitySuccess {
		res.Status = models.EntityWarning
	}
	res.Errors = append(res.Errors, models.EntityError{
		Message:     message,
		Fingerprint: e.fingerprinter.ComputeFingerprint(res.EntityName, stable),
		Category:    models.CategoryDataQuality,
	})
}

func (e *Executor) addInFlight(ctx context.Context, n int64) {
	if e.partsInFlight != nil {
		e.partsInFlight.Add(context.WithoutCancel(ctx), n)
	}
}
