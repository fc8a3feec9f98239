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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/d365migrate/services/migration/pipeline"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

var tracer = otel.Tracer("d365migrate.export")

// progressEvery is the record interval between progress logs.
const progressEvery = 100000

// ErrNilFactory is returned by NewProcessor without a factory.
var ErrNilFactory = errors.New("export factory must not be nil")

// Processor exports one planned entity through a Factory. It implements
// pipeline.Processor.
//
// Thread Safety:
//
//	Safe for concurrent use. Every Process call opens its own source
//	connection.
type Processor struct {
	factory Factory
	open    Opener
	logger  *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithOpener replaces OpenSource.
func WithOpener(open Opener) ProcessorOption {
	return func(p *Processor) {
		if open != nil {
			p.open = open
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a Processor writing through factory.
func NewProcessor(factory Factory, opts ...ProcessorOption) (*Processor, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	p := &Processor{factory: factory, open: OpenSource, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

var _ pipeline.Processor = (*Processor)(nil)

// countedPart reports how many records its output received.
type countedPart struct {
	Output
	records int64
}

func (c *countedPart) Records() int64 { return c.records }

// Process runs the entity query and writes the rows as XML parts.
//
// Description:
//
//	A first part is always created, so an empty result set still yields
//	an empty document. A new part starts every RecordsPerFile records
//	when RecordsPerFile is positive. Each part is closed, and therefore
//	post-processed, before the next one opens.
//
// Outputs:
//
//	[]pipeline.Part - The closed parts, in order.
//	error - Source, query, write or post-processing failure.
func (p *Processor) Process(ctx context.Context, item plan.QueryItem) (parts []pipeline.Part, err error) {
	ctx, span := tracer.Start(ctx, "export.Entity",
		trace.WithAttributes(
			attribute.String("entity", item.EntityName),
			attribute.String("driver", item.SourceDriver),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "export failed")
			p.logger.Error("error while processing query",
				slog.String("entity", item.EntityName),
				slog.String("error", err.Error()))
		}
		span.End()
	}()

	query, err := os.ReadFile(item.QueryFileName)
	if err != nil {
		return nil, fmt.Errorf("read query file: %w", err)
	}
	db, err := p.open(ctx, item.SourceDriver, item.SourceConnectionString)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryxContext(ctx, string(query))
	if err != nil {
		return nil, fmt.Errorf("run query for %s: %w", item.EntityName, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	started := time.Now()
	var (
		current *countedPart
		doc     *documentWriter
		total   int64
		index   int
	)
	open := func() error {
		out, err := p.factory.Create(ctx, item, index)
		if err != nil {
			return fmt.Errorf("create part %d of %s: %w", index, item.EntityName, err)
		}
		index++
		current = &countedPart{Output: out}
		doc = newDocumentWriter(out.Writer(), item.EntityName)
		return nil
	}
	closeCurrent := func() error {
		if current == nil {
			return nil
		}
		out := current
		current = nil
		if err := doc.finish(); err != nil {
			_ = out.Close(ctx)
			return fmt.Errorf("write part %s: %w", out.Name(), err)
		}
		if err := out.Close(ctx); err != nil {
			return fmt.Errorf("close part %s: %w", out.Name(), err)
		}
		parts = append(parts, out)
		return nil
	}
	defer func() {
		if current != nil {
			_ = current.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := open(); err != nil {
		return nil, err
	}
	for rows.Next() {
		if item.RecordsPerFile > 0 && current.records == int64(item.RecordsPerFile) {
			if err := closeCurrent(); err != nil {
				return parts, err
			}
			if err := open(); err != nil {
				return parts, err
			}
		}
		values, err := rows.SliceScan()
		if err != nil {
			return parts, fmt.Errorf("scan %s record %d: %w", item.EntityName, total+1, err)
		}
		if err := doc.record(columns, values); err != nil {
			return parts, fmt.Errorf("write %s record %d: %w", item.EntityName, total+1, err)
		}
		current.records++
		total++
		if total%progressEvery == 0 {
			p.logger.Info("records processed",
				slog.String("entity", item.EntityName),
				slog.Int64("count", total),
				slog.Float64("records_per_minute", math.Floor(float64(total)/time.Since(started).Minutes())))
		}
	}
	if err := rows.Err(); err != nil {
		return parts, fmt.Errorf("read %s rows: %w", item.EntityName, err)
	}
	if err := closeCurrent(); err != nil {
		return parts, err
	}

	elapsed := time.Since(started)
	p.logger.Info("export ended",
		slog.String("entity", item.EntityName),
		slog.Int64("records", total),
		slog.Int("parts", len(parts)),
		slog.Duration("elapsed", elapsed))
	span.SetAttributes(attribute.Int64("records", total), attribute.Int("parts", len(parts)))
	return parts, nil
}
