// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trends exports readiness trend points to InfluxDB so they can
// be charted next to other migration telemetry.
package trends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/d365migrate/services/migration/readiness"
)

// Measurement names.
const (
	CycleMeasurement  = "migration_cycle"
	EntityMeasurement = "migration_entity_readiness"
)

// ErrNotReady indicates a failed health check.
var ErrNotReady = errors.New("influxdb not ready")

// PointWriter writes points synchronously. api.WriteAPIBlocking
// implements it.
type PointWriter interface {
	WritePoint(ctx context.Context, points ...*write.Point) error
}

// Options configures an InfluxDB sink.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Logger *slog.Logger
}

// Sink writes readiness reports as points.
type Sink struct {
	writer PointWriter
	client influxdb2.Client
	logger *slog.Logger
}

// NewSink creates a sink over an arbitrary writer.
func NewSink(w PointWriter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{writer: w, logger: logger}
}

// Connect opens an InfluxDB client and checks its health.
func Connect(ctx context.Context, opts Options) (*Sink, error) {
	var missing []string
	for name, v := range map[string]string{"url": opts.URL, "token": opts.Token, "org": opts.Org, "bucket": opts.Bucket} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("influx settings incomplete: missing %s", strings.Join(missing, ", "))
	}

	client := influxdb2.NewClient(opts.URL, opts.Token)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("%w: status %s %s", ErrNotReady, health.Status, msg)
	}

	s := NewSink(client.WriteAPIBlocking(opts.Org, opts.Bucket), opts.Logger)
	s.client = client
	return s, nil
}

// Close releases the client, if the sink owns one.
func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Points converts a report into one point per cycle and one per entity.
// Entity points are stamped with the report's generation time.
func Points(r *readiness.Report) []*write.Point {
	if r == nil {
		return nil
	}
	points := make([]*write.Point, 0, len(r.CycleTrends)+len(r.EntityDetails))
	for _, c := range r.CycleTrends {
		points = append(points, influxdb2.NewPoint(
			CycleMeasurement,
			map[string]string{"cycle_id": c.CycleID},
			map[string]interface{}{
				"total_errors":       c.TotalErrors,
				"total_entities":     c.TotalEntities,
				"succeeded_entities": c.SucceededEntities,
				"failed_entities":    c.FailedEntities,
			},
			c.Timestamp,
		))
	}
	for _, e := range r.EntityDetails {
		points = append(points, influxdb2.NewPoint(
			EntityMeasurement,
			map[string]string{
				"entity":         e.EntityName,
				"classification": string(e.Classification),
				"trend":          string(e.Trend),
			},
			map[string]interface{}{
				"current_errors":  e.CurrentErrors,
				"previous_errors": e.PreviousErrors,
			},
			r.GeneratedAt,
		))
	}
	return points
}

// WriteReport writes the points of r.
func (s *Sink) WriteReport(ctx context.Context, r *readiness.Report) error {
	points := Points(r)
	if len(points) == 0 {
		return nil
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write readiness points: %w", err)
	}
	s.logger.Info("readiness trend points written", slog.Int("points", len(points)))
	return nil
}
