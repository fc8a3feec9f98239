// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trends

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/d365migrate/services/migration/readiness"
)

type fakeWriter struct {
	points []*write.Point
	err    error
}

func (f *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	f.points = append(f.points, points...)
	return f.err
}

func sampleReport() *readiness.Report {
	at := time.Date(2025, 8, 3, 0, 0, 0, 0, time.UTC)
	return &readiness.Report{
		GeneratedAt: at,
		CycleTrends: []readiness.CycleTrendPoint{
			{CycleID: "cycle-2025-08-01T000000", Timestamp: at.AddDate(0, 0, -2), TotalErrors: 4, TotalEntities: 2, SucceededEntities: 1, FailedEntities: 1},
			{CycleID: "cycle-2025-08-02T000000", Timestamp: at.AddDate(0, 0, -1), TotalErrors: 1, TotalEntities: 2, SucceededEntities: 1, FailedEntities: 1},
		},
		EntityDetails: []readiness.EntityReadiness{{
			EntityName:     "CUSTOMERS",
			Classification: readiness.ClassificationWarning,
			Trend:          readiness.TrendImproving,
			CurrentErrors:  1,
			PreviousErrors: 4,
		}},
	}
}

func TestPoints(t *testing.T) {
	points := Points(sampleReport())
	require.Len(t, points, 3)

	cycle := write.PointToLineProtocol(points[0], time.Second)
	assert.Contains(t, cycle, "migration_cycle,cycle_id=cycle-2025-08-01T000000")
	assert.Contains(t, cycle, "total_errors=4i")
	assert.Contains(t, cycle, "failed_entities=1i")

	entity := write.PointToLineProtocol(points[2], time.Second)
	assert.Contains(t, entity, "migration_entity_readiness")
	assert.Contains(t, entity, "entity=CUSTOMERS")
	assert.Contains(t, entity, "classification=warning")
	assert.Contains(t, entity, "trend=improving")
	assert.Contains(t, entity, "current_errors=1i")
	assert.Equal(t, time.Date(2025, 8, 3, 0, 0, 0, 0, time.UTC), points[2].Time())

	assert.Nil(t, Points(nil))
}

func TestWriteReport(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, nil)
	require.NoError(t, s.WriteReport(context.Background(), sampleReport()))
	assert.Len(t, w.points, 3)

	require.NoError(t, s.WriteReport(context.Background(), &readiness.Report{}))
	assert.Len(t, w.points, 3)
}

func TestWriteReport_Error(t *testing.T) {
	s := NewSink(&fakeWriter{err: errors.New("unauthorized")}, nil)
	err := s.WriteReport(context.Background(), sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write readiness points: unauthorized")
}

func TestConnect_MissingSettings(t *testing.T) {
	_, err := Connect(context.Background(), Options{URL: "http://localhost:8086"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing bucket, org, token")
}
