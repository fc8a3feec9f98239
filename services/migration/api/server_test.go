// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/d365migrate/services/migration/comparison"
	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/readiness"
	"github.com/AleutianAI/d365migrate/services/migration/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func cycleAt(ts time.Time, fps ...string) *models.CycleResult {
	r := models.EntityResult{EntityName: "CUSTOMERS", Status: models.EntitySuccess, Errors: []models.EntityError{}}
	for _, fp := range fps {
		r.Status = models.EntityFailed
		r.Errors = append(r.Errors, models.EntityError{Message: "error " + fp, Fingerprint: fp, Category: models.CategoryTechnical})
	}
	return &models.CycleResult{CycleID: models.NewCycleID(ts), Command: "file", Timestamp: ts, Results: []models.EntityResult{r}}
}

type fixture struct {
	srv  *Server
	repo *storage.FileRepository
}

func newFixture(t *testing.T, cycles ...*models.CycleResult) *fixture {
	t.Helper()
	repo, err := storage.NewFileRepository(storage.FileOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	for _, c := range cycles {
		require.NoError(t, repo.Save(context.Background(), c))
	}
	cmp, err := comparison.NewService(repo, nil)
	require.NoError(t, err)
	rdy, err := readiness.NewService(repo, readiness.DefaultSettings(), nil)
	require.NoError(t, err)
	srv, err := NewServer(Deps{
		Repository: repo,
		Comparison: cmp,
		Readiness:  rdy,
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	})
	require.NoError(t, err)
	return &fixture{srv: srv, repo: repo}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewServer_MissingDeps(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestCycles(t *testing.T) {
	a, b := cycleAt(t0, "aaaa"), cycleAt(t0.Add(time.Hour))
	f := newFixture(t, a, b)

	rec := f.get(t, "/v1/cycles")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{b.CycleID, a.CycleID}, list["cycles"])

	rec = f.get(t, "/v1/cycles/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, b.CycleID, decode[models.CycleResult](t, rec).CycleID)

	rec = f.get(t, "/v1/cycles/"+a.CycleID)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[models.CycleResult](t, rec)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "aaaa", got.Results[0].Errors[0].Fingerprint)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/cycles/cycle-2020-01-01T000000").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/cycles/not-a-cycle").Code)
}

func TestCycles_Empty(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/v1/cycles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cycles":[]}`, rec.Body.String())
	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/cycles/latest").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/readiness").Code)
}

func TestComparison_CachedUntilInvalidated(t *testing.T) {
	a, b := cycleAt(t0, "aaaa"), cycleAt(t0.Add(time.Hour), "bbbb")
	f := newFixture(t, a, b)

	rec := f.get(t, "/v1/comparison")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[comparison.Result](t, rec)
	assert.Equal(t, b.CycleID, res.CurrentCycleID)
	assert.Equal(t, 1, res.TotalNewErrors)
	assert.Equal(t, 1, res.TotalResolvedErrors)

	c := cycleAt(t0.Add(2 * time.Hour))
	require.NoError(t, f.repo.Save(context.Background(), c))

	// Still served from cache.
	res = decode[comparison.Result](t, f.get(t, "/v1/comparison"))
	assert.Equal(t, b.CycleID, res.CurrentCycleID)

	f.srv.Invalidate()
	res = decode[comparison.Result](t, f.get(t, "/v1/comparison"))
	assert.Equal(t, c.CycleID, res.CurrentCycleID)
	assert.Equal(t, b.CycleID, res.PreviousCycleID)
}

func TestComparison_ExplicitIDs(t *testing.T) {
	a, b, c := cycleAt(t0, "aaaa"), cycleAt(t0.Add(time.Hour), "bbbb"), cycleAt(t0.Add(2*time.Hour), "aaaa")
	f := newFixture(t, a, b, c)

	rec := f.get(t, "/v1/comparison?current="+c.CycleID+"&previous="+a.CycleID)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[comparison.Result](t, rec)
	assert.Equal(t, a.CycleID, res.PreviousCycleID)
	assert.Equal(t, 1, res.TotalCarryOverErrors)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/comparison?current=bogus").Code)
}

func TestReadiness(t *testing.T) {
	f := newFixture(t, cycleAt(t0, "aaaa", "bbbb"), cycleAt(t0.Add(time.Hour)))

	rec := f.get(t, "/v1/readiness?cycles=3")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[readiness.Report](t, rec)
	assert.Equal(t, 2, report.CyclesAnalyzed)
	assert.Equal(t, 3, report.CyclesRequested)
	assert.True(t, report.FewerCyclesThanRequested)
	require.Len(t, report.EntityDetails, 1)
	assert.Equal(t, readiness.TrendImproving, report.EntityDetails[0].Trend)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/readiness?cycles=x").Code)
}

func TestRequestsAreCounted(t *testing.T) {
	f := newFixture(t)
	before := testutil.ToFloat64(requestsTotal.WithLabelValues("/health", "200"))
	f.get(t, "/health")
	assert.Equal(t, before+1, testutil.ToFloat64(requestsTotal.WithLabelValues("/health", "200")))
}

func TestWatch_InvalidatesOnNewCycle(t *testing.T) {
	a, b := cycleAt(t0, "aaaa"), cycleAt(t0.Add(time.Hour))
	f := newFixture(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Watch(ctx, f.repo.Dir()) }()
	defer func() {
		cancel()
		<-done
	}()

	res := decode[comparison.Result](t, f.get(t, "/v1/comparison"))
	require.Equal(t, b.CycleID, res.CurrentCycleID)

	c := cycleAt(t0.Add(2 * time.Hour))
	// The watcher may not be registered yet; keep saving until it fires.
	assert.Eventually(t, func() bool {
		_ = f.repo.Save(context.Background(), c)
		res := decode[comparison.Result](t, f.get(t, "/v1/comparison"))
		return res.CurrentCycleID == c.CycleID
	}, 5*time.Second, 50*time.Millisecond)
}

func TestIsCycleFile(t *testing.T) {
	assert.True(t, isCycleFile("/r/cycle-2025-06-01T080000.json"))
	assert.False(t, isCycleFile("/r/.tmp-1234.json"))
	assert.False(t, isCycleFile("/r/cycle-2025-06-01T080000.json.bak"))
}
