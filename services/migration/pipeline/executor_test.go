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
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/d365migrate/services/migration/fingerprint"
	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

// =============================================================================
// Test helpers
// =============================================================================

type staticPlan [][]plan.QueryItem

func (p staticPlan) SortedQueries() [][]plan.QueryItem { return p }

func item(name string) plan.QueryItem {
	return plan.QueryItem{EntityName: name, DefinitionGroupID: "DMF_" + name}
}

// fakePart walks through states, repeating the last one.
type fakePart struct {
	name    string
	started time.Time
	records int64
	err     error
	onState func()

	mu     sync.Mutex
	states []models.ExecutionStatus
	calls  int
}

func (p *fakePart) Name() string         { return p.name }
func (p *fakePart) StartedAt() time.Time { return p.started }
func (p *fakePart) Records() int64       { return p.records }

func (p *fakePart) State(context.Context) (models.ExecutionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onState != nil {
		p.onState()
	}
	if p.err != nil {
		return models.StatusUnknown, p.err
	}
	i := p.calls
	if i >= len(p.states) {
		i = len(p.states) - 1
	}
	p.calls++
	return p.states[i], nil
}

func succeededPart(name string) *fakePart {
	return &fakePart{name: name, started: time.Now(), states: []models.ExecutionStatus{models.StatusSucceeded}}
}

// eventLog records processing events in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) index(e string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.events {
		if v == e {
			return i
		}
	}
	return -1
}

func newTestExecutor(t *testing.T, p Plan, proc Processor, cfg Config) *Executor {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	e, err := NewExecutor(p, map[Mode]Processor{ModeFile: proc}, cfg)
	require.NoError(t, err)
	return e
}

func findResult(t *testing.T, c *models.CycleResult, entity string) models.EntityResult {
	t.Helper()
	for _, r := range c.Results {
		if r.EntityName == entity {
			return r
		}
	}
	t.Fatalf("entity %s not in results", entity)
	return models.EntityResult{}
}

// =============================================================================
// Construction
// =============================================================================

func TestNewExecutor_NilPlan(t *testing.T) {
	_, err := NewExecutor(nil, nil, Config{})
	assert.ErrorIs(t, err, ErrNilPlan)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultImportTimeout, cfg.ImportTimeout)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, 0, cfg.MaxDegreeOfParallelism)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" D365 ")
	require.NoError(t, err)
	assert.Equal(t, ModeD365, m)

	_, err = ParseMode("ftp")
	assert.ErrorIs(t, err, ErrUnsupportedMode)
}

// =============================================================================
// Execute: validation
// =============================================================================

func TestExecute_NilContext(t *testing.T) {
	e := newTestExecutor(t, staticPlan{{item("A")}}, ProcessorFunc(func(context.Context, plan.QueryItem) ([]Part, error) {
		return nil, nil
	}), Config{})

	var ctx context.Context
	_, err := e.Execute(ctx, ModeFile, nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestExecute_UnsupportedMode(t *testing.T) {
	e := newTestExecutor(t, staticPlan{{item("A")}}, ProcessorFunc(func(context.Context, plan.QueryItem) ([]Part, error) {
		return nil, nil
	}), Config{})

	result, err := e.Execute(context.Background(), ModeD365, nil)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestExecute_InvalidFilterRunsNothing(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(t, staticPlan{{item("A")}, {item("B")}}, ProcessorFunc(func(context.Context, plan.QueryItem) ([]Part, error) {
		calls.Add(1)
		return nil, nil
	}), Config{})

	result, err := e.Execute(context.Background(), ModeFile, []string{"zeta", "A", "alpha"})
	assert.Nil(t, result)

	var verr *EntityValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"alpha", "zeta"}, verr.InvalidNames)
	assert.Equal(t, []string{"A", "B"}, verr.ValidNames)
	assert.Zero(t, calls.Load())
}

// =============================================================================
// Execute: ordering and results
// =============================================================================

func TestExecute_LevelsRunInOrder(t *testing.T) {
	log := &eventLog{}
	parts := map[string]*fakePart{}
	for _, n := range []string{"A", "B", "C"} {
		p := &fakePart{
			name:    "DMF_" + n + "_1",
			started: time.Now(),
			states:  []models.ExecutionStatus{models.StatusExecuting, models.StatusSucceeded},
		}
		name := n
		p.onState = func() { log.add("state:" + name) }
		parts[n] = p
	}

	proc := ProcessorFunc(func(_ context.Context, it plan.QueryItem) ([]Part, error) {
		log.add("process:" + it.EntityName)
		return []Part{parts[it.EntityName]}, nil
	})
	e := newTestExecutor(t, staticPlan{{item("A")}, {item("C"), item("B")}}, proc, Config{})

	result, err := e.Execute(context.Background(), ModeFile, nil)
	require.NoError(t, err)

	// A's part is settled before anything in the next level starts.
	assert.Less(t, log.index("state:A"), log.index("process:B"))
	assert.Less(t, log.index("state:A"), log.index("process:C"))

	assert.True(t, strings.HasPrefix(result.CycleID, models.CycleIDPrefix))
	assert.Equal(t, "file", result.Command)
	assert.Equal(t, []string{models.AllEntities}, result.EntitiesRequested)
	require.Len(t, result.Results, 3)
	assert.Equal(t, "A", result.Results[0].EntityName)
	assert.Equal(t, "B", result.Results[1].EntityName)
	assert.Equal(t, "C", result.Results[2].EntityName)
	assert.Equal(t, 3, result.TotalEntities)
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 3, result.Summary.Succeeded)
	assert.Equal(t, "DMF_B", result.Results[1].DefinitionGroupID)
}

func TestExecute_FilterIsCaseInsensitive(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	proc := ProcessorFunc(func(_ context.Context, it plan.QueryItem) ([]Part, error) {
		mu.Lock()
		seen = append(seen, it.EntityName)
		mu.Unlock()
		return []Part{succeededPart(it.EntityName)}, nil
	})
	e := newTestExecutor(t, staticPlan{{item("A")}, {item("B"), item("C")}}, proc, Config{})

	result, err := e.Execute(context.Background(), ModeFile, []string{"c", "C"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, seen)
	assert.Equal(t, []string{"c"}, result.EntitiesRequested)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "C", result.Results[0].EntityName)
}

func TestExecute_RecordCountSumsParts(t *testing.T) {
	proc := ProcessorFunc(func(_ context.Context, it plan.QueryItem) ([]Part, error) {
		a := succeededPart("p1")
		a.records = 100
		b := succeededPart("p2")
		b.records = 23
		return []Part{a, b}, nil
	})
	e := newTestExecutor(t, staticPlan{{item("A")}}, proc, Config{})

	result, err := e.Execute(context.Background(), ModeFile, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(123), result.Results[0].RecordCount)
	assert.Equal(t, 2, result.TotalEntities)
	assert.Equal(t, 2, result.Succeeded)
}

// =============================================================================
// Execute: failures
// =============================================================================

func TestExecute_FailingEntityIsIsolated(t *testing.T) {
	proc := ProcessorFunc(func(_ context.Context, it plan.QueryItem) ([]Part, error) {
		if it.EntityName == "BAD" {
			return nil, errors.New("query failed at row 123456")
		}
		return []Part{succeededPart(it.EntityName)}, nil
	})
	e := newTestExecutor(t, staticPlan{{item("BAD"), item("GOOD")}, {item("NEXT")}}, proc, Config{})

	result, err := e.Execute(context.Background(), ModeFile, nil)
	require.NoError(t, err)

	bad := findResult(t, result, "BAD")
	assert.Equal(t, models.EntityFailed, bad.Status)
	require.Len(t, bad.Errors, 1)
	assert.Equal(t, "query failed at row 123456", bad.Errors[0].Message)
	assert.Equal(t, models.CategoryTechnical, bad.Errors[0].Category)
	assert.Equal(t, fingerprint.New().ComputeFingerprint("BAD", "query failed at row 123456"), bad.Errors[0].Fingerprint)

	assert.Equal(t, models.EntitySuccess, findResult(t, result, "GOOD").Status)
	assert.Equal(t, models.EntitySuccess, findResult(t, result, "NEXT").Status)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 3, result.TotalEntities)
	assert.Equal(t, 1, result.Summary.Failed)
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	proc := ProcessorFunc(func(_ context.Context, it plan.QueryItem) ([]Part, error) {
		if it.EntityName == "BOOM" {
			panic("nil map write")
		}
		return []Part{succeededPart(it.EntityName)}, nil
	})
	e := newTestExecutor(t, staticPlan{{item("BOOM"), item("OK")}}, proc, Config{})

	result, err := e.Execute(context.Background(), ModeFile, nil)
	require.NoError(t, err)

	boom := findResult(t, result, "BOOM")
	assert.Equal(t, models.EntityFailed, boom.Status)
	assert.Contains(t, boom.Errors[0].Message, "nil map write")
	assert.Equal(t, models.EntitySuccess, findResult(t, result, "OK").Status)
}

func TestExecute_PartStatusMapping(t *testing.T) {
	tests := []struct {
		name        string
		states      []models.ExecutionStatus
		stateErr    error
		wantStatus  models.EntityStatus
		wantMessage string
		wantSuccess int
		wantFailed  int
	}{
		{
			name:        "succeeded",
			states:      []models.ExecutionStatus{models.StatusNotRun, models.StatusExecuting, models.StatusSucceeded},
			wantStatus:  models.EntitySuccess,
			wantSuccess: 1,
		},
		{
			name:        "failed",
			states:      []models.ExecutionStatus{models.StatusExecuting, models.StatusFailed},
			wantStatus:  models.EntityFailed,
			wantMessage: "finished with status failed",
			wantFailed:  1,
		},
		{
			name:        "canceled",
			states:      []models.ExecutionStatus{models.StatusCanceled},
			wantStatus:  models.EntityFailed,
			wantMessage: "finished with status canceled",
			wantFailed:  1,
		},
		{
			name:        "partially succeeded",
			states:      []models.ExecutionStatus{models.StatusPartiallySucceeded},
			wantStatus:  models.EntityWarning,
			wantMessage: "partially succeeded",
			wantFailed:  1,
		},
		{
			name:        "status error",
			stateErr:    errors.New("503 service unavailable"),
			wantStatus:  models.EntityFailed,
			wantMessage: "finished with status failed",
			wantFailed:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			part := &fakePart{name: "DMF_A_250101", started: time.Now(), states: tt.states, err: tt.stateErr}
			proc := ProcessorFunc(func(context.Context, plan.QueryItem) ([]Part, error) {
				return []Part{part}, nil
			})
			e := newTestExecutor(t, staticPlan{{item("A")}}, proc, Config{})

			result, err := e.Execute(context.Background(), ModeFile, nil)
			require.NoError(t, err)

			a := findResult(t, result, "A")
			assert.Equal(t, tt.wantStatus, a.Status)
			assert.Equal(t, tt.wantSuccess, result.Succeeded)
			assert.Equal(t, tt.wantFailed, result.Failed)
			if tt.wantMessage == "" {
				assert.Empty(t, a.Errors)
			} else {
				require.Len(t, a.Errors, 1)
				assert.Contains(t, a.Errors[0].Message, tt.wantMessage)
				assert.Contains(t, a.Errors[0].Message, "DMF_A_250101")
			}
		})
	}
}

func TestExecute_PartFingerprintIgnoresPartName(t *testing.T) {
	run := func(partName string) string {
		part := &fakePart{name: partName, started: time.Now(), states: []models.ExecutionStatus{models.StatusFailed}}
		proc := ProcessorFunc(func(context.Context, plan.QueryItem) ([]Part, error) {
			return []Part{part}, nil
		})
		e := newTestExecutor(t, staticPlan{{item("A")}}, proc, Config{})
		result, err := e.Execute(context.Background(), ModeFile, nil)
		require.NoError(t, err)
		return result.Results[0].Errors[0].Fingerprint
	}

	assert.Equal(t, run("DMF_A_250101_101010_1"), run("DMF_A_250102_090909_7"))
}

func TestExecute_PartTimeout(t *testing.T) {
	part := &fakePart{
		name:    "DMF_A_1",
		started: time.Now().Add(-2 * time.Hour),
		states:  []models.ExecutionStatus{models.StatusExecuting},
	}
	proc := ProcessorFunc(func(context.Context, plan.QueryItem) ([]Part, error) {
		return []Part{part}, nil
	})
	e := newTestExecutor(t, staticPlan{{item("A")}}, proc, Config{ImportTimeout: time.Hour})

	result, err := e.Execute(context.Background(), ModeFile, nil)
	require.NoError(t, err)

	a := findResult(t, result, "A")
	assert.Equal(t, models.EntityFailed, a.Status)
	assert.Contains(t, a.Errors[0].Message, "did not finish within 1h0m0s")
	assert.Equal(t, 1, result.Failed)
}

func TestExecute_CancellationReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	part := &fakePart{
		name:    "DMF_A_1",
		started: time.Now(),
		states:  []models.ExecutionStatus{models.StatusExecuting},
		onState: cancel,
	}
	var nextCalled atomic.Bool
	proc := ProcessorFunc(func(_ context.Context, it plan.QueryItem) ([]Part, error) {
		if it.EntityName == "NEXT" {
			nextCalled.Store(true)
		}
		return []Part{part}, nil
	})
	e := newTestExecutor(t, staticPlan{{item("A")}, {item("NEXT")}}, proc, Config{PollInterval: time.Hour})

	result, err := e.Execute(ctx, ModeFile, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)

	assert.False(t, nextCalled.Load())
	require.Len(t, result.Results, 1)
	a := result.Results[0]
	assert.Equal(t, models.EntityFailed, a.Status)
	assert.Contains(t, a.Errors[0].Message, "canceled before completion")
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.TotalEntities)
}

func TestExecute_CancellationDuringLastLevelIsReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := ProcessorFunc(func(c context.Context, _ plan.QueryItem) ([]Part, error) {
		cancel()
		return nil, c.Err()
	})
	e := newTestExecutor(t, staticPlan{{item("A"), item("B")}}, proc, Config{})

	result, err := e.Execute(ctx, ModeFile, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)

	assert.Equal(t, 2, result.TotalEntities)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, models.EntityFailed, findResult(t, result, "A").Status)
	assert.Equal(t, models.EntityFailed, findResult(t, result, "B").Status)
}

func TestExecute_RespectsParallelismLimit(t *testing.T) {
	var current, peak atomic.Int32
	proc := ProcessorFunc(func(_ context.Context, it plan.QueryItem) ([]Part, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return []Part{succeededPart(it.EntityName)}, nil
	})

	level := []plan.QueryItem{item("A"), item("B"), item("C"), item("D"), item("E"), item("F")}
	e := newTestExecutor(t, staticPlan{level}, proc, Config{MaxDegreeOfParallelism: 2})

	result, err := e.Execute(context.Background(), ModeFile, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecute_InjectedClock(t *testing.T) {
	start := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time {
		return start.Add(time.Duration(ticks.Add(1)-1) * time.Second)
	}

	proc := ProcessorFunc(func(_ context.Context, it plan.QueryItem) ([]Part, error) {
		return []Part{succeededPart(it.EntityName)}, nil
	})
	e, err := NewExecutor(staticPlan{{item("A")}}, map[Mode]Processor{ModePackage: proc},
		Config{PollInterval: time.Millisecond}, WithClock(clock))
	require.NoError(t, err)

	result, err := e.Execute(context.Background(), ModePackage, nil)
	require.NoError(t, err)
	assert.Equal(t, "cycle-2025-06-01T083000", result.CycleID)
	assert.Equal(t, start, result.Timestamp)
	assert.Equal(t, int64(1000), result.Results[0].DurationMs)
	assert.Positive(t, result.TotalDurationMs)
}
