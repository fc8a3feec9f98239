// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCycleID(t *testing.T) {
	start := time.Date(2025, 3, 9, 14, 5, 7, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "cycle-2025-03-09T130507", NewCycleID(start))
}

func TestExecutionStatus_Text(t *testing.T) {
	data, err := json.Marshal(map[string]ExecutionStatus{"s": StatusPartiallySucceeded})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"partiallySucceeded"}`, string(data))

	var decoded map[string]ExecutionStatus
	require.NoError(t, json.Unmarshal([]byte(`{"s":"Canceled"}`), &decoded))
	assert.Equal(t, StatusCanceled, decoded["s"])

	_, err = ParseExecutionStatus("Exploded")
	assert.Error(t, err)
}

func TestExecutionStatus_Terminal(t *testing.T) {
	terminal := map[ExecutionStatus]bool{
		StatusUnknown:            false,
		StatusNotRun:             false,
		StatusExecuting:          false,
		StatusSucceeded:          true,
		StatusPartiallySucceeded: true,
		StatusFailed:             true,
		StatusCanceled:           true,
	}
	for s, want := range terminal {
		assert.Equal(t, want, s.Terminal(), s.String())
	}
}

func TestSummarize(t *testing.T) {
	results := []EntityResult{
		{EntityName: "A", Status: EntitySuccess},
		{EntityName: "B", Status: EntityFailed},
		{EntityName: "C", Status: EntityWarning},
		{EntityName: "D", Status: EntitySkipped},
		{EntityName: "E", Status: EntitySuccess},
	}
	s := Summarize(results, 1500*time.Millisecond)
	assert.Equal(t, CycleSummary{
		TotalEntities:   5,
		Succeeded:       2,
		Failed:          1,
		Warnings:        1,
		Skipped:         1,
		TotalDurationMs: 1500,
	}, s)
}

func TestCycleResult_CloneIsDeep(t *testing.T) {
	original := &CycleResult{
		CycleID:           "cycle-1",
		EntitiesRequested: []string{"A"},
		Results: []EntityResult{{
			EntityName: "A",
			Errors:     []EntityError{{Message: "Password=x"}},
		}},
	}

	clone := original.Clone()
	clone.Results[0].Errors[0].Message = "changed"
	clone.EntitiesRequested[0] = "B"

	assert.Equal(t, "Password=x", original.Results[0].Errors[0].Message)
	assert.Equal(t, "A", original.EntitiesRequested[0])
	assert.Nil(t, (*CycleResult)(nil).Clone())
}

func TestCycleResult_JSONShape(t *testing.T) {
	c := CycleResult{
		CycleID:   "cycle-2025-01-01T000000",
		Command:   "file",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Results: []EntityResult{{
			EntityName:        "CUSTOMERS",
			DefinitionGroupID: "DMF_CUSTOMERS",
			Status:            EntityFailed,
			Errors:            []EntityError{{Message: "m", Fingerprint: "0123456789abcdef", Category: CategoryDataQuality}},
		}},
	}
	data, err := json.Marshal(c)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "cycleId")
	assert.Contains(t, raw, "totalDurationMs")
	assert.NotContains(t, raw, "entitiesRequested", "empty optional fields are omitted")

	entity := raw["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "failed", entity["status"])
	assert.Equal(t, "DMF_CUSTOMERS", entity["definitionGroupId"])
	assert.Equal(t, "dataQuality", entity["errors"].([]any)[0].(map[string]any)["category"])
}
