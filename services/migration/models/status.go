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
	"fmt"
	"strings"
)

// ExecutionStatus is the state of one processing part as reported by the
// system that executes it.
type ExecutionStatus int

const (
	StatusUnknown ExecutionStatus = iota
	StatusNotRun
	StatusExecuting
	StatusSucceeded
	StatusPartiallySucceeded
	StatusFailed
	StatusCanceled
)

var executionStatusNames = [...]string{
	StatusUnknown:            "unknown",
	StatusNotRun:             "notRun",
	StatusExecuting:          "executing",
	StatusSucceeded:          "succeeded",
	StatusPartiallySucceeded: "partiallySucceeded",
	StatusFailed:             "failed",
	StatusCanceled:           "canceled",
}

func (s ExecutionStatus) String() string {
	if s < 0 || int(s) >= len(executionStatusNames) {
		return fmt.Sprintf("ExecutionStatus(%d)", int(s))
	}
	return executionStatusNames[s]
}

// Terminal reports whether no further transition is expected.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusPartiallySucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// MarshalText encodes the status as its camelCase name.
func (s ExecutionStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(executionStatusNames) {
		return nil, fmt.Errorf("invalid execution status %d", int(s))
	}
	return []byte(executionStatusNames[s]), nil
}

// UnmarshalText accepts any casing of a status name.
func (s *ExecutionStatus) UnmarshalText(text []byte) error {
	v, err := ParseExecutionStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseExecutionStatus parses a status name case-insensitively, so both
// "PartiallySucceeded" and "partiallySucceeded" are accepted.
func ParseExecutionStatus(name string) (ExecutionStatus, error) {
	trimmed := strings.TrimSpace(name)
	for i, n := range executionStatusNames {
		if strings.EqualFold(n, trimmed) {
			return ExecutionStatus(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown execution status %q", name)
}

// EntityStatus is the outcome of one entity in a cycle.
type EntityStatus string

const (
	EntitySuccess EntityStatus = "success"
	EntityWarning EntityStatus = "warning"
	EntityFailed  EntityStatus = "failed"
	EntitySkipped EntityStatus = "skipped"
)

// ErrorCategory groups entity errors by origin.
type ErrorCategory string

const (
	CategoryTechnical     ErrorCategory = "technical"
	CategoryDataQuality   ErrorCategory = "dataQuality"
	CategoryDependency    ErrorCategory = "dependency"
	CategoryConfiguration ErrorCategory = "configuration"
)
