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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for pipeline execution.
var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnsupportedMode indicates no processor is registered for a mode.
	ErrUnsupportedMode = errors.New("unsupported pipeline mode")

	// ErrEntityValidation is the kind wrapped by EntityValidationError.
	ErrEntityValidation = errors.New("entity validation failed")

	// ErrNilPlan indicates an executor was created without a plan.
	ErrNilPlan = errors.New("plan must not be nil")
)

// EntityValidationError reports requested entity names that are not part
// of the plan. Both lists are sorted.
type EntityValidationError struct {
	InvalidNames []string
	ValidNames   []string
}

func (e *EntityValidationError) Error() string {
	return fmt.Sprintf("Invalid entity names: %s. Valid entities: %s",
		strings.Join(e.InvalidNames, ", "),
		strings.Join(e.ValidNames, ", "))
}

func (e *EntityValidationError) Unwrap() error { return ErrEntityValidation }
