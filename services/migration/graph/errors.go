// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph operations.
var (
	// ErrInvalidGraphRelation indicates an edge or resource declaration
	// between members of different graphs.
	ErrInvalidGraphRelation = errors.New("invalid graph relation")

	// ErrCyclicDependency is the kind wrapped by CyclicDependencyError.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrNilNode indicates a nil node or resource argument.
	ErrNilNode = errors.New("nil node")
)

// CyclicDependencyError is returned by CalculateSort when no complete
// ordering exists. Remaining lists the nodes that could not be placed,
// in insertion order; it is empty when the graph has no nodes at all.
type CyclicDependencyError struct {
	Remaining []string
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Remaining) == 0 {
		return "Cannot order this set of processes"
	}
	return fmt.Sprintf("Cannot order this set of processes: unresolved %s",
		strings.Join(e.Remaining, ", "))
}

func (e *CyclicDependencyError) Unwrap() error { return ErrCyclicDependency }

func invalidRelation(from, to string) error {
	return fmt.Errorf("%w: %q and %q belong to different graphs", ErrInvalidGraphRelation, from, to)
}
