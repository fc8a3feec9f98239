// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/d365migrate/cmd/d365migrate/config"
	"github.com/AleutianAI/d365migrate/services/migration/d365"
	"github.com/AleutianAI/d365migrate/services/migration/graph"
	"github.com/AleutianAI/d365migrate/services/migration/pipeline"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
)

// CommandError carries the exit code a command finished with.
//
// # Description
//
// Commands return a CommandError when the outcome is known, such as
// failed parts or an invalid flag. Any other error is classified by
// ExitCode.
//
// # Example
//
//	return &CommandError{Command: "export-file", ExitCode: ExitFailure,
//	    Wrapped: fmt.Errorf("%d of %d parts failed", failed, total)}
type CommandError struct {
	// Command is the subcommand that failed.
	Command string

	// ExitCode is the process exit code.
	ExitCode int

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns "<command> (exit <code>): <cause>".
func (e *CommandError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap enables errors.Is and errors.As through the chain.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// WrapCommandError attaches the exit code ExitCode derives for err.
// An existing *CommandError is returned as-is.
func WrapCommandError(command string, err error) *CommandError {
	if err == nil {
		return nil
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce
	}
	return &CommandError{Command: command, ExitCode: ExitCode(err), Wrapped: err}
}

// ExitCode maps err to a process exit code.
//
// # Description
//
// Entity validation, configuration, plan and settings errors stop a
// command before any work and map to ExitConfig. Everything else,
// including cancellation, maps to ExitFailure.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	switch {
	case errors.Is(err, pipeline.ErrEntityValidation),
		errors.Is(err, config.ErrConfig),
		errors.Is(err, plan.ErrConfig),
		errors.Is(err, graph.ErrCyclicDependency),
		errors.Is(err, d365.ErrSettings):
		return ExitConfig
	default:
		return ExitFailure
	}
}

func usageError(command, format string, args ...any) error {
	return &CommandError{Command: command, ExitCode: ExitConfig, Wrapped: fmt.Errorf(format, args...)}
}
