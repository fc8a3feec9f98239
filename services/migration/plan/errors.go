// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package plan

import (
	"errors"
	"fmt"
)

// ErrConfig is the kind wrapped by every ConfigError.
var ErrConfig = errors.New("configuration error")

// ConfigError describes invalid or incomplete migration settings.
//
// Query is the 1-based position of the offending query, or 0 when the
// problem is not tied to one query. Path carries the file or directory
// that was checked, when there is one.
type ConfigError struct {
	Query  int
	Reason string
	Path   string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := e.Reason
	if e.Query > 0 {
		msg = fmt.Sprintf("source query %d: %s", e.Query, e.Reason)
	}
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrConfig and the underlying cause.
func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfig, e.Err}
	}
	return []error{ErrConfig}
}

func configErr(query int, reason, path string) error {
	return &ConfigError{Query: query, Reason: reason, Path: path}
}
