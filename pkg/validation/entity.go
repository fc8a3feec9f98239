// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided names before they are used as
// file system path elements.
//
// Entity names select a definition directory and name the query file, so
// a name must never contain a path separator or be "." or "..".
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidEntityName is wrapped by every entity name failure.
var ErrInvalidEntityName = errors.New("invalid entity name")

// entityNamePattern matches valid entity names.
// Allows: letters, digits, underscore, space, dot, hyphen
// Must start with a letter, digit or underscore. Max length: 128
var entityNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_ .\-]{0,127}$`)

// ValidateEntityName checks that name is safe as a single path element.
//
// Valid names:
//   - 1-128 characters
//   - Letters, digits and underscores
//   - Spaces, dots and hyphens after the first character
//
// Example:
//
//	if err := validation.ValidateEntityName(name); err != nil {
//	    return fmt.Errorf("query %d: %w", n, err)
//	}
func ValidateEntityName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidEntityName)
	}
	if !entityNamePattern.MatchString(name) || strings.HasSuffix(name, " ") {
		return fmt.Errorf("%w: %q (letters, digits, '_', ' ', '.' or '-', starting with a letter, digit or '_')",
			ErrInvalidEntityName, name)
	}
	return nil
}

// ValidateEntityNames validates every name and lists all invalid ones.
func ValidateEntityNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateEntityName(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %q", ErrInvalidEntityName, invalid)
	}
	return nil
}

// SanitizeEntityName trims and upper-cases name, then validates it.
// Entity names are case-insensitive and stored upper-case.
func SanitizeEntityName(name string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if err := ValidateEntityName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
