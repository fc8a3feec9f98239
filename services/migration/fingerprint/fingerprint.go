// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint derives stable identifiers for error messages so the
// same logical failure can be recognized across migration cycles.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Length is the number of hex characters in a fingerprint.
const Length = 16

// Normalization steps, applied in order. Volatile fragments are removed
// before whitespace is collapsed so that their surroundings line up.
var (
	guidPattern       = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	isoTimePattern    = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`)
	usDateTimePattern = regexp.MustCompile(`(?i)\d{1,2}/\d{1,2}/\d{4}\s+\d{1,2}:\d{2}(?::\d{2})?(?:\s*(?:AM|PM))?`)
	spaceTimePattern  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}`)
	recordIDPattern   = regexp.MustCompile(`\b\d{5,}\b`)
	whitespacePattern = regexp.MustCompile(`\s+`)

	volatilePatterns = []*regexp.Regexp{
		guidPattern,
		isoTimePattern,
		usDateTimePattern,
		spaceTimePattern,
		recordIDPattern,
	}
)

// Fingerprinter computes error fingerprints.
type Fingerprinter interface {
	ComputeFingerprint(entityName, message string) string
}

// Hasher is the default Fingerprinter. The zero value is ready to use.
type Hasher struct{}

// New returns the default Fingerprinter.
func New() Hasher { return Hasher{} }

// ComputeFingerprint returns 16 lowercase hex characters identifying
// message for entityName.
//
// Description:
//
//	Strips GUIDs, timestamps and record ids from message, collapses
//	whitespace and lowercases it, then hashes "<entity>|<message>" with
//	SHA-256 and keeps the first 8 bytes. An empty message is valid input.
func (Hasher) ComputeFingerprint(entityName, message string) string {
	sum := sha256.Sum256([]byte(entityName + "|" + Normalize(message)))
	return hex.EncodeToString(sum[:Length/2])
}

// Normalize applies the normalization steps used before hashing.
func Normalize(message string) string {
	if message == "" {
		return ""
	}
	out := message
	for _, p := range volatilePatterns {
		out = p.ReplaceAllString(out, "")
	}
	out = whitespacePattern.ReplaceAllString(out, " ")
	return strings.ToLower(strings.TrimSpace(out))
}
