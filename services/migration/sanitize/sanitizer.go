// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package sanitize removes credential-shaped fragments from text.

Error messages produced during a migration often echo connection strings,
OAuth parameters or blob SAS URLs. Everything that is persisted or logged
goes through a Sanitizer first.

# Patterns

The default set covers:
  - SQL Server connection strings (Server=...;Database=...)
  - Data Source= fragments
  - Password= and Pwd= values
  - Bearer tokens shaped like JWTs
  - SAS query parameters (sig, sv, se, st, sp, spr, srt, ss)
  - client_secret= values
  - GUID-valued client_id=, tenant_id= and tenant= parameters

Each match is replaced with Redacted.
*/
package sanitize

import (
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Redacted replaces every credential match.
const Redacted = "[REDACTED]"

// Sanitizer redacts sensitive text.
type Sanitizer interface {
	// Sanitize returns text with every credential fragment replaced.
	// Empty input is returned unchanged.
	Sanitize(text string) string
}

// Pattern is one named redaction rule.
type Pattern struct {
	ID          string
	Name        string
	Regexp      *regexp.Regexp
	Replacement string
	CreatedAt   time.Time
}

// Stats reports how much a RegexSanitizer has redacted.
type Stats struct {
	TotalCalls       int64
	TotalRedactions  int64
	ByPattern        map[string]int64
	LastSanitization time.Time
}

// RegexSanitizer applies a list of patterns in order.
//
// Thread Safety: Safe for concurrent use.
type RegexSanitizer struct {
	mu       sync.RWMutex
	patterns []Pattern

	totalCalls      int64
	totalRedactions int64
	byPattern       map[string]int64
	lastSanitize    time.Time
}

// DefaultPatterns returns the credential patterns used by New.
func DefaultPatterns() []Pattern {
	now := time.Now()
	mk := func(name, expr string) Pattern {
		return Pattern{
			ID:          uuid.NewString(),
			Name:        name,
			Regexp:      regexp.MustCompile(expr),
			Replacement: Redacted,
			CreatedAt:   now,
		}
	}
	return []Pattern{
		mk("sql_connection", `(?i)Server\s*=\s*[^;]+;.*?(?:Database|Initial Catalog)\s*=\s*[^;]+`),
		mk("data_source", `(?i)Data Source\s*=\s*[^;]+`),
		mk("password", `(?i)(?:Password|Pwd)\s*=\s*[^;\s]+`),
		mk("bearer_jwt", `(?i)Bearer\s+eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
		mk("sas_parameter", `(?i)(?:sig|sv|se|st|sp|spr|srt|ss)\s*=\s*[^&\s]+`),
		mk("client_secret", `(?i)client_secret\s*=\s*[^\s&]+`),
		mk("client_guid", `(?i)(?:client_id|tenant_id|tenant)\s*=\s*[0-9a-fA-F-]{36}`),
	}
}

// New returns a RegexSanitizer with the default patterns.
func New() *RegexSanitizer {
	return NewWithPatterns(DefaultPatterns())
}

// NewWithPatterns returns a RegexSanitizer with the given patterns.
// Missing IDs and creation times are filled in.
func NewWithPatterns(patterns []Pattern) *RegexSanitizer {
	now := time.Now()
	ps := make([]Pattern, len(patterns))
	copy(ps, patterns)
	for i := range ps {
		if ps[i].ID == "" {
			ps[i].ID = uuid.NewString()
		}
		if ps[i].CreatedAt.IsZero() {
			ps[i].CreatedAt = now
		}
	}
	return &RegexSanitizer{
		patterns:  ps,
		byPattern: make(map[string]int64),
	}
}

// Sanitize implements Sanitizer.
func (s *RegexSanitizer) Sanitize(text string) string {
	if text == "" {
		return text
	}

	s.mu.RLock()
	patterns := s.patterns
	s.mu.RUnlock()

	counts := make(map[string]int, len(patterns))
	out := text
	for _, p := range patterns {
		matches := p.Regexp.FindAllStringIndex(out, -1)
		if len(matches) == 0 {
			continue
		}
		counts[p.Name] += len(matches)
		out = p.Regexp.ReplaceAllString(out, p.Replacement)
	}

	s.mu.Lock()
	s.totalCalls++
	s.lastSanitize = time.Now()
	for name, n := range counts {
		s.totalRedactions += int64(n)
		s.byPattern[name] += int64(n)
	}
	s.mu.Unlock()
	return out
}

// AddPattern appends a redaction rule.
func (s *RegexSanitizer) AddPattern(name string, re *regexp.Regexp, replacement string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Copy on write; Sanitize iterates a snapshot without holding the lock.
	next := make([]Pattern, len(s.patterns), len(s.patterns)+1)
	copy(next, s.patterns)
	s.patterns = append(next, Pattern{
		ID:          uuid.NewString(),
		Name:        name,
		Regexp:      re,
		Replacement: replacement,
		CreatedAt:   time.Now(),
	})
}

// PatternCount returns the number of rules.
func (s *RegexSanitizer) PatternCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// Stats returns a snapshot of the redaction counters.
func (s *RegexSanitizer) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	by := make(map[string]int64, len(s.byPattern))
	for k, v := range s.byPattern {
		by[k] = v
	}
	return Stats{
		TotalCalls:       s.totalCalls,
		TotalRedactions:  s.totalRedactions,
		ByPattern:        by,
		LastSanitization: s.lastSanitize,
	}
}

// Func adapts a plain function to Sanitizer.
type Func func(string) string

// Sanitize implements Sanitizer.
func (f Func) Sanitize(text string) string { return f(text) }

// Nop returns text unchanged.
var Nop Sanitizer = Func(func(s string) string { return s })
