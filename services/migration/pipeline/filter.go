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
	"sort"
	"strings"

	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

// ParseEntityFilter splits a comma separated list of entity names.
// Blank entries are dropped; nil is returned when nothing remains.
func ParseEntityFilter(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FilterLevels keeps only the requested entities.
//
// Description:
//
//	Names are matched case-insensitively. If any requested name is not
//	planned, nothing is filtered and an *EntityValidationError listing
//	the unknown names and every valid name is returned. Otherwise each
//	level keeps its matching items in their original order and levels
//	left empty are dropped. Repeated names select an entity once.
//
// Inputs:
//
//	levels - The execution plan. Not modified.
//	filter - Requested names. Nil or empty selects everything.
//
// Outputs:
//
//	[][]plan.QueryItem - The filtered plan.
//	error - *EntityValidationError for unknown names.
func FilterLevels(levels [][]plan.QueryItem, filter []string) ([][]plan.QueryItem, error) {
	if len(filter) == 0 {
		return levels, nil
	}

	known := make(map[string]string)
	for _, level := range levels {
		for _, item := range level {
			known[strings.ToUpper(item.EntityName)] = item.EntityName
		}
	}

	wanted := make(map[string]struct{}, len(filter))
	invalidSeen := make(map[string]struct{})
	var invalid []string
	for _, name := range filter {
		key := strings.ToUpper(strings.TrimSpace(name))
		if _, ok := known[key]; !ok {
			if _, dup := invalidSeen[key]; !dup {
				invalidSeen[key] = struct{}{}
				invalid = append(invalid, name)
			}
			continue
		}
		wanted[key] = struct{}{}
	}

	if len(invalid) > 0 {
		valid := make([]string, 0, len(known))
		for _, name := range known {
			valid = append(valid, name)
		}
		sort.Strings(valid)
		sort.Strings(invalid)
		return nil, &EntityValidationError{InvalidNames: invalid, ValidNames: valid}
	}

	out := make([][]plan.QueryItem, 0, len(levels))
	for _, level := range levels {
		var kept []plan.QueryItem
		for _, item := range level {
			if _, ok := wanted[strings.ToUpper(item.EntityName)]; ok {
				kept = append(kept, item)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out, nil
}

// normalizeFilter returns the filter as recorded on the cycle result:
// deduplicated case-insensitively in first-seen order, or ["all"].
func normalizeFilter(filter []string, all string) []string {
	if len(filter) == 0 {
		return []string{all}
	}
	seen := make(map[string]struct{}, len(filter))
	out := make([]string, 0, len(filter))
	for _, name := range filter {
		key := strings.ToUpper(strings.TrimSpace(name))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}
