// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders comparison and readiness results as Markdown
// and writes them to disk.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/d365migrate/services/migration/comparison"
	"github.com/AleutianAI/d365migrate/services/migration/readiness"
)

const footer = "*Generated by d365migrate*"

// fileTimeLayout stamps default report file names.
const fileTimeLayout = "2006-01-02T150405"

// ReadinessFileName is the default name of a readiness report.
func ReadinessFileName(generatedAt time.Time) string {
	return "readiness-report-" + generatedAt.UTC().Format(fileTimeLayout) + ".md"
}

// ComparisonFileName is the default name of a comparison report.
func ComparisonFileName(generatedAt time.Time) string {
	return "error-comparison-" + generatedAt.UTC().Format(fileTimeLayout) + ".md"
}

// Readiness renders r as Markdown.
func Readiness(r *readiness.Report) string {
	var b strings.Builder

	b.WriteString("# Migration Readiness Report\n\n")
	fmt.Fprintf(&b, "**Generated:** %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "**Cycles Analyzed:** %d of %d\n\n", r.CyclesAnalyzed, r.CyclesRequested)

	if r.FewerCyclesThanRequested {
		if r.CyclesAnalyzed == 1 {
			b.WriteString("> **Note:** Only 1 cycle available. Trend data requires multiple cycles.\n\n")
		} else {
			fmt.Fprintf(&b, "> **Note:** Only %d cycle(s) available of %d requested.\n\n", r.CyclesAnalyzed, r.CyclesRequested)
		}
	}

	b.WriteString("## Summary\n\n")
	b.WriteString("| Metric | Value |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| Cycles Analyzed | %d |\n", r.CyclesAnalyzed)
	fmt.Fprintf(&b, "| Total Entities | %d |\n", r.TotalEntities)
	fmt.Fprintf(&b, "| Entities at Success | %d |\n", r.SuccessCount)
	fmt.Fprintf(&b, "| Entities at Warning | %d |\n", r.WarningCount)
	fmt.Fprintf(&b, "| Entities at Failure | %d |\n\n", r.FailureCount)

	b.WriteString("## Error Trends\n\n")
	b.WriteString("| Cycle | Date | Total Errors | Entities | Succeeded | Failed |\n")
	b.WriteString("|-------|------|-------------|----------|-----------|--------|\n")
	for _, p := range r.CycleTrends {
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %d | %d |\n",
			p.CycleID, p.Timestamp.UTC().Format("2006-01-02"),
			p.TotalErrors, p.TotalEntities, p.SucceededEntities, p.FailedEntities)
	}
	b.WriteString("\n## Entity Details\n\n")

	for _, e := range r.EntityDetails {
		fmt.Fprintf(&b, "### `%s` - %s (%s)\n\n", e.EntityName, classificationLabel(e.Classification), e.Trend)
		b.WriteString("| Cycle | Errors |\n|-------|--------|\n")
		for i, p := range r.CycleTrends {
			n := 0
			if i < len(e.ErrorHistory) {
				n = e.ErrorHistory[i]
			}
			fmt.Fprintf(&b, "| %s | %d |\n", p.CycleID, n)
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n" + footer + "\n")
	return b.String()
}

func classificationLabel(c readiness.Classification) string {
	switch c {
	case readiness.ClassificationSuccess:
		return "pass"
	case readiness.ClassificationWarning:
		return "warn"
	case readiness.ClassificationFailure:
		return "FAIL"
	default:
		return strings.ToLower(string(c))
	}
}

// Comparison renders r as Markdown.
func Comparison(r *comparison.Result) string {
	var b strings.Builder

	b.WriteString("# Error Comparison Report\n\n")
	fmt.Fprintf(&b, "**Generated:** %s\n", r.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "**Current Cycle:** %s\n", orDash(r.CurrentCycleID))
	fmt.Fprintf(&b, "**Previous Cycle:** %s\n\n", orDash(r.PreviousCycleID))

	if r.IsFirstCycle {
		b.WriteString("> **Note:** No previous cycle is available. This is the baseline for future comparisons.\n\n")
		b.WriteString("---\n" + footer + "\n")
		return b.String()
	}

	b.WriteString("## Summary\n\n")
	b.WriteString("| Metric | Value |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| New Errors | %d |\n", r.TotalNewErrors)
	fmt.Fprintf(&b, "| Carry-over Errors | %d |\n", r.TotalCarryOverErrors)
	fmt.Fprintf(&b, "| Resolved Errors | %d |\n", r.TotalResolvedErrors)
	fmt.Fprintf(&b, "| Entities Compared | %d |\n\n", len(r.EntityComparisons))

	if len(r.EntityComparisons) == 0 {
		b.WriteString("No errors in either cycle.\n\n")
	}

	for _, ec := range r.EntityComparisons {
		fmt.Fprintf(&b, "## `%s` (%s)\n\n", ec.EntityName, ec.CurrentStatus)
		writeErrors(&b, "New Errors", ec.NewErrors)
		writeErrors(&b, "Carry-over Errors", ec.CarryOverErrors)
		if len(ec.ResolvedFingerprints) > 0 {
			fmt.Fprintf(&b, "### Resolved (%d)\n\n", len(ec.ResolvedFingerprints))
			for _, fp := range ec.ResolvedFingerprints {
				fmt.Fprintf(&b, "- `%s`\n", fp)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("---\n" + footer + "\n")
	return b.String()
}

func writeErrors(b *strings.Builder, title string, errs []comparison.ClassifiedError) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintf(b, "### %s (%d)\n\n", title, len(errs))
	b.WriteString("| Fingerprint | Category | Message |\n|-------------|----------|---------|\n")
	for _, e := range errs {
		fmt.Fprintf(b, "| `%s` | %s | %s |\n", e.Fingerprint, e.Category, escapeCell(e.Message))
	}
	b.WriteString("\n")
}

// escapeCell keeps a message on one table row.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\r\n", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Write stores content at path, creating parent directories.
func Write(path, content string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// ResolvePath returns explicit when set, otherwise name inside dir.
func ResolvePath(explicit, dir, name string) string {
	if explicit != "" {
		return explicit
	}
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, name)
}
