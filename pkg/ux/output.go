// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders command results for the d365migrate CLI.
//
// On a terminal the output is styled with lipgloss. When stdout is
// redirected, or NO_COLOR is set, the Printer switches to plain
// tab-separated lines that are easy to grep and parse.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/d365migrate/services/migration/comparison"
	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/readiness"
)

// Palette. Deep ocean teals with the usual semantic colors.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

type styles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	bold    lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	box     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		muted:   r.NewStyle().Foreground(ColorSlate),
		bold:    r.NewStyle().Bold(true),
		success: r.NewStyle().Foreground(ColorSuccess),
		warning: r.NewStyle().Foreground(ColorWarning),
		err:     r.NewStyle().Foreground(ColorError),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorTealDeep).
			Padding(0, 1),
	}
}

// Printer writes command output.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	w      io.Writer
	plain  bool
	styles styles
}

// NewPrinter returns a Printer for w. plain forces undecorated output.
func NewPrinter(w io.Writer, plain bool) *Printer {
	return &Printer{
		w:      w,
		plain:  plain,
		styles: newStyles(lipgloss.NewRenderer(w)),
	}
}

// Stdout returns a Printer for os.Stdout, plain unless stdout is a
// terminal and NO_COLOR is unset.
func Stdout() *Printer {
	return NewPrinter(os.Stdout, !IsTerminal(os.Stdout) || os.Getenv("NO_COLOR") != "")
}

// IsTerminal reports whether f is a terminal, including Cygwin and MSYS
// pseudo terminals.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Plain reports whether the printer writes undecorated output.
func (p *Printer) Plain() bool { return p.plain }

func (p *Printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

// Title prints a heading. Plain printers skip it.
func (p *Printer) Title(text string) {
	if p.plain {
		return
	}
	p.printf("%s\n", p.styles.title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if p.plain {
		p.printf("OK: %s\n", text)
		return
	}
	p.printf("%s %s\n", p.icon(IconSuccess), p.styles.success.Render(text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	if p.plain {
		p.printf("WARN: %s\n", text)
		return
	}
	p.printf("%s %s\n", p.icon(IconWarning), p.styles.warning.Render(text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	if p.plain {
		p.printf("ERROR: %s\n", text)
		return
	}
	p.printf("%s %s\n", p.icon(IconError), p.styles.err.Render(text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.plain {
		p.printf("%s\n", text)
		return
	}
	p.printf("%s %s\n", p.styles.muted.Render("│"), text)
}

func (p *Printer) icon(i Icon) string {
	switch i {
	case IconSuccess:
		return p.styles.success.Render(string(i))
	case IconWarning:
		return p.styles.warning.Render(string(i))
	case IconError:
		return p.styles.err.Render(string(i))
	case IconPending:
		return p.styles.muted.Render(string(i))
	default:
		return string(i)
	}
}

func statusIcon(s models.EntityStatus) Icon {
	switch s {
	case models.EntitySuccess:
		return IconSuccess
	case models.EntityWarning:
		return IconWarning
	case models.EntityFailed:
		return IconError
	default:
		return IconPending
	}
}

// Cycle prints the per-entity outcome of a cycle followed by totals.
//
// Plain format, one line per entity then a summary line:
//
//	ENTITY\t<name>\t<status>\trecords=<n>\tduration=<d>\terrors=<n>
//	SUMMARY\tcycle=<id>\ttotal=<n>\tsucceeded=<n>\twarnings=<n>\tfailed=<n>\tskipped=<n>
func (p *Printer) Cycle(c *models.CycleResult) {
	if c == nil {
		return
	}
	s := c.Summary
	if p.plain {
		for _, r := range c.Results {
			p.printf("ENTITY\t%s\t%s\trecords=%d\tduration=%s\terrors=%d\n",
				r.EntityName, r.Status, r.RecordCount, ms(r.DurationMs), len(r.Errors))
		}
		p.printf("SUMMARY\tcycle=%s\ttotal=%d\tsucceeded=%d\twarnings=%d\tfailed=%d\tskipped=%d\n",
			c.CycleID, s.TotalEntities, s.Succeeded, s.Warnings, s.Failed, s.Skipped)
		return
	}

	width := 0
	for _, r := range c.Results {
		width = max(width, len(r.EntityName))
	}
	var b strings.Builder
	b.WriteString(p.styles.title.Render(c.CycleID) + " " + p.styles.muted.Render(c.Command) + "\n")
	for _, r := range c.Results {
		fmt.Fprintf(&b, "%s %-*s %s", p.icon(statusIcon(r.Status)), width, r.EntityName,
			p.styles.muted.Render(fmt.Sprintf("%d records  %s", r.RecordCount, ms(r.DurationMs))))
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "\n   %s %s", p.styles.muted.Render(string(IconArrow)), p.styles.err.Render(e.Message))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s %s  %s %s  %s %s  %s %s  %s",
		p.styles.success.Render(fmt.Sprint(s.Succeeded)), p.styles.muted.Render("succeeded"),
		p.styles.warning.Render(fmt.Sprint(s.Warnings)), p.styles.muted.Render("warnings"),
		p.styles.err.Render(fmt.Sprint(s.Failed)), p.styles.muted.Render("failed"),
		p.styles.bold.Render(fmt.Sprint(s.Skipped)), p.styles.muted.Render("skipped"),
		p.styles.muted.Render(ms(s.TotalDurationMs)))
	p.printf("%s\n", p.styles.box.Render(b.String()))
}

// Comparison prints the new, carried over and resolved error counts.
func (p *Printer) Comparison(r *comparison.Result) {
	if r == nil {
		return
	}
	if r.IsFirstCycle {
		if p.plain {
			p.printf("COMPARISON\tcurrent=%s\tfirst_cycle=true\n", r.CurrentCycleID)
			return
		}
		p.Info(fmt.Sprintf("%s is the first cycle; nothing to compare", r.CurrentCycleID))
		return
	}
	if p.plain {
		p.printf("COMPARISON\tcurrent=%s\tprevious=%s\tnew=%d\tcarry_over=%d\tresolved=%d\n",
			r.CurrentCycleID, r.PreviousCycleID, r.TotalNewErrors, r.TotalCarryOverErrors, r.TotalResolvedErrors)
		return
	}
	p.printf("%s %s %s\n", p.styles.muted.Render(r.PreviousCycleID), IconArrow, p.styles.title.Render(r.CurrentCycleID))
	p.printf("  %s %s  %s %s  %s %s\n",
		p.styles.err.Render(fmt.Sprint(r.TotalNewErrors)), p.styles.muted.Render("new"),
		p.styles.warning.Render(fmt.Sprint(r.TotalCarryOverErrors)), p.styles.muted.Render("carried over"),
		p.styles.success.Render(fmt.Sprint(r.TotalResolvedErrors)), p.styles.muted.Render("resolved"))
}

// Readiness prints the entity verdict counts of a readiness report.
func (p *Printer) Readiness(r *readiness.Report) {
	if r == nil {
		return
	}
	if p.plain {
		p.printf("READINESS\tcycles=%d\tentities=%d\tsuccess=%d\twarning=%d\tfailure=%d\n",
			r.CyclesAnalyzed, r.TotalEntities, r.SuccessCount, r.WarningCount, r.FailureCount)
		return
	}
	p.Title(fmt.Sprintf("Readiness over %d cycle(s)", r.CyclesAnalyzed))
	if r.FewerCyclesThanRequested {
		p.Warning(fmt.Sprintf("only %d of %d requested cycles are available", r.CyclesAnalyzed, r.CyclesRequested))
	}
	p.printf("  %s %s  %s %s  %s %s\n",
		p.styles.success.Render(fmt.Sprint(r.SuccessCount)), p.styles.muted.Render("ready"),
		p.styles.warning.Render(fmt.Sprint(r.WarningCount)), p.styles.muted.Render("warning"),
		p.styles.err.Render(fmt.Sprint(r.FailureCount)), p.styles.muted.Render("failing"))
	p.printf("  %s\n", p.ProgressBar(r.SuccessCount, r.TotalEntities, 30))
}

// ProgressBar renders current/total as a bar, or "current/total" when
// plain.
func (p *Printer) ProgressBar(current, total, width int) string {
	if p.plain || total <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := float64(current) / float64(total)
	filled := int(pct * float64(width))
	return fmt.Sprintf("%s%s %3.0f%%",
		p.styles.success.Render(strings.Repeat("█", filled)),
		p.styles.muted.Render(strings.Repeat("░", width-filled)),
		pct*100)
}

func ms(v int64) string {
	return (time.Duration(v) * time.Millisecond).String()
}
