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
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/d365migrate/services/migration/comparison"
	"github.com/AleutianAI/d365migrate/services/migration/readiness"
	"github.com/AleutianAI/d365migrate/services/migration/report"
	"github.com/AleutianAI/d365migrate/services/migration/storage"
	"github.com/AleutianAI/d365migrate/services/migration/trends"
)

// errNoCycles is returned when a report has no stored cycle to read.
var errNoCycles = errors.New("no cycle results found")

func newCompareCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	var cycleID, output string
	cmd := &cobra.Command{
		Use:     "compare-errors",
		Aliases: []string{"ce"},
		Short:   "Compare the errors of the latest cycle with a previous one",
		Long: `Classifies every error of the latest cycle as new or carry-over and lists
the errors of the previous cycle that no longer occur. --cycle selects
the baseline cycle; by default it is the cycle before the latest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			const name = "compare-errors"
			if cycleID != "" && !storage.ValidCycleID(cycleID) {
				return usageError(name, "invalid cycle id %q, expected cycle-yyyy-MM-ddTHHmmss", cycleID)
			}
			a, err := newApp(cmd.Context(), opts, stdout, stderr)
			if err != nil {
				return WrapCommandError(name, err)
			}
			defer a.close()

			ctx := cmd.Context()
			repo, err := a.openRepository(a.outputDirectory())
			if err != nil {
				return WrapCommandError(name, err)
			}
			svc, err := comparison.NewService(repo, a.log)
			if err != nil {
				return WrapCommandError(name, err)
			}

			current, previous := "", ""
			if cycleID != "" {
				latest, err := repo.GetLatest(ctx, 1)
				if err != nil {
					return WrapCommandError(name, err)
				}
				if len(latest) > 0 && latest[0].CycleID != cycleID {
					current, previous = latest[0].CycleID, cycleID
				}
			}

			result, err := svc.Compare(ctx, current, previous)
			if err != nil {
				return WrapCommandError(name, err)
			}
			if result.IsFirstCycle && result.CurrentCycleID == "" {
				return &CommandError{Command: name, ExitCode: ExitFailure, Wrapped: errNoCycles}
			}

			path := report.ResolvePath(output, a.reportDirectory(), report.ComparisonFileName(result.Timestamp))
			if err := report.Write(path, report.Comparison(result)); err != nil {
				return WrapCommandError(name, err)
			}
			a.out.Comparison(result)
			a.out.Success("comparison report written to " + path)
			return nil
		},
	}
	cmd.Flags().StringVar(&cycleID, "cycle", "", "Baseline cycle id (default the cycle before the latest)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Report file path (default <report dir>/error-comparison-<time>.md)")
	return cmd
}

type readinessOptions struct {
	cycles           int
	output           string
	successThreshold int
	warningThreshold int
	influx           bool
}

func newReadinessCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	ro := &readinessOptions{}
	cmd := &cobra.Command{
		Use:     "readiness-report",
		Aliases: []string{"rr"},
		Short:   "Summarize how ready every entity is over the latest cycles",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			const name = "readiness-report"
			flags := cmd.Flags()
			if flags.Changed("cycles") && ro.cycles <= 0 {
				return usageError(name, "--cycles must be a positive number, got %d", ro.cycles)
			}

			a, err := newApp(cmd.Context(), opts, stdout, stderr)
			if err != nil {
				return WrapCommandError(name, err)
			}
			defer a.close()

			settings := a.cfg.ReadinessSettings()
			if flags.Changed("threshold-success") {
				settings.SuccessThreshold = ro.successThreshold
			}
			if flags.Changed("threshold-warning") {
				settings.WarningThreshold = ro.warningThreshold
			}
			if settings.SuccessThreshold < 0 || settings.WarningThreshold < 0 {
				return usageError(name, "thresholds must not be negative")
			}
			if settings.WarningThreshold < settings.SuccessThreshold {
				return usageError(name, "warning threshold %d is below success threshold %d",
					settings.WarningThreshold, settings.SuccessThreshold)
			}

			ctx := cmd.Context()
			repo, err := a.openRepository(a.outputDirectory())
			if err != nil {
				return WrapCommandError(name, err)
			}
			svc, err := readiness.NewService(repo, settings, a.log)
			if err != nil {
				return WrapCommandError(name, err)
			}
			rep, err := svc.Generate(ctx, ro.cycles)
			if err != nil {
				return WrapCommandError(name, err)
			}
			if rep == nil {
				return &CommandError{Command: name, ExitCode: ExitFailure, Wrapped: errNoCycles}
			}

			path := report.ResolvePath(ro.output, a.reportDirectory(), report.ReadinessFileName(rep.GeneratedAt))
			if err := report.Write(path, report.Readiness(rep)); err != nil {
				return WrapCommandError(name, err)
			}
			a.out.Readiness(rep)
			a.out.Success("readiness report written to " + path)

			if ro.influx || a.cfg.Influx.Enabled {
				a.publishTrends(cmd, rep)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&ro.cycles, "cycles", "n", 0, "Number of latest cycles to analyze (default report.defaultCycleRange)")
	f.StringVarP(&ro.output, "output", "o", "", "Report file path (default <report dir>/readiness-report-<time>.md)")
	f.IntVar(&ro.successThreshold, "threshold-success", 0, "Highest error count still rated success")
	f.IntVar(&ro.warningThreshold, "threshold-warning", 0, "Highest error count still rated warning")
	f.BoolVar(&ro.influx, "influx", false, "Also write the report to InfluxDB (see the influx section)")
	return cmd
}

// publishTrends writes rep to InfluxDB. Failures only warn: the Markdown
// report is already written.
func (a *app) publishTrends(cmd *cobra.Command, rep *readiness.Report) {
	ic := a.cfg.Influx
	if ic.URL == "" || ic.Org == "" || ic.Bucket == "" {
		a.out.Warning("influx url, org and bucket must be set to publish trends")
		return
	}
	ctx := cmd.Context()
	sink, err := trends.Connect(ctx, trends.Options{
		URL:    ic.URL,
		Token:  ic.Token,
		Org:    ic.Org,
		Bucket: ic.Bucket,
		Logger: a.log,
	})
	if err != nil {
		a.log.Warn("influx unavailable", slog.String("error", err.Error()))
		a.out.Warning(fmt.Sprintf("trends not published: %v", err))
		return
	}
	defer sink.Close()
	if err := sink.WriteReport(ctx, rep); err != nil {
		a.log.Warn("influx write failed", slog.String("error", err.Error()))
		a.out.Warning(fmt.Sprintf("trends not published: %v", err))
		return
	}
	a.out.Info("readiness trends written to " + ic.Bucket)
}
