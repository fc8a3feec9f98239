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
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/d365migrate/services/migration/blob"
	"github.com/AleutianAI/d365migrate/services/migration/comparison"
	"github.com/AleutianAI/d365migrate/services/migration/d365"
	"github.com/AleutianAI/d365migrate/services/migration/export"
	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/pipeline"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
	"github.com/AleutianAI/d365migrate/services/migration/report"
)

// runSpec describes one pipeline command.
type runSpec struct {
	use     string
	alias   string
	short   string
	mode    pipeline.Mode
	clean   bool
	started string
}

type runOptions struct {
	entities string
	compare  bool
}

func newRunCmd(opts *globalOptions, stdout, stderr io.Writer, rc runSpec) *cobra.Command {
	ro := &runOptions{}
	cmd := &cobra.Command{
		Use:     rc.use,
		Aliases: []string{rc.alias},
		Short:   rc.short,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts, stdout, stderr)
			if err != nil {
				return WrapCommandError(rc.use, err)
			}
			defer a.close()
			return a.runPipeline(cmd.Context(), rc, ro)
		},
	}
	cmd.Flags().StringVarP(&ro.entities, "entities", "e", "",
		"Comma separated entity names to run (default all)")
	cmd.Flags().BoolVar(&ro.compare, "compare", false,
		"Write an error comparison against the previous cycle when the run ends")
	return cmd
}

// runPipeline builds the plan, runs one cycle and records it.
//
// Description:
//
//	A cycle result is persisted whenever the executor returns one, even
//	after cancellation. Persistence and comparison failures are logged
//	and do not change the exit code. The command fails when the run was
//	interrupted or any part failed.
func (a *app) runPipeline(ctx context.Context, rc runSpec, ro *runOptions) error {
	p, err := plan.New(a.cfg.PlanSettings(), a.log)
	if err != nil {
		return WrapCommandError(rc.use, err)
	}
	outputDir := p.OutputDirectory()

	if rc.clean {
		removed, err := export.ClearDirectory(outputDir)
		if err != nil {
			return WrapCommandError(rc.use, err)
		}
		a.log.Info("output directory cleared",
			slog.String("dir", outputDir),
			slog.Int("removed", removed))
	}

	proc, err := a.processorFor(ctx, rc.mode, p)
	if err != nil {
		return WrapCommandError(rc.use, err)
	}

	executor, err := pipeline.NewExecutor(p,
		map[pipeline.Mode]pipeline.Processor{rc.mode: proc},
		pipeline.Config{
			MaxDegreeOfParallelism: p.MaxDegreeOfParallelism(),
			ImportTimeout:          a.cfg.Dynamics365.ImportTimeout,
			PollInterval:           a.cfg.Process.PollInterval,
		},
		pipeline.WithLogger(a.log),
	)
	if err != nil {
		return WrapCommandError(rc.use, err)
	}

	a.log.Info(rc.started, slog.String("dir", outputDir), slog.String("mode", string(rc.mode)))
	result, runErr := executor.Execute(ctx, rc.mode, pipeline.ParseEntityFilter(ro.entities))
	if result != nil {
		a.record(ctx, outputDir, result, ro.compare)
		a.out.Cycle(result)
	}

	if runErr != nil {
		if isCanceled(runErr) && result != nil {
			a.out.Warning(fmt.Sprintf("run interrupted, %d parts recorded in %s", result.TotalEntities, result.CycleID))
		}
		return WrapCommandError(rc.use, runErr)
	}
	if result.Failed > 0 {
		return &CommandError{
			Command:  rc.use,
			ExitCode: ExitFailure,
			Wrapped:  fmt.Errorf("%d of %d parts failed", result.Failed, result.TotalEntities),
		}
	}
	a.out.Success(fmt.Sprintf("%d parts completed", result.Succeeded))
	return nil
}

// processorFor builds the exporter of mode.
func (a *app) processorFor(ctx context.Context, mode pipeline.Mode, p *plan.Collection) (pipeline.Processor, error) {
	var factory export.Factory
	switch mode {
	case pipeline.ModeFile:
		factory = export.NewFileFactory(a.log)
	case pipeline.ModePackage:
		var mirror export.Mirror
		if loc := p.OutputBlobStorage(); loc != "" {
			m, err := blob.NewGCSMirror(ctx, blob.Options{
				Location:        loc,
				CredentialsFile: a.cfg.Destination.GCSCredentialsFile,
				Logger:          a.log,
			})
			if err != nil {
				return nil, fmt.Errorf("open package mirror: %w", err)
			}
			a.closers = append(a.closers, func(context.Context) error { return m.Close() })
			mirror = m
		}
		factory = export.NewPackageFactory(mirror, a.log)
	case pipeline.ModeD365:
		client, err := d365.NewClient(a.cfg.D365Settings(), d365.WithLogger(a.log))
		if err != nil {
			return nil, err
		}
		factory = export.NewD365Factory(client, export.D365Options{
			LegalEntityID:               client.LegalEntityID(),
			PostUploadDelay:             a.cfg.Dynamics365.PostUploadDelay,
			ExecutionStatusInitialDelay: a.cfg.Dynamics365.ExecutionStatusInitialDelay,
			Logger:                      a.log,
		})
	default:
		return nil, fmt.Errorf("%w: %q", pipeline.ErrUnsupportedMode, mode)
	}
	return export.NewProcessor(factory, export.WithLogger(a.log))
}

// record persists result and optionally writes the comparison report.
// It runs on a detached context so a canceled cycle is still stored.
func (a *app) record(ctx context.Context, outputDir string, result *models.CycleResult, compare bool) {
	ctx, cancel := detached(ctx)
	defer cancel()

	repo, err := a.openRepository(outputDir)
	if err != nil {
		a.log.Warn("cycle result not persisted", slog.String("cycle_id", result.CycleID), slog.String("error", err.Error()))
		return
	}
	if err := repo.Save(ctx, result); err != nil {
		a.log.Warn("cycle result not persisted", slog.String("cycle_id", result.CycleID), slog.String("error", err.Error()))
		return
	}
	if !compare {
		return
	}

	svc, err := comparison.NewService(repo, a.log)
	if err != nil {
		a.log.Warn("comparison skipped", slog.String("error", err.Error()))
		return
	}
	cmp, err := svc.Compare(ctx, result.CycleID, "")
	if err != nil {
		a.log.Warn("comparison failed", slog.String("error", err.Error()))
		return
	}
	path := report.ResolvePath("", a.reportDirectory(), report.ComparisonFileName(cmp.Timestamp))
	if err := report.Write(path, report.Comparison(cmp)); err != nil {
		a.log.Warn("comparison report not written", slog.String("error", err.Error()))
		return
	}
	a.out.Comparison(cmp)
	a.out.Info("comparison report written to " + path)
}
