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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/d365migrate/cmd/d365migrate/config"
	"github.com/AleutianAI/d365migrate/pkg/logging"
	"github.com/AleutianAI/d365migrate/pkg/ux"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
	"github.com/AleutianAI/d365migrate/services/migration/sanitize"
	"github.com/AleutianAI/d365migrate/services/migration/storage"
	"github.com/AleutianAI/d365migrate/services/migration/telemetry"
)

// globalOptions are the persistent root flags.
type globalOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
}

// app is the per-invocation wiring shared by every command.
type app struct {
	cfg     config.Config
	logger  *logging.Logger
	log     *slog.Logger
	out     *ux.Printer
	redact  *sanitize.RegexSanitizer
	closers []func(context.Context) error
}

// newApp loads the configuration and starts logging and telemetry.
func newApp(ctx context.Context, opts *globalOptions, stdout, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	levelName := cfg.Logging.Level
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, &config.ConfigError{Reason: "--log-level", Err: err}
	}
	redact, err := cfg.Sanitizer()
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:    level,
		JSON:     cfg.Logging.JSON || opts.logJSON,
		LogDir:   cfg.Logging.Dir,
		Service:  "d365migrate",
		Output:   stderr,
		Redactor: redact,
	})
	slog.SetDefault(logger.Slog())

	a := &app{
		cfg:    cfg,
		logger: logger,
		log:    logger.Slog(),
		out:    printerFor(stdout),
		redact: redact,
	}
	a.log.Debug("redaction patterns loaded", slog.Int("patterns", redact.PatternCount()))

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		_ = logger.Close()
		return nil, &config.ConfigError{Reason: "telemetry", Err: err}
	}
	a.closers = append(a.closers, shutdown)
	return a, nil
}

// close flushes telemetry, reports redactions and closes the log file.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("shutdown step failed", slog.String("error", err.Error()))
		}
	}
	if st := a.redact.Stats(); st.TotalRedactions > 0 {
		a.log.Info("credential fragments redacted",
			slog.Int64("redactions", st.TotalRedactions),
			slog.Any("by_pattern", st.ByPattern))
	}
	_ = a.logger.Close()
}

func printerFor(w io.Writer) *ux.Printer {
	if f, ok := w.(*os.File); ok && ux.IsTerminal(f) && os.Getenv("NO_COLOR") == "" {
		return ux.NewPrinter(w, false)
	}
	return ux.NewPrinter(w, true)
}

// outputDirectory mirrors plan.New's default so commands that do not
// build a plan find the same results directory.
func (a *app) outputDirectory() string {
	if strings.TrimSpace(a.cfg.Destination.OutputDirectory) != "" {
		return a.cfg.Destination.OutputDirectory
	}
	wd, err := os.Getwd()
	if err != nil {
		return plan.DefaultOutputDirectoryName
	}
	return filepath.Join(wd, plan.DefaultOutputDirectoryName)
}

// reportDirectory is report.outputDirectory, else the output directory.
func (a *app) reportDirectory() string {
	if a.cfg.Report.OutputDirectory != "" {
		return a.cfg.Report.OutputDirectory
	}
	return a.outputDirectory()
}

// openRepository opens the configured result store. The release
// function is also registered with close.
func (a *app) openRepository(outputDir string) (storage.Repository, error) {
	opts := a.cfg.StorageOptions(outputDir)
	opts.Logger = a.log
	opts.Sanitizer = a.redact
	repo, release, err := storage.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return release() })
	return repo, nil
}

// persistenceTimeout bounds a save that runs after the command context
// was canceled.
const persistenceTimeout = 30 * time.Second

// detached returns a context that survives cancellation of ctx, so a
// canceled run can still record what it did.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistenceTimeout)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
