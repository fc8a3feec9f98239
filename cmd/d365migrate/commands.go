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
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/d365migrate/cmd/d365migrate/config"
	"github.com/AleutianAI/d365migrate/services/migration/pipeline"
)

// newRootCmd builds the command tree. Each call returns a fresh tree so
// tests can run commands repeatedly.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "d365migrate",
		Short: "Dependency ordered data migration into Dynamics 365",
		Long: `d365migrate reads entity data with SQL queries, writes it as XML files,
data packages or direct Dynamics 365 imports in dependency order, and
records the outcome of every cycle so recurring errors can be tracked.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(cmd.Name(), "%v", err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", config.DefaultPath, "Path to the configuration file")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides logging.level)")
	pf.BoolVar(&opts.logJSON, "log-json", false, "Write console logs as JSON")

	root.AddCommand(
		newRunCmd(opts, stdout, stderr, runSpec{
			use:     "export-file",
			alias:   "f",
			short:   "Export the queries to XML files",
			mode:    pipeline.ModeFile,
			clean:   true,
			started: "starting export to directory",
		}),
		newRunCmd(opts, stdout, stderr, runSpec{
			use:     "export-package",
			alias:   "p",
			short:   "Export the queries to zip packages with the manifest and package header",
			mode:    pipeline.ModePackage,
			clean:   true,
			started: "starting export to directory",
		}),
		newRunCmd(opts, stdout, stderr, runSpec{
			use:     "import-d365",
			alias:   "i",
			short:   "Import the queries into Dynamics 365 in dependency order",
			mode:    pipeline.ModeD365,
			started: "starting import into Dynamics 365",
		}),
		newCompareCmd(opts, stdout, stderr),
		newReadinessCmd(opts, stdout, stderr),
		newServeCmd(opts, stdout, stderr),
		newCyclesCmd(opts, stdout, stderr),
	)
	return root
}
