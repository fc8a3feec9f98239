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
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/d365migrate/services/migration/api"
	"github.com/AleutianAI/d365migrate/services/migration/comparison"
	"github.com/AleutianAI/d365migrate/services/migration/readiness"
	"github.com/AleutianAI/d365migrate/services/migration/storage"
	"github.com/AleutianAI/d365migrate/services/migration/telemetry"
)

func newServeCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored cycles, comparisons and readiness over HTTP",
		Long: `Starts the read-only results API. With the file backend the results
directory is watched and cached comparisons are dropped when a new
cycle lands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			const name = "serve"
			a, err := newApp(cmd.Context(), opts, stdout, stderr)
			if err != nil {
				return WrapCommandError(name, err)
			}
			defer a.close()

			if addr == "" {
				addr = a.cfg.API.Addr
			}
			repo, err := a.openRepository(a.outputDirectory())
			if err != nil {
				return WrapCommandError(name, err)
			}
			cmpSvc, err := comparison.NewService(repo, a.log)
			if err != nil {
				return WrapCommandError(name, err)
			}
			rdySvc, err := readiness.NewService(repo, a.cfg.ReadinessSettings(), a.log)
			if err != nil {
				return WrapCommandError(name, err)
			}
			srv, err := api.NewServer(api.Deps{
				Repository: repo,
				Comparison: cmpSvc,
				Readiness:  rdySvc,
				Metrics:    telemetry.MetricsHandler(),
				Logger:     a.log,
			})
			if err != nil {
				return WrapCommandError(name, err)
			}

			watchDir := ""
			if fr, ok := repo.(*storage.FileRepository); ok {
				watchDir = fr.Dir()
				if err := os.MkdirAll(watchDir, 0o755); err != nil {
					return WrapCommandError(name, err)
				}
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return srv.Run(ctx, addr) })
			if watchDir != "" {
				g.Go(func() error { return srv.Watch(ctx, watchDir) })
			}
			a.out.Info(fmt.Sprintf("results API on %s", addr))
			if err := g.Wait(); err != nil {
				return WrapCommandError(name, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default api.addr)")
	return cmd
}

func newCyclesCmd(opts *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "cycles",
		Short: "List stored cycle ids, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			const name = "cycles"
			a, err := newApp(cmd.Context(), opts, stdout, stderr)
			if err != nil {
				return WrapCommandError(name, err)
			}
			defer a.close()

			repo, err := a.openRepository(a.outputDirectory())
			if err != nil {
				return WrapCommandError(name, err)
			}
			ids, err := repo.ListIDs(cmd.Context())
			if err != nil {
				return WrapCommandError(name, err)
			}
			if len(ids) == 0 {
				a.out.Info("no cycles stored")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(stdout, id)
			}
			return nil
		},
	}
}
