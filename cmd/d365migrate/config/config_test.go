// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/d365migrate/services/migration/sanitize"
	"github.com/AleutianAI/d365migrate/services/migration/storage"
)

const sampleYAML = `
source:
  connectionString: file:source.db
destination:
  outputDirectory: out
process:
  definitionDirectory: defs
  maxDegreeOfParallelism: 4
  pollInterval: 2s
  queries:
    - entityName: customers
      recordsPerFile: 1000
    - entityName: orders
      dependencies: [customers]
dynamics365:
  url: https://contoso.operations.dynamics.com
  tenant: contoso.onmicrosoft.com
  clientId: 00000000-0000-0000-0000-000000000001
  secret: from-file
  legalEntityId: USMF
  importTimeout: 30m
persistence:
  backend: badger
  maxCyclesToRetain: 0
report:
  warningThreshold: 10
`

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "sqlite", cfg.Source.Driver)
	assert.Equal(t, 15*time.Second, cfg.Process.PollInterval)
	assert.Equal(t, 60*time.Minute, cfg.Dynamics365.ImportTimeout)
	assert.Equal(t, storage.DefaultMaxCyclesToRetain, cfg.Persistence.MaxCyclesToRetain)
	assert.Equal(t, 5, cfg.Report.DefaultCycleRange)
	assert.Equal(t, 0, cfg.Report.SuccessThreshold)
	assert.Equal(t, 5, cfg.Report.WarningThreshold)
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	t.Setenv(EnvD365Secret, "")
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Process.MaxDegreeOfParallelism)
	assert.Equal(t, 2*time.Second, cfg.Process.PollInterval)
	require.Len(t, cfg.Process.Queries, 2)
	assert.Equal(t, []string{"customers"}, cfg.Process.Queries[1].Dependencies)
	assert.Equal(t, 30*time.Minute, cfg.Dynamics365.ImportTimeout)
	assert.Equal(t, 5*time.Second, cfg.Dynamics365.PostUploadDelay, "unset keys keep defaults")
	assert.Equal(t, "badger", cfg.Persistence.Backend)
	assert.Equal(t, 0, cfg.Persistence.MaxCyclesToRetain, "explicit zero disables retention")
	assert.Equal(t, 10, cfg.Report.WarningThreshold)
	assert.Equal(t, "from-file", cfg.Dynamics365.Secret)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().API, cfg.API)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv(EnvD365Secret, "from-env")
	t.Setenv(EnvSourceConnection, "postgres://migrate@db/erp")
	t.Setenv(EnvInfluxToken, "influx-token")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Dynamics365.Secret)
	assert.Equal(t, "postgres://migrate@db/erp", cfg.Source.ConnectionString)
	assert.Equal(t, "influx-token", cfg.Influx.Token)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "process:\n  paralelism: 3\n", "parse failed"},
		{"bad driver", "source:\n  driver: oracle\n", "Source.Driver must be one of"},
		{"negative parallelism", "process:\n  maxDegreeOfParallelism: -1\n", "Process.MaxDegreeOfParallelism must be at least 0"},
		{"thresholds inverted", "report:\n  successThreshold: 6\n  warningThreshold: 2\n", "Report.WarningThreshold must not be below SuccessThreshold"},
		{"missing entity name", "process:\n  queries:\n    - recordsPerFile: 10\n", "Process.Queries[0].EntityName is required"},
		{"influx incomplete", "influx:\n  enabled: true\n  url: http://localhost:8086\n", "Influx.Org is required"},
		{"backend", "persistence:\n  backend: sqlserver\n", "Persistence.Backend must be one of"},
		{"blob scheme", "destination:\n  outputBlobStorage: https://example.com\n", "Destination.OutputBlobStorage failed startswith validation"},
		{"redact pattern without name", "logging:\n  redactPatterns:\n    - pattern: x\n", "Logging.RedactPatterns[0].Name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvD365Secret, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "d365migrate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "defs"), cfg.Process.DefinitionDirectory)
	assert.Equal(t, filepath.Join(dir, "out"), cfg.Destination.OutputDirectory)
	assert.Equal(t, filepath.Join(dir, "out", "results"), cfg.ResultsDirectory(cfg.Destination.OutputDirectory))
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, ce.Path, "absent.yaml")
}

func TestLoad_InvalidCarriesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source:\n  driver: oracle\n"), 0o600))
	_, err := Load(path)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, path, ce.Path)
}

func TestPlanSettings(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	ps := cfg.PlanSettings()
	assert.Equal(t, "defs", ps.DefinitionDirectory)
	assert.Equal(t, "out", ps.OutputDirectory)
	assert.Equal(t, "file:source.db", ps.SourceConnectionString)
	assert.Equal(t, "sqlite", ps.SourceDriver)
	assert.Equal(t, 4, ps.MaxDegreeOfParallelism)
	require.Len(t, ps.Queries, 2)
	assert.Equal(t, "customers", ps.Queries[0].EntityName)
	assert.Equal(t, 1000, ps.Queries[0].RecordsPerFile)
}

func TestStorageAndReadinessSettings(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	opts := cfg.StorageOptions("/data/out")
	assert.Equal(t, storage.BackendBadger, opts.Backend)
	assert.Equal(t, filepath.Join("/data/out", "results"), opts.Dir)

	cfg.Persistence.ResultsDirectory = "/var/results"
	assert.Equal(t, "/var/results", cfg.StorageOptions("/data/out").Dir)

	rs := cfg.ReadinessSettings()
	assert.Equal(t, 5, rs.DefaultCycleRange)
	assert.Equal(t, 10, rs.WarningThreshold)
}

func TestSanitizer(t *testing.T) {
	cfg, err := Parse([]byte("logging:\n  redactPatterns:\n    - name: account\n      pattern: 'ACCT-[0-9]{6}'\n"))
	require.NoError(t, err)

	s, err := cfg.Sanitizer()
	require.NoError(t, err)
	assert.Equal(t, len(sanitize.DefaultPatterns())+1, s.PatternCount())
	assert.Equal(t, "row for [REDACTED] rejected", s.Sanitize("row for ACCT-123456 rejected"))
	assert.Equal(t, int64(1), s.Stats().ByPattern["account"])
}

func TestSanitizer_InvalidPattern(t *testing.T) {
	cfg := Default()
	cfg.Logging.RedactPatterns = []RedactPattern{{Name: "broken", Pattern: "ACCT-("}}

	_, err := cfg.Sanitizer()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "Logging.RedactPatterns[0] (broken)")
}

func TestD365Settings(t *testing.T) {
	t.Setenv(EnvD365Secret, "")
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	s := cfg.D365Settings()
	require.NoError(t, s.Validate())
	assert.Equal(t, "USMF", s.LegalEntityID)
	assert.Equal(t, "[REDACTED]", s.Secret.String())
	require.NoError(t, s.Secret.Reveal(func(v string) error {
		assert.Equal(t, "from-file", v)
		return nil
	}))

	cfg.Dynamics365.Secret = ""
	assert.True(t, cfg.D365Settings().Secret.Empty())
}
