// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads d365migrate.yaml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/d365migrate/services/migration/d365"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
	"github.com/AleutianAI/d365migrate/services/migration/readiness"
	"github.com/AleutianAI/d365migrate/services/migration/sanitize"
	"github.com/AleutianAI/d365migrate/services/migration/storage"
	"github.com/AleutianAI/d365migrate/services/migration/telemetry"
)

// DefaultPath is read when --config is not given.
const DefaultPath = "d365migrate.yaml"

// Environment variables that override secrets from the file.
const (
	EnvD365Secret       = "D365MIGRATE_D365_SECRET"
	EnvSourceConnection = "D365MIGRATE_SOURCE_CONNECTION"
	EnvInfluxToken      = "D365MIGRATE_INFLUX_TOKEN"
)

// ErrConfig is wrapped by every ConfigError.
var ErrConfig = errors.New("invalid configuration")

// ConfigError reports an unreadable or invalid configuration file.
type ConfigError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "configuration"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfig, e.Err}
	}
	return []error{ErrConfig}
}

// Config is the root of d365migrate.yaml.
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Destination DestinationConfig `yaml:"destination"`
	Process     ProcessConfig     `yaml:"process"`
	Dynamics365 Dynamics365Config `yaml:"dynamics365"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Report      ReportConfig      `yaml:"report"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	API         APIConfig         `yaml:"api"`
	Influx      InfluxConfig      `yaml:"influx"`
}

// SourceConfig is the default source database for every query.
type SourceConfig struct {
	ConnectionString string `yaml:"connectionString"`
	Driver           string `yaml:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql pq"`
}

// DestinationConfig says where parts are written.
type DestinationConfig struct {
	OutputDirectory   string `yaml:"outputDirectory"`
	OutputBlobStorage string `yaml:"outputBlobStorage" validate:"omitempty,startswith=gs://"`

	// GCSCredentialsFile is a service account key for the package mirror.
	// Empty uses application default credentials.
	GCSCredentialsFile string `yaml:"gcsCredentialsFile"`
}

// ProcessConfig declares the entities and how they are scheduled.
type ProcessConfig struct {
	DefinitionDirectory    string        `yaml:"definitionDirectory"`
	MaxDegreeOfParallelism int           `yaml:"maxDegreeOfParallelism" validate:"gte=0"`
	PollInterval           time.Duration `yaml:"pollInterval" validate:"gte=0"`
	Queries                []QueryConfig `yaml:"queries" validate:"dive"`
}

// QueryConfig declares one entity.
type QueryConfig struct {
	EntityName             string   `yaml:"entityName" validate:"required"`
	DefinitionGroupID      string   `yaml:"definitionGroupId"`
	ManifestFileName       string   `yaml:"manifestFileName"`
	PackageHeaderFileName  string   `yaml:"packageHeaderFileName"`
	QueryFileName          string   `yaml:"queryFileName"`
	RecordsPerFile         int      `yaml:"recordsPerFile" validate:"gte=0"`
	SourceConnectionString string   `yaml:"sourceConnectionString"`
	SourceDriver           string   `yaml:"sourceDriver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql pq"`
	Dependencies           []string `yaml:"dependencies"`
}

// Dynamics365Config configures the import-d365 destination. It is only
// checked when that command runs.
type Dynamics365Config struct {
	URL                         string        `yaml:"url" validate:"omitempty,url"`
	Tenant                      string        `yaml:"tenant"`
	ClientID                    string        `yaml:"clientId"`
	Secret                      string        `yaml:"secret"`
	LegalEntityID               string        `yaml:"legalEntityId"`
	Authority                   string        `yaml:"authority" validate:"omitempty,url"`
	ImportTimeout               time.Duration `yaml:"importTimeout" validate:"gte=0"`
	PostUploadDelay             time.Duration `yaml:"postUploadDelay" validate:"gte=0"`
	ExecutionStatusInitialDelay time.Duration `yaml:"executionStatusInitialDelay" validate:"gte=0"`
	ExecutionStatusMaxRetries   int           `yaml:"executionStatusMaxRetries" validate:"gte=0"`
	ExecutionStatusRetryDelay   time.Duration `yaml:"executionStatusRetryDelay" validate:"gte=0"`
	RequestsPerSecond           float64       `yaml:"requestsPerSecond" validate:"gte=0"`
	Burst                       int           `yaml:"burst" validate:"gte=0"`
	HTTPTimeout                 time.Duration `yaml:"httpTimeout" validate:"gte=0"`
}

// PersistenceConfig selects the cycle repository.
type PersistenceConfig struct {
	Backend          string `yaml:"backend" validate:"omitempty,oneof=file badger"`
	ResultsDirectory string `yaml:"resultsDirectory"`

	// MaxCyclesToRetain of 0 keeps every cycle.
	MaxCyclesToRetain int `yaml:"maxCyclesToRetain" validate:"gte=0"`
}

// ReportConfig tunes the readiness report and says where Markdown goes.
type ReportConfig struct {
	DefaultCycleRange int    `yaml:"defaultCycleRange" validate:"gte=1"`
	SuccessThreshold  int    `yaml:"successThreshold" validate:"gte=0"`
	WarningThreshold  int    `yaml:"warningThreshold" validate:"gtefield=SuccessThreshold"`
	OutputDirectory   string `yaml:"outputDirectory"`
}

// LoggingConfig maps onto logging.Config.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN WARNING ERROR"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`

	// RedactPatterns extend the built-in credential patterns. They apply
	// to log output and to persisted error messages.
	RedactPatterns []RedactPattern `yaml:"redactPatterns" validate:"dive"`
}

// RedactPattern is one extra redaction rule. Pattern is RE2 syntax.
type RedactPattern struct {
	Name    string `yaml:"name" validate:"required"`
	Pattern string `yaml:"pattern" validate:"required"`
}

// APIConfig configures the serve command.
type APIConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// InfluxConfig enables the readiness trend sink.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org" validate:"required_if=Enabled true"`
	Bucket  string `yaml:"bucket" validate:"required_if=Enabled true"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	rs := readiness.DefaultSettings()
	return Config{
		Source: SourceConfig{Driver: plan.DefaultDriver},
		Process: ProcessConfig{
			PollInterval: 15 * time.Second,
		},
		Dynamics365: Dynamics365Config{
			Authority:                   d365.DefaultAuthority,
			ImportTimeout:               60 * time.Minute,
			PostUploadDelay:             5 * time.Second,
			ExecutionStatusInitialDelay: 5 * time.Second,
			ExecutionStatusMaxRetries:   3,
			ExecutionStatusRetryDelay:   10 * time.Second,
			HTTPTimeout:                 2 * time.Minute,
		},
		Persistence: PersistenceConfig{
			Backend:           string(storage.BackendFile),
			MaxCyclesToRetain: storage.DefaultMaxCyclesToRetain,
		},
		Report: ReportConfig{
			DefaultCycleRange: rs.DefaultCycleRange,
			SuccessThreshold:  rs.SuccessThreshold,
			WarningThreshold:  rs.WarningThreshold,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
		API:       APIConfig{Addr: ":8080"},
	}
}

// Load reads path over Default, applies environment overrides and
// validates the result.
//
// Description:
//
//	Unknown keys are rejected so that a misspelt setting is reported
//	instead of silently falling back to its default. Secrets set in the
//	environment win over the file.
//
// Outputs:
//
//	Config - The effective configuration.
//	error - *ConfigError for a missing, unreadable or invalid file.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{Path: path, Reason: "read failed", Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return Config{}, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML over Default and validates it. Relative paths are
// left as written.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &ConfigError{Reason: "parse failed", Err: err}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvD365Secret); v != "" {
		c.Dynamics365.Secret = v
	}
	if v := os.Getenv(EnvSourceConnection); v != "" {
		c.Source.ConnectionString = v
	}
	if v := os.Getenv(EnvInfluxToken); v != "" {
		c.Influx.Token = v
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and enumerations. Entity level checks
// such as missing definition files belong to plan.New.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ConfigError{Reason: "validation failed", Err: err}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return &ConfigError{Reason: strings.Join(problems, "; ")}
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must not be below %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// resolvePaths anchors relative directories at base, the directory of
// the configuration file.
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{
		&c.Process.DefinitionDirectory,
		&c.Destination.OutputDirectory,
		&c.Persistence.ResultsDirectory,
		&c.Report.OutputDirectory,
		&c.Logging.Dir,
	} {
		if *p != "" && !filepath.IsAbs(*p) && !strings.HasPrefix(*p, "~") {
			*p = filepath.Join(base, *p)
		}
	}
}

// PlanSettings converts the process and destination sections.
func (c Config) PlanSettings() plan.Settings {
	queries := make([]plan.QuerySettings, len(c.Process.Queries))
	for i, q := range c.Process.Queries {
		queries[i] = plan.QuerySettings{
			EntityName:             q.EntityName,
			DefinitionGroupID:      q.DefinitionGroupID,
			ManifestFileName:       q.ManifestFileName,
			PackageHeaderFileName:  q.PackageHeaderFileName,
			QueryFileName:          q.QueryFileName,
			RecordsPerFile:         q.RecordsPerFile,
			SourceConnectionString: q.SourceConnectionString,
			SourceDriver:           q.SourceDriver,
			Dependencies:           q.Dependencies,
		}
	}
	return plan.Settings{
		Queries:                queries,
		DefinitionDirectory:    c.Process.DefinitionDirectory,
		OutputDirectory:        c.Destination.OutputDirectory,
		OutputBlobStorage:      c.Destination.OutputBlobStorage,
		SourceConnectionString: c.Source.ConnectionString,
		SourceDriver:           c.Source.Driver,
		MaxDegreeOfParallelism: c.Process.MaxDegreeOfParallelism,
	}
}

// ResultsDirectory is persistence.resultsDirectory, or "results" under
// the output directory.
func (c Config) ResultsDirectory(outputDir string) string {
	if c.Persistence.ResultsDirectory != "" {
		return c.Persistence.ResultsDirectory
	}
	return filepath.Join(outputDir, "results")
}

// Sanitizer returns the default credential sanitizer extended with
// logging.redactPatterns.
func (c Config) Sanitizer() (*sanitize.RegexSanitizer, error) {
	s := sanitize.New()
	for i, rp := range c.Logging.RedactPatterns {
		re, err := regexp.Compile(rp.Pattern)
		if err != nil {
			return nil, &ConfigError{
				Reason: fmt.Sprintf("Logging.RedactPatterns[%d] (%s) is not a valid expression", i, rp.Name),
				Err:    err,
			}
		}
		s.AddPattern(rp.Name, re, sanitize.Redacted)
	}
	return s, nil
}

// StorageOptions builds repository options for outputDir.
func (c Config) StorageOptions(outputDir string) storage.Options {
	return storage.Options{
		Backend:           storage.Backend(c.Persistence.Backend),
		Dir:               c.ResultsDirectory(outputDir),
		MaxCyclesToRetain: c.Persistence.MaxCyclesToRetain,
	}
}

// ReadinessSettings converts the report section.
func (c Config) ReadinessSettings() readiness.Settings {
	return readiness.Settings{
		DefaultCycleRange: c.Report.DefaultCycleRange,
		SuccessThreshold:  c.Report.SuccessThreshold,
		WarningThreshold:  c.Report.WarningThreshold,
	}
}

// D365Settings converts the dynamics365 section. The secret moves into
// a locked enclave; the plaintext copy in c stays with the caller.
func (c Config) D365Settings() d365.Settings {
	d := c.Dynamics365
	return d365.Settings{
		URL:                         d.URL,
		Tenant:                      d.Tenant,
		ClientID:                    d.ClientID,
		Secret:                      d365.NewSecret(d.Secret),
		LegalEntityID:               d.LegalEntityID,
		Authority:                   d.Authority,
		ImportTimeout:               d.ImportTimeout,
		PostUploadDelay:             d.PostUploadDelay,
		ExecutionStatusInitialDelay: d.ExecutionStatusInitialDelay,
		ExecutionStatusMaxRetries:   d.ExecutionStatusMaxRetries,
		ExecutionStatusRetryDelay:   d.ExecutionStatusRetryDelay,
		RequestsPerSecond:           d.RequestsPerSecond,
		Burst:                       d.Burst,
		HTTPTimeout:                 d.HTTPTimeout,
	}
}
