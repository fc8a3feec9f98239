// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package plan turns declarative entity definitions into a leveled
// execution plan.
//
// Every entity gets a definition directory holding its manifest, package
// header and query file. Dependencies between entities are declared by
// name and resolved case-insensitively. Validation happens eagerly in
// New so that a bad configuration fails before anything runs.
package plan

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/d365migrate/pkg/validation"
	"github.com/AleutianAI/d365migrate/services/migration/graph"
)

// Default file and directory names used when a query leaves them empty.
const (
	DefaultManifestFileName      = "Manifest.xml"
	DefaultPackageHeaderFileName = "PackageHeader.xml"
	DefaultOutputDirectoryName   = "Output"
	DefaultDriver                = "sqlite"
	definitionGroupPrefix        = "DMF_"
)

// QuerySettings declares one entity.
type QuerySettings struct {
	EntityName             string
	DefinitionGroupID      string
	ManifestFileName       string
	PackageHeaderFileName  string
	QueryFileName          string
	RecordsPerFile         int
	SourceConnectionString string
	SourceDriver           string
	Dependencies           []string
}

// Settings is the input of New.
type Settings struct {
	Queries                []QuerySettings
	DefinitionDirectory    string
	OutputDirectory        string
	OutputBlobStorage      string
	SourceConnectionString string
	SourceDriver           string
	MaxDegreeOfParallelism int
}

// QueryItem is the resolved processing descriptor of one entity.
type QueryItem struct {
	EntityName             string
	DefinitionGroupID      string
	ManifestFileName       string
	PackageHeaderFileName  string
	QueryFileName          string
	OutputDirectory        string
	OutputBlobStorage      string
	RecordsPerFile         int
	SourceConnectionString string
	SourceDriver           string
	Dependencies           []string
}

// Collection holds the validated items and their execution order.
//
// Thread Safety: Immutable after New; safe for concurrent reads.
type Collection struct {
	items       map[string]QueryItem
	names       []string
	sorted      [][]QueryItem
	outputDir   string
	blobStorage string
	parallelism int
}

// New validates settings and builds the execution plan.
//
// Description:
//
//	Resolves every query against the definition directory, creates the
//	output directory if needed, wires the declared dependencies into a
//	graph and levels it. Each entity is placed before the entities it
//	depends on, and the sorted levels are then reversed so that the
//	returned plan starts with the entities that have no dependencies.
//
// Outputs:
//
//	*Collection - The plan.
//	error - *ConfigError for invalid settings, *graph.CyclicDependencyError
//	        when the dependencies contain a cycle.
func New(settings Settings, logger *slog.Logger) (*Collection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(settings.Queries) == 0 {
		return nil, configErr(0, "the settings do not contain any source query parameters", "")
	}

	outputDir, err := resolveOutputDirectory(settings.OutputDirectory, logger)
	if err != nil {
		return nil, err
	}

	c := &Collection{
		items:       make(map[string]QueryItem, len(settings.Queries)),
		outputDir:   outputDir,
		blobStorage: settings.OutputBlobStorage,
		parallelism: settings.MaxDegreeOfParallelism,
	}

	g := graph.New()
	nodes := make(map[string]*graph.Node, len(settings.Queries))
	order := make([]string, 0, len(settings.Queries))

	for i, q := range settings.Queries {
		item, err := c.resolve(i+1, q, settings)
		if err != nil {
			return nil, err
		}
		c.items[item.EntityName] = item
		nodes[item.EntityName] = g.AddNode(item.EntityName)
		order = append(order, item.EntityName)
	}

	for _, name := range order {
		node := nodes[name]
		for _, dep := range c.items[name].Dependencies {
			if strings.TrimSpace(dep) == "" {
				continue
			}
			parent, ok := nodes[strings.ToUpper(strings.TrimSpace(dep))]
			if !ok {
				return nil, &ConfigError{
					Reason: fmt.Sprintf("dependency %q of %s not found in dependency graph", dep, name),
				}
			}
			if err := node.Before(parent); err != nil {
				return nil, fmt.Errorf("wire dependency %s -> %s: %w", name, parent.Name(), err)
			}
		}
	}

	levels, err := g.CalculateSort()
	if err != nil {
		return nil, fmt.Errorf("order source queries: %w", err)
	}

	c.sorted = make([][]QueryItem, 0, len(levels))
	for i := len(levels) - 1; i >= 0; i-- {
		level := make([]QueryItem, 0, len(levels[i]))
		for _, n := range levels[i] {
			level = append(level, c.items[n.Name()])
		}
		c.sorted = append(c.sorted, level)
	}

	c.names = append(c.names, order...)
	sort.Strings(c.names)

	logger.Info("process order computed",
		slog.Int("levels", len(c.sorted)),
		slog.String("order", c.describe()))
	return c, nil
}

func (c *Collection) resolve(n int, q QuerySettings, settings Settings) (QueryItem, error) {
	if strings.TrimSpace(q.EntityName) == "" {
		return QueryItem{}, configErr(n, "Entity name not defined", "")
	}
	entity, err := validation.SanitizeEntityName(q.EntityName)
	if err != nil {
		return QueryItem{}, &ConfigError{Query: n, Reason: "Entity name rejected", Err: err}
	}
	if _, dup := c.items[entity]; dup {
		return QueryItem{}, configErr(n, "Duplicate entity name", entity)
	}

	root := settings.DefinitionDirectory
	if strings.TrimSpace(root) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return QueryItem{}, &ConfigError{Query: n, Reason: "resolve working directory", Err: err}
		}
		root = wd
	}
	defDir := filepath.Join(root, entity)
	if info, err := os.Stat(defDir); err != nil || !info.IsDir() {
		return QueryItem{}, configErr(n, "the definition directory does not exist", defDir)
	}

	manifest, err := existingFile(n, "the manifest file not found", defDir, q.ManifestFileName, DefaultManifestFileName)
	if err != nil {
		return QueryItem{}, err
	}
	header, err := existingFile(n, "the package header file not found", defDir, q.PackageHeaderFileName, DefaultPackageHeaderFileName)
	if err != nil {
		return QueryItem{}, err
	}
	query, err := existingFile(n, "the query file not found", defDir, q.QueryFileName, entity+".sql")
	if err != nil {
		return QueryItem{}, err
	}

	conn := q.SourceConnectionString
	if strings.TrimSpace(conn) == "" {
		conn = settings.SourceConnectionString
	}
	if strings.TrimSpace(conn) == "" {
		return QueryItem{}, configErr(n, "the source connection string is not defined in the query nor in the global settings", "")
	}
	driver := firstNonEmpty(q.SourceDriver, settings.SourceDriver, DefaultDriver)

	groupID := q.DefinitionGroupID
	if strings.TrimSpace(groupID) == "" {
		groupID = definitionGroupPrefix + entity
	}

	deps := make([]string, len(q.Dependencies))
	copy(deps, q.Dependencies)

	return QueryItem{
		EntityName:             entity,
		DefinitionGroupID:      groupID,
		ManifestFileName:       manifest,
		PackageHeaderFileName:  header,
		QueryFileName:          query,
		OutputDirectory:        c.outputDir,
		OutputBlobStorage:      c.blobStorage,
		RecordsPerFile:         q.RecordsPerFile,
		SourceConnectionString: conn,
		SourceDriver:           driver,
		Dependencies:           deps,
	}, nil
}

func existingFile(n int, reason, dir, name, fallback string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = fallback
	}
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", configErr(n, reason, path)
	}
	return path, nil
}

func resolveOutputDirectory(dir string, logger *slog.Logger) (string, error) {
	if strings.TrimSpace(dir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", &ConfigError{Reason: "resolve working directory", Err: err}
		}
		dir = filepath.Join(wd, DefaultOutputDirectoryName)
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Info("creating output directory", slog.String("path", dir))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", &ConfigError{Reason: "create output directory", Path: dir, Err: err}
		}
	}
	return dir, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// SortedQueries returns the execution plan, least dependent level first.
// The returned slices are copies.
func (c *Collection) SortedQueries() [][]QueryItem {
	out := make([][]QueryItem, len(c.sorted))
	for i, level := range c.sorted {
		out[i] = append([]QueryItem(nil), level...)
	}
	return out
}

// OutputDirectory returns the resolved output directory.
func (c *Collection) OutputDirectory() string { return c.outputDir }

// OutputBlobStorage returns the configured package mirror location.
func (c *Collection) OutputBlobStorage() string { return c.blobStorage }

// MaxDegreeOfParallelism returns the configured parallelism, 0 if unset.
func (c *Collection) MaxDegreeOfParallelism() int { return c.parallelism }

// EntityNames returns every entity name, sorted.
func (c *Collection) EntityNames() []string {
	return append([]string(nil), c.names...)
}

// Lookup finds an item by entity name, case-insensitively.
func (c *Collection) Lookup(name string) (QueryItem, bool) {
	item, ok := c.items[strings.ToUpper(strings.TrimSpace(name))]
	return item, ok
}

func (c *Collection) describe() string {
	parts := make([]string, len(c.sorted))
	for i, level := range c.sorted {
		names := make([]string, len(level))
		for j, item := range level {
			names[j] = item.EntityName
		}
		parts[i] = strings.Join(names, " - ")
	}
	return strings.Join(parts, " | ")
}
