// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/sanitize"
)

// DefaultResultsDirectoryName is the results folder under the output directory.
const DefaultResultsDirectoryName = "results"

const resultFileExt = ".json"

// FileOptions configures a FileRepository.
type FileOptions struct {
	// Dir holds one <cycle-id>.json per cycle. Created on first save.
	Dir string

	// MaxCyclesToRetain deletes the oldest files after a save once more
	// than this many exist. Zero disables retention.
	MaxCyclesToRetain int

	// Sanitizer redacts error messages. Nil uses sanitize.New().
	Sanitizer sanitize.Sanitizer

	// Logger receives save and retention events. Nil uses slog.Default().
	Logger *slog.Logger
}

// FileRepository stores cycle results as JSON files.
//
// Description:
//
//	Writes go to a temporary file in the same directory which is synced
//	and then renamed over the target, so readers only ever observe
//	complete documents.
//
// Thread Safety:
//
//	Safe for concurrent use. Saves are serialized.
type FileRepository struct {
	dir       string
	retain    int
	sanitizer sanitize.Sanitizer
	logger    *slog.Logger
	codec     jsonCodec

	mu sync.Mutex
}

// NewFileRepository creates a repository rooted at opts.Dir.
func NewFileRepository(opts FileOptions) (*FileRepository, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("results directory is required")
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = sanitize.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FileRepository{
		dir:       opts.Dir,
		retain:    opts.MaxCyclesToRetain,
		sanitizer: opts.Sanitizer,
		logger:    opts.Logger,
		codec:     resultCodec,
	}, nil
}

// Dir returns the results directory.
func (r *FileRepository) Dir() string { return r.dir }

// Save writes a sanitized copy of result to <dir>/<cycle-id>.json,
// replacing any earlier file with the same id.
func (r *FileRepository) Save(ctx context.Context, result *models.CycleResult) error {
	if result == nil {
		return ErrNilResult
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := cycleIDFor(result)
	if err != nil {
		saveTotal.WithLabelValues("file", "error").Inc()
		return err
	}

	data, err := r.codec.encode(sanitizedCopy(result, r.sanitizer))
	if err != nil {
		saveTotal.WithLabelValues("file", "error").Inc()
		return fmt.Errorf("encode cycle %s: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	target := r.path(id)
	if err := writeFileAtomic(target, data, 0o644, r.logger); err != nil {
		saveTotal.WithLabelValues("file", "error").Inc()
		r.logger.Error("failed to save cycle result",
			slog.String("cycle_id", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("save cycle %s: %w", id, err)
	}
	saveTotal.WithLabelValues("file", "ok").Inc()
	r.logger.Info("cycle result saved", slog.String("path", target))

	r.prune()
	return nil
}

// GetByID reads one cycle. A missing file or an id that cannot name
// a cycle yields nil, nil.
func (r *FileRepository) GetByID(ctx context.Context, id string) (*models.CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidCycleID(id) {
		return nil, nil
	}
	data, err := os.ReadFile(r.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cycle %s: %w", id, err)
	}
	result, err := r.codec.decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode cycle %s: %w", id, err)
	}
	return result, nil
}

// GetLatest returns up to n cycles, newest first. Files that cannot be
// decoded are logged and skipped.
func (r *FileRepository) GetLatest(ctx context.Context, n int) ([]*models.CycleResult, error) {
	if n <= 0 {
		return []*models.CycleResult{}, nil
	}
	ids, err := r.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*models.CycleResult, 0, min(n, len(ids)))
	for _, id := range ids {
		if len(out) == n {
			break
		}
		result, err := r.GetByID(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("skipping unreadable cycle result",
				slog.String("cycle_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if result != nil {
			out = append(out, result)
		}
	}
	return out, nil
}

// ListIDs returns the ids of all stored cycles, newest first. A missing
// directory yields an empty list.
func (r *FileRepository) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list results directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := strings.CutSuffix(e.Name(), resultFileExt)
		if ok && ValidCycleID(id) {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// Delete removes a stored cycle. Deleting a missing cycle is not an error.
func (r *FileRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidCycleID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidCycleID, id)
	}
	err := os.Remove(r.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete cycle %s: %w", id, err)
	}
	return nil
}

func (r *FileRepository) path(id string) string {
	return filepath.Join(r.dir, id+resultFileExt)
}

// prune applies retention. Caller holds r.mu.
func (r *FileRepository) prune() {
	if r.retain <= 0 {
		return
	}
	ids, err := r.ListIDs(context.Background())
	if err != nil {
		r.logger.Warn("retention skipped", slog.String("error", err.Error()))
		return
	}
	for _, id := range idsToPrune(ids, r.retain) {
		if err := r.Delete(context.Background(), id); err != nil {
			r.logger.Warn("failed to prune cycle result",
				slog.String("cycle_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		prunedTotal.WithLabelValues("file").Inc()
		r.logger.Debug("pruned cycle result", slog.String("cycle_id", id))
	}
}

// writeFileAtomic writes data to a temporary file next to path, syncs it
// and renames it into place. The temporary file is removed on failure.
// Once the rename succeeds the write is reported as done; a failed
// directory sync is only logged.
func writeFileAtomic(path string, data []byte, perm os.FileMode, logger *slog.Logger) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmpName := filepath.Join(dir, ".tmp-"+uuid.NewString()+resultFileExt)
	tmp, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	if err := syncDir(dir); err != nil {
		logger.Warn("directory sync after rename failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// syncDir is replaced in tests.
var syncDir = func(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
