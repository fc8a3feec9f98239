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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/sanitize"
)

// badgerKeyPrefix namespaces cycle documents in the database.
const badgerKeyPrefix = "cycle/"

// BadgerOptions configures a BadgerRepository.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval runs value log GC periodically. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// MaxCyclesToRetain deletes the oldest cycles after a save. Zero disables.
	MaxCyclesToRetain int

	// Sanitizer redacts error messages. Nil uses sanitize.New().
	Sanitizer sanitize.Sanitizer

	// Logger receives repository and BadgerDB events. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultBadgerOptions returns durable settings for a database at path.
func DefaultBadgerOptions(path string) BadgerOptions {
	return BadgerOptions{
		Path:              path,
		SyncWrites:        true,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
		MaxCyclesToRetain: DefaultMaxCyclesToRetain,
	}
}

// badgerLogger routes BadgerDB's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerRepository stores cycle results in an embedded BadgerDB under
// keys of the form cycle/<cycle-id>.
//
// Thread Safety:
//
//	Safe for concurrent use.
type BadgerRepository struct {
	db        *badger.DB
	retain    int
	sanitizer sanitize.Sanitizer
	logger    *slog.Logger
	codec     jsonCodec

	gcStop chan struct{}
	gcDone chan struct{}
	closed sync.Once
}

// OpenBadgerRepository opens the database and starts value log GC when
// configured.
//
// Outputs:
//
//	*BadgerRepository - Call Close when done.
//	error - Non-nil if the path is missing or the database cannot be opened.
func OpenBadgerRepository(opts BadgerOptions) (*BadgerRepository, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = sanitize.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: opts.Logger.With(slog.String("component", "badger"))})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	r := &BadgerRepository{
		db:        db,
		retain:    opts.MaxCyclesToRetain,
		sanitizer: opts.Sanitizer,
		logger:    opts.Logger,
		codec:     resultCodec,
	}
	if opts.GCInterval > 0 && !opts.InMemory {
		ratio := opts.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		r.gcStop = make(chan struct{})
		r.gcDone = make(chan struct{})
		go r.runGC(opts.GCInterval, ratio)
	}
	return r, nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (r *BadgerRepository) Close() error {
	var err error
	r.closed.Do(func() {
		if r.gcStop != nil {
			close(r.gcStop)
			<-r.gcDone
		}
		err = r.db.Close()
	})
	return err
}

func (r *BadgerRepository) runGC(interval time.Duration, ratio float64) {
	defer close(r.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing to collect.
			if err := r.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Save stores a sanitized copy of result.
func (r *BadgerRepository) Save(ctx context.Context, result *models.CycleResult) error {
	if result == nil {
		return ErrNilResult
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := cycleIDFor(result)
	if err != nil {
		saveTotal.WithLabelValues("badger", "error").Inc()
		return err
	}
	data, err := r.codec.encode(sanitizedCopy(result, r.sanitizer))
	if err != nil {
		saveTotal.WithLabelValues("badger", "error").Inc()
		return fmt.Errorf("encode cycle %s: %w", id, err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(id), data)
	})
	if err != nil {
		saveTotal.WithLabelValues("badger", "error").Inc()
		r.logger.Error("failed to save cycle result",
			slog.String("cycle_id", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("save cycle %s: %w", id, err)
	}
	saveTotal.WithLabelValues("badger", "ok").Inc()
	r.logger.Info("cycle result saved", slog.String("cycle_id", id))

	r.prune(ctx)
	return nil
}

// GetByID reads one cycle. A missing key or an id that cannot name
// a cycle yields nil, nil.
func (r *BadgerRepository) GetByID(ctx context.Context, id string) (*models.CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidCycleID(id) {
		return nil, nil
	}

	var data []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
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

// GetLatest returns up to n cycles, newest first, in a single read
// transaction. Undecodable values are logged and skipped.
func (r *BadgerRepository) GetLatest(ctx context.Context, n int) ([]*models.CycleResult, error) {
	out := []*models.CycleResult{}
	if n <= 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := r.db.View(func(txn *badger.Txn) error {
		return r.iterateNewestFirst(txn, true, func(id string, item *badger.Item) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return false, err
			}
			result, err := r.codec.decode(data)
			if err != nil {
				r.logger.Warn("skipping unreadable cycle result",
					slog.String("cycle_id", id),
					slog.String("error", err.Error()),
				)
				return true, nil
			}
			out = append(out, result)
			return len(out) < n, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read latest cycles: %w", err)
	}
	return out, nil
}

// ListIDs returns all cycle ids, newest first.
func (r *BadgerRepository) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := []string{}
	err := r.db.View(func(txn *badger.Txn) error {
		return r.iterateNewestFirst(txn, false, func(id string, _ *badger.Item) (bool, error) {
			ids = append(ids, id)
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	return ids, nil
}

// Delete removes a stored cycle. Deleting a missing cycle is not an error.
func (r *BadgerRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidCycleID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidCycleID, id)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(id))
	})
}

// iterateNewestFirst walks cycle keys in descending order until fn
// returns false or an error.
func (r *BadgerRepository) iterateNewestFirst(txn *badger.Txn, values bool, fn func(id string, item *badger.Item) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = values
	opts.Prefix = []byte(badgerKeyPrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	// In reverse mode Seek lands on the largest key <= the seek key.
	seek := append([]byte(badgerKeyPrefix), 0xFF)
	for it.Seek(seek); it.ValidForPrefix([]byte(badgerKeyPrefix)); it.Next() {
		item := it.Item()
		id := strings.TrimPrefix(string(item.Key()), badgerKeyPrefix)
		if !ValidCycleID(id) {
			continue
		}
		more, err := fn(id, item)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (r *BadgerRepository) prune(ctx context.Context) {
	if r.retain <= 0 {
		return
	}
	ids, err := r.ListIDs(context.WithoutCancel(ctx))
	if err != nil {
		r.logger.Warn("retention skipped", slog.String("error", err.Error()))
		return
	}
	for _, id := range idsToPrune(ids, r.retain) {
		if err := r.Delete(context.WithoutCancel(ctx), id); err != nil {
			r.logger.Warn("failed to prune cycle result",
				slog.String("cycle_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		prunedTotal.WithLabelValues("badger").Inc()
	}
}

func badgerKey(id string) []byte {
	return []byte(badgerKeyPrefix + id)
}
