// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/AleutianAI/d365migrate/services/migration/d365"
	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

// DefaultPostUploadDelay is waited between the upload and the import
// request when the settings leave it at zero.
const DefaultPostUploadDelay = 5 * time.Second

// DataManagement is the part of the Dynamics 365 client the factory uses.
// *d365.Client implements it.
type DataManagement interface {
	GetAzureWriteURL(ctx context.Context, uniqueFileName string) (d365.BlobDefinition, error)
	UploadBlob(ctx context.Context, blobURL string, body []byte) error
	ImportFromPackage(ctx context.Context, req d365.ImportRequest) (string, error)
	ExecutionStatus(ctx context.Context, executionID string) (models.ExecutionStatus, error)
}

// D365Options tunes a D365Factory.
type D365Options struct {
	LegalEntityID               string
	PostUploadDelay             time.Duration
	ExecutionStatusInitialDelay time.Duration
	Logger                      *slog.Logger
}

// D365Factory builds packages in memory and imports them into Dynamics 365.
//
// Description:
//
//	Closing a part requests a writable blob named <part>.zip, uploads the
//	package, waits PostUploadDelay, starts ImportFromPackage with the part
//	name as execution id and waits ExecutionStatusInitialDelay. Completion
//	is observed through State, which the pipeline polls.
type D365Factory struct {
	api    DataManagement
	opts   D365Options
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewD365Factory creates a D365Factory.
func NewD365Factory(api DataManagement, opts D365Options) *D365Factory {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PostUploadDelay <= 0 {
		opts.PostUploadDelay = DefaultPostUploadDelay
	}
	return &D365Factory{api: api, opts: opts, now: time.Now, sleep: d365.Sleep, logger: logger}
}

// Create starts an in-memory package.
func (f *D365Factory) Create(_ context.Context, item plan.QueryItem, n int) (Output, error) {
	now := f.now()
	name := PartName(item.DefinitionGroupID, n, now)
	buf := new(bytes.Buffer)
	zw, entry, err := openPackage(buf, item)
	if err != nil {
		return nil, err
	}
	return &d365Output{
		part:    part{name: name, startedAt: now},
		factory: f,
		groupID: item.DefinitionGroupID,
		buf:     buf,
		zip:     zw,
		entry:   entry,
	}, nil
}

type d365Output struct {
	part
	factory *D365Factory
	groupID string
	buf     *bytes.Buffer
	zip     *zip.Writer
	entry   io.Writer
	blobURL string
	closed  bool
}

func (o *d365Output) Writer() io.Writer { return o.entry }

// BlobURL is the package location once uploaded.
func (o *d365Output) BlobURL() string { return o.blobURL }

func (o *d365Output) Close(ctx context.Context) error {
	if o.closed {
		return nil
	}
	o.closed = true
	if err := o.zip.Close(); err != nil {
		return fmt.Errorf("finish package %s: %w", o.name, err)
	}
	if err := o.importPackage(ctx); err != nil {
		o.factory.logger.Error("failed to import the package to Dynamics 365",
			slog.String("part", o.name),
			slog.String("blob_url", o.blobURL),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (o *d365Output) importPackage(ctx context.Context) error {
	f := o.factory
	body := o.buf.Bytes()

	f.logger.Info("getting writable blob from Dynamics", slog.String("name", o.name))
	def, err := f.api.GetAzureWriteURL(ctx, o.name+".zip")
	if err != nil {
		return fmt.Errorf("get writable blob for %s: %w", o.name, err)
	}
	o.blobURL = def.BlobURL
	if err := f.api.UploadBlob(ctx, def.BlobURL, body); err != nil {
		return fmt.Errorf("upload package %s: %w", o.name, err)
	}
	o.buf = nil

	if err := f.sleep(ctx, f.opts.PostUploadDelay); err != nil {
		return err
	}
	id, err := f.api.ImportFromPackage(ctx, d365.ImportRequest{
		PackageURL:        def.BlobURL,
		DefinitionGroupID: o.groupID,
		ExecutionID:       o.name,
		Execute:           true,
		Overwrite:         true,
		LegalEntityID:     f.opts.LegalEntityID,
	})
	if err != nil {
		return fmt.Errorf("import package %s: %w", o.name, err)
	}
	f.logger.Info("imported Dynamics 365 package",
		slog.String("part", o.name),
		slog.String("execution_id", id))

	// Imports are timed from the request, not from the start of writing.
	o.startedAt = f.now()
	return f.sleep(ctx, f.opts.ExecutionStatusInitialDelay)
}

// State reads the execution status. Read failures count as Failed.
func (o *d365Output) State(ctx context.Context) (models.ExecutionStatus, error) {
	status, err := o.factory.api.ExecutionStatus(ctx, o.name)
	if err != nil {
		o.factory.logger.Error("failed to retrieve the import job status",
			slog.String("execution_id", o.name),
			slog.String("blob_url", o.blobURL),
			slog.String("error", err.Error()))
		return models.StatusFailed, nil
	}
	o.factory.logger.Debug("import job status",
		slog.String("execution_id", o.name),
		slog.String("status", status.String()))
	return status, nil
}
