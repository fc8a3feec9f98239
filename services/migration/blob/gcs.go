// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blob mirrors finished packages to a Google Cloud Storage bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrInvalidLocation indicates a mirror location that is not gs://bucket[/prefix].
var ErrInvalidLocation = errors.New("invalid blob storage location")

const scheme = "gs://"

// Location is a bucket and an optional object prefix.
type Location struct {
	Bucket string
	Prefix string
}

// ParseLocation parses gs://bucket[/prefix].
func ParseLocation(raw string) (Location, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, scheme) {
		return Location{}, fmt.Errorf("%w: %q must start with %s", ErrInvalidLocation, raw, scheme)
	}
	rest := strings.TrimPrefix(trimmed, scheme)
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("%w: %q has no bucket", ErrInvalidLocation, raw)
	}
	return Location{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// ObjectName joins the prefix and name.
func (l Location) ObjectName(name string) string {
	if l.Prefix == "" {
		return name
	}
	return path.Join(l.Prefix, name)
}

func (l Location) String() string {
	if l.Prefix == "" {
		return scheme + l.Bucket
	}
	return scheme + l.Bucket + "/" + l.Prefix
}

// Options configures a GCSMirror.
type Options struct {
	// Location is gs://bucket[/prefix].
	Location string

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string

	Logger *slog.Logger
}

// GCSMirror uploads files to a bucket.
//
// Thread Safety: Safe for concurrent use.
type GCSMirror struct {
	client   *storage.Client
	location Location
	logger   *slog.Logger
}

// NewGCSMirror validates opts and creates the storage client.
func NewGCSMirror(ctx context.Context, opts Options) (*GCSMirror, error) {
	loc, err := ParseLocation(opts.Location)
	if err != nil {
		return nil, err
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		if _, err := os.Stat(opts.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path %s: %w", opts.CredentialsFile, err)
		}
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GCSMirror{client: client, location: loc, logger: logger}, nil
}

// Location returns the parsed destination.
func (m *GCSMirror) Location() Location { return m.location }

// Upload copies localPath to the object <prefix>/<objectName>.
func (m *GCSMirror) Upload(ctx context.Context, localPath, objectName string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	name := m.location.ObjectName(objectName)
	w := m.client.Bucket(m.location.Bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/zip"
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy %s to gs://%s/%s: %w", localPath, m.location.Bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close GCS writer for %s: %w", name, err)
	}
	m.logger.Info("uploaded package",
		slog.String("path", localPath),
		slog.String("object", "gs://"+m.location.Bucket+"/"+name))
	return nil
}

// Close releases the storage client.
func (m *GCSMirror) Close() error { return m.client.Close() }
