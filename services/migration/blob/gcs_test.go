// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blob

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		raw    string
		want   Location
		object string
	}{
		{"gs://bucket", Location{Bucket: "bucket"}, "a.zip"},
		{"gs://bucket/", Location{Bucket: "bucket"}, "a.zip"},
		{"gs://bucket/migrations/cycle/", Location{Bucket: "bucket", Prefix: "migrations/cycle"}, "migrations/cycle/a.zip"},
		{"  gs://b/p  ", Location{Bucket: "b", Prefix: "p"}, "p/a.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseLocation(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.object, got.ObjectName("a.zip"))
		})
	}
}

func TestParseLocation_Invalid(t *testing.T) {
	for _, raw := range []string{"", "s3://bucket", "gs://", "gs:///prefix", "/local/dir"} {
		_, err := ParseLocation(raw)
		assert.ErrorIs(t, err, ErrInvalidLocation, raw)
	}
}

func TestNewGCSMirror_MissingCredentials(t *testing.T) {
	_, err := NewGCSMirror(context.Background(), Options{
		Location:        "gs://bucket",
		CredentialsFile: filepath.Join(t.TempDir(), "missing.json"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service account key not found")

	_, err = NewGCSMirror(context.Background(), Options{Location: "bucket"})
	assert.ErrorIs(t, err, ErrInvalidLocation)
}
