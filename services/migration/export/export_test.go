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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/d365migrate/services/migration/d365"
	"github.com/AleutianAI/d365migrate/services/migration/models"
	"github.com/AleutianAI/d365migrate/services/migration/pipeline"
	"github.com/AleutianAI/d365migrate/services/migration/plan"
)

// fixture creates a sqlite source with n customers and the definition
// files of the CUSTOMERS entity.
func fixture(t *testing.T, n int) plan.QueryItem {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "source.db")

	db, err := sqlx.Open("sqlite", dbPath)
	require.NoError(t, err)
	db.MustExec(`CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT, note TEXT)`)
	for i := 1; i <= n; i++ {
		var note any
		if i%2 == 0 {
			note = fmt.Sprintf(`a<b & "c" %d`, i)
		}
		db.MustExec(`INSERT INTO customers (id, name, note) VALUES (?, ?, ?)`, i, fmt.Sprintf("Customer %d", i), note)
	}
	require.NoError(t, db.Close())

	defDir := filepath.Join(dir, "CUSTOMERS")
	require.NoError(t, os.MkdirAll(defDir, 0o755))
	write := func(name, content string) string {
		p := filepath.Join(defDir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}
	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(out, 0o755))

	return plan.QueryItem{
		EntityName:             "CUSTOMERS",
		DefinitionGroupID:      "DMF_CUSTOMERS",
		ManifestFileName:       write("Manifest.xml", "<Manifest/>"),
		PackageHeaderFileName:  write("PackageHeader.xml", "<Header/>"),
		QueryFileName:          write("CUSTOMERS.sql", "SELECT id, name, note FROM customers ORDER BY id"),
		OutputDirectory:        out,
		RecordsPerFile:         0,
		SourceConnectionString: dbPath,
		SourceDriver:           "sqlite",
	}
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 8, 3, 10, 20, 30, 123456789, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestPartName(t *testing.T) {
	at := time.Date(2025, 8, 3, 10, 20, 30, 123456789, time.UTC)
	assert.Equal(t, "DMF_CUSTOMERS_250308_102030_1234", PartName("DMF_CUSTOMERS", 0, at))
	assert.Equal(t, "DMF_CUSTOMERS_Part2_250308_102030_1234", PartName("DMF_CUSTOMERS", 2, at))
}

func TestDriverName(t *testing.T) {
	for in, want := range map[string]string{"": "sqlite", "SQLite3": "sqlite", "postgresql": "postgres", "pq": "postgres"} {
		got, err := DriverName(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := DriverName("oracle")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", formatValue(nil))
	assert.Equal(t, "abc", formatValue([]byte("abc")))
	assert.Equal(t, "42", formatValue(int64(42)))
	assert.Equal(t, "1.5", formatValue(1.5))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, "2025-01-02T03:04:05", formatValue(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestDocumentWriter(t *testing.T) {
	var buf bytes.Buffer
	d := newDocumentWriter(&buf, "VENDORS")
	require.NoError(t, d.record([]string{"ID", "NAME"}, []any{int64(1), `a"b<c`}))
	require.NoError(t, d.record([]string{"ID", "NAME"}, []any{int64(2), nil}))
	require.NoError(t, d.finish())

	assert.Equal(t,
		`<?xml version="1.0" encoding="utf-8"?><Document>`+
			`<VENDORS ID="1" NAME="a&#34;b&lt;c"/>`+
			`<VENDORS ID="2" NAME=""/>`+
			`</Document>`,
		buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestDocumentWriter_StickyError(t *testing.T) {
	d := newDocumentWriter(failingWriter{}, "X")
	_ = d.record([]string{"A"}, []any{"v"})
	assert.EqualError(t, d.finish(), "disk full")
}

func TestClearDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.xml"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.zip"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "results"), 0o755))

	n, err := ClearDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "results", entries[0].Name())

	n, err = ClearDirectory(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func outputFiles(t *testing.T, dir, ext string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ext) {
			names = append(names, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(names)
	return names
}

func TestProcess_FileSplitsByRecordsPerFile(t *testing.T) {
	item := fixture(t, 5)
	item.RecordsPerFile = 2

	factory := NewFileFactory(nil)
	factory.now = fixedClock()
	p, err := NewProcessor(factory)
	require.NoError(t, err)

	parts, err := p.Process(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, parts, 3)

	var records []int64
	for _, part := range parts {
		records = append(records, part.(pipeline.RecordCounter).Records())
		status, err := part.State(context.Background())
		require.NoError(t, err)
		assert.Equal(t, models.StatusSucceeded, status)
	}
	assert.Equal(t, []int64{2, 2, 1}, records)
	assert.True(t, strings.HasPrefix(parts[0].Name(), "DMF_CUSTOMERS_2503"))
	assert.True(t, strings.HasPrefix(parts[1].Name(), "DMF_CUSTOMERS_Part1_"))
	assert.True(t, strings.HasPrefix(parts[2].Name(), "DMF_CUSTOMERS_Part2_"))

	files := outputFiles(t, item.OutputDirectory, ".xml")
	require.Len(t, files, 3)

	first, err := os.ReadFile(filepath.Join(item.OutputDirectory, parts[0].Name()+".xml"))
	require.NoError(t, err)
	assert.Equal(t,
		`<?xml version="1.0" encoding="utf-8"?><Document>`+
			`<CUSTOMERS id="1" name="Customer 1" note=""/>`+
			`<CUSTOMERS id="2" name="Customer 2" note="a&lt;b &amp; &#34;c&#34; 2"/>`+
			`</Document>`,
		string(first))
}

func TestProcess_EmptyResultStillCreatesOnePart(t *testing.T) {
	item := fixture(t, 0)
	p, err := NewProcessor(NewFileFactory(nil))
	require.NoError(t, err)

	parts, err := p.Process(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, int64(0), parts[0].(pipeline.RecordCounter).Records())

	data, err := os.ReadFile(filepath.Join(item.OutputDirectory, parts[0].Name()+".xml"))
	require.NoError(t, err)
	assert.Equal(t, `<?xml version="1.0" encoding="utf-8"?><Document></Document>`, string(data))
}

func TestProcess_QueryErrors(t *testing.T) {
	item := fixture(t, 1)
	require.NoError(t, os.WriteFile(item.QueryFileName, []byte("SELECT * FROM missing_table"), 0o644))

	p, err := NewProcessor(NewFileFactory(nil))
	require.NoError(t, err)
	_, err = p.Process(context.Background(), item)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run query for CUSTOMERS")

	item.QueryFileName = filepath.Join(t.TempDir(), "nope.sql")
	_, err = p.Process(context.Background(), item)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestProcess_UnsupportedDriver(t *testing.T) {
	item := fixture(t, 1)
	item.SourceDriver = "oracle"
	p, err := NewProcessor(NewFileFactory(nil))
	require.NoError(t, err)

	_, err = p.Process(context.Background(), item)
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestNewProcessor_NilFactory(t *testing.T) {
	_, err := NewProcessor(nil)
	assert.ErrorIs(t, err, ErrNilFactory)
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(b)
	}
	return out
}

type recordingMirror struct {
	mu      sync.Mutex
	objects []string
}

func (m *recordingMirror) Upload(_ context.Context, localPath, objectName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	m.objects = append(m.objects, objectName)
	return nil
}

func TestProcess_PackageLayout(t *testing.T) {
	item := fixture(t, 3)
	mirror := &recordingMirror{}
	p, err := NewProcessor(NewPackageFactory(mirror, nil))
	require.NoError(t, err)

	parts, err := p.Process(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, parts, 1)

	data, err := os.ReadFile(filepath.Join(item.OutputDirectory, parts[0].Name()+".zip"))
	require.NoError(t, err)
	entries := readZip(t, data)
	assert.Equal(t, "<Manifest/>", entries["Manifest.xml"])
	assert.Equal(t, "<Header/>", entries["PackageHeader.xml"])
	assert.Contains(t, entries["CUSTOMERS.xml"], `<CUSTOMERS id="3" name="Customer 3" note=""/>`)
	assert.Equal(t, []string{parts[0].Name() + ".zip"}, mirror.objects)
}

func TestPackage_MissingManifest(t *testing.T) {
	item := fixture(t, 1)
	require.NoError(t, os.Remove(item.ManifestFileName))

	_, err := NewPackageFactory(nil, nil).Create(context.Background(), item, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest file not found for entity 'CUSTOMERS'")
	assert.Empty(t, outputFiles(t, item.OutputDirectory, ".zip"))
}

// fakeDataManagement records the import flow.
type fakeDataManagement struct {
	mu        sync.Mutex
	calls     []string
	uploaded  map[string][]byte
	imports   []d365.ImportRequest
	status    models.ExecutionStatus
	statusErr error
	importErr error
}

func (f *fakeDataManagement) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDataManagement) GetAzureWriteURL(_ context.Context, name string) (d365.BlobDefinition, error) {
	f.record("GetAzureWriteUrl " + name)
	return d365.BlobDefinition{BlobID: "id", BlobURL: "https://blob.example/" + name}, nil
}

func (f *fakeDataManagement) UploadBlob(_ context.Context, url string, body []byte) error {
	f.record("PutBlob " + url)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploaded == nil {
		f.uploaded = map[string][]byte{}
	}
	f.uploaded[url] = append([]byte(nil), body...)
	return nil
}

func (f *fakeDataManagement) ImportFromPackage(_ context.Context, req d365.ImportRequest) (string, error) {
	f.record("ImportFromPackage " + req.ExecutionID)
	f.mu.Lock()
	f.imports = append(f.imports, req)
	f.mu.Unlock()
	if f.importErr != nil {
		return "", f.importErr
	}
	return req.ExecutionID, nil
}

func (f *fakeDataManagement) ExecutionStatus(context.Context, string) (models.ExecutionStatus, error) {
	return f.status, f.statusErr
}

func newTestD365Factory(api DataManagement) *D365Factory {
	f := NewD365Factory(api, D365Options{LegalEntityID: "USMF"})
	f.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	f.now = fixedClock()
	return f
}

func TestProcess_D365ImportFlow(t *testing.T) {
	item := fixture(t, 2)
	api := &fakeDataManagement{status: models.StatusExecuting}
	p, err := NewProcessor(newTestD365Factory(api))
	require.NoError(t, err)

	parts, err := p.Process(context.Background(), item)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	name := parts[0].Name()

	assert.Equal(t, []string{
		"GetAzureWriteUrl " + name + ".zip",
		"PutBlob https://blob.example/" + name + ".zip",
		"ImportFromPackage " + name,
	}, api.calls)

	require.Len(t, api.imports, 1)
	req := api.imports[0]
	assert.Equal(t, "DMF_CUSTOMERS", req.DefinitionGroupID)
	assert.Equal(t, "USMF", req.LegalEntityID)
	assert.True(t, req.Execute)
	assert.True(t, req.Overwrite)

	entries := readZip(t, api.uploaded["https://blob.example/"+name+".zip"])
	assert.Contains(t, entries, "Manifest.xml")
	assert.Contains(t, entries["CUSTOMERS.xml"], `id="2"`)

	status, err := parts[0].State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuting, status)

	// Nothing is written locally in this mode.
	assert.Empty(t, outputFiles(t, item.OutputDirectory, ".zip"))
}

func TestD365_StatusErrorCountsAsFailed(t *testing.T) {
	item := fixture(t, 1)
	api := &fakeDataManagement{statusErr: errors.New("boom")}
	p, err := NewProcessor(newTestD365Factory(api))
	require.NoError(t, err)

	parts, err := p.Process(context.Background(), item)
	require.NoError(t, err)
	status, err := parts[0].State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)
}

func TestD365_ImportErrorFailsTheUnit(t *testing.T) {
	item := fixture(t, 1)
	api := &fakeDataManagement{importErr: d365.ErrExecutionIDMismatch}
	p, err := NewProcessor(newTestD365Factory(api))
	require.NoError(t, err)

	_, err = p.Process(context.Background(), item)
	assert.ErrorIs(t, err, d365.ErrExecutionIDMismatch)
}
