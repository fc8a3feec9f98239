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
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"
)

const (
	xmlDeclaration = `<?xml version="1.0" encoding="utf-8"?>`
	documentTag    = "Document"

	// dateTimeLayout matches xs:dateTime without a zone.
	dateTimeLayout = "2006-01-02T15:04:05.9999999"
)

// documentWriter writes <Document><ENTITY col="v" .../>...</Document>.
// Errors are sticky; the first one is returned by every later call.
type documentWriter struct {
	w      *bufio.Writer
	entity string
	err    error
}

func newDocumentWriter(w io.Writer, entity string) *documentWriter {
	d := &documentWriter{w: bufio.NewWriterSize(w, 64*1024), entity: entity}
	d.str(xmlDeclaration)
	d.str("<" + documentTag + ">")
	return d
}

// record writes one element. A nil value becomes an empty attribute.
func (d *documentWriter) record(columns []string, values []any) error {
	d.str("<" + d.entity)
	for i, col := range columns {
		d.str(" " + col + `="`)
		if i < len(values) {
			d.escaped(formatValue(values[i]))
		}
		d.str(`"`)
	}
	d.str("/>")
	return d.err
}

// finish closes the root element and flushes.
func (d *documentWriter) finish() error {
	d.str("</" + documentTag + ">")
	if d.err == nil {
		d.err = d.w.Flush()
	}
	return d.err
}

func (d *documentWriter) str(s string) {
	if d.err != nil {
		return
	}
	_, d.err = d.w.WriteString(s)
}

func (d *documentWriter) escaped(s string) {
	if d.err != nil {
		return
	}
	d.err = xml.EscapeText(d.w, []byte(s))
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(dateTimeLayout)
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}
