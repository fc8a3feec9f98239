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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrUnsupportedDriver indicates a source driver that is not linked in.
var ErrUnsupportedDriver = errors.New("unsupported source driver")

// Driver names accepted in query settings.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DriverName maps a configured driver to its database/sql name.
func DriverName(configured string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(configured)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "postgresql", "pq":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDriver, configured)
	}
}

// Opener opens a source database. Tests substitute it.
type Opener func(ctx context.Context, driver, dsn string) (*sqlx.DB, error)

// OpenSource opens and pings a source database.
func OpenSource(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	name, err := DriverName(driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, name, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to %s source: %w", name, err)
	}
	return db, nil
}
