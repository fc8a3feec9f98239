// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package d365

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrSettings is wrapped by every settings validation failure.
var ErrSettings = errors.New("invalid dynamics 365 settings")

// DefaultAuthority is the Azure AD login host.
const DefaultAuthority = "https://login.microsoftonline.com"

// Settings configures the Dynamics 365 data management client.
type Settings struct {
	// URL is the environment root, e.g. https://contoso.operations.dynamics.com.
	URL string

	Tenant        string
	ClientID      string
	Secret        Secret
	LegalEntityID string

	// Authority overrides DefaultAuthority.
	Authority string

	// ImportTimeout bounds how long an import may run.
	ImportTimeout time.Duration

	// PostUploadDelay is waited after the package upload and before the
	// import is requested.
	PostUploadDelay time.Duration

	// ExecutionStatusInitialDelay is waited after the import is requested
	// and before its status is first read.
	ExecutionStatusInitialDelay time.Duration

	// ExecutionStatusMaxRetries bounds retries while the service does not
	// yet know the execution id.
	ExecutionStatusMaxRetries int

	// ExecutionStatusRetryDelay separates those retries.
	ExecutionStatusRetryDelay time.Duration

	// RequestsPerSecond limits OData calls across all parts. Zero disables.
	RequestsPerSecond float64

	// Burst is the limiter bucket size. Values below 1 mean 1.
	Burst int

	// HTTPTimeout bounds each HTTP request. Zero means 2 minutes.
	HTTPTimeout time.Duration
}

// Validate checks the fields every call needs.
func (s Settings) Validate() error {
	var missing []string
	if strings.TrimSpace(s.URL) == "" {
		missing = append(missing, "Url")
	}
	if strings.TrimSpace(s.Tenant) == "" {
		missing = append(missing, "Tenant")
	}
	if strings.TrimSpace(s.ClientID) == "" {
		missing = append(missing, "ClientId")
	}
	if s.Secret.Empty() {
		missing = append(missing, "Secret")
	}
	if strings.TrimSpace(s.LegalEntityID) == "" {
		missing = append(missing, "LegalEntityId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s not defined", ErrSettings, strings.Join(missing, ", "))
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: Url %q is not an absolute URL", ErrSettings, s.URL)
	}
	return nil
}

func (s Settings) baseURL() string {
	return strings.TrimRight(s.URL, "/")
}

func (s Settings) tokenURL() string {
	authority := s.Authority
	if authority == "" {
		authority = DefaultAuthority
	}
	return strings.TrimRight(authority, "/") + "/" + url.PathEscape(s.Tenant) + "/oauth2/v2.0/token"
}

func (s Settings) scope() string {
	return s.baseURL() + "/.default"
}
