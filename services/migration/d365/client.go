// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package d365 talks to the Dynamics 365 Finance and Operations data
// management OData actions: requesting a writable blob, importing a
// package and reading the execution status.
package d365

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/d365migrate/services/migration/models"
)

var tracer = otel.Tracer("d365migrate.d365")

const (
	entitySet = "DataManagementDefinitionGroups"
	domain    = "Microsoft.Dynamics.DataEntities"

	actionGetAzureWriteURL = "GetAzureWriteUrl"
	actionImportFromPkg    = "ImportFromPackage"
	actionExecutionStatus  = "GetExecutionSummaryStatus"

	// executionNotFound is returned while the service has not yet
	// registered a freshly requested execution.
	executionNotFound = "Execution details were not found for execution id"

	defaultHTTPTimeout = 2 * time.Minute

	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 4096
)

var (
	// ErrEmptyResponse indicates a successful call with no usable value.
	ErrEmptyResponse = errors.New("empty OData value")

	// ErrExecutionIDMismatch indicates the import returned another execution id.
	ErrExecutionIDMismatch = errors.New("execution id mismatch")
)

// APIError is a non-2xx answer from an OData action.
type APIError struct {
	Action     string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("the API call %s was not successful and returned status %s: %s", e.Action, e.Status, e.Body)
}

// BlobDefinition is a writable blob handed out by the service.
type BlobDefinition struct {
	BlobID  string `json:"BlobId"`
	BlobURL string `json:"BlobUrl"`
}

// ImportRequest are the ImportFromPackage parameters.
type ImportRequest struct {
	PackageURL        string `json:"packageUrl"`
	DefinitionGroupID string `json:"definitionGroupId"`
	ExecutionID       string `json:"executionId"`
	Execute           bool   `json:"execute"`
	Overwrite         bool   `json:"overwrite"`
	LegalEntityID     string `json:"legalEntityId"`
}

type uniqueFileNameRequest struct {
	UniqueFileName string `json:"uniqueFileName"`
}

type executionIDRequest struct {
	ExecutionID string `json:"executionId"`
}

type odataResponse struct {
	Context string          `json:"@odata.context"`
	Value   json.RawMessage `json:"value"`
}

// Client calls the data management actions of one environment.
//
// Thread Safety:
//
//	Safe for concurrent use. All calls share one rate limiter and one
//	cached access token.
type Client struct {
	settings Settings
	api      *http.Client
	blob     *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the transport used for token, OData and blob
// requests. Tests point it at httptest servers.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.blob = hc
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient validates settings and builds an authenticated client.
//
// Description:
//
//	Access tokens come from the Azure AD client credentials flow with
//	scope <URL>/.default. The client secret is only decrypted while a
//	token is being requested. Tokens are cached until they expire.
//
// Outputs:
//
//	*Client - Ready to use.
//	error - Wraps ErrSettings when required settings are missing.
func NewClient(settings Settings, opts ...ClientOption) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	timeout := settings.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	c := &Client{
		settings: settings,
		blob:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   slog.Default(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if settings.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(settings.RequestsPerSecond), max(settings.Burst, 1))
	}

	src := oauth2.ReuseTokenSource(nil, &enclaveTokenSource{settings: settings, httpClient: c.blob})
	c.api = &http.Client{
		Timeout:   timeout,
		Transport: &oauth2.Transport{Source: src, Base: c.blob.Transport},
	}
	return c, nil
}

// LegalEntityID is the company the imports target.
func (c *Client) LegalEntityID() string { return c.settings.LegalEntityID }

// Settings returns the client's settings.
func (c *Client) Settings() Settings { return c.settings }

// enclaveTokenSource fetches client credential tokens, revealing the
// secret only for the duration of the request.
type enclaveTokenSource struct {
	settings   Settings
	httpClient *http.Client
}

func (s *enclaveTokenSource) Token() (*oauth2.Token, error) {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, s.httpClient)
	var tok *oauth2.Token
	err := s.settings.Secret.Reveal(func(secret string) error {
		cfg := clientcredentials.Config{
			ClientID:     s.settings.ClientID,
			ClientSecret: secret,
			TokenURL:     s.settings.tokenURL(),
			Scopes:       []string{s.settings.scope()},
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		var err error
		tok, err = cfg.Token(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("acquire access token for client %s: %w", s.settings.ClientID, err)
	}
	return tok, nil
}

// GetAzureWriteURL asks for a writable blob named uniqueFileName.
func (c *Client) GetAzureWriteURL(ctx context.Context, uniqueFileName string) (BlobDefinition, error) {
	var def BlobDefinition
	value, err := c.post(ctx, actionGetAzureWriteURL, uniqueFileNameRequest{UniqueFileName: uniqueFileName})
	if err != nil {
		return def, err
	}
	if value == "" {
		return def, fmt.Errorf("%s: %w", actionGetAzureWriteURL, ErrEmptyResponse)
	}
	if err := json.Unmarshal([]byte(value), &def); err != nil {
		return def, fmt.Errorf("%s: decode blob definition: %w", actionGetAzureWriteURL, err)
	}
	if strings.TrimSpace(def.BlobURL) == "" {
		return def, fmt.Errorf("could not get the writable blob from Dynamics for %s: %w", uniqueFileName, ErrEmptyResponse)
	}
	return def, nil
}

// ImportFromPackage starts an import and checks that the service kept
// the requested execution id.
func (c *Client) ImportFromPackage(ctx context.Context, req ImportRequest) (string, error) {
	executionID, err := c.post(ctx, actionImportFromPkg, req)
	if err != nil {
		return "", err
	}
	if executionID != req.ExecutionID {
		return "", fmt.Errorf("%w: returned %q, requested %q", ErrExecutionIDMismatch, executionID, req.ExecutionID)
	}
	return executionID, nil
}

// GetExecutionSummaryStatus reads the status of an execution once.
func (c *Client) GetExecutionSummaryStatus(ctx context.Context, executionID string) (models.ExecutionStatus, error) {
	value, err := c.post(ctx, actionExecutionStatus, executionIDRequest{ExecutionID: executionID})
	if err != nil {
		return models.StatusUnknown, err
	}
	status, err := models.ParseExecutionStatus(value)
	if err != nil {
		return models.StatusUnknown, fmt.Errorf("%s: %w", actionExecutionStatus, err)
	}
	return status, nil
}

// ExecutionStatus reads the status, retrying while the service reports
// that it does not know the execution yet.
func (c *Client) ExecutionStatus(ctx context.Context, executionID string) (models.ExecutionStatus, error) {
	retries := c.settings.ExecutionStatusMaxRetries
	for attempt := 0; ; attempt++ {
		status, err := c.GetExecutionSummaryStatus(ctx, executionID)
		if err == nil || attempt >= retries || !strings.Contains(err.Error(), executionNotFound) {
			return status, err
		}
		c.logger.Warn("execution details not found, retrying",
			slog.String("execution_id", executionID),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", retries),
			slog.Duration("delay", c.settings.ExecutionStatusRetryDelay),
		)
		if err := c.sleep(ctx, c.settings.ExecutionStatusRetryDelay); err != nil {
			return models.StatusUnknown, err
		}
	}
}

// UploadBlob writes a block blob to a SAS URL handed out by
// GetAzureWriteURL. The SAS signature authorizes the request.
func (c *Client) UploadBlob(ctx context.Context, blobURL string, body []byte) error {
	ctx, span := tracer.Start(ctx, "d365.UploadBlob",
		trace.WithAttributes(attribute.Int("blob.size", len(body))),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, blobURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build blob request: %w", err)
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	req.Header.Set("Content-Type", "application/zip")
	req.ContentLength = int64(len(body))

	resp, err := c.blob.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return fmt.Errorf("upload blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := &APIError{Action: "PutBlob", StatusCode: resp.StatusCode, Status: resp.Status, Body: string(data)}
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload rejected")
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// post calls an OData action and returns the "value" member as a string.
func (c *Client) post(ctx context.Context, action string, payload any) (string, error) {
	ctx, span := tracer.Start(ctx, "d365."+action,
		trace.WithAttributes(attribute.String("d365.action", action)),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%s: encode request: %w", action, err)
	}
	url := c.settings.baseURL() + "/data/" + entitySet + "/" + domain + "." + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s: build request: %w", action, err)
	}
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Prefer", "odata.include-annotations=*")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("POST", slog.String("url", url), slog.String("body", string(body)))

	resp, err := c.api.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return "", fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Action: action, StatusCode: resp.StatusCode, Status: resp.Status, Body: string(data)}
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, resp.Status)
		return "", apiErr
	}

	var odata odataResponse
	if err := json.NewDecoder(resp.Body).Decode(&odata); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", action, err)
	}
	value, err := rawValueString(odata.Value)
	if err != nil {
		return "", fmt.Errorf("%s: %w", action, err)
	}
	span.SetStatus(codes.Ok, "")
	return value, nil
}

// rawValueString unwraps a JSON string value. Any other JSON value is
// returned as its raw text; null and absent values become "".
func rawValueString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] != '"' {
		return string(trimmed), nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", fmt.Errorf("decode value: %w", err)
	}
	return s, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error { return sleepContext(ctx, d) }
