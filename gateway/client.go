// Copyright 2026 ManaSmart
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AttemptStatus is the lifecycle status of a backup attempt as
// reported by the platform. The only legal forward transition out
// of StatusInProgress is to one of the terminal statuses; no
// status is ever revisited.
type AttemptStatus string

const (
	StatusPending    AttemptStatus = "pending"
	StatusInProgress AttemptStatus = "in_progress"
	StatusSuccess    AttemptStatus = "success"
	StatusFailed     AttemptStatus = "failed"
	StatusCancelled  AttemptStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s AttemptStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSuccess,
		StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// DispatchResponse is returned when a backup job is started. The
// task ID is the dispatch handle used to query job status; it is
// distinct from the attempt record's own ID.
type DispatchResponse struct {
	TaskID string `json:"task_id"`
}

// StatusResponse is the live job status for a dispatch handle.
// Progress and AttemptID are best-effort and may be absent; the
// stored attempt record is authoritative once the job has written
// anything to it.
type StatusResponse struct {
	Status      AttemptStatus `json:"status"`
	Progress    *int          `json:"progress,omitempty"`
	ArtifactKey string        `json:"artifact_key,omitempty"`
	ErrorText   string        `json:"error_text,omitempty"`
	AttemptID   string        `json:"attempt_id,omitempty"`
}

// ProgressValue returns the reported progress clamped to 0-100,
// or -1 if the response carried no progress field.
func (r *StatusResponse) ProgressValue() int {
	if r.Progress == nil {
		return -1
	}
	return max(0, min(100, *r.Progress))
}

// AttemptRecord is one row in the platform's durable backup
// history. ArtifactKey is set at or before the transition to
// success; its presence is a stronger completion signal than the
// Status field itself.
type AttemptRecord struct {
	ID             string        `json:"id"`
	DispatchHandle string        `json:"dispatch_handle,omitempty"`
	Status         AttemptStatus `json:"status"`
	ArtifactKey    string        `json:"artifact_key,omitempty"`
	SizeBytes      int64         `json:"size_bytes,omitempty"`
	ErrorText      string        `json:"error_text,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AttemptPatch is a partial update applied to a stored attempt
// record. Nil fields are left unchanged.
type AttemptPatch struct {
	Status      *AttemptStatus `json:"status,omitempty"`
	ArtifactKey *string        `json:"artifact_key,omitempty"`
	SizeBytes   *int64         `json:"size_bytes,omitempty"`
	ErrorText   *string        `json:"error_text,omitempty"`
}

// HistoryQuery filters a history listing. Zero values are omitted
// from the request.
type HistoryQuery struct {
	Limit        int
	StatusFilter AttemptStatus
	From         time.Time
	To           time.Time
	SearchText   string
}

// CancelResponse reports how many attempt records were marked
// cancelled. Cancelling a record does not guarantee the remote job
// stops.
type CancelResponse struct {
	CancelledCount int `json:"cancelled_count"`
}

// SignedURL is a time-limited download URL for a backup artifact.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RestoreSectionResult is the merge outcome for one restore
// sub-resource. Merge semantics skip rows that already exist and
// never overwrite.
type RestoreSectionResult struct {
	Section string `json:"section"`
	Merged  int    `json:"merged"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// RestoreResponse holds the per-section results of an upload-and-
// merge restore. A failed section does not fail the others.
type RestoreResponse struct {
	Sections []RestoreSectionResult `json:"sections"`
}

// Client is an HTTP client for the platform's backup job API.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom *http.Client. Note: the default
// client enforces HTTPS-only redirects via httpsOnlyRedirect. A
// custom client bypasses this protection, so callers should
// configure their own redirect policy if needed.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAuthToken sets the bearer token sent with every request.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) {
		c.authToken = token
	}
}

// NewClient creates a new platform backup API client. The baseURL
// should be the base URL of the backup function endpoint (e.g.,
// "https://console.example.com/api/v1").
func NewClient(
	baseURL string,
	opts ...ClientOption,
) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:       30 * time.Second,
			CheckRedirect: httpsOnlyRedirect,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// httpsOnlyRedirect rejects redirects to non-HTTPS URLs to prevent
// downgrade attacks and SSRF.
func httpsOnlyRedirect(
	req *http.Request,
	via []*http.Request,
) error {
	if len(via) >= 10 {
		return errors.New("too many redirects")
	}
	if req.URL.Scheme != "https" {
		return fmt.Errorf(
			"redirect to non-HTTPS URL blocked: %s",
			req.URL,
		)
	}
	return nil
}

// Dispatch starts a backup job on the platform and returns the
// dispatch handle used to query its status. An idempotency key is
// generated per call so a retried request cannot start a second
// job.
func (c *Client) Dispatch(
	ctx context.Context,
) (*DispatchResponse, error) {
	reqURL := c.baseURL + "/backups/run"
	body, err := c.doJSON(
		ctx, http.MethodPost, reqURL, nil,
		map[string]string{"Idempotency-Key": uuid.NewString()},
	)
	if err != nil {
		return nil, fmt.Errorf("dispatching backup: %w", err)
	}
	defer body.Close()

	var resp DispatchResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf(
			"decoding dispatch response: %w",
			err,
		)
	}
	if resp.TaskID == "" {
		return nil, errors.New("dispatch response has no task ID")
	}
	return &resp, nil
}

// Status queries the live job status for a dispatch handle.
// Corresponds to GET /backups/status/{handle}.
func (c *Client) Status(
	ctx context.Context,
	dispatchHandle string,
) (*StatusResponse, error) {
	reqURL := c.baseURL + "/backups/status/" +
		url.PathEscape(dispatchHandle)
	body, err := c.doJSON(ctx, http.MethodGet, reqURL, nil, nil)
	if err != nil {
		return nil, fmt.Errorf(
			"querying status for %s: %w",
			dispatchHandle,
			err,
		)
	}
	defer body.Close()

	var resp StatusResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf(
			"decoding status for %s: %w",
			dispatchHandle,
			err,
		)
	}
	return &resp, nil
}

// ListHistory retrieves stored backup attempts, newest first.
// Corresponds to GET /backups.
func (c *Client) ListHistory(
	ctx context.Context,
	query HistoryQuery,
) ([]AttemptRecord, error) {
	params := url.Values{}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.StatusFilter != "" {
		params.Set("status", string(query.StatusFilter))
	}
	if !query.From.IsZero() {
		params.Set("from", query.From.UTC().Format(time.RFC3339))
	}
	if !query.To.IsZero() {
		params.Set("to", query.To.UTC().Format(time.RFC3339))
	}
	if query.SearchText != "" {
		params.Set("search", query.SearchText)
	}
	reqURL := c.baseURL + "/backups"
	if encoded := params.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}
	body, err := c.doJSON(ctx, http.MethodGet, reqURL, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("listing backup history: %w", err)
	}
	defer body.Close()

	var records []AttemptRecord
	if err := json.NewDecoder(body).Decode(&records); err != nil {
		return nil, fmt.Errorf(
			"decoding backup history: %w",
			err,
		)
	}
	return records, nil
}

// GetAttempt retrieves a single stored attempt record by its ID.
// Corresponds to GET /backups/{id}.
func (c *Client) GetAttempt(
	ctx context.Context,
	attemptID string,
) (*AttemptRecord, error) {
	reqURL := c.baseURL + "/backups/" + url.PathEscape(attemptID)
	body, err := c.doJSON(ctx, http.MethodGet, reqURL, nil, nil)
	if err != nil {
		return nil, fmt.Errorf(
			"getting attempt %s: %w",
			attemptID,
			err,
		)
	}
	defer body.Close()

	var record AttemptRecord
	if err := json.NewDecoder(body).Decode(&record); err != nil {
		return nil, fmt.Errorf(
			"decoding attempt %s: %w",
			attemptID,
			err,
		)
	}
	return &record, nil
}

// Cancel marks the given attempt records cancelled. The remote job
// runner is not stopped; the records are only flagged so watchers
// stop observing them.
func (c *Client) Cancel(
	ctx context.Context,
	attemptIDs []string,
) (*CancelResponse, error) {
	if len(attemptIDs) == 0 {
		return &CancelResponse{}, nil
	}
	payload, err := json.Marshal(
		map[string][]string{"ids": attemptIDs},
	)
	if err != nil {
		return nil, fmt.Errorf("encoding cancel request: %w", err)
	}
	reqURL := c.baseURL + "/backups/cancel"
	body, err := c.doJSON(
		ctx, http.MethodPost, reqURL, payload, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("cancelling attempts: %w", err)
	}
	defer body.Close()

	var resp CancelResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf(
			"decoding cancel response: %w",
			err,
		)
	}
	return &resp, nil
}

// Delete removes a stored attempt record. The backup artifact
// itself is unaffected.
func (c *Client) Delete(
	ctx context.Context,
	attemptID string,
) error {
	reqURL := c.baseURL + "/backups/" + url.PathEscape(attemptID)
	body, err := c.doJSON(ctx, http.MethodDelete, reqURL, nil, nil)
	if err != nil {
		return fmt.Errorf(
			"deleting attempt %s: %w",
			attemptID,
			err,
		)
	}
	body.Close()
	return nil
}

// UpdateAttempt applies a partial update to a stored attempt
// record and returns the updated row. Corresponds to
// PATCH /backups/{id}.
func (c *Client) UpdateAttempt(
	ctx context.Context,
	attemptID string,
	patch AttemptPatch,
) (*AttemptRecord, error) {
	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encoding attempt patch: %w", err)
	}
	reqURL := c.baseURL + "/backups/" + url.PathEscape(attemptID)
	body, err := c.doJSON(
		ctx, http.MethodPatch, reqURL, payload, nil,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"updating attempt %s: %w",
			attemptID,
			err,
		)
	}
	defer body.Close()

	var record AttemptRecord
	if err := json.NewDecoder(body).Decode(&record); err != nil {
		return nil, fmt.Errorf(
			"decoding updated attempt %s: %w",
			attemptID,
			err,
		)
	}
	return &record, nil
}

// SignArtifactURL converts an artifact key into a time-limited
// download URL. The URL should be treated as short-lived.
func (c *Client) SignArtifactURL(
	ctx context.Context,
	artifactKey string,
) (*SignedURL, error) {
	if artifactKey == "" {
		return nil, errors.New("artifact key is empty")
	}
	payload, err := json.Marshal(
		map[string]string{"artifact_key": artifactKey},
	)
	if err != nil {
		return nil, fmt.Errorf("encoding sign request: %w", err)
	}
	reqURL := c.baseURL + "/backups/sign"
	body, err := c.doJSON(
		ctx, http.MethodPost, reqURL, payload, nil,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"signing artifact URL for %s: %w",
			artifactKey,
			err,
		)
	}
	defer body.Close()

	var signed SignedURL
	if err := json.NewDecoder(body).Decode(&signed); err != nil {
		return nil, fmt.Errorf(
			"decoding signed URL for %s: %w",
			artifactKey,
			err,
		)
	}
	if signed.URL == "" {
		return nil, fmt.Errorf(
			"empty signed URL for artifact %s",
			artifactKey,
		)
	}
	return &signed, nil
}

// Restore uploads a backup archive for an upload-and-merge
// restore and returns the per-section results. The archive is
// sent as-is; the platform performs validation of its own.
func (c *Client) Restore(
	ctx context.Context,
	filename string,
	archive io.Reader,
) (*RestoreResponse, error) {
	reqURL := c.baseURL + "/restore"
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		reqURL,
		archive,
	)
	if err != nil {
		return nil, fmt.Errorf("creating restore request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/zip")
	req.Header.Set("X-Archive-Filename", filename)
	req.Header.Set("Idempotency-Key", uuid.NewString())
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading restore archive: %w", err)
	}
	if resp == nil || resp.Body == nil {
		return nil, errors.New("nil response from server")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(
			io.LimitReader(resp.Body, 1024),
		)
		return nil, fmt.Errorf(
			"restore upload failed with status %d: %s",
			resp.StatusCode,
			string(bodyBytes),
		)
	}

	var restoreResp RestoreResponse
	if err := json.NewDecoder(
		io.LimitReader(resp.Body, maxResponseBytes),
	).Decode(&restoreResp); err != nil {
		return nil, fmt.Errorf(
			"decoding restore response: %w",
			err,
		)
	}
	return &restoreResp, nil
}

// setAuth attaches the bearer token when one is configured.
func (c *Client) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// doJSON performs an HTTP request with an optional JSON payload
// and returns the response body. The caller is responsible for
// closing the returned ReadCloser.
func (c *Client) doJSON(
	ctx context.Context,
	method string,
	reqURL string,
	payload []byte,
	extraHeaders map[string]string,
) (io.ReadCloser, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(
		ctx,
		method,
		reqURL,
		bodyReader,
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	if resp == nil || resp.Body == nil {
		return nil, errors.New("nil response from server")
	}

	if resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNoContent {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(
			io.LimitReader(resp.Body, 1024),
		)
		return nil, fmt.Errorf(
			"unexpected status %d: %s",
			resp.StatusCode,
			string(bodyBytes),
		)
	}

	return &limitedReadCloser{
		Reader: io.LimitReader(resp.Body, maxResponseBytes),
		Closer: resp.Body,
	}, nil
}

// maxResponseBytes limits JSON API responses to 10 MiB to prevent
// OOM from a malicious or misconfigured endpoint.
const maxResponseBytes = 10 << 20

// limitedReadCloser wraps a size-limited Reader with the
// underlying connection's Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
