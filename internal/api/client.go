// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api is a typed HTTP client for the RepoRefine backend.
//
// It covers the four REST endpoints the orchestrator needs: the auth check,
// the repository list, the clone request, and the review fetch. The streaming
// endpoint lives in the stream package. Every call takes a context; errors
// from the backend carry the body's detail message as an *APIError.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/reporefine/refine/internal/session"
)

// ErrUnauthenticated is returned by AuthMe when the backend rejects the
// credential check.
var ErrUnauthenticated = errors.New("api: not authenticated")

// APIError is an error response from the backend, carrying the detail message
// from the response body when one was present.
type APIError struct {
	StatusCode int
	Detail     string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// Client is a RepoRefine API client. It keeps a cookie jar so the backend's
// session cookie rides along as the ambient credential.
//
// The Client is safe for concurrent use by multiple goroutines.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a [Client].
type Option func(*Client)

// New creates a client for the backend at baseURL. Any trailing slash is
// removed. The default HTTP client carries a cookie jar and a 30-second
// timeout.
func New(baseURL string, opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the HTTP client timeout for all requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// BaseURL returns the base URL of the backend.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// LoginURL returns the provider redirect target. It is never fetched by this
// client; the front end hands it to the user (or browser) to follow.
func (c *Client) LoginURL() string {
	return c.baseURL + "/api/auth/github"
}

// AuthMe verifies the ambient credential. A non-200 response means the user
// is unauthenticated, returned as ErrUnauthenticated.
func (c *Client) AuthMe(ctx context.Context) (session.Identity, error) {
	resp, err := c.get(ctx, "/api/auth/me")
	if err != nil {
		return session.Identity{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return session.Identity{}, ErrUnauthenticated
	}

	var id session.Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return session.Identity{}, fmt.Errorf("api: parse auth response: %w", err)
	}
	id.Authenticated = true
	return id, nil
}

// reposResponse is the repository list envelope.
type reposResponse struct {
	Repos []session.Repository `json:"repos"`
}

// Repos fetches the user's repository list in server order. A non-200
// response yields an empty list, not an error.
func (c *Client) Repos(ctx context.Context) ([]session.Repository, error) {
	resp, err := c.get(ctx, "/api/user/repos")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	var out reposResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("api: parse repos response: %w", err)
	}
	return out.Repos, nil
}

// cloneResponse is the clone endpoint's success body.
type cloneResponse struct {
	SessionID string `json:"session_id"`
}

// errorResponse is the backend's error body.
type errorResponse struct {
	Detail string `json:"detail"`
}

// CloneRepo asks the backend to clone the repository into a new session.
// Failures surface the body's detail message via *APIError.
func (c *Client) CloneRepo(ctx context.Context, repo session.Repository) (string, error) {
	body, err := json.Marshal(repo)
	if err != nil {
		return "", fmt.Errorf("api: marshal clone request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/user/repos/clone", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("api: create clone request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("api: clone request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiErrorFrom(resp)
	}

	var out cloneResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("api: parse clone response: %w", err)
	}
	if out.SessionID == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Detail: "clone response missing session id"}
	}
	return out.SessionID, nil
}

// Review fetches the structured diff a completed turn produced.
func (c *Client) Review(ctx context.Context, id string) (session.Review, error) {
	resp, err := c.get(ctx, "/api/agent/review/"+id)
	if err != nil {
		return session.Review{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return session.Review{}, apiErrorFrom(resp)
	}

	var rev session.Review
	if err := json.NewDecoder(resp.Body).Decode(&rev); err != nil {
		return session.Review{}, fmt.Errorf("api: parse review response: %w", err)
	}
	if rev.ID == "" {
		rev.ID = id
	}
	return rev, nil
}

// get performs a GET request to the given path.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("api: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: request %s: %w", path, err)
	}
	return resp, nil
}

// apiErrorFrom builds an *APIError from a non-200 response, pulling the
// detail message out of the body when it parses.
func apiErrorFrom(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiErr
	}
	var e errorResponse
	if json.Unmarshal(body, &e) == nil {
		apiErr.Detail = e.Detail
	}
	return apiErr
}
