// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is a Matrix client-server API client scoped to what
// a bot needs: password login with refresh tokens, session resume,
// /sync, event lookup, sending and authenticated media download.
// End-to-end encryption lives in package e2ee, which shares a
// session's credentials through [DirectSession.AuthorizeRequest].
//
// [Client] is unauthenticated and shares one HTTP transport. A
// [DirectSession] adds credentials, kept in mmap-backed secret buffers,
// and is safe for concurrent use.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/egret/lib/netutil"
	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/lib/secret"
)

// DeviceDisplayName is sent as initial_device_display_name on login.
const DeviceDisplayName = "egret"

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL of the Matrix homeserver (e.g., "https://matrix.example.org").
	HomeserverURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is an unauthenticated Matrix client.
// It holds the homeserver URL and HTTP transport, shared across sessions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new unauthenticated Matrix client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("messaging: HomeserverURL is required")
	}

	// Request URLs are built by concatenating escaped paths onto the
	// base string, so only the structure is validated here.
	parsed, err := url.Parse(config.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("messaging: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("messaging: HomeserverURL %q must be http or https", config.HomeserverURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.HomeserverURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BaseURL returns the homeserver base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a network disruption to
// force subsequent requests to establish fresh TCP connections instead
// of reusing a poisoned pooled connection.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// ServerVersions returns the protocol versions the homeserver supports.
// Unauthenticated; useful as a reachability check.
func (c *Client) ServerVersions(ctx context.Context) (*ServerVersionsResponse, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_matrix/client/versions", "", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: server versions failed: %w", err)
	}

	var response ServerVersionsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse versions response: %w", err)
	}
	return &response, nil
}

// Login authenticates with m.login.password and requests a refresh
// token. The password Buffer is read but not closed.
//
// The caller must call Close on the returned DirectSession when done.
func (c *Client) Login(ctx context.Context, userID ref.UserID, password *secret.Buffer) (*DirectSession, error) {
	if userID.IsZero() {
		return nil, fmt.Errorf("messaging: user ID is required for login")
	}
	if password == nil {
		return nil, fmt.Errorf("messaging: password is required for login")
	}

	// Password is converted to string at the JSON serialization boundary.
	loginRequest := LoginRequest{
		Type:                     "m.login.password",
		Identifier:               &UserIdentifier{Type: "m.id.user", User: userID.String()},
		Password:                 password.String(),
		InitialDeviceDisplayName: DeviceDisplayName,
		RefreshToken:             true,
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/login", "", loginRequest, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: login failed: %w", err)
	}

	var authResponse AuthResponse
	if err := json.Unmarshal(body, &authResponse); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse login response: %w", err)
	}
	secret.Zero(body)
	if authResponse.AccessToken == "" {
		return nil, fmt.Errorf("messaging: login response has no access token")
	}

	c.logger.Info("logged in to matrix",
		"user_id", authResponse.UserID,
		"device_id", authResponse.DeviceID,
		"refresh_token", authResponse.RefreshToken != "",
	)

	return c.SessionFromCredentials(Credentials{
		HomeserverURL: c.baseURL,
		UserID:        authResponse.UserID,
		DeviceID:      authResponse.DeviceID,
		AccessToken:   authResponse.AccessToken,
		RefreshToken:  authResponse.RefreshToken,
	})
}

// SessionFromCredentials builds a DirectSession from previously issued
// credentials without contacting the server. Tokens are moved into
// mmap-backed memory. Use WhoAmI to check that they are still valid.
//
// The caller must call Close on the returned DirectSession when done.
func (c *Client) SessionFromCredentials(credentials Credentials) (*DirectSession, error) {
	if credentials.UserID.IsZero() {
		return nil, fmt.Errorf("messaging: credentials have no user ID")
	}
	if credentials.AccessToken == "" {
		return nil, fmt.Errorf("messaging: credentials have no access token")
	}

	accessToken, err := secret.NewFromBytes([]byte(credentials.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("messaging: protecting access token: %w", err)
	}
	session := &DirectSession{
		client:      c,
		userID:      credentials.UserID,
		deviceID:    credentials.DeviceID,
		accessToken: accessToken,
	}
	if credentials.RefreshToken != "" {
		refreshToken, err := secret.NewFromBytes([]byte(credentials.RefreshToken))
		if err != nil {
			accessToken.Close()
			return nil, fmt.Errorf("messaging: protecting refresh token: %w", err)
		}
		session.refreshToken = refreshToken
	}
	return session, nil
}

// newRequest builds a request against the homeserver. accessToken is
// empty for unauthenticated endpoints.
func (c *Client) newRequest(ctx context.Context, method, path string, accessToken string, requestBody any, query url.Values) (*http.Request, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("messaging: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return request, nil
}

// doRequest performs an HTTP request to the homeserver and returns the response body.
// On 2xx, returns the body. On 4xx/5xx, returns a *MatrixError.
// accessToken is empty for unauthenticated endpoints.
// query may be nil for endpoints without query parameters.
func (c *Client) doRequest(ctx context.Context, method, path string, accessToken string, requestBody any, query url.Values) ([]byte, error) {
	request, err := c.newRequest(ctx, method, path, accessToken, requestBody, query)
	if err != nil {
		return nil, err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}
	return nil, parseMatrixError(method, path, response.StatusCode, responseBody)
}

// doStream performs a GET and returns the open response on 2xx. The
// caller must close the body. Non-2xx responses are drained and
// returned as a *MatrixError.
func (c *Client) doStream(ctx context.Context, path string, accessToken string) (*http.Response, error) {
	request, err := c.newRequest(ctx, http.MethodGet, path, accessToken, nil, nil)
	if err != nil {
		return nil, err
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("messaging: request to GET %s failed: %w", path, err)
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return response, nil
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("messaging: failed to read error body: %w", err)
	}
	return nil, parseMatrixError(http.MethodGet, path, response.StatusCode, responseBody)
}
