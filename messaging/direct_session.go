// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/lib/secret"
)

// Credentials is a heap copy of what a session needs to resume. It is
// the exchange format between DirectSession and the session store.
type Credentials struct {
	HomeserverURL string
	UserID        ref.UserID
	DeviceID      ref.DeviceID
	AccessToken   string
	RefreshToken  string
}

// DirectSession is an authenticated Matrix session.
//
// Tokens are stored in secret.Buffers (mmap-backed, locked against
// swap, excluded from core dumps). When the session holds a refresh
// token, a request rejected with M_UNKNOWN_TOKEN triggers one refresh
// and one retry. The caller must call Close when the session is no
// longer needed.
type DirectSession struct {
	client   *Client
	userID   ref.UserID
	deviceID ref.DeviceID

	mu           sync.RWMutex
	accessToken  *secret.Buffer
	refreshToken *secret.Buffer
	// generation increments on every token rotation so concurrent
	// requests that failed with the same stale token refresh only once.
	generation uint64
	onRefresh  func(Credentials)

	// refreshMu serializes /refresh calls.
	refreshMu sync.Mutex

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified Matrix user ID.
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID for this session.
func (s *DirectSession) DeviceID() ref.DeviceID {
	return s.deviceID
}

// Client returns the unauthenticated client the session was built on.
func (s *DirectSession) Client() *Client {
	return s.client
}

// Credentials returns a heap copy of the current credentials, for
// persistence.
func (s *DirectSession) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	credentials := Credentials{
		HomeserverURL: s.client.baseURL,
		UserID:        s.userID,
		DeviceID:      s.deviceID,
	}
	if s.accessToken != nil {
		credentials.AccessToken = s.accessToken.String()
	}
	if s.refreshToken != nil {
		credentials.RefreshToken = s.refreshToken.String()
	}
	return credentials
}

// OnRefresh registers a callback invoked with the new credentials after
// every successful token refresh. It runs on the goroutine that
// performed the refresh and must not call back into the session's
// token methods.
func (s *DirectSession) OnRefresh(callback func(Credentials)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRefresh = callback
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request to establish a fresh TCP connection.
func (s *DirectSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// AuthorizeRequest sets the current access token on req. It lets
// another client library share this session's credentials, including
// tokens rotated by a refresh, without keeping its own copy.
func (s *DirectSession) AuthorizeRequest(req *http.Request) error {
	token, _, err := s.currentToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Close releases token memory (zeros, unlocks, unmaps). Idempotent.
func (s *DirectSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.accessToken != nil {
		firstErr = s.accessToken.Close()
		s.accessToken = nil
	}
	if s.refreshToken != nil {
		if err := s.refreshToken.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.refreshToken = nil
	}
	return firstErr
}

// WhoAmI validates the access token and returns the user ID.
func (s *DirectSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// Sync performs a /sync request. For the initial sync leave
// options.Since empty; for long-polling set options.Timeout.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	response.Raw = body
	return &response, nil
}

// GetEvent fetches a single event from a room.
func (s *DirectSession) GetEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (*Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/event/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventID.String()),
	)
	body, err := s.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get event %s in %s failed: %w", eventID, roomID, err)
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse event response: %w", err)
	}
	if event.RoomID.IsZero() {
		event.RoomID = roomID
	}
	return &event, nil
}

// SendMessage sends m.room.message content to a room and returns the
// new event ID.
func (s *DirectSession) SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error) {
	return s.SendEvent(ctx, roomID, ref.EventTypeMessage, content)
}

// SendEvent sends an event of any type to a room.
// Uses Matrix's idempotent PUT with a transaction ID.
func (s *DirectSession) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	body, err := s.do(ctx, http.MethodPut, path, content, nil)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send event to %s failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// do performs an authenticated request, refreshing the access token
// and retrying once if the server reports it unknown.
func (s *DirectSession) do(ctx context.Context, method, path string, requestBody any, query url.Values) ([]byte, error) {
	token, generation, err := s.currentToken()
	if err != nil {
		return nil, err
	}
	body, err := s.client.doRequest(ctx, method, path, token, requestBody, query)
	if err == nil || !s.shouldRefresh(err) {
		return body, err
	}

	if refreshErr := s.refreshFrom(ctx, generation); refreshErr != nil {
		return nil, fmt.Errorf("%w (refresh failed: %v)", err, refreshErr)
	}
	token, _, err = s.currentToken()
	if err != nil {
		return nil, err
	}
	return s.client.doRequest(ctx, method, path, token, requestBody, query)
}

// currentToken returns a heap copy of the access token and its
// generation. The copy lives only for the duration of one request.
func (s *DirectSession) currentToken() (string, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.accessToken == nil {
		return "", 0, fmt.Errorf("messaging: session is closed")
	}
	return s.accessToken.String(), s.generation, nil
}

func (s *DirectSession) shouldRefresh(err error) bool {
	if !IsMatrixError(err, ErrCodeUnknownToken) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshToken != nil
}

// nextTransactionID generates a unique transaction ID for idempotent event sending.
// Format: "egret-<timestamp_ms>-<counter>" to ensure uniqueness across restarts.
func (s *DirectSession) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("egret-%d-%d", time.Now().UnixMilli(), counter)
}
