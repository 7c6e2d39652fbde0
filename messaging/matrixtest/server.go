// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package matrixtest is an in-process fake Matrix homeserver for tests.
// It implements the client-server endpoints the messaging package
// uses, with scripted /sync responses and recorded sends, plus the
// device key, to-device, account data, membership and key backup
// endpoints an end-to-end encryption client needs.
//
//	server := matrixtest.New(t)
//	server.AddUser("@bot:example.org", "hunter2")
//	server.QueueSync(matrixtest.SyncStep{Response: &messaging.SyncResponse{NextBatch: "s1"}})
package matrixtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/egret/messaging"
)

// SyncStep is one scripted /sync outcome. A non-zero Status produces
// an error response with ErrCode; otherwise Response is returned.
type SyncStep struct {
	Response *messaging.SyncResponse
	Status   int
	ErrCode  string
}

// SentEvent is an event received through PUT /rooms/{room}/send.
type SentEvent struct {
	RoomID        string
	EventType     string
	TransactionID string
	EventID       string
	Content       map[string]any
}

// Media is content served by the download endpoints.
type Media struct {
	ContentType string
	Data        []byte
}

// Server is a fake homeserver. All methods are safe for concurrent use.
type Server struct {
	httpServer *httptest.Server

	mu sync.Mutex

	passwords     map[string]string
	accessTokens  map[string]string // token → user ID
	refreshTokens map[string]string // token → user ID
	tokenDevices  map[string]string // access or refresh token → device ID
	tokenCounter  int
	rotateRefresh bool

	syncQueue     []SyncStep
	syncSignal    chan struct{}
	syncRequests  []url.Values
	lastNextBatch string

	events map[string]map[string]messaging.Event // room → event ID → event
	media  map[string]Media                      // "server/id" → media

	legacyMediaOnly bool

	sent       []SentEvent
	sentByTxn  map[string]SentEvent
	sentNotify chan SentEvent

	requestCounts map[string]int

	keys keyState
}

// New starts a fake homeserver that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	server := &Server{
		passwords:     make(map[string]string),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
		tokenDevices:  make(map[string]string),
		rotateRefresh: true,
		syncSignal:    make(chan struct{}),
		events:        make(map[string]map[string]messaging.Event),
		media:         make(map[string]Media),
		sentByTxn:     make(map[string]SentEvent),
		sentNotify:    make(chan SentEvent, 64),
		requestCounts: make(map[string]int),
		keys:          newKeyState(),
	}
	server.httpServer = httptest.NewServer(http.HandlerFunc(server.serveHTTP))
	t.Cleanup(server.Close)
	return server
}

// URL returns the homeserver base URL.
func (s *Server) URL() string { return s.httpServer.URL }

// Client returns an HTTP client for the server.
func (s *Server) Client() *http.Client { return s.httpServer.Client() }

// Close shuts the server down, releasing blocked long-polls first.
func (s *Server) Close() {
	s.httpServer.CloseClientConnections()
	s.httpServer.Close()
}

// AddUser registers a password login.
func (s *Server) AddUser(userID, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[userID] = password
}

// IssueTokens mints an access and refresh token for userID without a
// login, as if from an earlier process run.
func (s *Server) IssueTokens(userID string) (accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID, "")
}

// IssueDeviceTokens is IssueTokens for a known device. Requests made
// with the tokens are attributed to deviceID, which the key upload and
// to-device endpoints need.
func (s *Server) IssueDeviceTokens(userID, deviceID string) (accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID, deviceID)
}

func (s *Server) issueLocked(userID, deviceID string) (string, string) {
	s.tokenCounter++
	accessToken := fmt.Sprintf("syt_access_%d", s.tokenCounter)
	refreshToken := fmt.Sprintf("syr_refresh_%d", s.tokenCounter)
	s.accessTokens[accessToken] = userID
	s.refreshTokens[refreshToken] = userID
	if deviceID != "" {
		s.tokenDevices[accessToken] = deviceID
		s.tokenDevices[refreshToken] = deviceID
	}
	return accessToken, refreshToken
}

// ExpireAccessToken makes token unknown, as after server-side expiry.
func (s *Server) ExpireAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, token)
}

// SetRotateRefreshTokens controls whether /refresh issues a new
// refresh token. Defaults to true.
func (s *Server) SetRotateRefreshTokens(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefresh = rotate
}

// QueueSync appends scripted /sync outcomes. A /sync with an empty
// queue and a non-zero timeout long-polls until a step is queued, the
// timeout elapses, or the client goes away; without a timeout it
// returns an empty response immediately.
func (s *Server) QueueSync(steps ...SyncStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncQueue = append(s.syncQueue, steps...)
	close(s.syncSignal)
	s.syncSignal = make(chan struct{})
}

// SyncRequests returns the query parameters of every /sync received.
func (s *Server) SyncRequests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.syncRequests...)
}

// AddEvent makes an event retrievable through GET /rooms/{room}/event.
func (s *Server) AddEvent(event messaging.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID := event.RoomID.String()
	if s.events[roomID] == nil {
		s.events[roomID] = make(map[string]messaging.Event)
	}
	s.events[roomID][event.EventID.String()] = event
}

// AddMedia serves data at mxc://{server}/{mediaID}.
func (s *Server) AddMedia(server, mediaID, contentType string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[server+"/"+mediaID] = Media{ContentType: contentType, Data: data}
	return "mxc://" + server + "/" + mediaID
}

// SetLegacyMediaOnly makes the authenticated media endpoint answer
// M_UNRECOGNIZED, as on servers that predate it.
func (s *Server) SetLegacyMediaOnly(legacy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacyMediaOnly = legacy
}

// Sent returns a channel that receives every sent event.
func (s *Server) Sent() <-chan SentEvent { return s.sentNotify }

// SentEvents returns all events sent so far.
func (s *Server) SentEvents() []SentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentEvent(nil), s.sent...)
}

// RequestCount returns how many requests hit the named endpoint
// ("login", "refresh", "whoami", "sync", "event", "send",
// "media_v1", "media_v3", "keys_upload", "keys_query", "keys_claim",
// "keys_signatures", "send_to_device", "account_data", "members",
// "joined_members", "room_keys_version", "room_keys").
func (s *Server) RequestCount(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCounts[endpoint]
}

func (s *Server) count(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestCounts[endpoint]++
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	segments, err := splitPath(r.URL.EscapedPath())
	if err != nil {
		writeError(w, http.StatusBadRequest, "M_UNRECOGNIZED", err.Error())
		return
	}
	joined := strings.Join(segments, "/")

	switch {
	case r.Method == http.MethodGet && joined == ".well-known/matrix/client":
		writeJSON(w, http.StatusOK, map[string]any{"m.homeserver": map[string]string{"base_url": s.URL()}})
	case r.Method == http.MethodGet && joined == "_matrix/client/versions":
		writeJSON(w, http.StatusOK, map[string]any{"versions": []string{"v1.11"}})
	case r.Method == http.MethodPost && joined == "_matrix/client/v3/login":
		s.count("login")
		s.handleLogin(w, r)
	case r.Method == http.MethodPost && joined == "_matrix/client/v3/refresh":
		s.count("refresh")
		s.handleRefresh(w, r)
	case r.Method == http.MethodGet && joined == "_matrix/client/v3/account/whoami":
		s.count("whoami")
		if userID, ok := s.authenticate(w, r); ok {
			writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
		}
	case r.Method == http.MethodGet && joined == "_matrix/client/v3/sync":
		s.count("sync")
		if _, ok := s.authenticate(w, r); ok {
			s.handleSync(w, r)
		}
	case r.Method == http.MethodGet && len(segments) == 7 && hasPrefix(segments, "_matrix", "client", "v3", "rooms") && segments[5] == "event":
		s.count("event")
		if _, ok := s.authenticate(w, r); ok {
			s.handleGetEvent(w, segments[4], segments[6])
		}
	case r.Method == http.MethodPut && len(segments) == 8 && hasPrefix(segments, "_matrix", "client", "v3", "rooms") && segments[5] == "send":
		s.count("send")
		if _, ok := s.authenticate(w, r); ok {
			s.handleSend(w, r, segments[4], segments[6], segments[7])
		}
	case r.Method == http.MethodGet && len(segments) == 7 && hasPrefix(segments, "_matrix", "client", "v1", "media", "download"):
		s.count("media_v1")
		s.mu.Lock()
		legacy := s.legacyMediaOnly
		s.mu.Unlock()
		if legacy {
			writeError(w, http.StatusNotFound, messaging.ErrCodeUnrecognized, "Unrecognized request")
			return
		}
		if _, ok := s.authenticate(w, r); ok {
			s.handleMedia(w, segments[5], segments[6])
		}
	case r.Method == http.MethodGet && len(segments) == 6 && hasPrefix(segments, "_matrix", "media", "v3", "download"):
		s.count("media_v3")
		s.handleMedia(w, segments[4], segments[5])
	default:
		if !s.serveKeys(w, r, segments) {
			writeError(w, http.StatusNotFound, messaging.ErrCodeUnrecognized, "Unrecognized request: "+r.Method+" "+joined)
		}
	}
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, messaging.ErrCodeMissingToken, "Missing access token")
		return "", false
	}
	s.mu.Lock()
	userID, known := s.accessTokens[token]
	s.mu.Unlock()
	if !known {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"errcode":     messaging.ErrCodeUnknownToken,
			"error":       "Unknown access token",
			"soft_logout": true,
		})
		return "", false
	}
	return userID, true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var request messaging.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	if request.Type != "m.login.password" || request.Identifier == nil || request.Identifier.Type != "m.id.user" {
		writeError(w, http.StatusBadRequest, "M_UNKNOWN", "unsupported login type")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	password, known := s.passwords[request.Identifier.User]
	if !known || password != request.Password {
		writeError(w, http.StatusForbidden, messaging.ErrCodeForbidden, "Invalid username or password")
		return
	}
	deviceID := fmt.Sprintf("DEVICE%d", s.tokenCounter+1)
	accessToken, refreshToken := s.issueLocked(request.Identifier.User, deviceID)
	response := map[string]any{
		"user_id":      request.Identifier.User,
		"access_token": accessToken,
		"device_id":    deviceID,
	}
	if request.RefreshToken {
		response["refresh_token"] = refreshToken
		response["expires_in_ms"] = 300000
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var request messaging.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userID, known := s.refreshTokens[request.RefreshToken]
	if !known {
		writeError(w, http.StatusUnauthorized, messaging.ErrCodeUnknownToken, "Unknown refresh token")
		return
	}
	accessToken, refreshToken := s.issueLocked(userID, s.tokenDevices[request.RefreshToken])
	response := map[string]any{"access_token": accessToken, "expires_in_ms": 300000}
	if s.rotateRefresh {
		delete(s.refreshTokens, request.RefreshToken)
		delete(s.tokenDevices, request.RefreshToken)
		response["refresh_token"] = refreshToken
	} else {
		delete(s.refreshTokens, refreshToken)
		delete(s.tokenDevices, refreshToken)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	timeout := 0
	if raw := query.Get("timeout"); raw != "" {
		timeout, _ = strconv.Atoi(raw)
	}

	s.mu.Lock()
	s.syncRequests = append(s.syncRequests, query)
	s.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(time.Duration(timeout) * time.Millisecond)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		if len(s.syncQueue) > 0 {
			step := s.syncQueue[0]
			s.syncQueue = s.syncQueue[1:]
			if step.Status == 0 && step.Response != nil {
				s.lastNextBatch = step.Response.NextBatch
			}
			s.mu.Unlock()
			if step.Status != 0 {
				code := step.ErrCode
				if code == "" {
					code = messaging.ErrCodeUnknown
				}
				writeError(w, step.Status, code, "scripted sync failure")
				return
			}
			writeJSON(w, http.StatusOK, step.Response)
			return
		}
		signal := s.syncSignal
		nextBatch := s.lastNextBatch
		s.mu.Unlock()

		if timeout == 0 {
			writeJSON(w, http.StatusOK, &messaging.SyncResponse{NextBatch: nextBatch})
			return
		}
		select {
		case <-signal:
		case <-deadline:
			writeJSON(w, http.StatusOK, &messaging.SyncResponse{NextBatch: nextBatch})
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleGetEvent(w http.ResponseWriter, roomID, eventID string) {
	s.mu.Lock()
	event, found := s.events[roomID][eventID]
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, messaging.ErrCodeNotFound, "Event not found")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, roomID, eventType, transactionID string) {
	var content map[string]any
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}

	s.mu.Lock()
	if existing, seen := s.sentByTxn[transactionID]; seen {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"event_id": existing.EventID})
		return
	}
	sent := SentEvent{
		RoomID:        roomID,
		EventType:     eventType,
		TransactionID: transactionID,
		EventID:       fmt.Sprintf("$sent%d", len(s.sent)+1),
		Content:       content,
	}
	s.sent = append(s.sent, sent)
	s.sentByTxn[transactionID] = sent
	s.mu.Unlock()

	select {
	case s.sentNotify <- sent:
	default:
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": sent.EventID})
}

func (s *Server) handleMedia(w http.ResponseWriter, server, mediaID string) {
	s.mu.Lock()
	media, found := s.media[server+"/"+mediaID]
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, messaging.ErrCodeNotFound, "Media not found")
		return
	}
	w.Header().Set("Content-Type", media.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(media.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(media.Data)
}

// splitPath splits an escaped URL path and unescapes each segment, so
// that room IDs and mxc components containing reserved characters
// survive intact.
func splitPath(escaped string) ([]string, error) {
	parts := strings.Split(strings.Trim(escaped, "/"), "/")
	for i, part := range parts {
		unescaped, err := url.PathUnescape(part)
		if err != nil {
			return nil, fmt.Errorf("bad path segment %q: %w", part, err)
		}
		parts[i] = unescaped
	}
	return parts, nil
}

func hasPrefix(segments []string, prefix ...string) bool {
	if len(segments) < len(prefix) {
		return false
	}
	for i, want := range prefix {
		if segments[i] != want {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": message})
}
