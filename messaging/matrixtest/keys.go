// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrixtest

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/egret/messaging"
)

const (
	signedCurve25519 = "signed_curve25519"
	backupAlgorithm  = "m.megolm_backup.v1.curve25519-aes-sha2"
)

// KeyBackup is the server-side room key backup served by the
// room_keys endpoints. Session data is stored as given and returned
// verbatim, so it must already be encrypted for the backup key.
type KeyBackup struct {
	Version  string
	AuthData any

	// Rooms maps room ID to session ID to encrypted session data.
	Rooms map[string]map[string]any
}

type oneTimeKey struct {
	keyID string
	raw   json.RawMessage
}

// keyState is guarded by Server.mu. Key material is kept as the raw
// JSON the client uploaded; signatures cover the exact encoding.
type keyState struct {
	deviceKeys  map[string]map[string]json.RawMessage   // user → device → signed device keys
	oneTimeKeys map[string]map[string][]oneTimeKey      // user → device → unclaimed keys
	toDevice    map[string]map[string][]json.RawMessage // user → device → pending events
	accountData map[string]map[string]json.RawMessage   // user → type → content
	members     map[string][]string                     // room → joined users
	backup      *KeyBackup
}

func newKeyState() keyState {
	return keyState{
		deviceKeys:  make(map[string]map[string]json.RawMessage),
		oneTimeKeys: make(map[string]map[string][]oneTimeKey),
		toDevice:    make(map[string]map[string][]json.RawMessage),
		accountData: make(map[string]map[string]json.RawMessage),
		members:     make(map[string][]string),
	}
}

// SetMembers makes userIDs the joined members of roomID.
func (s *Server) SetMembers(roomID string, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys.members[roomID] = append([]string(nil), userIDs...)
}

// SetAccountData stores global account data for userID, as a client
// would with PUT /user/{user}/account_data/{type}.
func (s *Server) SetAccountData(userID, eventType string, content any) error {
	encoded, err := json.Marshal(content)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putAccountDataLocked(userID, eventType, encoded)
	return nil
}

func (s *Server) putAccountDataLocked(userID, eventType string, content json.RawMessage) {
	if s.keys.accountData[userID] == nil {
		s.keys.accountData[userID] = make(map[string]json.RawMessage)
	}
	s.keys.accountData[userID][eventType] = content
}

// SetKeyBackup installs backup as the current key backup version.
func (s *Server) SetKeyBackup(backup KeyBackup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys.backup = &backup
}

// HasDeviceKeys reports whether deviceID of userID has published its
// device keys.
func (s *Server) HasDeviceKeys(userID, deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys.deviceKeys[userID][deviceID]
	return ok
}

// OneTimeKeyCount returns how many signed one-time keys of the device
// are still unclaimed.
func (s *Server) OneTimeKeyCount(userID, deviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oneTimeKeyCountLocked(userID, deviceID)
}

func (s *Server) oneTimeKeyCountLocked(userID, deviceID string) int {
	count := 0
	for _, key := range s.keys.oneTimeKeys[userID][deviceID] {
		if strings.HasPrefix(key.keyID, signedCurve25519+":") {
			count++
		}
	}
	return count
}

// ToDeviceSync drains the to-device events queued for the device and
// returns them as a sync response carrying the raw body, with the
// device's one-time key count, the way /sync would deliver them.
func (s *Server) ToDeviceSync(userID, deviceID, nextBatch string) *messaging.SyncResponse {
	s.mu.Lock()
	events := s.keys.toDevice[userID][deviceID]
	delete(s.keys.toDevice[userID], deviceID)
	count := s.oneTimeKeyCountLocked(userID, deviceID)
	s.mu.Unlock()

	if events == nil {
		events = []json.RawMessage{}
	}
	raw, _ := json.Marshal(map[string]any{
		"next_batch":                 nextBatch,
		"to_device":                  map[string]any{"events": events},
		"device_one_time_keys_count": map[string]int{signedCurve25519: count},
	})
	return &messaging.SyncResponse{NextBatch: nextBatch, Raw: raw}
}

// serveKeys handles the encryption-related endpoints. It reports false
// for any other request.
func (s *Server) serveKeys(w http.ResponseWriter, r *http.Request, segments []string) bool {
	if !hasPrefix(segments, "_matrix", "client", "v3") {
		return false
	}
	rest := segments[3:]
	var endpoint string
	var handle func(userID, deviceID string)
	switch {
	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "keys" && rest[1] == "upload":
		endpoint = "keys_upload"
		handle = func(userID, deviceID string) { s.handleKeysUpload(w, r, userID, deviceID) }
	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "keys" && rest[1] == "query":
		endpoint = "keys_query"
		handle = func(string, string) { s.handleKeysQuery(w, r) }
	case r.Method == http.MethodPost && len(rest) == 2 && rest[0] == "keys" && rest[1] == "claim":
		endpoint = "keys_claim"
		handle = func(string, string) { s.handleKeysClaim(w, r) }
	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "keys" && rest[1] == "signatures" && rest[2] == "upload":
		endpoint = "keys_signatures"
		handle = func(string, string) { writeJSON(w, http.StatusOK, map[string]any{"failures": map[string]any{}}) }
	case r.Method == http.MethodPut && len(rest) == 3 && rest[0] == "sendToDevice":
		endpoint = "send_to_device"
		handle = func(userID, _ string) { s.handleSendToDevice(w, r, userID, rest[1]) }
	case len(rest) == 4 && rest[0] == "user" && rest[2] == "account_data" && (r.Method == http.MethodGet || r.Method == http.MethodPut):
		endpoint = "account_data"
		handle = func(userID, _ string) { s.handleAccountData(w, r, userID, rest[1], rest[3]) }
	case r.Method == http.MethodGet && len(rest) == 3 && rest[0] == "rooms" && rest[2] == "members":
		endpoint = "members"
		handle = func(string, string) { s.handleMembers(w, rest[1]) }
	case r.Method == http.MethodGet && len(rest) == 3 && rest[0] == "rooms" && rest[2] == "joined_members":
		endpoint = "joined_members"
		handle = func(string, string) { s.handleJoinedMembers(w, rest[1]) }
	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "room_keys" && rest[1] == "version":
		endpoint = "room_keys_version"
		handle = func(string, string) { s.handleBackupVersion(w) }
	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "room_keys" && rest[1] == "keys":
		endpoint = "room_keys"
		handle = func(string, string) { s.handleBackupKeys(w, r.URL.Query().Get("version")) }
	default:
		return false
	}
	s.count(endpoint)
	userID, ok := s.authenticate(w, r)
	if !ok {
		return true
	}
	handle(userID, s.deviceOf(r))
	return true
}

func (s *Server) deviceOf(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenDevices[token]
}

func (s *Server) handleKeysUpload(w http.ResponseWriter, r *http.Request, userID, deviceID string) {
	var request struct {
		DeviceKeys  json.RawMessage            `json:"device_keys"`
		OneTimeKeys map[string]json.RawMessage `json:"one_time_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, messaging.ErrCodeUnknown, "access token is not bound to a device")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(request.DeviceKeys) > 0 && string(request.DeviceKeys) != "null" {
		if s.keys.deviceKeys[userID] == nil {
			s.keys.deviceKeys[userID] = make(map[string]json.RawMessage)
		}
		s.keys.deviceKeys[userID][deviceID] = request.DeviceKeys
	}
	if len(request.OneTimeKeys) > 0 {
		if s.keys.oneTimeKeys[userID] == nil {
			s.keys.oneTimeKeys[userID] = make(map[string][]oneTimeKey)
		}
		for keyID, raw := range request.OneTimeKeys {
			s.keys.oneTimeKeys[userID][deviceID] = append(s.keys.oneTimeKeys[userID][deviceID], oneTimeKey{keyID: keyID, raw: raw})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"one_time_key_counts": map[string]int{signedCurve25519: s.oneTimeKeyCountLocked(userID, deviceID)},
	})
}

func (s *Server) handleKeysQuery(w http.ResponseWriter, r *http.Request) {
	var request struct {
		DeviceKeys map[string][]string `json:"device_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]map[string]json.RawMessage, len(request.DeviceKeys))
	for userID, deviceIDs := range request.DeviceKeys {
		devices := make(map[string]json.RawMessage)
		for deviceID, keys := range s.keys.deviceKeys[userID] {
			if len(deviceIDs) == 0 || contains(deviceIDs, deviceID) {
				devices[deviceID] = keys
			}
		}
		result[userID] = devices
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_keys": result, "failures": map[string]any{}})
}

func (s *Server) handleKeysClaim(w http.ResponseWriter, r *http.Request) {
	var request struct {
		OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]map[string]map[string]json.RawMessage)
	for userID, devices := range request.OneTimeKeys {
		for deviceID, algorithm := range devices {
			pool := s.keys.oneTimeKeys[userID][deviceID]
			for i, key := range pool {
				if !strings.HasPrefix(key.keyID, algorithm+":") {
					continue
				}
				s.keys.oneTimeKeys[userID][deviceID] = append(pool[:i:i], pool[i+1:]...)
				if result[userID] == nil {
					result[userID] = make(map[string]map[string]json.RawMessage)
				}
				result[userID][deviceID] = map[string]json.RawMessage{key.keyID: key.raw}
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"one_time_keys": result, "failures": map[string]any{}})
}

func (s *Server) handleSendToDevice(w http.ResponseWriter, r *http.Request, sender, eventType string) {
	var request struct {
		Messages map[string]map[string]json.RawMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, devices := range request.Messages {
		for deviceID, content := range devices {
			targets := []string{deviceID}
			if deviceID == "*" {
				targets = targets[:0]
				for known := range s.keys.deviceKeys[userID] {
					targets = append(targets, known)
				}
			}
			encoded, _ := json.Marshal(map[string]any{
				"type":    eventType,
				"sender":  sender,
				"content": content,
			})
			if s.keys.toDevice[userID] == nil {
				s.keys.toDevice[userID] = make(map[string][]json.RawMessage)
			}
			for _, target := range targets {
				s.keys.toDevice[userID][target] = append(s.keys.toDevice[userID][target], encoded)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleAccountData(w http.ResponseWriter, r *http.Request, authenticated, userID, eventType string) {
	if userID != authenticated {
		writeError(w, http.StatusForbidden, messaging.ErrCodeForbidden, "Cannot access another user's account data")
		return
	}
	if r.Method == http.MethodPut {
		var content json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
			writeError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
			return
		}
		s.mu.Lock()
		s.putAccountDataLocked(userID, eventType, content)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	s.mu.Lock()
	content, found := s.keys.accountData[userID][eventType]
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, messaging.ErrCodeNotFound, "Account data not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func (s *Server) handleMembers(w http.ResponseWriter, roomID string) {
	s.mu.Lock()
	members, found := s.keys.members[roomID]
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusForbidden, messaging.ErrCodeForbidden, "You are not a member of this room")
		return
	}
	timestamp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	chunk := make([]map[string]any, len(members))
	for i, userID := range members {
		chunk[i] = map[string]any{
			"type":             "m.room.member",
			"state_key":        userID,
			"sender":           userID,
			"room_id":          roomID,
			"event_id":         "$member-" + strings.TrimPrefix(userID, "@"),
			"origin_server_ts": timestamp,
			"content":          map[string]string{"membership": "join"},
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunk": chunk})
}

func (s *Server) handleJoinedMembers(w http.ResponseWriter, roomID string) {
	s.mu.Lock()
	members, found := s.keys.members[roomID]
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusForbidden, messaging.ErrCodeForbidden, "You are not a member of this room")
		return
	}
	joined := make(map[string]map[string]any, len(members))
	for _, userID := range members {
		joined[userID] = map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"joined": joined})
}

func (s *Server) handleBackupVersion(w http.ResponseWriter) {
	s.mu.Lock()
	backup := s.keys.backup
	s.mu.Unlock()
	if backup == nil {
		writeError(w, http.StatusNotFound, messaging.ErrCodeNotFound, "No current backup version")
		return
	}
	count := 0
	for _, sessions := range backup.Rooms {
		count += len(sessions)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"algorithm": backupAlgorithm,
		"auth_data": backup.AuthData,
		"count":     count,
		"etag":      backup.Version,
		"version":   backup.Version,
	})
}

func (s *Server) handleBackupKeys(w http.ResponseWriter, version string) {
	s.mu.Lock()
	backup := s.keys.backup
	s.mu.Unlock()
	if backup == nil || backup.Version != version {
		writeError(w, http.StatusNotFound, messaging.ErrCodeNotFound, "Unknown backup version")
		return
	}
	rooms := make(map[string]any, len(backup.Rooms))
	for roomID, sessions := range backup.Rooms {
		entries := make(map[string]any, len(sessions))
		for sessionID, data := range sessions {
			entries[sessionID] = map[string]any{
				"first_message_index": 0,
				"forwarded_count":     0,
				"is_verified":         false,
				"session_data":        data,
			}
		}
		rooms[roomID] = map[string]any{"sessions": entries}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func contains(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}
