// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/egret/lib/ref"
)

// Message types used in m.room.message content.
const (
	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"
	MsgTypeImage  = "m.image"
)

// Relation types.
const (
	RelTypeReplace = "m.replace"
	RelTypeThread  = "m.thread"
)

// FormatHTML is the only formatted_body format Matrix defines.
const FormatHTML = "org.matrix.custom.html"

// ServerVersionsResponse is returned by ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// UserIdentifier selects the account for m.login.password.
type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// LoginRequest is the body of POST /_matrix/client/v3/login.
type LoginRequest struct {
	Type                     string          `json:"type"`
	Identifier               *UserIdentifier `json:"identifier,omitempty"`
	Password                 string          `json:"password,omitempty"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
	RefreshToken             bool            `json:"refresh_token,omitempty"`
}

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID       ref.UserID     `json:"user_id"`
	AccessToken  string         `json:"access_token"`
	DeviceID     ref.DeviceID   `json:"device_id"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresInMS  int64          `json:"expires_in_ms,omitempty"`
	WellKnown    *WellKnownInfo `json:"well_known,omitempty"`
}

// RefreshRequest is the body of POST /_matrix/client/v3/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is returned by /refresh. RefreshToken is empty when
// the server does not rotate refresh tokens.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresInMS  int64  `json:"expires_in_ms,omitempty"`
}

// WellKnownInfo is the body of /.well-known/matrix/client.
type WellKnownInfo struct {
	Homeserver struct {
		BaseURL string `json:"base_url"`
	} `json:"m.homeserver"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id,omitzero"`
}

// MessageContent is the content of an m.room.message event. The image
// fields (URL or File, FileName, Info) are set only for media messages;
// File replaces URL in encrypted rooms.
type MessageContent struct {
	MsgType       string         `json:"msgtype"`
	Body          string         `json:"body"`
	Format        string         `json:"format,omitempty"`
	FormattedBody string         `json:"formatted_body,omitempty"`
	URL           string         `json:"url,omitempty"`
	File          *EncryptedFile `json:"file,omitempty"`
	FileName      string         `json:"filename,omitempty"`
	Info          *MediaInfo     `json:"info,omitempty"`
	Mentions      *Mentions      `json:"m.mentions,omitempty"`
	RelatesTo     *RelatesTo     `json:"m.relates_to,omitempty"`
}

// EncryptedFile locates and keys an attachment uploaded to an
// encrypted room. The ciphertext lives at URL.
type EncryptedFile struct {
	URL     string            `json:"url"`
	Key     JSONWebKey        `json:"key"`
	IV      string            `json:"iv"`
	Hashes  map[string]string `json:"hashes"`
	Version string            `json:"v"`
}

// JSONWebKey is the AES-CTR key of an EncryptedFile.
type JSONWebKey struct {
	KeyType     string   `json:"kty"`
	KeyOps      []string `json:"key_ops"`
	Algorithm   string   `json:"alg"`
	Key         string   `json:"k"`
	Extractable bool     `json:"ext"`
}

// MediaInfo describes attached media.
type MediaInfo struct {
	MimeType string `json:"mimetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Width    int    `json:"w,omitempty"`
	Height   int    `json:"h,omitempty"`
}

// Mentions lists the users a message is addressed to (m.mentions).
type Mentions struct {
	UserIDs []string `json:"user_ids,omitempty"`
	Room    bool     `json:"room,omitempty"`
}

// RelatesTo expresses a relationship to another event. Rich replies
// set only InReplyTo; edits and threads set RelType and EventID.
type RelatesTo struct {
	RelType   string      `json:"rel_type,omitempty"`
	EventID   ref.EventID `json:"event_id,omitzero"`
	InReplyTo *InReplyTo  `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references the event being replied to.
type InReplyTo struct {
	EventID ref.EventID `json:"event_id"`
}

// NewTextMessage returns plain m.text content.
func NewTextMessage(body string) MessageContent {
	return MessageContent{MsgType: MsgTypeText, Body: body}
}

// NewReply returns m.text content that replies to eventID and
// mentions the original sender.
func NewReply(body string, eventID ref.EventID, sender ref.UserID) MessageContent {
	content := NewTextMessage(body)
	content.RelatesTo = &RelatesTo{InReplyTo: &InReplyTo{EventID: eventID}}
	if !sender.IsZero() {
		content.Mentions = &Mentions{UserIDs: []string{sender.String()}}
	}
	return content
}

// ReplyTarget returns the event ID this content replies to, or the
// zero value.
func (c MessageContent) ReplyTarget() ref.EventID {
	if c.RelatesTo == nil || c.RelatesTo.InReplyTo == nil {
		return ref.EventID{}
	}
	return c.RelatesTo.InReplyTo.EventID
}

// IsEdit reports whether the content replaces an earlier event.
func (c MessageContent) IsEdit() bool {
	return c.RelatesTo != nil && c.RelatesTo.RelType == RelTypeReplace
}

// MediaURL returns the mxc:// URI of the attachment, encrypted or not.
func (c MessageContent) MediaURL() string {
	if c.File != nil {
		return c.File.URL
	}
	return c.URL
}

// MimeType returns the declared media MIME type, or "".
func (c MessageContent) MimeType() string {
	if c.Info == nil {
		return ""
	}
	return c.Info.MimeType
}

// Event is a Matrix room event as delivered by /sync or fetched
// individually. Content is left generic; use ParseMessageContent for
// m.room.message events.
type Event struct {
	EventID        ref.EventID    `json:"event_id"`
	Type           ref.EventType  `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitzero"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// ParseMessageContent decodes the content of an m.room.message event.
func ParseMessageContent(event Event) (MessageContent, error) {
	encoded, err := json.Marshal(event.Content)
	if err != nil {
		return MessageContent{}, fmt.Errorf("messaging: encoding content of %s: %w", event.EventID, err)
	}
	var content MessageContent
	if err := json.Unmarshal(encoded, &content); err != nil {
		return MessageContent{}, fmt.Errorf("messaging: decoding content of %s: %w", event.EventID, err)
	}
	return content, nil
}

// SyncOptions controls a /sync request.
type SyncOptions struct {
	// Since is the next_batch token from the previous response. Empty
	// requests an initial sync.
	Since string

	// Timeout is the server-side long-poll duration in milliseconds.
	// Sent only when SetTimeout is true, so 0 can mean "return
	// immediately".
	Timeout    int
	SetTimeout bool

	// Filter is a filter ID or inline JSON filter.
	Filter string
}

// SyncResponse is the body of a /sync response. Only the sections the
// bot reads are decoded; Raw keeps the whole body for the encryption
// engine, which needs to-device events and device list changes.
type SyncResponse struct {
	NextBatch   string             `json:"next_batch"`
	Rooms       RoomsSection       `json:"rooms"`
	AccountData AccountDataSection `json:"account_data,omitzero"`

	Raw json.RawMessage `json:"-"`
}

// AccountDataSection carries global account data events.
type AccountDataSection struct {
	Events []Event `json:"events,omitempty"`
}

// RoomsSection contains per-room sync data grouped by membership.
// Keys are validated through ref.RoomID's TextUnmarshaler.
type RoomsSection struct {
	Join  map[ref.RoomID]JoinedRoom `json:"join,omitempty"`
	Leave map[ref.RoomID]LeftRoom   `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch,omitempty"`
	Limited   bool    `json:"limited,omitempty"`
}

// StateSection contains state events.
type StateSection struct {
	Events []Event `json:"events"`
}

// SendEventResponse is returned by SendMessage and SendEvent.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}
