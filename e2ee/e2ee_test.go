// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"maunium.net/go/mautrix/crypto/attachment"
	"maunium.net/go/mautrix/crypto/utils"
	"maunium.net/go/mautrix/event"

	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/messaging"
)

type fakeSession struct {
	credentials messaging.Credentials
	token       string
}

func (s *fakeSession) Credentials() messaging.Credentials { return s.credentials }

func (s *fakeSession) AuthorizeRequest(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+s.token)
	return nil
}

func TestIsRecoveryKey(t *testing.T) {
	key := utils.EncodeBase58RecoveryKey(bytes.Repeat([]byte{7}, 32))
	if !isRecoveryKey(key) {
		t.Errorf("isRecoveryKey(%q) = false for an encoded key", key)
	}
	for _, value := range []string{"", "correct horse battery staple", "EsTc 1234"} {
		if isRecoveryKey(value) {
			t.Errorf("isRecoveryKey(%q) = true", value)
		}
	}
}

func TestLoadPickleKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), pickleKeyFile)

	first, err := loadPickleKey(path)
	if err != nil {
		t.Fatalf("loadPickleKey (create): %v", err)
	}
	if len(first) != pickleKeySize {
		t.Fatalf("key length = %d, want %d", len(first), pickleKeySize)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("key file mode = %o, want 600", mode)
	}

	second, err := loadPickleKey(path)
	if err != nil {
		t.Fatalf("loadPickleKey (reuse): %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("second load returned a different key")
	}

	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadPickleKey(path); err == nil {
		t.Error("loadPickleKey accepted a truncated key")
	}
}

func TestOpenValidatesConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Config{Dir: t.TempDir()}); err == nil {
		t.Error("Open without a session succeeded")
	}
	session := &fakeSession{credentials: messaging.Credentials{
		HomeserverURL: "https://matrix.example.org",
		UserID:        ref.MustParseUserID("@egret:example.org"),
	}}
	if _, err := Open(ctx, Config{Session: session}); err == nil {
		t.Error("Open without a directory succeeded")
	}
	if _, err := Open(ctx, Config{Session: session, Dir: t.TempDir()}); err == nil {
		t.Error("Open with a session lacking a device ID succeeded")
	}
}

func TestSessionTransportAuthorizes(t *testing.T) {
	seen := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	session := &fakeSession{token: "syt_current"}
	client := &http.Client{Transport: &sessionTransport{session: session, base: transportOf(server.Client())}}
	request, err := http.NewRequest(http.MethodGet, server.URL+"/_matrix/client/v3/keys/query", nil)
	if err != nil {
		t.Fatal(err)
	}
	request.Header.Set("Authorization", "Bearer syt_stale")
	response, err := client.Do(request)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	response.Body.Close()

	if got := <-seen; got != "Bearer syt_current" {
		t.Errorf("server saw Authorization %q, want the session's current token", got)
	}
	if got := request.Header.Get("Authorization"); got != "Bearer syt_stale" {
		t.Errorf("caller's request was modified: %q", got)
	}
}

func TestDecryptAttachment(t *testing.T) {
	plaintext := []byte("\x89PNG not really an image")
	file := attachment.NewEncryptedFile()
	ciphertext := bytes.Clone(plaintext)
	file.EncryptInPlace(ciphertext)

	encoded, err := json.Marshal(file)
	if err != nil {
		t.Fatal(err)
	}
	var described messaging.EncryptedFile
	if err := json.Unmarshal(encoded, &described); err != nil {
		t.Fatal(err)
	}
	described.URL = "mxc://example.org/cipher"

	tampered := bytes.Clone(ciphertext)
	tampered[0] ^= 0xff

	if err := DecryptAttachment(described, ciphertext); err != nil {
		t.Fatalf("DecryptAttachment: %v", err)
	}
	if !bytes.Equal(ciphertext, plaintext) {
		t.Errorf("decrypted = %q, want %q", ciphertext, plaintext)
	}
	if err := DecryptAttachment(described, tampered); err == nil {
		t.Error("DecryptAttachment accepted data whose hash does not match")
	}
}

func TestToProtocolEventParsesEncryptedContent(t *testing.T) {
	evt, err := toProtocolEvent(messaging.Event{
		EventID: ref.MustParseEventID("$enc"),
		Type:    ref.EventTypeEncrypted,
		Sender:  ref.MustParseUserID("@alice:example.org"),
		RoomID:  ref.MustParseRoomID("!ops:example.org"),
		Content: map[string]any{
			"algorithm":  "m.megolm.v1.aes-sha2",
			"sender_key": "c2VuZGVya2V5",
			"session_id": "SESSION",
			"device_id":  "ALICEPHONE",
			"ciphertext": "AwgAEnAC",
		},
	})
	if err != nil {
		t.Fatalf("toProtocolEvent: %v", err)
	}
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		t.Fatalf("parsed content is %T, want *event.EncryptedEventContent", evt.Content.Parsed)
	}
	if content.SessionID != "SESSION" || evt.RoomID != "!ops:example.org" || evt.ID != "$enc" {
		t.Errorf("event = %+v, content = %+v", evt, content)
	}
}

func TestFromDecryptedKeepsIdentityAndRelation(t *testing.T) {
	original := messaging.Event{
		EventID:        ref.MustParseEventID("$enc"),
		Type:           ref.EventTypeEncrypted,
		Sender:         ref.MustParseUserID("@alice:example.org"),
		RoomID:         ref.MustParseRoomID("!ops:example.org"),
		OriginServerTS: 1700000000000,
		Content: map[string]any{
			"algorithm":    "m.megolm.v1.aes-sha2",
			"m.relates_to": map[string]any{"m.in_reply_to": map[string]any{"event_id": "$parent"}},
		},
	}
	decrypted := &event.Event{
		Type:    event.EventMessage,
		Content: event.Content{VeryRaw: json.RawMessage(`{"msgtype":"m.text","body":"@egret ping"}`)},
	}

	plain, err := fromDecrypted(original, decrypted)
	if err != nil {
		t.Fatalf("fromDecrypted: %v", err)
	}
	if plain.Type != ref.EventTypeMessage || plain.EventID != original.EventID || plain.Sender != original.Sender {
		t.Errorf("event = %+v", plain)
	}
	content, err := messaging.ParseMessageContent(plain)
	if err != nil {
		t.Fatalf("ParseMessageContent: %v", err)
	}
	if content.Body != "@egret ping" {
		t.Errorf("Body = %q", content.Body)
	}
	if content.ReplyTarget().String() != "$parent" {
		t.Errorf("ReplyTarget = %v, want the relation from outside the ciphertext", content.ReplyTarget())
	}
}
