// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/lib/secret"
	"github.com/bureau-foundation/egret/messaging"
	"github.com/bureau-foundation/egret/messaging/matrixtest"
)

const (
	botUser     = "@bot:example.org"
	botPassword = "correct horse"
)

func newClient(t *testing.T, server *matrixtest.Server) *messaging.Client {
	t.Helper()
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: server.URL(),
		HTTPClient:    server.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func password(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func TestNewClientValidation(t *testing.T) {
	for _, homeserver := range []string{"", "ftp://example.org", "://bad"} {
		if _, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: homeserver}); err == nil {
			t.Errorf("NewClient(%q) succeeded", homeserver)
		}
	}
}

func TestLogin(t *testing.T) {
	server := matrixtest.New(t)
	server.AddUser(botUser, botPassword)
	client := newClient(t, server)

	session, err := client.Login(context.Background(), ref.MustParseUserID(botUser), password(t, botPassword))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	defer session.Close()

	if session.UserID().String() != botUser {
		t.Errorf("UserID = %s, want %s", session.UserID(), botUser)
	}
	if session.DeviceID().IsZero() {
		t.Error("DeviceID is empty after login")
	}
	credentials := session.Credentials()
	if credentials.AccessToken == "" || credentials.RefreshToken == "" {
		t.Errorf("Credentials = %+v, want access and refresh tokens", credentials)
	}
	if credentials.HomeserverURL != server.URL() {
		t.Errorf("HomeserverURL = %q, want %q", credentials.HomeserverURL, server.URL())
	}
}

func TestLoginWrongPassword(t *testing.T) {
	server := matrixtest.New(t)
	server.AddUser(botUser, botPassword)
	client := newClient(t, server)

	_, err := client.Login(context.Background(), ref.MustParseUserID(botUser), password(t, "wrong"))
	if !messaging.IsMatrixError(err, messaging.ErrCodeForbidden) {
		t.Fatalf("Login with wrong password = %v, want M_FORBIDDEN", err)
	}
	var matrixErr *messaging.MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.StatusCode != http.StatusForbidden {
		t.Errorf("error = %#v, want status 403", err)
	}
}

func TestSessionFromCredentialsWhoAmI(t *testing.T) {
	server := matrixtest.New(t)
	client := newClient(t, server)
	accessToken, _ := server.IssueTokens(botUser)

	session, err := client.SessionFromCredentials(messaging.Credentials{
		UserID:      ref.MustParseUserID(botUser),
		AccessToken: accessToken,
	})
	if err != nil {
		t.Fatalf("SessionFromCredentials: %v", err)
	}
	defer session.Close()

	userID, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI: %v", err)
	}
	if userID.String() != botUser {
		t.Errorf("WhoAmI = %s, want %s", userID, botUser)
	}
}

func TestSessionFromCredentialsRequiresToken(t *testing.T) {
	server := matrixtest.New(t)
	client := newClient(t, server)
	if _, err := client.SessionFromCredentials(messaging.Credentials{UserID: ref.MustParseUserID(botUser)}); err == nil {
		t.Fatal("SessionFromCredentials without a token succeeded")
	}
}

func TestServerVersions(t *testing.T) {
	server := matrixtest.New(t)
	versions, err := newClient(t, server).ServerVersions(context.Background())
	if err != nil {
		t.Fatalf("ServerVersions: %v", err)
	}
	if len(versions.Versions) == 0 {
		t.Error("ServerVersions returned no versions")
	}
}

func TestNonJSONErrorKeepsStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer backend.Close()

	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: backend.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.ServerVersions(context.Background())
	var matrixErr *messaging.MatrixError
	if !errors.As(err, &matrixErr) {
		t.Fatalf("error = %v, want *MatrixError", err)
	}
	if matrixErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", matrixErr.StatusCode)
	}
}

func TestDiscoverHomeserver(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/matrix/client" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"m.homeserver":{"base_url":"https://matrix.example.org/"}}`))
	}))
	defer backend.Close()

	serverName, err := ref.ParseServerName(strings.TrimPrefix(backend.URL, "https://"))
	if err != nil {
		t.Fatal(err)
	}
	baseURL, err := messaging.DiscoverHomeserver(context.Background(), backend.Client(), serverName)
	if err != nil {
		t.Fatalf("DiscoverHomeserver: %v", err)
	}
	if baseURL != "https://matrix.example.org" {
		t.Errorf("DiscoverHomeserver = %q, want https://matrix.example.org", baseURL)
	}
}

func TestDiscoverHomeserverFallback(t *testing.T) {
	backend := httptest.NewTLSServer(http.NotFoundHandler())
	defer backend.Close()

	host := strings.TrimPrefix(backend.URL, "https://")
	serverName, err := ref.ParseServerName(host)
	if err != nil {
		t.Fatal(err)
	}
	baseURL, err := messaging.DiscoverHomeserver(context.Background(), backend.Client(), serverName)
	if err != nil {
		t.Fatalf("DiscoverHomeserver: %v", err)
	}
	if baseURL != "https://"+host {
		t.Errorf("DiscoverHomeserver = %q, want fallback https://%s", baseURL, host)
	}
}
