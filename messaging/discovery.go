// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bureau-foundation/egret/lib/netutil"
	"github.com/bureau-foundation/egret/lib/ref"
)

// DiscoverHomeserver resolves the client-server API base URL for a
// server name using /.well-known/matrix/client. When the document is
// missing or unusable it falls back to https://{server}. Transport
// errors are returned so the caller can distinguish "no well-known"
// from "server unreachable".
func DiscoverHomeserver(ctx context.Context, httpClient *http.Client, server ref.ServerName) (string, error) {
	if server.IsZero() {
		return "", fmt.Errorf("messaging: server name is required for discovery")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	fallback := "https://" + server.String()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fallback+"/.well-known/matrix/client", nil)
	if err != nil {
		return "", fmt.Errorf("messaging: building discovery request: %w", err)
	}
	response, err := httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("messaging: discovery for %s failed: %w", server, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fallback, nil
	}
	var info WellKnownInfo
	if err := netutil.DecodeResponse(response.Body, &info); err != nil {
		return fallback, nil
	}
	baseURL := strings.TrimRight(info.Homeserver.BaseURL, "/")
	if baseURL == "" {
		return fallback, nil
	}
	if parsed, err := url.Parse(baseURL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("messaging: well-known for %s has invalid base_url %q", server, info.Homeserver.BaseURL)
	}
	return baseURL, nil
}
