// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/bureau-foundation/egret/lib/secret"
)

// Refresh exchanges the refresh token for a new access token (and,
// when the server rotates them, a new refresh token), then invokes the
// OnRefresh callback with the updated credentials.
func (s *DirectSession) Refresh(ctx context.Context) error {
	_, generation, err := s.currentToken()
	if err != nil {
		return err
	}
	return s.refreshFrom(ctx, generation)
}

// refreshFrom refreshes unless another goroutine already rotated the
// tokens past the given generation.
func (s *DirectSession) refreshFrom(ctx context.Context, generation uint64) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	if s.generation != generation {
		s.mu.RUnlock()
		return nil
	}
	if s.refreshToken == nil {
		s.mu.RUnlock()
		return fmt.Errorf("messaging: session has no refresh token")
	}
	refreshToken := s.refreshToken.String()
	s.mu.RUnlock()

	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/refresh", "",
		RefreshRequest{RefreshToken: refreshToken}, nil)
	if err != nil {
		return fmt.Errorf("messaging: refresh failed: %w", err)
	}
	var response RefreshResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("messaging: failed to parse refresh response: %w", err)
	}
	secret.Zero(body)
	if response.AccessToken == "" {
		return fmt.Errorf("messaging: refresh response has no access token")
	}

	newAccess, err := secret.NewFromBytes([]byte(response.AccessToken))
	if err != nil {
		return fmt.Errorf("messaging: protecting access token: %w", err)
	}
	var newRefresh *secret.Buffer
	if response.RefreshToken != "" {
		newRefresh, err = secret.NewFromBytes([]byte(response.RefreshToken))
		if err != nil {
			newAccess.Close()
			return fmt.Errorf("messaging: protecting refresh token: %w", err)
		}
	}

	s.mu.Lock()
	if s.accessToken == nil {
		s.mu.Unlock()
		newAccess.Close()
		if newRefresh != nil {
			newRefresh.Close()
		}
		return fmt.Errorf("messaging: session closed during refresh")
	}
	s.accessToken.Close()
	s.accessToken = newAccess
	if newRefresh != nil {
		s.refreshToken.Close()
		s.refreshToken = newRefresh
	}
	s.generation++
	callback := s.onRefresh
	s.mu.Unlock()

	s.client.logger.Info("refreshed matrix access token",
		"user_id", s.userID,
		"rotated_refresh_token", newRefresh != nil,
	)
	if callback != nil {
		callback(s.Credentials())
	}
	return nil
}
