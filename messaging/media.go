// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ContentURI is a parsed mxc:// URI.
type ContentURI struct {
	Server  string
	MediaID string
}

func (u ContentURI) String() string {
	return "mxc://" + u.Server + "/" + u.MediaID
}

// ParseContentURI parses "mxc://server/mediaID".
func ParseContentURI(raw string) (ContentURI, error) {
	rest, ok := strings.CutPrefix(raw, "mxc://")
	if !ok {
		return ContentURI{}, fmt.Errorf("messaging: content URI %q must start with mxc://", raw)
	}
	server, mediaID, ok := strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" || strings.Contains(mediaID, "/") {
		return ContentURI{}, fmt.Errorf("messaging: malformed content URI %q", raw)
	}
	return ContentURI{Server: server, MediaID: mediaID}, nil
}

// DownloadResult describes a completed media download.
type DownloadResult struct {
	ContentType string
	Size        int64
}

// DownloadMedia streams the original content of an mxc:// URI to w. It
// uses the authenticated media endpoint and falls back to the legacy
// unauthenticated endpoint for servers that do not implement it.
// Nothing is written to w unless the server answers 2xx.
func (s *DirectSession) DownloadMedia(ctx context.Context, mxc string, w io.Writer) (DownloadResult, error) {
	uri, err := ParseContentURI(mxc)
	if err != nil {
		return DownloadResult{}, err
	}
	escaped := url.PathEscape(uri.Server) + "/" + url.PathEscape(uri.MediaID)

	response, err := s.stream(ctx, "/_matrix/client/v1/media/download/"+escaped)
	if err != nil && legacyMediaFallback(err) {
		s.client.logger.Debug("authenticated media unsupported, using legacy endpoint",
			"mxc", mxc,
		)
		response, err = s.client.doStream(ctx, "/_matrix/media/v3/download/"+escaped, "")
	}
	if err != nil {
		return DownloadResult{}, fmt.Errorf("messaging: download %s failed: %w", mxc, err)
	}
	defer response.Body.Close()

	written, err := io.Copy(w, response.Body)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("messaging: reading %s: %w", mxc, err)
	}
	if response.ContentLength >= 0 && written != response.ContentLength {
		return DownloadResult{}, fmt.Errorf("messaging: download %s truncated: got %d of %d bytes",
			mxc, written, response.ContentLength)
	}
	return DownloadResult{
		ContentType: response.Header.Get("Content-Type"),
		Size:        written,
	}, nil
}

// stream is the streaming counterpart of do.
func (s *DirectSession) stream(ctx context.Context, path string) (*http.Response, error) {
	token, generation, err := s.currentToken()
	if err != nil {
		return nil, err
	}
	response, err := s.client.doStream(ctx, path, token)
	if err == nil || !s.shouldRefresh(err) {
		return response, err
	}
	if refreshErr := s.refreshFrom(ctx, generation); refreshErr != nil {
		return nil, fmt.Errorf("%w (refresh failed: %v)", err, refreshErr)
	}
	token, _, err = s.currentToken()
	if err != nil {
		return nil, err
	}
	return s.client.doStream(ctx, path, token)
}

// legacyMediaFallback reports whether an authenticated media error
// means the endpoint itself is missing (as opposed to the media).
func legacyMediaFallback(err error) bool {
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		return false
	}
	if matrixErr.Code == ErrCodeUnrecognized {
		return true
	}
	// Servers without the v1 routes answer with a bare 404 or 405.
	return matrixErr.Code == ErrCodeUnknown &&
		(matrixErr.StatusCode == http.StatusNotFound || matrixErr.StatusCode == http.StatusMethodNotAllowed)
}
