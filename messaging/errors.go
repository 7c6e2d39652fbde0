// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes the bot branches on.
const (
	ErrCodeForbidden    = "M_FORBIDDEN"
	ErrCodeUnknownToken = "M_UNKNOWN_TOKEN"
	ErrCodeMissingToken = "M_MISSING_TOKEN"
	ErrCodeNotFound     = "M_NOT_FOUND"
	ErrCodeUnrecognized = "M_UNRECOGNIZED"
	ErrCodeUnknown      = "M_UNKNOWN"
)

// MatrixError is a non-2xx homeserver response. Match it with
// errors.As, or with IsMatrixError when only the code matters:
//
//	if messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
//	    // account data absent
//	}
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsMatrixError reports whether err wraps a *MatrixError carrying code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	return errors.As(err, &matrixErr) && matrixErr.Code == code
}

// parseMatrixError decodes an error body. Bodies that are not the
// standard {errcode, error} shape (proxies, HTML error pages) become
// M_UNKNOWN with a truncated excerpt, so callers still get StatusCode.
func parseMatrixError(method, path string, statusCode int, body []byte) error {
	var matrixErr MatrixError
	if err := json.Unmarshal(body, &matrixErr); err != nil || matrixErr.Code == "" {
		excerpt := string(body)
		if len(excerpt) > 200 {
			excerpt = excerpt[:200] + "..."
		}
		return &MatrixError{
			Code:       ErrCodeUnknown,
			Message:    fmt.Sprintf("unexpected response from %s %s: %s", method, path, excerpt),
			StatusCode: statusCode,
		}
	}
	matrixErr.StatusCode = statusCode
	return &matrixErr
}
