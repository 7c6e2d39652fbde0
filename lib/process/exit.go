// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint's last-resort error reporting,
// used when the structured logger may not exist yet.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Report writes "error: err" to w and returns the exit code for err:
// 0 for nil or a plain cancellation, 1 otherwise.
func Report(w io.Writer, err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	fmt.Fprintf(w, "error: %v\n", err)
	return 1
}

// Exit reports err on stderr and terminates the process when it is
// fatal. It returns only when err is nil or a cancellation.
func Exit(err error) {
	if code := Report(os.Stderr, err); code != 0 {
		os.Exit(code)
	}
}
