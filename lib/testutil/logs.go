// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// LogCapture records JSON log output so tests can assert that a
// component logged a particular message and attributes.
type LogCapture struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

// NewLogCapture returns a capture and a debug-level logger writing to
// it.
func NewLogCapture() (*LogCapture, *slog.Logger) {
	capture := &LogCapture{}
	logger := slog.New(slog.NewJSONHandler(capture, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return capture, logger
}

// Write implements io.Writer. slog handlers write one record per call.
func (c *LogCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.Write(p)
}

// Records returns every captured record decoded as a map.
func (c *LogCapture) Records() []map[string]any {
	c.mu.Lock()
	data := bytes.Clone(c.buffer.Bytes())
	c.mu.Unlock()

	var records []map[string]any
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records
}

// Find returns the first record with the given message whose
// attributes include every key/value pair in attrs (compared by their
// fmt %v rendering), or nil.
func (c *LogCapture) Find(message string, attrs ...any) map[string]any {
	for _, record := range c.Records() {
		if record["msg"] != message {
			continue
		}
		if matchAttrs(record, attrs) {
			return record
		}
	}
	return nil
}

func matchAttrs(record map[string]any, attrs []any) bool {
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			return false
		}
		value, present := record[key]
		if !present || fmt.Sprint(value) != fmt.Sprint(attrs[i+1]) {
			return false
		}
	}
	return true
}
