// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/rs/zerolog"
)

// Zerolog returns a zerolog.Logger whose events are re-emitted through
// logger, so libraries that log with zerolog (the encryption engine)
// end up in the same stream, with the same level filter, as
// everything else.
func Zerolog(logger *slog.Logger) zerolog.Logger {
	return zerolog.New(&slogWriter{logger: logger}).Level(minimumLevel(logger))
}

// minimumLevel checks logger for the lowest enabled level so zerolog
// drops events before encoding them.
func minimumLevel(logger *slog.Logger) zerolog.Level {
	ctx := context.Background()
	switch {
	case logger.Enabled(ctx, slog.LevelDebug):
		return zerolog.DebugLevel
	case logger.Enabled(ctx, slog.LevelInfo):
		return zerolog.InfoLevel
	case logger.Enabled(ctx, slog.LevelWarn):
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// slogWriter decodes zerolog's one-JSON-object-per-event output.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *slogWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		// Not an event; pass it through rather than lose it.
		w.logger.Info(string(p))
		return len(p), nil
	}
	message, _ := fields[zerolog.MessageFieldName].(string)
	delete(fields, zerolog.MessageFieldName)
	delete(fields, zerolog.LevelFieldName)
	delete(fields, zerolog.TimestampFieldName)

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, key := range keys {
		attrs = append(attrs, slog.Any(key, fields[key]))
	}
	w.logger.LogAttrs(context.Background(), slogLevel(level), message, attrs...)
	return len(p), nil
}

func slogLevel(level zerolog.Level) slog.Level {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return slog.LevelDebug
	case zerolog.WarnLevel:
		return slog.LevelWarn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
