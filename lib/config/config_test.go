// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
rooms:
  - room_id: "!ops:example.org"
    name: Ops
client:
  user_id: "@bot:example.org"
  session_file: ./state/session.cbor
`

// unsetEnv clears key for the duration of the test. t.Setenv registers
// the restore; the Unsetenv makes the variable absent, not empty.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("MATRIX_PASSWORD", "hunter2")
	t.Setenv("BEEPER_RECOVERY_CODE", "EsTc 1234")
	unsetEnv(t, "MATRIX_USER_ID")
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Client.StateDir != "./state" {
		t.Errorf("expected state_dir=./state, got %s", cfg.Client.StateDir)
	}
	if cfg.MediaDir != "./media" {
		t.Errorf("expected media_dir=./media, got %s", cfg.MediaDir)
	}
	if cfg.CommandPrefix != "@egret" {
		t.Errorf("expected command_prefix=@egret, got %s", cfg.CommandPrefix)
	}
	if cfg.Client.FirstSyncTimeout.Std() != 20*time.Second {
		t.Errorf("expected first_sync_timeout=20s, got %s", cfg.Client.FirstSyncTimeout)
	}
	if cfg.Client.SyncBackoff.Std() != 5*time.Second {
		t.Errorf("expected sync_backoff=5s, got %s", cfg.Client.SyncBackoff)
	}
}

func TestResolvePath(t *testing.T) {
	unsetEnv(t, PathEnvVar)
	if got := ResolvePath(""); got != DefaultPath {
		t.Errorf("expected %s, got %s", DefaultPath, got)
	}

	t.Setenv(PathEnvVar, "/etc/egret.yaml")
	if got := ResolvePath(""); got != "/etc/egret.yaml" {
		t.Errorf("expected env path, got %s", got)
	}
	if got := ResolvePath("flag.yaml"); got != "flag.yaml" {
		t.Errorf("expected flag to win, got %s", got)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	setSecrets(t)
	path := writeFile(t, dir, "config.yaml", minimalYAML+`
  first_sync_timeout: 45s
  restore_fallback: true
media_dir: /srv/media
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Rooms) != 1 || cfg.Rooms[0].RoomID != "!ops:example.org" || cfg.Rooms[0].Name != "Ops" {
		t.Errorf("unexpected rooms: %+v", cfg.Rooms)
	}
	if cfg.Client.FirstSyncTimeout.Std() != 45*time.Second {
		t.Errorf("expected first_sync_timeout=45s, got %s", cfg.Client.FirstSyncTimeout)
	}
	if cfg.Client.SyncBackoff.Std() != 5*time.Second {
		t.Errorf("expected default sync_backoff to survive, got %s", cfg.Client.SyncBackoff)
	}
	if !cfg.Client.RestoreFallback {
		t.Error("expected restore_fallback=true")
	}
	if cfg.MediaDir != "/srv/media" {
		t.Errorf("expected media_dir=/srv/media, got %s", cfg.MediaDir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log.level=debug, got %s", cfg.Log.Level)
	}
	if cfg.Secrets.Password != "hunter2" || cfg.Secrets.RecoveryCode != "EsTc 1234" {
		t.Errorf("secrets not loaded: %+v", cfg.Secrets)
	}
	userID, err := cfg.UserID()
	if err != nil || userID.String() != "@bot:example.org" {
		t.Errorf("UserID() = %v, %v", userID, err)
	}
}

func TestLoadJSONC(t *testing.T) {
	dir := t.TempDir()
	setSecrets(t)
	path := writeFile(t, dir, "config.jsonc", `{
  // watched rooms
  "rooms": [{"room_id": "!ops:example.org"}],
  "client": {
    "user_id": "@bot:example.org",
    "session_file": "session.cbor",
    "sync_backoff": "250ms", /* fast retries */
  },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.SyncBackoff.Std() != 250*time.Millisecond {
		t.Errorf("expected sync_backoff=250ms, got %s", cfg.Client.SyncBackoff)
	}
	if cfg.CommandPrefix != "@egret" {
		t.Errorf("expected default command_prefix, got %s", cfg.CommandPrefix)
	}
}

func TestLoadFileRejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", "")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for .toml")
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", minimalYAML+"  sync_backoff: soon\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestMissingSecretsFail(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := writeFile(t, dir, "config.yaml", minimalYAML)

	unsetEnv(t, "MATRIX_PASSWORD")
	t.Setenv("BEEPER_RECOVERY_CODE", "code")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error when MATRIX_PASSWORD is absent")
	}
	if !strings.Contains(err.Error(), "MATRIX_PASSWORD") {
		t.Errorf("error should name the variable: %v", err)
	}

	t.Setenv("MATRIX_PASSWORD", "")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when MATRIX_PASSWORD is empty")
	}
}

func TestEnvFileSuppliesSecrets(t *testing.T) {
	dir := t.TempDir()
	unsetEnv(t, "MATRIX_PASSWORD")
	unsetEnv(t, "BEEPER_RECOVERY_CODE")
	t.Setenv("MATRIX_USER_ID", "@other:example.org")

	envPath := writeFile(t, dir, "bot.env",
		"MATRIX_PASSWORD=from-file\nBEEPER_RECOVERY_CODE=code-from-file\nMATRIX_USER_ID=@ignored:example.org\n")
	path := writeFile(t, dir, "config.yaml", minimalYAML+"env_file: "+envPath+"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Secrets.Password != "from-file" {
		t.Errorf("expected password from env file, got %q", cfg.Secrets.Password)
	}
	// Variables already in the environment are not overridden.
	if cfg.Client.UserID != "@other:example.org" {
		t.Errorf("expected MATRIX_USER_ID from the environment to win, got %s", cfg.Client.UserID)
	}
}

func TestMissingEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	setSecrets(t)

	// The default .env is optional.
	path := writeFile(t, dir, "config.yaml", minimalYAML)
	if _, err := Load(path); err != nil {
		t.Fatalf("missing default env file should be ignored: %v", err)
	}

	// An explicitly named one is not.
	explicit := writeFile(t, dir, "explicit.yaml", minimalYAML+"env_file: "+filepath.Join(dir, "absent.env")+"\n")
	if _, err := Load(explicit); err == nil {
		t.Fatal("expected error for missing explicit env file")
	}
}

func TestUserIDOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	setSecrets(t)
	t.Setenv("MATRIX_USER_ID", "@override:example.org")

	cfg, err := Load(writeFile(t, dir, "config.yaml", minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Client.UserID != "@override:example.org" {
		t.Errorf("expected override, got %s", cfg.Client.UserID)
	}
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("EGRET_TEST_HOME", "/home/bot")
	unsetEnv(t, "EGRET_TEST_UNSET")

	path := writeFile(t, t.TempDir(), "config.yaml", minimalYAML+`
  state_dir: ${EGRET_TEST_HOME}/state
media_dir: ${EGRET_TEST_UNSET:-/tmp/media}
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Client.StateDir != "/home/bot/state" {
		t.Errorf("expected expanded state_dir, got %s", cfg.Client.StateDir)
	}
	if cfg.MediaDir != "/tmp/media" {
		t.Errorf("expected default to apply, got %s", cfg.MediaDir)
	}
	if cfg.CryptoPath() != "/home/bot/state/crypto" {
		t.Errorf("expected crypto dir under the expanded state_dir, got %s", cfg.CryptoPath())
	}
}

func TestCryptoDir(t *testing.T) {
	t.Setenv("EGRET_TEST_HOME", "/home/bot")
	path := writeFile(t, t.TempDir(), "config.yaml", minimalYAML+`
  crypto_dir: ${EGRET_TEST_HOME}/keys
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.CryptoPath() != "/home/bot/keys" {
		t.Errorf("expected explicit crypto_dir, got %s", cfg.CryptoPath())
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Rooms = []Room{{RoomID: "!ops:example.org"}}
		cfg.Client.UserID = "@bot:example.org"
		cfg.Client.SessionFile = "session.cbor"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no rooms", func(c *Config) { c.Rooms = nil }, "at least one room"},
		{"bad room", func(c *Config) { c.Rooms[0].RoomID = "ops" }, "rooms[0].room_id"},
		{"duplicate room", func(c *Config) { c.Rooms = append(c.Rooms, c.Rooms[0]) }, "listed twice"},
		{"no user", func(c *Config) { c.Client.UserID = "" }, "client.user_id is required"},
		{"bad user", func(c *Config) { c.Client.UserID = "bot" }, "client.user_id"},
		{"no session file", func(c *Config) { c.Client.SessionFile = "" }, "session_file"},
		{"bad compression", func(c *Config) { c.Client.StateCompression = "gzip" }, "state_compression"},
		{"bad homeserver", func(c *Config) { c.Client.HomeserverURL = "matrix.example.org" }, "homeserver_url"},
		{"blank prefix", func(c *Config) { c.CommandPrefix = "  " }, "command_prefix"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid()
			test.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q should mention %q", err, test.want)
			}
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"client.user_id", "session_file", "at least one room"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q: %v", want, err)
		}
	}
}
