// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the bot's configuration.
//
// Structure comes from a single file, YAML (.yaml, .yml) or JSON with
// comments (.json, .jsonc). Secrets never live in that file: the
// password and recovery code come from the environment, optionally
// seeded from a dotenv file that never overrides variables already
// set.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/egret/lib/ref"
)

// PathEnvVar names the environment variable consulted when no --config
// flag is given.
const PathEnvVar = "EGRET_CONFIG"

// DefaultPath is used when neither the flag nor PathEnvVar is set.
const DefaultPath = "config.yaml"

// Config is the complete bot configuration.
type Config struct {
	// Rooms are the rooms the bot watches. At least one is required.
	Rooms []Room `yaml:"rooms" json:"rooms"`

	Client ClientConfig `yaml:"client" json:"client"`

	// MediaDir receives downloaded images.
	MediaDir string `yaml:"media_dir" json:"media_dir"`

	// CommandPrefix marks messages addressed to the bot.
	CommandPrefix string `yaml:"command_prefix" json:"command_prefix"`

	// EnvFile is a dotenv file loaded before reading secrets. A missing
	// file is an error only when the path was set explicitly.
	EnvFile string `yaml:"env_file" json:"env_file"`

	Log LogConfig `yaml:"log" json:"log"`

	// Secrets is populated by LoadEnvironment, never from the file.
	Secrets Secrets `yaml:"-" json:"-"`

	envFileExplicit bool
}

// Room registers one watched room.
type Room struct {
	RoomID string `yaml:"room_id" json:"room_id"`
	Name   string `yaml:"name" json:"name"`
}

// ClientConfig configures the Matrix session and sync loop.
type ClientConfig struct {
	UserID string `yaml:"user_id" json:"user_id"`

	// HomeserverURL is optional; when empty the homeserver is
	// discovered from the user ID's server name.
	HomeserverURL string `yaml:"homeserver_url" json:"homeserver_url"`

	StateDir string `yaml:"state_dir" json:"state_dir"`

	// StateCompression is "zstd" (default) or "lz4".
	StateCompression string `yaml:"state_compression" json:"state_compression"`

	SessionFile string `yaml:"session_file" json:"session_file"`

	// SessionKeyFile, when set, seals the session file with the age
	// identity stored there (created on first use).
	SessionKeyFile string `yaml:"session_key_file" json:"session_key_file"`

	// CryptoDir holds the end-to-end encryption database and its pickle
	// key. Defaults to "crypto" under StateDir. It is tied to the
	// session's device: deleting it while keeping the session file
	// leaves the device unable to decrypt.
	CryptoDir string `yaml:"crypto_dir" json:"crypto_dir"`

	// RestoreFallback logs in fresh when a stored session is rejected.
	RestoreFallback bool `yaml:"restore_fallback" json:"restore_fallback"`

	FirstSyncTimeout Duration `yaml:"first_sync_timeout" json:"first_sync_timeout"`
	SyncBackoff      Duration `yaml:"sync_backoff" json:"sync_backoff"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" json:"level"`
	// Format is auto, text or json.
	Format string `yaml:"format" json:"format"`
}

// Secrets are read from the environment only.
type Secrets struct {
	Password     string `env:"MATRIX_PASSWORD,required,notEmpty"`
	RecoveryCode string `env:"BEEPER_RECOVERY_CODE,required,notEmpty"`
	// UserID overrides client.user_id when set.
	UserID string `env:"MATRIX_USER_ID"`
}

// Duration is a time.Duration written as a Go duration string ("20s")
// in either file format.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration %s is negative", parsed)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration before any file is applied.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			StateDir:         "./state",
			StateCompression: "zstd",
			FirstSyncTimeout: Duration(20 * time.Second),
			SyncBackoff:      Duration(5 * time.Second),
		},
		MediaDir:      "./media",
		CommandPrefix: "@egret",
		EnvFile:       ".env",
		Log:           LogConfig{Level: "info", Format: "auto"},
	}
}

// ResolvePath picks the config file path: the flag value if set, then
// PathEnvVar, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if fromEnv := os.Getenv(PathEnvVar); fromEnv != "" {
		return fromEnv
	}
	return DefaultPath
}

// Load reads the file at path, loads secrets from the environment and
// validates the result. It performs no network activity.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadEnvironment(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFile applies the file at path on top of Default and expands
// ${VAR} references in path-valued fields. Secrets are not loaded.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	// Detect whether env_file was written, so an explicit path can be
	// held to a stricter standard than the default.
	cfg.EnvFile = ""
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	default:
		return nil, fmt.Errorf("config: %s: unsupported extension (want .yaml, .yml, .json or .jsonc)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.EnvFile == "" {
		cfg.EnvFile = Default().EnvFile
	} else {
		cfg.envFileExplicit = true
	}

	cfg.expandVariables()
	return cfg, nil
}

// LoadEnvironment loads the env file (if any) and reads Secrets.
func (c *Config) LoadEnvironment() error {
	if c.EnvFile != "" {
		err := godotenv.Load(c.EnvFile)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist) && !c.envFileExplicit:
		default:
			return fmt.Errorf("config: loading env file %s: %w", c.EnvFile, err)
		}
	}

	if err := env.Parse(&c.Secrets); err != nil {
		return fmt.Errorf("config: reading secrets from the environment: %w", err)
	}
	if c.Secrets.UserID != "" {
		c.Client.UserID = c.Secrets.UserID
	}
	return nil
}

// Validate checks everything that can be checked offline. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Client.UserID == "" {
		errs = append(errs, errors.New("client.user_id is required (or set MATRIX_USER_ID)"))
	} else if _, err := ref.ParseUserID(c.Client.UserID); err != nil {
		errs = append(errs, fmt.Errorf("client.user_id: %w", err))
	}
	if c.Client.SessionFile == "" {
		errs = append(errs, errors.New("client.session_file is required"))
	}
	if c.Client.StateDir == "" {
		errs = append(errs, errors.New("client.state_dir is required"))
	}
	switch c.Client.StateCompression {
	case "", "zstd", "lz4":
	default:
		errs = append(errs, fmt.Errorf("client.state_compression must be zstd or lz4, got %q", c.Client.StateCompression))
	}
	if c.Client.HomeserverURL != "" &&
		!strings.HasPrefix(c.Client.HomeserverURL, "https://") && !strings.HasPrefix(c.Client.HomeserverURL, "http://") {
		errs = append(errs, fmt.Errorf("client.homeserver_url must be an http(s) URL, got %q", c.Client.HomeserverURL))
	}
	if c.MediaDir == "" {
		errs = append(errs, errors.New("media_dir is required"))
	}
	if strings.TrimSpace(c.CommandPrefix) == "" {
		errs = append(errs, errors.New("command_prefix must not be blank"))
	}

	if len(c.Rooms) == 0 {
		errs = append(errs, errors.New("at least one room is required"))
	}
	seen := make(map[string]bool)
	for i, room := range c.Rooms {
		if _, err := ref.ParseRoomID(room.RoomID); err != nil {
			errs = append(errs, fmt.Errorf("rooms[%d].room_id: %w", i, err))
			continue
		}
		if seen[room.RoomID] {
			errs = append(errs, fmt.Errorf("rooms[%d]: %s is listed twice", i, room.RoomID))
		}
		seen[room.RoomID] = true
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// CryptoPath returns client.crypto_dir, or its default under
// client.state_dir.
func (c *Config) CryptoPath() string {
	if c.Client.CryptoDir != "" {
		return c.Client.CryptoDir
	}
	return filepath.Join(c.Client.StateDir, "crypto")
}

// UserID returns the parsed client.user_id. Call after Validate.
func (c *Config) UserID() (ref.UserID, error) {
	return ref.ParseUserID(c.Client.UserID)
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
func (c *Config) expandVariables() {
	c.Client.StateDir = expandVars(c.Client.StateDir)
	c.Client.SessionFile = expandVars(c.Client.SessionFile)
	c.Client.SessionKeyFile = expandVars(c.Client.SessionKeyFile)
	c.Client.CryptoDir = expandVars(c.Client.CryptoDir)
	c.MediaDir = expandVars(c.MediaDir)
	c.EnvFile = expandVars(c.EnvFile)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}
