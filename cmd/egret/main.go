// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// egret is a Matrix bot for Beeper accounts. It restores or creates a
// session, unlocks secret storage with the account's recovery code so
// encrypted history can be read, then watches the configured rooms:
// answering commands, logging replies and saving posted images.
//
// Usage:
//
//	egret [--config path] [--log-level level]
//
// Secrets come from MATRIX_PASSWORD and BEEPER_RECOVERY_CODE, optionally
// loaded from the configured env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/egret/e2ee"
	"github.com/bureau-foundation/egret/lib/clock"
	"github.com/bureau-foundation/egret/lib/config"
	"github.com/bureau-foundation/egret/lib/logging"
	"github.com/bureau-foundation/egret/lib/process"
	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/lib/secret"
	"github.com/bureau-foundation/egret/lib/sessionstore"
	"github.com/bureau-foundation/egret/lib/statestore"
	"github.com/bureau-foundation/egret/lib/version"
	"github.com/bureau-foundation/egret/lifecycle"
	"github.com/bureau-foundation/egret/messaging"
	"github.com/bureau-foundation/egret/router"
)

const discoveryTimeout = 30 * time.Second

func main() {
	process.Exit(run())
}

func run() error {
	var configPath, logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("egret", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default $"+config.PathEnvVar+" or "+config.DefaultPath+")")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level from the config file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("egret")
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("%w: %w", lifecycle.ErrConfiguration, err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return fmt.Errorf("%w: %w", lifecycle.ErrConfiguration, err)
	}
	slog.SetDefault(logger)
	logger.Info("egret starting", "version", version.Info(), "rooms", len(cfg.Rooms))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	userID, err := cfg.UserID()
	if err != nil {
		return fmt.Errorf("%w: %w", lifecycle.ErrConfiguration, err)
	}
	rooms, err := watchedRooms(cfg.Rooms)
	if err != nil {
		return fmt.Errorf("%w: %w", lifecycle.ErrConfiguration, err)
	}

	compression, err := statestore.ParseCompression(cfg.Client.StateCompression)
	if err != nil {
		return fmt.Errorf("%w: %w", lifecycle.ErrConfiguration, err)
	}
	state, err := statestore.Open(cfg.Client.StateDir, statestore.Options{Compression: compression})
	if err != nil {
		return fmt.Errorf("%w: opening state store: %w", lifecycle.ErrConfiguration, err)
	}
	sessions, err := sessionstore.New(cfg.Client.SessionFile, cfg.Client.SessionKeyFile)
	if err != nil {
		return fmt.Errorf("%w: %w", lifecycle.ErrConfiguration, err)
	}
	defer sessions.Close()

	httpClient := &http.Client{}
	homeserverURL := cfg.Client.HomeserverURL
	if homeserverURL == "" {
		discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		homeserverURL, err = messaging.DiscoverHomeserver(discoverCtx, httpClient, userID.Server())
		cancel()
		if err != nil {
			return err
		}
		logger.Info("discovered homeserver", "homeserver_url", homeserverURL)
	}
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: homeserverURL,
		HTTPClient:    httpClient,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", lifecycle.ErrConfiguration, err)
	}

	password, recoverySecret, err := takeSecrets(&cfg.Secrets)
	if err != nil {
		return err
	}

	dispatcher := router.NewDispatcher(logger)
	defer dispatcher.Close()

	// Set by OpenEncryption during Authenticate.
	var machine *e2ee.Machine
	manager, err := lifecycle.New(lifecycle.Config{
		Client:          client,
		Sessions:        sessions,
		State:           state,
		UserID:          userID,
		Password:        password,
		RecoverySecret:  recoverySecret,
		RestoreFallback: cfg.Client.RestoreFallback,
		Sync: lifecycle.SyncConfig{
			FirstSyncTimeout: cfg.Client.FirstSyncTimeout.Std(),
			Backoff:          cfg.Client.SyncBackoff.Std(),
		},
		OpenEncryption: func(ctx context.Context, session *messaging.DirectSession) (lifecycle.Encryption, error) {
			opened, err := e2ee.Open(ctx, e2ee.Config{
				Session:    session,
				Dir:        cfg.CryptoPath(),
				HTTPClient: httpClient,
				Logger:     logger,
			})
			if err != nil {
				return nil, err
			}
			machine = opened
			return opened, nil
		},
		Handler: dispatcher.HandleSync,
		Clock:   clock.Real(),
		Logger:  logger,
	})
	if err != nil {
		password.Close()
		recoverySecret.Close()
		return err
	}
	defer func() {
		// Handlers drain before the crypto store closes.
		dispatcher.Close()
		if closeErr := manager.Close(); closeErr != nil {
			logger.Error("closing session", "error", closeErr)
		}
	}()

	if err := manager.Authenticate(ctx); err != nil {
		return err
	}

	bot, err := router.New(router.Config{
		Session:       manager.Session(),
		State:         state,
		CommandPrefix: cfg.CommandPrefix,
		MediaDir:      cfg.MediaDir,
		Crypto:        machine,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := bot.Install(dispatcher, rooms); err != nil {
		return err
	}
	dispatcher.SkipFirst()

	if err := manager.Sync(ctx); err != nil {
		return err
	}
	logger.Info("egret ready",
		"state_file", state.Path(),
		"media_dir", absolute(cfg.MediaDir),
		"crypto_dir", absolute(cfg.CryptoPath()),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// takeSecrets moves the environment secrets into locked buffers and
// clears the config copies.
func takeSecrets(secrets *config.Secrets) (*secret.Buffer, *secret.Buffer, error) {
	password, err := secret.NewFromString(secrets.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: storing password: %w", lifecycle.ErrConfiguration, err)
	}
	recoverySecret, err := secret.NewFromString(secrets.RecoveryCode)
	if err != nil {
		password.Close()
		return nil, nil, fmt.Errorf("%w: storing recovery code: %w", lifecycle.ErrConfiguration, err)
	}
	secrets.Password = ""
	secrets.RecoveryCode = ""
	return password, recoverySecret, nil
}

func watchedRooms(configured []config.Room) ([]router.Room, error) {
	rooms := make([]router.Room, 0, len(configured))
	for _, room := range configured {
		roomID, err := ref.ParseRoomID(room.RoomID)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, router.Room{ID: roomID, Name: room.Name})
	}
	return rooms, nil
}

func absolute(path string) string {
	if resolved, err := filepath.Abs(path); err == nil {
		return resolved
	}
	return path
}
