// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle takes the bot from configuration to a running sync
// loop: restore the persisted session or log in fresh, open the
// encryption engine and unlock it with the recovery secret, then start
// the sync driver and wait for its first sync.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/egret/e2ee"
	"github.com/bureau-foundation/egret/lib/clock"
	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/lib/secret"
	"github.com/bureau-foundation/egret/lib/sessionstore"
	"github.com/bureau-foundation/egret/messaging"
	"github.com/bureau-foundation/egret/syncer"
)

var (
	// ErrConfiguration marks faults detected before any network
	// activity.
	ErrConfiguration = errors.New("lifecycle: configuration error")

	// ErrAuthentication marks a failed login or a rejected restore.
	ErrAuthentication = errors.New("lifecycle: authentication failed")

	// ErrRecovery marks an encryption engine that could not be opened
	// or unlocked.
	ErrRecovery = errors.New("lifecycle: recovery unlock failed")
)

// Encryption is the end-to-end encryption engine bound to the
// authenticated device. *e2ee.Machine implements it.
type Encryption interface {
	Recover(ctx context.Context, recoverySecret *secret.Buffer) (e2ee.Recovery, error)
	HandleSync(ctx context.Context, response *messaging.SyncResponse)
	Close() error
}

// OpenEncryption binds an encryption engine to session. It runs once,
// after authentication and before recovery.
type OpenEncryption func(ctx context.Context, session *messaging.DirectSession) (Encryption, error)

// SessionStore persists the credential snapshot.
// *sessionstore.Store implements it.
type SessionStore interface {
	Load() (sessionstore.Snapshot, error)
	Save(sessionstore.Snapshot) error
	Remove() error
}

// SyncConfig tunes the sync driver started by the Manager.
type SyncConfig struct {
	FirstSyncTimeout time.Duration
	PollTimeout      time.Duration
	Backoff          time.Duration
	Filter           string
}

// Config configures a Manager.
type Config struct {
	Client   *messaging.Client
	Sessions SessionStore
	State    syncer.Store

	UserID ref.UserID

	// Password and RecoverySecret are owned by the Manager from New
	// onwards and zeroed by Close. The password is released as soon as
	// the session is authenticated.
	Password       *secret.Buffer
	RecoverySecret *secret.Buffer

	// RestoreFallback discards a session the server rejects and logs in
	// fresh instead of failing.
	RestoreFallback bool

	Sync SyncConfig

	// OpenEncryption is required. Every sync response reaches the
	// engine before Handler.
	OpenEncryption OpenEncryption

	// Handler receives every sync response, including the first.
	Handler syncer.Handler

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager drives the startup sequence once and then holds the live
// session and the unlocked encryption engine until Close.
type Manager struct {
	client          *messaging.Client
	sessions        SessionStore
	stateStore      syncer.Store
	userID          ref.UserID
	restoreFallback bool
	syncConfig      SyncConfig
	openEncryption  OpenEncryption
	handler         syncer.Handler
	clock           clock.Clock
	logger          *slog.Logger

	mu             sync.Mutex
	state          State
	authenticated  bool
	password       *secret.Buffer
	recoverySecret *secret.Buffer
	session        *messaging.DirectSession
	encryption     Encryption
	recovery       e2ee.Recovery
}

// New validates config. Errors wrap ErrConfiguration.
func New(config Config) (*Manager, error) {
	switch {
	case config.Client == nil:
		return nil, fmt.Errorf("%w: Client is required", ErrConfiguration)
	case config.Sessions == nil:
		return nil, fmt.Errorf("%w: Sessions is required", ErrConfiguration)
	case config.State == nil:
		return nil, fmt.Errorf("%w: State is required", ErrConfiguration)
	case config.OpenEncryption == nil:
		return nil, fmt.Errorf("%w: OpenEncryption is required", ErrConfiguration)
	case config.UserID.IsZero():
		return nil, fmt.Errorf("%w: UserID is required", ErrConfiguration)
	case config.Password == nil || config.Password.Len() == 0:
		return nil, fmt.Errorf("%w: password is required", ErrConfiguration)
	case config.RecoverySecret == nil || config.RecoverySecret.Len() == 0:
		return nil, fmt.Errorf("%w: recovery secret is required", ErrConfiguration)
	}
	manager := &Manager{
		client:          config.Client,
		sessions:        config.Sessions,
		stateStore:      config.State,
		userID:          config.UserID,
		restoreFallback: config.RestoreFallback,
		syncConfig:      config.Sync,
		openEncryption:  config.OpenEncryption,
		handler:         config.Handler,
		clock:           config.Clock,
		logger:          config.Logger,
		password:        config.Password,
		recoverySecret:  config.RecoverySecret,
	}
	if manager.clock == nil {
		manager.clock = clock.Real()
	}
	if manager.logger == nil {
		manager.logger = slog.Default()
	}
	manager.logger = manager.logger.With("user_id", config.UserID.String())
	return manager, nil
}

// State returns the current position in the startup sequence.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the authenticated session, or nil before
// authentication completes.
func (m *Manager) Session() *messaging.DirectSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Encryption returns the encryption engine, or nil before it has
// been opened.
func (m *Manager) Encryption() Encryption {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encryption
}

// Recovery reports what the recovery unlock restored. It is the zero
// value until Authenticate succeeds.
func (m *Manager) Recovery() e2ee.Recovery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovery
}

func (m *Manager) transition(next State) {
	m.mu.Lock()
	previous := m.state
	m.state = next
	m.mu.Unlock()
	m.logger.Info("lifecycle state changed", "from", previous.String(), "to", next.String())
}

// Start runs Authenticate then Sync.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Authenticate(ctx); err != nil {
		return err
	}
	return m.Sync(ctx)
}

// Authenticate restores the stored session or logs in fresh, then
// opens the encryption engine and unlocks it with the recovery secret.
// No sync happens yet, so callers can install event handlers before
// calling Sync. Authenticate may be called only once.
func (m *Manager) Authenticate(ctx context.Context) error {
	if state := m.State(); state != StateUninitialized {
		return fmt.Errorf("lifecycle: Authenticate called in state %s", state)
	}

	session, err := m.authenticate(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.session = session
	m.mu.Unlock()
	m.releasePassword()

	m.transition(StateRecoveryUnlocking)
	encryption, err := m.openEncryption(ctx, session)
	if err != nil {
		return fmt.Errorf("%w: opening encryption: %w", ErrRecovery, err)
	}
	m.mu.Lock()
	m.encryption = encryption
	m.mu.Unlock()

	recovered, err := encryption.Recover(ctx, m.recoverySecret)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRecovery, err)
	}
	m.mu.Lock()
	m.recovery = recovered
	m.authenticated = true
	m.mu.Unlock()
	m.logger.Info("secret storage unlocked",
		"key_id", recovered.KeyID,
		"backup_version", recovered.BackupVersion,
	)
	return nil
}

// Sync starts the sync driver and blocks until its first sync has
// completed, returning that sync's outcome. The driver keeps running
// until ctx is cancelled, whatever the outcome.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	authenticated, session, encryption := m.authenticated, m.session, m.encryption
	state := m.state
	m.mu.Unlock()
	if !authenticated || state != StateRecoveryUnlocking {
		return fmt.Errorf("lifecycle: Sync called in state %s", state)
	}

	m.transition(StateSyncing)
	handler := m.handler
	driver, err := syncer.New(syncer.Config{
		Session: session,
		Store:   m.stateStore,
		Handler: func(ctx context.Context, response *messaging.SyncResponse) {
			// Room keys in this response must be known before its
			// timeline is dispatched.
			encryption.HandleSync(ctx, response)
			if handler != nil {
				handler(ctx, response)
			}
		},
		FirstSyncTimeout: m.syncConfig.FirstSyncTimeout,
		PollTimeout:      m.syncConfig.PollTimeout,
		Backoff:          m.syncConfig.Backoff,
		Filter:           m.syncConfig.Filter,
		Clock:            m.clock,
		Logger:           m.logger,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	ready := driver.Start(ctx)
	if err := ready.Wait(ctx); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	return nil
}

// authenticate chooses between restore and fresh login.
func (m *Manager) authenticate(ctx context.Context) (*messaging.DirectSession, error) {
	snapshot, err := m.sessions.Load()
	switch {
	case errors.Is(err, sessionstore.ErrNotFound):
		return m.freshLogin(ctx)
	case err == nil:
		m.transition(StateRestoring)
		session, restoreErr := m.restore(ctx, snapshot)
		if restoreErr == nil {
			return session, nil
		}
		return m.fallback(ctx, restoreErr)
	case errors.Is(err, sessionstore.ErrCorrupt):
		m.transition(StateRestoring)
		return m.fallback(ctx, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
}

func (m *Manager) fallback(ctx context.Context, cause error) (*messaging.DirectSession, error) {
	if !m.restoreFallback {
		return nil, fmt.Errorf("%w: restoring session: %w", ErrAuthentication, cause)
	}
	m.logger.Warn("discarding unusable session and logging in again", "error", cause)
	if err := m.sessions.Remove(); err != nil {
		return nil, fmt.Errorf("%w: removing rejected session: %w", ErrConfiguration, err)
	}
	return m.freshLogin(ctx)
}

// restore rebuilds the session from snapshot and checks it against the
// server with WhoAmI.
func (m *Manager) restore(ctx context.Context, snapshot sessionstore.Snapshot) (*messaging.DirectSession, error) {
	userID, err := ref.ParseUserID(snapshot.UserID)
	if err != nil {
		return nil, fmt.Errorf("stored user ID: %w", err)
	}
	if userID != m.userID {
		return nil, fmt.Errorf("stored session belongs to %s", userID)
	}
	var deviceID ref.DeviceID
	if snapshot.DeviceID != "" {
		deviceID, err = ref.ParseDeviceID(snapshot.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("stored device ID: %w", err)
		}
	}
	homeserverURL := snapshot.HomeserverURL
	switch {
	case homeserverURL == "":
		homeserverURL = m.client.BaseURL()
	case homeserverURL != m.client.BaseURL():
		m.logger.Warn("stored session was issued by a different homeserver URL",
			"stored", homeserverURL,
			"configured", m.client.BaseURL(),
		)
	}

	session, err := m.client.SessionFromCredentials(messaging.Credentials{
		HomeserverURL: homeserverURL,
		UserID:        userID,
		DeviceID:      deviceID,
		AccessToken:   snapshot.AccessToken,
		RefreshToken:  snapshot.RefreshToken,
	})
	if err != nil {
		return nil, err
	}
	// Registered before WhoAmI so a refresh during validation is saved.
	session.OnRefresh(m.persistRefresh)

	whoami, err := session.WhoAmI(ctx)
	if err != nil {
		session.Close()
		return nil, err
	}
	if whoami != m.userID {
		session.Close()
		return nil, fmt.Errorf("server reports session user %s", whoami)
	}
	m.logger.Info("restored session", "device_id", deviceID.String())
	return session, nil
}

func (m *Manager) freshLogin(ctx context.Context) (*messaging.DirectSession, error) {
	m.transition(StateFreshLogin)
	m.mu.Lock()
	password := m.password
	m.mu.Unlock()

	session, err := m.client.Login(ctx, m.userID, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	session.OnRefresh(m.persistRefresh)

	if err := m.sessions.Save(snapshotFrom(session.Credentials())); err != nil {
		session.Close()
		return nil, fmt.Errorf("lifecycle: persisting new session: %w", err)
	}
	m.logger.Info("logged in", "device_id", session.DeviceID().String())
	return session, nil
}

// persistRefresh saves rotated tokens. Failure is not fatal: the
// in-memory session is still valid, and the next restart falls back to
// refreshing or logging in.
func (m *Manager) persistRefresh(credentials messaging.Credentials) {
	if err := m.sessions.Save(snapshotFrom(credentials)); err != nil {
		m.logger.Error("persisting refreshed session failed", "error", err)
		return
	}
	m.logger.Debug("persisted refreshed session")
}

func snapshotFrom(credentials messaging.Credentials) sessionstore.Snapshot {
	return sessionstore.Snapshot{
		HomeserverURL: credentials.HomeserverURL,
		UserID:        credentials.UserID.String(),
		DeviceID:      credentials.DeviceID.String(),
		AccessToken:   credentials.AccessToken,
		RefreshToken:  credentials.RefreshToken,
	}
}

func (m *Manager) releasePassword() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.password != nil {
		m.password.Close()
		m.password = nil
	}
}

// Close releases the encryption engine, the session and all secret
// material. It does not stop the sync driver; cancel the context passed
// to Sync for that, first.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return nil
	}
	m.state = StateClosed

	var errs []error
	if m.encryption != nil {
		errs = append(errs, m.encryption.Close())
	}
	if m.session != nil {
		errs = append(errs, m.session.Close())
	}
	if m.password != nil {
		errs = append(errs, m.password.Close())
		m.password = nil
	}
	if m.recoverySecret != nil {
		errs = append(errs, m.recoverySecret.Close())
	}
	return errors.Join(errs...)
}
