// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2ee is the bot's end-to-end encryption engine.
//
// A [Machine] binds the mautrix Olm/Megolm machine to a messaging
// session. Its state (the device's Olm account, inbound and outbound
// group sessions, tracked devices, room membership) lives in a SQLite
// database under the crypto directory, so a restored session keeps its
// device identity. [Machine.Recover] unlocks secret storage with the
// account's recovery key and restores the server-side key backup;
// [Machine.HandleSync] feeds each /sync response in so room keys are
// known before the router asks for them.
package e2ee

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/sqlstatestore"

	// Registers the pure-Go "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/bureau-foundation/egret/lib/atomicfile"
	"github.com/bureau-foundation/egret/lib/logging"
	"github.com/bureau-foundation/egret/messaging"
)

const (
	databaseFile  = "crypto.db"
	pickleKeyFile = "pickle.key"
	pickleKeySize = 32
)

// Session is the part of *messaging.DirectSession the machine uses.
// Requests made by the crypto client are authorized with the session's
// current token, so refreshes are picked up without copying tokens.
type Session interface {
	Credentials() messaging.Credentials
	AuthorizeRequest(req *http.Request) error
}

// Config configures Open. Session and Dir are required.
type Config struct {
	Session Session

	// Dir holds the crypto database and the key that pickles the Olm
	// state inside it. Created with mode 0700 if missing.
	Dir string

	// HTTPClient supplies the transport. If nil, http.DefaultClient.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Machine is the encryption engine bound to one device. All methods
// are safe for concurrent use.
type Machine struct {
	client *mautrix.Client
	helper *cryptohelper.CryptoHelper
	rawDB  *sql.DB
	logger *slog.Logger

	mu            sync.Mutex
	previousBatch string
	// membersLoaded records rooms whose full member list has been
	// fetched this run, so outbound sessions reach every device.
	membersLoaded map[id.RoomID]bool
}

// Open loads (or creates) the device's crypto state and publishes its
// device keys if the server does not have them yet.
func Open(ctx context.Context, config Config) (*Machine, error) {
	if config.Session == nil {
		return nil, errors.New("e2ee: Session is required")
	}
	if config.Dir == "" {
		return nil, errors.New("e2ee: Dir is required")
	}
	credentials := config.Session.Credentials()
	if credentials.UserID.IsZero() || credentials.DeviceID.IsZero() {
		return nil, errors.New("e2ee: session has no device ID")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "e2ee", "device_id", credentials.DeviceID.String())

	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("e2ee: creating %s: %w", config.Dir, err)
	}
	pickleKey, err := loadPickleKey(filepath.Join(config.Dir, pickleKeyFile))
	if err != nil {
		return nil, err
	}
	rawDB, db, err := openDatabase(filepath.Join(config.Dir, databaseFile))
	if err != nil {
		return nil, err
	}
	machine := &Machine{
		rawDB:         rawDB,
		logger:        logger,
		membersLoaded: make(map[id.RoomID]bool),
	}
	if err := machine.init(ctx, config, credentials, db, pickleKey); err != nil {
		rawDB.Close()
		return nil, err
	}
	logger.Info("encryption engine ready")
	return machine, nil
}

func (m *Machine) init(ctx context.Context, config Config, credentials messaging.Credentials, db *dbutil.Database, pickleKey []byte) error {
	userID := id.UserID(credentials.UserID.String())
	deviceID := id.DeviceID(credentials.DeviceID.String())

	client, err := mautrix.NewClient(credentials.HomeserverURL, userID, credentials.AccessToken)
	if err != nil {
		return fmt.Errorf("e2ee: creating protocol client: %w", err)
	}
	client.DeviceID = deviceID
	client.Log = logging.Zerolog(m.logger)
	base := http.DefaultClient
	if config.HTTPClient != nil {
		base = config.HTTPClient
	}
	client.Client = &http.Client{
		Transport: &sessionTransport{session: config.Session, base: transportOf(base)},
		Timeout:   base.Timeout,
	}
	m.client = client

	stateStore := sqlstatestore.NewSQLStateStore(db, dbutil.ZeroLogger(client.Log.With().Str("db_section", "state").Logger()), false)
	if err := stateStore.Upgrade(ctx); err != nil {
		return fmt.Errorf("e2ee: upgrading state store: %w", err)
	}
	client.StateStore = stateStore

	// One database can hold several devices' accounts; keying the
	// account by device keeps a fresh login from colliding with the
	// Olm account of the device it replaced.
	accountID := userID.String() + "/" + deviceID.String()
	cryptoStore := crypto.NewSQLCryptoStore(db, dbutil.ZeroLogger(client.Log.With().Str("db_section", "crypto").Logger()), accountID, deviceID, pickleKey)
	if err := cryptoStore.DB.Upgrade(ctx); err != nil {
		return fmt.Errorf("e2ee: upgrading crypto store: %w", err)
	}

	helper, err := cryptohelper.NewCryptoHelper(client, pickleKey, cryptoStore)
	if err != nil {
		return fmt.Errorf("e2ee: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return fmt.Errorf("e2ee: initializing olm machine: %w", err)
	}
	client.Crypto = helper
	m.helper = helper
	return nil
}

// Close releases the crypto database. The session is not closed.
func (m *Machine) Close() error {
	var errs []error
	if m.helper != nil {
		errs = append(errs, m.helper.Close())
	}
	errs = append(errs, m.rawDB.Close())
	return errors.Join(errs...)
}

// openDatabase opens the crypto database through the pure-Go driver
// and wraps it for mautrix's schema migrations.
func openDatabase(path string) (*sql.DB, *dbutil.Database, error) {
	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	rawDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("e2ee: opening %s: %w", path, err)
	}
	db, err := dbutil.NewWithDB(rawDB, "sqlite3")
	if err != nil {
		rawDB.Close()
		return nil, nil, fmt.Errorf("e2ee: wrapping %s: %w", path, err)
	}
	return rawDB, db, nil
}

// loadPickleKey reads the key that encrypts Olm state at rest,
// generating it on first use.
func loadPickleKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		key = make([]byte, pickleKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("e2ee: generating pickle key: %w", err)
		}
		if err := atomicfile.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("e2ee: writing pickle key: %w", err)
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("e2ee: reading pickle key: %w", err)
	}
	if len(key) != pickleKeySize {
		return nil, fmt.Errorf("e2ee: pickle key %s is %d bytes, want %d", path, len(key), pickleKeySize)
	}
	return key, nil
}

// sessionTransport authorizes each request with the session's current
// access token.
type sessionTransport struct {
	session Session
	base    http.RoundTripper
}

func (t *sessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	authorized := req.Clone(req.Context())
	if err := t.session.AuthorizeRequest(authorized); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}
	return t.base.RoundTrip(authorized)
}

func transportOf(client *http.Client) http.RoundTripper {
	if client.Transport != nil {
		return client.Transport
	}
	return http.DefaultTransport
}
