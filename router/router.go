// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package router turns inbound room events into bot behavior.
//
// A [Dispatcher] delivers each room's timeline events in order on that
// room's own goroutine. A [Router] classifies each event (see
// [Classify]) and handles it: commands get a reply, replies are
// resolved and logged, images are downloaded into the media directory.
// With a [Crypto] configured, encrypted events are decrypted before
// classification and replies to encrypted rooms are encrypted.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/bureau-foundation/egret/lib/clock"
	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/lib/statestore"
	"github.com/bureau-foundation/egret/messaging"
)

var (
	// ErrRoomNotFound means the local state has no record of the room.
	ErrRoomNotFound = errors.New("router: room not found in local state")

	// ErrEncryptedRoom means a reply was withheld because the room is
	// encrypted and no Crypto is configured.
	ErrEncryptedRoom = errors.New("router: refusing to send plaintext to an encrypted room")
)

// Session is the protocol surface handlers use.
// *messaging.DirectSession implements it.
type Session interface {
	UserID() ref.UserID
	GetEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (*messaging.Event, error)
	SendMessage(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) (ref.EventID, error)
	SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error)
	DownloadMedia(ctx context.Context, mxc string, w io.Writer) (messaging.DownloadResult, error)
}

// Crypto decrypts inbound and encrypts outbound room content.
// *e2ee.Machine implements it.
type Crypto interface {
	Decrypt(ctx context.Context, encrypted messaging.Event) (messaging.Event, error)
	Encrypt(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (json.RawMessage, error)
	DecryptAttachment(file messaging.EncryptedFile, data []byte) error
}

// StateStore is the read side of the local state.
// *statestore.Store implements it.
type StateStore interface {
	Room(roomID ref.RoomID) (statestore.RoomInfo, bool)
	Event(roomID ref.RoomID, eventID ref.EventID) (messaging.Event, bool)
}

// Room is a room the bot is configured to watch.
type Room struct {
	ID   ref.RoomID
	Name string
}

// Config configures a Router. Session and State are required.
type Config struct {
	Session Session
	State   StateStore

	// CommandPrefix marks command messages. Required.
	CommandPrefix string

	// MediaDir receives downloaded images. Required.
	MediaDir string

	// Crypto is optional. Without it encrypted events are ignored and
	// commands in encrypted rooms fail with ErrEncryptedRoom.
	Crypto Crypto

	Clock  clock.Clock
	Logger *slog.Logger
}

// Router handles classified events for the rooms it is installed on.
type Router struct {
	session  Session
	state    StateStore
	crypto   Crypto
	prefix   string
	mediaDir string
	clock    clock.Clock
	logger   *slog.Logger

	// rooms is set once by Install.
	rooms []Room
}

// New validates config.
func New(config Config) (*Router, error) {
	switch {
	case config.Session == nil:
		return nil, errors.New("router: Session is required")
	case config.State == nil:
		return nil, errors.New("router: State is required")
	case config.CommandPrefix == "":
		return nil, errors.New("router: CommandPrefix is required")
	case config.MediaDir == "":
		return nil, errors.New("router: MediaDir is required")
	}
	router := &Router{
		session:  config.Session,
		state:    config.State,
		crypto:   config.Crypto,
		prefix:   config.CommandPrefix,
		mediaDir: config.MediaDir,
		clock:    config.Clock,
		logger:   config.Logger,
	}
	if router.clock == nil {
		router.clock = clock.Real()
	}
	if router.logger == nil {
		router.logger = slog.Default()
	}
	return router, nil
}

// Install registers one handler per room with dispatcher. Call it once,
// before syncing starts, on a dispatcher told to [Dispatcher.SkipFirst]
// so the backlog in the first sync is not handled.
func (r *Router) Install(dispatcher *Dispatcher, rooms []Room) error {
	if r.rooms != nil {
		return errors.New("router: already installed")
	}
	r.rooms = append([]Room(nil), rooms...)
	for _, room := range r.rooms {
		err := dispatcher.AddRoomHandler(room.ID, func(ctx context.Context, event messaging.Event) error {
			return r.HandleEvent(ctx, room, event)
		})
		if err != nil {
			return fmt.Errorf("router: installing handler for %s: %w", room.ID, err)
		}
		r.logger.Info("watching room", "room_id", room.ID.String(), "room_name", room.Name)
	}
	return nil
}

// HandleEvent classifies event and runs the matching handler.
func (r *Router) HandleEvent(ctx context.Context, room Room, event messaging.Event) error {
	if event.RoomID.IsZero() {
		event.RoomID = room.ID
	}
	if event.Type == ref.EventTypeEncrypted && r.crypto != nil {
		decrypted, err := r.crypto.Decrypt(ctx, event)
		if err != nil {
			return fmt.Errorf("decrypting %s: %w", event.EventID, err)
		}
		event = decrypted
	}
	message := Classify(event, r.session.UserID(), r.prefix)
	switch message.Kind {
	case KindReply:
		return r.handleReply(ctx, room, message)
	case KindCommand:
		return r.handleCommand(ctx, room, message)
	case KindText:
		r.logger.Info("received message",
			"room_id", room.ID.String(),
			"room_name", room.Name,
			"event_id", event.EventID.String(),
			"sender", event.Sender.String(),
			"body", message.Content.Body,
		)
		return nil
	case KindImage:
		return r.handleImage(ctx, room, message)
	default:
		r.logger.Debug("ignoring event",
			"room_id", room.ID.String(),
			"event_id", event.EventID.String(),
			"reason", message.Reason,
		)
		return nil
	}
}

// handleReply resolves the event being replied to, from the local cache
// or the server, and logs both sides.
func (r *Router) handleReply(ctx context.Context, room Room, message Message) error {
	event := message.Event
	targetID := message.Content.ReplyTarget()

	target, ok := r.state.Event(room.ID, targetID)
	if !ok {
		fetched, err := r.session.GetEvent(ctx, room.ID, targetID)
		if err != nil {
			return fmt.Errorf("resolving reply target %s: %w", targetID, err)
		}
		target = *fetched
	}
	if target.Type == ref.EventTypeEncrypted && r.crypto != nil {
		if decrypted, err := r.crypto.Decrypt(ctx, target); err == nil {
			target = decrypted
		} else {
			r.logger.Debug("reply target stays encrypted",
				"room_id", room.ID.String(),
				"event_id", targetID.String(),
				"error", err,
			)
		}
	}

	var targetBody string
	if target.Type == ref.EventTypeMessage {
		if content, err := messaging.ParseMessageContent(target); err == nil {
			targetBody = content.Body
		}
	}
	r.logger.Info("received reply",
		"room_id", room.ID.String(),
		"room_name", room.Name,
		"event_id", event.EventID.String(),
		"sender", event.Sender.String(),
		"body", message.Content.Body,
		"in_reply_to", targetID.String(),
		"original_sender", target.Sender.String(),
		"original_body", targetBody,
	)
	return nil
}

func (r *Router) handleCommand(ctx context.Context, room Room, message Message) error {
	event := message.Event
	r.logger.Info("received command",
		"room_id", room.ID.String(),
		"room_name", room.Name,
		"event_id", event.EventID.String(),
		"sender", event.Sender.String(),
		"command", message.Command,
	)

	info, ok := r.state.Room(room.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, room.ID)
	}
	if info.Encrypted && r.crypto == nil {
		return fmt.Errorf("%w: %s", ErrEncryptedRoom, room.ID)
	}

	content, err := renderReply(r.commandResponse(message), event)
	if err != nil {
		return err
	}
	responseID, err := r.send(ctx, room.ID, info.Encrypted, content)
	if err != nil {
		return fmt.Errorf("sending reply to %s: %w", event.EventID, err)
	}
	r.logger.Info("response sent",
		"room_id", room.ID.String(),
		"event_id", event.EventID.String(),
		"response_event_id", responseID.String(),
		"encrypted", info.Encrypted,
	)
	return nil
}

func (r *Router) send(ctx context.Context, roomID ref.RoomID, encrypted bool, content messaging.MessageContent) (ref.EventID, error) {
	if !encrypted {
		return r.session.SendMessage(ctx, roomID, content)
	}
	sealed, err := r.crypto.Encrypt(ctx, roomID, ref.EventTypeMessage, content)
	if err != nil {
		return ref.EventID{}, err
	}
	return r.session.SendEvent(ctx, roomID, ref.EventTypeEncrypted, sealed)
}

func (r *Router) handleImage(ctx context.Context, room Room, message Message) error {
	event := message.Event
	source, err := imageSourceOf(message.Content)
	if err != nil {
		r.logger.Warn("skipping image",
			"room_id", room.ID.String(),
			"event_id", event.EventID.String(),
			"error", err,
		)
		return nil
	}
	if _, ok := r.state.Room(room.ID); !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, room.ID)
	}

	timestamp := r.clock.Now()
	if event.OriginServerTS > 0 {
		timestamp = timeFromMillis(event.OriginServerTS)
	}
	name := ArtifactName(event, timestamp, source.FileName, source.MimeType)
	saved, err := r.download(ctx, name, source)
	if err != nil {
		return fmt.Errorf("saving image %s: %w", event.EventID, err)
	}
	r.logger.Info("saved image",
		"room_id", room.ID.String(),
		"event_id", event.EventID.String(),
		"sender", event.Sender.String(),
		"path", saved.Path,
		"size", saved.Size,
		"blake3", saved.Digest,
		"content_type", saved.ContentType,
		"file_name", filepath.Base(source.FileName),
		"encrypted", source.File != nil,
	)
	return nil
}
