// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statestore is the bot's local view of the account: the /sync
// resume token, the joined rooms with their name and encryption flag,
// and a bounded cache of recent timeline events per room.
//
// The sync driver is the only writer. Event handlers read concurrently.
// State is persisted as compressed deterministic CBOR by Flush.
package statestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bureau-foundation/egret/lib/atomicfile"
	"github.com/bureau-foundation/egret/lib/codec"
	"github.com/bureau-foundation/egret/lib/ref"
	"github.com/bureau-foundation/egret/messaging"
)

// FileName is the state file inside the state directory.
const FileName = "state.cbor.zst"

// DefaultEventCacheSize bounds the per-room event cache.
const DefaultEventCacheSize = 256

// ErrCorrupt is wrapped by Open when the state file cannot be decoded.
var ErrCorrupt = errors.New("statestore: state file is corrupt")

// RoomInfo is what the store knows about one room.
type RoomInfo struct {
	RoomID    ref.RoomID
	Name      string
	Encrypted bool
	Joined    bool
}

// persistedState is the on-disk schema.
type persistedState struct {
	Version    int                    `cbor:"version"`
	SinceToken string                 `cbor:"since,omitempty"`
	Rooms      map[string]*roomRecord `cbor:"rooms,omitempty"`
}

type roomRecord struct {
	Name      string            `cbor:"name,omitempty"`
	Encrypted bool              `cbor:"encrypted,omitempty"`
	Joined    bool              `cbor:"joined,omitempty"`
	Events    []messaging.Event `cbor:"events,omitempty"`
}

const stateVersion = 1

// Options tune a Store.
type Options struct {
	// Compression for newly written files. Zero selects zstd. Files
	// written with either compression are readable.
	Compression Compression

	// EventCacheSize overrides DefaultEventCacheSize.
	EventCacheSize int
}

// Store is safe for concurrent use.
type Store struct {
	path        string
	compression Compression
	cacheSize   int

	mu    sync.RWMutex
	state persistedState
	dirty bool
}

// Open loads the state file from dir, or starts empty if there is none.
// The directory is created on the first Flush.
func Open(dir string, options Options) (*Store, error) {
	compression, err := ParseCompression(string(options.Compression))
	if err != nil {
		return nil, err
	}
	cacheSize := options.EventCacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultEventCacheSize
	}
	store := &Store{
		path:        filepath.Join(dir, FileName),
		compression: compression,
		cacheSize:   cacheSize,
		state:       persistedState{Version: stateVersion, Rooms: make(map[string]*roomRecord)},
	}

	data, err := os.ReadFile(store.path)
	if errors.Is(err, fs.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: reading %s: %w", store.path, err)
	}

	raw, err := decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, store.path, err)
	}
	var loaded persistedState
	if err := codec.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, store.path, err)
	}
	if loaded.Version != stateVersion {
		return nil, fmt.Errorf("%w: %s has version %d, want %d", ErrCorrupt, store.path, loaded.Version, stateVersion)
	}
	if loaded.Rooms == nil {
		loaded.Rooms = make(map[string]*roomRecord)
	}
	store.state = loaded
	return store, nil
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// SinceToken returns the next_batch token of the last applied sync, or
// "" before the first.
func (s *Store) SinceToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.SinceToken
}

// ApplySync folds a sync response into the state: the since token,
// room membership, room names, encryption flags and the event cache.
func (s *Store) ApplySync(response *messaging.SyncResponse) {
	if response == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for roomID, joined := range response.Rooms.Join {
		record := s.roomLocked(roomID)
		record.Joined = true
		for _, event := range joined.State.Events {
			applyStateEvent(record, event)
		}
		for _, event := range joined.Timeline.Events {
			if event.StateKey != nil {
				applyStateEvent(record, event)
			}
			if event.RoomID.IsZero() {
				event.RoomID = roomID
			}
			record.Events = append(record.Events, event)
		}
		if overflow := len(record.Events) - s.cacheSize; overflow > 0 {
			record.Events = append([]messaging.Event(nil), record.Events[overflow:]...)
		}
	}
	for roomID := range response.Rooms.Leave {
		s.roomLocked(roomID).Joined = false
	}
	if response.NextBatch != "" {
		s.state.SinceToken = response.NextBatch
	}
	s.dirty = true
}

func (s *Store) roomLocked(roomID ref.RoomID) *roomRecord {
	record := s.state.Rooms[roomID.String()]
	if record == nil {
		record = &roomRecord{}
		s.state.Rooms[roomID.String()] = record
	}
	return record
}

func applyStateEvent(record *roomRecord, event messaging.Event) {
	if event.StateKey == nil || *event.StateKey != "" {
		return
	}
	switch event.Type {
	case ref.EventTypeRoomName:
		name, _ := event.Content["name"].(string)
		record.Name = name
	case ref.EventTypeEncryption:
		// Encryption cannot be disabled once enabled.
		if algorithm, _ := event.Content["algorithm"].(string); algorithm != "" {
			record.Encrypted = true
		}
	}
}

// Room returns what is known about a room. The boolean is false if the
// room has never appeared in a sync.
func (s *Store) Room(roomID ref.RoomID) (RoomInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.state.Rooms[roomID.String()]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{RoomID: roomID, Name: record.Name, Encrypted: record.Encrypted, Joined: record.Joined}, true
}

// Rooms returns all known rooms sorted by room ID.
func (s *Store) Rooms() []RoomInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]RoomInfo, 0, len(s.state.Rooms))
	for key, record := range s.state.Rooms {
		roomID, err := ref.ParseRoomID(key)
		if err != nil {
			continue
		}
		rooms = append(rooms, RoomInfo{RoomID: roomID, Name: record.Name, Encrypted: record.Encrypted, Joined: record.Joined})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID.String() < rooms[j].RoomID.String() })
	return rooms
}

// Event returns a cached event. Only recent timeline events are cached.
func (s *Store) Event(roomID ref.RoomID, eventID ref.EventID) (messaging.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.state.Rooms[roomID.String()]
	if !ok {
		return messaging.Event{}, false
	}
	for i := len(record.Events) - 1; i >= 0; i-- {
		if record.Events[i].EventID == eventID {
			return record.Events[i], true
		}
	}
	return messaging.Event{}, false
}

// Flush writes the state file if anything changed since the last
// Flush. The write is atomic.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	raw, err := codec.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("statestore: encoding state: %w", err)
	}
	compressed, err := compress(s.compression, raw)
	if err != nil {
		return fmt.Errorf("statestore: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, compressed, 0o600); err != nil {
		return fmt.Errorf("statestore: %w", err)
	}
	s.dirty = false
	return nil
}
