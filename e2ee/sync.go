// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bureau-foundation/egret/messaging"
)

// HandleSync applies one /sync response to the crypto state: room
// membership and encryption settings go to the state store, then
// to-device messages (room keys), device list changes and one-time
// key counts go to the Olm machine. Call it for every response, in
// order, before the response's timeline is dispatched.
func (m *Machine) HandleSync(ctx context.Context, response *messaging.SyncResponse) {
	if response == nil {
		return
	}
	raw := response.Raw
	if len(raw) == 0 {
		encoded, err := json.Marshal(response)
		if err != nil {
			m.logger.Error("encoding sync response for crypto", "error", err)
			return
		}
		raw = encoded
	}
	var protocolSync mautrix.RespSync
	if err := json.Unmarshal(raw, &protocolSync); err != nil {
		m.logger.Error("decoding sync response for crypto", "error", err)
		return
	}

	for roomID, room := range protocolSync.Rooms.Join {
		if room == nil {
			continue
		}
		m.applyState(ctx, roomID, room.State.Events)
		m.applyState(ctx, roomID, room.Timeline.Events)
	}
	for roomID, room := range protocolSync.Rooms.Leave {
		if room == nil {
			continue
		}
		m.applyState(ctx, roomID, room.State.Events)
		m.applyState(ctx, roomID, room.Timeline.Events)
	}

	m.mu.Lock()
	since := m.previousBatch
	m.previousBatch = response.NextBatch
	m.mu.Unlock()
	m.helper.Machine().ProcessSyncResponse(ctx, &protocolSync, since)
}

// applyState records the state events among events. Content types the
// state store does not understand are skipped.
func (m *Machine) applyState(ctx context.Context, roomID id.RoomID, events []*event.Event) {
	for _, evt := range events {
		if evt == nil || evt.StateKey == nil {
			continue
		}
		evt.RoomID = roomID
		evt.Type.Class = event.StateEventType
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			continue
		}
		mautrix.UpdateStateStore(ctx, m.client.StateStore, evt)
		if evt.Type == event.StateMember {
			m.helper.Machine().HandleMemberEvent(ctx, evt)
		}
	}
}
