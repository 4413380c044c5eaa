package engine

import (
	"github.com/rhythmsession/server/internal/model"
	"github.com/rhythmsession/server/internal/roomstore"
	"github.com/rhythmsession/server/internal/wire"
)

// AdminHandle exposes room-admin capabilities as a direct Go API, reusing
// the same broadcast side effects HandleDisconnect and dispatch already
// produce so a privileged caller (the WebBridge admin HTTP surface, or any
// future console tooling) never has to duplicate that logic.
type AdminHandle struct {
	e *Engine
}

// Admin returns e's admin capability handle.
func (e *Engine) Admin() AdminHandle {
	return AdminHandle{e: e}
}

// KickPlayer removes targetID from roomID exactly like a voluntary leave,
// broadcasting the departure and any resulting ownership change to the
// room's remaining members.
func (a AdminHandle) KickPlayer(roomID string, targetID int32) error {
	res, err := a.e.rooms.Kick(roomID, targetID)
	if err != nil {
		return err
	}
	a.e.notifyFederation(roomID)
	if res.RoomDeleted {
		return nil
	}
	a.e.broadcastDeparture(roomID, targetID, res)
	return nil
}

// CloseRoom forcibly deletes roomID, notifying every member it was closed.
func (a AdminHandle) CloseRoom(roomID string) error {
	conns, err := a.e.rooms.CloseRoom(roomID)
	if err != nil {
		return err
	}
	a.e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgCancelGame})
	a.e.notifyFederation(roomID)
	return nil
}

// SetMaxPlayers changes roomID's player cap. The owner-only check in
// roomstore is satisfied by the admin call acting with the room's current
// owner's authority rather than bypassing it.
func (a AdminHandle) SetMaxPlayers(roomID string, max int) (model.Room, error) {
	room, ok := a.e.rooms.Snapshot(roomID)
	if !ok {
		return model.Room{}, roomstore.ErrRoomNotFound
	}
	room, err := a.e.rooms.SetMaxPlayers(roomID, room.OwnerID, max)
	if err != nil {
		return model.Room{}, err
	}
	a.e.notifyFederation(roomID)
	return room, nil
}

// SetWhitelist and SetBlacklist replace roomID's membership-gating sets,
// acting with the room's current owner's authority.
func (a AdminHandle) SetWhitelist(roomID string, ids []int32) (model.Room, error) {
	room, ok := a.e.rooms.Snapshot(roomID)
	if !ok {
		return model.Room{}, roomstore.ErrRoomNotFound
	}
	return a.e.rooms.SetWhitelist(roomID, room.OwnerID, ids)
}

func (a AdminHandle) SetBlacklist(roomID string, ids []int32) (model.Room, error) {
	room, ok := a.e.rooms.Snapshot(roomID)
	if !ok {
		return model.Room{}, roomstore.ErrRoomNotFound
	}
	return a.e.rooms.SetBlacklist(roomID, room.OwnerID, ids)
}

// RoomIDForUser reports the room targetID currently belongs to, if any —
// used by the ban endpoints to evict a freshly banned user immediately.
func (a AdminHandle) RoomIDForUser(targetID int32) (string, bool) {
	return a.e.rooms.RoomIDForUser(targetID)
}

// ToggleLock acts with roomID's current owner's authority, so an admin can
// lock or unlock a room without first discovering who owns it.
func (a AdminHandle) ToggleLock(roomID string, locked bool) (model.Room, error) {
	room, ok := a.e.rooms.Snapshot(roomID)
	if !ok {
		return model.Room{}, roomstore.ErrRoomNotFound
	}
	room, err := a.e.rooms.ToggleLock(roomID, room.OwnerID, locked)
	if err != nil {
		return model.Room{}, err
	}
	conns, _ := a.e.rooms.Connections(roomID)
	a.e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgLockRoom, BoolFlag: locked})
	a.e.notifyFederation(roomID)
	return room, nil
}

// ToggleMode flips roomID's cycle-host rotation, acting with the room's
// current owner's authority.
func (a AdminHandle) ToggleMode(roomID string, cycle bool) (model.Room, error) {
	room, ok := a.e.rooms.Snapshot(roomID)
	if !ok {
		return model.Room{}, roomstore.ErrRoomNotFound
	}
	room, err := a.e.rooms.ToggleCycle(roomID, room.OwnerID, cycle)
	if err != nil {
		return model.Room{}, err
	}
	conns, _ := a.e.rooms.Connections(roomID)
	a.e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgCycleRoom, BoolFlag: cycle})
	a.e.notifyFederation(roomID)
	return room, nil
}

// ForceStart starts roomID immediately, bypassing the solo-confirm-pending
// gate a lone player would otherwise have to acknowledge twice.
func (a AdminHandle) ForceStart(roomID string) (model.Room, error) {
	room, ok := a.e.rooms.Snapshot(roomID)
	if !ok {
		return model.Room{}, roomstore.ErrRoomNotFound
	}
	result, err := a.e.rooms.RequestStart(roomID, room.OwnerID)
	if err != nil {
		return model.Room{}, err
	}
	if result.NeedsConfirm {
		result, err = a.e.rooms.RequestStart(roomID, room.OwnerID)
		if err != nil {
			return model.Room{}, err
		}
	}
	conns, _ := a.e.rooms.Connections(roomID)
	a.e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgGameStart, SubjectUserID: room.OwnerID})
	a.e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpChangeState, State: result.Room.State})
	a.e.notifyFederation(roomID)
	return result.Room, nil
}

// SendServerMessage posts content into roomID's chat history as a system
// message from the bot user, exactly like a player chat message except for
// the sender identity.
func (a AdminHandle) SendServerMessage(roomID, content string) error {
	msg := model.ChatMessage{SenderID: model.BotUserID, Name: "server", Content: content, Timestamp: nowMillis()}
	conns, err := a.e.rooms.AppendChat(roomID, msg)
	if err != nil {
		return err
	}
	a.e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgChat, Chat: msg})
	return nil
}
