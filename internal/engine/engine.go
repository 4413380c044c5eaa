// Package engine implements the ProtocolEngine: it decodes client wire
// commands, enforces the room state machine and permission rules, and
// produces the server wire messages and broadcasts those commands cause.
//
// The engine never holds a lock across a suspension point — every call
// into ChartService or the identity client happens with no RoomStore or
// SessionTable lock held, matching the lock order fixed by
// sessiontable: Session → Room → Federation.
package engine

import (
	"context"
	"time"

	"github.com/rhythmsession/server/internal/model"
	"github.com/rhythmsession/server/internal/roomstore"
	"github.com/rhythmsession/server/internal/sessiontable"
	"github.com/rhythmsession/server/internal/wire"
)

// ChartService resolves chart metadata and authoritative play records from
// the external chart/record service.
type ChartService interface {
	FetchChart(ctx context.Context, chartID int32) (model.ChartInfo, error)
	FetchRecord(ctx context.Context, recordID int32) (model.PlayerScore, error)
}

// ConnRegistry is the narrow slice of the transport layer the engine needs
// to fan messages out to connections.
type ConnRegistry interface {
	Send(connID string, frame []byte)
}

// RoomChangeHook is notified whenever a locally-owned room's
// catalog-relevant state changes (membership, lock, cycle, chart,
// lifecycle state), so the WebBridge can coalesce it into its throttled
// room-list broadcast. A nil hook (the default) disables the
// notification entirely.
type RoomChangeHook interface {
	RoomChanged(roomID string)
}

// FederationHook lets a cross-node proxy observe locally-owned room
// changes and take over dispatch for connections that belong to a room
// hosted on another node. A nil hook disables federation entirely, which
// is the default for a standalone node.
type FederationHook interface {
	// BroadcastRoomEvent notifies peers a locally-owned room changed, for
	// catalog sync.
	BroadcastRoomEvent(roomID string)

	// ProxyJoinRequest is consulted when a local JoinRoom names a room id
	// the engine has no local record of. ok=false means the hook has no
	// remote record of roomID either, so the caller should report
	// room-not-found as usual. A true result means the join was handed
	// off to the remote node; any reply reaches the connection later via
	// ConnRegistry, out of band from this call.
	ProxyJoinRequest(ctx context.Context, connID string, user model.User, roomID string) (ok bool, err error)

	// ForwardCommand relays raw to the node currently authoritative for
	// userID's room, if userID is bound to a proxied room. Returns false
	// when userID is not proxied, so the engine should dispatch locally.
	ForwardCommand(ctx context.Context, userID int32, raw []byte) bool

	// ForwardDisconnect notifies the remote authoritative node that the
	// local connection for userID is gone. Returns false when userID was
	// not proxied.
	ForwardDisconnect(ctx context.Context, userID int32) bool
}

// Engine wires SessionTable and RoomStore into the wire-level state
// machine that dispatches client commands to room and session mutations.
type Engine struct {
	sessions *sessiontable.Table
	rooms    *roomstore.Store
	charts   ChartService
	conns    ConnRegistry
	fed      FederationHook
	webHook  RoomChangeHook
}

func New(sessions *sessiontable.Table, rooms *roomstore.Store, charts ChartService, conns ConnRegistry) *Engine {
	return &Engine{sessions: sessions, rooms: rooms, charts: charts, conns: conns}
}

// SetFederationHook wires an optional federation observer in after
// construction, since the federation package itself depends on Engine.
func (e *Engine) SetFederationHook(hook FederationHook) {
	e.fed = hook
}

// SetRoomChangeHook wires an optional WebBridge observer in after
// construction, for the same reason SetFederationHook exists: webbridge
// depends on engine, so engine can't import webbridge back.
func (e *Engine) SetRoomChangeHook(hook RoomChangeHook) {
	e.webHook = hook
}

// CreateFederatedSession registers a virtual connection id as
// authenticated for user, satisfying the federation package's narrow
// view of the engine: federation calls back into the engine through a
// small interface rather than importing it directly, so the two
// packages never form a compile-time cycle.
func (e *Engine) CreateFederatedSession(connID string, user model.User) {
	e.sessions.RegisterFederated(connID, user)
}

// RoomCatalog returns a snapshot of every room, for federation room-sync
// responses.
func (e *Engine) RoomCatalog() []model.Room {
	return e.rooms.VisibleRooms()
}

func (e *Engine) send(connID string, msg wire.ServerMessage) {
	if connID == "" {
		return
	}
	e.conns.Send(connID, wire.EncodeFrame(wire.EncodeServerMessage(msg)))
}

func (e *Engine) sendErr(connID string, reason string) {
	e.send(connID, wire.ServerMessage{Op: wire.OpResult, OK: false, Err: reason})
}

func (e *Engine) sendOK(connID string, payload []byte) {
	e.send(connID, wire.ServerMessage{Op: wire.OpResult, OK: true, Payload: payload})
}

func (e *Engine) broadcast(connIDs []string, except string, msg wire.ServerMessage) {
	frame := wire.EncodeFrame(wire.EncodeServerMessage(msg))
	for _, id := range connIDs {
		if id == except || id == "" {
			continue
		}
		e.conns.Send(id, frame)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// HandleFrame decodes and dispatches one client command received on connID.
func (e *Engine) HandleFrame(ctx context.Context, connID string, raw []byte) {
	cmd, err := wire.DecodeClientCommand(raw)
	if err != nil {
		e.sendErr(connID, "malformed-frame")
		return
	}
	if cmd.IsUnknown() {
		return
	}
	e.dispatch(ctx, connID, cmd, raw)
}

// HandleDisconnect releases connID's session and, if it held room
// membership, removes it from the room and broadcasts the departure.
// Transport calls this for every connection teardown that is not itself
// the result of an Authenticate-triggered migration.
func (e *Engine) HandleDisconnect(ctx context.Context, connID string) {
	userID, had := e.sessions.HandleClose(connID)
	if !had {
		return
	}
	if e.fed != nil && e.fed.ForwardDisconnect(ctx, userID) {
		return
	}
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		return
	}

	if room, ok := e.rooms.Snapshot(roomID); ok && room.State.Kind == model.StatePlaying {
		e.abortMidGame(roomID, userID)
	}

	res, err := e.rooms.LeaveRoom(roomID, userID)
	if err != nil {
		return
	}
	e.notifyFederation(roomID)
	if res.RoomDeleted {
		return
	}
	e.broadcastDeparture(roomID, userID, res)
}

// abortMidGame treats a disconnect during Playing as the departing player
// submitting a zero score, so the game-end gate (and its ranking/ownership
// side effects) runs exactly as it would for a voluntary Played/GameResult
// submission.
func (e *Engine) abortMidGame(roomID string, userID int32) {
	score := model.PlayerScore{}
	out, err := e.rooms.SubmitResult(roomID, userID, score)
	if err != nil {
		return
	}
	e.broadcastSubmitOutcome(roomID, userID, score, out)
}

func (e *Engine) broadcastDeparture(roomID string, userID int32, res roomstore.LeaveResult) {
	conns, err := e.rooms.Connections(roomID)
	if err != nil {
		return
	}
	name := ""
	if p, ok := res.RemainingRoom.Players[userID]; ok {
		name = p.User.Name
	}
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgLeaveRoom, SubjectUserID: userID, SubjectName: name})
	if res.OwnerChanged {
		e.broadcastOwnerChange(roomID, conns, res.NewOwnerID)
	}
}

func (e *Engine) broadcastOwnerChange(roomID string, conns []string, newOwnerID int32) {
	newOwnerConn, _ := e.sessions.ConnectionForUser(newOwnerID)
	name := ""
	if room, ok := e.rooms.Snapshot(roomID); ok {
		if p, ok := room.Players[newOwnerID]; ok {
			name = p.User.Name
		}
	}
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgNewHost, SubjectUserID: newOwnerID, SubjectName: name})
	e.send(newOwnerConn, wire.ServerMessage{Op: wire.OpChangeHost, NewOwnerID: newOwnerID, IsNewOwner: true})
}

// notifyFederation tells both optional observers — the federation peer
// mesh and the WebBridge catalog broadcaster — that roomID's
// catalog-relevant state changed.
func (e *Engine) notifyFederation(roomID string) {
	if e.fed != nil {
		e.fed.BroadcastRoomEvent(roomID)
	}
	if e.webHook != nil {
		e.webHook.RoomChanged(roomID)
	}
}

func (e *Engine) sendRoomSnapshot(connID string, r model.Room) {
	e.send(connID, wire.ServerMessage{Op: wire.OpOnJoinRoom, RoomSnapshot: wire.EncodeRoomSnapshot(r)})
}
