package engine

import (
	"context"

	"github.com/rhythmsession/server/internal/model"
	"github.com/rhythmsession/server/internal/roomstore"
	"github.com/rhythmsession/server/internal/wire"
)

func (e *Engine) dispatch(ctx context.Context, connID string, cmd wire.ClientCommand, raw []byte) {
	if cmd.Op == wire.OpPing {
		e.send(connID, wire.ServerMessage{Op: wire.OpPong, Timestamp: nowMillis()})
		return
	}
	if cmd.Op == wire.OpAuthenticate {
		e.handleAuthenticate(ctx, connID, cmd.Token)
		return
	}

	sess, ok := e.sessions.Session(connID)
	if !ok {
		e.sendErr(connID, "unauthenticated")
		return
	}
	userID := sess.UserID

	if e.fed != nil && cmd.Op != wire.OpJoinRoom && e.fed.ForwardCommand(ctx, userID, raw) {
		return
	}

	switch cmd.Op {
	case wire.OpCreateRoom:
		e.handleCreateRoom(connID, sess.UserInfo, cmd.RoomID)
	case wire.OpJoinRoom:
		e.handleJoinRoom(ctx, connID, sess.UserInfo, cmd.RoomID, cmd.Monitor)
	case wire.OpLeaveRoom:
		e.handleLeaveRoom(connID, userID)
	case wire.OpChat:
		e.handleChat(userID, sess.UserInfo.Name, cmd.Chat)
	case wire.OpLockRoom:
		e.handleToggleLock(connID, userID, cmd.Lock)
	case wire.OpCycleRoom:
		e.handleToggleCycle(connID, userID, cmd.Cycle)
	case wire.OpSelectChart:
		e.handleSelectChart(ctx, connID, userID, cmd.ChartID)
	case wire.OpRequestStart:
		e.handleRequestStart(connID, userID)
	case wire.OpReady:
		e.handleReady(connID, userID)
	case wire.OpCancelReady:
		e.handleCancelReady(connID, userID)
	case wire.OpPlayed:
		e.handlePlayed(ctx, connID, userID, cmd.RecordID)
	case wire.OpGameResult:
		e.handleGameResult(connID, userID, scoreFromCommand(cmd))
	case wire.OpAbort:
		e.handleAbort(connID, userID)
	case wire.OpTouches, wire.OpJudges:
		// Opaque monitor telemetry; no authoritative effect yet.
	default:
		e.sendErr(connID, "unsupported-command")
	}
}

func scoreFromCommand(cmd wire.ClientCommand) model.PlayerScore {
	return model.PlayerScore{
		Score:    cmd.Score,
		Accuracy: cmd.Accuracy,
		Perfect:  cmd.Perfect,
		Good:     cmd.Good,
		Bad:      cmd.Bad,
		Miss:     cmd.Miss,
		MaxCombo: cmd.MaxCombo,
	}
}

func (e *Engine) handleAuthenticate(ctx context.Context, connID, token string) {
	result, err := e.sessions.Authenticate(ctx, connID, token)
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	e.sendOK(connID, nil)

	if result.MigratedRoom != "" {
		if room, ok := e.rooms.Snapshot(result.MigratedRoom); ok {
			e.sendRoomSnapshot(connID, room)
		}
		return
	}
	if roomID, inRoom := e.rooms.RoomIDForUser(result.User.ID); inRoom {
		if room, ok := e.rooms.Snapshot(roomID); ok {
			e.sendRoomSnapshot(connID, room)
		}
	}
}

func (e *Engine) handleCreateRoom(connID string, user model.User, roomID string) {
	room, err := e.rooms.CreateRoom(roomID, user, connID)
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	e.sendOK(connID, nil)
	e.sendRoomSnapshot(connID, room)
	e.notifyFederation(roomID)
}

func (e *Engine) handleJoinRoom(ctx context.Context, connID string, user model.User, roomID string, monitor bool) {
	room, err := e.rooms.JoinRoom(roomID, user, connID, monitor)
	if err == roomstore.ErrRoomNotFound && e.fed != nil {
		if proxied, ferr := e.fed.ProxyJoinRequest(ctx, connID, user, roomID); proxied {
			return
		} else if ferr != nil {
			e.sendErr(connID, ferr.Error())
			return
		}
	}
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	e.sendOK(connID, nil)
	e.sendRoomSnapshot(connID, room)

	conns, _ := e.rooms.Connections(roomID)
	e.broadcast(conns, connID, wire.ServerMessage{Op: wire.OpMsgJoinRoom, SubjectUserID: user.ID, SubjectName: user.Name})
	e.notifyFederation(roomID)
}

func (e *Engine) handleLeaveRoom(connID string, userID int32) {
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		e.sendErr(connID, roomstore.ErrNotInRoom.Error())
		return
	}
	res, err := e.rooms.LeaveRoom(roomID, userID)
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	e.sendOK(connID, nil)
	e.notifyFederation(roomID)
	if res.RoomDeleted {
		return
	}
	e.broadcastDeparture(roomID, userID, res)
}

func (e *Engine) handleChat(userID int32, name, content string) {
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		return
	}
	msg := model.ChatMessage{SenderID: userID, Name: name, Content: content, Timestamp: nowMillis()}
	conns, err := e.rooms.AppendChat(roomID, msg)
	if err != nil {
		return
	}
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgChat, Chat: msg})
}

func (e *Engine) handleToggleLock(connID string, userID int32, locked bool) {
	e.withRoom(connID, userID, func(roomID string) (model.Room, error) {
		return e.rooms.ToggleLock(roomID, userID, locked)
	}, func(roomID string, conns []string) {
		e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgLockRoom, BoolFlag: locked})
	})
}

func (e *Engine) handleToggleCycle(connID string, userID int32, cycle bool) {
	e.withRoom(connID, userID, func(roomID string) (model.Room, error) {
		return e.rooms.ToggleCycle(roomID, userID, cycle)
	}, func(roomID string, conns []string) {
		e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgCycleRoom, BoolFlag: cycle})
	})
}

func (e *Engine) handleSelectChart(ctx context.Context, connID string, userID, chartID int32) {
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		e.sendErr(connID, roomstore.ErrNotInRoom.Error())
		return
	}
	chart, err := e.charts.FetchChart(ctx, chartID)
	if err != nil {
		e.sendErr(connID, "chart-unavailable")
		return
	}
	_, err = e.rooms.SelectChart(roomID, userID, chart)
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	e.sendOK(connID, nil)
	conns, _ := e.rooms.Connections(roomID)
	id := chartID
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgSelectChart, ChartID: &id})
	e.notifyFederation(roomID)
}

func (e *Engine) handleRequestStart(connID string, userID int32) {
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		e.sendErr(connID, roomstore.ErrNotInRoom.Error())
		return
	}
	result, err := e.rooms.RequestStart(roomID, userID)
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	if result.NeedsConfirm {
		e.sendOK(connID, []byte{1})
		e.Admin().SendServerMessage(roomID, "Send Start again to begin a solo game.")
		return
	}
	e.sendOK(connID, nil)
	conns, _ := e.rooms.Connections(roomID)
	op := wire.OpMsgGameStart
	if result.Room.State.Kind == model.StatePlaying {
		op = wire.OpMsgStartPlaying
	}
	e.broadcast(conns, "", wire.ServerMessage{Op: op, SubjectUserID: userID})
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpChangeState, State: result.Room.State})
	e.notifyFederation(roomID)
}

func (e *Engine) handleReady(connID string, userID int32) {
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		e.sendErr(connID, roomstore.ErrNotInRoom.Error())
		return
	}
	allReady, _, err := e.rooms.Ready(roomID, userID)
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	e.sendOK(connID, nil)
	conns, _ := e.rooms.Connections(roomID)
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgReady, SubjectUserID: userID})

	if !allReady {
		return
	}
	room, err := e.rooms.StartPlaying(roomID)
	if err != nil {
		return
	}
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgStartPlaying, SubjectUserID: userID})
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpChangeState, State: room.State})
	e.notifyFederation(roomID)
}

func (e *Engine) handleCancelReady(connID string, userID int32) {
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		e.sendErr(connID, roomstore.ErrNotInRoom.Error())
		return
	}
	result, err := e.rooms.CancelReady(roomID, userID)
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	e.sendOK(connID, nil)
	conns, _ := e.rooms.Connections(roomID)
	if result.OwnerCanceled {
		e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgCancelGame, SubjectUserID: userID})
		e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpChangeState, State: result.Room.State})
	} else {
		e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgCancelReady, SubjectUserID: userID})
	}
	e.notifyFederation(roomID)
}

func (e *Engine) handlePlayed(ctx context.Context, connID string, userID, recordID int32) {
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		e.sendErr(connID, roomstore.ErrNotInRoom.Error())
		return
	}
	score, err := e.charts.FetchRecord(ctx, recordID)
	if err != nil {
		e.sendErr(connID, "record-unavailable")
		return
	}
	e.finishGame(connID, roomID, userID, score)
}

func (e *Engine) handleGameResult(connID string, userID int32, score model.PlayerScore) {
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		e.sendErr(connID, roomstore.ErrNotInRoom.Error())
		return
	}
	e.finishGame(connID, roomID, userID, score)
}

func (e *Engine) finishGame(connID, roomID string, userID int32, score model.PlayerScore) {
	out, err := e.rooms.SubmitResult(roomID, userID, score)
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	e.sendOK(connID, nil)
	e.broadcastSubmitOutcome(roomID, userID, score, out)
}

// broadcastSubmitOutcome announces a SubmitResult outcome to the room: the
// submitter's Played message always, and, when it closed the game out, the
// GameEnd ranking, any ownership rotation, and then the resulting ChangeState.
// Shared by a player's own GameResult/Played submission and the mid-game
// disconnect path, which submits a zero score on the departing player's
// behalf (scenario: a game in progress with one player still unfinished).
func (e *Engine) broadcastSubmitOutcome(roomID string, userID int32, score model.PlayerScore, out roomstore.SubmitResultOutcome) {
	conns, _ := e.rooms.Connections(roomID)
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgPlayed, SubjectUserID: userID, PlayedScore: &score})
	if !out.GameEnded {
		return
	}
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgGameEnd, Rankings: out.Rankings, EndedAt: nowMillis()})
	if out.OwnerChanged {
		e.broadcastOwnerChange(roomID, conns, out.NewOwnerID)
	}
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpChangeState, State: out.Room.State})
	e.notifyFederation(roomID)
}

func (e *Engine) handleAbort(connID string, userID int32) {
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		e.sendErr(connID, roomstore.ErrNotInRoom.Error())
		return
	}
	room, err := e.rooms.Abort(roomID, userID)
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	e.sendOK(connID, nil)
	conns, _ := e.rooms.Connections(roomID)
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpMsgAbort, SubjectUserID: userID})
	e.broadcast(conns, "", wire.ServerMessage{Op: wire.OpChangeState, State: room.State})
	e.notifyFederation(roomID)
}

// withRoom is a small helper for owner-only toggles that share the same
// "resolve room, mutate, broadcast" shape.
func (e *Engine) withRoom(connID string, userID int32, mutate func(roomID string) (model.Room, error), onOK func(roomID string, conns []string)) {
	roomID, inRoom := e.rooms.RoomIDForUser(userID)
	if !inRoom {
		e.sendErr(connID, roomstore.ErrNotInRoom.Error())
		return
	}
	_, err := mutate(roomID)
	if err != nil {
		e.sendErr(connID, err.Error())
		return
	}
	e.sendOK(connID, nil)
	conns, _ := e.rooms.Connections(roomID)
	onOK(roomID, conns)
	e.notifyFederation(roomID)
}
