package engine

import (
	"context"
	"testing"

	"github.com/rhythmsession/server/internal/model"
	"github.com/rhythmsession/server/internal/wire"
)

func TestAdminToggleLockAndMode(t *testing.T) {
	eng, conns, _, sessions := newTestEngine()
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))

	room, err := eng.Admin().ToggleLock("r1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !room.Locked {
		t.Fatal("expected room to be locked")
	}
	last, ok := conns.last("c1")
	if !ok || last.Op != wire.OpMsgLockRoom || !last.BoolFlag {
		t.Fatalf("expected LockRoom(true) broadcast, got %+v", last)
	}

	room, err = eng.Admin().ToggleMode("r1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !room.Cycle {
		t.Fatal("expected room to be in cycle mode")
	}
	last, ok = conns.last("c1")
	if !ok || last.Op != wire.OpMsgCycleRoom || !last.BoolFlag {
		t.Fatalf("expected CycleRoom(true) broadcast, got %+v", last)
	}
}

func TestAdminForceStartBypassesSoloConfirm(t *testing.T) {
	eng, conns, _, sessions := newTestEngine()
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpSelectChart, ChartID: 3}))

	room, err := eng.Admin().ForceStart("r1")
	if err != nil {
		t.Fatal(err)
	}
	if room.State.Kind != model.StateWaitingForReady && room.State.Kind != model.StatePlaying {
		t.Fatalf("expected room to have started, got state %v", room.State.Kind)
	}

	found := false
	for _, msg := range conns.all("c1") {
		if msg.Op == wire.OpMsgGameStart {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a GameStart broadcast")
	}
}

func TestAdminSendServerMessageAppendsChat(t *testing.T) {
	eng, conns, _, sessions := newTestEngine()
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))

	if err := eng.Admin().SendServerMessage("r1", "server restarting soon"); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, msg := range conns.all("c1") {
		if msg.Op == wire.OpMsgChat && msg.Chat.SenderID == model.BotUserID && msg.Chat.Content == "server restarting soon" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a chat broadcast from the bot user")
	}
}

func TestAdminKickPlayerRemovesMember(t *testing.T) {
	eng, conns, _, sessions := newTestEngine()
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	authenticate(t, eng, sessions, "c2", token(testTokenLen, '2'))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpJoinRoom, RoomID: "r1"}))

	if err := eng.Admin().KickPlayer("r1", 2); err != nil {
		t.Fatal(err)
	}

	if _, ok := conns.last("c1"); !ok {
		t.Fatal("expected c1 to observe the kick")
	}
	found := false
	for _, msg := range conns.all("c1") {
		if msg.Op == wire.OpMsgLeaveRoom && msg.SubjectUserID == 2 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a LeaveRoom broadcast for the kicked player")
	}
}
