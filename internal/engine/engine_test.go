package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/rhythmsession/server/internal/model"
	"github.com/rhythmsession/server/internal/roomstore"
	"github.com/rhythmsession/server/internal/sessiontable"
	"github.com/rhythmsession/server/internal/wire"
)

const testTokenLen = 20

type fakeAuth struct{ users map[string]model.User }

func (f *fakeAuth) Authenticate(_ context.Context, token string) (model.User, error) {
	u, ok := f.users[token]
	if !ok {
		return model.User{}, sessiontable.ErrInvalidToken
	}
	return u, nil
}

type fakeBans struct{}

func (fakeBans) IsIDBanned(int32) (bool, string)  { return false, "" }
func (fakeBans) IsIPBanned(string) (bool, string) { return false, "" }

type fakeCharts struct{}

func (fakeCharts) FetchChart(_ context.Context, chartID int32) (model.ChartInfo, error) {
	return model.ChartInfo{ID: chartID, Name: "Song"}, nil
}

func (fakeCharts) FetchRecord(_ context.Context, recordID int32) (model.PlayerScore, error) {
	return model.PlayerScore{Score: recordID * 1000}, nil
}

type fakeConns struct {
	mu   sync.Mutex
	sent map[string][]wire.ServerMessage
}

func newFakeConns() *fakeConns { return &fakeConns{sent: make(map[string][]wire.ServerMessage)} }

func (f *fakeConns) Send(connID string, frame []byte) {
	payload, _, ok := wire.ExtractFrame(frame)
	if !ok {
		return
	}
	msg, err := wire.DecodeServerMessage(payload)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[connID] = append(f.sent[connID], msg)
}

func (f *fakeConns) last(connID string) (wire.ServerMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.sent[connID]
	if len(msgs) == 0 {
		return wire.ServerMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

func (f *fakeConns) all(connID string) []wire.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.ServerMessage(nil), f.sent[connID]...)
}

func token(n int, fill byte) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return string(b)
}

func newTestEngine() (*Engine, *fakeConns, *roomstore.Store, *sessiontable.Table) {
	auth := &fakeAuth{users: map[string]model.User{
		token(testTokenLen, '1'): {ID: 1, Name: "alice"},
		token(testTokenLen, '2'): {ID: 2, Name: "bob"},
	}}
	rooms := roomstore.New(0, 8)
	sessions := sessiontable.New(testTokenLen, auth, fakeBans{}, rooms)
	conns := newFakeConns()
	eng := New(sessions, rooms, fakeCharts{}, conns)
	return eng, conns, rooms, sessions
}

func authenticate(t *testing.T, eng *Engine, sessions *sessiontable.Table, connID, tok string) {
	t.Helper()
	sessions.HandleConnection(connID, func() {}, "127.0.0.1")
	eng.HandleFrame(context.Background(), connID, wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpAuthenticate, Token: tok}))
}

func TestFullGameFlowTwoPlayers(t *testing.T) {
	eng, conns, _, sessions := newTestEngine()
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	authenticate(t, eng, sessions, "c2", token(testTokenLen, '2'))

	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpJoinRoom, RoomID: "r1"}))

	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpSelectChart, ChartID: 5}))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpRequestStart}))

	// The owner is auto-readied by RequestStart; only the guest needs to
	// send Ready for the room to transition to Playing (spec scenario S1).
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpReady}))

	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpGameResult, Score: 100}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpGameResult, Score: 500}))

	last, ok := conns.last("c2")
	if !ok || last.Op != wire.OpChangeState || last.State.Kind != model.StateSelectChart {
		t.Fatalf("expected final ChangeState(SelectChart) for c2, got %+v", last)
	}

	foundGameEnd := false
	for _, msg := range conns.all("c1") {
		if msg.Op == wire.OpMsgGameEnd {
			foundGameEnd = true
			if len(msg.Rankings) != 2 || msg.Rankings[0].UserID != 2 {
				t.Fatalf("expected bob ranked first, got %+v", msg.Rankings)
			}
		}
	}
	if !foundGameEnd {
		t.Fatal("expected a GameEnd broadcast on c1")
	}
}

func TestJoinRoomBroadcastsToExistingMembersOnly(t *testing.T) {
	eng, conns, _, sessions := newTestEngine()
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	authenticate(t, eng, sessions, "c2", token(testTokenLen, '2'))

	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpJoinRoom, RoomID: "r1"}))

	found := false
	for _, msg := range conns.all("c1") {
		if msg.Op == wire.OpMsgJoinRoom && msg.SubjectUserID == 2 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected c1 to observe bob's join broadcast")
	}
	for _, msg := range conns.all("c2") {
		if msg.Op == wire.OpMsgJoinRoom {
			t.Fatal("joiner should not receive its own join broadcast")
		}
	}
}

func TestDisconnectReelectOwnerAndBroadcast(t *testing.T) {
	eng, conns, _, sessions := newTestEngine()
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	authenticate(t, eng, sessions, "c2", token(testTokenLen, '2'))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpJoinRoom, RoomID: "r1"}))

	eng.HandleDisconnect(ctx, "c1")

	foundNewHostBroadcast := false
	foundChangeHost := false
	for _, msg := range conns.all("c2") {
		if msg.Op == wire.OpMsgNewHost && msg.SubjectUserID == 2 {
			foundNewHostBroadcast = true
		}
		if msg.Op == wire.OpChangeHost && msg.IsNewOwner && msg.NewOwnerID == 2 {
			foundChangeHost = true
		}
	}
	if !foundNewHostBroadcast {
		t.Fatal("expected c2 to observe the MsgNewHost broadcast")
	}
	if !foundChangeHost {
		t.Fatal("expected c2 to receive a direct ChangeHost notice")
	}
}

func TestCycleModeHostRotationBroadcasts(t *testing.T) {
	eng, conns, _, sessions := newTestEngine()
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	authenticate(t, eng, sessions, "c2", token(testTokenLen, '2'))

	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpJoinRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCycleRoom, Cycle: true}))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpSelectChart, ChartID: 7}))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpRequestStart}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpReady}))

	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpGameResult, Score: 1_000_000}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpGameResult, Score: 750_000}))

	foundChangeHost := false
	for _, msg := range conns.all("c2") {
		if msg.Op == wire.OpChangeHost && msg.IsNewOwner && msg.NewOwnerID == 2 {
			foundChangeHost = true
		}
	}
	if !foundChangeHost {
		t.Fatal("expected bob to receive ChangeHost after cycle-mode rotation")
	}

	last, ok := conns.last("c1")
	if !ok || last.Op != wire.OpChangeState || last.State.Kind != model.StateWaitingForReady {
		t.Fatalf("expected final ChangeState(WaitingForReady) for c1, got %+v", last)
	}
}

// TestMidGameDisconnectEndsGameWithZeroScore mirrors spec scenario S3: with
// the owner already finished, the guest's connection dropping mid-game must
// be treated as a zero-score submission, ending the game immediately.
func TestMidGameDisconnectEndsGameWithZeroScore(t *testing.T) {
	eng, conns, _, sessions := newTestEngine()
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	authenticate(t, eng, sessions, "c2", token(testTokenLen, '2'))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpJoinRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpSelectChart, ChartID: 7}))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpRequestStart}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpReady}))

	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpGameResult, Score: 500}))

	eng.HandleDisconnect(ctx, "c2")

	foundGameEnd := false
	var finalState model.RoomState
	for _, msg := range conns.all("c1") {
		if msg.Op == wire.OpMsgGameEnd {
			foundGameEnd = true
			for _, rk := range msg.Rankings {
				if rk.UserID == 2 && (rk.Score == nil || rk.Score.Score != 0) {
					t.Fatalf("expected the disconnecting guest ranked with a zero score, got %+v", rk)
				}
			}
		}
		if msg.Op == wire.OpChangeState {
			finalState = msg.State
		}
	}
	if !foundGameEnd {
		t.Fatal("expected an immediate GameEnded broadcast to the owner on mid-game disconnect")
	}
	if finalState.Kind != model.StateSelectChart {
		t.Fatalf("final state = %v, want SelectChart", finalState.Kind)
	}
	if _, inRoom := roomStore(eng).RoomIDForUser(2); inRoom {
		t.Fatal("expected the disconnecting guest to be removed from the room")
	}
}

// roomStore exposes the engine's RoomStore for assertions that need direct
// access, mirroring how RoomCatalog already does for federation sync.
func roomStore(e *Engine) *roomstore.Store { return e.rooms }

func TestCancelReadyOwnerCancelsGameBroadcast(t *testing.T) {
	eng, conns, _, sessions := newTestEngine()
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	authenticate(t, eng, sessions, "c2", token(testTokenLen, '2'))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpJoinRoom, RoomID: "r1"}))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpSelectChart, ChartID: 7}))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpRequestStart}))

	// Owner cancels without ever having sent Ready themselves (spec S4).
	before := len(conns.all("c1"))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCancelReady}))

	// The reply is the first message c1 receives for its CancelReady; the
	// CancelGame and ChangeState broadcasts, which c1 also gets, follow it.
	msgs := conns.all("c1")
	if len(msgs) <= before || msgs[before].Op != wire.OpResult || !msgs[before].OK {
		t.Fatalf("expected {ok:true} reply, got %+v", msgs[before:])
	}

	foundCancelGame := false
	var finalState model.RoomState
	for _, msg := range conns.all("c2") {
		if msg.Op == wire.OpMsgCancelGame {
			foundCancelGame = true
		}
		if msg.Op == wire.OpChangeState {
			finalState = msg.State
		}
	}
	if !foundCancelGame {
		t.Fatal("expected guest to observe a CancelGame broadcast")
	}
	if finalState.Kind != model.StateSelectChart {
		t.Fatalf("final state = %v, want SelectChart", finalState.Kind)
	}
}

func TestUnauthenticatedCommandRejected(t *testing.T) {
	eng, conns, _, _ := newTestEngine()
	eng.HandleFrame(context.Background(), "cX", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))
	last, ok := conns.last("cX")
	if !ok || last.Op != wire.OpResult || last.OK {
		t.Fatalf("expected a failing Result, got %+v", last)
	}
	if last.Err != "unauthenticated" {
		t.Fatalf("err = %q, want unauthenticated", last.Err)
	}
}
