package wire

import (
	"testing"

	"github.com/rhythmsession/server/internal/model"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello room state")
	framed := EncodeFrame(payload)

	got, consumed, ok := ExtractFrame(framed)
	if !ok {
		t.Fatal("expected complete frame")
	}
	if consumed != len(framed) {
		t.Fatalf("consumed = %d, want %d", consumed, len(framed))
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestExtractFrame_Incomplete(t *testing.T) {
	framed := EncodeFrame([]byte("abcdef"))
	_, _, ok := ExtractFrame(framed[:2])
	if ok {
		t.Fatal("expected incomplete frame to report not-ok")
	}
}

func TestClientCommandRoundTrip(t *testing.T) {
	cases := []ClientCommand{
		{Op: OpPing},
		{Op: OpAuthenticate, Token: "01234567890123456789"},
		{Op: OpChat, Chat: "gg"},
		{Op: OpCreateRoom, RoomID: "r1"},
		{Op: OpJoinRoom, RoomID: "r1", Monitor: true},
		{Op: OpLeaveRoom},
		{Op: OpLockRoom, Lock: true},
		{Op: OpCycleRoom, Cycle: true},
		{Op: OpSelectChart, ChartID: 42},
		{Op: OpRequestStart},
		{Op: OpReady},
		{Op: OpCancelReady},
		{Op: OpPlayed, RecordID: 7},
		{Op: OpAbort},
		{Op: OpGameResult, Score: 1_000_000, Accuracy: 99.5, Perfect: 100, Good: 2, Bad: 1, Miss: 0, MaxCombo: 100},
	}

	for _, want := range cases {
		encoded := EncodeClientCommand(want)
		got, err := DecodeClientCommand(encoded)
		if err != nil {
			t.Fatalf("decode op %d: %v", want.Op, err)
		}
		if got != want {
			t.Fatalf("round trip mismatch for op %d: got %+v, want %+v", want.Op, got, want)
		}
	}
}

func TestClientCommandUnknownOpcodeDrains(t *testing.T) {
	payload := []byte{0xFE, 1, 2, 3, 4}
	cmd, err := DecodeClientCommand(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cmd.IsUnknown() {
		t.Fatal("expected unknown opcode sentinel")
	}
}

func TestServerMessageRoundTrip_Pong(t *testing.T) {
	want := ServerMessage{Op: OpPong, Timestamp: 1234567890}
	got, err := DecodeServerMessage(EncodeServerMessage(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.Timestamp != want.Timestamp {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestServerMessageRoundTrip_ResultErr(t *testing.T) {
	want := ServerMessage{Op: OpResult, OK: false, Err: "not-owner"}
	got, err := DecodeServerMessage(EncodeServerMessage(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.OK != want.OK || got.Err != want.Err {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestServerMessageRoundTrip_ChangeState(t *testing.T) {
	chartID := int32(42)
	want := ServerMessage{Op: OpChangeState, State: model.SelectChartState(&chartID)}
	got, err := DecodeServerMessage(EncodeServerMessage(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.State.Kind != want.State.Kind || *got.State.ChartID != *want.State.ChartID {
		t.Fatalf("got %+v, want %+v", got.State, want.State)
	}
}

func TestServerMessageRoundTrip_GameEnd(t *testing.T) {
	score := &model.PlayerScore{Score: 1_000_000, Accuracy: 99.5, MaxCombo: 500}
	want := ServerMessage{
		Op: OpMsgGameEnd,
		Rankings: []model.Ranking{
			{Rank: 1, UserID: 1, Score: score},
			{Rank: 2, UserID: 2, Score: nil},
		},
		EndedAt: 42,
	}
	got, err := DecodeServerMessage(EncodeServerMessage(want))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Rankings) != 2 || got.Rankings[0].Score.Score != 1_000_000 || got.Rankings[1].Score != nil {
		t.Fatalf("got %+v", got.Rankings)
	}
	if got.EndedAt != want.EndedAt {
		t.Fatalf("got endedAt %d, want %d", got.EndedAt, want.EndedAt)
	}
}

func TestServerMessageRoundTrip_Chat(t *testing.T) {
	want := ServerMessage{Op: OpMsgChat, Chat: model.ChatMessage{SenderID: 1, Name: "Owner", Content: "hi", Timestamp: 99}}
	got, err := DecodeServerMessage(EncodeServerMessage(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.Chat != want.Chat {
		t.Fatalf("got %+v, want %+v", got.Chat, want.Chat)
	}
}
