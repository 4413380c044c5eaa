// Package model defines the core domain types shared by the session table,
// room store, and protocol engine: users, sessions, scores, rooms and their
// state machine.
package model

import "time"

// BotUserID is the synthetic server bot injected into every room as a
// visible, non-playing member.
const BotUserID int32 = -1

// User identifies a human (or the bot) known to the session server.
type User struct {
	ID      int32  `json:"id"`
	Name    string `json:"name"`
	Monitor bool   `json:"monitor"`
}

// Session binds an authenticated connection to a user.
type Session struct {
	UserID       int32
	UserInfo     User
	ConnectionID string
	RemoteAddr   string
}

// PlayerScore is a trusted score reported by the identity service; it is
// never simulated locally.
type PlayerScore struct {
	Score      int32   `json:"score"`
	Accuracy   float32 `json:"accuracy"`
	Perfect    int32   `json:"perfect"`
	Good       int32   `json:"good"`
	Bad        int32   `json:"bad"`
	Miss       int32   `json:"miss"`
	MaxCombo   int32   `json:"maxCombo"`
	FinishTime int64   `json:"finishTime"`
}

// FullCombo reports whether the score has zero bad/miss judgements.
func (s PlayerScore) FullCombo() bool {
	return s.Miss == 0 && s.Bad == 0
}

// PlayerInfo is a room member's per-room state.
type PlayerInfo struct {
	User         User
	ConnectionID string
	IsReady      bool
	IsFinished   bool
	Score        *PlayerScore
	JoinOrder    int64
}

// StateKind discriminates RoomState variants.
type StateKind int

const (
	StateSelectChart StateKind = iota
	StateWaitingForReady
	StatePlaying
)

func (k StateKind) String() string {
	switch k {
	case StateSelectChart:
		return "SelectChart"
	case StateWaitingForReady:
		return "WaitingForReady"
	case StatePlaying:
		return "Playing"
	default:
		return "Unknown"
	}
}

// RoomState is the tagged room-lifecycle variant: SelectChart carries an
// optional chart id, the other two states carry no payload.
type RoomState struct {
	Kind    StateKind
	ChartID *int32 // only meaningful when Kind == StateSelectChart
}

func SelectChartState(chartID *int32) RoomState {
	return RoomState{Kind: StateSelectChart, ChartID: chartID}
}

func WaitingForReadyState() RoomState { return RoomState{Kind: StateWaitingForReady} }
func PlayingState() RoomState         { return RoomState{Kind: StatePlaying} }

// ChatMessage is a room-scoped chat entry, including system messages
// (SenderID == BotUserID) such as the solo-start confirmation prompt.
type ChatMessage struct {
	SenderID  int32  `json:"senderId"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Ranking is one row of a post-game leaderboard.
type Ranking struct {
	Rank   int          `json:"rank"`
	UserID int32        `json:"userId"`
	Score  *PlayerScore `json:"score"`
}

// ChartInfo is the subset of chart metadata the engine needs, as returned
// by ChartService.FetchChart.
type ChartInfo struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// Room is the in-memory aggregate owned exclusively by RoomStore. All
// mutation happens through RoomStore methods so ownership, membership,
// and lock invariants hold at every observation point.
type Room struct {
	ID      string
	OwnerID int32
	Players map[int32]*PlayerInfo

	MaxPlayers int
	State      RoomState
	Locked     bool
	Cycle      bool

	SelectedChart  *ChartInfo
	LastGameChart  *ChartInfo
	SoloConfirmPending bool

	Messages  []ChatMessage
	Blacklist map[int32]struct{}
	Whitelist map[int32]struct{}

	CreatedAt time.Time

	joinSeq int64
}

const maxMessageHistory = 200

// NewRoom constructs an empty room owned by ownerID, with the server bot
// already present as a visible member.
func NewRoom(id string, ownerID int32, owner User, maxPlayers int) *Room {
	r := &Room{
		ID:         id,
		OwnerID:    ownerID,
		Players:    make(map[int32]*PlayerInfo),
		MaxPlayers: maxPlayers,
		State:      SelectChartState(nil),
		Blacklist:  make(map[int32]struct{}),
		Whitelist:  make(map[int32]struct{}),
		CreatedAt:  time.Now(),
	}
	r.Players[BotUserID] = &PlayerInfo{
		User:      User{ID: BotUserID, Name: "server", Monitor: true},
		JoinOrder: -1,
	}
	return r
}

// NextJoinOrder returns a monotonically increasing join sequence number,
// used to pick the next owner in insertion order.
func (r *Room) NextJoinOrder() int64 {
	r.joinSeq++
	return r.joinSeq
}

// AppendMessage stores msg in the bounded history buffer, evicting the
// oldest entry when full.
func (r *Room) AppendMessage(msg ChatMessage) {
	r.Messages = append(r.Messages, msg)
	if len(r.Messages) > maxMessageHistory {
		r.Messages = r.Messages[len(r.Messages)-maxMessageHistory:]
	}
}

// ActivePlayers returns non-monitor, non-bot players — the set that gates
// start/ready/finish transitions.
func (r *Room) ActivePlayers() []*PlayerInfo {
	out := make([]*PlayerInfo, 0, len(r.Players))
	for id, p := range r.Players {
		if id == BotUserID || p.User.Monitor {
			continue
		}
		out = append(out, p)
	}
	return out
}
