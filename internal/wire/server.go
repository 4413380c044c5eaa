package wire

import "github.com/rhythmsession/server/internal/model"

// ServerOpcode enumerates the server-to-client opcodes: four plain-payload
// kinds (Pong, Result, ChangeState, ChangeHost), OnJoinRoom, and the
// broadcast Message union.
type ServerOpcode uint8

const (
	OpPong ServerOpcode = iota
	OpResult
	OpChangeState
	OpChangeHost
	OpOnJoinRoom

	OpMsgChat
	OpMsgCreateRoom
	OpMsgJoinRoom
	OpMsgLeaveRoom
	OpMsgNewHost
	OpMsgSelectChart
	OpMsgGameStart
	OpMsgReady
	OpMsgCancelReady
	OpMsgCancelGame
	OpMsgStartPlaying
	OpMsgPlayed
	OpMsgGameEnd
	OpMsgAbort
	OpMsgLockRoom
	OpMsgCycleRoom
)

// ServerMessage is the encoded server-to-client frame payload. Only the
// fields relevant to Op are populated.
type ServerMessage struct {
	Op ServerOpcode

	// Pong
	Timestamp int64

	// Result<T,string>: OK carries success; Err carries the failure
	// reason; Payload is the command-specific success body, already
	// encoded by the caller (the client correlates it to its last
	// request).
	OK      bool
	Err     string
	Payload []byte

	// ChangeState
	State model.RoomState

	// ChangeHost
	NewOwnerID  int32
	IsNewOwner  bool

	// OnJoinRoom
	RoomSnapshot []byte

	// Message{Chat}
	Chat model.ChatMessage

	// Message{CreateRoom, JoinRoom, LeaveRoom, NewHost}: subject user
	SubjectUserID int32
	SubjectName   string

	// Message{SelectChart}
	ChartID *int32

	// Message{LockRoom, CycleRoom}
	BoolFlag bool

	// Message{Played}
	PlayedScore *model.PlayerScore

	// Message{GameEnd}
	Rankings []model.Ranking
	EndedAt  int64
}

// EncodeServerMessage serializes msg into one frame payload.
func EncodeServerMessage(msg ServerMessage) []byte {
	w := NewWriter()
	w.WriteByte(byte(msg.Op))

	switch msg.Op {
	case OpPong:
		w.WriteInt64(msg.Timestamp)
	case OpResult:
		w.WriteBool(msg.OK)
		if msg.OK {
			w.WriteUvarint(uint64(len(msg.Payload)))
			w.WriteRawBytes(msg.Payload)
		} else {
			w.WriteString(msg.Err)
		}
	case OpChangeState:
		writeRoomState(w, msg.State)
	case OpChangeHost:
		w.WriteInt32(msg.NewOwnerID)
		w.WriteBool(msg.IsNewOwner)
	case OpOnJoinRoom:
		w.WriteUvarint(uint64(len(msg.RoomSnapshot)))
		w.WriteRawBytes(msg.RoomSnapshot)
	case OpMsgChat:
		writeChat(w, msg.Chat)
	case OpMsgCreateRoom, OpMsgJoinRoom, OpMsgLeaveRoom, OpMsgNewHost:
		w.WriteInt32(msg.SubjectUserID)
		w.WriteString(msg.SubjectName)
	case OpMsgSelectChart:
		writeOptionalInt32(w, msg.ChartID)
	case OpMsgGameStart, OpMsgReady, OpMsgCancelReady, OpMsgCancelGame, OpMsgStartPlaying, OpMsgAbort:
		w.WriteInt32(msg.SubjectUserID)
	case OpMsgPlayed:
		w.WriteInt32(msg.SubjectUserID)
		writeScore(w, msg.PlayedScore)
	case OpMsgGameEnd:
		w.WriteUvarint(uint64(len(msg.Rankings)))
		for _, rk := range msg.Rankings {
			w.WriteInt32(int32(rk.Rank))
			w.WriteInt32(rk.UserID)
			writeScore(w, rk.Score)
		}
		w.WriteInt64(msg.EndedAt)
	case OpMsgLockRoom, OpMsgCycleRoom:
		w.WriteBool(msg.BoolFlag)
	}
	return w.Bytes()
}

func writeRoomState(w *Writer, s model.RoomState) {
	w.WriteByte(byte(s.Kind))
	if s.Kind == model.StateSelectChart {
		writeOptionalInt32(w, s.ChartID)
	}
}

func writeOptionalInt32(w *Writer, v *int32) {
	w.WriteBool(v != nil)
	if v != nil {
		w.WriteInt32(*v)
	}
}

func writeScore(w *Writer, s *model.PlayerScore) {
	w.WriteBool(s != nil)
	if s == nil {
		return
	}
	w.WriteInt32(s.Score)
	w.WriteFloat32(s.Accuracy)
	w.WriteInt32(s.Perfect)
	w.WriteInt32(s.Good)
	w.WriteInt32(s.Bad)
	w.WriteInt32(s.Miss)
	w.WriteInt32(s.MaxCombo)
	w.WriteInt64(s.FinishTime)
}

func writeChat(w *Writer, c model.ChatMessage) {
	w.WriteInt32(c.SenderID)
	w.WriteString(c.Name)
	w.WriteString(c.Content)
	w.WriteInt64(c.Timestamp)
}

// DecodeServerMessage is provided for property-based round-trip tests and
// for the federation proxy callback path, which must replay a server
// message received from the authoritative node onto the local socket.
func DecodeServerMessage(payload []byte) (ServerMessage, error) {
	r := NewReader(payload)
	opByte, err := r.ReadByte()
	if err != nil {
		return ServerMessage{}, err
	}
	msg := ServerMessage{Op: ServerOpcode(opByte)}

	switch msg.Op {
	case OpPong:
		msg.Timestamp, err = r.ReadInt64()
	case OpResult:
		if msg.OK, err = r.ReadBool(); err == nil {
			if msg.OK {
				var n uint64
				if n, err = r.ReadUvarint(); err == nil {
					msg.Payload, err = r.ReadN(int(n))
				}
			} else {
				msg.Err, err = r.ReadString()
			}
		}
	case OpChangeState:
		msg.State, err = readRoomState(r)
	case OpChangeHost:
		if msg.NewOwnerID, err = r.ReadInt32(); err == nil {
			msg.IsNewOwner, err = r.ReadBool()
		}
	case OpOnJoinRoom:
		var n uint64
		if n, err = r.ReadUvarint(); err == nil {
			msg.RoomSnapshot, err = r.ReadN(int(n))
		}
	case OpMsgChat:
		msg.Chat, err = readChat(r)
	case OpMsgCreateRoom, OpMsgJoinRoom, OpMsgLeaveRoom, OpMsgNewHost:
		if msg.SubjectUserID, err = r.ReadInt32(); err == nil {
			msg.SubjectName, err = r.ReadString()
		}
	case OpMsgSelectChart:
		msg.ChartID, err = readOptionalInt32(r)
	case OpMsgGameStart, OpMsgReady, OpMsgCancelReady, OpMsgCancelGame, OpMsgStartPlaying, OpMsgAbort:
		msg.SubjectUserID, err = r.ReadInt32()
	case OpMsgPlayed:
		if msg.SubjectUserID, err = r.ReadInt32(); err == nil {
			msg.PlayedScore, err = readScore(r)
		}
	case OpMsgGameEnd:
		var n uint64
		if n, err = r.ReadUvarint(); err == nil {
			msg.Rankings = make([]model.Ranking, 0, n)
			for i := uint64(0); i < n && err == nil; i++ {
				var rank, userID int32
				if rank, err = r.ReadInt32(); err != nil {
					break
				}
				if userID, err = r.ReadInt32(); err != nil {
					break
				}
				var sc *model.PlayerScore
				if sc, err = readScore(r); err != nil {
					break
				}
				msg.Rankings = append(msg.Rankings, model.Ranking{Rank: int(rank), UserID: userID, Score: sc})
			}
			if err == nil {
				msg.EndedAt, err = r.ReadInt64()
			}
		}
	case OpMsgLockRoom, OpMsgCycleRoom:
		msg.BoolFlag, err = r.ReadBool()
	default:
		r.Drain()
		return msg, nil
	}
	if err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

func readRoomState(r *Reader) (model.RoomState, error) {
	b, err := r.ReadByte()
	if err != nil {
		return model.RoomState{}, err
	}
	kind := model.StateKind(b)
	if kind != model.StateSelectChart {
		return model.RoomState{Kind: kind}, nil
	}
	chartID, err := readOptionalInt32(r)
	if err != nil {
		return model.RoomState{}, err
	}
	return model.SelectChartState(chartID), nil
}

func readOptionalInt32(r *Reader) (*int32, error) {
	present, err := r.ReadBool()
	if err != nil || !present {
		return nil, err
	}
	v, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func readScore(r *Reader) (*model.PlayerScore, error) {
	present, err := r.ReadBool()
	if err != nil || !present {
		return nil, err
	}
	var s model.PlayerScore
	if s.Score, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if s.Accuracy, err = r.ReadFloat32(); err != nil {
		return nil, err
	}
	if s.Perfect, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if s.Good, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if s.Bad, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if s.Miss, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if s.MaxCombo, err = r.ReadInt32(); err != nil {
		return nil, err
	}
	if s.FinishTime, err = r.ReadInt64(); err != nil {
		return nil, err
	}
	return &s, nil
}

func readChat(r *Reader) (model.ChatMessage, error) {
	var c model.ChatMessage
	var err error
	if c.SenderID, err = r.ReadInt32(); err != nil {
		return c, err
	}
	if c.Name, err = r.ReadString(); err != nil {
		return c, err
	}
	if c.Content, err = r.ReadString(); err != nil {
		return c, err
	}
	if c.Timestamp, err = r.ReadInt64(); err != nil {
		return c, err
	}
	return c, nil
}
