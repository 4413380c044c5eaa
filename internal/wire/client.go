package wire

// ClientOpcode enumerates the 0..16 client command opcodes of the wire
// protocol.
type ClientOpcode uint8

const (
	OpPing ClientOpcode = iota
	OpAuthenticate
	OpChat
	OpTouches
	OpJudges
	OpCreateRoom
	OpJoinRoom
	OpLeaveRoom
	OpLockRoom
	OpCycleRoom
	OpSelectChart
	OpRequestStart
	OpReady
	OpCancelReady
	OpPlayed
	OpAbort
	OpGameResult

	// opUnknownSentinel is returned by Decode for any opcode outside the
	// table above; the transport drains the frame and continues.
	opUnknownSentinel ClientOpcode = 0xFF
)

// ClientCommand is the decoded client-to-server message. Exactly one of
// the typed fields is meaningful, selected by Op.
type ClientCommand struct {
	Op ClientOpcode

	Token        string // Authenticate
	Chat         string // Chat
	RoomID       string // CreateRoom, JoinRoom
	Monitor      bool   // JoinRoom
	Lock         bool   // LockRoom
	Cycle        bool   // CycleRoom
	ChartID      int32  // SelectChart
	RecordID     int32  // Played

	Score      int32   // GameResult
	Accuracy   float32 // GameResult
	Perfect    int32
	Good       int32
	Bad        int32
	Miss       int32
	MaxCombo   int32
}

// DecodeClientCommand parses one frame payload into a ClientCommand. The
// codec is total: an unrecognized opcode yields Op == opUnknownSentinel
// with the remaining frame bytes drained, rather than an error — callers
// must check IsUnknown rather than treat decode failure as fatal.
func DecodeClientCommand(payload []byte) (ClientCommand, error) {
	r := NewReader(payload)
	opByte, err := r.ReadByte()
	if err != nil {
		return ClientCommand{}, err
	}
	op := ClientOpcode(opByte)

	cmd := ClientCommand{Op: op}
	var decodeErr error
	switch op {
	case OpPing, OpLeaveRoom, OpRequestStart, OpReady, OpCancelReady, OpAbort:
		// no payload
	case OpAuthenticate:
		cmd.Token, decodeErr = r.ReadString()
	case OpChat:
		cmd.Chat, decodeErr = r.ReadString()
	case OpTouches, OpJudges:
		// monitor-only payloads, consumed opaquely
		r.Drain()
	case OpCreateRoom:
		cmd.RoomID, decodeErr = r.ReadString()
	case OpJoinRoom:
		if cmd.RoomID, decodeErr = r.ReadString(); decodeErr == nil {
			cmd.Monitor, decodeErr = r.ReadBool()
		}
	case OpLockRoom:
		cmd.Lock, decodeErr = r.ReadBool()
	case OpCycleRoom:
		cmd.Cycle, decodeErr = r.ReadBool()
	case OpSelectChart:
		cmd.ChartID, decodeErr = r.ReadInt32()
	case OpPlayed:
		cmd.RecordID, decodeErr = r.ReadInt32()
	case OpGameResult:
		if cmd.Score, decodeErr = r.ReadInt32(); decodeErr == nil {
			if cmd.Accuracy, decodeErr = r.ReadFloat32(); decodeErr == nil {
				if cmd.Perfect, decodeErr = r.ReadInt32(); decodeErr == nil {
					if cmd.Good, decodeErr = r.ReadInt32(); decodeErr == nil {
						if cmd.Bad, decodeErr = r.ReadInt32(); decodeErr == nil {
							if cmd.Miss, decodeErr = r.ReadInt32(); decodeErr == nil {
								cmd.MaxCombo, decodeErr = r.ReadInt32()
							}
						}
					}
				}
			}
		}
	default:
		cmd.Op = opUnknownSentinel
		r.Drain()
		return cmd, nil
	}
	if decodeErr != nil {
		return ClientCommand{}, decodeErr
	}
	return cmd, nil
}

// IsUnknown reports whether Decode fell back to the unknown-opcode
// sentinel — the codec is total, it never errors on an unrecognized op.
func (c ClientCommand) IsUnknown() bool {
	return c.Op == opUnknownSentinel
}

// EncodeClientCommand is provided for tests and federation proxying, where
// a command received on one node is re-encoded to forward verbatim.
func EncodeClientCommand(cmd ClientCommand) []byte {
	w := NewWriter()
	w.WriteByte(byte(cmd.Op))
	switch cmd.Op {
	case OpPing, OpLeaveRoom, OpRequestStart, OpReady, OpCancelReady, OpAbort, OpTouches, OpJudges:
	case OpAuthenticate:
		w.WriteString(cmd.Token)
	case OpChat:
		w.WriteString(cmd.Chat)
	case OpCreateRoom:
		w.WriteString(cmd.RoomID)
	case OpJoinRoom:
		w.WriteString(cmd.RoomID)
		w.WriteBool(cmd.Monitor)
	case OpLockRoom:
		w.WriteBool(cmd.Lock)
	case OpCycleRoom:
		w.WriteBool(cmd.Cycle)
	case OpSelectChart:
		w.WriteInt32(cmd.ChartID)
	case OpPlayed:
		w.WriteInt32(cmd.RecordID)
	case OpGameResult:
		w.WriteInt32(cmd.Score)
		w.WriteFloat32(cmd.Accuracy)
		w.WriteInt32(cmd.Perfect)
		w.WriteInt32(cmd.Good)
		w.WriteInt32(cmd.Bad)
		w.WriteInt32(cmd.Miss)
		w.WriteInt32(cmd.MaxCombo)
	}
	return w.Bytes()
}
