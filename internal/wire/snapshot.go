package wire

import "github.com/rhythmsession/server/internal/model"

// EncodeRoomSnapshot serializes the full room view sent on OnJoinRoom:
// enough for a client to paint the room without waiting on further
// broadcasts to arrive.
func EncodeRoomSnapshot(r model.Room) []byte {
	w := NewWriter()
	w.WriteString(r.ID)
	w.WriteInt32(r.OwnerID)
	w.WriteInt32(int32(r.MaxPlayers))
	w.WriteBool(r.Locked)
	w.WriteBool(r.Cycle)
	writeRoomState(w, r.State)

	w.WriteUvarint(uint64(len(r.Players)))
	for _, p := range r.Players {
		w.WriteInt32(p.User.ID)
		w.WriteString(p.User.Name)
		w.WriteBool(p.User.Monitor)
		w.WriteString(p.ConnectionID)
		w.WriteBool(p.IsReady)
		w.WriteBool(p.IsFinished)
		writeScore(w, p.Score)
		w.WriteInt64(p.JoinOrder)
	}

	w.WriteUvarint(uint64(len(r.Messages)))
	for _, m := range r.Messages {
		writeChat(w, m)
	}
	return w.Bytes()
}

// DecodeRoomSnapshot is the inverse of EncodeRoomSnapshot, used by tests
// and by the federation proxy path replaying a peer's authoritative
// snapshot onto a locally virtual connection.
func DecodeRoomSnapshot(payload []byte) (model.Room, error) {
	r := NewReader(payload)
	var room model.Room
	var err error

	if room.ID, err = r.ReadString(); err != nil {
		return model.Room{}, err
	}
	if room.OwnerID, err = r.ReadInt32(); err != nil {
		return model.Room{}, err
	}
	var maxPlayers int32
	if maxPlayers, err = r.ReadInt32(); err != nil {
		return model.Room{}, err
	}
	room.MaxPlayers = int(maxPlayers)
	if room.Locked, err = r.ReadBool(); err != nil {
		return model.Room{}, err
	}
	if room.Cycle, err = r.ReadBool(); err != nil {
		return model.Room{}, err
	}
	if room.State, err = readRoomState(r); err != nil {
		return model.Room{}, err
	}

	var playerCount uint64
	if playerCount, err = r.ReadUvarint(); err != nil {
		return model.Room{}, err
	}
	room.Players = make(map[int32]*model.PlayerInfo, playerCount)
	for i := uint64(0); i < playerCount; i++ {
		p := &model.PlayerInfo{}
		if p.User.ID, err = r.ReadInt32(); err != nil {
			return model.Room{}, err
		}
		if p.User.Name, err = r.ReadString(); err != nil {
			return model.Room{}, err
		}
		if p.User.Monitor, err = r.ReadBool(); err != nil {
			return model.Room{}, err
		}
		if p.ConnectionID, err = r.ReadString(); err != nil {
			return model.Room{}, err
		}
		if p.IsReady, err = r.ReadBool(); err != nil {
			return model.Room{}, err
		}
		if p.IsFinished, err = r.ReadBool(); err != nil {
			return model.Room{}, err
		}
		if p.Score, err = readScore(r); err != nil {
			return model.Room{}, err
		}
		if p.JoinOrder, err = r.ReadInt64(); err != nil {
			return model.Room{}, err
		}
		room.Players[p.User.ID] = p
	}

	var msgCount uint64
	if msgCount, err = r.ReadUvarint(); err != nil {
		return model.Room{}, err
	}
	room.Messages = make([]model.ChatMessage, 0, msgCount)
	for i := uint64(0); i < msgCount; i++ {
		msg, err := readChat(r)
		if err != nil {
			return model.Room{}, err
		}
		room.Messages = append(room.Messages, msg)
	}
	return room, nil
}
