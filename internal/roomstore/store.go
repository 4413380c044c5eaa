// Package roomstore owns the in-memory room catalog and enforces every
// room invariant: ownerId ∈ players, a room is deleted once empty,
// ownership re-election, the userId→roomId reverse index, and
// lock/whitelist/blacklist join gating.
//
// Every exported method takes the store's lock for its own duration;
// internal Locked-suffixed helpers assume the caller already holds it.
package roomstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rhythmsession/server/internal/model"
)

var (
	ErrRoomExists    = errors.New("room-exists")
	ErrRoomNotFound  = errors.New("room-not-found")
	ErrRoomFull      = errors.New("room-full")
	ErrRoomLocked    = errors.New("room-locked")
	ErrNotWhitelisted = errors.New("not-whitelisted")
	ErrBlacklisted   = errors.New("blacklisted")
	ErrAlreadyInRoom = errors.New("already-in-room")
	ErrMaxRooms      = errors.New("max-rooms")
	ErrNotOwner      = errors.New("not-owner")
	ErrNotInRoom     = errors.New("not-in-room")
	ErrWrongState    = errors.New("wrong-state")
	ErrNotReady      = errors.New("not-ready")
)

// Store is the process-wide room catalog.
type Store struct {
	mu         sync.Mutex
	rooms      map[string]*model.Room
	userToRoom map[int32]string
	maxRooms   int
	roomSize   int
}

func New(maxRooms, roomSize int) *Store {
	return &Store{
		rooms:      make(map[string]*model.Room),
		userToRoom: make(map[int32]string),
		maxRooms:   maxRooms,
		roomSize:   roomSize,
	}
}

// RoomIDForUser implements the narrow interface sessiontable needs.
func (s *Store) RoomIDForUser(userID int32) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.userToRoom[userID]
	return id, ok
}

// Snapshot returns a shallow copy of a room suitable for read-only use
// (e.g. building a wire snapshot or WebBridge projection) without holding
// the store lock during I/O.
func (s *Store) Snapshot(roomID string) (model.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return model.Room{}, false
	}
	return cloneRoom(r), true
}

// VisibleRooms returns a snapshot of every room, for the WebBridge catalog.
func (s *Store) VisibleRooms() []model.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, cloneRoom(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneRoom(r *model.Room) model.Room {
	cp := *r
	cp.Players = make(map[int32]*model.PlayerInfo, len(r.Players))
	for id, p := range r.Players {
		pc := *p
		cp.Players[id] = &pc
	}
	cp.Messages = append([]model.ChatMessage(nil), r.Messages...)
	return cp
}

// CreateRoom creates a new room owned by owner. Fails with ErrRoomExists
// or ErrMaxRooms.
func (s *Store) CreateRoom(id string, owner model.User, connID string) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[id]; exists {
		return model.Room{}, ErrRoomExists
	}
	if s.maxRooms > 0 && len(s.rooms) >= s.maxRooms {
		return model.Room{}, ErrMaxRooms
	}
	if _, inRoom := s.userToRoom[owner.ID]; inRoom {
		return model.Room{}, ErrAlreadyInRoom
	}

	room := model.NewRoom(id, owner.ID, owner, s.roomSize)
	room.Players[owner.ID] = &model.PlayerInfo{
		User:         owner,
		ConnectionID: connID,
		JoinOrder:    room.NextJoinOrder(),
	}
	s.rooms[id] = room
	s.userToRoom[owner.ID] = id
	return cloneRoom(room), nil
}

// JoinRoom admits user into roomID, applying the lock/whitelist/blacklist
// gates (blacklist wins when both whitelist and blacklist apply).
func (s *Store) JoinRoom(roomID string, user model.User, connID string, monitor bool) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return model.Room{}, ErrRoomNotFound
	}
	if _, inRoom := s.userToRoom[user.ID]; inRoom {
		return model.Room{}, ErrAlreadyInRoom
	}
	if _, blocked := room.Blacklist[user.ID]; blocked {
		return model.Room{}, ErrBlacklisted
	}
	if len(room.Whitelist) > 0 {
		if _, allowed := room.Whitelist[user.ID]; !allowed {
			return model.Room{}, ErrNotWhitelisted
		}
	}
	if room.Locked {
		return model.Room{}, ErrRoomLocked
	}
	if len(room.ActivePlayers()) >= room.MaxPlayers {
		return model.Room{}, ErrRoomFull
	}

	user.Monitor = monitor
	room.Players[user.ID] = &model.PlayerInfo{
		User:         user,
		ConnectionID: connID,
		JoinOrder:    room.NextJoinOrder(),
	}
	s.userToRoom[user.ID] = roomID
	return cloneRoom(room), nil
}

// MigrateConnection swaps a player's connection id in place, preserving
// isFinished/score/room state (spec property 7 / scenario S5).
func (s *Store) MigrateConnection(roomID string, userID int32, newConnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	p, ok := room.Players[userID]
	if !ok {
		return ErrNotInRoom
	}
	p.ConnectionID = newConnID
	return nil
}

// LeaveResult describes the side effects LeaveRoom must be broadcast by
// the caller (roomstore never broadcasts itself).
type LeaveResult struct {
	RoomDeleted   bool
	OwnerChanged  bool
	NewOwnerID    int32
	RemainingRoom model.Room
}

// LeaveRoom removes userID from roomID, deleting an emptied room and
// re-electing an owner if the owner left.
func (s *Store) LeaveRoom(roomID string, userID int32) (LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveRoomLocked(roomID, userID)
}

func (s *Store) leaveRoomLocked(roomID string, userID int32) (LeaveResult, error) {
	room, ok := s.rooms[roomID]
	if !ok {
		return LeaveResult{}, ErrRoomNotFound
	}
	if _, in := room.Players[userID]; !in {
		return LeaveResult{}, ErrNotInRoom
	}

	delete(room.Players, userID)
	delete(s.userToRoom, userID)

	if len(room.ActivePlayers()) == 0 {
		delete(s.rooms, roomID)
		return LeaveResult{RoomDeleted: true}, nil
	}

	result := LeaveResult{}
	if room.OwnerID == userID {
		next := electOwnerLocked(room)
		room.OwnerID = next
		result.OwnerChanged = true
		result.NewOwnerID = next
	}
	result.RemainingRoom = cloneRoom(room)
	return result, nil
}

// electOwnerLocked picks the remaining non-monitor player with the lowest
// join order.
func electOwnerLocked(room *model.Room) int32 {
	var best *model.PlayerInfo
	var bestID int32
	for id, p := range room.Players {
		if id == model.BotUserID || p.User.Monitor {
			continue
		}
		if best == nil || p.JoinOrder < best.JoinOrder {
			best = p
			bestID = id
		}
	}
	return bestID
}

// HandleDisconnect implements the sessiontable.RoomStore contract: the
// eviction-branch disconnection path for a user who is not migrating. This
// is a plain LeaveRoom with no game-state awareness; the mid-game abort
// side effects (zero-score submission, game-end check) are the engine's
// responsibility, since it is the engine's HandleDisconnect — not
// sessiontable's eviction path — that observes transport-level teardown
// and calls SubmitResult before this method runs. This method exists so
// sessiontable can trigger cleanup without importing engine.
func (s *Store) HandleDisconnect(_ context.Context, userID int32) {
	s.mu.Lock()
	roomID, inRoom := s.userToRoom[userID]
	s.mu.Unlock()
	if !inRoom {
		return
	}
	_, _ = s.LeaveRoom(roomID, userID)
}
