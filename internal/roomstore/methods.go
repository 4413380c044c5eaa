package roomstore

import (
	"sort"

	"github.com/rhythmsession/server/internal/model"
)

// SelectChart is only valid while the room is in SelectChart state and may
// only be issued by the owner; it stores the chosen chart without
// transitioning state.
func (s *Store) SelectChart(roomID string, userID int32, chart model.ChartInfo) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, err := s.ownedRoomLocked(roomID, userID)
	if err != nil {
		return model.Room{}, err
	}
	if room.State.Kind != model.StateSelectChart {
		return model.Room{}, ErrWrongState
	}
	chartCopy := chart
	room.SelectedChart = &chartCopy
	room.State = model.SelectChartState(&chartCopy.ID)
	return cloneRoom(room), nil
}

// RequestStartResult reports whether RequestStart actually transitioned
// the room or only armed the solo-confirmation flag (spec: a lone player
// must confirm twice before starting a game with no one else present).
type RequestStartResult struct {
	Started      bool
	NeedsConfirm bool
	Room         model.Room
}

// RequestStart is owner-only and requires a chart to already be selected.
func (s *Store) RequestStart(roomID string, userID int32) (RequestStartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, err := s.ownedRoomLocked(roomID, userID)
	if err != nil {
		return RequestStartResult{}, err
	}
	if room.State.Kind != model.StateSelectChart {
		return RequestStartResult{}, ErrWrongState
	}
	if room.SelectedChart == nil {
		return RequestStartResult{}, ErrWrongState
	}

	active := room.ActivePlayers()
	if len(active) <= 1 && !room.SoloConfirmPending {
		room.SoloConfirmPending = true
		return RequestStartResult{NeedsConfirm: true, Room: cloneRoom(room)}, nil
	}

	resetRoundLocked(room)
	room.Players[userID].IsReady = true
	room.LastGameChart = room.SelectedChart
	room.State = model.WaitingForReadyState()
	if allActiveReadyLocked(room) {
		room.State = model.PlayingState()
	}
	return RequestStartResult{Started: true, Room: cloneRoom(room)}, nil
}

// Ready marks userID ready while WaitingForReady. Returns allReady=true if
// every active player is now ready, meaning the caller must transition the
// room to Playing via StartPlaying.
func (s *Store) Ready(roomID string, userID int32) (allReady bool, room model.Room, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.memberRoomLocked(roomID, userID)
	if err != nil {
		return false, model.Room{}, err
	}
	if r.State.Kind != model.StateWaitingForReady {
		return false, model.Room{}, ErrWrongState
	}
	r.Players[userID].IsReady = true
	return allActiveReadyLocked(r), cloneRoom(r), nil
}

// CancelReadyResult reports which of the two CancelReady branches ran, since
// each has a distinct broadcast: the owner cancels the whole game and
// returns the room to SelectChart, while anyone else only un-readies
// themselves.
type CancelReadyResult struct {
	OwnerCanceled bool
	Room          model.Room
}

// CancelReady is legal while WaitingForReady for the owner unconditionally
// (cancelling the game), or for a non-owner only if they are currently
// ready (un-readying themselves); a non-ready non-owner is rejected with
// ErrNotReady.
func (s *Store) CancelReady(roomID string, userID int32) (CancelReadyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.memberRoomLocked(roomID, userID)
	if err != nil {
		return CancelReadyResult{}, err
	}
	if r.State.Kind != model.StateWaitingForReady {
		return CancelReadyResult{}, ErrWrongState
	}

	if r.OwnerID == userID {
		resetRoundLocked(r)
		r.State = model.SelectChartState(chartStateID(r.SelectedChart))
		return CancelReadyResult{OwnerCanceled: true, Room: cloneRoom(r)}, nil
	}

	p := r.Players[userID]
	if !p.IsReady {
		return CancelReadyResult{}, ErrNotReady
	}
	p.IsReady = false
	return CancelReadyResult{Room: cloneRoom(r)}, nil
}

func allActiveReadyLocked(r *model.Room) bool {
	active := r.ActivePlayers()
	if len(active) == 0 {
		return false
	}
	for _, p := range active {
		if !p.IsReady {
			return false
		}
	}
	return true
}

// StartPlaying transitions a fully-ready WaitingForReady room into Playing.
// The caller is expected to have already confirmed allActiveReady via Ready.
func (s *Store) StartPlaying(roomID string) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return model.Room{}, ErrRoomNotFound
	}
	if r.State.Kind != model.StateWaitingForReady {
		return model.Room{}, ErrWrongState
	}
	r.State = model.PlayingState()
	return cloneRoom(r), nil
}

// Abort is owner-only and returns a WaitingForReady or Playing room to
// SelectChart, clearing readiness and in-progress scores.
func (s *Store) Abort(roomID string, userID int32) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.ownedRoomLocked(roomID, userID)
	if err != nil {
		return model.Room{}, err
	}
	if r.State.Kind == model.StateSelectChart {
		return model.Room{}, ErrWrongState
	}
	resetRoundLocked(r)
	r.State = model.SelectChartState(chartStateID(r.SelectedChart))
	return cloneRoom(r), nil
}

func chartStateID(c *model.ChartInfo) *int32 {
	if c == nil {
		return nil
	}
	id := c.ID
	return &id
}

func resetRoundLocked(r *model.Room) {
	for _, p := range r.Players {
		p.IsReady = false
		p.IsFinished = false
		p.Score = nil
	}
	r.SoloConfirmPending = false
}

// SubmitResultOutcome reports whether the submission closed out the game.
type SubmitResultOutcome struct {
	GameEnded    bool
	Rankings     []model.Ranking
	OwnerChanged bool
	NewOwnerID   int32
	Room         model.Room
}

// SubmitResult records userID's final score during Playing. When every
// active player has finished it closes the game out: builds rankings
// (score descending, 1-based rank), resets per-round flags, and either
// returns the room to SelectChart (with the chart cleared) or, in cycle
// mode, re-arms WaitingForReady with the chart preserved and rotates
// ownership to the next non-monitor member (glossary: "cycle mode").
func (s *Store) SubmitResult(roomID string, userID int32, score model.PlayerScore) (SubmitResultOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.memberRoomLocked(roomID, userID)
	if err != nil {
		return SubmitResultOutcome{}, err
	}
	if r.State.Kind != model.StatePlaying {
		return SubmitResultOutcome{}, ErrWrongState
	}
	p := r.Players[userID]
	if p.IsFinished {
		return SubmitResultOutcome{Room: cloneRoom(r)}, nil
	}
	scoreCopy := score
	p.Score = &scoreCopy
	p.IsFinished = true

	active := r.ActivePlayers()
	for _, ap := range active {
		if !ap.IsFinished {
			return SubmitResultOutcome{Room: cloneRoom(r)}, nil
		}
	}

	rankings := buildRankingsLocked(active)
	resetRoundLocked(r)
	outcome := SubmitResultOutcome{GameEnded: true, Rankings: rankings}
	if r.Cycle {
		r.State = model.WaitingForReadyState()
		if next := nextCycleOwnerLocked(r); next != r.OwnerID {
			r.OwnerID = next
			outcome.OwnerChanged = true
			outcome.NewOwnerID = next
		}
	} else {
		r.SelectedChart = nil
		r.State = model.SelectChartState(nil)
	}
	outcome.Room = cloneRoom(r)
	return outcome, nil
}

// nextCycleOwnerLocked picks the non-monitor active member with the
// smallest JoinOrder greater than the current owner's, wrapping around to
// the smallest JoinOrder overall when the current owner holds the
// highest — a round-robin rotation over the room's join order.
func nextCycleOwnerLocked(r *model.Room) int32 {
	current, ok := r.Players[r.OwnerID]
	if !ok {
		return electOwnerLocked(r)
	}
	var nextID int32
	var next *model.PlayerInfo
	var wrapID int32
	var wrap *model.PlayerInfo
	for id, p := range r.Players {
		if id == model.BotUserID || p.User.Monitor {
			continue
		}
		if p.JoinOrder > current.JoinOrder && (next == nil || p.JoinOrder < next.JoinOrder) {
			next, nextID = p, id
		}
		if wrap == nil || p.JoinOrder < wrap.JoinOrder {
			wrap, wrapID = p, id
		}
	}
	if next != nil {
		return nextID
	}
	if wrap != nil {
		return wrapID
	}
	return r.OwnerID
}

func buildRankingsLocked(active []*model.PlayerInfo) []model.Ranking {
	sorted := append([]*model.PlayerInfo(nil), active...)
	sort.Slice(sorted, func(i, j int) bool {
		si, sj := sorted[i].Score, sorted[j].Score
		var a, b int32
		if si != nil {
			a = si.Score
		}
		if sj != nil {
			b = sj.Score
		}
		return a > b
	})
	rankings := make([]model.Ranking, len(sorted))
	for i, p := range sorted {
		rankings[i] = model.Ranking{Rank: i + 1, UserID: p.User.ID, Score: p.Score}
	}
	return rankings
}

// ToggleLock is owner-only.
func (s *Store) ToggleLock(roomID string, userID int32, locked bool) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.ownedRoomLocked(roomID, userID)
	if err != nil {
		return model.Room{}, err
	}
	r.Locked = locked
	return cloneRoom(r), nil
}

// ToggleCycle is owner-only; it does not check the room state, so it is
// accepted during a game as well as between games.
func (s *Store) ToggleCycle(roomID string, userID int32, cycle bool) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.ownedRoomLocked(roomID, userID)
	if err != nil {
		return model.Room{}, err
	}
	r.Cycle = cycle
	return cloneRoom(r), nil
}

// AppendChat appends a chat message to roomID's bounded history and
// returns the room id's active listener connection ids for fan-out.
func (s *Store) AppendChat(roomID string, msg model.ChatMessage) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	r.AppendMessage(msg)
	return connectionsLocked(r), nil
}

// Connections returns every player connection id currently in roomID, for
// broadcast fan-out.
func (s *Store) Connections(roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return connectionsLocked(r), nil
}

func connectionsLocked(r *model.Room) []string {
	out := make([]string, 0, len(r.Players))
	for id, p := range r.Players {
		if id == model.BotUserID {
			continue
		}
		out = append(out, p.ConnectionID)
	}
	return out
}

// Kick is an owner/admin capability: removes targetID exactly like a
// voluntary leave, including ownership re-election.
func (s *Store) Kick(roomID string, targetID int32) (LeaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaveRoomLocked(roomID, targetID)
}

// SetWhitelist and SetBlacklist replace the respective membership-gating
// sets wholesale; owner-only.
func (s *Store) SetWhitelist(roomID string, userID int32, ids []int32) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.ownedRoomLocked(roomID, userID)
	if err != nil {
		return model.Room{}, err
	}
	r.Whitelist = toSet(ids)
	return cloneRoom(r), nil
}

func (s *Store) SetBlacklist(roomID string, userID int32, ids []int32) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.ownedRoomLocked(roomID, userID)
	if err != nil {
		return model.Room{}, err
	}
	r.Blacklist = toSet(ids)
	return cloneRoom(r), nil
}

func toSet(ids []int32) map[int32]struct{} {
	set := make(map[int32]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// SetMaxPlayers is owner-only; it may not drop below the current active
// player count.
func (s *Store) SetMaxPlayers(roomID string, userID int32, max int) (model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.ownedRoomLocked(roomID, userID)
	if err != nil {
		return model.Room{}, err
	}
	if max < len(r.ActivePlayers()) {
		return model.Room{}, ErrRoomFull
	}
	r.MaxPlayers = max
	return cloneRoom(r), nil
}

// CloseRoom forcibly deletes roomID (admin capability, not owner-gated).
func (s *Store) CloseRoom(roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	conns := connectionsLocked(r)
	for id := range r.Players {
		delete(s.userToRoom, id)
	}
	delete(s.rooms, roomID)
	return conns, nil
}

func (s *Store) ownedRoomLocked(roomID string, userID int32) (*model.Room, error) {
	r, err := s.memberRoomLocked(roomID, userID)
	if err != nil {
		return nil, err
	}
	if r.OwnerID != userID {
		return nil, ErrNotOwner
	}
	return r, nil
}

func (s *Store) memberRoomLocked(roomID string, userID int32) (*model.Room, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if _, in := r.Players[userID]; !in {
		return nil, ErrNotInRoom
	}
	return r, nil
}
