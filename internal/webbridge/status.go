package webbridge

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rhythmsession/server/internal/federation"
	"github.com/rhythmsession/server/internal/model"
)

// roomView is the public catalog projection of a room returned by
// /api/status and pushed over the WebSocket room-list feed: enough to
// list and join it, never the full player roster or chat history.
type roomView struct {
	ID          string `json:"id"`
	OwnerName   string `json:"ownerName"`
	PlayerCount int    `json:"playerCount"`
	MaxPlayers  int    `json:"maxPlayers"`
	Locked      bool   `json:"locked"`
	Cycle       bool   `json:"cycle"`
	ChartName   string `json:"chartName,omitempty"`
	State       string `json:"state"`
}

func toRoomView(r model.Room) roomView {
	ownerName := ""
	if p, ok := r.Players[r.OwnerID]; ok {
		ownerName = p.User.Name
	}
	chartName := ""
	if r.SelectedChart != nil {
		chartName = r.SelectedChart.Name
	}
	return roomView{
		ID:          r.ID,
		OwnerName:   ownerName,
		PlayerCount: len(r.ActivePlayers()),
		MaxPlayers:  r.MaxPlayers,
		Locked:      r.Locked,
		Cycle:       r.Cycle,
		ChartName:   chartName,
		State:       r.State.Kind.String(),
	}
}

// visibleRooms filters the engine's full catalog down to rooms the
// public/private web surface is configured to expose: a room id prefixed
// with cfg.PubPrefix is gated by cfg.EnablePubWeb, one prefixed with
// cfg.PriPrefix by cfg.EnablePriWeb, and an unprefixed id falls back to
// the public gate.
func (s *Server) visibleRooms() []roomView {
	catalog := s.eng.RoomCatalog()
	out := make([]roomView, 0, len(catalog))
	for _, r := range catalog {
		if !s.roomVisible(r.ID) {
			continue
		}
		out = append(out, toRoomView(r))
	}
	return out
}

func (s *Server) roomVisible(roomID string) bool {
	switch {
	case s.cfg.PriPrefix != "" && strings.HasPrefix(roomID, s.cfg.PriPrefix):
		return s.cfg.EnablePriWeb
	case s.cfg.PubPrefix != "" && strings.HasPrefix(roomID, s.cfg.PubPrefix):
		return s.cfg.EnablePubWeb
	default:
		return s.cfg.EnablePubWeb
	}
}

type federationView struct {
	NodeID string                `json:"nodeId"`
	Peers  []federation.PeerView `json:"peers"`
}

type statusResponse struct {
	ServerName   string          `json:"serverName"`
	SessionCount int             `json:"sessionCount"`
	Rooms        []roomView      `json:"rooms"`
	Federation   *federationView `json:"federation,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{
		ServerName:   s.cfg.ServerName,
		SessionCount: s.sessions.Count(),
		Rooms:        s.visibleRooms(),
	}
	if s.fed != nil {
		nodeID, peers := s.fed.PublicStatus()
		resp.Federation = &federationView{NodeID: nodeID, Peers: peers}
	}
	c.JSON(http.StatusOK, resp)
}
