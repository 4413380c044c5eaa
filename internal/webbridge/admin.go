package webbridge

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/rhythmsession/server/internal/roomstore"
)

func parseUserID(c *gin.Context, param string) (int32, bool) {
	n, err := strconv.ParseInt(c.Param(param), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return int32(n), true
}

func (s *Server) respondAdminErr(c *gin.Context, err error) {
	if err == roomstore.ErrRoomNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) handleKick(c *gin.Context) {
	userID, ok := parseUserID(c, "userId")
	if !ok {
		return
	}
	if err := s.eng.Admin().KickPlayer(c.Param("roomId"), userID); err != nil {
		s.respondAdminErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCloseRoom(c *gin.Context) {
	if err := s.eng.Admin().CloseRoom(c.Param("roomId")); err != nil {
		s.respondAdminErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type lockRequest struct {
	Locked bool `json:"locked"`
}

func (s *Server) handleToggleLock(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}
	room, err := s.eng.Admin().ToggleLock(c.Param("roomId"), req.Locked)
	if err != nil {
		s.respondAdminErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoomView(room))
}

type cycleRequest struct {
	Cycle bool `json:"cycle"`
}

func (s *Server) handleToggleMode(c *gin.Context) {
	var req cycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}
	room, err := s.eng.Admin().ToggleMode(c.Param("roomId"), req.Cycle)
	if err != nil {
		s.respondAdminErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoomView(room))
}

type maxPlayersRequest struct {
	Max int `json:"max"`
}

func (s *Server) handleSetMaxPlayers(c *gin.Context) {
	var req maxPlayersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}
	room, err := s.eng.Admin().SetMaxPlayers(c.Param("roomId"), req.Max)
	if err != nil {
		s.respondAdminErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoomView(room))
}

type idListRequest struct {
	UserIDs []int32 `json:"userIds"`
}

func (s *Server) handleSetWhitelist(c *gin.Context) {
	var req idListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}
	room, err := s.eng.Admin().SetWhitelist(c.Param("roomId"), req.UserIDs)
	if err != nil {
		s.respondAdminErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoomView(room))
}

func (s *Server) handleSetBlacklist(c *gin.Context) {
	var req idListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}
	room, err := s.eng.Admin().SetBlacklist(c.Param("roomId"), req.UserIDs)
	if err != nil {
		s.respondAdminErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoomView(room))
}

func (s *Server) handleForceStart(c *gin.Context) {
	room, err := s.eng.Admin().ForceStart(c.Param("roomId"))
	if err != nil {
		s.respondAdminErr(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoomView(room))
}

type serverMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSendServerMessage(c *gin.Context) {
	var req serverMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request"})
		return
	}
	if err := s.eng.Admin().SendServerMessage(c.Param("roomId"), req.Content); err != nil {
		s.respondAdminErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type banRequest struct {
	Reason string `json:"reason"`
}

// handleBanID persists the ban, then immediately evicts the user from
// whatever room they currently occupy so a ban takes effect without
// waiting for their next reconnect attempt to be rejected.
func (s *Server) handleBanID(c *gin.Context) {
	userID, ok := parseUserID(c, "userId")
	if !ok {
		return
	}
	var req banRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.bans.BanID(userID, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist ban"})
		return
	}
	if roomID, inRoom := s.eng.Admin().RoomIDForUser(userID); inRoom {
		_ = s.eng.Admin().KickPlayer(roomID, userID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleBanIP(c *gin.Context) {
	ip := c.Param("ip")
	var req banRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.bans.BanIP(ip, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist ban"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
