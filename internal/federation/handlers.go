package federation

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rhythmsession/server/internal/metrics"
	"github.com/rhythmsession/server/internal/model"
)

// RegisterRoutes mounts the inbound federation HTTP surface under
// /api/federation on r, guarded by a constant-time shared-secret check.
func (m *Manager) RegisterRoutes(r gin.IRouter) {
	grp := r.Group("/api/federation", m.secretAuthMiddleware())
	grp.POST("/handshake", m.handleHandshake)
	grp.GET("/health", m.handleHealth)
	grp.GET("/rooms", m.handleGetRooms)
	grp.POST("/event", m.handlePostEvent)
	grp.POST("/proxy/join", m.handleProxyJoin)
	grp.POST("/proxy/command", m.handleProxyCommand)
	grp.POST("/proxy/leave", m.handleProxyLeave)
	grp.POST("/proxy/callback", m.handleProxyCallback)
}

func (m *Manager) secretAuthMiddleware() gin.HandlerFunc {
	secret := []byte(m.cfg.Secret)
	return func(c *gin.Context) {
		if subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Federation-Secret")), secret) != 1 {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func (m *Manager) handleHandshake(c *gin.Context) {
	var req handshakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed-handshake"})
		return
	}
	isNew, err := m.registerPeer(req.NodeID, req.NodeURL, req.ServerName)
	if err != nil {
		m.log.Warn("federation handshake rejected", zap.String("peer_id", req.NodeID), zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	metrics.FederationPeerState.WithLabelValues(req.NodeID).Set(peerMetricOnline)
	m.persistPeers()
	c.JSON(http.StatusOK, handshakeResponse{NodeID: m.cfg.NodeID, ServerName: m.cfg.ServerName, Peers: m.peerSummaries()})

	peerURL := req.NodeURL
	if isNew && !req.IsReverse {
		go func() {
			if err := m.Handshake(context.Background(), peerURL, true); err != nil {
				m.log.Warn("federation reverse handshake failed", zap.String("peer_url", peerURL), zap.Error(err))
			}
		}()
	}
	if isNew {
		go m.syncFromPeer(context.Background(), req.NodeID)
	}
}

type peerHealthSummary struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

func (m *Manager) handleHealth(c *gin.Context) {
	m.mu.RLock()
	peers := make([]peerHealthSummary, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, peerHealthSummary{ID: p.ID, Status: p.Status.String(), LastSeen: p.LastSeen})
	}
	m.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{
		"nodeId":     m.cfg.NodeID,
		"serverName": m.cfg.ServerName,
		"status":     "online",
		"peers":      peers,
		"timestamp":  time.Now().UnixMilli(),
	})
}

type roomsResponse struct {
	Rooms []publicRoom `json:"rooms"`
}

func (m *Manager) handleGetRooms(c *gin.Context) {
	rooms := m.engine.RoomCatalog()
	out := make([]publicRoom, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, toPublicRoom(r))
	}
	c.JSON(http.StatusOK, roomsResponse{Rooms: out})
}

func (m *Manager) handlePostEvent(c *gin.Context) {
	var req eventPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	if req.Deleted || req.Room == nil {
		delete(m.remoteRooms, req.RoomID)
	} else {
		m.remoteRooms[req.RoomID] = remoteRoomEntry{PeerID: req.NodeID, Info: *req.Room}
	}
	m.mu.Unlock()
	c.Status(http.StatusOK)
}

type proxyJoinRequest struct {
	SourceNodeID string `json:"sourceNodeId"`
	UserID       int32  `json:"userId"`
	UserName     string `json:"userName"`
	RoomID       string `json:"roomId"`
}

func (m *Manager) handleProxyJoin(c *gin.Context) {
	var req proxyJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	peer, ok := m.peerByID(req.SourceNodeID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown-source-node"})
		return
	}
	connID := virtualConnID(req.SourceNodeID, req.UserID)
	m.mu.Lock()
	m.incoming[connID] = peer.URL + proxyCallbackPath
	m.mu.Unlock()
	m.engine.CreateFederatedSession(connID, model.User{ID: req.UserID, Name: req.UserName})
	m.sendRoomJoin(c.Request.Context(), connID, req.RoomID)
	c.Status(http.StatusAccepted)
}

type proxyCommandRequest struct {
	SourceNodeID string `json:"sourceNodeId"`
	UserID       int32  `json:"userId"`
	Frame        string `json:"frame"`
}

func (m *Manager) handleProxyCommand(c *gin.Context) {
	var req proxyCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	frame, err := decodeFrame(req.Frame)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	connID := virtualConnID(req.SourceNodeID, req.UserID)
	m.engine.HandleFrame(c.Request.Context(), connID, frame)
	c.Status(http.StatusAccepted)
}

type proxyLeaveRequest struct {
	SourceNodeID string `json:"sourceNodeId"`
	UserID       int32  `json:"userId"`
}

func (m *Manager) handleProxyLeave(c *gin.Context) {
	var req proxyLeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	connID := virtualConnID(req.SourceNodeID, req.UserID)
	m.engine.HandleDisconnect(c.Request.Context(), connID)
	m.mu.Lock()
	delete(m.incoming, connID)
	m.mu.Unlock()
	c.Status(http.StatusOK)
}

type proxyCallbackRequest struct {
	UserID int32  `json:"userId"`
	Frame  string `json:"frame"`
}

func (m *Manager) handleProxyCallback(c *gin.Context) {
	var req proxyCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	frame, err := decodeFrame(req.Frame)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	m.mu.RLock()
	connID, ok := m.connByUser[req.UserID]
	m.mu.RUnlock()
	if !ok {
		c.Status(http.StatusOK)
		return
	}
	m.localConns.Send(connID, frame)
	c.Status(http.StatusOK)
}
