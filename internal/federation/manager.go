package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/rhythmsession/server/internal/metrics"
	"github.com/rhythmsession/server/internal/model"
	"github.com/rhythmsession/server/internal/wire"
)

// Manager implements engine.FederationHook (by structural typing — this
// package never imports engine) and drives handshake, health-check,
// catalog-sync and cross-node proxy traffic with peer session servers.
type Manager struct {
	cfg        Config
	engine     SessionEngine
	localConns ConnRegistry
	log        *zap.Logger
	httpClient *http.Client

	mu          sync.RWMutex
	peers       map[string]*Peer
	remoteRooms map[string]remoteRoomEntry
	outgoing    map[int32]string // local userID -> peer id the user is currently proxied to
	connByUser  map[int32]string // local userID -> local connID, for routing proxy callbacks
	incoming    map[string]string // virtual connID -> source node's callback URL
	breakers    map[string]*gobreaker.CircuitBreaker
}

func NewManager(cfg Config, engine SessionEngine, localConns ConnRegistry, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:         cfg,
		engine:      engine,
		localConns:  localConns,
		log:         log,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		peers:       make(map[string]*Peer),
		remoteRooms: make(map[string]remoteRoomEntry),
		outgoing:    make(map[int32]string),
		connByUser:  make(map[int32]string),
		incoming:    make(map[string]string),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
	records, err := loadNodes(cfg.NodesPath)
	if err != nil {
		return nil, fmt.Errorf("federation: loading node table: %w", err)
	}
	for _, r := range records {
		m.peers[r.ID] = &Peer{
			ID: r.ID, URL: r.URL, ServerName: r.ServerName,
			Status: PeerUnknown, LastSeen: r.LastSeen, AddedAt: r.AddedAt,
		}
	}
	return m, nil
}

// Start launches the background health-check and catalog-sync loops and
// kicks off an initial handshake with every configured seed node. It
// returns immediately; loops stop when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	for _, seed := range m.cfg.SeedNodes {
		seed := seed
		go func() {
			if err := m.Handshake(ctx, seed, false); err != nil {
				m.log.Warn("federation seed handshake failed", zap.String("url", seed), zap.Error(err))
			}
		}()
	}
	go m.healthLoop(ctx)
	go m.syncLoop(ctx)
}

func (m *Manager) breakerFor(peerID string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[peerID]; ok {
		return cb
	}
	name := "federation-peer-" + peerID
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	m.breakers[peerID] = cb
	return cb
}

func (m *Manager) peerByID(id string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// peerOnline reports whether id is a known, currently-online peer. Status
// is mutated by the health loop under mu, so callers that care about it
// must go through here rather than dereferencing a *Peer field directly.
func (m *Manager) peerOnline(id string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	if !ok || p.Status != PeerOnline {
		return p, false
	}
	return p, true
}

func (m *Manager) peerSummaries() []peerSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]peerSummary, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, peerSummary{ID: p.ID, URL: p.URL, ServerName: p.ServerName})
	}
	return out
}

// PeerView is one peer's identity and health as exposed outside the
// package, for the WebBridge status endpoint.
type PeerView struct {
	ID         string
	ServerName string
	Status     string
}

// PublicStatus returns this node's id and a snapshot of every known peer's
// health, without exposing the unexported Peer/peerSummary types.
func (m *Manager) PublicStatus() (nodeID string, peers []PeerView) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerView, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerView{ID: p.ID, ServerName: p.ServerName, Status: p.Status.String()})
	}
	return m.cfg.NodeID, out
}

func (m *Manager) persistPeers() {
	if m.cfg.NodesPath == "" {
		return
	}
	m.mu.RLock()
	records := make([]nodeRecord, 0, len(m.peers))
	for _, p := range m.peers {
		records = append(records, nodeRecord{ID: p.ID, URL: p.URL, ServerName: p.ServerName, LastSeen: p.LastSeen, AddedAt: p.AddedAt})
	}
	m.mu.RUnlock()
	if err := saveNodes(m.cfg.NodesPath, records); err != nil {
		m.log.Warn("federation: failed to persist node table", zap.Error(err))
	}
}

// registerPeer inserts or refreshes a peer entry. An id bound to a
// different URL (or vice versa) is a collision and is rejected outright
// rather than silently overwritten, per the federation error taxonomy.
func (m *Manager) registerPeer(id, url, serverName string) (isNew bool, err error) {
	if id == m.cfg.NodeID {
		return false, fmt.Errorf("federation: refusing to register self as a peer")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.peers[id]; ok && existing.URL != url {
		return false, fmt.Errorf("federation: peer %s already registered at a different url", id)
	}
	for pid, p := range m.peers {
		if pid != id && p.URL == url {
			return false, fmt.Errorf("federation: url %s already registered under peer %s", url, pid)
		}
	}
	now := time.Now()
	existing, ok := m.peers[id]
	if !ok {
		m.peers[id] = &Peer{ID: id, URL: url, ServerName: serverName, Status: PeerOnline, LastSeen: now, LastHealthCheck: now, AddedAt: now}
		return true, nil
	}
	existing.ServerName = serverName
	existing.Status = PeerOnline
	existing.LastSeen = now
	existing.OfflineSince = time.Time{}
	return false, nil
}

type handshakeRequest struct {
	NodeID     string `json:"nodeId"`
	NodeURL    string `json:"nodeUrl"`
	ServerName string `json:"serverName"`
	IsReverse  bool   `json:"isReverse"`
}

type peerSummary struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ServerName string `json:"serverName"`
}

type handshakeResponse struct {
	NodeID     string        `json:"nodeId"`
	ServerName string        `json:"serverName"`
	Peers      []peerSummary `json:"peers"`
}

// Handshake dials peerURL's /handshake endpoint, registers the peer it
// answers as, and recursively dials back any peer it names that isn't
// already known — gossip discovery across the whole mesh, one contact at
// a time. reverse marks a callback made because we were the ones
// contacted first, so the far side doesn't try to reverse-handshake us
// in an infinite ping-pong.
func (m *Manager) Handshake(ctx context.Context, peerURL string, reverse bool) error {
	body, err := json.Marshal(handshakeRequest{NodeID: m.cfg.NodeID, NodeURL: m.cfg.NodeURL, ServerName: m.cfg.ServerName, IsReverse: reverse})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/api/federation/handshake", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Federation-Secret", m.cfg.Secret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("federation: handshake with %s returned %d", peerURL, resp.StatusCode)
	}
	var out handshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if _, err := m.registerPeer(out.NodeID, peerURL, out.ServerName); err != nil {
		return err
	}
	metrics.FederationPeerState.WithLabelValues(out.NodeID).Set(peerMetricOnline)
	m.persistPeers()
	go m.syncFromPeer(context.Background(), out.NodeID)

	for _, gossip := range out.Peers {
		if gossip.ID == m.cfg.NodeID {
			continue
		}
		if _, known := m.peerByID(gossip.ID); known {
			continue
		}
		url := gossip.URL
		go func() {
			if err := m.Handshake(context.Background(), url, false); err != nil {
				m.log.Warn("federation gossip handshake failed", zap.String("peer_url", url), zap.Error(err))
			}
		}()
	}
	return nil
}

// BroadcastRoomEvent implements engine.FederationHook: it pushes the
// current (or deleted) state of roomID to every peer currently believed
// online.
func (m *Manager) BroadcastRoomEvent(roomID string) {
	rooms := m.engine.RoomCatalog()
	var room *model.Room
	for i := range rooms {
		if rooms[i].ID == roomID {
			room = &rooms[i]
			break
		}
	}
	m.mu.RLock()
	online := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if p.Status == PeerOnline {
			online = append(online, p)
		}
	}
	m.mu.RUnlock()
	for _, p := range online {
		go m.pushEvent(p, roomID, room)
	}
}

type eventPayload struct {
	NodeID  string      `json:"nodeId"`
	RoomID  string      `json:"roomId"`
	Deleted bool        `json:"deleted"`
	Room    *publicRoom `json:"room,omitempty"`
}

func (m *Manager) pushEvent(p *Peer, roomID string, room *model.Room) {
	ev := eventPayload{NodeID: m.cfg.NodeID, RoomID: roomID}
	if room == nil {
		ev.Deleted = true
	} else {
		pr := toPublicRoom(*room)
		ev.Room = &pr
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = m.breakerFor(p.ID).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, p.URL+"/api/federation/event", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Federation-Secret", m.cfg.Secret)
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return nil, nil
	})
}

// ProxyJoinRequest implements engine.FederationHook: it attempts to hand
// a local JoinRoom for an unknown room id off to whichever peer's catalog
// last reported hosting it.
func (m *Manager) ProxyJoinRequest(ctx context.Context, connID string, user model.User, roomID string) (bool, error) {
	m.mu.RLock()
	entry, ok := m.remoteRooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	peer, ok := m.peerOnline(entry.PeerID)
	if !ok {
		return false, fmt.Errorf("remote-room-unavailable")
	}

	m.mu.Lock()
	m.outgoing[user.ID] = entry.PeerID
	m.connByUser[user.ID] = connID
	m.mu.Unlock()

	body, err := json.Marshal(proxyJoinRequest{SourceNodeID: m.cfg.NodeID, UserID: user.ID, UserName: user.Name, RoomID: roomID})
	if err != nil {
		return false, err
	}
	_, err = m.breakerFor(entry.PeerID).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.URL+"/api/federation/proxy/join", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Federation-Secret", m.cfg.Secret)
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("federation: proxy join on %s returned %d", entry.PeerID, resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		m.mu.Lock()
		delete(m.outgoing, user.ID)
		delete(m.connByUser, user.ID)
		m.mu.Unlock()
		return false, err
	}
	return true, nil
}

// ForwardCommand implements engine.FederationHook: it relays a raw
// command frame to the peer currently hosting userID's room, if any.
func (m *Manager) ForwardCommand(ctx context.Context, userID int32, raw []byte) bool {
	m.mu.RLock()
	peerID, proxied := m.outgoing[userID]
	m.mu.RUnlock()
	if !proxied {
		return false
	}
	peer, ok := m.peerByID(peerID)
	if !ok {
		return true
	}
	body, err := json.Marshal(proxyCommandRequest{SourceNodeID: m.cfg.NodeID, UserID: userID, Frame: encodeFrame(raw)})
	if err != nil {
		return true
	}
	_, _ = m.breakerFor(peerID).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.URL+"/api/federation/proxy/command", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Federation-Secret", m.cfg.Secret)
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return nil, nil
	})
	return true
}

// ForwardDisconnect implements engine.FederationHook: it notifies the
// remote authoritative node that userID's local connection is gone, and
// releases the local proxy bookkeeping for it.
func (m *Manager) ForwardDisconnect(ctx context.Context, userID int32) bool {
	m.mu.Lock()
	peerID, proxied := m.outgoing[userID]
	delete(m.outgoing, userID)
	delete(m.connByUser, userID)
	m.mu.Unlock()
	if !proxied {
		return false
	}
	peer, ok := m.peerByID(peerID)
	if !ok {
		return true
	}
	body, err := json.Marshal(proxyLeaveRequest{SourceNodeID: m.cfg.NodeID, UserID: userID})
	if err != nil {
		return true
	}
	_, _ = m.breakerFor(peerID).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.URL+"/api/federation/proxy/leave", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Federation-Secret", m.cfg.Secret)
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return nil, nil
	})
	return true
}

// SendToProxy implements the virtual-connection half of ConnRegistry for
// connection ids of the form federation:<sourceNodeId>:<userId>: it
// relays the frame to the source node's proxy callback endpoint instead
// of a local socket. cmd/sessionserver's composite registry routes here
// for any connID IsVirtualConn reports true for.
func (m *Manager) SendToProxy(connID string, frame []byte) {
	m.mu.RLock()
	cbURL, ok := m.incoming[connID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	rest := strings.TrimPrefix(connID, "federation:")
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return
	}
	userID, err := parseUserID(parts[1])
	if err != nil {
		return
	}
	go m.deliverProxyCallback(cbURL, userID, frame)
}

func (m *Manager) deliverProxyCallback(cbURL string, userID int32, frame []byte) {
	body, err := json.Marshal(proxyCallbackRequest{UserID: userID, Frame: encodeFrame(frame)})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, cbURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Federation-Secret", m.cfg.Secret)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.log.Warn("federation proxy callback delivery failed", zap.String("callback_url", cbURL), zap.Error(err))
		return
	}
	resp.Body.Close()
}

// IsVirtualConn reports whether connID names a federation proxy
// connection rather than a real local socket.
func IsVirtualConn(connID string) bool {
	return strings.HasPrefix(connID, "federation:")
}

func (m *Manager) sendRoomJoin(ctx context.Context, connID, roomID string) {
	frame := wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpJoinRoom, RoomID: roomID})
	m.engine.HandleFrame(ctx, connID, frame)
}
