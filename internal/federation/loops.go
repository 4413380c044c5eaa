package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rhythmsession/server/internal/metrics"
)

func (m *Manager) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAllPeers(ctx)
		}
	}
}

func (m *Manager) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.syncAllPeers(ctx)
		}
	}
}

// backoffFor returns how long to wait before the next health probe of p,
// or a negative duration once the peer has been offline long enough to
// be purged from the table entirely.
func (m *Manager) backoffFor(p *Peer) time.Duration {
	if p.Status != PeerOffline || p.OfflineSince.IsZero() {
		return m.cfg.HealthInterval
	}
	offlineFor := time.Since(p.OfflineSince)
	switch {
	case offlineFor < peerOfflineShortGrace:
		return peerBackoffShort
	case offlineFor < peerOfflineLongGrace:
		return peerBackoffLong
	default:
		return -1
	}
}

func (m *Manager) checkAllPeers(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	var due []*Peer
	var purge []string
	for id, p := range m.peers {
		backoff := m.backoffFor(p)
		if backoff < 0 {
			purge = append(purge, id)
			continue
		}
		if now.Sub(p.LastHealthCheck) >= backoff {
			due = append(due, p)
		}
	}
	for _, id := range purge {
		delete(m.peers, id)
	}
	m.mu.Unlock()

	for _, id := range purge {
		m.log.Info("federation peer purged after extended outage", zap.String("peer_id", id))
	}
	if len(purge) > 0 {
		m.persistPeers()
	}
	for _, p := range due {
		m.checkPeer(ctx, p)
	}
}

func (m *Manager) checkPeer(ctx context.Context, p *Peer) {
	wasOnline := p.Status == PeerOnline
	err := m.pingPeer(ctx, p)

	m.mu.Lock()
	p.LastHealthCheck = time.Now()
	if err != nil {
		if p.Status != PeerOffline {
			p.OfflineSince = time.Now()
		}
		p.Status = PeerOffline
	} else {
		p.Status = PeerOnline
		p.LastSeen = time.Now()
		p.OfflineSince = time.Time{}
	}
	status := p.Status
	nowOnline := status == PeerOnline
	id := p.ID
	m.mu.Unlock()

	metrics.FederationPeerState.WithLabelValues(id).Set(peerStateMetric(status))

	if !wasOnline && nowOnline {
		m.log.Info("federation peer came online", zap.String("peer_id", id))
		go m.syncFromPeer(context.Background(), id)
	}
	if wasOnline && !nowOnline {
		m.onPeerOffline(id)
	}
}

func (m *Manager) pingPeer(ctx context.Context, p *Peer) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL+"/api/federation/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Federation-Secret", m.cfg.Secret)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("federation: %s /health returned %d", p.ID, resp.StatusCode)
	}
	return nil
}

// onPeerOffline detaches every virtual connection and remote-catalog
// entry attributed to peerID. Local connections that were proxied to it
// simply stop forwarding — their next command runs the normal local
// dispatch path and fails with the room no longer being found, matching
// the disconnect-and-detach behavior described for a federation timeout
// without aborting any other caller's state.
func (m *Manager) onPeerOffline(peerID string) {
	prefix := "federation:" + peerID + ":"
	m.mu.Lock()
	var detached []string
	for connID := range m.incoming {
		if strings.HasPrefix(connID, prefix) {
			detached = append(detached, connID)
			delete(m.incoming, connID)
		}
	}
	for userID, pid := range m.outgoing {
		if pid == peerID {
			delete(m.outgoing, userID)
			delete(m.connByUser, userID)
		}
	}
	for roomID, entry := range m.remoteRooms {
		if entry.PeerID == peerID {
			delete(m.remoteRooms, roomID)
		}
	}
	m.mu.Unlock()

	for _, connID := range detached {
		go m.engine.HandleDisconnect(context.Background(), connID)
	}
	m.log.Warn("federation peer went offline", zap.String("peer_id", peerID))
}

func (m *Manager) syncAllPeers(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if p.Status == PeerOnline {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.syncFromPeer(ctx, id)
	}
}

// syncFromPeer pulls peerID's room catalog and atomically replaces the
// subset of remoteRooms attributed to it. A network error leaves the
// prior entries untouched rather than clearing the catalog, since a
// transient failure shouldn't make a peer's rooms vanish from sight.
func (m *Manager) syncFromPeer(ctx context.Context, peerID string) {
	peer, ok := m.peerByID(peerID)
	if !ok {
		return
	}
	result, err := m.breakerFor(peerID).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, peer.URL+"/api/federation/rooms", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Federation-Secret", m.cfg.Secret)
		resp, err := m.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("federation: %s /rooms returned %d", peerID, resp.StatusCode)
		}
		var out roomsResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return out.Rooms, nil
	})
	if err != nil {
		m.log.Warn("federation room sync failed, preserving prior catalog", zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	rooms := result.([]publicRoom)

	m.mu.Lock()
	for roomID, entry := range m.remoteRooms {
		if entry.PeerID == peerID {
			delete(m.remoteRooms, roomID)
		}
	}
	for _, r := range rooms {
		m.remoteRooms[r.ID] = remoteRoomEntry{PeerID: peerID, Info: r}
	}
	m.mu.Unlock()
}
