// Package federation implements cross-node gossip, health checking, room
// catalog sync, and player proxying between session servers. A node
// neither imports nor is imported by the engine package directly: the
// engine depends on this package only through its own FederationHook
// interface, and this package depends on the engine only through the
// locally-defined SessionEngine interface below, so the two packages can
// be wired together by cmd/sessionserver without a compile-time cycle.
package federation

import (
	"context"
	"strconv"
	"time"

	"github.com/rhythmsession/server/internal/model"
)

// SessionEngine is the narrow slice of the protocol engine federation
// needs to inject and drive virtual connections and to read the local
// room catalog for gossip sync.
type SessionEngine interface {
	HandleFrame(ctx context.Context, connID string, raw []byte)
	HandleDisconnect(ctx context.Context, connID string)
	CreateFederatedSession(connID string, user model.User)
	RoomCatalog() []model.Room
}

// ConnRegistry delivers frames back to a real local connection. Satisfied
// by *transport.Server.
type ConnRegistry interface {
	Send(connID string, frame []byte)
}

// PeerStatus mirrors the tri-state peer health described for cross-node
// gossip: a peer is unknown until its first successful handshake or
// health check, then toggles online/offline as checks succeed or fail.
type PeerStatus int

const (
	PeerUnknown PeerStatus = iota
	PeerOnline
	PeerOffline
)

func (s PeerStatus) String() string {
	switch s {
	case PeerOnline:
		return "online"
	case PeerOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Peer is one remote node's entry in the node table.
type Peer struct {
	ID              string
	URL             string
	ServerName      string
	Status          PeerStatus
	LastSeen        time.Time
	LastHealthCheck time.Time
	AddedAt         time.Time
	OfflineSince    time.Time
}

// publicRoom is the read-only catalog projection of a room shared between
// nodes: enough to list it and join it, never the full player roster.
type publicRoom struct {
	ID          string `json:"id"`
	OwnerName   string `json:"ownerName"`
	MaxPlayers  int    `json:"maxPlayers"`
	PlayerCount int    `json:"playerCount"`
	Locked      bool   `json:"locked"`
	Cycle       bool   `json:"cycle"`
	ChartName   string `json:"chartName,omitempty"`
	State       string `json:"state"`
}

func toPublicRoom(r model.Room) publicRoom {
	ownerName := ""
	if p, ok := r.Players[r.OwnerID]; ok {
		ownerName = p.User.Name
	}
	chartName := ""
	if r.SelectedChart != nil {
		chartName = r.SelectedChart.Name
	}
	return publicRoom{
		ID:          r.ID,
		OwnerName:   ownerName,
		MaxPlayers:  r.MaxPlayers,
		PlayerCount: len(r.ActivePlayers()),
		Locked:      r.Locked,
		Cycle:       r.Cycle,
		ChartName:   chartName,
		State:       r.State.Kind.String(),
	}
}

// remoteRoomEntry tracks which peer a catalog entry was learned from, so
// a peer going offline can drop exactly its own rooms from the catalog.
type remoteRoomEntry struct {
	PeerID string
	Info   publicRoom
}

// Config configures a Manager. NodeID, NodeURL and Secret are required
// whenever federation is enabled (internal/config.ValidateEnv enforces
// this before a Manager is constructed).
type Config struct {
	NodeID         string
	NodeURL        string
	ServerName     string
	Secret         string
	SeedNodes      []string
	HealthInterval time.Duration
	SyncInterval   time.Duration
	NodesPath      string
}

const proxyCallbackPath = "/api/federation/proxy/callback"

// peerOfflineShortGrace and peerOfflineLongGrace set the health-check
// backoff tiers: a peer offline for less than 3 days is probed every 5
// minutes, then hourly for up to 7 days, then purged from the table.
const (
	peerOfflineShortGrace = 3 * 24 * time.Hour
	peerOfflineLongGrace  = 7 * 24 * time.Hour
	peerBackoffShort      = 5 * time.Minute
	peerBackoffLong       = time.Hour
)

const (
	peerMetricOffline = 0
	peerMetricOnline  = 1
	peerMetricSuspect = 2
)

func peerStateMetric(s PeerStatus) float64 {
	switch s {
	case PeerOnline:
		return peerMetricOnline
	case PeerOffline:
		return peerMetricOffline
	default:
		return peerMetricSuspect
	}
}

func virtualConnID(sourceNodeID string, userID int32) string {
	return "federation:" + sourceNodeID + ":" + strconv.Itoa(int(userID))
}
