// Package sessiontable implements the connection↔user mapping:
// per-connection registration, authentication against the identity API,
// single-session enforcement, and reconnection migration.
//
// Locking follows a fixed order (Session → Room → Federation): Table's
// mutex is always the outermost lock taken by any call path that also
// touches RoomStore.
package sessiontable

import (
	"context"
	"fmt"

	"github.com/rhythmsession/server/internal/model"
	"sync"
)

// AuthClient authenticates a bearer token against the external identity
// service (GET {apiUrl}/me).
type AuthClient interface {
	Authenticate(ctx context.Context, token string) (model.User, error)
}

// BanStore answers ban-list lookups.
type BanStore interface {
	IsIDBanned(userID int32) (bool, string)
	IsIPBanned(ip string) (bool, string)
}

// RoomStore is the narrow slice of RoomStore that session migration needs.
type RoomStore interface {
	RoomIDForUser(userID int32) (string, bool)
	MigrateConnection(roomID string, userID int32, newConnID string) error
	HandleDisconnect(ctx context.Context, userID int32)
}

// connMeta is tracked for every accepted connection, even before it holds
// a session.
type connMeta struct {
	close func()
	ip    string
}

// AuthResult is returned by Authenticate on success.
type AuthResult struct {
	User          model.User
	MigratedRoom  string // non-empty if this authentication migrated an existing room membership
	EvictedOldConn bool
}

// Table is the process-wide session registry.
type Table struct {
	mu         sync.Mutex
	byConn     map[string]*model.Session
	byUser     map[int32]string
	conns      map[string]connMeta
	tokenLen   int
	auth       AuthClient
	bans       BanStore
	rooms      RoomStore
}

func New(tokenLen int, auth AuthClient, bans BanStore, rooms RoomStore) *Table {
	return &Table{
		byConn:   make(map[string]*model.Session),
		byUser:   make(map[int32]string),
		conns:    make(map[string]connMeta),
		tokenLen: tokenLen,
		auth:     auth,
		bans:     bans,
		rooms:    rooms,
	}
}

// HandleConnection registers a freshly accepted connection without a
// session. closeFn forcibly closes the underlying socket; it must be safe
// to call more than once.
func (t *Table) HandleConnection(connID string, closeFn func(), ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[connID] = connMeta{close: closeFn, ip: ip}
}

// HandleClose releases bookkeeping for a connection that has gone away,
// including any session it held. Returns the userId the connection was
// authenticated as, if any.
func (t *Table) HandleClose(connID string) (userID int32, hadSession bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connID)
	sess, ok := t.byConn[connID]
	if !ok {
		return 0, false
	}
	delete(t.byConn, connID)
	if t.byUser[sess.UserID] == connID {
		delete(t.byUser, sess.UserID)
	}
	return sess.UserID, true
}

// Session returns the session bound to connID, if authenticated.
func (t *Table) Session(connID string) (model.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byConn[connID]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// ConnectionForUser returns the connection id currently bound to userID.
func (t *Table) ConnectionForUser(userID int32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byUser[userID]
	return c, ok
}

// Errors returned by Authenticate.
var (
	ErrDuplicateAuth = fmt.Errorf("duplicate-auth")
	ErrInvalidToken  = fmt.Errorf("invalid-token")
	ErrUnknownConn   = fmt.Errorf("unknown-connection")
)

// BannedError wraps a human-readable reason for a banned user/IP.
type BannedError struct{ Reason string }

func (e *BannedError) Error() string { return e.Reason }

// Authenticate runs the five-step authentication procedure from spec
// §4.3. On success the new session is committed before this call returns;
// the caller is responsible for emitting the Authenticate(ok, ...) reply
// and welcome chat broadcast in commit order.
func (t *Table) Authenticate(ctx context.Context, connID, token string) (AuthResult, error) {
	t.mu.Lock()
	if _, exists := t.byConn[connID]; exists {
		t.mu.Unlock()
		return AuthResult{}, ErrDuplicateAuth
	}
	meta, known := t.conns[connID]
	if !known {
		t.mu.Unlock()
		return AuthResult{}, ErrUnknownConn
	}
	if len(token) != t.tokenLen {
		t.mu.Unlock()
		return AuthResult{}, ErrInvalidToken
	}
	t.mu.Unlock()

	// AuthClient call happens with no lock held, so a slow identity
	// service can't stall other connections' authentication.
	user, err := t.auth.Authenticate(ctx, token)
	if err != nil {
		return AuthResult{}, err
	}

	if banned, reason := t.bans.IsIDBanned(user.ID); banned {
		return AuthResult{}, &BannedError{Reason: reason}
	}
	if banned, reason := t.bans.IsIPBanned(meta.ip); banned {
		return AuthResult{}, &BannedError{Reason: reason}
	}

	t.mu.Lock()
	result := AuthResult{User: user}
	if oldConnID, exists := t.byUser[user.ID]; exists && oldConnID != connID {
		if roomID, inRoom := t.rooms.RoomIDForUser(user.ID); inRoom {
			if err := t.rooms.MigrateConnection(roomID, user.ID, connID); err != nil {
				t.mu.Unlock()
				return AuthResult{}, err
			}
			result.MigratedRoom = roomID
			if oldMeta, ok := t.conns[oldConnID]; ok && oldMeta.close != nil {
				oldMeta.close()
			}
			delete(t.byConn, oldConnID)
			delete(t.conns, oldConnID)
		} else {
			result.EvictedOldConn = true
			oldMeta, hasOld := t.conns[oldConnID]
			t.mu.Unlock()
			// Disconnect path runs without the session lock held, then we
			// re-acquire to commit the new session.
			t.rooms.HandleDisconnect(ctx, user.ID)
			if hasOld && oldMeta.close != nil {
				oldMeta.close()
			}
			t.mu.Lock()
			delete(t.byConn, oldConnID)
			delete(t.conns, oldConnID)
		}
	}

	t.byConn[connID] = &model.Session{
		UserID:       user.ID,
		UserInfo:     user,
		ConnectionID: connID,
		RemoteAddr:   meta.ip,
	}
	t.byUser[user.ID] = connID
	t.mu.Unlock()

	return result, nil
}

// RegisterFederated directly commits a session for a virtual federation
// connection id (`federation:<sourceNodeId>:<userId>`), bypassing the
// bearer-token AuthClient call: the authoritative node trusts the source
// node to have already authenticated the user before proxying its join.
// Unlike Authenticate this never migrates or evicts — a proxied user is,
// by construction, not already present locally.
func (t *Table) RegisterFederated(connID string, user model.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byConn[connID] = &model.Session{UserID: user.ID, UserInfo: user, ConnectionID: connID}
	t.byUser[user.ID] = connID
}

// Count returns the number of authenticated sessions.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byConn)
}
