package webbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rhythmsession/server/internal/banstore"
	"github.com/rhythmsession/server/internal/config"
	"github.com/rhythmsession/server/internal/engine"
	"github.com/rhythmsession/server/internal/model"
	"github.com/rhythmsession/server/internal/ratelimit"
	"github.com/rhythmsession/server/internal/roomstore"
	"github.com/rhythmsession/server/internal/sessiontable"
	"github.com/rhythmsession/server/internal/wire"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAuth struct{ users map[string]model.User }

func (f *fakeAuth) Authenticate(_ context.Context, token string) (model.User, error) {
	u, ok := f.users[token]
	if !ok {
		return model.User{}, sessiontable.ErrInvalidToken
	}
	return u, nil
}

type fakeCharts struct{}

func (fakeCharts) FetchChart(_ context.Context, chartID int32) (model.ChartInfo, error) {
	return model.ChartInfo{ID: chartID, Name: "Song"}, nil
}

func (fakeCharts) FetchRecord(_ context.Context, recordID int32) (model.PlayerScore, error) {
	return model.PlayerScore{Score: recordID * 1000}, nil
}

type fakeConns struct{}

func (fakeConns) Send(string, []byte) {}

const testTokenLen = 20

func token(n int, fill byte) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return string(b)
}

func newTestServer(t *testing.T) (*Server, *engine.Engine, *sessiontable.Table) {
	t.Helper()
	auth := &fakeAuth{users: map[string]model.User{
		token(testTokenLen, '1'): {ID: 1, Name: "alice"},
		token(testTokenLen, '2'): {ID: 2, Name: "bob"},
	}}
	rooms := roomstore.New(0, 8)
	bansStore, err := banstore.New(
		filepath.Join(t.TempDir(), "ids.json"),
		filepath.Join(t.TempDir(), "ips.json"),
		zap.NewNop(),
	)
	if err != nil {
		t.Fatal(err)
	}
	sessions := sessiontable.New(testTokenLen, auth, bansStore, rooms)
	eng := engine.New(sessions, rooms, fakeCharts{}, fakeConns{})

	cfg := &config.Config{
		ServerName:     "test-node",
		AllowedOrigins: "http://localhost:3000",
		AdminName:      "admin",
		AdminPassword:  "hunter2",
		AdminSecret:    "topsecret",
		SessionSecret:  "sess-secret",
		PubPrefix:      "pub_",
		EnablePubWeb:   true,
		PriPrefix:      "pri_",
		EnablePriWeb:   false,

		RateLimitAPIGlobal:     "100-M",
		RateLimitAPIPublic:     "100-M",
		RateLimitAPIRooms:      "100-M",
		RateLimitAPIMessages:   "100-M",
		RateLimitWsIP:          "100-M",
		RateLimitWsUser:        "100-M",
		LoginBlacklistDuration: time.Minute,
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	s := New(cfg, eng, sessions, bansStore, nil, limiter, zap.NewNop())
	return s, eng, sessions
}

func authenticate(t *testing.T, eng *engine.Engine, sessions *sessiontable.Table, connID, tok string) {
	t.Helper()
	sessions.HandleConnection(connID, func() {}, "127.0.0.1")
	eng.HandleFrame(context.Background(), connID, wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpAuthenticate, Token: tok}))
}

func TestStatusListsOnlyVisibleRooms(t *testing.T) {
	s, eng, sessions := newTestServer(t)
	ctx := context.Background()

	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	authenticate(t, eng, sessions, "c2", token(testTokenLen, '2'))

	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "pub_open"}))
	eng.HandleFrame(ctx, "c2", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "pri_hidden"}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Rooms) != 1 || resp.Rooms[0].ID != "pub_open" {
		t.Fatalf("expected only pub_open visible, got %+v", resp.Rooms)
	}
}

func TestAdminEndpointRejectsWithoutCredentials(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/rooms/r1/close", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rec.Code)
	}
}

func TestAdminEndpointAcceptsValidSecretToken(t *testing.T) {
	s, eng, sessions := newTestServer(t)
	ctx := context.Background()
	authenticate(t, eng, sessions, "c1", token(testTokenLen, '1'))
	eng.HandleFrame(ctx, "c1", wire.EncodeClientCommand(wire.ClientCommand{Op: wire.OpCreateRoom, RoomID: "r1"}))

	tok, err := encryptSecretToken(s.cfg.AdminSecret, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	body, _ := json.Marshal(lockRequest{Locked: true})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/rooms/r1/lock", bytes.NewReader(body))
	req.Header.Set("X-Admin-Secret", tok)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	room := eng.RoomCatalog()[0]
	if !room.Locked {
		t.Fatal("expected room to be locked after admin call")
	}
}

func TestAdminLoginIssuesSessionCookie(t *testing.T) {
	s, _, _ := newTestServer(t)

	form := "name=admin&password=hunter2"
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	cookies := rec.Result().Cookies()
	found := false
	for _, c := range cookies {
		if c.Name == adminSessionCookie {
			found = true
		}
	}
	if !found {
		t.Fatal("expected admin_session cookie to be set")
	}
}

func TestHealthzAndReadyz(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}
