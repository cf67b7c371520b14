package admin_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/pushwire/pushwire-go/admin"
	"github.com/pushwire/pushwire-go/session"
	"github.com/pushwire/pushwire-go/session/memorystore"
)

type dropRecorder struct {
	mu      sync.Mutex
	dropped []string
}

func (d *dropRecorder) DropClient(ctx context.Context, clientID string) {
	d.mu.Lock()
	d.dropped = append(d.dropped, clientID)
	d.mu.Unlock()
}

func setup(t *testing.T) (*session.Registry, *dropRecorder, *httptest.Server) {
	t.Helper()
	reg := session.NewRegistry(memorystore.New())
	dropper := &dropRecorder{}
	srv := httptest.NewServer(admin.NewHandler(reg, dropper))
	t.Cleanup(srv.Close)
	return reg, dropper, srv
}

func register(t *testing.T, reg *session.Registry, clientID, connID string) {
	t.Helper()
	_, _, _, err := reg.Register(t.Context(), session.RegisterParams{
		ClientID: clientID,
		Kind:     session.KindCLI,
		ConnID:   connID,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	reg, _, srv := setup(t)
	register(t, reg, "c1", "conn-1")
	register(t, reg, "c2", "conn-2")

	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var body struct {
		Sessions []*session.ClientSession `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 2 {
		t.Fatalf("listed %d sessions, want 2", len(body.Sessions))
	}
}

func TestGetSession(t *testing.T) {
	reg, _, srv := setup(t)
	register(t, reg, "c1", "conn-1")

	resp, err := http.Get(srv.URL + "/sessions/c1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var sess session.ClientSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.ClientID != "c1" || sess.State != session.StateConnected {
		t.Fatalf("session = %+v", sess)
	}
}

func TestGetUnknownSessionIs404(t *testing.T) {
	_, _, srv := setup(t)
	resp, err := http.Get(srv.URL + "/sessions/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != http.StatusNotFound || body.Error.Message == "" {
		t.Fatalf("error body = %+v", body)
	}
}

func TestRejectsUnacceptableAccept(t *testing.T) {
	reg, _, srv := setup(t)
	register(t, reg, "c1", "conn-1")

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/sessions", nil)
	req.Header.Set("Accept", "text/html")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotAcceptable {
		t.Fatalf("status = %d, want 406", resp.StatusCode)
	}
}

func TestForceDisconnect(t *testing.T) {
	reg, dropper, srv := setup(t)
	register(t, reg, "c1", "conn-1")

	resp, err := http.Post(srv.URL+"/sessions/c1/disconnect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if len(dropper.dropped) != 1 || dropper.dropped[0] != "c1" {
		t.Fatalf("dropped = %v", dropper.dropped)
	}
}

func TestForceExpire(t *testing.T) {
	reg, _, srv := setup(t)
	register(t, reg, "c1", "conn-1")

	resp, err := http.Post(srv.URL+"/sessions/c1/expire", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	sess, err := reg.Get(t.Context(), "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.State != session.StateExpired {
		t.Fatalf("state = %s, want expired", sess.State)
	}
}

func TestSyntheticHeartbeat(t *testing.T) {
	reg, _, srv := setup(t)
	register(t, reg, "c1", "conn-1")
	before, _ := reg.Get(t.Context(), "c1")

	resp, err := http.Post(srv.URL+"/sessions/c1/heartbeat", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	after, _ := reg.Get(t.Context(), "c1")
	if after.LastHeartbeatAt.Before(before.LastHeartbeatAt) {
		t.Fatal("heartbeat timestamp went backwards")
	}
}
