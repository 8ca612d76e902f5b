package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaychat/relay/internal/apperr"
	"github.com/relaychat/relay/internal/bus"
	"github.com/relaychat/relay/internal/config"
	"github.com/relaychat/relay/internal/conversation"
	"github.com/relaychat/relay/internal/directory"
	"github.com/relaychat/relay/internal/httpapi"
	"github.com/relaychat/relay/internal/hub"
	"github.com/relaychat/relay/internal/lock"
	"github.com/relaychat/relay/internal/presence"
	"github.com/relaychat/relay/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeProfiles struct{}

func (fakeProfiles) ResolveToken(_ context.Context, token string) (string, error) {
	if token == "tok-alice" {
		return "alice", nil
	}
	return "", apperr.Unauthorized("invalid or expired credential")
}

func (fakeProfiles) Lookup(_ context.Context, id string) (*directory.Profile, error) {
	return &directory.Profile{ID: id, DisplayName: id}, nil
}

type fakeGroups struct{}

func (fakeGroups) Members(_ context.Context, groupID string) ([]string, error) {
	return nil, apperr.NotFound("group not found")
}

func (fakeGroups) GroupsOf(_ context.Context, participantID string) ([]string, error) {
	return nil, nil
}

func (fakeGroups) Lookup(_ context.Context, groupID string) (*directory.Group, error) {
	return nil, apperr.NotFound("group not found")
}

type fakeMedia struct{}

func (fakeMedia) Save(_ context.Context, fileName string, r io.Reader) (*directory.MediaRef, error) {
	_, _ = io.Copy(io.Discard, r)
	kind, _ := directory.KindFor(fileName)
	return &directory.MediaRef{FilePath: "/m/" + fileName, FileName: fileName, Kind: kind}, nil
}

// TestDaemonLifecycle wires the components the way the fx module does and
// exercises the REST surface end to end against a real store.
func TestDaemonLifecycle(t *testing.T) {
	dataDir := t.TempDir()

	lk, err := lock.Acquire(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(dataDir, "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	tracker := presence.NewTracker(b)
	h := hub.New(db, fakeProfiles{}, fakeGroups{}, tracker, b, logger, 64)
	api := httpapi.New(db, fakeProfiles{}, fakeGroups{}, fakeMedia{}, logger)

	cfg := config.Default()
	cfg.DataDir = dataDir
	srv := NewServer(&cfg, logger, api, h)
	defer srv.Stop(context.Background())

	// No credential: rejected at the boundary.
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	// Empty inbox.
	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err = srv.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rows []conversation.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %+v, want empty inbox", rows)
	}

	// A stored message shows up in the aggregate.
	receiver := "alice"
	if _, err := db.CreateMessage("bob", "hello", &receiver, nil, nil); err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	resp, err = srv.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].RoomKey != "bob" || rows[0].Unread != 1 {
		t.Errorf("rows = %+v, want one unread row for bob", rows)
	}
}

// TestWebsocketRouteRequiresUpgrade verifies that plain HTTP against the
// websocket endpoint is refused rather than hanging.
func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	dataDir := t.TempDir()

	db, err := store.Open(filepath.Join(dataDir, "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	h := hub.New(db, fakeProfiles{}, fakeGroups{}, presence.NewTracker(b), b, logger, 64)
	api := httpapi.New(db, fakeProfiles{}, fakeGroups{}, fakeMedia{}, logger)

	cfg := config.Default()
	cfg.DataDir = dataDir
	srv := NewServer(&cfg, logger, api, h)
	defer srv.Stop(context.Background())

	resp, err := srv.app.Test(httptest.NewRequest(http.MethodGet, "/ws", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", resp.StatusCode)
	}
}

// TestSecondDaemonRefused verifies the data-dir lock keeps two daemons off
// the same database.
func TestSecondDaemonRefused(t *testing.T) {
	dataDir := t.TempDir()

	lk, err := lock.Acquire(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	if _, err := lock.Acquire(dataDir); err == nil {
		t.Fatal("second acquire should fail while the lock is held")
	}
}

// TestWatchBusLogsEdges verifies the daemon mirrors bus traffic into its
// own log.
func TestWatchBusLogsEdges(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	b := bus.New()
	stop := watchBus(b, 8, zap.New(core))
	defer stop()

	b.Publish(bus.Event{Kind: bus.KindMessageSent})
	b.Publish(bus.Event{Kind: bus.KindPresenceOnline})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && logs.Len() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if logs.FilterField(zap.String("kind", bus.KindMessageSent)).Len() != 1 {
		t.Error("message edge not logged")
	}
	if logs.FilterField(zap.String("kind", bus.KindPresenceOnline)).Len() != 1 {
		t.Error("presence edge not logged")
	}
}
