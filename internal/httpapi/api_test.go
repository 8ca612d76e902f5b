package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/relaychat/relay/internal/apperr"
	"github.com/relaychat/relay/internal/conversation"
	"github.com/relaychat/relay/internal/directory"
	"github.com/relaychat/relay/internal/hub"
	"github.com/relaychat/relay/internal/store"
	"go.uber.org/zap"
)

type fakeProfiles struct {
	tokens map[string]string
}

func (f *fakeProfiles) ResolveToken(_ context.Context, token string) (string, error) {
	if id, ok := f.tokens[token]; ok {
		return id, nil
	}
	return "", apperr.Unauthorized("invalid or expired credential")
}

func (f *fakeProfiles) Lookup(_ context.Context, id string) (*directory.Profile, error) {
	return &directory.Profile{ID: id, DisplayName: "Name of " + id}, nil
}

type fakeGroups struct {
	members map[string][]string
}

func (f *fakeGroups) Members(_ context.Context, groupID string) ([]string, error) {
	m, ok := f.members[groupID]
	if !ok {
		return nil, apperr.NotFound("group not found")
	}
	return m, nil
}

func (f *fakeGroups) GroupsOf(_ context.Context, participantID string) ([]string, error) {
	var out []string
	for id, members := range f.members {
		if slices.Contains(members, participantID) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeGroups) Lookup(_ context.Context, groupID string) (*directory.Group, error) {
	if _, ok := f.members[groupID]; !ok {
		return nil, apperr.NotFound("group not found")
	}
	return &directory.Group{ID: groupID, Name: "Group " + groupID}, nil
}

type fakeMedia struct{}

func (fakeMedia) Save(_ context.Context, fileName string, r io.Reader) (*directory.MediaRef, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	kind, _ := directory.KindFor(fileName)
	return &directory.MediaRef{FilePath: "/media/" + fileName, FileName: fileName, Kind: kind}, nil
}

func testApp(t *testing.T, groups *fakeGroups) (*fiber.App, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if groups == nil {
		groups = &fakeGroups{members: map[string][]string{}}
	}
	profiles := &fakeProfiles{tokens: map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	}}

	app := fiber.New()
	New(db, profiles, groups, fakeMedia{}, zap.NewNop()).Register(app)
	return app, db
}

func doJSON(t *testing.T, app *fiber.App, method, path, token string, out any) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp
}

func ptr(s string) *string { return &s }

func seedDirect(t *testing.T, db *store.DB, sender, receiver, content string) *store.Message {
	t.Helper()
	msg, err := db.CreateMessage(sender, content, ptr(receiver), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestAuthRequired(t *testing.T) {
	app, _ := testApp(t, nil)

	resp := doJSON(t, app, http.MethodGet, "/api/conversations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodGet, "/api/conversations", "bogus", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListConversations(t *testing.T) {
	app, db := testApp(t, nil)
	seedDirect(t, db, "bob", "alice", "hello alice")

	var rows []conversation.Conversation
	resp := doJSON(t, app, http.MethodGet, "/api/conversations", "tok-alice", &rows)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %+v, want 1", rows)
	}
	if rows[0].RoomKey != "bob" || rows[0].Unread != 1 {
		t.Errorf("row = %+v, want room bob unread 1", rows[0])
	}
	if rows[0].DisplayName != "Name of bob" {
		t.Errorf("display name = %q, want directory name", rows[0].DisplayName)
	}
}

func TestListHistoryPaginates(t *testing.T) {
	app, db := testApp(t, nil)
	seedDirect(t, db, "alice", "bob", "one")
	seedDirect(t, db, "bob", "alice", "two")

	var msgs []hub.MessageDTO
	resp := doJSON(t, app, http.MethodGet, "/api/history/bob?limit=1", "tok-alice", &msgs)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(msgs) != 1 || msgs[0].Content != "one" {
		t.Fatalf("msgs = %+v, want first page [one]", msgs)
	}

	var rest []hub.MessageDTO
	doJSON(t, app, http.MethodGet, "/api/history/bob?after="+itoa(msgs[0].CreatedAt), "tok-alice", &rest)
	for _, m := range rest {
		if m.CreatedAt <= msgs[0].CreatedAt {
			t.Errorf("message %s at %d not after cursor %d", m.ID, m.CreatedAt, msgs[0].CreatedAt)
		}
	}
}

func TestGroupHistoryRequiresMembership(t *testing.T) {
	groups := &fakeGroups{members: map[string][]string{"g1": {"alice"}}}
	app, _ := testApp(t, groups)

	resp := doJSON(t, app, http.MethodGet, "/api/history/g1?is_group=true", "tok-bob", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodGet, "/api/history/g1?is_group=true", "tok-alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestGetMessageAuthorization(t *testing.T) {
	app, db := testApp(t, nil)
	msg := seedDirect(t, db, "alice", "bob", "private")

	var got hub.MessageDTO
	resp := doJSON(t, app, http.MethodGet, "/api/messages/"+msg.ID, "tok-bob", &got)
	if resp.StatusCode != http.StatusOK || got.ID != msg.ID {
		t.Errorf("status = %d got = %+v", resp.StatusCode, got)
	}

	// A third party cannot read someone else's direct message.
	profiles := &fakeProfiles{tokens: map[string]string{"tok-eve": "eve"}}
	appEve := fiber.New()
	New(db, profiles, &fakeGroups{members: map[string][]string{}}, fakeMedia{}, zap.NewNop()).Register(appEve)
	resp = doJSON(t, appEve, http.MethodGet, "/api/messages/"+msg.ID, "tok-eve", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	resp = doJSON(t, app, http.MethodGet, "/api/messages/nope", "tok-alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeletedMessageProjectedOverREST(t *testing.T) {
	app, db := testApp(t, nil)
	msg, err := db.CreateMessage("alice", "oops", ptr("bob"), nil, []store.Attachment{
		{FilePath: "/m/x.png", FileName: "x.png", Kind: "image"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.SoftDeleteMessage(msg.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	var got hub.MessageDTO
	doJSON(t, app, http.MethodGet, "/api/messages/"+msg.ID, "tok-bob", &got)
	if got.Content != store.DeletedPlaceholder || len(got.Media) != 0 {
		t.Errorf("got = %+v, want placeholder content and no media", got)
	}
}

func TestUploadAttachmentsRejectsPerFile(t *testing.T) {
	app, _ := testApp(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range []string{"photo.png", "malware.exe"} {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write([]byte("data")); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/attachments", &body)
	req.Header.Set("Authorization", "Bearer tok-alice")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Accepted []directory.MediaRef `json:"accepted"`
		Rejected []struct {
			FileName string `json:"file_name"`
			Reason   string `json:"reason"`
		} `json:"rejected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Accepted) != 1 || out.Accepted[0].Kind != "image" {
		t.Errorf("accepted = %+v, want one image", out.Accepted)
	}
	if len(out.Rejected) != 1 || out.Rejected[0].FileName != "malware.exe" {
		t.Errorf("rejected = %+v, want malware.exe", out.Rejected)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
