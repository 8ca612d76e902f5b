package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaychat/relay/internal/apperr"
)

func TestKindFor(t *testing.T) {
	tests := []struct {
		name string
		kind string
		ok   bool
	}{
		{"photo.JPG", "image", true},
		{"clip.mp4", "video", true},
		{"voice.ogg", "audio", true},
		{"doc.pdf", "file", true},
		{"malware.exe", "", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		kind, ok := KindFor(tt.name)
		if kind != tt.kind || ok != tt.ok {
			t.Errorf("KindFor(%q) = %q, %v; want %q, %v", tt.name, kind, ok, tt.kind, tt.ok)
		}
	}
}

func TestResolveTokenUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewHTTPProfiles(srv.URL)
	_, err := p.ResolveToken(context.Background(), "bad-token")
	if !apperr.Is(err, apperr.CodeUnauthorized) {
		t.Errorf("code = %v, want UNAUTHORIZED", apperr.CodeOf(err))
	}
}

func TestResolveTokenOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization header = %q", got)
		}
		_, _ = w.Write([]byte(`{"participant_id":"p42"}`))
	}))
	defer srv.Close()

	p := NewHTTPProfiles(srv.URL)
	id, err := p.ResolveToken(context.Background(), "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if id != "p42" {
		t.Errorf("participant = %q, want p42", id)
	}
}

func TestGroupMembers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/groups/g1/members") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"members":["a","b","c"]}`))
	}))
	defer srv.Close()

	g := NewHTTPGroups(srv.URL)
	members, err := g.Members(context.Background(), "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 3 {
		t.Errorf("members = %v, want 3", members)
	}

	_, err = g.Members(context.Background(), "missing")
	if !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("code = %v, want NOT_FOUND", apperr.CodeOf(err))
	}
}

func TestGroupsOf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/participants/p1/groups") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"groups":["g1","g2"]}`))
	}))
	defer srv.Close()

	g := NewHTTPGroups(srv.URL)
	groups, err := g.GroupsOf(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Errorf("groups = %v, want 2", groups)
	}
}

func TestMediaSaveRejectsUnknownExtension(t *testing.T) {
	m := NewHTTPMedia("http://unused.invalid")
	_, err := m.Save(context.Background(), "virus.exe", strings.NewReader("x"))
	if !apperr.Is(err, apperr.CodeValidation) {
		t.Errorf("code = %v, want VALIDATION", apperr.CodeOf(err))
	}
}

func TestMediaSaveUploads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		_, _ = w.Write([]byte(`{"file_path":"/blobs/abc","file_name":"pic.png","kind":"image"}`))
	}))
	defer srv.Close()

	m := NewHTTPMedia(srv.URL)
	ref, err := m.Save(context.Background(), "pic.png", strings.NewReader("pngbytes"))
	if err != nil {
		t.Fatal(err)
	}
	if ref.FilePath != "/blobs/abc" || ref.Kind != "image" {
		t.Errorf("ref = %+v", ref)
	}
}
