// Package directory holds the adapters to the external collaborator
// services: the profile directory, the group-membership directory and the
// media-upload service.
package directory

import (
	"context"
	"io"
	"path/filepath"
	"strings"
)

// Profile is a messaging participant as known by the profile directory.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Group is a group chat as known by the group directory.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// MediaRef is the stored reference returned by the media service.
type MediaRef struct {
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	Kind     string `json:"kind"`
}

// Profiles resolves application identities to messaging participants.
type Profiles interface {
	// ResolveToken maps a bearer credential to a participant id.
	// An invalid or expired credential yields apperr.CodeUnauthorized.
	ResolveToken(ctx context.Context, token string) (string, error)
	Lookup(ctx context.Context, participantID string) (*Profile, error)
}

// Groups resolves group chats and their approved member sets.
type Groups interface {
	// Members returns the currently-approved member ids of a group.
	Members(ctx context.Context, groupID string) ([]string, error)
	// GroupsOf returns the ids of every group the participant belongs to.
	GroupsOf(ctx context.Context, participantID string) ([]string, error)
	Lookup(ctx context.Context, groupID string) (*Group, error)
}

// MediaStore persists attachment bytes and returns a stable reference.
type MediaStore interface {
	Save(ctx context.Context, fileName string, r io.Reader) (*MediaRef, error)
}

// kindByExt is the attachment allowlist. Files outside it are rejected at
// upload time, never stored with an "unknown" kind.
var kindByExt = map[string]string{
	".jpg":  "image",
	".jpeg": "image",
	".png":  "image",
	".gif":  "image",
	".webp": "image",
	".mp4":  "video",
	".webm": "video",
	".mov":  "video",
	".mp3":  "audio",
	".ogg":  "audio",
	".wav":  "audio",
	".m4a":  "audio",
	".pdf":  "file",
	".txt":  "file",
	".zip":  "file",
}

// KindFor maps a file name to its media kind by extension. ok is false for
// unrecognized extensions.
func KindFor(fileName string) (kind string, ok bool) {
	ext := strings.ToLower(filepath.Ext(fileName))
	kind, ok = kindByExt[ext]
	return kind, ok
}
