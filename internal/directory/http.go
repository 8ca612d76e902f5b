package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/relaychat/relay/internal/apperr"
)

const requestTimeout = 10 * time.Second

// HTTPProfiles talks to the profile directory service.
type HTTPProfiles struct {
	base   string
	client *http.Client
}

// NewHTTPProfiles creates a profile directory client for the given base URL.
func NewHTTPProfiles(base string) *HTTPProfiles {
	return &HTTPProfiles{base: base, client: &http.Client{Timeout: requestTimeout}}
}

func (p *HTTPProfiles) ResolveToken(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/v1/resolve", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", apperr.Transient("profile directory unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", apperr.Unauthorized("invalid or expired credential")
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.Internal(fmt.Sprintf("profile directory status %d", resp.StatusCode), nil)
	}

	var body struct {
		ParticipantID string `json:"participant_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode resolve response: %w", err)
	}
	if body.ParticipantID == "" {
		return "", apperr.Unauthorized("credential resolved to no participant")
	}
	return body.ParticipantID, nil
}

func (p *HTTPProfiles) Lookup(ctx context.Context, participantID string) (*Profile, error) {
	var out Profile
	if err := getJSON(ctx, p.client, p.base+"/v1/profiles/"+url.PathEscape(participantID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HTTPGroups talks to the group-membership directory service.
type HTTPGroups struct {
	base   string
	client *http.Client
}

// NewHTTPGroups creates a group directory client for the given base URL.
func NewHTTPGroups(base string) *HTTPGroups {
	return &HTTPGroups{base: base, client: &http.Client{Timeout: requestTimeout}}
}

func (g *HTTPGroups) Members(ctx context.Context, groupID string) ([]string, error) {
	var body struct {
		Members []string `json:"members"`
	}
	if err := getJSON(ctx, g.client, g.base+"/v1/groups/"+url.PathEscape(groupID)+"/members", &body); err != nil {
		return nil, err
	}
	return body.Members, nil
}

func (g *HTTPGroups) GroupsOf(ctx context.Context, participantID string) ([]string, error) {
	var body struct {
		Groups []string `json:"groups"`
	}
	if err := getJSON(ctx, g.client, g.base+"/v1/participants/"+url.PathEscape(participantID)+"/groups", &body); err != nil {
		return nil, err
	}
	return body.Groups, nil
}

func (g *HTTPGroups) Lookup(ctx context.Context, groupID string) (*Group, error) {
	var out Group
	if err := getJSON(ctx, g.client, g.base+"/v1/groups/"+url.PathEscape(groupID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HTTPMedia talks to the media-upload service.
type HTTPMedia struct {
	base   string
	client *http.Client
}

// NewHTTPMedia creates a media service client for the given base URL.
func NewHTTPMedia(base string) *HTTPMedia {
	return &HTTPMedia{base: base, client: &http.Client{Timeout: requestTimeout}}
}

func (m *HTTPMedia) Save(ctx context.Context, fileName string, r io.Reader) (*MediaRef, error) {
	kind, ok := KindFor(fileName)
	if !ok {
		return nil, apperr.Validation("unsupported attachment type: " + fileName)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.base+"/v1/media", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, apperr.Transient("media service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, apperr.Internal(fmt.Sprintf("media service status %d", resp.StatusCode), nil)
	}

	var ref MediaRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, fmt.Errorf("decode media response: %w", err)
	}
	if ref.Kind == "" {
		ref.Kind = kind
	}
	if ref.FileName == "" {
		ref.FileName = fileName
	}
	return &ref, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperr.Transient("directory unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return apperr.NotFound("directory entry not found")
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Internal(fmt.Sprintf("directory status %d", resp.StatusCode), nil)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
