package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/relaychat/relay/internal/apperr"
	"github.com/relaychat/relay/internal/conversation"
	"github.com/relaychat/relay/internal/hub"
	"golang.org/x/sync/errgroup"
)

// Seeder fetches cache state over the REST surface. It runs after every
// (re)connect: missed broadcasts are never replayed individually, the
// client re-fetches the affected views instead.
type Seeder struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewSeeder creates a seeder against the given daemon base URL.
func NewSeeder(baseURL, token string) *Seeder {
	return &Seeder{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Conversations fetches the viewer's inbox aggregate.
func (s *Seeder) Conversations(ctx context.Context) ([]conversation.Conversation, error) {
	var rows []conversation.Conversation
	if err := s.getJSON(ctx, "/api/conversations", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// History fetches one ascending history page for a room. after is a
// created-at cursor in unix millis; zero starts from the beginning.
func (s *Seeder) History(ctx context.Context, roomKey string, isGroup bool, after int64, limit int) ([]hub.MessageDTO, error) {
	q := url.Values{}
	if isGroup {
		q.Set("is_group", "true")
	}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var msgs []hub.MessageDTO
	if err := s.getJSON(ctx, "/api/history/"+url.PathEscape(roomKey), q, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Message fetches a single message by id.
func (s *Seeder) Message(ctx context.Context, id string) (*hub.MessageDTO, error) {
	var msg hub.MessageDTO
	if err := s.getJSON(ctx, "/api/messages/"+url.PathEscape(id), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Seed refreshes the cache after a connect: the conversation list and the
// open room's history are fetched concurrently and merged in.
func (s *Seeder) Seed(ctx context.Context, cache *Cache, openRoomIsGroup bool) error {
	openRoom := cache.OpenRoom()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("failed to seed conversations: %w", err)
		}
		cache.SeedConversations(rows)
		return nil
	})
	if openRoom != "" {
		g.Go(func() error {
			msgs, err := s.History(ctx, openRoom, openRoomIsGroup, 0, 0)
			if err != nil {
				return fmt.Errorf("failed to seed history for %s: %w", openRoom, err)
			}
			cache.SeedHistory(openRoom, msgs)
			return nil
		})
	}
	return g.Wait()
}

func (s *Seeder) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := s.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.http.Do(req)
	if err != nil {
		return apperr.Transient("daemon unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusUnauthorized:
		return apperr.Unauthorized("invalid or expired credential")
	case http.StatusNotFound:
		return apperr.NotFound(path)
	default:
		return apperr.Internal(fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, path), nil)
	}
}
