// Package httpapi is the REST surface the client cache seeds from: the
// conversation aggregate, paginated history, single-message fetch and
// attachment upload.
package httpapi

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/relaychat/relay/internal/apperr"
	"github.com/relaychat/relay/internal/conversation"
	"github.com/relaychat/relay/internal/directory"
	"github.com/relaychat/relay/internal/hub"
	"github.com/relaychat/relay/internal/store"
	"go.uber.org/zap"
)

const participantKey = "participant_id"

// API bundles the REST handlers and their dependencies.
type API struct {
	db       *store.DB
	profiles directory.Profiles
	groups   directory.Groups
	media    directory.MediaStore
	logger   *zap.Logger
}

// New creates the REST API.
func New(db *store.DB, profiles directory.Profiles, groups directory.Groups, media directory.MediaStore, logger *zap.Logger) *API {
	return &API{db: db, profiles: profiles, groups: groups, media: media, logger: logger}
}

// Register mounts the routes on the app. Everything under /api requires a
// resolved bearer credential.
func (a *API) Register(app *fiber.App) {
	api := app.Group("/api", a.requireAuth)
	api.Get("/conversations", a.listConversations)
	api.Get("/history/:roomKey", a.listHistory)
	api.Get("/messages/:id", a.getMessage)
	api.Post("/attachments", a.uploadAttachments)
}

// requireAuth resolves the bearer credential to a participant id and stores
// it on the request context.
func (a *API) requireAuth(c *fiber.Ctx) error {
	token := bearerFrom(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		return a.respondErr(c, apperr.Unauthorized("missing bearer credential"))
	}
	participantID, err := a.profiles.ResolveToken(c.UserContext(), token)
	if err != nil {
		return a.respondErr(c, err)
	}
	c.Locals(participantKey, participantID)
	return c.Next()
}

func (a *API) listConversations(c *fiber.Ctx) error {
	viewerID := viewer(c)
	ctx := c.UserContext()

	groups, err := a.groups.GroupsOf(ctx, viewerID)
	if err != nil {
		return a.respondErr(c, err)
	}
	msgs, err := a.db.MessagesForViewer(viewerID, groups)
	if err != nil {
		return a.respondErr(c, err)
	}

	rows := conversation.Aggregate(viewerID, msgs)
	a.resolveDisplay(ctx, rows)
	return c.JSON(rows)
}

// resolveDisplay fills display name and avatar from the directories. A
// directory miss leaves the row usable with the raw id as its name.
func (a *API) resolveDisplay(ctx context.Context, rows []conversation.Conversation) {
	for i := range rows {
		row := &rows[i]
		if row.IsGroup {
			g, err := a.groups.Lookup(ctx, row.RoomKey)
			if err != nil {
				a.logger.Warn("group lookup failed", zap.String("group", row.RoomKey), zap.Error(err))
				row.DisplayName = row.RoomKey
				continue
			}
			row.DisplayName = g.Name
			row.AvatarURL = g.AvatarURL
			continue
		}
		p, err := a.profiles.Lookup(ctx, row.RoomKey)
		if err != nil {
			a.logger.Warn("profile lookup failed", zap.String("participant", row.RoomKey), zap.Error(err))
			row.DisplayName = row.RoomKey
			continue
		}
		row.DisplayName = p.DisplayName
		row.AvatarURL = p.AvatarURL
	}
}

func (a *API) listHistory(c *fiber.Ctx) error {
	viewerID := viewer(c)
	roomKey := c.Params("roomKey")
	isGroup := c.QueryBool("is_group")
	after := int64(c.QueryInt("after"))
	limit := c.QueryInt("limit")

	if isGroup {
		if err := a.requireMembership(c.UserContext(), roomKey, viewerID); err != nil {
			return a.respondErr(c, err)
		}
	}

	msgs, err := a.db.ListHistory(viewerID, roomKey, isGroup, after, limit)
	if err != nil {
		return a.respondErr(c, err)
	}

	out := make([]hub.MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, hub.ToDTO(m))
	}
	return c.JSON(out)
}

func (a *API) getMessage(c *fiber.Ctx) error {
	viewerID := viewer(c)

	msg, err := a.db.GetMessage(c.Params("id"))
	if err != nil {
		return a.respondErr(c, err)
	}

	if msg.GroupID != nil {
		if err := a.requireMembership(c.UserContext(), *msg.GroupID, viewerID); err != nil {
			return a.respondErr(c, err)
		}
	} else if msg.SenderID != viewerID && (msg.ReceiverID == nil || *msg.ReceiverID != viewerID) {
		return a.respondErr(c, apperr.Forbidden("not a participant of this conversation"))
	}

	return c.JSON(hub.ToDTO(*msg))
}

// uploadAttachments forwards each multipart file to the media service.
// Files with an unrecognized extension are rejected per file and excluded
// from the accepted list, never stored as "unknown".
func (a *API) uploadAttachments(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return a.respondErr(c, apperr.Validation("expected multipart form"))
	}
	files := form.File["files"]
	if len(files) == 0 {
		return a.respondErr(c, apperr.Validation("no files provided"))
	}

	type rejected struct {
		FileName string `json:"file_name"`
		Reason   string `json:"reason"`
	}
	var (
		accepted = make([]directory.MediaRef, 0, len(files))
		rejects  []rejected
	)

	for _, fh := range files {
		if _, ok := directory.KindFor(fh.Filename); !ok {
			rejects = append(rejects, rejected{FileName: fh.Filename, Reason: "unsupported attachment type"})
			continue
		}
		f, err := fh.Open()
		if err != nil {
			rejects = append(rejects, rejected{FileName: fh.Filename, Reason: "unreadable file"})
			continue
		}
		ref, err := a.media.Save(c.UserContext(), fh.Filename, f)
		_ = f.Close()
		if err != nil {
			a.logger.Warn("attachment upload failed", zap.String("file", fh.Filename), zap.Error(err))
			rejects = append(rejects, rejected{FileName: fh.Filename, Reason: err.Error()})
			continue
		}
		accepted = append(accepted, *ref)
	}

	return c.JSON(fiber.Map{
		"accepted": accepted,
		"rejected": rejects,
	})
}

func (a *API) requireMembership(ctx context.Context, groupID, participantID string) error {
	members, err := a.groups.Members(ctx, groupID)
	if err != nil {
		return err
	}
	for _, id := range members {
		if id == participantID {
			return nil
		}
	}
	return apperr.Forbidden("not a member of this group")
}

// respondErr maps the error taxonomy onto HTTP statuses.
func (a *API) respondErr(c *fiber.Ctx, err error) error {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	if status >= fiber.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("code", string(code)),
			zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{
		"code":    string(code),
		"message": err.Error(),
	})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeUnauthorized:
		return fiber.StatusUnauthorized
	case apperr.CodeForbidden:
		return fiber.StatusForbidden
	case apperr.CodeNotFound:
		return fiber.StatusNotFound
	case apperr.CodeValidation:
		return fiber.StatusBadRequest
	case apperr.CodeConflict:
		return fiber.StatusConflict
	case apperr.CodeTransient:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func viewer(c *fiber.Ctx) string {
	id, _ := c.Locals(participantKey).(string)
	return id
}

func bearerFrom(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return header[len(prefix):]
	}
	return ""
}
