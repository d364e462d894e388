package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/mistakr/consulting-client/internal/mapper"
	"github.com/mistakr/consulting-client/internal/models"
)

// SessionsEndpoint is the collection path, relative to the API prefix.
const SessionsEndpoint = "/consulting/sessions"

// GetSessions lists the user's sessions, newest first as the server orders them.
func (c *Client) GetSessions(ctx context.Context) ([]models.SessionListItem, error) {
	var payload []mapper.SessionListPayload
	if err := c.do(ctx, http.MethodGet, SessionsEndpoint, nil, &payload); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	items := make([]models.SessionListItem, 0, len(payload))
	for _, p := range payload {
		items = append(items, mapper.MapSessionList(p))
	}
	slog.Debug("api.GetSessions succeeded", "count", len(items))
	return items, nil
}

// GetSession loads one session. A 404 is reported as models.ErrSessionNotFound.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.ConsultingSession, error) {
	var payload mapper.SessionPayload
	endpoint := SessionsEndpoint + "/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &payload); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	session := mapper.MapSession(payload)
	if session.ID == "" {
		session.ID = sessionID
	}
	return session, nil
}

type checklistUpdate struct {
	IsCompleted bool `json:"is_completed"`
}

// ToggleChecklist stores the completion flag of one checklist item.
func (c *Client) ToggleChecklist(ctx context.Context, sessionID, itemID string, completed bool) error {
	endpoint := fmt.Sprintf("%s/%s/checklist/%s", SessionsEndpoint, url.PathEscape(sessionID), url.PathEscape(itemID))
	if err := c.do(ctx, http.MethodPatch, endpoint, checklistUpdate{IsCompleted: completed}, nil); err != nil {
		return fmt.Errorf("update checklist item %s: %w", itemID, err)
	}
	return nil
}
