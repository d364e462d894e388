package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mistakr/consulting-client/internal/models"
)

// SessionListKey is the key under which the session list is persisted.
const SessionListKey = "consulting.sessions"

// LoadSessionList reads the persisted session list. A missing key yields an empty list.
func LoadSessionList(s Store) ([]models.SessionListItem, error) {
	raw, err := s.Get(SessionListKey)
	if errors.Is(err, ErrNotFound) {
		return []models.SessionListItem{}, nil
	}
	if err != nil {
		return nil, err
	}
	var items []models.SessionListItem
	if err := json.Unmarshal(raw, &items); err != nil {
		// A corrupt cache is not worth failing over; it is rebuilt on the next fetch.
		slog.Warn("LoadSessionList: discarding unreadable session list", "error", err)
		return []models.SessionListItem{}, nil
	}
	return items, nil
}

// SaveSessionList persists the session list.
func SaveSessionList(s Store, items []models.SessionListItem) error {
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal session list: %w", err)
	}
	return s.Set(SessionListKey, raw)
}

// UpsertSessionListItem replaces the entry with the same id or prepends a new one.
// An empty name or creation time on the replacement keeps the old value.
func UpsertSessionListItem(items []models.SessionListItem, item models.SessionListItem) []models.SessionListItem {
	out := make([]models.SessionListItem, 0, len(items)+1)
	found := false
	for _, existing := range items {
		if existing.ID == item.ID {
			if item.CreatedAt == "" {
				item.CreatedAt = existing.CreatedAt
			}
			if item.IdeaName == "" {
				item.IdeaName = existing.IdeaName
			}
			out = append(out, item)
			found = true
			continue
		}
		out = append(out, existing)
	}
	if !found {
		out = append([]models.SessionListItem{item}, out...)
	}
	return out
}

// RemoveSessionListItem drops the entry with the given id. It reports whether
// anything was removed.
func RemoveSessionListItem(items []models.SessionListItem, sessionID string) ([]models.SessionListItem, bool) {
	out := make([]models.SessionListItem, 0, len(items))
	for _, existing := range items {
		if existing.ID != sessionID {
			out = append(out, existing)
		}
	}
	return out, len(out) != len(items)
}
