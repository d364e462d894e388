package store

import (
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/mistakr/consulting-client/internal/models"
)

// Default lifetimes for cached session details.
const (
	DefaultSessionTTL      = 30 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute
)

// SessionCache keeps recently fetched session details in memory so revisiting
// a session doesn't hit the REST API again. Entries are deep copies.
type SessionCache struct {
	cache *cache.Cache
}

// NewSessionCache creates a cache whose entries expire after ttl.
func NewSessionCache(ttl, cleanup time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}
	return &SessionCache{cache: cache.New(ttl, cleanup)}
}

func (c *SessionCache) Put(s *models.ConsultingSession) {
	if s == nil || s.ID == "" {
		return
	}
	c.cache.Set(s.ID, s.Clone(), cache.DefaultExpiration)
	slog.Debug("SessionCache Put", "session_id", s.ID)
}

func (c *SessionCache) Get(sessionID string) (*models.ConsultingSession, bool) {
	if x, found := c.cache.Get(sessionID); found {
		return x.(*models.ConsultingSession).Clone(), true
	}
	return nil, false
}

func (c *SessionCache) Delete(sessionID string) {
	c.cache.Delete(sessionID)
}
