// Package consulting holds the client-side state of consulting analyses.
//
// SessionStore starts analysis streams, feeds their events through the phase
// machine, and keeps the resulting sessions, the session list, and
// optimistic checklist edits in one place that observers can subscribe to.
package consulting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mistakr/consulting-client/internal/api"
	"github.com/mistakr/consulting-client/internal/flow"
	"github.com/mistakr/consulting-client/internal/models"
	"github.com/mistakr/consulting-client/internal/sse"
	"github.com/mistakr/consulting-client/internal/store"
)

// StreamEndpoint is the path that starts an analysis, relative to the API prefix.
const StreamEndpoint = api.SessionsEndpoint

// Messages shown in the failed state for client-side terminations.
const (
	CancelledMessage = "analysis cancelled"
	NoSessionMessage = "analysis ended without a session"
)

var (
	// ErrNoSessionID is returned when a stream ends without a completed session id.
	ErrNoSessionID = errors.New("stream ended without a session id")
	// ErrCancelled is returned when the analysis was cancelled by the caller.
	ErrCancelled = errors.New(CancelledMessage)
	// ErrSuperseded is returned to a StartSession whose stream was replaced by a newer one.
	ErrSuperseded = errors.New("analysis superseded by a newer session")
)

// StreamHandle is an open analysis stream.
type StreamHandle interface {
	Abort()
}

// Streamer opens analysis streams.
type Streamer interface {
	Open(ctx context.Context, endpoint string, body any, h sse.Handler) (StreamHandle, error)
}

// SessionAPI is the subset of the REST client the store uses.
type SessionAPI interface {
	GetSessions(ctx context.Context) ([]models.SessionListItem, error)
	GetSession(ctx context.Context, sessionID string) (*models.ConsultingSession, error)
	ToggleChecklist(ctx context.Context, sessionID, itemID string, completed bool) error
}

// Compile-time check that the REST client satisfies SessionAPI.
var _ SessionAPI = (*api.Client)(nil)

// SSEStreamer adapts *sse.Client to Streamer.
type SSEStreamer struct {
	Client *sse.Client
}

func (s SSEStreamer) Open(ctx context.Context, endpoint string, body any, h sse.Handler) (StreamHandle, error) {
	return s.Client.Open(ctx, endpoint, body, h)
}

// Opts holds optional collaborators of a SessionStore.
type Opts struct {
	Store store.Store
	Cache *store.SessionCache
}

// Option defines a functional option for configuring a SessionStore.
type Option func(*Opts)

// WithStore persists the session list in st. Without it the list lives in memory.
func WithStore(st store.Store) Option {
	return func(o *Opts) { o.Store = st }
}

// WithSessionCache keeps fetched session details in c.
func WithSessionCache(c *store.SessionCache) Option {
	return func(o *Opts) { o.Cache = c }
}

type streamResult struct {
	sessionID string
	err       error
}

// run tracks one StartSession call. Fields other than ctx and done are guarded by SessionStore.mu.
type run struct {
	gen      uint64
	ctx      context.Context
	ideaName string
	headerID string
	handle   StreamHandle
	finished bool
	done     chan streamResult
}

// SessionStore is the state container for consulting sessions. All methods are
// safe for concurrent use.
type SessionStore struct {
	streamer Streamer
	api      SessionAPI
	kv       store.Store
	cache    *store.SessionCache

	mu        sync.Mutex
	machine   *flow.Machine
	current   *models.ConsultingSession
	sessions  []models.SessionListItem
	gen       uint64
	active    *run
	toggleSeq uint64
	toggleGen map[string]uint64
	subs      map[int]chan models.StreamingState
	nextSub   int
}

// NewSessionStore creates a store and hydrates the session list from persistence.
func NewSessionStore(streamer Streamer, sessionAPI SessionAPI, opts ...Option) *SessionStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Store == nil {
		cfg.Store = store.NewInMemoryStore()
	}

	sessions, err := store.LoadSessionList(cfg.Store)
	if err != nil {
		slog.Warn("SessionStore: could not load persisted session list", "error", err)
		sessions = []models.SessionListItem{}
	}
	slog.Debug("NewSessionStore", "persisted_sessions", len(sessions), "detail_cache", cfg.Cache != nil)

	return &SessionStore{
		streamer:  streamer,
		api:       sessionAPI,
		kv:        cfg.Store,
		cache:     cfg.Cache,
		machine:   flow.NewMachine(),
		sessions:  sessions,
		toggleGen: make(map[string]uint64),
		subs:      make(map[int]chan models.StreamingState),
	}
}

// StartSession runs one analysis for the idea and blocks until it reaches a
// terminal phase. It aborts any stream still open from a previous call.
// On success the completed session becomes current and its id is returned.
func (s *SessionStore) StartSession(ctx context.Context, ideaID int64, ideaName string) (string, error) {
	s.mu.Lock()
	if prev := s.active; prev != nil && !prev.finished {
		slog.Info("SessionStore: aborting previous analysis", "generation", prev.gen)
		s.finishLocked(prev, streamResult{err: ErrSuperseded})
		if prev.handle != nil {
			prev.handle.Abort()
		}
	}
	s.gen++
	r := &run{gen: s.gen, ctx: ctx, ideaName: ideaName, done: make(chan streamResult, 1)}
	s.active = r
	s.current = nil
	s.machine.Begin()
	s.publishLocked()
	s.mu.Unlock()

	slog.Debug("SessionStore StartSession", "idea_id", ideaID, "generation", r.gen)
	handle, err := s.streamer.Open(ctx, StreamEndpoint, map[string]int64{"idea_id": ideaID}, sse.Handler{
		OnOpen:     func(id string) { s.onOpen(r, id) },
		OnEvent:    func(ev sse.Event) { s.onEvent(r, ev) },
		OnError:    func(err error) { s.onError(r, err) },
		OnComplete: func() { s.onComplete(r) },
	})
	if err != nil {
		slog.Error("SessionStore: failed to open analysis stream", "idea_id", ideaID, "error", err)
		s.mu.Lock()
		if !r.finished && s.active == r {
			s.machine.Fail(err.Error())
			s.finishLocked(r, streamResult{err: err})
			s.publishLocked()
		}
		s.mu.Unlock()
		return "", fmt.Errorf("start analysis: %w", err)
	}
	// Release the connection once the outcome is known; a no-op after completion.
	defer handle.Abort()

	s.mu.Lock()
	r.handle = handle
	s.mu.Unlock()

	select {
	case res := <-r.done:
		return res.sessionID, res.err
	case <-ctx.Done():
		handle.Abort()
		s.mu.Lock()
		s.cancelLocked(r)
		s.mu.Unlock()
		res := <-r.done
		return res.sessionID, res.err
	}
}

// Cancel aborts the active analysis, if any. The waiting StartSession returns ErrCancelled.
func (s *SessionStore) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.active
	if r == nil || r.finished {
		return
	}
	slog.Info("SessionStore: analysis cancelled", "generation", r.gen)
	if r.handle != nil {
		r.handle.Abort()
	}
	s.machine.Fail(CancelledMessage)
	s.finishLocked(r, streamResult{err: ErrCancelled})
	s.publishLocked()
}

// Streaming returns a copy of the streaming state.
func (s *SessionStore) Streaming() models.StreamingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// CurrentSession returns a copy of the current session, or nil.
func (s *SessionStore) CurrentSession() *models.ConsultingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Sessions returns a copy of the session list.
func (s *SessionStore) Sessions() []models.SessionListItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SessionListItem(nil), s.sessions...)
}

// ResetStreaming returns the streaming state to idle. An open stream is not
// aborted; use Cancel for that.
func (s *SessionStore) ResetStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machine.Reset()
	s.publishLocked()
}

// Subscribe returns a channel of streaming state snapshots, starting with the
// current one, and a function that ends the subscription. A subscriber that
// falls behind only sees the latest snapshot.
func (s *SessionStore) Subscribe(buffer int) (<-chan models.StreamingState, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.StreamingState, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.machine.State()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

// FetchSession makes the session current, looking at the current session, the
// detail cache, and finally the REST API.
func (s *SessionStore) FetchSession(ctx context.Context, sessionID string) (*models.ConsultingSession, error) {
	s.mu.Lock()
	if s.current != nil && s.current.ID == sessionID {
		c := s.current.Clone()
		s.mu.Unlock()
		slog.Debug("SessionStore FetchSession: current session", "session_id", sessionID)
		return c, nil
	}
	s.mu.Unlock()

	if s.cache != nil {
		if cached, ok := s.cache.Get(sessionID); ok {
			slog.Debug("SessionStore FetchSession: cache hit", "session_id", sessionID)
			s.setCurrent(cached)
			return cached.Clone(), nil
		}
	}

	session, err := s.api.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("SessionStore FetchSession failed", "session_id", sessionID, "error", err)
		if errors.Is(err, models.ErrSessionNotFound) {
			s.forget(sessionID)
		}
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(session)
	}
	s.setCurrent(session)
	slog.Debug("SessionStore FetchSession succeeded", "session_id", sessionID)
	return session.Clone(), nil
}

// forget drops a session the backend no longer knows from the detail cache
// and the persisted list.
func (s *SessionStore) forget(sessionID string) {
	if s.cache != nil {
		s.cache.Delete(sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed bool
	if s.sessions, removed = store.RemoveSessionListItem(s.sessions, sessionID); removed {
		slog.Info("SessionStore: removed unknown session from list", "session_id", sessionID)
		s.persistListLocked()
	}
}

// FetchSessions reloads the session list from the API and persists it.
func (s *SessionStore) FetchSessions(ctx context.Context) ([]models.SessionListItem, error) {
	items, err := s.api.GetSessions(ctx)
	if err != nil {
		slog.Error("SessionStore FetchSessions failed", "error", err)
		return nil, err
	}

	s.mu.Lock()
	s.sessions = items
	s.persistListLocked()
	out := append([]models.SessionListItem(nil), items...)
	s.mu.Unlock()

	slog.Debug("SessionStore FetchSessions succeeded", "count", len(items))
	return out, nil
}

// ToggleChecklistItem flips an item of the current session immediately and
// syncs it in the background. If the sync fails and no newer toggle of the
// same item was issued since, the flip is rolled back. The returned channel
// receives the sync outcome and is then closed; callers may ignore it.
func (s *SessionStore) ToggleChecklistItem(ctx context.Context, sessionID, itemID string) <-chan error {
	out := make(chan error, 1)

	s.mu.Lock()
	if s.current == nil || s.current.ID != sessionID {
		s.mu.Unlock()
		out <- fmt.Errorf("toggle checklist item %s: session %s: %w", itemID, sessionID, models.ErrSessionNotFound)
		close(out)
		return out
	}
	idx := s.current.FindChecklistItem(itemID)
	if idx < 0 {
		s.mu.Unlock()
		out <- fmt.Errorf("toggle checklist item %s: %w", itemID, models.ErrChecklistItemNotFound)
		close(out)
		return out
	}
	completed := !s.current.Checklist[idx].IsCompleted
	s.current.Checklist[idx].IsCompleted = completed
	key := sessionID + "/" + itemID
	s.toggleSeq++
	gen := s.toggleSeq
	s.toggleGen[key] = gen
	s.sessionChangedLocked()
	s.mu.Unlock()

	slog.Debug("SessionStore ToggleChecklistItem", "session_id", sessionID, "item_id", itemID, "completed", completed, "generation", gen)
	go func() {
		defer close(out)
		err := s.api.ToggleChecklist(ctx, sessionID, itemID, completed)

		s.mu.Lock()
		latest := s.toggleGen[key] == gen
		if latest {
			delete(s.toggleGen, key)
		}
		if err != nil {
			if latest {
				s.rollbackLocked(sessionID, itemID, !completed)
			} else {
				slog.Debug("SessionStore: stale checklist failure discarded", "session_id", sessionID, "item_id", itemID, "generation", gen)
			}
		}
		s.mu.Unlock()

		if err != nil {
			slog.Warn("SessionStore: checklist sync failed", "session_id", sessionID, "item_id", itemID, "error", err)
		}
		out <- err
	}()
	return out
}

func (s *SessionStore) rollbackLocked(sessionID, itemID string, completed bool) {
	if s.current == nil || s.current.ID != sessionID {
		return
	}
	if i := s.current.FindChecklistItem(itemID); i >= 0 {
		s.current.Checklist[i].IsCompleted = completed
		s.sessionChangedLocked()
		slog.Info("SessionStore: checklist item rolled back", "session_id", sessionID, "item_id", itemID, "completed", completed)
	}
}

func (s *SessionStore) setCurrent(session *models.ConsultingSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = session.Clone()
}

// sessionChangedLocked propagates the current session to the detail cache and
// the list entry with the same id.
func (s *SessionStore) sessionChangedLocked() {
	if s.cache != nil {
		s.cache.Put(s.current)
	}
	for i := range s.sessions {
		if s.sessions[i].ID == s.current.ID {
			s.sessions[i].ChecklistCompleted, s.sessions[i].ChecklistTotal = s.current.ChecklistProgress()
			s.persistListLocked()
			return
		}
	}
}

func (s *SessionStore) persistListLocked() {
	if err := store.SaveSessionList(s.kv, s.sessions); err != nil {
		slog.Warn("SessionStore: failed to persist session list", "error", err)
	}
}

// Stream callbacks. Each checks that its run is still the active one so that
// events from an aborted stream never touch the state.

func (s *SessionStore) onOpen(r *run, headerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != r || r.finished {
		return
	}
	r.headerID = headerID
}

func (s *SessionStore) onEvent(r *run, ev sse.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != r || r.finished {
		slog.Debug("SessionStore: stale stream event dropped", "phase", ev.Phase, "generation", r.gen)
		return
	}

	step := s.machine.Apply(ev)
	if !step.Changed {
		return
	}
	if step.Terminal {
		switch {
		case step.Session != nil:
			s.completeLocked(r, step.Session)
		default:
			s.finishLocked(r, streamResult{err: step.Err})
		}
	}
	s.publishLocked()
}

func (s *SessionStore) completeLocked(r *run, session *models.ConsultingSession) {
	id := r.headerID
	switch {
	case id == "":
		id = session.ID
	case session.ID != "" && session.ID != id:
		slog.Warn("SessionStore: completed payload id differs from header id", "header_id", id, "payload_id", session.ID)
	}
	if id == "" {
		s.machine.Fail(NoSessionMessage)
		s.finishLocked(r, streamResult{err: ErrNoSessionID})
		return
	}

	session.ID = id
	if r.ideaName != "" {
		session.StartupIdeaName = r.ideaName
	}
	s.current = session
	s.sessions = store.UpsertSessionListItem(s.sessions, models.SessionListItemFromSession(session))
	s.persistListLocked()
	if s.cache != nil {
		s.cache.Put(session)
	}
	slog.Info("SessionStore: analysis completed", "session_id", id, "risk_overall", session.RiskScore.Overall)
	s.finishLocked(r, streamResult{sessionID: id})
}

func (s *SessionStore) onError(r *run, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != r || r.finished {
		return
	}
	if r.ctx.Err() != nil {
		s.cancelLocked(r)
		return
	}
	s.machine.Fail(err.Error())
	s.finishLocked(r, streamResult{err: err})
	s.publishLocked()
}

func (s *SessionStore) onComplete(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != r || r.finished {
		return
	}
	slog.Warn("SessionStore: stream ended before the analysis completed", "phase", s.machine.State().Phase)
	s.machine.Fail(NoSessionMessage)
	s.finishLocked(r, streamResult{err: ErrNoSessionID})
	s.publishLocked()
}

// cancelLocked finishes r as cancelled by its context.
func (s *SessionStore) cancelLocked(r *run) {
	if r.finished {
		return
	}
	s.machine.Fail(CancelledMessage)
	s.finishLocked(r, streamResult{err: fmt.Errorf("%w: %w", ErrCancelled, r.ctx.Err())})
	s.publishLocked()
}

func (s *SessionStore) finishLocked(r *run, res streamResult) {
	r.finished = true
	r.done <- res
}

// publishLocked hands the current state to every subscriber, replacing an
// unread snapshot when a subscriber's buffer is full.
func (s *SessionStore) publishLocked() {
	state := s.machine.State()
	for _, ch := range s.subs {
		select {
		case ch <- state.Clone():
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- state.Clone():
		default:
		}
	}
}
