// Package session owns all per-user mutable conversation state: the
// session records themselves, the weather wait flags, cached
// locations and email drafts. Everything routes through Store
// accessors behind one mutex, so the dispatcher, the weather fallback
// timers and the relay poller can share it safely.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is the idle time after which a session expires.
const DefaultTimeout = time.Hour

// cleanupInterval limits how often the opportunistic sweep runs.
const cleanupInterval = 5 * time.Minute

// Session is one user's session record.
type Session struct {
	UserID       string
	CreatedAt    time.Time
	LastActivity time.Time
	Active       bool
}

// Location is a resolved coordinate with its display label.
type Location struct {
	Lat   float64
	Lon   float64
	Label string
}

// EmailDraft is an in-progress outbound email awaiting body text.
type EmailDraft struct {
	RecipientEmail string
	Subject        string

	// ReplyToID links the draft to the email it replies to.
	ReplyToID string
}

// weatherWait tracks an outstanding location request. Pending and the
// deadline are deliberately separate: pending controls whether the
// next free-text DM is read as a location, the deadline only gates
// the GPS auto-reply window.
type weatherWait struct {
	pending  bool
	deadline time.Time
}

// Store holds all per-user state. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	sessions map[string]*Session
	timeout  time.Duration

	weatherWaits    map[string]*weatherWait
	cachedLocations map[string]Location

	emailBodyWait map[string]bool
	emailDrafts   map[string]*EmailDraft

	lastCleanup time.Time
	logger      *slog.Logger
}

// NewStore creates a Store with the given session timeout.
func NewStore(timeout time.Duration, logger *slog.Logger) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:        make(map[string]*Session),
		timeout:         timeout,
		weatherWaits:    make(map[string]*weatherWait),
		cachedLocations: make(map[string]Location),
		emailBodyWait:   make(map[string]bool),
		emailDrafts:     make(map[string]*EmailDraft),
		lastCleanup:     time.Now(),
		logger:          logger.With("component", "session"),
	}
}

// CreateOrRefresh creates a session for userID or refreshes an
// existing one, and opportunistically sweeps expired sessions.
func (s *Store) CreateOrRefresh(userID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupLocked()

	now := time.Now()
	if sess, ok := s.sessions[userID]; ok {
		sess.LastActivity = now
		sess.Active = true
		return sess
	}
	sess := &Session{
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	s.sessions[userID] = sess
	s.logger.Info("session created", "user", userID)
	return sess
}

// Get returns the session for userID, or nil when absent, inactive or
// expired. An expired session is marked inactive on read.
func (s *Store) Get(userID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok || !sess.Active {
		return nil
	}
	if time.Since(sess.LastActivity) > s.timeout {
		sess.Active = false
		s.logger.Info("session expired", "user", userID)
		return nil
	}
	sess.LastActivity = time.Now()
	return sess
}

// ActiveCount returns the number of live sessions.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sess := range s.sessions {
		if sess.Active && time.Since(sess.LastActivity) <= s.timeout {
			n++
		}
	}
	return n
}

// cleanupLocked removes expired sessions, at most once per
// cleanupInterval. Caller holds the mutex.
func (s *Store) cleanupLocked() {
	now := time.Now()
	if now.Sub(s.lastCleanup) < cleanupInterval {
		return
	}
	s.lastCleanup = now

	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastActivity) > s.timeout {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("expired sessions removed", "count", removed)
	}
}

// ---- weather state ----

// SetWeatherWait marks userID as waiting for a location with the
// given window, or clears the wait when on is false.
func (s *Store) SetWeatherWait(userID string, on bool, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !on {
		delete(s.weatherWaits, userID)
		return
	}
	s.weatherWaits[userID] = &weatherWait{
		pending:  true,
		deadline: time.Now().Add(window),
	}
}

// HasPendingWeatherRequest reports whether a location request is
// outstanding. Stays true past the deadline until explicitly cleared.
func (s *Store) HasPendingWeatherRequest(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.weatherWaits[userID]
	return ok && w.pending
}

// IsWithinWeatherWindow reports whether the wait deadline has not yet
// passed. Expiry does not clear the pending flag.
func (s *Store) IsWithinWeatherWindow(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.weatherWaits[userID]
	return ok && time.Now().Before(w.deadline)
}

// ClearWeatherWait clears the pending flag and deadline.
func (s *Store) ClearWeatherWait(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.weatherWaits, userID)
}

// CacheLocation remembers the user's resolved location.
func (s *Store) CacheLocation(userID string, loc Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedLocations[userID] = loc
}

// CachedLocation returns the cached location, if any.
func (s *Store) CachedLocation(userID string) (Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.cachedLocations[userID]
	return loc, ok
}

// ClearCachedLocation forgets the cached location and any pending
// weather wait for the user.
func (s *Store) ClearCachedLocation(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cachedLocations, userID)
	delete(s.weatherWaits, userID)
}

// ---- email state ----

// SetEmailBodyWait marks userID as owing a body for their draft.
func (s *Store) SetEmailBodyWait(userID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.emailBodyWait[userID] = true
	} else {
		delete(s.emailBodyWait, userID)
	}
}

// IsWaitingForEmailBody reports whether the next DM is an email body.
func (s *Store) IsWaitingForEmailBody(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emailBodyWait[userID]
}

// SetEmailDraft stores the in-progress draft for userID.
func (s *Store) SetEmailDraft(userID string, draft EmailDraft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emailDrafts[userID] = &draft
}

// EmailDraft returns the user's draft, if any.
func (s *Store) EmailDraft(userID string) (EmailDraft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.emailDrafts[userID]
	if !ok {
		return EmailDraft{}, false
	}
	return *d, true
}

// ClearAllEmailState drops the draft and the body wait flag.
func (s *Store) ClearAllEmailState(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.emailDrafts, userID)
	delete(s.emailBodyWait, userID)
}
