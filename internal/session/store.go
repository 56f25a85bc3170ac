package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNotFound is returned by store operations addressing a call ID or alias
// the store does not know.
var ErrNotFound = errors.New("session: not found")

// Store is the in-process registry of active call sessions. Composite
// operations (gating, playback bookkeeping, alias reindexing) run under one
// exclusive lock so their invariants hold at every observable point.
//
// All methods are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	byCall map[string]*Session
	byID   map[string]string // any channel identifier → call ID

	// onGateActivated fires after a call's first gating token is set, outside
	// the lock. The engine uses it to reset the call's VAD buffers so the
	// agent never hears itself.
	onGateActivated func(callID string)

	log *slog.Logger
}

// NewStore creates an empty Store.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		byCall: make(map[string]*Session),
		byID:   make(map[string]string),
		log:    log,
	}
}

// OnGateActivated registers the capture-gate activation hook. Must be called
// before the store is shared.
func (st *Store) OnGateActivated(fn func(callID string)) {
	st.onGateActivated = fn
}

// Upsert inserts or replaces the session and reindexes every channel
// identifier it carries.
func (st *Store) Upsert(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if prev, ok := st.byCall[s.CallID]; ok {
		for _, id := range prev.aliases() {
			delete(st.byID, id)
		}
	}
	st.byCall[s.CallID] = s
	for _, id := range s.aliases() {
		st.byID[id] = s.CallID
	}
}

// Update runs fn on the call's session under the store lock, then
// reindexes the channel identifiers the session carries so alias changes
// made by fn resolve immediately. Returns ErrNotFound for unknown calls.
func (st *Store) Update(callID string, fn func(*Session)) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byCall[callID]
	if !ok {
		return ErrNotFound
	}
	for _, id := range s.aliases() {
		delete(st.byID, id)
	}
	fn(s)
	for _, id := range s.aliases() {
		st.byID[id] = s.CallID
	}
	return nil
}

// GetByCallID returns the session for the canonical call ID.
func (st *Store) GetByCallID(callID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.byCall[callID]
	return s, ok
}

// GetByAnyID returns the session indexed by any channel identifier it is
// known by: caller channel, local channel, external media channel, bridge,
// or AudioSocket UUID.
func (st *Store) GetByAnyID(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	callID, ok := st.byID[id]
	if !ok {
		return nil, false
	}
	s, ok := st.byCall[callID]
	return s, ok
}

// Remove deletes the session and all of its aliases. It returns the removed
// session so the caller can run its finalizers.
func (st *Store) Remove(callID string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byCall[callID]
	if !ok {
		return nil, false
	}
	for _, id := range s.aliases() {
		delete(st.byID, id)
	}
	delete(st.byCall, callID)
	return s, true
}

// SetGatingToken adds a playback token to the call, suspending inbound
// capture while any token is held. Adding a token the call already holds is
// a no-op. Returns ErrNotFound for unknown calls.
func (st *Store) SetGatingToken(callID, token string) error {
	st.mu.Lock()
	s, ok := st.byCall[callID]
	if !ok {
		st.mu.Unlock()
		return ErrNotFound
	}

	activated := false
	if _, dup := s.tokens[token]; !dup {
		s.tokens[token] = struct{}{}
		if len(s.tokens) == 1 {
			activated = true
		}
	}
	s.TTSPlaying = true
	s.CaptureEnabled = false
	s.Touch()
	st.mu.Unlock()

	if activated && st.onGateActivated != nil {
		st.onGateActivated(callID)
	}
	return nil
}

// ClearGatingToken removes a playback token. When the last token is
// cleared, capture is re-enabled. Clearing an absent token is a no-op.
// Returns ErrNotFound for unknown calls.
func (st *Store) ClearGatingToken(callID, token string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byCall[callID]
	if !ok {
		return ErrNotFound
	}
	delete(s.tokens, token)
	if len(s.tokens) == 0 {
		s.TTSPlaying = false
		s.CaptureEnabled = true
	}
	s.Touch()
	return nil
}

// ClearAllGatingTokens drops every token the call holds and re-enables
// capture. Barge-in uses this so no stale token can keep the gate shut.
// Returns the number of tokens cleared.
func (st *Store) ClearAllGatingTokens(callID string) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byCall[callID]
	if !ok {
		return 0
	}
	n := len(s.tokens)
	clear(s.tokens)
	s.TTSPlaying = false
	s.CaptureEnabled = true
	s.Touch()
	return n
}

// CaptureEnabled reports whether inbound audio for the call should reach
// the VAD. Unknown calls report false.
func (st *Store) CaptureEnabled(callID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.byCall[callID]
	return ok && s.CaptureEnabled
}

// AddPlayback records a playback reference on its owning call.
// Returns ErrNotFound if the owner is gone.
func (st *Store) AddPlayback(ref PlaybackRef) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.byCall[ref.CallID]
	if !ok {
		return ErrNotFound
	}
	s.playbacks[ref.PlaybackID] = ref
	return nil
}

// PopPlayback removes and returns a playback reference by ID, searching
// every session. The second result is false when the ID is unknown, which
// makes duplicate playback-finished events harmless.
func (st *Store) PopPlayback(playbackID string) (PlaybackRef, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, s := range st.byCall {
		if ref, ok := s.playbacks[playbackID]; ok {
			delete(s.playbacks, playbackID)
			return ref, true
		}
	}
	return PlaybackRef{}, false
}

// Playbacks returns a snapshot of the call's outstanding playback
// references.
func (st *Store) Playbacks(callID string) []PlaybackRef {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.byCall[callID]
	if !ok {
		return nil
	}
	refs := make([]PlaybackRef, 0, len(s.playbacks))
	for _, ref := range s.playbacks {
		refs = append(refs, ref)
	}
	return refs
}

// CleanupExpired removes sessions whose last activity is older than maxAge
// and returns the removed sessions so the engine can run their teardown.
func (st *Store) CleanupExpired(maxAge time.Duration) []*Session {
	cutoff := time.Now().UTC().Add(-maxAge)

	st.mu.Lock()
	defer st.mu.Unlock()

	var removed []*Session
	for callID, s := range st.byCall {
		if s.LastActivityAt.Before(cutoff) {
			for _, id := range s.aliases() {
				delete(st.byID, id)
			}
			delete(st.byCall, callID)
			removed = append(removed, s)
			st.log.Info("dropping stale session",
				"call_id", callID,
				"last_activity", s.LastActivityAt,
			)
		}
	}
	return removed
}

// Count returns the number of active sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byCall)
}

// CallIDs returns a snapshot of all active call IDs.
func (st *Store) CallIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.byCall))
	for id := range st.byCall {
		ids = append(ids, id)
	}
	return ids
}
