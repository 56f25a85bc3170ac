package session

import (
	"errors"
	"testing"
	"time"
)

func newSessionWithAliases(callID string) *Session {
	s := New(callID)
	s.LocalChannelID = callID + "-local"
	s.ExternalMediaChannelID = callID + "-em"
	s.BridgeID = callID + "-bridge"
	return s
}

func TestStore_LookupByAnyAlias(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	s := newSessionWithAliases("chan-1")
	st.Upsert(s)

	for _, id := range []string{"chan-1", "chan-1-local", "chan-1-em", "chan-1-bridge"} {
		got, ok := st.GetByAnyID(id)
		if !ok {
			t.Fatalf("lookup by %q failed", id)
		}
		if got != s {
			t.Fatalf("lookup by %q returned a different session", id)
		}
	}
}

func TestStore_UpdateReindexesAliases(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	st.Upsert(New("chan-1"))

	err := st.Update("chan-1", func(s *Session) {
		s.ExternalMediaChannelID = "em-1"
		s.BridgeID = "br-1"
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	for _, id := range []string{"em-1", "br-1"} {
		got, ok := st.GetByAnyID(id)
		if !ok || got.CallID != "chan-1" {
			t.Fatalf("lookup by %q after Update failed", id)
		}
	}

	if err := st.Update("ghost", func(*Session) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update(ghost) = %v, want ErrNotFound", err)
	}
}

func TestStore_UpsertReindexesAliases(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	s := New("chan-1")
	st.Upsert(s)

	// Alias added later must be visible after re-upsert.
	s.AudioSocketID = "uuid-1"
	st.Upsert(s)
	if _, ok := st.GetByAnyID("uuid-1"); !ok {
		t.Fatal("AudioSocket UUID not indexed after upsert")
	}
}

func TestStore_RemoveDropsAllAliases(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	st.Upsert(newSessionWithAliases("chan-1"))

	if _, ok := st.Remove("chan-1"); !ok {
		t.Fatal("Remove failed")
	}
	for _, id := range []string{"chan-1", "chan-1-local", "chan-1-em", "chan-1-bridge"} {
		if _, ok := st.GetByAnyID(id); ok {
			t.Errorf("alias %q survived Remove", id)
		}
	}
}

func TestStore_GatingRefcount(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	s := New("chan-1")
	st.Upsert(s)

	if err := st.SetGatingToken("chan-1", "greeting:chan-1:1"); err != nil {
		t.Fatalf("SetGatingToken: %v", err)
	}
	if s.CaptureEnabled || !s.TTSPlaying || s.Refcount() != 1 {
		t.Fatalf("after set: capture=%v playing=%v refcount=%d", s.CaptureEnabled, s.TTSPlaying, s.Refcount())
	}

	// A second token keeps the gate closed until both clear.
	if err := st.SetGatingToken("chan-1", "response:chan-1:2"); err != nil {
		t.Fatalf("SetGatingToken: %v", err)
	}
	if err := st.ClearGatingToken("chan-1", "greeting:chan-1:1"); err != nil {
		t.Fatalf("ClearGatingToken: %v", err)
	}
	if s.CaptureEnabled || !s.TTSPlaying {
		t.Fatal("gate opened while a token is still held")
	}
	if err := st.ClearGatingToken("chan-1", "response:chan-1:2"); err != nil {
		t.Fatalf("ClearGatingToken: %v", err)
	}
	if !s.CaptureEnabled || s.TTSPlaying || s.Refcount() != 0 {
		t.Fatalf("after clear: capture=%v playing=%v refcount=%d", s.CaptureEnabled, s.TTSPlaying, s.Refcount())
	}
}

func TestStore_GatingIdempotent(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	s := New("chan-1")
	st.Upsert(s)

	st.SetGatingToken("chan-1", "t1")
	st.SetGatingToken("chan-1", "t1")
	if s.Refcount() != 1 {
		t.Fatalf("double-set refcount = %d, want 1", s.Refcount())
	}
	st.ClearGatingToken("chan-1", "t1")
	st.ClearGatingToken("chan-1", "t1")
	if s.Refcount() != 0 || !s.CaptureEnabled {
		t.Fatal("double-clear left the gate closed")
	}
}

func TestStore_GatingMissingSession(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	if err := st.SetGatingToken("nope", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetGatingToken on missing call = %v, want ErrNotFound", err)
	}
	if err := st.ClearGatingToken("nope", "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ClearGatingToken on missing call = %v, want ErrNotFound", err)
	}
}

func TestStore_GateActivationHookFiresOnce(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	var fired []string
	st.OnGateActivated(func(callID string) { fired = append(fired, callID) })
	st.Upsert(New("chan-1"))

	st.SetGatingToken("chan-1", "t1")
	st.SetGatingToken("chan-1", "t2")
	if len(fired) != 1 || fired[0] != "chan-1" {
		t.Fatalf("hook fired %d times (%v), want once on first token", len(fired), fired)
	}

	// Gate closes and reopens: hook fires again.
	st.ClearAllGatingTokens("chan-1")
	st.SetGatingToken("chan-1", "t3")
	if len(fired) != 2 {
		t.Fatalf("hook fired %d times, want 2 after reactivation", len(fired))
	}
}

func TestStore_ClearAllGatingTokens(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	s := New("chan-1")
	st.Upsert(s)
	st.SetGatingToken("chan-1", "t1")
	st.SetGatingToken("chan-1", "t2")

	if n := st.ClearAllGatingTokens("chan-1"); n != 2 {
		t.Fatalf("cleared %d tokens, want 2", n)
	}
	if !s.CaptureEnabled || s.TTSPlaying || s.Refcount() != 0 {
		t.Fatal("gate not fully reopened")
	}
}

func TestStore_PlaybackLifecycle(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	st.Upsert(New("chan-1"))

	ref := PlaybackRef{PlaybackID: "response:chan-1:123", CallID: "chan-1", CreatedAt: time.Now()}
	if err := st.AddPlayback(ref); err != nil {
		t.Fatalf("AddPlayback: %v", err)
	}

	got, ok := st.PopPlayback("response:chan-1:123")
	if !ok || got.CallID != "chan-1" {
		t.Fatalf("PopPlayback = %+v, %v", got, ok)
	}

	// A duplicate playback-finished event pops nothing.
	if _, ok := st.PopPlayback("response:chan-1:123"); ok {
		t.Fatal("second pop returned a reference")
	}

	if err := st.AddPlayback(PlaybackRef{PlaybackID: "x", CallID: "gone"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AddPlayback on missing call = %v, want ErrNotFound", err)
	}
}

func TestStore_CleanupExpired(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	stale := New("old")
	stale.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	st.Upsert(stale)
	st.Upsert(New("fresh"))

	removed := st.CleanupExpired(30 * time.Minute)
	if len(removed) != 1 || removed[0].CallID != "old" {
		t.Fatalf("removed = %v, want [old]", removed)
	}
	if _, ok := st.GetByCallID("fresh"); !ok {
		t.Fatal("fresh session removed")
	}
	if st.Count() != 1 {
		t.Fatalf("Count = %d, want 1", st.Count())
	}
}

func TestStore_HistoryTrimsOldestPair(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	st.Upsert(New("chan-1"))

	const max = 7
	st.AppendHistory("chan-1", RoleSystem, "You are a phone agent.", max)
	for range 3 {
		st.AppendHistory("chan-1", RoleUser, "question", max)
		st.AppendHistory("chan-1", RoleAssistant, "answer", max)
	}
	if got := len(st.History("chan-1")); got != max {
		t.Fatalf("history length = %d, want %d before trim", got, max)
	}

	// One message over the cap drops the oldest turn pair, not a single
	// message, so the retained window still starts on a user turn.
	st.AppendHistory("chan-1", RoleUser, "follow-up", max)
	h := st.History("chan-1")
	if len(h) != max-1 {
		t.Fatalf("history length = %d, want %d after pair trim", len(h), max-1)
	}
	if h[0].Role != RoleSystem {
		t.Fatalf("first message role = %s, want system", h[0].Role)
	}
	if h[1].Role != RoleUser {
		t.Fatalf("oldest retained turn role = %s, want user", h[1].Role)
	}
	if h[len(h)-1].Content != "follow-up" {
		t.Fatalf("newest turn = %q, want the appended message", h[len(h)-1].Content)
	}
}

func TestStore_HistoryTrimPreservesSystem(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	st.Upsert(New("chan-1"))

	st.AppendHistory("chan-1", RoleSystem, "You are a phone agent.", 5)
	for i := range 10 {
		st.AppendHistory("chan-1", RoleUser, "question", 5)
		st.AppendHistory("chan-1", RoleAssistant, "answer", 5)
		_ = i
	}

	h := st.History("chan-1")
	if len(h) != 5 {
		t.Fatalf("history length = %d, want 5", len(h))
	}
	if h[0].Role != RoleSystem {
		t.Fatalf("first message role = %s, want system", h[0].Role)
	}
	for _, m := range h[1:] {
		if m.Role == RoleSystem {
			t.Fatal("duplicate system message in trimmed history")
		}
	}
}

func TestStore_HistoryUnknownCall(t *testing.T) {
	t.Parallel()

	st := NewStore(nil)
	if err := st.AppendHistory("nope", RoleUser, "hi", 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AppendHistory = %v, want ErrNotFound", err)
	}
	if h := st.History("nope"); h != nil {
		t.Fatalf("History = %v, want nil", h)
	}
}
