// Package session holds the per-call state shared by the media pumps,
// playback managers, and the conversation coordinator. The Store is the
// single writer of the capture-gating invariants: tts_playing is true iff
// at least one gating token is held, and inbound capture is enabled iff
// no token is held.
package session

import (
	"time"
)

// State is the conversation phase of a call.
type State string

const (
	StateGreeting   State = "greeting"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateEnded      State = "ended"
)

// Role identifies the author of a history message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the per-call conversation history.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// PlaybackRef tracks one playback owned by a call. IDs are deterministic,
// "<type>:<call_id>:<unix_ms>", so the PBX's playback-finished event maps
// back to its call without extra bookkeeping.
type PlaybackRef struct {
	PlaybackID string
	CallID     string
	ChannelID  string
	BridgeID   string
	MediaURI   string
	StreamID   string
	FilePath   string
	CreatedAt  time.Time
}

// StreamStats are the per-call streaming counters surfaced to metrics and
// the readiness summary.
type StreamStats struct {
	BytesQueued       int64
	JitterDepth       int
	Fallbacks         int
	KeepaliveTimeouts int
	LastError         string
}

// RTPBinding is the outbound RTP destination plus packetizer state. The
// transport owns sequence/timestamp advancement; the session only carries
// the binding so it survives coordinator restarts.
type RTPBinding struct {
	Addr string
	SSRC uint32
}

// Session is the mutable per-call record. All mutation goes through the
// Store; callers must treat a Session obtained from a lookup as owned by
// the store and use the atomic Store operations for gating and playback
// changes.
type Session struct {
	// CallID equals the caller-side channel ID.
	CallID string

	CallerChannelID        string
	LocalChannelID         string
	ExternalMediaChannelID string
	BridgeID               string

	// AudioSocketID is the UUID the dialplan passes on the framed TCP
	// transport; empty for RTP calls.
	AudioSocketID string

	// PipelineName is fixed at call start.
	PipelineName string

	State          State
	CaptureEnabled bool
	TTSPlaying     bool

	RTP RTPBinding

	History   []Message
	Streaming StreamStats

	CreatedAt      time.Time
	LastActivityAt time.Time

	// gating tokens; refcount is len(tokens).
	tokens map[string]struct{}

	playbacks map[string]PlaybackRef
}

// New creates a Session for callID with capture enabled and no gating
// tokens.
func New(callID string) *Session {
	now := time.Now().UTC()
	return &Session{
		CallID:          callID,
		CallerChannelID: callID,
		State:           StateGreeting,
		CaptureEnabled:  true,
		CreatedAt:       now,
		LastActivityAt:  now,
		tokens:          make(map[string]struct{}),
		playbacks:       make(map[string]PlaybackRef),
	}
}

// Refcount returns the number of active gating tokens.
func (s *Session) Refcount() int {
	return len(s.tokens)
}

// aliases returns every channel identifier the session is known by, the
// canonical call ID included.
func (s *Session) aliases() []string {
	ids := []string{s.CallID}
	for _, id := range []string{s.CallerChannelID, s.LocalChannelID, s.ExternalMediaChannelID, s.BridgeID, s.AudioSocketID} {
		if id != "" && id != s.CallID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now().UTC()
}
