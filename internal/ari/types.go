package ari

import "encoding/json"

// Channel is the control-plane view of a PBX channel.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
	// ChannelVars is populated on externalMedia creation and exposes the
	// PBX's local RTP port as UNICASTRTP_LOCAL_PORT.
	ChannelVars map[string]string `json:"channelvars"`
}

// Bridge is the control-plane view of a mixing bridge.
type Bridge struct {
	ID       string   `json:"id"`
	Type     string   `json:"bridge_type"`
	Channels []string `json:"channels"`
}

// Playback identifies a control-plane playback operation.
type Playback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri"`
	State    string `json:"state"`
}

// Event is a decoded control-plane event. Fields not applicable to the
// event type are zero.
type Event struct {
	Type        string   `json:"type"`
	Application string   `json:"application"`
	Timestamp   string   `json:"timestamp"`
	AsteriskID  string   `json:"asterisk_id"`
	Channel     Channel  `json:"channel"`
	Playback    Playback `json:"playback"`
	Bridge      Bridge   `json:"bridge"`

	// Digit and DurationMs are set for ChannelDtmfReceived.
	Digit      string `json:"digit"`
	DurationMs int    `json:"duration_ms"`

	// Args holds the Stasis dialplan arguments on StasisStart.
	Args []string `json:"args"`

	// Raw preserves the undecoded message for debug logging.
	Raw json.RawMessage `json:"-"`
}

// Event types the engine consumes. Everything else is ignored.
const (
	EventStasisStart         = "StasisStart"
	EventStasisEnd           = "StasisEnd"
	EventChannelDestroyed    = "ChannelDestroyed"
	EventPlaybackFinished    = "PlaybackFinished"
	EventChannelStateChange  = "ChannelStateChange"
	EventChannelDtmfReceived = "ChannelDtmfReceived"
)

// dedupeKey identifies an event across stream reconnects. The control plane
// does not number its messages, so the key is built from the fields that
// uniquely place an event in time.
func (e *Event) dedupeKey() string {
	id := e.Channel.ID
	if id == "" {
		id = e.Playback.ID
	}
	if id == "" {
		id = e.Bridge.ID
	}
	return e.Type + "|" + id + "|" + e.Timestamp
}
