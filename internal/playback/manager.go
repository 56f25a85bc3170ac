// Package playback plays synthesized audio back into a call, either by
// writing a file into the shared media directory and asking the PBX to play
// it (Manager), or by streaming chunks straight down the media transport
// with a file-based safety net (Streamer).
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/trunkline-ai/trunkline/internal/ari"
	"github.com/trunkline-ai/trunkline/internal/session"
	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// Playback type tags. They prefix the deterministic playback ID so logs and
// media files identify what was played.
const (
	TypeGreeting = "greeting"
	TypeResponse = "response"
	TypeFallback = "fallback"
)

// Manager plays audio into a call through PBX file playback. Audio bytes
// are written to the shared media directory and played by URI; the gating
// token is set before play so capture is disabled for the whole playback.
type Manager struct {
	store    *session.Store
	client   *ari.Client
	mediaDir string
	encoding audio.Encoding
	log      *slog.Logger
}

// NewManager creates a Manager writing files under mediaDir. encoding is the
// wire encoding of the audio bytes handed to PlayAudio and selects the file
// extension the PBX uses to pick a decoder.
func NewManager(store *session.Store, client *ari.Client, mediaDir string, encoding audio.Encoding, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:    store,
		client:   client,
		mediaDir: mediaDir,
		encoding: encoding,
		log:      log,
	}
}

// PlaybackID builds the deterministic playback identifier for a call.
func PlaybackID(typ, callID string) string {
	return fmt.Sprintf("%s:%s:%d", typ, callID, time.Now().UnixMilli())
}

// fileExt maps a wire encoding to the raw-audio extension the PBX decodes.
func fileExt(enc audio.Encoding) string {
	switch enc {
	case audio.EncodingALaw:
		return ".alaw"
	case audio.EncodingPCM16:
		return ".sln"
	default:
		return ".ulaw"
	}
}

// PlayAudio writes audioBytes to the media directory and starts PBX playback
// on the call's bridge. The gating token is set before play is issued; on
// any failure the token is cleared and the file removed. Returns the
// playback ID.
func (m *Manager) PlayAudio(ctx context.Context, callID string, audioBytes []byte, typ string) (string, error) {
	sess, ok := m.store.GetByCallID(callID)
	if !ok {
		return "", fmt.Errorf("playback: %w: %s", session.ErrNotFound, callID)
	}
	if len(audioBytes) == 0 {
		return "", fmt.Errorf("playback: no audio for call %s", callID)
	}

	playbackID := PlaybackID(typ, callID)
	path := m.filePath(playbackID)

	// The PBX reads the file as a foreign process, hence world-readable.
	if err := os.WriteFile(path, audioBytes, 0o644); err != nil {
		return "", fmt.Errorf("playback: write media file: %w", err)
	}

	if err := m.store.SetGatingToken(callID, playbackID); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("playback: gate call %s: %w", callID, err)
	}

	mediaURI := "sound:" + strings.TrimSuffix(path, fileExt(m.encoding))
	if err := m.client.PlayOnBridge(ctx, sess.BridgeID, mediaURI, playbackID); err != nil {
		if cerr := m.store.ClearGatingToken(callID, playbackID); cerr != nil {
			m.log.Warn("clear gating token after failed play", "call_id", callID, "err", cerr)
		}
		os.Remove(path)
		return "", fmt.Errorf("playback: start playback: %w", err)
	}

	if err := m.store.AddPlayback(session.PlaybackRef{
		PlaybackID: playbackID,
		CallID:     callID,
		BridgeID:   sess.BridgeID,
		MediaURI:   mediaURI,
		FilePath:   path,
		CreatedAt:  time.Now(),
	}); err != nil {
		m.log.Warn("record playback ref", "call_id", callID, "playback_id", playbackID, "err", err)
	}

	m.log.Info("playback started",
		"call_id", callID,
		"playback_id", playbackID,
		"bytes", len(audioBytes),
	)
	return playbackID, nil
}

// HandlePlaybackFinished reacts to the PBX playback-finished event: clear the
// gating token and remove the media file. Unknown playback IDs are ignored;
// the PBX may deliver the event twice across reconnects.
func (m *Manager) HandlePlaybackFinished(playbackID string) {
	ref, ok := m.store.PopPlayback(playbackID)
	if !ok {
		m.log.Debug("playback finished for unknown id", "playback_id", playbackID)
		return
	}
	if err := m.store.ClearGatingToken(ref.CallID, playbackID); err != nil {
		m.log.Warn("clear gating token", "call_id", ref.CallID, "playback_id", playbackID, "err", err)
	}
	m.removeFile(ref)
	m.log.Debug("playback finished", "call_id", ref.CallID, "playback_id", playbackID)
}

// CancelAll stops every live playback of a call and releases its gating
// tokens and files. Used on barge-in and teardown.
func (m *Manager) CancelAll(ctx context.Context, callID string) {
	for _, ref := range m.store.Playbacks(callID) {
		if err := m.client.StopPlayback(ctx, ref.PlaybackID); err != nil {
			m.log.Warn("stop playback", "call_id", callID, "playback_id", ref.PlaybackID, "err", err)
		}
		if popped, ok := m.store.PopPlayback(ref.PlaybackID); ok {
			m.removeFile(popped)
		}
	}
	m.store.ClearAllGatingTokens(callID)
}

func (m *Manager) removeFile(ref session.PlaybackRef) {
	if ref.FilePath == "" {
		return
	}
	if err := os.Remove(ref.FilePath); err != nil && !os.IsNotExist(err) {
		m.log.Warn("remove media file", "path", ref.FilePath, "err", err)
	}
}

// filePath derives the on-disk name from the playback ID. Colons are not
// valid in media URIs, so they become hyphens.
func (m *Manager) filePath(playbackID string) string {
	name := strings.ReplaceAll(playbackID, ":", "-") + fileExt(m.encoding)
	return filepath.Join(m.mediaDir, name)
}
