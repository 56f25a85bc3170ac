package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trunkline-ai/trunkline/internal/ari"
	"github.com/trunkline-ai/trunkline/internal/convo"
	"github.com/trunkline-ai/trunkline/internal/pipeline"
	"github.com/trunkline-ai/trunkline/internal/session"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	llmmock "github.com/trunkline-ai/trunkline/pkg/provider/llm/mock"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	sttmock "github.com/trunkline-ai/trunkline/pkg/provider/stt/mock"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	ttsmock "github.com/trunkline-ai/trunkline/pkg/provider/tts/mock"
)

// fakeARI emulates the control plane endpoints the engine touches and
// records the mutating requests.
type fakeARI struct {
	mu         sync.Mutex
	answers    []string
	plays      []string
	deletes    []string
	bridgeAdds []string

	failAnswer bool
	pipeline   string // channel variable value; empty means unset
	bridges    []ari.Bridge
	channels   []ari.Channel
}

func (f *fakeARI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/answer"):
			if f.failAnswer {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			f.answers = append(f.answers, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/variable"):
			if f.pipeline == "" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"value": f.pipeline})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/externalMedia"):
			json.NewEncoder(w).Encode(ari.Channel{
				ID:          "em-1",
				Name:        "UnicastRTP/127.0.0.1:14000",
				ChannelVars: map[string]string{"UNICASTRTP_LOCAL_PORT": "14000"},
			})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/channels"):
			// AudioSocket originate.
			json.NewEncoder(w).Encode(ari.Channel{ID: "em-1", Name: "AudioSocket/127.0.0.1-test"})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/bridges"):
			json.NewEncoder(w).Encode(ari.Bridge{ID: "br-1"})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/addChannel"):
			f.bridgeAdds = append(f.bridgeAdds, r.URL.Query().Get("channel"))
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/play"):
			f.plays = append(f.plays, r.URL.Query().Get("playbackId"))
			w.WriteHeader(http.StatusCreated)

		case r.Method == http.MethodDelete:
			f.deletes = append(f.deletes, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/bridges"):
			json.NewEncoder(w).Encode(f.bridges)

		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/channels"):
			json.NewEncoder(w).Encode(f.channels)

		default:
			w.WriteHeader(http.StatusOK)
		}
	}
}

func (f *fakeARI) snapshot() (answers, plays, deletes, adds []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.answers...),
		append([]string(nil), f.plays...),
		append([]string(nil), f.deletes...),
		append([]string(nil), f.bridgeAdds...)
}

func mockOrchestrator(t *testing.T) *pipeline.Orchestrator {
	t.Helper()
	r := pipeline.NewRegistry()
	r.RegisterSTT("mock_stt", func() (stt.Provider, error) { return &sttmock.Provider{Transcript: "hello"}, nil })
	r.RegisterLLM("mock_llm", func() (llm.Provider, error) { return &llmmock.Provider{Response: "hi"}, nil })
	r.RegisterTTS("mock_tts", func() (tts.Provider, error) {
		return &ttsmock.Provider{Chunks: [][]byte{make([]byte, 160)}}, nil
	})
	entries := map[string]pipeline.Entry{
		"main": {STT: "mock_stt", LLM: "mock_llm", TTS: "mock_tts"},
	}
	o, err := pipeline.NewOrchestrator(r, []string{"main"}, entries, "main", nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func newTestEngine(t *testing.T, f *fakeARI, mutate func(*Config)) *Engine {
	t.Helper()

	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	client, err := ari.New(srv.URL, "user", "pass", "trunkline", ari.WithMaxRetries(1))
	if err != nil {
		t.Fatalf("ari.New: %v", err)
	}
	events, err := ari.NewEventStream("ws://127.0.0.1:9/ari/events", "user", "pass", "trunkline", nil)
	if err != nil {
		t.Fatalf("NewEventStream: %v", err)
	}

	cfg := Config{
		AudioTransport: TransportRTP,
		DownstreamMode: ModeFile,
		MediaDir:       t.TempDir(),
		AsteriskHost:   "127.0.0.1",
		RTPHost:        "127.0.0.1",
		SweepInterval:  time.Hour,
		Convo:          convo.Config{Greeting: "welcome"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(cfg, client, events, session.NewStore(nil), mockOrchestrator(t), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.transport.Close() })
	return e
}

func TestEngine_StartCallRTP(t *testing.T) {
	t.Parallel()

	f := &fakeARI{}
	e := newTestEngine(t, f, nil)

	e.startCall(context.Background(), ari.Channel{ID: "chan-1", Name: "PJSIP/100-00000001"})

	sess, ok := e.store.GetByCallID("chan-1")
	if !ok {
		t.Fatal("session missing after call start")
	}
	if sess.BridgeID != "br-1" || sess.ExternalMediaChannelID != "em-1" {
		t.Errorf("session ids = bridge %q, media %q", sess.BridgeID, sess.ExternalMediaChannelID)
	}
	if sess.PipelineName != "main" {
		t.Errorf("pipeline = %q", sess.PipelineName)
	}
	if sess.RTP.Addr != "127.0.0.1:14000" {
		t.Errorf("rtp binding = %q", sess.RTP.Addr)
	}

	answers, plays, _, adds := f.snapshot()
	if len(answers) != 1 {
		t.Errorf("answers = %v", answers)
	}
	if len(adds) != 2 || adds[0] != "chan-1" || adds[1] != "em-1" {
		t.Errorf("bridge adds = %v", adds)
	}
	if len(plays) != 1 || !strings.HasPrefix(plays[0], "greeting:chan-1:") {
		t.Fatalf("plays = %v, want greeting playback", plays)
	}

	// The media channel and bridge IDs resolve back to the call.
	for _, id := range []string{"em-1", "br-1"} {
		if _, ok := e.store.GetByAnyID(id); !ok {
			t.Errorf("alias %q not indexed", id)
		}
	}

	// Greeting playback holds the capture gate until its finished event.
	if e.store.CaptureEnabled("chan-1") {
		t.Error("capture enabled during greeting playback")
	}
	e.handleEvent(context.Background(), ari.Event{
		Type:     ari.EventPlaybackFinished,
		Playback: ari.Playback{ID: plays[0]},
	})
	if !e.store.CaptureEnabled("chan-1") {
		t.Error("capture not re-enabled after greeting finished")
	}
	if sess.State != session.StateListening {
		t.Errorf("state = %q, want listening", sess.State)
	}
}

func TestEngine_StartCallAudioSocket(t *testing.T) {
	t.Parallel()

	f := &fakeARI{}
	e := newTestEngine(t, f, func(cfg *Config) {
		cfg.AudioTransport = TransportAudioSocket
		cfg.AudioSocketListenAddr = "127.0.0.1:0"
	})

	e.startCall(context.Background(), ari.Channel{ID: "chan-2", Name: "PJSIP/100-00000002"})

	sess, ok := e.store.GetByCallID("chan-2")
	if !ok {
		t.Fatal("session missing after call start")
	}
	if sess.AudioSocketID == "" {
		t.Error("no socket UUID assigned")
	}
	if sess.ExternalMediaChannelID != "em-1" {
		t.Errorf("media channel = %q", sess.ExternalMediaChannelID)
	}
	if _, ok := e.store.GetByAnyID(sess.AudioSocketID); !ok {
		t.Error("socket UUID not indexed")
	}
}

func TestEngine_TeardownOnStasisEnd(t *testing.T) {
	t.Parallel()

	f := &fakeARI{}
	e := newTestEngine(t, f, nil)
	ctx := context.Background()

	e.startCall(ctx, ari.Channel{ID: "chan-1", Name: "PJSIP/100-00000001"})
	e.handleEvent(ctx, ari.Event{Type: ari.EventStasisEnd, Channel: ari.Channel{ID: "chan-1"}})

	if _, ok := e.store.GetByCallID("chan-1"); ok {
		t.Error("session still present after teardown")
	}
	if e.call("chan-1") != nil {
		t.Error("call state still present after teardown")
	}

	_, _, deletes, _ := f.snapshot()
	want := []string{"/bridges/br-1", "/channels/em-1", "/channels/chan-1"}
	for _, path := range want {
		found := false
		for _, d := range deletes {
			if strings.HasSuffix(d, path) {
				found = true
			}
		}
		if !found {
			t.Errorf("deletes = %v, missing %s", deletes, path)
		}
	}

	// A late duplicate event for the same call is harmless.
	e.handleEvent(ctx, ari.Event{Type: ari.EventChannelDestroyed, Channel: ari.Channel{ID: "chan-1"}})
}

func TestEngine_MediaChannelStasisStartIgnored(t *testing.T) {
	t.Parallel()

	f := &fakeARI{}
	e := newTestEngine(t, f, nil)

	e.handleEvent(context.Background(), ari.Event{
		Type:    ari.EventStasisStart,
		Channel: ari.Channel{ID: "em-x", Name: "UnicastRTP/127.0.0.1:4000"},
	})

	time.Sleep(50 * time.Millisecond)
	if n := e.store.Count(); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestEngine_DuplicateStasisStartIgnored(t *testing.T) {
	t.Parallel()

	f := &fakeARI{}
	e := newTestEngine(t, f, nil)
	ctx := context.Background()

	e.startCall(ctx, ari.Channel{ID: "chan-1", Name: "PJSIP/100-00000001"})
	// The media channel entering the application reuses a known alias.
	e.handleEvent(ctx, ari.Event{Type: ari.EventStasisStart, Channel: ari.Channel{ID: "em-1", Name: "PJSIP/odd"}})

	time.Sleep(50 * time.Millisecond)
	answers, _, _, _ := f.snapshot()
	if len(answers) != 1 {
		t.Errorf("answers = %v, want the original call only", answers)
	}
}

func TestEngine_SetupFailureTearsDown(t *testing.T) {
	t.Parallel()

	f := &fakeARI{failAnswer: true}
	e := newTestEngine(t, f, nil)

	e.startCall(context.Background(), ari.Channel{ID: "chan-1", Name: "PJSIP/100-00000001"})

	if _, ok := e.store.GetByCallID("chan-1"); ok {
		t.Error("session left behind after failed setup")
	}
	_, plays, deletes, _ := f.snapshot()
	if len(plays) != 0 {
		t.Errorf("plays = %v, want none", plays)
	}
	// The caller leg still gets hung up.
	found := false
	for _, d := range deletes {
		if strings.HasSuffix(d, "/channels/chan-1") {
			found = true
		}
	}
	if !found {
		t.Errorf("deletes = %v, missing caller hangup", deletes)
	}
}

func TestEngine_SweepStaleResources(t *testing.T) {
	t.Parallel()

	f := &fakeARI{
		bridges: []ari.Bridge{{ID: "old-br"}},
		channels: []ari.Channel{
			{ID: "old-em", Name: "UnicastRTP/127.0.0.1:4002"},
			{ID: "live-caller", Name: "PJSIP/100-00000009"},
		},
	}
	e := newTestEngine(t, f, nil)

	e.sweepStaleResources(context.Background())

	_, _, deletes, _ := f.snapshot()
	joined := strings.Join(deletes, " ")
	if !strings.Contains(joined, "/bridges/old-br") {
		t.Errorf("deletes = %v, missing stale bridge", deletes)
	}
	if !strings.Contains(joined, "/channels/old-em") {
		t.Errorf("deletes = %v, missing stale media channel", deletes)
	}
	if strings.Contains(joined, "/channels/live-caller") {
		t.Errorf("deletes = %v, caller channel must not be swept", deletes)
	}
}

func TestEngine_PlaybackFinishedUnknownID(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, &fakeARI{}, nil)
	e.handleEvent(context.Background(), ari.Event{
		Type:     ari.EventPlaybackFinished,
		Playback: ari.Playback{ID: "bogus"},
	})
}

func TestCallIDFromPlaybackID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"greeting:chan-1:1712000000000": "chan-1",
		"response:chan-2:42":            "chan-2",
		"no-colons":                     "",
		"a:b:c:d":                       "",
	}
	for in, want := range cases {
		if got := callIDFromPlaybackID(in); got != want {
			t.Errorf("callIDFromPlaybackID(%q) = %q, want %q", in, got, want)
		}
	}
}
