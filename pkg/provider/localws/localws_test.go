package localws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/trunkline-ai/trunkline/pkg/provider"
)

// fakeLocal is a minimal multi-role inference process: it acks set_mode and
// answers flush/generate/synthesize per the declared mode.
type fakeLocal struct {
	mu    sync.Mutex
	modes []string
}

func (f *fakeLocal) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		var mode string
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				continue // buffered audio awaiting flush
			}
			var msg message
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("undecodable client message: %v", err)
				return
			}

			switch msg.Type {
			case "set_mode":
				mode = msg.Mode
				f.mu.Lock()
				f.modes = append(f.modes, mode)
				f.mu.Unlock()
				conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"mode_ready"}`))
			case "flush":
				if mode != ModeSTT {
					t.Errorf("flush in mode %q", mode)
				}
				conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"transcript","text":"local transcript","final":true}`))
			case "generate":
				if mode != ModeLLM {
					t.Errorf("generate in mode %q", mode)
				}
				conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"response","text":"local reply"}`))
			case "synthesize":
				if mode != ModeTTS {
					t.Errorf("synthesize in mode %q", mode)
				}
				conn.Write(r.Context(), websocket.MessageBinary, []byte{1, 2, 3})
				conn.Write(r.Context(), websocket.MessageBinary, []byte{4, 5, 6})
				conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"end"}`))
			}
		}
	}
}

func newFakeLocal(t *testing.T) (*fakeLocal, string) {
	t.Helper()
	f := &fakeLocal{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSTT_TranscribeOverLocalSocket(t *testing.T) {
	t.Parallel()

	_, endpoint := newFakeLocal(t)
	p, err := NewSTT(endpoint, nil)
	if err != nil {
		t.Fatalf("NewSTT: %v", err)
	}
	t.Cleanup(func() { p.Stop() })

	ctx := context.Background()
	if err := p.OpenCall(ctx, "call-1", provider.Options{}); err != nil {
		t.Fatalf("OpenCall: %v", err)
	}
	got, err := p.Transcribe(ctx, "call-1", make([]byte, 640), 16000)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "local transcript" {
		t.Errorf("transcript = %q", got)
	}
}

func TestLLM_GenerateOverLocalSocket(t *testing.T) {
	t.Parallel()

	_, endpoint := newFakeLocal(t)
	p, err := NewLLM(endpoint, nil)
	if err != nil {
		t.Fatalf("NewLLM: %v", err)
	}
	t.Cleanup(func() { p.Stop() })

	ctx := context.Background()
	if err := p.OpenCall(ctx, "call-1", provider.Options{}); err != nil {
		t.Fatalf("OpenCall: %v", err)
	}
	got, err := p.Generate(ctx, "call-1", "hi", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "local reply" {
		t.Errorf("reply = %q", got)
	}
}

func TestTTS_SynthesizeStreamsUntilEnd(t *testing.T) {
	t.Parallel()

	_, endpoint := newFakeLocal(t)
	p, err := NewTTS(endpoint, nil)
	if err != nil {
		t.Fatalf("NewTTS: %v", err)
	}
	t.Cleanup(func() { p.Stop() })

	ctx := context.Background()
	if err := p.OpenCall(ctx, "call-1", provider.Options{}); err != nil {
		t.Fatalf("OpenCall: %v", err)
	}
	ch, err := p.Synthesize(ctx, "call-1", "hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	var chunks [][]byte
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0][0] != 1 || chunks[1][0] != 4 {
		t.Errorf("chunk contents = %v", chunks)
	}
}

func TestClient_ModesDeclaredPerRole(t *testing.T) {
	t.Parallel()

	f, endpoint := newFakeLocal(t)
	ctx := context.Background()

	stt, _ := NewSTT(endpoint, nil)
	llmP, _ := NewLLM(endpoint, nil)
	ttsP, _ := NewTTS(endpoint, nil)
	t.Cleanup(func() { stt.Stop(); llmP.Stop(); ttsP.Stop() })

	stt.OpenCall(ctx, "c", provider.Options{})
	llmP.OpenCall(ctx, "c", provider.Options{})
	ttsP.OpenCall(ctx, "c", provider.Options{})

	f.mu.Lock()
	defer f.mu.Unlock()
	want := map[string]bool{ModeSTT: false, ModeLLM: false, ModeTTS: false}
	for _, m := range f.modes {
		want[m] = true
	}
	for mode, seen := range want {
		if !seen {
			t.Errorf("mode %q never declared", mode)
		}
	}
}
