// Package convo runs the per-call conversation: a small state machine that
// turns VAD utterances into STT→LLM→TTS round trips, gates capture while the
// agent speaks, and cancels speech when the caller barges in.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/metric"

	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/pipeline"
	"github.com/trunkline-ai/trunkline/internal/playback"
	"github.com/trunkline-ai/trunkline/internal/session"
	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/provider"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
)

// Conversation states.
const (
	StateIdle       = "idle"
	StateGreeting   = "greeting"
	StateListening  = "listening"
	StateProcessing = "processing"
	StateSpeaking   = "speaking"
	StateError      = "error"
)

// FSM event names.
const (
	eventAnswer    = "answer"
	eventUtterance = "utterance"
	eventRespond   = "respond"
	eventListen    = "listen"
	eventFail      = "fail"
)

// BargeInConfig tunes the raw-audio tap that interrupts agent speech.
type BargeInConfig struct {
	Enabled bool

	// AmplitudeThreshold is the absolute PCM16 amplitude the caller must
	// exceed. Default 2000.
	AmplitudeThreshold int

	// WindowMs is how long the amplitude must stay above threshold before
	// speech is cancelled. Default 150.
	WindowMs int
}

// Config carries the per-call conversation settings.
type Config struct {
	// Greeting is spoken when the call is answered. Empty skips the
	// greeting and goes straight to listening.
	Greeting string

	// SystemPrompt seeds the history at index 0 when non-empty.
	SystemPrompt string

	// MaxContext bounds the history length. Default 50.
	MaxContext int

	// Streaming selects chunked downstream playback; false collects the
	// full synthesis and plays it as a file.
	Streaming bool

	// FallbackAudio is played when TTS fails mid-conversation. Optional.
	FallbackAudio []byte

	// Recorder, when set, receives each finished turn for the call
	// journal. It must not block.
	Recorder Recorder

	BargeIn BargeInConfig
}

// Recorder persists conversation turns outside the in-memory history.
type Recorder interface {
	RecordTurn(ctx context.Context, callID, role, content string)
}

func (c *Config) applyDefaults() {
	if c.MaxContext == 0 {
		c.MaxContext = 50
	}
	if c.BargeIn.AmplitudeThreshold == 0 {
		c.BargeIn.AmplitudeThreshold = 2000
	}
	if c.BargeIn.WindowMs == 0 {
		c.BargeIn.WindowMs = 150
	}
}

// Coordinator drives one call's conversation. Turn processing is serialized
// by the caller: the engine's per-call worker delivers utterances and raw
// audio from a single goroutine. Hangup is requested through the hangup
// callback when the conversation becomes un-serviceable.
type Coordinator struct {
	callID   string
	store    *session.Store
	res      *pipeline.Resolution
	streamer *playback.Streamer
	files    *playback.Manager
	cfg      Config
	metrics  *observe.Metrics
	log      *slog.Logger

	machine *fsm.FSM
	hangup  func(callID string)

	bargeMu  sync.Mutex
	aboveMs  float64
	cancelMu sync.Mutex
}

// New creates a Coordinator for the call. hangup is invoked at most once,
// when the conversation enters the error state.
func New(callID string, store *session.Store, res *pipeline.Resolution, streamer *playback.Streamer, files *playback.Manager, cfg Config, m *observe.Metrics, hangup func(callID string), log *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Coordinator{
		callID:   callID,
		store:    store,
		res:      res,
		streamer: streamer,
		files:    files,
		cfg:      cfg,
		metrics:  m,
		hangup:   hangup,
		log:      log.With("call_id", callID),
	}

	c.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventAnswer, Src: []string{StateIdle}, Dst: StateGreeting},
			{Name: eventUtterance, Src: []string{StateListening}, Dst: StateProcessing},
			{Name: eventRespond, Src: []string{StateProcessing}, Dst: StateSpeaking},
			{Name: eventListen, Src: []string{StateGreeting, StateProcessing, StateSpeaking}, Dst: StateListening},
			{Name: eventFail, Src: []string{StateIdle, StateGreeting, StateListening, StateProcessing, StateSpeaking}, Dst: StateError},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debug("conversation state", "from", e.Src, "to", e.Dst)
				c.syncSessionState(e.Dst)
			},
			"enter_" + StateError: func(_ context.Context, _ *fsm.Event) {
				if c.hangup != nil {
					c.hangup(c.callID)
				}
			},
		},
	)
	return c
}

// State returns the current conversation state.
func (c *Coordinator) State() string {
	return c.machine.Current()
}

// Start answers the conversation: transition to greeting and speak the
// configured greeting. Without a greeting text the call goes straight to
// listening.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.machine.Event(ctx, eventAnswer); err != nil {
		return fmt.Errorf("convo: answer: %w", err)
	}
	if c.cfg.SystemPrompt != "" {
		if err := c.store.AppendHistory(c.callID, session.RoleSystem, c.cfg.SystemPrompt, c.cfg.MaxContext); err != nil {
			return fmt.Errorf("convo: seed history: %w", err)
		}
	}
	if c.cfg.Greeting == "" {
		return c.machine.Event(ctx, eventListen)
	}
	if err := c.speak(ctx, c.cfg.Greeting, playback.TypeGreeting); err != nil {
		c.log.Error("greeting failed", "err", err)
		return c.fail(ctx)
	}
	return nil
}

// OnUtterance runs one conversation turn for a complete caller utterance.
// pcm is PCM16 at sampleRate. Utterances arriving outside the listening
// state are dropped.
func (c *Coordinator) OnUtterance(ctx context.Context, pcm []byte, sampleRate int) {
	if c.machine.Current() != StateListening {
		c.log.Debug("utterance dropped", "state", c.machine.Current())
		return
	}
	if err := c.machine.Event(ctx, eventUtterance); err != nil {
		return
	}

	transcript, err := c.transcribe(ctx, pcm, sampleRate)
	if err != nil {
		c.log.Warn("transcription failed", "err", err)
		c.listen(ctx)
		return
	}
	if strings.TrimSpace(transcript) == "" {
		c.listen(ctx)
		return
	}
	c.log.Info("caller said", "transcript", transcript)

	reply, err := c.generate(ctx, transcript)
	if err != nil {
		if errors.Is(err, provider.ErrEmptyResponse) {
			c.log.Debug("model returned nothing, skipping turn")
		} else {
			c.log.Warn("generation failed", "err", err)
		}
		c.listen(ctx)
		return
	}
	c.log.Info("agent replies", "text", reply)

	if err := c.machine.Event(ctx, eventRespond); err != nil {
		return
	}
	if err := c.speak(ctx, reply, playback.TypeResponse); err != nil {
		c.log.Warn("synthesis failed", "err", err)
		if len(c.cfg.FallbackAudio) > 0 {
			if _, perr := c.files.PlayAudio(ctx, c.callID, c.cfg.FallbackAudio, playback.TypeFallback); perr == nil {
				return
			}
		}
		c.listen(ctx)
	}
}

// OnInboundAudio is the barge-in tap. It sees raw inbound audio regardless
// of the capture gate and cancels agent speech when the caller stays above
// the amplitude threshold for the configured window.
func (c *Coordinator) OnInboundAudio(ctx context.Context, data []byte, sampleRate int, enc audio.Encoding) {
	if !c.cfg.BargeIn.Enabled {
		return
	}
	cur := c.machine.Current()
	if cur != StateSpeaking && cur != StateGreeting {
		c.bargeMu.Lock()
		c.aboveMs = 0
		c.bargeMu.Unlock()
		return
	}

	pcm := audio.DecodeToPCM16(data, enc)
	peak := peakAmplitude(pcm)
	frameMs := float64(len(pcm)/2) / float64(sampleRate) * 1000

	c.bargeMu.Lock()
	if peak >= c.cfg.BargeIn.AmplitudeThreshold {
		c.aboveMs += frameMs
	} else {
		c.aboveMs = 0
	}
	trigger := c.aboveMs >= float64(c.cfg.BargeIn.WindowMs)
	if trigger {
		c.aboveMs = 0
	}
	c.bargeMu.Unlock()

	if trigger {
		c.log.Info("barge-in detected")
		c.CancelCurrentTTS(ctx)
	}
}

// CancelCurrentTTS interrupts agent speech: close the in-flight TTS call
// session, stop the stream, release every gating token, return to
// listening. Safe to call when nothing is playing.
func (c *Coordinator) CancelCurrentTTS(ctx context.Context) {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()

	if err := c.res.TTS.CloseCall(c.callID); err != nil {
		c.log.Debug("close tts call session", "err", err)
	}
	// Reopen so later turns can synthesize again.
	if err := c.res.TTS.OpenCall(ctx, c.callID, c.res.TTSOptions); err != nil {
		c.log.Warn("reopen tts call session", "err", err)
	}

	c.streamer.Stop(c.callID)
	c.files.CancelAll(ctx, c.callID)
	c.listen(ctx)
}

// OnPlaybackFinished is called by the engine after a PBX playback-finished
// event is applied. When the last gating token is gone the conversation
// returns to listening.
func (c *Coordinator) OnPlaybackFinished(ctx context.Context) {
	c.maybeListen(ctx)
}

// OnStreamEnd is wired to the streamer's completion hook.
func (c *Coordinator) OnStreamEnd(ctx context.Context) {
	c.maybeListen(ctx)
}

// Stop halts the conversation at teardown. It does not hang up; the engine
// owns the channel.
func (c *Coordinator) Stop(ctx context.Context) {
	c.streamer.Stop(c.callID)
	c.files.CancelAll(ctx, c.callID)
}

func (c *Coordinator) maybeListen(ctx context.Context) {
	sess, ok := c.store.GetByCallID(c.callID)
	if !ok {
		return
	}
	if sess.Refcount() != 0 {
		return
	}
	c.listen(ctx)
}

// listen transitions back to listening from any speaking-adjacent state.
func (c *Coordinator) listen(ctx context.Context) {
	cur := c.machine.Current()
	if cur == StateListening || cur == StateIdle || cur == StateError {
		return
	}
	if err := c.machine.Event(ctx, eventListen); err != nil {
		c.log.Debug("listen transition", "from", cur, "err", err)
	}
}

func (c *Coordinator) fail(ctx context.Context) error {
	return c.machine.Event(ctx, eventFail)
}

// transcribe resamples the utterance to the adapter's rate and runs STT.
func (c *Coordinator) transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	target := c.res.STTOptions.SampleRate
	if target == 0 {
		target = sampleRate
	}
	if target != sampleRate {
		pcm, _ = audio.ResamplePCM16(pcm, sampleRate, target, audio.ResamplerState{})
	}

	start := time.Now()
	transcript, err := c.res.STT.Transcribe(ctx, c.callID, pcm, target)
	c.metrics.STTDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", c.res.PrimaryProvider)))
	return transcript, err
}

// generate appends the transcript to history and asks the model for a
// reply, which is appended as well.
func (c *Coordinator) generate(ctx context.Context, transcript string) (string, error) {
	if err := c.store.AppendHistory(c.callID, session.RoleUser, transcript, c.cfg.MaxContext); err != nil {
		return "", err
	}
	history := toLLMHistory(c.store.History(c.callID))

	start := time.Now()
	reply, err := c.res.LLM.Generate(ctx, c.callID, transcript, history)
	c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", c.res.PrimaryProvider)))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", provider.ErrEmptyResponse
	}
	if err := c.store.AppendHistory(c.callID, session.RoleAssistant, reply, c.cfg.MaxContext); err != nil {
		return "", err
	}
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordTurn(ctx, c.callID, string(session.RoleUser), transcript)
		c.cfg.Recorder.RecordTurn(ctx, c.callID, string(session.RoleAssistant), reply)
	}
	return reply, nil
}

// speak synthesizes text and plays it, streamed or file-based.
func (c *Coordinator) speak(ctx context.Context, text, typ string) error {
	start := time.Now()
	chunks, err := c.res.TTS.Synthesize(ctx, c.callID, text)
	c.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", c.res.PrimaryProvider)))
	if err != nil {
		return err
	}

	if c.cfg.Streaming {
		_, err = c.streamer.Start(ctx, c.callID, chunks, typ)
		return err
	}

	var buf []byte
	for chunk := range chunks {
		if chunk == nil {
			break
		}
		buf = append(buf, chunk...)
	}
	if len(buf) == 0 {
		return provider.ErrNoAudio
	}
	_, err = c.files.PlayAudio(ctx, c.callID, buf, typ)
	return err
}

// syncSessionState mirrors the conversation state into the session record.
func (c *Coordinator) syncSessionState(state string) {
	var mapped session.State
	switch state {
	case StateGreeting:
		mapped = session.StateGreeting
	case StateListening:
		mapped = session.StateListening
	case StateProcessing:
		mapped = session.StateProcessing
	case StateSpeaking:
		mapped = session.StateSpeaking
	case StateError:
		mapped = session.StateEnded
	default:
		return
	}
	_ = c.store.Update(c.callID, func(sess *session.Session) {
		sess.State = mapped
	})
}

// toLLMHistory converts stored messages to the adapter's message type.
func toLLMHistory(history []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// peakAmplitude returns the largest absolute sample in LE PCM16 data.
func peakAmplitude(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}
