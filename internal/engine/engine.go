// Package engine owns the top-level call lifecycle. It consumes control
// plane events, answers inbound calls, wires the media transport and the
// conversation pipeline together per call, and tears everything down in
// order when a call ends.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trunkline-ai/trunkline/internal/ari"
	"github.com/trunkline-ai/trunkline/internal/convo"
	"github.com/trunkline-ai/trunkline/internal/media"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/pipeline"
	"github.com/trunkline-ai/trunkline/internal/playback"
	"github.com/trunkline-ai/trunkline/internal/session"
	"github.com/trunkline-ai/trunkline/internal/vad"
	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// Media transport selection.
const (
	TransportRTP         = "rtp"
	TransportAudioSocket = "audiosocket"
)

// Downstream playback modes.
const (
	ModeStream = "stream"
	ModeFile   = "file"
)

// defaultPipelineVar is the channel variable consulted for per-call
// pipeline selection.
const defaultPipelineVar = "TRUNKLINE_PIPELINE"

// inboundQueueLen bounds the per-call frame queue between the transport
// read loop and the call worker. When the worker lags during a turn the
// oldest frame is dropped rather than blocking the socket.
const inboundQueueLen = 256

// Config carries the engine settings assembled from the configuration
// file.
type Config struct {
	// AudioTransport picks the media leg: TransportRTP or
	// TransportAudioSocket.
	AudioTransport string

	// DownstreamMode picks ModeStream or ModeFile for agent speech.
	DownstreamMode string

	// MediaDir is the directory shared with the PBX for file playback.
	MediaDir string

	// AsteriskHost is where the PBX receives and sends RTP.
	AsteriskHost string

	// RTPHost is the local address the RTP socket binds to and the
	// address advertised to the PBX on externalMedia creation.
	RTPHost string

	// AudioSocketListenAddr is the TCP listen address for AudioSocket.
	AudioSocketListenAddr string

	// AudioSocketAdvertiseAddr is the address the PBX dials. Defaults to
	// AudioSocketListenAddr.
	AudioSocketAdvertiseAddr string

	// Encoding is the G.711 wire encoding on the media leg.
	Encoding audio.Encoding

	// SampleRate of the media leg.
	SampleRate int

	// SessionTTL expires calls that stopped producing events.
	SessionTTL time.Duration

	// SweepInterval is the stale-session sweep period.
	SweepInterval time.Duration

	// PipelineVar is the channel variable naming the call's pipeline.
	PipelineVar string

	// Journal, when set, receives call lifecycle records. Failures inside
	// the journal never affect the call.
	Journal CallJournal

	// Greetings maps pipeline names to greeting overrides. Pipelines not
	// listed use Convo.Greeting.
	Greetings map[string]string

	Streaming playback.StreamConfig
	VAD       vad.ProcessorConfig
	Convo     convo.Config
}

// CallJournal records call starts and ends, typically to the Postgres call
// log.
type CallJournal interface {
	CallStarted(ctx context.Context, callID, caller, pipeline string)
	CallEnded(ctx context.Context, callID string)
}

func (c *Config) applyDefaults() {
	if c.AudioTransport == "" {
		c.AudioTransport = TransportRTP
	}
	if c.DownstreamMode == "" {
		c.DownstreamMode = ModeStream
	}
	if c.Encoding == "" {
		c.Encoding = audio.EncodingULaw
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.PipelineVar == "" {
		c.PipelineVar = defaultPipelineVar
	}
	if c.AudioSocketAdvertiseAddr == "" {
		c.AudioSocketAdvertiseAddr = c.AudioSocketListenAddr
	}
	if c.VAD.SampleRate == 0 {
		c.VAD.SampleRate = c.SampleRate
	}
	if c.VAD.FrameMs == 0 {
		c.VAD.FrameMs = 20
	}
}

// frame is one inbound audio delivery queued for the call worker.
type frame struct {
	data       []byte
	sampleRate int
	enc        audio.Encoding
}

// call bundles the engine-side per-call state: the worker queue, the
// utterance assembler and the conversation coordinator.
type call struct {
	id    string
	coord *convo.Coordinator
	vad   *vad.Processor

	frames  chan frame
	cancel  context.CancelFunc
	done    chan struct{}
	endOnce sync.Once
}

// Engine consumes control-plane events and runs calls end to end.
type Engine struct {
	cfg     Config
	client  *ari.Client
	events  *ari.EventStream
	store   *session.Store
	orch    *pipeline.Orchestrator
	metrics *observe.Metrics
	log     *slog.Logger

	transport media.Transport
	rtp       *media.RTPTransport
	asock     *media.AudioSocketServer
	files     *playback.Manager
	streamer  *playback.Streamer

	mu       sync.Mutex
	calls    map[string]*call
	greeting string
}

// New builds an Engine and its media transport. The transport starts
// listening immediately; call Run to begin consuming events.
func New(cfg Config, client *ari.Client, events *ari.EventStream, store *session.Store, orch *pipeline.Orchestrator, m *observe.Metrics, log *slog.Logger) (*Engine, error) {
	cfg.applyDefaults()
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		client:   client,
		events:   events,
		store:    store,
		orch:     orch,
		metrics:  m,
		log:      log,
		calls:    make(map[string]*call),
		greeting: cfg.Convo.Greeting,
	}

	switch cfg.AudioTransport {
	case TransportRTP:
		rt, err := media.NewRTPTransport(cfg.RTPHost, cfg.SampleRate, cfg.Encoding, e.onInbound, log)
		if err != nil {
			return nil, fmt.Errorf("engine: rtp transport: %w", err)
		}
		e.rtp = rt
		e.transport = rt
	case TransportAudioSocket:
		as, err := media.NewAudioSocketServer(cfg.AudioSocketListenAddr, cfg.SampleRate, cfg.Encoding, e.onInbound, e.onTransportDisconnect, log)
		if err != nil {
			return nil, fmt.Errorf("engine: audiosocket server: %w", err)
		}
		e.asock = as
		e.transport = as
	default:
		return nil, fmt.Errorf("engine: unknown audio transport %q", cfg.AudioTransport)
	}

	streamCfg := cfg.Streaming
	if streamCfg.ChunkEncoding == "" {
		streamCfg.ChunkEncoding = cfg.Encoding
	}
	if streamCfg.TransportEncoding == "" {
		// The AudioSocket wire protocol carries signed linear frames; RTP
		// carries the configured G.711 encoding.
		if cfg.AudioTransport == TransportAudioSocket {
			streamCfg.TransportEncoding = audio.EncodingPCM16
		} else {
			streamCfg.TransportEncoding = cfg.Encoding
		}
	}
	e.files = playback.NewManager(store, client, cfg.MediaDir, cfg.Encoding, log)
	e.streamer = playback.NewStreamer(store, e.transport, e.files, streamCfg, m, log)
	e.streamer.OnStreamEnd(e.onStreamEnd)

	// A gate opening means agent speech is imminent; drop any half
	// assembled utterance so the agent never hears itself.
	store.OnGateActivated(func(callID string) {
		if c := e.call(callID); c != nil {
			c.vad.Reset()
		}
	})

	return e, nil
}

// Run sweeps stale control-plane resources, then consumes events until ctx
// is cancelled. It returns after every live call is torn down.
func (e *Engine) Run(ctx context.Context) error {
	e.sweepStaleResources(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.events.Run(ctx)
		return nil
	})
	g.Go(func() error {
		e.dispatchLoop(ctx)
		return nil
	})
	g.Go(func() error {
		e.expireLoop(ctx)
		return nil
	})
	err := g.Wait()

	e.shutdown()
	return err
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.events.Events():
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		}
	}
}

// expireLoop periodically drops sessions that stopped producing events.
func (e *Engine) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range e.store.CleanupExpired(e.cfg.SessionTTL) {
				e.log.Warn("session expired", "call_id", sess.CallID)
				e.releaseCall(ctx, sess.CallID, sess)
			}
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		if isMediaChannel(ev.Channel) {
			return
		}
		if _, known := e.store.GetByAnyID(ev.Channel.ID); known {
			return
		}
		go e.startCall(ctx, ev.Channel)

	case ari.EventStasisEnd, ari.EventChannelDestroyed:
		if sess, ok := e.store.GetByAnyID(ev.Channel.ID); ok {
			e.teardown(ctx, sess.CallID)
		}

	case ari.EventPlaybackFinished:
		e.files.HandlePlaybackFinished(ev.Playback.ID)
		if callID := callIDFromPlaybackID(ev.Playback.ID); callID != "" {
			if c := e.call(callID); c != nil {
				c.coord.OnPlaybackFinished(ctx)
			}
		}

	case ari.EventChannelDtmfReceived:
		if sess, ok := e.store.GetByAnyID(ev.Channel.ID); ok {
			e.log.Info("dtmf received", "call_id", sess.CallID, "digit", ev.Digit)
		}

	case ari.EventChannelStateChange:
		e.log.Debug("channel state change", "channel_id", ev.Channel.ID, "state", ev.Channel.State)

	default:
		e.log.Debug("event ignored", "type", ev.Type)
	}
}

// isMediaChannel reports whether the channel is a media-only leg we
// originated ourselves rather than an inbound caller.
func isMediaChannel(ch ari.Channel) bool {
	return strings.HasPrefix(ch.Name, "UnicastRTP/") ||
		strings.HasPrefix(ch.Name, "AudioSocket/") ||
		strings.HasPrefix(ch.Name, "Snoop/")
}

// startCall runs the call setup sequence. Any failure tears down whatever
// was already created and hangs up the caller.
func (e *Engine) startCall(ctx context.Context, ch ari.Channel) {
	callID := ch.ID
	log := e.log.With("call_id", callID)
	log.Info("call started", "caller", ch.Caller.Number, "channel", ch.Name)

	e.store.Upsert(session.New(callID))
	e.metrics.CallsTotal.Add(ctx, 1)
	e.metrics.ActiveCalls.Add(ctx, 1)

	fail := func(stage string, err error) {
		log.Error("call setup failed", "stage", stage, "err", err)
		e.teardown(ctx, callID)
	}

	if err := e.client.Answer(ctx, callID); err != nil {
		fail("answer", err)
		return
	}

	// Pipeline choice: channel variable first, configured default
	// otherwise. An unset variable reads as an error from the control
	// plane, which simply means no override.
	pipelineName, err := e.client.GetChannelVar(ctx, callID, e.cfg.PipelineVar)
	if err != nil {
		pipelineName = ""
	}
	res, err := e.orch.GetPipeline(ctx, callID, pipelineName)
	if err != nil {
		fail("pipeline", err)
		return
	}
	_ = e.store.Update(callID, func(s *session.Session) {
		s.PipelineName = res.PipelineName
	})

	mediaChannelID, err := e.attachMedia(ctx, callID)
	if err != nil {
		fail("media", err)
		return
	}

	bridge, err := e.client.CreateBridge(ctx)
	if err != nil {
		fail("bridge", err)
		return
	}
	_ = e.store.Update(callID, func(s *session.Session) {
		s.BridgeID = bridge.ID
	})
	if err := e.client.AddChannelToBridge(ctx, bridge.ID, callID); err != nil {
		fail("bridge caller", err)
		return
	}
	if mediaChannelID != "" {
		if err := e.client.AddChannelToBridge(ctx, bridge.ID, mediaChannelID); err != nil {
			fail("bridge media", err)
			return
		}
	}

	if e.cfg.Journal != nil {
		e.cfg.Journal.CallStarted(ctx, callID, ch.Caller.Number, res.PipelineName)
	}

	c := e.newCall(ctx, callID, res)
	if err := c.coord.Start(ctx); err != nil {
		fail("greeting", err)
		return
	}
	log.Info("call ready", "pipeline", res.PipelineName, "bridge_id", bridge.ID)
}

// attachMedia creates the media leg for the configured transport, binds it
// to the call and returns the media channel ID. Partial progress lands in
// the store immediately so a failed setup still tears down cleanly.
func (e *Engine) attachMedia(ctx context.Context, callID string) (string, error) {
	switch e.cfg.AudioTransport {
	case TransportRTP:
		externalHost := net.JoinHostPort(e.cfg.RTPHost, strconv.Itoa(e.rtp.LocalPort()))
		ch, err := e.client.CreateExternalMedia(ctx, externalHost, string(e.cfg.Encoding))
		if err != nil {
			return "", fmt.Errorf("create external media: %w", err)
		}
		_ = e.store.Update(callID, func(s *session.Session) {
			s.ExternalMediaChannelID = ch.ID
		})

		port, err := ari.RTPLocalPort(ch)
		if err != nil {
			return ch.ID, err
		}
		remote := net.JoinHostPort(e.cfg.AsteriskHost, strconv.Itoa(port))
		if err := e.rtp.Bind(callID, remote); err != nil {
			return ch.ID, fmt.Errorf("bind rtp: %w", err)
		}
		_ = e.store.Update(callID, func(s *session.Session) {
			s.RTP = session.RTPBinding{Addr: remote}
		})
		return ch.ID, nil

	case TransportAudioSocket:
		socketUUID := uuid.NewString()
		e.asock.Expect(socketUUID, callID)
		ch, err := e.client.OriginateAudioSocket(ctx, e.cfg.AudioSocketAdvertiseAddr, socketUUID)
		if err != nil {
			return "", fmt.Errorf("originate audiosocket: %w", err)
		}
		_ = e.store.Update(callID, func(s *session.Session) {
			s.ExternalMediaChannelID = ch.ID
			s.AudioSocketID = socketUUID
		})
		return ch.ID, nil
	}
	return "", fmt.Errorf("unknown audio transport %q", e.cfg.AudioTransport)
}

// newCall builds the per-call worker and coordinator and starts the worker
// goroutine.
func (e *Engine) newCall(ctx context.Context, callID string, res *pipeline.Resolution) *call {
	convoCfg := e.cfg.Convo
	convoCfg.Streaming = e.cfg.DownstreamMode == ModeStream
	if g := e.cfg.Greetings[res.PipelineName]; g != "" {
		convoCfg.Greeting = g
	} else {
		e.mu.Lock()
		convoCfg.Greeting = e.greeting
		e.mu.Unlock()
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call{
		id:     callID,
		vad:    vad.NewProcessor(e.cfg.VAD, e.log),
		frames: make(chan frame, inboundQueueLen),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.coord = convo.New(callID, e.store, res, e.streamer, e.files, convoCfg, e.metrics,
		func(callID string) {
			if err := e.client.Hangup(context.WithoutCancel(ctx), callID); err != nil {
				e.log.Warn("hangup after conversation error", "call_id", callID, "err", err)
			}
		}, e.log)

	e.mu.Lock()
	e.calls[callID] = c
	e.mu.Unlock()

	go e.worker(workerCtx, c)
	return c
}

// SetGreeting replaces the greeting spoken to future calls. Calls in
// flight are unaffected.
func (e *Engine) SetGreeting(text string) {
	e.mu.Lock()
	e.greeting = text
	e.mu.Unlock()
}

// worker drains the call's frame queue: the barge-in tap sees every frame,
// the VAD path only runs while capture is enabled.
func (e *Engine) worker(ctx context.Context, c *call) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.frames:
			c.coord.OnInboundAudio(ctx, f.data, f.sampleRate, f.enc)

			if !e.store.CaptureEnabled(c.id) {
				continue
			}
			pcm := audio.DecodeToPCM16(f.data, f.enc)
			utterances, err := c.vad.Process(pcm)
			if err != nil {
				e.log.Warn("vad error", "call_id", c.id, "err", err)
				continue
			}
			for _, utt := range utterances {
				c.coord.OnUtterance(ctx, utt, f.sampleRate)
			}
		}
	}
}

// onInbound is the transport delivery callback. It must not block; when
// the worker lags, the oldest queued frame is dropped.
func (e *Engine) onInbound(callID string, data []byte, sampleRate int, enc audio.Encoding) {
	c := e.call(callID)
	if c == nil {
		return
	}
	f := frame{data: data, sampleRate: sampleRate, enc: enc}
	select {
	case c.frames <- f:
	default:
		select {
		case <-c.frames:
		default:
		}
		select {
		case c.frames <- f:
		default:
		}
	}
}

// onTransportDisconnect handles the AudioSocket TCP leg dropping.
func (e *Engine) onTransportDisconnect(callID string) {
	e.log.Warn("media transport disconnected", "call_id", callID)
	e.teardown(context.Background(), callID)
}

// onStreamEnd forwards stream completion to the call's coordinator.
func (e *Engine) onStreamEnd(callID, _ string) {
	if c := e.call(callID); c != nil {
		c.coord.OnStreamEnd(context.Background())
	}
}

func (e *Engine) call(callID string) *call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[callID]
}

// teardown ends a call: conversation first, then pipeline, control-plane
// resources, session record and transport binding, in that order.
func (e *Engine) teardown(ctx context.Context, callID string) {
	sess, _ := e.store.GetByCallID(callID)
	e.releaseCall(ctx, callID, sess)
}

func (e *Engine) releaseCall(ctx context.Context, callID string, sess *session.Session) {
	c := e.call(callID)
	if c == nil && sess == nil {
		return
	}

	run := func() {
		e.log.Info("call ended", "call_id", callID)

		if c != nil {
			c.coord.Stop(ctx)
			c.cancel()
			select {
			case <-c.done:
			case <-time.After(2 * time.Second):
				e.log.Warn("call worker did not stop in time", "call_id", callID)
			}
		}

		e.orch.ReleasePipeline(callID)

		if sess != nil {
			if sess.BridgeID != "" {
				if err := e.client.DestroyBridge(ctx, sess.BridgeID); err != nil {
					e.log.Warn("destroy bridge", "call_id", callID, "err", err)
				}
			}
			if sess.ExternalMediaChannelID != "" {
				if err := e.client.Hangup(ctx, sess.ExternalMediaChannelID); err != nil {
					e.log.Warn("hangup media channel", "call_id", callID, "err", err)
				}
			}
			if err := e.client.Hangup(ctx, callID); err != nil {
				e.log.Warn("hangup caller channel", "call_id", callID, "err", err)
			}
		}

		e.store.Remove(callID)
		e.transport.Unbind(callID)

		e.mu.Lock()
		delete(e.calls, callID)
		e.mu.Unlock()

		if e.cfg.Journal != nil {
			e.cfg.Journal.CallEnded(context.WithoutCancel(ctx), callID)
		}
		e.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
	}

	if c != nil {
		c.endOnce.Do(run)
	} else {
		run()
	}
}

// sweepStaleResources destroys bridges and media channels left behind by a
// previous run of this application.
func (e *Engine) sweepStaleResources(ctx context.Context) {
	bridges, err := e.client.ListBridges(ctx)
	if err != nil {
		e.log.Warn("list bridges for sweep", "err", err)
	}
	for _, b := range bridges {
		if err := e.client.DestroyBridge(ctx, b.ID); err != nil {
			e.log.Warn("sweep bridge", "bridge_id", b.ID, "err", err)
		} else {
			e.log.Info("swept stale bridge", "bridge_id", b.ID)
		}
	}

	channels, err := e.client.ListChannels(ctx)
	if err != nil {
		e.log.Warn("list channels for sweep", "err", err)
	}
	for _, ch := range channels {
		if !isMediaChannel(ch) {
			continue
		}
		if err := e.client.Hangup(ctx, ch.ID); err != nil {
			e.log.Warn("sweep channel", "channel_id", ch.ID, "err", err)
		} else {
			e.log.Info("swept stale media channel", "channel_id", ch.ID, "name", ch.Name)
		}
	}
}

// shutdown tears down every live call and closes the transports.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, callID := range e.store.CallIDs() {
		e.teardown(ctx, callID)
	}
	e.streamer.Close()
	if err := e.transport.Close(); err != nil {
		e.log.Warn("close media transport", "err", err)
	}
	e.events.Close()
	e.orch.Close()
}

// callIDFromPlaybackID extracts the owning call from the deterministic
// "<type>:<call_id>:<ms>" playback ID form.
func callIDFromPlaybackID(playbackID string) string {
	parts := strings.Split(playbackID, ":")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}
