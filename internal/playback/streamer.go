package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/trunkline-ai/trunkline/internal/media"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/session"
	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// StreamConfig sizes the jitter buffer and the stall detection of the
// Streamer. Zero values take the listed defaults.
type StreamConfig struct {
	// SampleRate of the chunk audio. Default 8000.
	SampleRate int

	// JitterBufferMs is the buffered playout depth. Default 60.
	JitterBufferMs int

	// KeepaliveIntervalMs is the liveness check period. Default 250.
	KeepaliveIntervalMs int

	// ConnectionTimeoutMs is the max silence between chunks before the
	// keepalive loop declares the stream dead. Default 2000.
	ConnectionTimeoutMs int

	// FallbackTimeoutMs is how long the streaming loop waits for the next
	// chunk before falling back to file playback. Default 1500.
	FallbackTimeoutMs int

	// ChunkSizeMs is the nominal chunk duration. Default 20.
	ChunkSizeMs int

	// ChunkEncoding is the wire encoding of incoming TTS chunks.
	// Default µ-law.
	ChunkEncoding audio.Encoding

	// TransportEncoding is what the media transport carries downstream:
	// µ-law for RTP, PCM16 for AudioSocket. Default µ-law.
	TransportEncoding audio.Encoding
}

func (c *StreamConfig) applyDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	if c.JitterBufferMs == 0 {
		c.JitterBufferMs = 60
	}
	if c.KeepaliveIntervalMs == 0 {
		c.KeepaliveIntervalMs = 250
	}
	if c.ConnectionTimeoutMs == 0 {
		c.ConnectionTimeoutMs = 2000
	}
	if c.FallbackTimeoutMs == 0 {
		c.FallbackTimeoutMs = 1500
	}
	if c.ChunkSizeMs == 0 {
		c.ChunkSizeMs = 20
	}
	if c.ChunkEncoding == "" {
		c.ChunkEncoding = audio.EncodingULaw
	}
	if c.TransportEncoding == "" {
		c.TransportEncoding = audio.EncodingULaw
	}
}

// jitterCap is the buffer capacity in chunks, floor 1.
func (c *StreamConfig) jitterCap() int {
	n := c.JitterBufferMs / c.ChunkSizeMs
	if n < 1 {
		n = 1
	}
	return n
}

// Streamer pushes TTS chunks down the media transport with a jitter buffer
// and a keepalive watchdog. When the producer stalls or the transport fails,
// buffered audio is handed to the file Manager so the caller still hears
// the response.
type Streamer struct {
	store     *session.Store
	transport media.Transport
	files     *Manager
	cfg       StreamConfig
	metrics   *observe.Metrics
	log       *slog.Logger

	// onTTSStart gates the call when a stream begins. Defaults to setting
	// the gating token directly; the coordinator installs its own hook.
	onTTSStart func(callID, streamID string) error

	// onStreamEnd runs after a stream's cleanup, token already released.
	onStreamEnd func(callID, streamID string)

	mu      sync.Mutex
	streams map[string]*stream
}

// stream is the per-call streaming state. One live stream per call.
type stream struct {
	callID   string
	streamID string

	chunks <-chan []byte
	jitter [][]byte

	cancel    context.CancelFunc
	kaTimeout chan struct{}
	kaOnce    sync.Once
	done      sync.Once

	statMu     sync.Mutex
	lastChunk  time.Time
	bytesSent  int64
	chunksSent int
	lastError  string
}

// NewStreamer creates a Streamer. files receives the fallback audio when
// streaming cannot continue.
func NewStreamer(store *session.Store, transport media.Transport, files *Manager, cfg StreamConfig, m *observe.Metrics, log *slog.Logger) *Streamer {
	cfg.applyDefaults()
	if m == nil {
		m = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Streamer{
		store:     store,
		transport: transport,
		files:     files,
		cfg:       cfg,
		metrics:   m,
		log:       log,
		streams:   make(map[string]*stream),
	}
	s.onTTSStart = func(callID, streamID string) error {
		return store.SetGatingToken(callID, streamID)
	}
	return s
}

// OnTTSStart replaces the stream-start gating hook.
func (s *Streamer) OnTTSStart(fn func(callID, streamID string) error) {
	s.onTTSStart = fn
}

// OnStreamEnd installs a hook that fires once per stream after cleanup.
// The coordinator uses it to notice when the gate may have reopened.
func (s *Streamer) OnStreamEnd(fn func(callID, streamID string)) {
	s.onStreamEnd = fn
}

// Start begins streaming chunks into the call. The channel delivers audio
// in the configured chunk encoding; a nil chunk or channel close marks end
// of stream. Returns the stream ID. A call carries at most one live stream.
func (s *Streamer) Start(ctx context.Context, callID string, chunks <-chan []byte, typ string) (string, error) {
	if _, ok := s.store.GetByCallID(callID); !ok {
		return "", fmt.Errorf("stream: %w: %s", session.ErrNotFound, callID)
	}

	streamID := PlaybackID(typ, callID)

	s.mu.Lock()
	if _, busy := s.streams[callID]; busy {
		s.mu.Unlock()
		return "", fmt.Errorf("stream: call %s already streaming", callID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &stream{
		callID:    callID,
		streamID:  streamID,
		chunks:    chunks,
		cancel:    cancel,
		kaTimeout: make(chan struct{}),
		lastChunk: time.Now(),
	}
	s.streams[callID] = st
	s.mu.Unlock()

	if err := s.onTTSStart(callID, streamID); err != nil {
		s.mu.Lock()
		delete(s.streams, callID)
		s.mu.Unlock()
		cancel()
		return "", fmt.Errorf("stream: gate call %s: %w", callID, err)
	}

	s.metrics.StreamingActive.Add(runCtx, 1)
	go s.run(runCtx, st)
	go s.keepalive(runCtx, st)

	s.log.Info("streaming started", "call_id", callID, "stream_id", streamID)
	return streamID, nil
}

// Active reports whether the call has a live stream.
func (s *Streamer) Active(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[callID]
	return ok
}

// Stop cancels the call's stream without fallback. Buffered audio is
// discarded. No-op for calls without a stream.
func (s *Streamer) Stop(callID string) {
	s.mu.Lock()
	st, ok := s.streams[callID]
	s.mu.Unlock()
	if ok {
		st.cancel()
	}
}

// Close stops all streams.
func (s *Streamer) Close() {
	s.mu.Lock()
	all := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		all = append(all, st)
	}
	s.mu.Unlock()
	for _, st := range all {
		st.cancel()
	}
}

// run is the streaming loop: await a chunk, buffer, drain, send. Stalls and
// transport failures divert to the fallback path.
func (s *Streamer) run(ctx context.Context, st *stream) {
	attrs := metric.WithAttributes(observe.Attr("call_id", st.callID))
	depth := s.cfg.jitterCap()
	timer := time.NewTimer(s.timeout(s.cfg.FallbackTimeoutMs))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cleanup(ctx, st)
			return

		case <-st.kaTimeout:
			s.fallback(ctx, st, "keepalive timeout")
			return

		case <-timer.C:
			s.fallback(ctx, st, "chunk timeout")
			return

		case chunk, ok := <-st.chunks:
			if !ok || chunk == nil {
				// End of stream: play out whatever is buffered.
				for _, buffered := range st.jitter {
					if !s.send(ctx, st, buffered, attrs) {
						s.fallback(ctx, st, "transport send failed")
						return
					}
				}
				st.jitter = nil
				s.cleanup(ctx, st)
				return
			}

			st.statMu.Lock()
			st.lastChunk = time.Now()
			st.chunksSent++
			st.statMu.Unlock()

			st.jitter = append(st.jitter, chunk)
			s.metrics.JitterDepth.Record(ctx, int64(len(st.jitter)), attrs)
			for len(st.jitter) >= depth {
				next := st.jitter[0]
				st.jitter = st.jitter[1:]
				if !s.send(ctx, st, next, attrs) {
					s.fallback(ctx, st, "transport send failed")
					return
				}
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.timeout(s.cfg.FallbackTimeoutMs))
		}
	}
}

// keepalive watches chunk arrival age and kills the stream when the
// producer has been silent past the connection timeout.
func (s *Streamer) keepalive(ctx context.Context, st *stream) {
	attrs := metric.WithAttributes(observe.Attr("call_id", st.callID))
	ticker := time.NewTicker(s.timeout(s.cfg.KeepaliveIntervalMs))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.KeepalivesSent.Add(ctx, 1, attrs)
			st.statMu.Lock()
			age := time.Since(st.lastChunk)
			st.statMu.Unlock()
			s.metrics.LastChunkAge.Record(ctx, age.Seconds(), attrs)
			if age > s.timeout(s.cfg.ConnectionTimeoutMs) {
				s.metrics.KeepaliveTimeouts.Add(ctx, 1, attrs)
				st.kaOnce.Do(func() { close(st.kaTimeout) })
				return
			}
		}
	}
}

// send transcodes one chunk for the transport and writes it.
func (s *Streamer) send(ctx context.Context, st *stream, chunk []byte, attrs metric.MeasurementOption) bool {
	data := transcode(chunk, s.cfg.ChunkEncoding, s.cfg.TransportEncoding)
	if !s.transport.Send(st.callID, data, s.cfg.TransportEncoding) {
		return false
	}
	st.statMu.Lock()
	st.bytesSent += int64(len(data))
	st.statMu.Unlock()
	s.metrics.StreamingBytes.Add(ctx, int64(len(data)), attrs)
	return true
}

// fallback concatenates everything still buffered or queued and hands it to
// the file Manager. The file playback sets its own gating token before this
// stream's token is released, so capture stays disabled throughout.
func (s *Streamer) fallback(ctx context.Context, st *stream, reason string) {
	attrs := metric.WithAttributes(observe.Attr("call_id", st.callID))
	s.metrics.StreamingFallbacks.Add(ctx, 1, attrs)

	st.statMu.Lock()
	st.lastError = reason
	st.statMu.Unlock()

	var remaining []byte
	for _, c := range st.jitter {
		remaining = append(remaining, c...)
	}
	st.jitter = nil
drain:
	for {
		select {
		case c, ok := <-st.chunks:
			if !ok || c == nil {
				break drain
			}
			remaining = append(remaining, c...)
		default:
			break drain
		}
	}

	s.log.Warn("streaming fell back to file playback",
		"call_id", st.callID,
		"stream_id", st.streamID,
		"reason", reason,
		"buffered_bytes", len(remaining),
	)

	if len(remaining) > 0 && s.files != nil {
		if _, err := s.files.PlayAudio(ctx, st.callID, remaining, TypeFallback); err != nil {
			s.log.Warn("fallback playback failed", "call_id", st.callID, "err", err)
		}
	}
	s.cleanup(ctx, st)
}

// cleanup runs exactly once per stream: release the gating token, drop the
// per-call entry, persist the stream stats, stop the watchdog.
func (s *Streamer) cleanup(ctx context.Context, st *stream) {
	st.done.Do(func() {
		st.cancel()

		if err := s.store.ClearGatingToken(st.callID, st.streamID); err != nil {
			s.log.Debug("clear stream gating token", "call_id", st.callID, "err", err)
		}

		s.mu.Lock()
		delete(s.streams, st.callID)
		s.mu.Unlock()

		st.statMu.Lock()
		bytesSent, chunksSent, lastError := st.bytesSent, st.chunksSent, st.lastError
		st.statMu.Unlock()

		// The call may already be torn down; a missing session just means
		// nobody is left to read the counters.
		_ = s.store.Update(st.callID, func(sess *session.Session) {
			sess.Streaming = session.StreamStats{
				BytesQueued: bytesSent,
				LastError:   lastError,
			}
		})

		s.metrics.StreamingActive.Add(context.WithoutCancel(ctx), -1)
		s.log.Info("streaming finished",
			"call_id", st.callID,
			"stream_id", st.streamID,
			"chunks", chunksSent,
			"bytes", bytesSent,
		)
		if s.onStreamEnd != nil {
			s.onStreamEnd(st.callID, st.streamID)
		}
	})
}

func (s *Streamer) timeout(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// transcode converts between G.711 and PCM16 wire encodings.
func transcode(data []byte, from, to audio.Encoding) []byte {
	if from == to {
		return data
	}
	return audio.ConvertPCM16(audio.DecodeToPCM16(data, from), to)
}
