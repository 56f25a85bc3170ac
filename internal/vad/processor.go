package vad

import (
	"log/slog"

	"github.com/smallnest/ringbuffer"

	"github.com/trunkline-ai/trunkline/pkg/audio"
)

// processor states. A turn moves listening → speaking → ending → listening;
// ending returns to speaking if the caller resumes before the silence run
// completes.
type state int

const (
	stateListening state = iota
	stateSpeaking
	stateEnding
)

const (
	// defaultRunFrames is the consecutive frame count for both the
	// speech-start and speech-end transitions when the config leaves
	// them zero.
	defaultRunFrames = 3

	// defaultPreRollMs is how much audio from before the detected speech
	// onset is prepended to each utterance.
	defaultPreRollMs = 300
)

// ProcessorConfig configures an utterance assembler.
type ProcessorConfig struct {
	SampleRate int
	FrameMs    int
	Mode       Mode

	// SpeechFrames is the number of consecutive speech frames required to
	// enter an utterance; SilenceFrames the consecutive silence frames that
	// end it. Zero means the default of 3.
	SpeechFrames  int
	SilenceFrames int

	// PreRollMs bounds the audio retained from before speech onset.
	PreRollMs int
}

// Processor assembles per-frame speech decisions into complete utterances.
// Feed it PCM16 audio in arrival order; it chunks internally, keeps partial
// frames across calls, and returns an utterance when a speech run is closed
// by the configured silence run.
//
// Processor is not safe for concurrent use; the media pump owns it.
type Processor struct {
	det *Detector
	cfg ProcessorConfig

	frameBytes int
	state      state
	speechRun  int
	silenceRun int

	preRoll   *ringbuffer.RingBuffer
	utterance []byte
	tail      []byte

	log *slog.Logger
}

// NewProcessor creates a Processor. Zero-valued counts and pre-roll take
// their defaults; SampleRate and FrameMs must be set by the caller.
func NewProcessor(cfg ProcessorConfig, log *slog.Logger) *Processor {
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = defaultRunFrames
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = defaultRunFrames
	}
	if cfg.PreRollMs <= 0 {
		cfg.PreRollMs = defaultPreRollMs
	}
	if log == nil {
		log = slog.Default()
	}

	frameBytes := audio.FrameBytes(audio.EncodingPCM16, cfg.SampleRate, cfg.FrameMs)
	preRollBytes := audio.FrameBytes(audio.EncodingPCM16, cfg.SampleRate, cfg.PreRollMs)
	if preRollBytes < frameBytes {
		preRollBytes = frameBytes
	}

	return &Processor{
		det:        NewDetector(cfg.Mode),
		cfg:        cfg,
		frameBytes: frameBytes,
		preRoll:    ringbuffer.New(preRollBytes).SetBlocking(false),
		log:        log,
	}
}

// Process consumes PCM16 audio and returns any utterances completed within
// it. Partial trailing frames are buffered for the next call.
func (p *Processor) Process(data []byte) ([][]byte, error) {
	if len(p.tail) > 0 {
		data = append(p.tail, data...)
		p.tail = nil
	}

	frames, tail := audio.ChunkByMs(data, audio.EncodingPCM16, p.cfg.SampleRate, p.cfg.FrameMs)
	p.tail = append(p.tail, tail...)

	var done [][]byte
	for _, frame := range frames {
		utt, err := p.processFrame(frame)
		if err != nil {
			return done, err
		}
		if utt != nil {
			done = append(done, utt)
		}
	}
	return done, nil
}

func (p *Processor) processFrame(frame []byte) ([]byte, error) {
	speech, err := p.det.IsSpeech(frame, p.cfg.SampleRate)
	if err != nil {
		return nil, err
	}

	switch p.state {
	case stateListening:
		p.bufferPreRoll(frame)
		if speech {
			p.speechRun++
			if p.speechRun >= p.cfg.SpeechFrames {
				p.beginUtterance()
			}
		} else {
			p.speechRun = 0
		}

	case stateSpeaking:
		p.utterance = append(p.utterance, frame...)
		if !speech {
			p.state = stateEnding
			p.silenceRun = 1
		}

	case stateEnding:
		p.utterance = append(p.utterance, frame...)
		if speech {
			p.state = stateSpeaking
			p.silenceRun = 0
			break
		}
		p.silenceRun++
		if p.silenceRun >= p.cfg.SilenceFrames {
			return p.endUtterance(), nil
		}
	}
	return nil, nil
}

// bufferPreRoll keeps the most recent pre-roll window, evicting the oldest
// frame when full.
func (p *Processor) bufferPreRoll(frame []byte) {
	for p.preRoll.Free() < len(frame) && p.preRoll.Length() > 0 {
		skip := make([]byte, p.frameBytes)
		if _, err := p.preRoll.Read(skip); err != nil {
			p.preRoll.Reset()
			break
		}
	}
	p.preRoll.Write(frame) //nolint:errcheck // sized above
}

func (p *Processor) beginUtterance() {
	p.state = stateSpeaking
	p.speechRun = 0

	// The pre-roll already contains the onset frames that triggered the
	// transition; start the utterance from it.
	buffered := make([]byte, p.preRoll.Length())
	p.preRoll.Bytes(buffered)
	p.preRoll.Reset()
	p.utterance = buffered

	p.log.Debug("speech started", "pre_roll_bytes", len(buffered))
}

func (p *Processor) endUtterance() []byte {
	utt := p.utterance
	p.utterance = nil
	p.state = stateListening
	p.speechRun = 0
	p.silenceRun = 0

	p.log.Debug("speech ended", "utterance_bytes", len(utt))
	return utt
}

// Active reports whether the processor is inside an utterance.
func (p *Processor) Active() bool {
	return p.state != stateListening
}

// Reset discards all buffered audio and counters and returns the processor
// to listening. The playback gate calls this when capture is suspended so
// the agent's own audio never leaks into an utterance.
func (p *Processor) Reset() {
	p.state = stateListening
	p.speechRun = 0
	p.silenceRun = 0
	p.utterance = nil
	p.tail = nil
	p.preRoll.Reset()
}
