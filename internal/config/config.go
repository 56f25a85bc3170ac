// Package config provides the configuration schema and loader for the
// Trunkline voice agent.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trunkline-ai/trunkline/pkg/provider"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Transport selects the media leg between the PBX and the engine.
type Transport string

const (
	TransportRTP         Transport = "rtp"
	TransportAudioSocket Transport = "audiosocket"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportRTP || t == TransportAudioSocket
}

// DownstreamMode selects how synthesized speech reaches the caller.
type DownstreamMode string

const (
	ModeStream DownstreamMode = "stream"
	ModeFile   DownstreamMode = "file"
)

// IsValid reports whether m is a recognised downstream mode.
func (m DownstreamMode) IsValid() bool {
	return m == ModeStream || m == ModeFile
}

// Duration is a time.Duration that decodes from YAML strings like "90s"
// or "1h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration, typically loaded from a YAML file via
// [Load].
type Config struct {
	Server         ServerConfig              `yaml:"server"`
	Asterisk       AsteriskConfig            `yaml:"asterisk"`
	AudioTransport Transport                 `yaml:"audio_transport"`
	DownstreamMode DownstreamMode            `yaml:"downstream_mode"`
	MediaDir       string                    `yaml:"media_dir"`
	Encoding       string                    `yaml:"encoding"`
	SampleRate     int                       `yaml:"sample_rate"`
	RTP            RTPConfig                 `yaml:"rtp"`
	AudioSocket    AudioSocketConfig         `yaml:"audiosocket"`
	Streaming      StreamingConfig           `yaml:"streaming"`
	VAD            VADConfig                 `yaml:"vad"`
	BargeIn        BargeInConfig             `yaml:"barge_in"`
	SessionTTL     Duration                  `yaml:"session_ttl"`
	MaxContext     int                       `yaml:"max_context"`
	ActivePipeline string                    `yaml:"active_pipeline"`
	Pipelines      map[string]PipelineConfig `yaml:"pipelines"`
	Providers      ProvidersConfig           `yaml:"providers"`
	CallLog        CallLogConfig             `yaml:"calllog"`
}

// ServerConfig holds the HTTP surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and
	// /readyz (e.g. ":9091").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Greeting is the default text spoken when a call is answered.
	// Pipelines may override it.
	Greeting string `yaml:"greeting"`

	// SystemPrompt seeds the conversation history of every call.
	SystemPrompt string `yaml:"system_prompt"`

	// FallbackAudioPath is an audio file played when synthesis fails
	// mid-conversation. Optional.
	FallbackAudioPath string `yaml:"fallback_audio_path"`
}

// AsteriskConfig locates the PBX control plane.
type AsteriskConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// AppName is the Stasis application registered in the dialplan.
	AppName string `yaml:"app_name"`
}

// BaseURL returns the ARI HTTP endpoint.
func (a AsteriskConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d/ari", a.Host, a.Port)
}

// WebSocketURL returns the ARI event stream endpoint.
func (a AsteriskConfig) WebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/ari/events", a.Host, a.Port)
}

// RTPConfig configures the RTP media leg.
type RTPConfig struct {
	// Host is the local bind address, advertised to the PBX as the
	// external media destination.
	Host string `yaml:"host"`
}

// AudioSocketConfig configures the AudioSocket media leg.
type AudioSocketConfig struct {
	// ListenAddr is the TCP address the AudioSocket server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// AdvertiseAddr is the address the PBX dials. Defaults to ListenAddr.
	AdvertiseAddr string `yaml:"advertise_addr"`
}

// StreamingConfig tunes chunked downstream playback.
type StreamingConfig struct {
	SampleRate          int `yaml:"sample_rate"`
	JitterBufferMs      int `yaml:"jitter_buffer_ms"`
	KeepaliveIntervalMs int `yaml:"keepalive_interval_ms"`
	ConnectionTimeoutMs int `yaml:"connection_timeout_ms"`
	FallbackTimeoutMs   int `yaml:"fallback_timeout_ms"`
	ChunkSizeMs         int `yaml:"chunk_size_ms"`
}

// VADConfig tunes speech detection.
type VADConfig struct {
	// Mode is the detector aggressiveness: quality, low-bitrate,
	// aggressive or very-aggressive.
	Mode string `yaml:"mode"`

	SpeechFrames  int `yaml:"speech_frames"`
	SilenceFrames int `yaml:"silence_frames"`
	PreRollMs     int `yaml:"pre_roll_ms"`
}

// BargeInConfig tunes caller interruption of agent speech.
type BargeInConfig struct {
	Enabled            bool `yaml:"enabled"`
	AmplitudeThreshold int  `yaml:"amplitude_threshold"`
	WindowMs           int  `yaml:"window_ms"`
}

// PipelineConfig names the adapter for each role plus per-role options.
// Role keys are "<provider>_<role>", e.g. "deepgram_stt".
type PipelineConfig struct {
	STT string `yaml:"stt"`
	LLM string `yaml:"llm"`
	TTS string `yaml:"tts"`

	Options PipelineOptions `yaml:"options"`
}

// PipelineOptions carries the per-role adapter options and optional
// pipeline-level overrides.
type PipelineOptions struct {
	STT provider.Options `yaml:"stt"`
	LLM provider.Options `yaml:"llm"`
	TTS provider.Options `yaml:"tts"`

	// Greeting overrides server.greeting for calls using this pipeline.
	Greeting string `yaml:"greeting"`
}

// ProvidersConfig holds process-wide provider endpoints shared across
// pipelines.
type ProvidersConfig struct {
	Local   ProviderEndpoint `yaml:"local"`
	Webhook ProviderEndpoint `yaml:"webhook"`
}

// ProviderEndpoint locates one backing service.
type ProviderEndpoint struct {
	BaseURL string `yaml:"base_url"`
}

// CallLogConfig enables the optional Postgres call journal.
type CallLogConfig struct {
	// PostgresDSN connects the journal; empty disables it.
	PostgresDSN string `yaml:"postgres_dsn"`
}
