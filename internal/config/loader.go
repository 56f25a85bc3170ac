package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// validVADModes lists the recognised detector aggressiveness values.
var validVADModes = []string{"quality", "low-bitrate", "aggressive", "very-aggressive"}

// roleSuffixes are the valid pipeline key suffixes per role field.
var roleSuffixes = map[string]string{
	"stt": "_stt",
	"llm": "_llm",
	"tts": "_tts",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} references are expanded from the environment before decoding, so
// secrets can stay out of the file. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Asterisk.Host == "" {
		errs = append(errs, errors.New("asterisk.host is required"))
	}
	if cfg.Asterisk.AppName == "" {
		errs = append(errs, errors.New("asterisk.app_name is required"))
	}

	if cfg.AudioTransport != "" && !cfg.AudioTransport.IsValid() {
		errs = append(errs, fmt.Errorf("audio_transport %q is invalid; valid values: rtp, audiosocket", cfg.AudioTransport))
	}
	if cfg.AudioTransport == TransportAudioSocket && cfg.AudioSocket.ListenAddr == "" {
		errs = append(errs, errors.New("audiosocket.listen_addr is required when audio_transport is audiosocket"))
	}
	if cfg.DownstreamMode != "" && !cfg.DownstreamMode.IsValid() {
		errs = append(errs, fmt.Errorf("downstream_mode %q is invalid; valid values: stream, file", cfg.DownstreamMode))
	}
	if cfg.MediaDir == "" {
		// File playback carries greetings and TTS fallback even in
		// streaming deployments.
		errs = append(errs, errors.New("media_dir is required"))
	}

	switch cfg.Encoding {
	case "", "ulaw", "alaw":
	default:
		errs = append(errs, fmt.Errorf("encoding %q is invalid; valid values: ulaw, alaw", cfg.Encoding))
	}

	if cfg.VAD.Mode != "" && !validMode(cfg.VAD.Mode) {
		errs = append(errs, fmt.Errorf("vad.mode %q is invalid; valid values: %s", cfg.VAD.Mode, strings.Join(validVADModes, ", ")))
	}

	if len(cfg.Pipelines) == 0 {
		errs = append(errs, errors.New("at least one pipeline is required"))
	}
	for name, p := range cfg.Pipelines {
		for role, key := range map[string]string{"stt": p.STT, "llm": p.LLM, "tts": p.TTS} {
			if key == "" {
				errs = append(errs, fmt.Errorf("pipelines.%s.%s is required", name, role))
				continue
			}
			if !strings.HasSuffix(key, roleSuffixes[role]) {
				errs = append(errs, fmt.Errorf("pipelines.%s.%s key %q must end with %q", name, role, key, roleSuffixes[role]))
			}
		}
	}

	if cfg.ActivePipeline != "" {
		if _, ok := cfg.Pipelines[cfg.ActivePipeline]; !ok {
			errs = append(errs, fmt.Errorf("active_pipeline %q is not defined under pipelines", cfg.ActivePipeline))
		}
	} else if len(cfg.Pipelines) > 1 {
		errs = append(errs, errors.New("active_pipeline is required when more than one pipeline is defined"))
	}

	return errors.Join(errs...)
}

// PipelineNames returns the pipeline names sorted for deterministic
// ordering.
func (c *Config) PipelineNames() []string {
	names := make([]string, 0, len(c.Pipelines))
	for name := range c.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Greeting returns the greeting text for the named pipeline, falling back
// to the server-level default.
func (c *Config) Greeting(pipelineName string) string {
	if p, ok := c.Pipelines[pipelineName]; ok && p.Options.Greeting != "" {
		return p.Options.Greeting
	}
	return c.Server.Greeting
}

func validMode(mode string) bool {
	for _, m := range validVADModes {
		if m == mode {
			return true
		}
	}
	return false
}
