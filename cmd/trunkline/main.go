// Command trunkline is the main entry point for the Trunkline voice agent
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/trunkline-ai/trunkline/internal/ari"
	"github.com/trunkline-ai/trunkline/internal/calllog"
	"github.com/trunkline-ai/trunkline/internal/config"
	"github.com/trunkline-ai/trunkline/internal/convo"
	"github.com/trunkline-ai/trunkline/internal/engine"
	"github.com/trunkline-ai/trunkline/internal/health"
	"github.com/trunkline-ai/trunkline/internal/observe"
	"github.com/trunkline-ai/trunkline/internal/pipeline"
	"github.com/trunkline-ai/trunkline/internal/playback"
	"github.com/trunkline-ai/trunkline/internal/session"
	"github.com/trunkline-ai/trunkline/internal/vad"
	"github.com/trunkline-ai/trunkline/pkg/audio"
	"github.com/trunkline-ai/trunkline/pkg/provider"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm/anyllm"
	"github.com/trunkline-ai/trunkline/pkg/provider/llm/webhook"
	"github.com/trunkline-ai/trunkline/pkg/provider/localws"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt"
	"github.com/trunkline-ai/trunkline/pkg/provider/stt/deepgram"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts"
	"github.com/trunkline-ai/trunkline/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "trunkline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "trunkline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("trunkline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "trunkline",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry + orchestrator ──────────────────────────────────────
	reg := pipeline.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	orch, err := pipeline.NewOrchestrator(reg, cfg.PipelineNames(), buildEntries(cfg), cfg.ActivePipeline, logger)
	if err != nil {
		slog.Error("failed to build pipelines", "err", err)
		return 1
	}
	defer orch.Close()

	// ── Control plane ─────────────────────────────────────────────────────────
	client, err := ari.New(cfg.Asterisk.BaseURL(), cfg.Asterisk.Username, cfg.Asterisk.Password, cfg.Asterisk.AppName)
	if err != nil {
		slog.Error("failed to create ARI client", "err", err)
		return 1
	}
	events, err := ari.NewEventStream(cfg.Asterisk.WebSocketURL(), cfg.Asterisk.Username, cfg.Asterisk.Password, cfg.Asterisk.AppName, logger)
	if err != nil {
		slog.Error("failed to create ARI event stream", "err", err)
		return 1
	}

	if err := verifyControlPlane(ctx, client); err != nil {
		slog.Error("control plane check failed", "url", cfg.Asterisk.BaseURL(), "err", err)
		return 1
	}
	slog.Info("control plane reachable", "url", cfg.Asterisk.BaseURL())

	store := session.NewStore(logger)

	// ── Call journal (optional) ───────────────────────────────────────────────
	var journal engine.CallJournal
	var recorder convo.Recorder
	if cfg.CallLog.PostgresDSN != "" {
		cl, err := calllog.NewStore(ctx, cfg.CallLog.PostgresDSN, logger)
		if err != nil {
			slog.Error("failed to connect call journal", "err", err)
			return 1
		}
		defer cl.Close()
		journal = cl
		recorder = cl
		slog.Info("call journal connected")
	}

	var fallbackAudio []byte
	if cfg.Server.FallbackAudioPath != "" {
		fallbackAudio, err = os.ReadFile(cfg.Server.FallbackAudioPath)
		if err != nil {
			slog.Warn("fallback audio not loaded", "path", cfg.Server.FallbackAudioPath, "err", err)
		}
	}

	greetings := make(map[string]string)
	for name, p := range cfg.Pipelines {
		if p.Options.Greeting != "" {
			greetings[name] = p.Options.Greeting
		}
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	engCfg := engine.Config{
		AudioTransport:           string(cfg.AudioTransport),
		DownstreamMode:           string(cfg.DownstreamMode),
		MediaDir:                 cfg.MediaDir,
		AsteriskHost:             cfg.Asterisk.Host,
		RTPHost:                  cfg.RTP.Host,
		AudioSocketListenAddr:    cfg.AudioSocket.ListenAddr,
		AudioSocketAdvertiseAddr: cfg.AudioSocket.AdvertiseAddr,
		Encoding:                 audio.Encoding(cfg.Encoding),
		SampleRate:               cfg.SampleRate,
		SessionTTL:               cfg.SessionTTL.Std(),
		Journal:                  journal,
		Greetings:                greetings,
		Streaming: playback.StreamConfig{
			SampleRate:          cfg.Streaming.SampleRate,
			JitterBufferMs:      cfg.Streaming.JitterBufferMs,
			KeepaliveIntervalMs: cfg.Streaming.KeepaliveIntervalMs,
			ConnectionTimeoutMs: cfg.Streaming.ConnectionTimeoutMs,
			FallbackTimeoutMs:   cfg.Streaming.FallbackTimeoutMs,
			ChunkSizeMs:         cfg.Streaming.ChunkSizeMs,
		},
		VAD: vad.ProcessorConfig{
			Mode:          vad.Mode(cfg.VAD.Mode),
			SpeechFrames:  cfg.VAD.SpeechFrames,
			SilenceFrames: cfg.VAD.SilenceFrames,
			PreRollMs:     cfg.VAD.PreRollMs,
		},
		Convo: convo.Config{
			Greeting:      cfg.Server.Greeting,
			SystemPrompt:  cfg.Server.SystemPrompt,
			MaxContext:    cfg.MaxContext,
			FallbackAudio: fallbackAudio,
			Recorder:      recorder,
			BargeIn: convo.BargeInConfig{
				Enabled:            cfg.BargeIn.Enabled,
				AmplitudeThreshold: cfg.BargeIn.AmplitudeThreshold,
				WindowMs:           cfg.BargeIn.WindowMs,
			},
		},
	}

	eng, err := engine.New(engCfg, client, events, store, orch, metrics, logger)
	if err != nil {
		slog.Error("failed to initialise engine", "err", err)
		return 1
	}

	// ── HTTP surface: /metrics, /healthz, /readyz ─────────────────────────────
	healthHandler := health.New(health.ControlPlane(client))
	healthHandler.SetCallCount(store.Count)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	healthHandler.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.Server.ListenAddr != "" {
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(config.Diff(old, new), logLevel, orch, eng)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// verifyControlPlane confirms the PBX answers before the engine starts.
// The client's bounded retry is the only retry budget here; an unreachable
// PBX fails startup instead of reconnecting forever.
func verifyControlPlane(ctx context.Context, client *ari.Client) error {
	if err := client.Info(ctx); err != nil {
		return fmt.Errorf("asterisk unreachable: %w", err)
	}
	return nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinKeys lists the pipeline keys that ship with Trunkline. Used for
// startup logging; unmatched keys fall through to the not-implemented
// wildcards.
var builtinKeys = map[string][]string{
	"stt": {"deepgram_stt", "local_stt"},
	"llm": {"openai_llm", "ollama_llm", "webhook_llm", "local_llm"},
	"tts": {"elevenlabs_tts", "local_tts"},
}

// registerBuiltinProviders wires all built-in adapter factories into reg.
// Constructor-time settings (API keys, models, endpoints) come from the
// first pipeline referencing each key; per-call settings flow through the
// resolved pipeline options at call open.
func registerBuiltinProviders(reg *pipeline.Registry, cfg *config.Config) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram_stt", func() (stt.Provider, error) {
		o := roleOptions(cfg, pipeline.RoleSTT, "deepgram_stt")
		var opts []deepgram.Option
		if o.Model != "" {
			opts = append(opts, deepgram.WithModel(o.Model))
		}
		if o.Language != "" {
			opts = append(opts, deepgram.WithLanguage(o.Language))
		}
		return deepgram.New(o.APIKey, opts...)
	})

	reg.RegisterSTT("local_stt", func() (stt.Provider, error) {
		return localws.NewSTT(cfg.Providers.Local.BaseURL, slog.Default())
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai_llm", func() (llm.Provider, error) {
		o := roleOptions(cfg, pipeline.RoleLLM, "openai_llm")
		var opts []anyllmlib.Option
		if o.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(o.APIKey))
		}
		if o.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(o.BaseURL))
		}
		return anyllm.NewOpenAI(o.Model, opts...)
	})

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama_llm", func() (llm.Provider, error) {
		o := roleOptions(cfg, pipeline.RoleLLM, "ollama_llm")
		var opts []anyllmlib.Option
		if o.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(o.BaseURL))
		}
		return anyllm.NewOllama(o.Model, opts...)
	})

	reg.RegisterLLM("webhook_llm", func() (llm.Provider, error) {
		return webhook.New(cfg.Providers.Webhook.BaseURL)
	})

	reg.RegisterLLM("local_llm", func() (llm.Provider, error) {
		return localws.NewLLM(cfg.Providers.Local.BaseURL, slog.Default())
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs_tts", func() (tts.Provider, error) {
		o := roleOptions(cfg, pipeline.RoleTTS, "elevenlabs_tts")
		var opts []elevenlabs.Option
		if o.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(o.BaseURL))
		}
		return elevenlabs.New(o.APIKey, opts...)
	})

	reg.RegisterTTS("local_tts", func() (tts.Provider, error) {
		return localws.NewTTS(cfg.Providers.Local.BaseURL, slog.Default())
	})

	// ── Wildcards ─────────────────────────────────────────────────────────────
	// Unmatched keys resolve at startup but refuse to open calls.

	reg.RegisterSTT("*_stt", pipeline.NotImplementedSTT)
	reg.RegisterLLM("*_llm", pipeline.NotImplementedLLM)
	reg.RegisterTTS("*_tts", pipeline.NotImplementedTTS)

	for role, keys := range builtinKeys {
		for _, key := range keys {
			slog.Debug("registered adapter", "role", role, "key", key)
		}
	}
}

// roleOptions returns the per-role options of the first pipeline, in name
// order, that references key in the given role.
func roleOptions(cfg *config.Config, role, key string) provider.Options {
	for _, name := range cfg.PipelineNames() {
		p := cfg.Pipelines[name]
		switch role {
		case pipeline.RoleSTT:
			if p.STT == key {
				return p.Options.STT
			}
		case pipeline.RoleLLM:
			if p.LLM == key {
				return p.Options.LLM
			}
		case pipeline.RoleTTS:
			if p.TTS == key {
				return p.Options.TTS
			}
		}
	}
	return provider.Options{}
}

// buildEntries converts the configured pipelines into orchestrator entries.
func buildEntries(cfg *config.Config) map[string]pipeline.Entry {
	entries := make(map[string]pipeline.Entry, len(cfg.Pipelines))
	for name, p := range cfg.Pipelines {
		entries[name] = pipeline.Entry{
			STT:        p.STT,
			LLM:        p.LLM,
			TTS:        p.TTS,
			STTOptions: p.Options.STT,
			LLMOptions: p.Options.LLM,
			TTSOptions: p.Options.TTS,
		}
	}
	return entries
}

// ── Config hot reload ─────────────────────────────────────────────────────────

// applyConfigChange applies the hot-reloadable parts of a config diff.
// Everything else requires a restart.
func applyConfigChange(d config.ConfigDiff, logLevel *slog.LevelVar, orch *pipeline.Orchestrator, eng *engine.Engine) {
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ActivePipelineChanged {
		if err := orch.SetActive(d.NewActivePipeline); err != nil {
			slog.Warn("cannot switch active pipeline", "pipeline", d.NewActivePipeline, "err", err)
		} else {
			slog.Info("active pipeline changed", "pipeline", d.NewActivePipeline)
		}
	}
	if d.GreetingChanged {
		eng.SetGreeting(d.NewGreeting)
		slog.Info("greeting changed")
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Trunkline — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Transport", string(cfg.AudioTransport))
	printField("Downstream", string(cfg.DownstreamMode))
	printField("Active pipeline", cfg.ActivePipeline)
	for _, name := range cfg.PipelineNames() {
		p := cfg.Pipelines[name]
		printField("  "+name, p.STT+"→"+p.LLM+"→"+p.TTS)
	}
	if cfg.CallLog.PostgresDSN != "" {
		printField("Call journal", "postgres")
	} else {
		printField("Call journal", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printField("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(default)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the
// config watcher change verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
