// Command spikebot is the Spike Clinical benefit-verification call relay.
// It bridges a client audio stream to a speech recognizer and drives the
// benefit-verification dialogue over the recognized transcript stream.
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

	"github.com/spikeclinical/spikebot/internal/config"
	"github.com/spikeclinical/spikebot/internal/failover"
	"github.com/spikeclinical/spikebot/internal/health"
	"github.com/spikeclinical/spikebot/internal/observe"
	"github.com/spikeclinical/spikebot/internal/server"
	"github.com/spikeclinical/spikebot/pkg/calllog"
	pgcalllog "github.com/spikeclinical/spikebot/pkg/calllog/postgres"
	"github.com/spikeclinical/spikebot/pkg/callstate"
	"github.com/spikeclinical/spikebot/pkg/provider/llm"
	"github.com/spikeclinical/spikebot/pkg/provider/llm/anyllm"
	oaillm "github.com/spikeclinical/spikebot/pkg/provider/llm/openai"
	"github.com/spikeclinical/spikebot/pkg/provider/recognizer"
	"github.com/spikeclinical/spikebot/pkg/provider/recognizer/deepgram"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "spikebot: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "spikebot: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("spikebot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "spikebot",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	rec, err := buildRecognizer(cfg.Recognizer)
	if err != nil {
		slog.Error("failed to build recognizer provider", "name", cfg.Recognizer.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "recognizer", "name", cfg.Recognizer.Name)

	dialogueLLM, err := buildDialogueLLM(cfg.Dialogue)
	if err != nil {
		slog.Error("failed to build dialogue provider", "name", cfg.Dialogue.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "dialogue", "name", cfg.Dialogue.Name, "model", cfg.Dialogue.Model)

	if len(cfg.DialogueFallbacks) > 0 {
		chain := failover.New(cfg.Dialogue.Name, dialogueLLM, failover.WithLogger(logger))
		for _, fb := range cfg.DialogueFallbacks {
			backend, err := buildDialogueLLM(fb)
			if err != nil {
				slog.Error("failed to build dialogue fallback", "name", fb.Name, "err", err)
				return 1
			}
			chain.AddFallback(fb.Name, backend)
			slog.Info("provider created", "kind", "dialogue_fallback", "name", fb.Name, "model", fb.Model)
		}
		dialogueLLM = chain
	}

	// ── Call log ──────────────────────────────────────────────────────────────
	var store calllog.Store = calllog.Nop{}
	var pgStore *pgcalllog.Store
	if cfg.CallLog.PostgresDSN != "" {
		pgStore, err = pgcalllog.NewStore(ctx, cfg.CallLog.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect call log store", "err", err)
			return 1
		}
		store = pgStore
		slog.Info("call log store connected")
	}
	defer store.Close()

	// ── Relay server ──────────────────────────────────────────────────────────
	patient := callstate.DefaultPatientInfo()
	if cfg.Patient != nil {
		patient = *cfg.Patient
	}

	srvOpts := []server.Option{
		server.WithStore(store),
		server.WithPatient(patient),
		server.WithStreamConfig(recognizer.StreamConfig{
			SampleRate: 16000,
			Channels:   1,
			Language:   cfg.Recognizer.Language(),
		}),
	}
	if cfg.Pipeline.Tick > 0 {
		srvOpts = append(srvOpts, server.WithTick(cfg.Pipeline.Tick))
	}
	if cfg.Pipeline.StalenessWindow > 0 {
		srvOpts = append(srvOpts, server.WithStalenessWindow(cfg.Pipeline.StalenessWindow))
	}
	if cfg.Pipeline.KeepaliveInterval > 0 {
		srvOpts = append(srvOpts, server.WithKeepaliveInterval(cfg.Pipeline.KeepaliveInterval))
	}
	if cfg.Pipeline.HistoryWindow > 0 {
		srvOpts = append(srvOpts, server.WithHistoryWindow(cfg.Pipeline.HistoryWindow))
	}
	if cfg.Pipeline.MaxTokens > 0 {
		srvOpts = append(srvOpts, server.WithMaxTokens(cfg.Pipeline.MaxTokens))
	}
	relay := server.New(rec, dialogueLLM, srvOpts...)

	// ── HTTP mux ──────────────────────────────────────────────────────────────
	var checks []health.Check
	if pgStore != nil {
		checks = append(checks, health.Check{Name: "calllog", Probe: pgStore.Ping})
	}
	probes := health.New(relay.Busy, checks...)

	mux := http.NewServeMux()
	relay.Register(mux)
	probes.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "addr", cfg.Server.ListenAddr)
		if cfg.Server.TLS != nil {
			errCh <- httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildRecognizer constructs the speech-recognition provider named in entry.
func buildRecognizer(entry config.ProviderEntry) (recognizer.Provider, error) {
	switch entry.Name {
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.Language(); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown recognizer provider %q", entry.Name)
	}
}

// buildDialogueLLM constructs the dialogue backend named in entry. "openai"
// uses the native SDK; every other name goes through the any-llm bridge.
func buildDialogueLLM(entry config.ProviderEntry) (llm.Provider, error) {
	if entry.Name == "openai" {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	}

	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
