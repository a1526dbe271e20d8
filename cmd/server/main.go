package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/briarcare/companion-voice-agent/internal/analyzer"
	"github.com/briarcare/companion-voice-agent/internal/config"
	"github.com/briarcare/companion-voice-agent/internal/journal"
	"github.com/briarcare/companion-voice-agent/internal/llm"
	"github.com/briarcare/companion-voice-agent/internal/memory"
	"github.com/briarcare/companion-voice-agent/internal/news"
	"github.com/briarcare/companion-voice-agent/internal/observability"
	"github.com/briarcare/companion-voice-agent/internal/orchestrator"
	"github.com/briarcare/companion-voice-agent/internal/store"
	"github.com/briarcare/companion-voice-agent/internal/stt"
	"github.com/briarcare/companion-voice-agent/internal/telephony"
	"github.com/briarcare/companion-voice-agent/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	// mem's keygen is nil: memory.Store falls back to its own
	// fallbackKeyGenerator, which is logically identical to
	// llm.Adapter.GenerateKey. This breaks the construction-order cycle
	// between the Memory Store and the LLM Adapter (spec §9) without
	// either package needing to reach into the other at startup.
	mem := memory.New(db, nil, logger)
	j := journal.New(db)
	newsClient := news.New(cfg.NewsFeedURL, logger)

	logger.Info().
		Str("port", cfg.Port).
		Str("db_path", cfg.DBPath).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("companion voice agent starting")

	mux := http.NewServeMux()
	mux.HandleFunc("/streams/telephony", handleTelephonyStream(cfg, logger, mem, j, newsClient))
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	deepgramCheck := func(ctx context.Context) (bool, error) {
		if cfg.DeepgramAPIKey == "" {
			return false, fmt.Errorf("deepgram api key not configured")
		}
		return true, nil
	}
	cartesiaCheck := func(ctx context.Context) (bool, error) {
		if cfg.CartesiaAPIKey == "" {
			return false, fmt.Errorf("cartesia api key not configured")
		}
		return true, nil
	}
	// The third readiness check originally probed the external Cognitive
	// Orchestrator microservice; that service no longer exists (spec
	// §4.10 folded it in-process), so it now pings the database that
	// backs the Memory Store and Journal instead.
	dbCheck := func(ctx context.Context) (bool, error) {
		if err := db.PingContext(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(deepgramCheck, cartesiaCheck, dbCheck))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/telephony", cfg.Port)).
			Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server exited gracefully")
}

// handleTelephonyStream upgrades one inbound Media Streams connection and
// wires up one call's worth of adapters, then hands them to a fresh Turn
// Orchestrator. mem, j and newsClient are process-wide singletons; every
// other component here is constructed fresh per call, since their internal
// state (turn counters, reconnect state, per-call accumulators) is
// inherently per-call.
func handleTelephonyStream(
	cfg *config.Config,
	logger zerolog.Logger,
	mem *memory.Store,
	j *journal.Journal,
	newsClient *news.Client,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		callID := uuid.New().String()
		callLogger := logger.With().Str("call_id", callID).Logger()

		mediaBridge, err := telephony.Upgrade(w, r, callLogger)
		if err != nil {
			callLogger.Error().Err(err).Msg("failed to upgrade telephony websocket")
			return
		}

		sttAdapter := stt.NewDeepgramAdapter(cfg, callLogger)
		if err := sttAdapter.Start(); err != nil {
			callLogger.Error().Err(err).Msg("failed to start stt session")
			mediaBridge.Close()
			return
		}

		ttsAdapter := tts.New(cfg, callLogger)

		llmAdapter, err := llm.New(
			cfg.OpenAIAPIKey, cfg.LLMModel, llmDelimiter(cfg.LLMSegmentDelimiter), mem, callLogger,
			llm.WithNewsProvider(newsClient),
			llm.WithCallTransferer(mediaBridge),
			llm.WithTimeout(time.Duration(cfg.LLMTimeout)*time.Second),
		)
		if err != nil {
			callLogger.Error().Err(err).Msg("failed to construct llm adapter")
			sttAdapter.Close()
			mediaBridge.Close()
			return
		}

		an := analyzer.New(callID, cfg.CartesiaModelID)
		metrics := observability.NewCallMetrics(callID)

		o := orchestrator.New(cfg, callLogger, sttAdapter, llmAdapter, ttsAdapter, mediaBridge, mem, an, j, llmAdapter, metrics)

		go mediaBridge.ReadLoop()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go func() {
			<-mediaBridge.Done()
			cancel()
		}()

		o.Run(ctx)
		<-o.Done()

		sttAdapter.Close()
		callLogger.Info().Msg("call finished")
	}
}

// llmDelimiter takes the first rune of the configured segment delimiter,
// falling back to a bullet if the configuration value is somehow empty.
func llmDelimiter(s string) rune {
	for _, r := range s {
		return r
	}
	return '•'
}
