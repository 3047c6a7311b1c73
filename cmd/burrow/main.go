package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/huddlelabs/burrow/internal/config"
	"github.com/huddlelabs/burrow/internal/history"
	"github.com/huddlelabs/burrow/internal/httpapi"
	"github.com/huddlelabs/burrow/internal/observability"
	"github.com/huddlelabs/burrow/internal/pipeline"
	"github.com/huddlelabs/burrow/internal/session"
	"github.com/huddlelabs/burrow/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer)

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	defer store.Close()
	if cfg.DatabaseURL != "" {
		log.Printf("conversation history: postgres")
	} else {
		log.Printf("conversation history: in-memory")
	}

	var (
		stt       pipeline.SpeechToText
		safety    pipeline.Safety
		replies   pipeline.ReplyGenerator
		tts       pipeline.TextToSpeech
		directory pipeline.ChildDirectory
	)
	switch cfg.ProviderMode {
	case "mock":
		stt = pipeline.NewMockSpeechToText()
		safety = pipeline.NewMockSafety()
		replies = pipeline.NewMockReplyGenerator()
		tts = pipeline.NewMockStructuredTTS()
		directory = pipeline.NewMockChildDirectory()
		log.Printf("providers: mock")
	default:
		// External providers are injected by the embedding deployment;
		// the standalone binary only ships the mock set.
		log.Fatalf("provider mode %q has no standalone wiring", cfg.ProviderMode)
	}

	orchestrator := pipeline.NewOrchestrator(stt, safety, replies, tts, directory, store, metrics, pipeline.Config{
		SampleRate: cfg.SampleRate,
	})

	streamCfg := stream.DefaultConfig()
	streamCfg.LatencyBudget = cfg.LatencyBudget
	streamCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	streamCfg.MaxReconnects = cfg.MaxReconnects
	streamCfg.ReconnectBackoff = cfg.ReconnectBackoff
	streamCfg.BufferSeconds = cfg.BufferSeconds
	if cfg.LowLatencyMode {
		streamCfg.OptimizeForLatency()
		log.Printf("streaming: latency-optimized mode")
	}

	sessions := session.NewManager(session.ManagerConfig{
		MaxSessions:       cfg.MaxSessions,
		IdleTimeout:       cfg.SessionIdleTimeout,
		SweepInterval:     cfg.SweepInterval,
		MinUtteranceBytes: cfg.MinUtteranceBytes,
		MaxUtteranceBytes: cfg.MaxUtteranceBytes,
		SampleRate:        cfg.SampleRate,
		Stream:            streamCfg,
	}, orchestrator, metrics)

	api := httpapi.New(cfg, sessions, orchestrator, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartSweeper(runCtx)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sessions.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
