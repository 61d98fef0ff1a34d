package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/config"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/logger"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds draining live calls and pending call records.
const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("voicebot stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := logger.NewAdapter(log)
	oc := cfg.Orchestrator()

	library := orchestrator.NewAudioLibrary(cfg.ManifestPath, cfg.AudioDir, adapter)
	if err := library.Reload(); err != nil {
		return fmt.Errorf("load audio library: %w", err)
	}
	if oc.GreetingFile != "" && !library.Has(oc.GreetingFile) {
		log.Warn("greeting file not in audio library", zap.String("file", oc.GreetingFile))
	}

	stt, err := buildSTT(cfg, oc, adapter)
	if err != nil {
		return err
	}
	llm, err := buildLLM(cfg)
	if err != nil {
		return err
	}
	tts, err := buildTTS(cfg)
	if err != nil {
		return err
	}
	converter, err := buildConverter(cfg, adapter)
	if err != nil {
		return err
	}
	recorder, closeRecorder, err := buildRecorder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("call records: %w", err)
	}
	defer closeRecorder()

	orch := orchestrator.NewWithLogger(stt, llm, tts, library, converter, oc, adapter)
	orch.SetRecorder(recorder)

	srv := server.New(orch, library, server.Options{
		PublicBaseURL: cfg.PublicBaseURL,
		AdminToken:    cfg.AdminToken,
		GreetingFile:  cfg.GreetingFile,
		Production:    cfg.IsProduction(),
	}, log, adapter)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("voicebot starting",
		zap.String("port", cfg.Port),
		zap.Any("providers", orch.GetProviders()),
		zap.Int("audio_files", library.Stats().Files),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Int("active_calls", orch.ActiveCount()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// live media sockets are hijacked, so end the calls before draining HTTP
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Warn("call records still pending at shutdown", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("voicebot exited")
	return nil
}
