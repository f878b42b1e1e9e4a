package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/deckhand/internal/agent"
	"github.com/antoniostano/deckhand/internal/config"
	"github.com/antoniostano/deckhand/internal/engine"
	"github.com/antoniostano/deckhand/internal/httpapi"
	"github.com/antoniostano/deckhand/internal/observability"
	"github.com/antoniostano/deckhand/internal/pause"
	"github.com/antoniostano/deckhand/internal/queue"
	"github.com/antoniostano/deckhand/internal/sessions"
	"github.com/antoniostano/deckhand/internal/tasks"
	"github.com/antoniostano/deckhand/internal/transcript"
	"github.com/antoniostano/deckhand/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	sessionStore, err := sessions.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer sessionStore.Close()

	sessionMgr, err := sessions.NewManager(ctx, sessionStore)
	if err != nil {
		log.Fatalf("session manager init failed: %v", err)
	}

	transcriptStore, err := transcript.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}

	streamer, err := agent.NewStreamer(agent.Config{
		Mode:    cfg.AgentMode,
		CLIPath: cfg.AgentCLIPath,
	})
	if err != nil {
		log.Fatalf("agent streamer init failed: %v", err)
	}

	taskReg := tasks.NewRegistry(cfg.TaskRetention, cfg.StaleTaskCeiling)
	promptQueue := queue.New(cfg.QueueCap)
	watchers := watch.NewRegistry()
	pauses := pause.NewManager()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	eng := engine.New(
		runCtx,
		engine.Config{
			WorkspaceRoot:   cfg.WorkspaceRoot,
			DefaultModel:    cfg.DefaultModel,
			AllowedModels:   cfg.AllowedModels,
			DefaultAutonomy: agent.AutonomyMode(cfg.DefaultAutonomy),
		},
		streamer,
		transcriptStore,
		taskReg,
		promptQueue,
		watchers,
		pauses,
		sessionMgr,
		metrics,
	)

	taskReg.StartJanitor(runCtx, cfg.TaskSweepInterval)

	api := httpapi.New(cfg, sessionMgr, eng, transcriptStore, watchers, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

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
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
