// Conductor — the engine that drives an AI code-change run through its
// phase state machine, job queue, and agent runtime (spec.md §1).
//
// Runs as a standalone binary. Serves:
//   - Health check and version endpoints
//   - An MCP server (SSE transport) exposing read-only run/event/analytics
//     tools to operator tooling
//   - A GitHub webhook endpoint (POST /webhooks/github) that ingests and
//     normalizes upstream events into the event log and drives the
//     pull-request-merge completion path
//
// Starting runs and approving plans are driven internally by the step
// worker pool and the outbox consumer; there is no REST/WebSocket control
// surface beyond webhook ingress in this build (spec.md's Non-goals exclude
// a full HTTP API).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcus-qen/conductor/internal/agentruntime"
	"github.com/marcus-qen/conductor/internal/config"
	"github.com/marcus-qen/conductor/internal/eventlog"
	"github.com/marcus-qen/conductor/internal/jobqueue"
	"github.com/marcus-qen/conductor/internal/mcpserver"
	"github.com/marcus-qen/conductor/internal/mirror"
	"github.com/marcus-qen/conductor/internal/orchestrator"
	"github.com/marcus-qen/conductor/internal/outbox"
	"github.com/marcus-qen/conductor/internal/policy"
	"github.com/marcus-qen/conductor/internal/steps"
	"github.com/marcus-qen/conductor/internal/storage"
	"github.com/marcus-qen/conductor/internal/streambus"
	"github.com/marcus-qen/conductor/internal/upstream"
	"github.com/marcus-qen/conductor/internal/webhook"
	"github.com/marcus-qen/conductor/internal/worktree"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file overlaying defaults")
	workers := flag.Int("workers", steps.DefaultWorkerCount, "number of concurrent step workers")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events := eventlog.New(db, logger)
	jobs := jobqueue.New(db)
	worktrees := worktree.New(db, cfg.DataDir)
	wtJanitor := worktree.NewJanitor(worktrees, time.Duration(cfg.LeaseTimeoutHours)*time.Hour)
	ob := outbox.New(db)
	mr := mirror.New(db, ob, time.Duration(cfg.Mirror.RateLimitWindowSeconds)*time.Second, cfg.Mirror.MaxCommentChars)
	policies := policy.NewStore(db)
	agents := agentruntime.New(db, events)
	creds := agentruntime.StaticResolver{APIKeys: map[string]string{cfg.Agent.Provider: cfg.Agent.APIKey}}
	bus := streambus.New(db, 0)
	publisher := steps.NewStreamPublisher(bus)

	// orchestrator.New needs a StepEnqueuer, and steps.New needs the
	// already-constructed *orchestrator.Orchestrator to drive phase
	// transitions from the worker pool — a construction-order cycle broken
	// by wiring the enqueuer in after both exist.
	orch := orchestrator.New(db, events, nil, publisher, mr)
	stepsManager := steps.New(db, events, orch, jobs, worktrees, ob, mr, policies, agents, creds, cfg, logger)
	orch.SetEnqueuer(stepsManager)

	workerPool := steps.NewWorkerPool(stepsManager, *workers)
	workerPool.Start(ctx)
	defer workerPool.Stop()

	ghClient := upstream.NewClient(cfg.GitHubToken)
	deliverer := upstream.NewDeliverer(db, ghClient)
	outboxConsumer := upstream.NewConsumer(ob, deliverer, stepsManager, logger)
	outboxConsumer.Start(ctx)
	defer outboxConsumer.Stop()

	webhookHandler := webhook.NewHandler(jobs, cfg.GitHubWebhookSecret)
	webhookConsumer := webhook.NewConsumer(db, jobs, events, orch, stepsManager, logger)
	webhookConsumer.Start(ctx)
	defer webhookConsumer.Stop()

	janitorStop := startJanitor(ctx, janitorDeps{
		db: db, jobs: jobs, outbox: ob, mirror: mr, bus: bus, worktreeJanitor: wtJanitor, cfg: cfg, logger: logger,
	})
	defer janitorStop()

	mcpserver.Version = version
	mcp := mcpserver.New(db, events, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":"%s","commit":"%s","date":"%s"}`+"\n", version, commit, date)
	})
	mux.Handle("/mcp", mcp.Handler())
	mux.Handle("POST /webhooks/github", webhookHandler)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting conductor",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.Int("workers", *workers),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
