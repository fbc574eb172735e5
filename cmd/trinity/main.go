// Command trinity runs the Trinity Protocol core: the message bus, the
// pattern store, the cost tracker, the sub-agent registry, and the three
// WITNESS/ARCHITECT/EXECUTOR role loops wired together against one
// configuration file, plus a small HTTP dashboard for observing them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/trinity-protocol/trinity/internal/aider"
	"github.com/trinity-protocol/trinity/internal/bus"
	"github.com/trinity-protocol/trinity/internal/config"
	"github.com/trinity-protocol/trinity/internal/cost"
	"github.com/trinity-protocol/trinity/internal/embedding"
	"github.com/trinity-protocol/trinity/internal/patternstore"
	"github.com/trinity-protocol/trinity/internal/subagent"
	"github.com/trinity-protocol/trinity/internal/telemetrylog"
	"github.com/trinity-protocol/trinity/internal/trinity"
)

func main() {
	configPath := flag.String("config", "configs/trinity.yaml", "path to the Trinity configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := telemetrylog.New(telemetrylog.Options{Debug: *debug})

	cfg := config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load configuration")
		}
		cfg = loaded
	} else {
		log.Info().Str("path", *configPath).Msg("config file not found, using defaults")
	}

	nc, natsSrv := mustStartEmbeddedNATS(cfg.Server.NATSPort, log)
	defer natsSrv.Shutdown()
	defer nc.Close()

	msgBus, err := bus.New(cfg.Storage.BusPath, nc, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open message bus")
	}
	defer msgBus.Close()

	embedder := buildEmbedder(cfg)
	store, err := patternstore.New(cfg.Storage.PatternStorePath, embedder, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open pattern store")
	}
	defer store.Close()

	costBackend, err := cost.NewSQLiteBackend(cfg.Storage.CostTrackerPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cost tracker")
	}
	tracker := cost.New(costBackend)
	defer tracker.Close()
	if cfg.Budget.LimitUSD > 0 {
		if err := tracker.SetBudget(cfg.Budget.LimitUSD, cfg.Budget.AlertThresholdPct); err != nil {
			log.Fatal().Err(err).Msg("invalid budget configuration")
		}
	}

	registry := buildRegistry(cfg, tracker, log)

	gate := &subagent.VerificationGate{
		Command: cfg.Executor.VerificationCommand,
		Timeout: time.Duration(cfg.Executor.VerificationTimeoutSeconds) * time.Second,
	}

	if err := os.MkdirAll(cfg.Workspace.Dir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create workspace directory")
	}

	witness := trinity.NewWitness(msgBus, store, defaultDetector{}, cfg.Witness.MinConfidence, cfg.Witness.TimesSeenThreshold, log)
	architect := trinity.NewArchitect(msgBus, store, cfg.Architect.MinComplexity, cfg.Workspace.Dir, log)
	executor := trinity.NewExecutor(msgBus, registry, gate, projectDirOr(cfg.ProjectDir), cfg.Workspace.Dir, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roleErrs := make(chan error, 3)
	go func() { roleErrs <- witness.Run(ctx) }()
	go func() { roleErrs <- architect.Run(ctx) }()
	go func() { roleErrs <- executor.Run(ctx) }()

	srv := buildDashboard(cfg, msgBus, store, tracker, witness, architect, log)
	go func() {
		log.Info().Int("port", cfg.Server.DashboardPort).Msg("dashboard listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("dashboard server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err := <-roleErrs:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("a trinity role exited unexpectedly")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// mustStartEmbeddedNATS starts a single-process embedded NATS server used
// only to wake bus subscribers promptly; its payloads are never the record
// of truth (SQLite is), so losing a notification only costs latency.
func mustStartEmbeddedNATS(port int, log zerolog.Logger) (*nats.Conn, *natsserver.Server) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Port:     port,
		HTTPPort: -1,
		NoLog:    true,
		NoSigs:   true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create embedded NATS server")
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		log.Fatal().Msg("embedded NATS server failed to start in time")
	}

	nc, err := nats.Connect(fmt.Sprintf("nats://127.0.0.1:%d", port))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to embedded NATS server")
	}
	return nc, srv
}

func projectDirOr(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

func buildEmbedder(cfg *config.Config) embedding.Provider {
	const patternDimensions = 384
	if cfg.Embedding.ProviderURL == "" {
		return embedding.NewNoOp(patternDimensions)
	}
	return embedding.NewHTTPProvider(cfg.Embedding.ProviderURL, cfg.Embedding.Model, patternDimensions)
}

// buildRegistry wires the six fixed sub-agent roles. The three file-editing
// roles shell out to a real coding-agent CLI; the remaining three have no
// natural CLI backend, so they get a deterministic local summarizer —
// concrete model clients for any of these are an external collaborator per
// the core's scope, supplied here only as a runnable default.
func buildRegistry(cfg *config.Config, tracker *cost.Tracker, log zerolog.Logger) *subagent.Registry {
	registry := subagent.NewRegistry(tracker)

	agentCfg := aider.Config{
		Binary:     cfg.CodingAgent.Binary,
		Model:      cfg.CodingAgent.Model,
		APIBase:    cfg.CodingAgent.APIBase,
		APIKey:     cfg.CodingAgent.APIKey,
		EditFormat: cfg.CodingAgent.EditFormat,
		AutoCommit: cfg.CodingAgent.AutoCommit,
		WorkDir:    projectDirOr(cfg.ProjectDir),
		Timeout:    time.Duration(cfg.CodingAgent.TimeoutSeconds) * time.Second,
	}
	cliHandler := subagent.Handler(aider.NewHandler(agentCfg, log))

	registry.Register(subagent.CodeWriter, cost.TierLocal, cfg.CodingAgent.Model, cliHandler)
	registry.Register(subagent.TestArchitect, cost.TierLocal, cfg.CodingAgent.Model, cliHandler)
	registry.Register(subagent.ToolDeveloper, cost.TierLocal, cfg.CodingAgent.Model, cliHandler)

	summarizer := subagent.Handler(localSummaryHandler)
	registry.Register(subagent.ImmunityEnforcer, cost.TierLocal, "local-summarizer", summarizer)
	registry.Register(subagent.ReleaseManager, cost.TierLocal, "local-summarizer", summarizer)
	registry.Register(subagent.TaskSummarizer, cost.TierCloudMini, "local-summarizer", summarizer)

	return registry
}

// localSummaryHandler is the default Handler for roles that don't shell
// out to the coding-agent CLI. It is deliberately trivial: any real
// implementation is a model client, which is out of this core's scope.
func localSummaryHandler(_ context.Context, prompt string) (string, int, int, error) {
	const maxLen = 240
	summary := prompt
	if len(summary) > maxLen {
		summary = summary[:maxLen] + "..."
	}
	return summary, -1, -1, nil
}

// defaultDetector is a minimal reference PatternDetector covering the
// literal example in the spec's first end-to-end scenario (a critical
// error event). Real detection heuristics are an external collaborator;
// this only exists so the binary is runnable standalone.
type defaultDetector struct{}

func (defaultDetector) Detect(_ context.Context, event map[string]any) ([]trinity.Detection, error) {
	severity, _ := event["severity"].(string)
	message, _ := event["message"].(string)
	if severity == "" && message == "" {
		return nil, nil
	}

	priority := trinity.PriorityNormal
	confidence := 0.6
	switch severity {
	case "critical":
		priority = trinity.PriorityCritical
		confidence = 0.9
	case "warning":
		priority = trinity.PriorityHigh
		confidence = 0.7
	}

	var keywords []any
	if kw, ok := event["keywords"].([]any); ok {
		keywords = kw
	}

	return []trinity.Detection{{
		PatternType: "failure",
		PatternName: fmt.Sprintf("%v", event["error_type"]),
		Content:     message,
		Confidence:  confidence,
		Metadata:    map[string]any{"keywords": keywords},
		Priority:    priority,
	}}, nil
}

func buildDashboard(cfg *config.Config, b *bus.Bus, store *patternstore.Store, tracker *cost.Tracker, w *trinity.Witness, a *trinity.Architect, log zerolog.Logger) *http.Server {
	r := chi.NewRouter()

	r.Get("/health", func(rw http.ResponseWriter, req *http.Request) {
		writeJSON(rw, log, map[string]any{"status": "ok"})
	})

	r.Get("/api/bus/stats", func(rw http.ResponseWriter, req *http.Request) {
		stats, err := b.Stats(req.Context())
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(rw, log, stats)
	})

	r.Get("/api/queues/{queue}/stats", func(rw http.ResponseWriter, req *http.Request) {
		stats, err := b.QueueStats(req.Context(), chi.URLParam(req, "queue"))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(rw, log, stats)
	})

	r.Get("/api/patterns/stats", func(rw http.ResponseWriter, req *http.Request) {
		stats, err := store.Stats(req.Context())
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(rw, log, stats)
	})

	r.Get("/api/cost/summary", func(rw http.ResponseWriter, req *http.Request) {
		summary, err := tracker.Summary(cost.Filter{})
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(rw, log, summary)
	})

	r.Get("/api/cost/budget", func(rw http.ResponseWriter, req *http.Request) {
		status, err := tracker.BudgetStatus()
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(rw, log, status)
	})

	r.Get("/api/witness/stats", func(rw http.ResponseWriter, req *http.Request) {
		writeJSON(rw, log, w.Stats())
	})

	r.Get("/api/architect/escalations", func(rw http.ResponseWriter, req *http.Request) {
		writeJSON(rw, log, map[string]any{"escalations": a.Escalations()})
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.DashboardPort),
		Handler: r,
	}
}

func writeJSON(rw http.ResponseWriter, log zerolog.Logger, v any) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode dashboard response")
	}
}
