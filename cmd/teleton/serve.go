package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/teleton/internal/agent"
	"github.com/haasonsaas/teleton/internal/bridge"
	"github.com/haasonsaas/teleton/internal/config"
	"github.com/haasonsaas/teleton/internal/cron"
	"github.com/haasonsaas/teleton/internal/lifecycle"
	"github.com/haasonsaas/teleton/internal/llm"
	"github.com/haasonsaas/teleton/internal/memory"
	"github.com/haasonsaas/teleton/internal/scheduler"
	"github.com/haasonsaas/teleton/internal/store"
	"github.com/haasonsaas/teleton/internal/tools"
	"github.com/haasonsaas/teleton/internal/tools/index"
	"github.com/haasonsaas/teleton/internal/webui"
	"github.com/haasonsaas/teleton/internal/workspace"
)

const shutdownTimeout = 30 * time.Second

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file")
	return cmd
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".teleton", "config.yaml")
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidConfig, err)
	}
	setupLogging(cfg.Logging)

	app, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	if app.web != nil {
		if err := app.web.Start(ctx); err != nil {
			return err
		}
	}
	if err := app.supervisor.Start(ctx); err != nil {
		return err
	}

	slog.Info("teleton running", "chats", "telegram", "webui", app.web != nil)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.supervisor.Stop(shutdownCtx); err != nil {
		slog.Error("agent stop failed", "error", err)
	}
	if app.web != nil {
		if err := app.web.Stop(shutdownCtx); err != nil {
			slog.Error("webui stop failed", "error", err)
		}
	}
	return nil
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// app holds every wired component for one serve run.
type app struct {
	cfg        *config.Config
	store      *store.Store
	registry   *tools.Registry
	toolIndex  *index.Index
	memory     *memory.System
	watcher    *memory.Watcher
	telegram   *bridge.Telegram
	scheduler  *scheduler.Scheduler
	cron       *cron.Manager
	supervisor *lifecycle.Supervisor
	web        *webui.Server

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.RootDir, 0o700); err != nil {
		return nil, fmt.Errorf("root dir: %w", err)
	}

	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.EnsureVectorTables(ctx, cfg.LLM.EmbedDims); err != nil {
		s.Close()
		return nil, fmt.Errorf("vector tables: %w", err)
	}

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		s.Close()
		return nil, err
	}
	embedder, err := buildEmbedder(cfg.LLM, s)
	if err != nil {
		s.Close()
		return nil, err
	}

	registry := tools.NewRegistry(s)

	guard, err := workspace.NewGuard(cfg.WorkspaceDir())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if err := workspace.RegisterTools(registry, guard); err != nil {
		s.Close()
		return nil, fmt.Errorf("workspace tools: %w", err)
	}
	if cfg.Tools.InvokeTimeout > 0 {
		for _, def := range registry.Definitions() {
			registry.SetExecConfig(def.Name, tools.ExecConfig{Timeout: cfg.Tools.InvokeTimeout})
		}
	}

	indexOpts := []index.Option{index.WithAlwaysInclude(cfg.Tools.AlwaysInclude)}
	if embedder != nil {
		indexOpts = append(indexOpts, index.WithEmbedder(embedder))
	}
	toolIndex := index.New(s, registry, indexOpts...)

	memoryOpts := []memory.Option{memory.WithChunkSize(cfg.Memory.ChunkSize)}
	if embedder != nil {
		memoryOpts = append(memoryOpts, memory.WithEmbedder(embedder))
	}
	memorySystem := memory.New(s, cfg.Memory.Dir, memoryOpts...)
	var watcher *memory.Watcher
	if cfg.Memory.Watch {
		watcher = memory.NewWatcher(memorySystem)
	}

	adminIDs, err := parseAdminIDs(cfg.Agent.OwnerID)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: agent.owner_id: %v", errInvalidConfig, err)
	}
	telegram, err := bridge.NewTelegram(bridge.TelegramConfig{
		Token:    cfg.Telegram.BotToken,
		AdminIDs: adminIDs,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("bridge: %w", err)
	}

	runtime := agent.New(s, registry, provider, telegram, agent.Config{
		Model:                 cfg.LLM.Model,
		Persona:               cfg.Agent.Persona,
		Strategy:              cfg.Agent.Strategy,
		AgentName:             cfg.Agent.Name,
		OwnerName:             cfg.Agent.OwnerName,
		MaxIterations:         cfg.Agent.MaxIterations,
		ContextSoftLimit:      cfg.Agent.ContextSoftLimit,
		CompactionMaxMessages: cfg.Agent.CompactionMaxMessages,
		CompactionKeepRecent:  cfg.Agent.CompactionKeepRecent,
		RecentMessages:        cfg.Agent.RecentMessages,
		KnowledgeChunks:       cfg.Agent.KnowledgeChunks,
		RetrievedTools:        cfg.Agent.RetrievedTools,
	},
		agent.WithMemory(memorySystem),
		agent.WithToolSearcher(toolIndex),
	)

	sched := scheduler.New(runtime,
		scheduler.WithDebounce(time.Duration(cfg.Agent.DebounceMs)*time.Millisecond))
	cronManager := cron.NewManager(s)

	a := &app{
		cfg:       cfg,
		store:     s,
		registry:  registry,
		toolIndex: toolIndex,
		memory:    memorySystem,
		watcher:   watcher,
		telegram:  telegram,
		scheduler: sched,
		cron:      cronManager,
	}
	a.supervisor = lifecycle.New(lifecycle.Hooks{Start: a.startComponents, Stop: a.stopComponents})

	if cfg.WebUI.Enabled {
		if !cfg.IsLoopback() {
			slog.Warn("webui bound to a non-loopback host", "host", cfg.WebUI.Host)
		}
		web, err := webui.New(webui.Config{
			Host:       cfg.WebUI.Host,
			Port:       cfg.WebUI.Port,
			AuthToken:  cfg.WebUI.AuthToken,
			DistDir:    cfg.WebUI.DistDir,
			Store:      s,
			Registry:   registry,
			Supervisor: a.supervisor,
			Cron:       cronManager,
			Memory:     memorySystem,
			Workspace:  guard,
			ConfigView: redactedConfig(cfg),
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("webui: %w", err)
		}
		a.web = web
	}
	return a, nil
}

// startComponents is the lifecycle start hook: bridge, scheduler, cron,
// watcher, the tool index sync, and the inbound message pump.
func (a *app) startComponents(ctx context.Context) error {
	if err := a.toolIndex.Sync(ctx); err != nil {
		slog.Warn("tool index sync failed", "error", err)
	}
	if err := a.cron.Register(ctx, "tool-index-sync", cron.Options{
		Interval:  time.Hour,
		RunMissed: false,
	}, func(ctx context.Context) error {
		return a.toolIndex.Sync(ctx)
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.telegram.Start(gctx) })
	g.Go(func() error { return a.scheduler.Start(gctx) })
	g.Go(func() error { return a.cron.Start(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.pumpCancel = cancel
	a.pumpDone = make(chan struct{})
	go a.pump(pumpCtx)
	return nil
}

func (a *app) stopComponents(ctx context.Context) error {
	if a.pumpCancel != nil {
		a.pumpCancel()
		select {
		case <-a.pumpDone:
		case <-ctx.Done():
		}
	}

	var firstErr error
	if err := a.scheduler.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.cron.StopAll(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.telegram.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// pump forwards inbound bridge messages into the per-chat scheduler.
func (a *app) pump(ctx context.Context) {
	defer close(a.pumpDone)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.telegram.Messages():
			if !ok {
				return
			}
			err := a.scheduler.Enqueue(&scheduler.Event{
				ChatID:     msg.ChatID,
				SenderID:   msg.SenderID,
				Text:       msg.Text,
				IsGroup:    msg.IsGroup,
				IsAdmin:    msg.IsAdmin,
				ReceivedAt: msg.ReceivedAt,
			})
			if err != nil {
				slog.Warn("inbound message dropped", "chat", msg.ChatID, "error", err)
			}
		}
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Error("store close failed", "error", err)
		}
	}
}

func buildProvider(cfg config.LLMConfig) (llm.Provider, error) {
	var inner llm.Provider
	var err error
	switch cfg.Provider {
	case "anthropic":
		inner, err = llm.NewAnthropic(cfg.APIKey, cfg.Model)
	case "openai":
		inner, err = llm.NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", errInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	opts := []llm.RetryOption{}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, llm.WithCallTimeout(cfg.RequestTimeout))
	}
	return llm.NewRetrying(inner, opts...), nil
}

func buildEmbedder(cfg config.LLMConfig, s *store.Store) (llm.Embedder, error) {
	if cfg.EmbedProvider == "" || cfg.APIKey == "" {
		return nil, nil
	}
	inner, err := llm.NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.EmbedModel)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return llm.NewCachedEmbedder(inner, s), nil
}

func parseAdminIDs(ownerID string) ([]int64, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(ownerID, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not a numeric id: %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// redactedConfig is the secret-free snapshot the web UI may display.
func redactedConfig(cfg *config.Config) map[string]any {
	return map[string]any{
		"rootDir": cfg.RootDir,
		"llm": map[string]any{
			"provider":   cfg.LLM.Provider,
			"model":      cfg.LLM.Model,
			"embedModel": cfg.LLM.EmbedModel,
			"embedDims":  cfg.LLM.EmbedDims,
		},
		"agent": map[string]any{
			"name":          cfg.Agent.Name,
			"maxIterations": cfg.Agent.MaxIterations,
			"debounceMs":    cfg.Agent.DebounceMs,
		},
		"memory": map[string]any{
			"dir":   cfg.Memory.Dir,
			"watch": cfg.Memory.Watch,
		},
		"webui": map[string]any{
			"host": cfg.WebUI.Host,
			"port": cfg.WebUI.Port,
		},
	}
}
