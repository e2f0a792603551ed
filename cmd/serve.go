package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/countbot/countbot/internal/agent"
	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/channels"
	"github.com/countbot/countbot/internal/channels/dingtalk"
	"github.com/countbot/countbot/internal/channels/discord"
	"github.com/countbot/countbot/internal/channels/feishu"
	"github.com/countbot/countbot/internal/channels/qq"
	"github.com/countbot/countbot/internal/channels/telegram"
	"github.com/countbot/countbot/internal/channels/wechat"
	"github.com/countbot/countbot/internal/config"
	"github.com/countbot/countbot/internal/cron"
	"github.com/countbot/countbot/internal/gateway"
	"github.com/countbot/countbot/internal/handler"
	"github.com/countbot/countbot/internal/memory"
	"github.com/countbot/countbot/internal/providers"
	"github.com/countbot/countbot/internal/store"
	"github.com/countbot/countbot/internal/tools"
)

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	workspace := config.ExpandHome(snap.Agent.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	dataDir := config.ExpandHome(snap.Agent.DataDir)
	for _, dir := range []string{workspace, dataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("create directory failed", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	st, err := store.Open(filepath.Join(dataDir, "countbot.db"))
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	mem, err := memory.NewStore(dataDir)
	if err != nil {
		slog.Error("memory store open failed", "error", err)
		os.Exit(1)
	}

	busDir := ""
	if snap.Bus.PersistQueue {
		busDir = filepath.Join(dataDir, "queue")
	}
	msgBus, err := bus.New(busDir)
	if err != nil {
		slog.Error("bus init failed", "error", err)
		os.Exit(1)
	}
	defer msgBus.Close()

	if snap.Agent.APIKey == "" {
		slog.Warn("no LLM API key configured; set agent.api_key or COUNTBOT_API_KEY")
	}
	provider := providers.New(snap.Agent.Provider, snap.Agent.APIKey, snap.Agent.APIBase, snap.Agent.Model)

	toolsReg := buildTools(snap, workspace, dataDir, mem, msgBus)

	loop := agent.NewLoop(agent.LoopConfig{
		Config:   cfg,
		Store:    st,
		Memory:   mem,
		Tools:    toolsReg,
		Provider: provider,
	})
	subagents := agent.NewSubagentManager(loop, st, msgBus)
	toolsReg.Register(tools.NewSpawnSubagentTool(subagents))

	summarizer := memory.NewSummarizer(st, mem, provider, snap.Agent.Model)

	var limiter *channels.SenderLimiter
	if snap.RateLimit.Enabled {
		limiter = channels.NewSenderLimiter(int(snap.RateLimit.Rate),
			time.Duration(snap.RateLimit.Per*float64(time.Second)))
	}

	h := handler.New(handler.Config{
		Bus:        msgBus,
		Store:      st,
		Loop:       loop,
		AppConfig:  cfg,
		Summarizer: summarizer,
		Limiter:    limiter,
	})

	manager := channels.NewManager(msgBus)
	registerChannels(manager, snap, msgBus)

	cronSvc := cron.NewService(st)
	heartbeat := cron.NewHeartbeat(cfg, st, mem, loop.Provider)
	executor := cron.NewExecutor(loop, st, msgBus, heartbeat)
	scheduler := cron.NewScheduler(st, cronSvc, executor.Execute)
	cronSvc.SetScheduler(scheduler)
	if err := cron.EnsureJob(cronSvc, st, snap.Heartbeat); err != nil {
		slog.Error("heartbeat job sync failed", "error", err)
	}

	gw := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		ConfigPath: cfgPath,
		Store:      st,
		Bus:        msgBus,
		Loop:       loop,
		Handler:    h,
		Channels:   manager,
		Cron:       cronSvc,
		Scheduler:  scheduler,
		Tools:      toolsReg,
	})
	loop.SetOnEvent(gw.HandleAgentEvent)

	pidPath := filepath.Join(dataDir, "countbot.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		slog.Warn("pid file write failed", "path", pidPath, "error", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reload := func() {
		fresh, err := config.Load(cfgPath)
		if err != nil {
			slog.Error("config reload failed", "error", err)
			return
		}
		cfg.Replace(fresh)
		ns := cfg.Snapshot()
		if ns.Agent.APIKey != "" {
			p := providers.New(ns.Agent.Provider, ns.Agent.APIKey, ns.Agent.APIBase, ns.Agent.Model)
			loop.SetProvider(p)
			summarizer.SetProvider(p, ns.Agent.Model)
		}
		slog.Info("config reloaded", "provider", ns.Agent.Provider, "model", ns.Agent.Model)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			slog.Info("SIGHUP received, reloading config")
			reload()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.Start(ctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return gw.Start(ctx)
	})
	g.Go(func() error {
		// Watch returns ctx.Err() on shutdown; that is not a failure.
		if err := config.Watch(ctx, cfgPath, reload); err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
		return nil
	})
	manager.StartAll(ctx)

	slog.Info("countbot started", "version", Version,
		"workspace", workspace, "data_dir", dataDir)

	err = g.Wait()
	signal.Stop(hup)
	close(hup)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.StopAll(stopCtx)

	if err != nil {
		slog.Error("countbot exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("countbot stopped")
}

// buildTools assembles the agent tool registry from config.
func buildTools(snap config.Config, workspace, dataDir string, mem *memory.Store, msgBus *bus.MessageBus) *tools.Registry {
	reg := tools.NewRegistry()

	reg.Register(tools.NewReadFileTool(workspace))
	reg.Register(tools.NewWriteFileTool(workspace))
	reg.Register(tools.NewListDirTool(workspace))
	reg.Register(tools.NewEditFileTool(workspace))

	if snap.Tools.ShellEnabled {
		reg.Register(tools.NewShellTool(tools.ShellConfig{
			Workspace: workspace,
			Timeout:   time.Duration(snap.Tools.ShellTimeout) * time.Second,
			Whitelist: snap.Tools.ShellWhitelist,
			MaxOutput: snap.Tools.MaxOutputLength,
			DataDir:   dataDir,
		}))
	}

	reg.Register(tools.NewWebFetchTool(snap.Tools.MaxOutputLength))
	reg.Register(tools.NewWebSearchTool(snap.Tools.WebSearchMax))

	reg.Register(tools.NewMemoryAppendTool(mem))
	reg.Register(tools.NewMemorySearchTool(mem, 10))
	reg.Register(tools.NewMemoryReadTool(mem))
	reg.Register(tools.NewMemoryDeleteTool(mem))
	reg.Register(tools.NewMemoryRecentTool(mem))

	reg.Register(tools.NewSendMediaTool(msgBus))

	return reg
}

// registerChannels adds every enabled chat platform to the supervisor.
func registerChannels(manager *channels.Manager, snap config.Config, msgBus *bus.MessageBus) {
	if c := snap.Channels.Telegram; c.Enabled {
		ch, err := telegram.New(c, msgBus)
		if err != nil {
			slog.Error("telegram init failed", "error", err)
		} else {
			manager.Register(ch)
		}
	}
	if c := snap.Channels.Discord; c.Enabled {
		ch, err := discord.New(c, msgBus)
		if err != nil {
			slog.Error("discord init failed", "error", err)
		} else {
			manager.Register(ch)
		}
	}
	if c := snap.Channels.QQ; c.Enabled {
		manager.Register(qq.New(c, msgBus))
	}
	if c := snap.Channels.WeChat; c.Enabled {
		manager.Register(wechat.New(c, msgBus))
	}
	if c := snap.Channels.DingTalk; c.Enabled {
		manager.Register(dingtalk.New(c, msgBus))
	}
	if c := snap.Channels.Feishu; c.Enabled {
		manager.Register(feishu.New(c, msgBus))
	}
}
