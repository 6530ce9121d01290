package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pressbot/internal/archive"
	"pressbot/internal/buffer"
	"pressbot/internal/bus"
	"pressbot/internal/capability"
	"pressbot/internal/channel"
	"pressbot/internal/config"
	"pressbot/internal/domain"
	"pressbot/internal/metrics"
	"pressbot/internal/preset"
	"pressbot/internal/retry"
	"pressbot/internal/workflow"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "pressbot",
		Short: "Pressbot: message bursts in, published articles out",
		Long:  "Pressbot collects a user's message burst, waits for a quiet period, then analyzes, drafts, uploads media, publishes and confirms — one article and one notification per burst.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.pressbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			// A fresh config must still be explicit about the debounce
			// window; seed a common choice so the file validates.
			cfg.Pipeline.DebounceWindowSeconds = 600
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline (channels + buffer + workflow engine)",
		Long:  "Starts all enabled channels, the aggregation buffer and the workflow engine. Press Ctrl+C to stop.",
		RunE:  runPipeline,
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Ensure workspace exists
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Message bus (closed during graceful shutdown below)
	messageBus := bus.New(100, logger)
	events := bus.NewEventBus(logger)
	wireMetrics(events)

	var archiver *archive.SQLiteStore
	if cfg.Archive.Enabled {
		archiver, err = archive.NewSQLiteStore(cfg.Archive.DBPath, logger)
		if err != nil {
			return fmt.Errorf("archive store: %w", err)
		}
		defer archiver.Close()
		if _, err := archiver.Purge(ctx, cfg.Archive.RetentionDays); err != nil {
			logger.Warn("archive purge failed", "err", err)
		}
	}

	presets, err := preset.LoadFromDirectory(cfg.Presets.Dir, logger)
	if err != nil {
		return fmt.Errorf("load presets: %w", err)
	}

	engine, err := buildEngine(cfg, messageBus, events, archiver, presets)
	if err != nil {
		return err
	}

	// Workflows run detached from the shutdown signal: a flushed batch is
	// owned by the engine and must terminate with a notification even when
	// the flush happens during shutdown. Run's own wall-clock cap and the
	// shutdown timeout below still bound it.
	runCtx := context.WithoutCancel(ctx)

	var buf *buffer.Buffer
	buf = buffer.New(cfg.Pipeline.DebounceWindow(), func(batch domain.UserBatch) {
		metrics.BatchesFlushed.Inc()
		metrics.PendingBatches.Set(int64(buf.Pending()))
		events.Emit(bus.Event{Type: bus.EventBatchFlushed, Source: "buffer", Payload: map[string]any{
			"user":  batch.UserID,
			"units": len(batch.Units),
		}})
		engine.Launch(runCtx, batch)
	}, logger)

	// Ingest loop: every inbound unit lands in the user's debounce slot.
	go func() {
		for unit := range messageBus.Subscribe() {
			metrics.UnitsReceived.Inc()
			events.Emit(bus.Event{Type: bus.EventUnitReceived, Source: "ingest", Payload: map[string]any{
				"user": unit.UserID,
				"kind": string(unit.Kind),
			}})
			buf.Add(unit)
			metrics.PendingBatches.Set(int64(buf.Pending()))
		}
	}()

	var telegramCh *channel.Telegram
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		telegramCh = channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Logger:    logger,
		})
		go func() {
			if err := telegramCh.Start(ctx, messageBus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Channels.Webhook.Enabled {
		webhookCh := channel.NewWebhook(channel.WebhookConfig{
			Port:   cfg.Channels.Webhook.Port,
			Path:   cfg.Channels.Webhook.Path,
			Secret: cfg.Channels.Webhook.Secret,
			Logger: logger,
		})
		go func() {
			if err := webhookCh.Start(ctx, messageBus); err != nil {
				logger.Error("webhook channel error", "err", err)
			}
		}()
		logger.Info("webhook channel enabled", "port", cfg.Channels.Webhook.Port)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Host, cfg.Metrics.Port)
	}

	logger.Info("pipeline started. Press Ctrl+C to stop.",
		"version", version,
		"debounce", cfg.Pipeline.DebounceWindow(),
		"mediaPolicy", cfg.Pipeline.MediaUploadFailurePolicy,
	)

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down pipeline...")

	// Graceful shutdown with timeout: flush open windows, let running
	// workflows terminate, then close the bus.
	const shutdownTimeout = 30 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf.FlushAll()
		engine.Wait()
		if telegramCh != nil {
			telegramCh.Stop()
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		shutdownErr = fmt.Errorf("shutdown timed out")
	}

	return shutdownErr
}

// buildEngine wires the capability stack and the workflow engine from config.
func buildEngine(cfg *config.Config, messageBus *bus.InMemoryBus, events *bus.EventBus, archiver *archive.SQLiteStore, presets *preset.Registry) (*workflow.Engine, error) {
	httpClient := capability.SharedHTTPClient(cfg.Pipeline.PerStepTimeout())

	gemini := capability.NewGemini(capability.GeminiConfig{
		APIKey:  cfg.Analyzer.APIKey,
		APIBase: cfg.Analyzer.APIBase,
		Model:   cfg.Analyzer.Model,
		Client:  httpClient,
		Logger:  logger,
	})
	uploader := capability.NewImgur(capability.ImgurConfig{
		ClientID: cfg.Media.ClientID,
		APIBase:  cfg.Media.APIBase,
		Client:   httpClient,
		Logger:   logger,
	})
	publisher := capability.NewHatena(capability.HatenaConfig{
		HatenaID: cfg.Blog.HatenaID,
		BlogID:   cfg.Blog.BlogID,
		APIKey:   cfg.Blog.APIKey,
		Draft:    cfg.Blog.Draft,
		Client:   httpClient,
		Logger:   logger,
	})
	notifier := capability.NewBusNotifier(messageBus, "text", logger)

	controller := retry.New(
		cfg.Pipeline.BackoffSchedule(),
		cfg.Pipeline.RateLimitBackoffSchedule(),
		logger,
	)

	engineCfg := workflow.Config{
		Capabilities: workflow.Capabilities{
			Analyzer:  gemini,
			Drafter:   preset.NewGenerator(gemini, presets),
			Uploader:  uploader,
			Publisher: publisher,
			Notifier:  notifier,
		},
		Controller:        controller,
		MaxRetriesPerStep: cfg.Pipeline.MaxRetriesPerStep,
		PerStepTimeout:    cfg.Pipeline.PerStepTimeout(),
		MediaPolicy:       cfg.Pipeline.MediaUploadFailurePolicy,
		MaxConcurrent:     cfg.Pipeline.MaxConcurrentWorkflows,
		Events:            events,
		Logger:            logger,
	}
	if archiver != nil {
		engineCfg.Archiver = archiver
	}
	return workflow.New(engineCfg)
}

// wireMetrics subscribes the predefined collectors to engine events.
func wireMetrics(events *bus.EventBus) {
	events.On(bus.EventWorkflowStarted, func(bus.Event) { metrics.ActiveWorkflows.Inc() })
	events.On(bus.EventWorkflowSucceeded, func(bus.Event) {
		metrics.ActiveWorkflows.Dec()
		metrics.WorkflowsSucceeded.Inc()
	})
	events.On(bus.EventWorkflowFailed, func(bus.Event) {
		metrics.ActiveWorkflows.Dec()
		metrics.WorkflowsFailed.Inc()
	})
	events.On(bus.EventStepRetried, func(bus.Event) { metrics.StepRetries.Inc() })
	events.On(bus.EventStepCompleted, func(e bus.Event) {
		if s, ok := e.Payload["elapsed_seconds"].(float64); ok {
			metrics.StepDuration.Observe(s)
		}
	})
	events.On(bus.EventNotifySent, func(bus.Event) { metrics.NotificationsSent.Inc() })
}

func serveMetrics(ctx context.Context, host string, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Collector.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint serving", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", "err", err)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show recent workflows from the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Archive.Enabled {
				return fmt.Errorf("archive is disabled; nothing to show")
			}
			store, err := archive.NewSQLiteStore(cfg.Archive.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.RecentWorkflows(context.Background(), 20)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no archived workflows")
				return nil
			}
			for _, w := range list {
				fmt.Println(w)
			}
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [workflow-id]",
		Short: "Re-run an archived workflow's batch through a fresh workflow",
		Long:  "Loads the original batch of an archived (typically failed) workflow from the archive and drives it through the pipeline again as a new workflow.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Archive.Enabled {
				return fmt.Errorf("archive is disabled; nothing to replay")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := archive.NewSQLiteStore(cfg.Archive.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			batch, err := store.LoadBatch(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load batch: %w", err)
			}

			messageBus := bus.New(100, logger)
			defer messageBus.Close()
			events := bus.NewEventBus(logger)

			presets, err := preset.LoadFromDirectory(cfg.Presets.Dir, logger)
			if err != nil {
				return fmt.Errorf("load presets: %w", err)
			}

			engine, err := buildEngine(cfg, messageBus, events, store, presets)
			if err != nil {
				return err
			}

			logger.Info("replaying batch", "source_workflow", args[0], "user", batch.UserID, "units", len(batch.Units))
			wf := engine.Run(ctx, batch)

			fmt.Printf("workflow %s finished: %s (stage %s)\n", wf.ID, wf.Status, wf.Stage)
			if wf.Locator != "" {
				fmt.Println(wf.Locator)
			}
			if wf.Status != domain.StatusSucceeded {
				os.Exit(1)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. pipeline.debounceWindowSeconds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. pipeline.mediaUploadFailurePolicy abort)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
