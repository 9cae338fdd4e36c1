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

	"llmhouse-backend/internal/config"
	"llmhouse-backend/internal/events"
	"llmhouse-backend/internal/handler"
	"llmhouse-backend/internal/llm"
	"llmhouse-backend/internal/metrics"
	"llmhouse-backend/internal/service"
	"llmhouse-backend/internal/state"
	"llmhouse-backend/internal/storage"
	"llmhouse-backend/internal/tools"
	"llmhouse-backend/pkg/logger"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func serveCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "覆盖配置中的监听端口")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	meterProvider, err := metrics.Setup(cfg.Metrics, nil)
	if err != nil {
		return err
	}
	ins := metrics.Default()

	store, err := storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}

	registry := tools.NewRegistry()
	var mcpClients tools.MCPClients
	if cfg.Tools.Enabled {
		loaded := tools.Builtin()
		mcpTools, clients := tools.LoadMCPTools(ctx, cfg.Tools.MCPServers)
		mcpClients = clients
		loaded = append(loaded, mcpTools...)
		if err := registry.Register(ctx, loaded...); err != nil {
			return fmt.Errorf("failed to register tools: %w", err)
		}
		logger.Infof("Registered %d tools: %v", registry.Len(), registry.Names())
	}

	toolInfos, err := llm.ToolInfos(ctx, registry.Tools())
	if err != nil {
		return err
	}
	provider, err := llm.NewProvider(cfg.Provider, toolInfos, ins)
	if err != nil {
		return fmt.Errorf("failed to create model provider: %w", err)
	}

	var executor *tools.Executor
	if registry.Len() > 0 {
		executor = tools.NewExecutor(registry, cfg.Tools.Timeout, tools.DefaultConcurrency)
	}

	bus := events.NewBus()
	chatService := service.NewChatService(store, state.NewStore(), bus, provider, executor, service.Options{
		Provider: cfg.Provider,
		Stream:   cfg.Stream,
		Topic:    cfg.Topic,
		Metrics:  ins,
	})

	namer := service.NewTopicNamer(chatService, bus, cfg.Topic.TitleMaxRunes)
	go namer.Run(ctx)
	go chatService.RunCleanup(ctx, cfg.Topic.TTL, cfg.Topic.CleanupInterval)

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        handler.NewRouter(cfg, handler.NewChatHandler(chatService)),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("服务器启动在端口 %d (provider=%s, storage=%s)", cfg.Server.Port, cfg.Provider.Type, cfg.Storage.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok && err != nil {
			logger.Errorf("服务器启动失败: %v", err)
		}
	}

	logger.Info("服务器正在关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := chatService.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("chat service: %w", err))
	}
	if err := namer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("topic namer: %w", err))
	}
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := mcpClients.Close(); err != nil {
		errs = append(errs, fmt.Errorf("mcp clients: %w", err))
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("metrics: %w", err))
	}
	logger.Info("服务器已关闭")
	return errors.Join(errs...)
}
