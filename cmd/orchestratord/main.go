package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"Orchestrator-Core/internal/api"
	"Orchestrator-Core/internal/config"
	"Orchestrator-Core/internal/observability/metrics"
	"Orchestrator-Core/internal/observability/tracing"
	"Orchestrator-Core/pkg/logger"
)

// main 是编排服务守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.L().Error("orchestratord 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ORCH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "orchestrator.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return err
	}
	log := logger.Named("orchestratord")
	log.Info("配置已加载", slog.String("path", configPath), slog.Int("routes", len(cfg.Routes)))

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Service:     "orchestratord",
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Headers:     cfg.Tracing.Headers,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("刷新链路追踪数据失败", slog.Any("error", err))
		}
	}()

	reg := metrics.New()
	comps, err := build(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer comps.Close(log)

	comps.orch.Start()

	server := api.NewServer(cfg.Server.Address, comps.orch,
		api.WithMetrics(reg),
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	serveErr := g.Wait()

	// API 停止接收请求后再关闭编排器，在途任务按超时时间收尾。
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	shutdownErr := comps.orch.Shutdown(shutdownCtx)

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return shutdownErr
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Service:     "orchestrator",
		Audit: logger.AuditConfig{
			Enabled: cfg.AuditPath != "",
			Path:    cfg.AuditPath,
		},
	}
}
