package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"Orchestrator-Core/internal/breaker"
	"Orchestrator-Core/internal/config"
	"Orchestrator-Core/internal/downstream"
	"Orchestrator-Core/internal/events"
	"Orchestrator-Core/internal/health"
	"Orchestrator-Core/internal/observability/alerting"
	"Orchestrator-Core/internal/observability/metrics"
	"Orchestrator-Core/internal/orchestrator"
	"Orchestrator-Core/internal/queue"
	"Orchestrator-Core/internal/ratelimit"
	"Orchestrator-Core/internal/routing"
	storagemysql "Orchestrator-Core/internal/storage/mysql"
	"Orchestrator-Core/internal/task"
	"Orchestrator-Core/pkg/logger"
)

// components 持有守护进程启动的全部资源，按创建的逆序关闭。
type components struct {
	orch    *orchestrator.Orchestrator
	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

func (c *components) add(name string, closer io.Closer) {
	c.closers = append(c.closers, namedCloser{name: name, c: closer})
}

func (c *components) Close(log *slog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].c.Close(); err != nil {
			log.Warn("关闭组件失败", slog.String("component", c.closers[i].name), slog.Any("error", err))
		}
	}
}

func build(ctx context.Context, cfg *config.Config, reg *metrics.Registry) (_ *components, err error) {
	comps := &components{}
	defer func() {
		if err != nil {
			comps.Close(logger.Named("orchestratord"))
		}
	}()

	table, err := routing.FromConfig(cfg.Routes)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	comps.add("store", store)

	limiter, err := openLimiter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closer, ok := limiter.(io.Closer); ok {
		comps.add("rate_limiter", closer)
	}

	bus, err := openBus(ctx, cfg.Bus)
	if err != nil {
		return nil, err
	}
	comps.add("bus", bus)

	targets := make([]health.Target, 0, len(table.Targets()))
	for _, t := range table.Targets() {
		targets = append(targets, health.Target{Name: t.Name, HealthURL: t.HealthURL})
	}
	monitor := health.NewMonitor(targets,
		time.Duration(cfg.Health.IntervalSeconds)*time.Second,
		time.Duration(cfg.Health.TimeoutSeconds)*time.Second,
		health.WithLogger(logger.Named("health")),
		health.WithOnChange(func(h health.TargetHealth) {
			reg.SetTargetHealthy(h.Name, h.Healthy())
		}),
	)

	invoker := downstream.NewInvoker(downstream.RetryPolicy{
		Attempts:  cfg.Dispatcher.TransportAttempts,
		BaseDelay: time.Duration(cfg.Dispatcher.BaseDelayMillis) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.Dispatcher.MaxDelayMillis) * time.Millisecond,
	}, downstream.WithLogger(logger.Named("downstream")))

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Routes: table,
		Store:  store,
		Queue:  queue.New(cfg.Queue.MaxSize),
		BreakerSettings: func(target string) breaker.Settings {
			spec := cfg.Target(target)
			return breaker.Settings{
				FailureThreshold: spec.FailureThreshold,
				ResetTimeout:     time.Duration(spec.ResetTimeoutSeconds) * time.Second,
			}
		},
		Limiter:     limiter,
		Invoker:     invoker,
		Callbacks:   downstream.NewCallbacks(nil, 10*time.Second),
		Bus:         bus,
		Health:      monitor,
		Alerts:      buildAlerts(cfg.Alerting),
		Metrics:     reg,
		Logger:      logger.Named("orchestrator"),
		AuditLogger: logger.Audit(),
	}, orchestrator.Options{
		Workers:           cfg.Dispatcher.Workers,
		DefaultMaxRetries: cfg.Dispatcher.DefaultMaxRetries,
		DeadLetter:        cfg.Bus.DeadLetter(),
		BackgroundLimit:   cfg.Dispatcher.BackgroundLimit,
		PollInterval:      time.Duration(cfg.Queue.PollIntervalMillis) * time.Millisecond,
		Retention:         cfg.Store.Retention(),
		SweepInterval:     time.Duration(cfg.Store.SweepIntervalSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	comps.orch = orch
	return comps, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (task.Store, error) {
	lifetime := time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, storagemysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: lifetime,
		})
	case "postgres":
		return task.NewPostgresStore(ctx, task.PostgresConfig{
			DSN:             cfg.DSN,
			MaxConns:        int32(cfg.MaxOpenConns),
			ConnMaxLifetime: lifetime,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, error) {
	settings := func(target string) ratelimit.Settings {
		spec := cfg.Target(target)
		return ratelimit.Settings{RefillPerMinute: spec.RefillPerMinute, Burst: spec.Burst}
	}
	switch cfg.RateLimit.Backend {
	case "", "memory":
		return ratelimit.NewRegistry(settings, nil), nil
	case "redis":
		r := cfg.RateLimit.Redis
		return ratelimit.NewRedisLimiter(ctx, ratelimit.RedisConfig{
			Address:   r.Address,
			Password:  r.Password,
			DB:        r.DB,
			KeyPrefix: r.KeyPrefix,
		}, settings)
	default:
		return nil, fmt.Errorf("未知的限流后端: %s", cfg.RateLimit.Backend)
	}
}

func openBus(ctx context.Context, cfg config.BusConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "", "log":
		return events.NewLogPublisher(logger.Named("events")), nil
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:             cfg.RabbitMQ.URL,
			Exchange:        cfg.RabbitMQ.Exchange,
			Durable:         cfg.RabbitMQ.Durable,
			DeadLetterQueue: cfg.RabbitMQ.DeadLetterQueue,
		})
	case "redis":
		return events.NewRedisPublisher(ctx, events.RedisConfig{
			Address:         cfg.Redis.Address,
			Password:        cfg.Redis.Password,
			DB:              cfg.Redis.DB,
			KeyPrefix:       cfg.Redis.KeyPrefix,
			DeadLetterLimit: cfg.DeadLetterLimit,
		})
	default:
		return nil, errors.New("未知的事件总线驱动: " + cfg.Driver)
	}
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}
