// Package orchestrator 实现任务编排核心：提交前的路由、熔断与限流检查，
// 按优先级调度的执行器，失败重排与死信处理，以及状态聚合。
//
// 所有共享组件都由 Orchestrator 实例持有，没有包级全局状态；
// 队列、每个熔断器、每个令牌桶和任务存储各自加锁，互不阻塞。
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"Orchestrator-Core/internal/breaker"
	"Orchestrator-Core/internal/downstream"
	xerrors "Orchestrator-Core/internal/errors"
	"Orchestrator-Core/internal/events"
	"Orchestrator-Core/internal/health"
	"Orchestrator-Core/internal/observability/alerting"
	"Orchestrator-Core/internal/observability/metrics"
	"Orchestrator-Core/internal/queue"
	"Orchestrator-Core/internal/ratelimit"
	"Orchestrator-Core/internal/routing"
	"Orchestrator-Core/internal/task"
	"Orchestrator-Core/pkg/logger"
)

// Dependencies 汇总编排器依赖的组件。Routes、Store、Queue、Limiter、Invoker 必填。
type Dependencies struct {
	Routes          *routing.Table
	Store           task.Store
	Queue           *queue.PriorityQueue
	BreakerSettings breaker.SettingsFunc
	BreakerOptions  []breaker.Option
	Limiter         ratelimit.Limiter
	Invoker         *downstream.Invoker
	Callbacks       *downstream.Callbacks
	Bus             events.Publisher
	Health          *health.Monitor
	Alerts          alerting.Dispatcher
	Metrics         *metrics.Registry
	Logger          *slog.Logger
	AuditLogger     *slog.Logger
}

// Options 控制执行器并发与任务级重试等行为。
type Options struct {
	Workers           int
	DefaultMaxRetries int
	DeadLetter        bool
	BackgroundLimit   int
	PollInterval      time.Duration
	Retention         time.Duration
	SweepInterval     time.Duration
	Now               func() time.Time
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 16
	}
	if o.DefaultMaxRetries < 0 {
		o.DefaultMaxRetries = 0
	}
	if o.BackgroundLimit <= 0 {
		o.BackgroundLimit = 256
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Orchestrator 是编排服务的运行实例。
type Orchestrator struct {
	routes    *routing.Table
	store     task.Store
	queue     *queue.PriorityQueue
	breakers  *breaker.Registry
	limiter   ratelimit.Limiter
	invoker   *downstream.Invoker
	callbacks *downstream.Callbacks
	bus       events.Publisher
	monitor   *health.Monitor
	alerts    alerting.Dispatcher
	metrics   *metrics.Registry
	log       *slog.Logger
	audit     *slog.Logger
	opts      Options

	background *supervisor
	counters   counters
	active     atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	stopping    chan struct{}
	runCtx      context.Context
	runCancel   context.CancelFunc
	workers     sync.WaitGroup
	sweeper     sync.WaitGroup
}

type counters struct {
	submitted        atomic.Int64
	rejected         atomic.Int64
	completed        atomic.Int64
	failed           atomic.Int64
	timedOut         atomic.Int64
	cancelled        atomic.Int64
	requeued         atomic.Int64
	deadLettered     atomic.Int64
	transportRetries atomic.Int64
}

// New 组装编排器，但不会启动执行器。
func New(deps Dependencies, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Routes == nil:
		return nil, errors.New("orchestrator: routing table is required")
	case deps.Store == nil:
		return nil, errors.New("orchestrator: task store is required")
	case deps.Queue == nil:
		return nil, errors.New("orchestrator: priority queue is required")
	case deps.Limiter == nil:
		return nil, errors.New("orchestrator: rate limiter is required")
	case deps.Invoker == nil:
		return nil, errors.New("orchestrator: downstream invoker is required")
	}
	opts.applyDefaults()

	o := &Orchestrator{
		routes:    deps.Routes,
		store:     deps.Store,
		queue:     deps.Queue,
		limiter:   deps.Limiter,
		invoker:   deps.Invoker,
		callbacks: deps.Callbacks,
		bus:       deps.Bus,
		monitor:   deps.Health,
		alerts:    deps.Alerts,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		audit:     deps.AuditLogger,
		opts:      opts,
		stopping:  make(chan struct{}),
	}
	if o.log == nil {
		o.log = logger.Named("orchestrator")
	}
	if o.audit == nil {
		o.audit = logger.Audit()
	}
	if o.bus == nil {
		o.bus = events.NewLogPublisher(o.log)
	}
	if o.callbacks == nil {
		o.callbacks = downstream.NewCallbacks(nil, 0)
	}

	breakerOpts := append([]breaker.Option{breaker.WithTransitionHook(o.onBreakerTransition)}, deps.BreakerOptions...)
	o.breakers = breaker.NewRegistry(deps.BreakerSettings, breakerOpts...)
	for _, target := range o.routes.Targets() {
		o.breakers.Get(target.Name)
		o.metrics.SetBreakerState(target.Name, int(breaker.Closed))
	}

	o.runCtx, o.runCancel = context.WithCancel(context.Background())
	o.background = newSupervisor(o.runCtx, opts.BackgroundLimit, o.log)
	return o, nil
}

// Breakers 返回熔断器注册表。
func (o *Orchestrator) Breakers() *breaker.Registry { return o.breakers }

// Routes 返回路由表。
func (o *Orchestrator) Routes() *routing.Table { return o.routes }

// Start 恢复存储中遗留的未完成任务，然后启动执行器、健康探测与过期任务清理。
func (o *Orchestrator) Start() {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.started {
		return
	}
	o.started = true

	o.recoverUnfinished(o.runCtx)
	for i := 0; i < o.opts.Workers; i++ {
		o.workers.Add(1)
		go o.worker()
	}
	if o.monitor != nil {
		o.monitor.Start(o.runCtx)
	}
	if o.opts.Retention > 0 {
		o.sweeper.Add(1)
		go o.sweepLoop()
	}
	o.log.Info("编排器已启动",
		slog.Int("workers", o.opts.Workers),
		slog.Int("routes", len(o.routes.Patterns())),
		slog.Duration("retention", o.opts.Retention),
	)
}

// Shutdown 按顺序停止：执行器停止取新任务并等待在途执行结束，随后停止健康探测，
// 最后等待后台任务。ctx 到期时取消剩余工作。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.lifecycleMu.Lock()
	select {
	case <-o.stopping:
		o.lifecycleMu.Unlock()
		return nil
	default:
		close(o.stopping)
	}
	o.lifecycleMu.Unlock()

	var errs []error
	if !waitGroupWithContext(ctx, &o.workers) {
		o.log.Warn("等待在途任务超时，取消剩余执行")
		o.runCancel()
		o.workers.Wait()
		errs = append(errs, ctx.Err())
	}
	if o.monitor != nil {
		o.monitor.Stop()
	}
	if err := o.background.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	o.runCancel()
	o.sweeper.Wait()
	o.log.Info("编排器已停止")
	return errors.Join(errs...)
}

func waitGroupWithContext(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) onBreakerTransition(name string, from, to breaker.State) {
	o.metrics.SetBreakerState(name, int(to))
	o.log.Warn("熔断器状态变更",
		slog.String("target", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if from == breaker.Closed && to == breaker.Open {
		o.alert(alerting.Event{
			Code:     xerrors.CodeCircuitOpen,
			Message:  "circuit opened after consecutive failures",
			Severity: xerrors.SeverityWarning,
			Target:   name,
		})
	}
}

func (o *Orchestrator) alert(event alerting.Event) {
	if o.alerts == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = o.opts.Now()
	}
	o.background.Go("alert", func(ctx context.Context) error {
		return o.alerts.Notify(ctx, event)
	})
}
