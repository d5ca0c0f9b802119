package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "Orchestrator-Core/internal/errors"
	"Orchestrator-Core/internal/observability/metrics"
	"Orchestrator-Core/internal/observability/tracing"
	"Orchestrator-Core/internal/orchestrator"
	"Orchestrator-Core/internal/routing"
	"Orchestrator-Core/internal/task"
	"Orchestrator-Core/pkg/logger"
)

const defaultMaxBodyBytes = 1 << 20

// Orchestrator 是 API 层依赖的编排能力。
type Orchestrator interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.SubmitResult, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Cancel(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
	Aggregate(ctx context.Context, ids []string) (orchestrator.AggregateResult, error)
	Health() orchestrator.HealthReport
	Metrics() orchestrator.MetricsSnapshot
	Routes() *routing.Table
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	orch            Orchestrator
	metrics         *metrics.Registry
	log             *slog.Logger
	maxBodyBytes    int64
	shutdownTimeout time.Duration
	handler         http.Handler
}

// Option 定制 Server。
type Option func(*Server)

// WithMetrics 启用请求指标与 /metrics 端点。
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Server) { s.metrics = reg }
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMaxBodyBytes 限制请求体大小。
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch Orchestrator, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		orch:            orch,
		log:             logger.Named("api"),
		maxBodyBytes:    defaultMaxBodyBytes,
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由处理器。
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "POST /api/v1/tasks", "submit", s.handleSubmit)
	s.handle(mux, "GET /api/v1/tasks", "list", s.handleList)
	s.handle(mux, "GET /api/v1/tasks/stats", "stats", s.handleStats)
	s.handle(mux, "POST /api/v1/tasks/aggregate", "aggregate", s.handleAggregate)
	s.handle(mux, "GET /api/v1/tasks/{id}", "status", s.handleTaskDetail)
	s.handle(mux, "DELETE /api/v1/tasks/{id}", "cancel", s.handleCancel)
	s.handle(mux, "GET /api/v1/routes", "routes", s.handleRoutes)
	s.handle(mux, "GET /api/v1/metrics", "metrics_json", s.handleMetrics)
	s.handle(mux, "GET /health", "health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, label string, fn http.HandlerFunc) {
	mux.Handle(pattern, tracing.Middleware("http."+label, s.metrics.Middleware(label, fn)))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.orch.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type aggregateRequest struct {
	TaskIDs []string `json:"task_ids"`
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.orch.Aggregate(r.Context(), req.TaskIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type listResponse struct {
	Tasks  []*task.Task `json:"tasks"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.orch.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	effective := task.BuildListOptions(opts...)
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, listResponse{Tasks: tasks, Limit: effective.Limit, Offset: effective.Offset})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.orch.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type routeView struct {
	Pattern         string `json:"pattern"`
	Target          string `json:"target"`
	Endpoint        string `json:"endpoint"`
	HealthURL       string `json:"health_url"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	DefaultPriority int    `json:"default_priority"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	rules := s.orch.Routes().Rules()
	views := make([]routeView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, routeView{
			Pattern:         rule.Pattern,
			Target:          rule.Target,
			Endpoint:        rule.Endpoint,
			HealthURL:       rule.HealthURL,
			TimeoutSeconds:  int(rule.Timeout / time.Second),
			DefaultPriority: rule.DefaultPriority,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": views})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.orch.Health()
	status := http.StatusOK
	if report.Status == orchestrator.OverallUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Metrics())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return xerrors.New(xerrors.CodeInvalidArgument, "request body too large")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid JSON body")
	}
	return nil
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit must be a non-negative integer")
		}
		opts = append(opts, task.WithLimit(n))
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset must be a non-negative integer")
		}
		opts = append(opts, task.WithOffset(n))
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			st, err := task.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if v := q.Get("target"); v != "" {
		opts = append(opts, task.WithTarget(v))
	}
	if v := q.Get("pattern"); v != "" {
		opts = append(opts, task.WithPattern(v))
	}
	for key, apply := range map[string]func(time.Time) task.ListOption{
		"updated_since": task.WithUpdatedSince,
		"updated_until": task.WithUpdatedUntil,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" must be RFC3339")
		}
		opts = append(opts, apply(ts))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order must be asc or desc")
	}
	return opts, nil
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "service is shutting down"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
