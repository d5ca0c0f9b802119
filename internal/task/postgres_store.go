package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"Orchestrator-Core/deploy/migrations"
	xerrors "Orchestrator-Core/internal/errors"
)

// PostgresStore 使用 PostgreSQL 记录任务状态。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// PostgresConfig 描述 PostgreSQL 连接池配置。
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	ConnMaxLifetime time.Duration
}

var postgresDialect = sqlDialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeValue:   func(ts time.Time) any { return ts.UTC() },
}

// NewPostgresStore 创建连接池并执行内嵌迁移。
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "PostgreSQL DSN 不能为空")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 PostgreSQL DSN 失败")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 PostgreSQL 失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 PostgreSQL")
	}
	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx, migrations.Postgres()); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context, fsys fs.FS) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	pending, err := migrations.Load(fsys)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移失败")
	}
	for _, m := range pending {
		var applied bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&applied); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
		}
		if applied {
			continue
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("执行迁移 %s 失败: %w", m.Name, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, m.Version, time.Now().UTC())
			return err
		})
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "应用迁移失败")
		}
	}
	return nil
}

const postgresColumns = `id, pattern, target, payload, metadata, priority, status, retry_count, transport_retries,
        max_retries, timeout_seconds, callback_url, result, last_error, error_code, created_at, updated_at`

// Create 插入新的任务记录。
func (s *PostgresStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	metadata, err := marshalMetadataBytes(task.Metadata)
	if err != nil {
		return xerrors.Wrap(CodeTaskValidation, err, "编码任务 metadata 失败")
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO task_states (`+postgresColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		task.ID, task.Pattern, task.Target, string(task.Payload), metadata, task.Priority, task.Status.String(),
		task.RetryCount, task.TransportRetries, task.MaxRetries, task.TimeoutSeconds, task.CallbackURL,
		rawOrNil(task.Result), task.Error, task.ErrorCode, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stdErrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return xerrors.Wrap(CodeTaskConflict, err, "任务 ID 已存在", xerrors.WithMetadata("task_id", task.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumns+` FROM task_states WHERE id = $1`, id)
	task, err := scanPostgresTask(row)
	if err != nil {
		if stdErrors.Is(err, pgx.ErrNoRows) {
			return nil, NotFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Update 仅在当前状态等于 expect 时写回任务。
func (s *PostgresStore) Update(ctx context.Context, task *Task, expect Status) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	metadata, err := marshalMetadataBytes(task.Metadata)
	if err != nil {
		return xerrors.Wrap(CodeTaskValidation, err, "编码任务 metadata 失败")
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE task_states SET priority = $1, status = $2, retry_count = $3, transport_retries = $4,
        max_retries = $5, timeout_seconds = $6, metadata = $7, result = $8, last_error = $9, error_code = $10, updated_at = $11
        WHERE id = $12 AND status = $13`,
		task.Priority, task.Status.String(), task.RetryCount, task.TransportRetries, task.MaxRetries, task.TimeoutSeconds,
		metadata, rawOrNil(task.Result), task.Error, task.ErrorCode, now, task.ID, expect.String(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	if tag.RowsAffected() == 0 {
		current, getErr := s.Get(ctx, task.ID)
		if getErr != nil {
			return getErr
		}
		return Conflict(task.ID, current.Status)
	}
	task.UpdatedAt = now
	return nil
}

// List 返回符合条件的任务。
func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + postgresColumns + ` FROM task_states`
	clause, args := buildFilterClause(opts, postgresDialect)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, id DESC"
	}
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanPostgresTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *PostgresStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM task_states`
	clause, args := buildFilterClause(opts, postgresDialect)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " GROUP BY status"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer rows.Close()

	var stats TaskStats
	for rows.Next() {
		var (
			statusName     string
			count          int
			oldest, newest time.Time
		)
		if err := rows.Scan(&statusName, &count, &oldest, &newest); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		status, err := ParseStatus(statusName)
		if err != nil {
			return TaskStats{}, err
		}
		stats.add(status, count)
		mergeRange(&stats, oldest, newest)
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// PurgeTerminal 删除过期的终态任务。
func (s *PostgresStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	terminal := TerminalStatuses()
	names := make([]string, 0, len(terminal))
	for _, status := range terminal {
		names = append(names, status.String())
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_states WHERE status = ANY($1) AND updated_at < $2`, names, before.UTC())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理过期任务失败")
	}
	return int(tag.RowsAffected()), nil
}

// Close 关闭连接池。
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func scanPostgresTask(row pgx.Row) (*Task, error) {
	var (
		task               Task
		payload            []byte
		metadata, result   []byte
		statusName         string
		createdAt, updated time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.Pattern,
		&task.Target,
		&payload,
		&metadata,
		&task.Priority,
		&statusName,
		&task.RetryCount,
		&task.TransportRetries,
		&task.MaxRetries,
		&task.TimeoutSeconds,
		&task.CallbackURL,
		&result,
		&task.Error,
		&task.ErrorCode,
		&createdAt,
		&updated,
	); err != nil {
		return nil, err
	}
	status, err := ParseStatus(statusName)
	if err != nil {
		return nil, err
	}
	task.Status = status
	task.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	task.CreatedAt = createdAt
	task.UpdatedAt = updated
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &task.Metadata); err != nil {
			return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
		}
	}
	return &task, nil
}

func marshalMetadataBytes(metadata map[string]string) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

var _ Store = (*PostgresStore)(nil)
