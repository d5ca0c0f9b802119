package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "Orchestrator-Core/internal/errors"
	storagemysql "Orchestrator-Core/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 记录任务状态，适用于多实例共享任务视图的部署。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建连接池并执行内嵌迁移。
func NewMySQLStore(ctx context.Context, cfg storagemysql.Config) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := storagemysql.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 任务存储失败")
	}
	return &MySQLStore{db: db}, nil
}

// NewMySQLStoreWithDB 复用已有连接，调用方负责迁移。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const mysqlColumns = `id, pattern, target, payload, metadata, priority, status, retry_count, transport_retries,
        max_retries, timeout_seconds, callback_url, result, last_error, error_code, created_at, updated_at`

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	metadataValue, err := marshalMetadata(task.Metadata)
	if err != nil {
		return xerrors.Wrap(CodeTaskValidation, err, "编码任务 metadata 失败")
	}

	stmt := `INSERT INTO task_states (` + mysqlColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Pattern,
		task.Target,
		string(task.Payload),
		metadataValue,
		task.Priority,
		task.Status.String(),
		task.RetryCount,
		task.TransportRetries,
		task.MaxRetries,
		task.TimeoutSeconds,
		task.CallbackURL,
		nullableRaw(task.Result),
		task.Error,
		task.ErrorCode,
		task.CreatedAt.UnixMilli(),
		task.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(CodeTaskConflict, err, "任务 ID 已存在", xerrors.WithMetadata("task_id", task.ID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mysqlColumns+` FROM task_states WHERE id = ?`, id)
	task, err := scanMySQLTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, NotFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Update 仅在当前状态等于 expect 时写回任务。
func (s *MySQLStore) Update(ctx context.Context, task *Task, expect Status) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	metadataValue, err := marshalMetadata(task.Metadata)
	if err != nil {
		return xerrors.Wrap(CodeTaskValidation, err, "编码任务 metadata 失败")
	}

	const stmt = `UPDATE task_states SET priority = ?, status = ?, retry_count = ?, transport_retries = ?, max_retries = ?,
        timeout_seconds = ?, metadata = ?, result = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	now := time.Now()
	res, err := s.db.ExecContext(ctx, stmt,
		task.Priority,
		task.Status.String(),
		task.RetryCount,
		task.TransportRetries,
		task.MaxRetries,
		task.TimeoutSeconds,
		metadataValue,
		nullableRaw(task.Result),
		task.Error,
		task.ErrorCode,
		now.UnixMilli(),
		task.ID,
		expect.String(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
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
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + mysqlColumns + ` FROM task_states`
	clause, args := buildFilterClause(opts, mysqlDialect)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanMySQLTask(rows)
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
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT status, COUNT(*), COALESCE(MIN(updated_at), 0), COALESCE(MAX(updated_at), 0) FROM task_states`
	clause, args := buildFilterClause(opts, mysqlDialect)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer rows.Close()

	var stats TaskStats
	for rows.Next() {
		var (
			statusName     string
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&statusName, &count, &oldest, &newest); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
		status, err := ParseStatus(statusName)
		if err != nil {
			return TaskStats{}, err
		}
		stats.add(status, count)
		mergeRange(&stats, time.UnixMilli(oldest), time.UnixMilli(newest))
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// PurgeTerminal 删除过期的终态任务。
func (s *MySQLStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	terminal := TerminalStatuses()
	args := make([]any, 0, len(terminal)+1)
	for _, status := range terminal {
		args = append(args, status.String())
	}
	args = append(args, before.UnixMilli())
	query := fmt.Sprintf(`DELETE FROM task_states WHERE status IN (%s) AND updated_at < ?`,
		strings.TrimSuffix(strings.Repeat("?,", len(terminal)), ","))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理过期任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	return int(affected), nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMySQLTask(row rowScanner) (*Task, error) {
	var (
		task               Task
		payload            string
		metadata, result   sql.NullString
		lastError          sql.NullString
		statusName         string
		createdAt, updated int64
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
		&lastError,
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
	if result.Valid && result.String != "" {
		task.Result = json.RawMessage(result.String)
	}
	task.Error = lastError.String
	task.CreatedAt = time.UnixMilli(createdAt)
	task.UpdatedAt = time.UnixMilli(updated)
	if metadata.Valid && strings.TrimSpace(metadata.String) != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
		}
	}
	return &task, nil
}

func marshalMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func nullableRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func mergeRange(stats *TaskStats, oldest, newest time.Time) {
	if stats.OldestUpdatedAt.IsZero() || oldest.Before(stats.OldestUpdatedAt) {
		stats.OldestUpdatedAt = oldest
	}
	if newest.After(stats.NewestUpdatedAt) {
		stats.NewestUpdatedAt = newest
	}
}

// sqlDialect 描述不同驱动在占位符与时间列上的差异。
type sqlDialect struct {
	placeholder func(n int) string
	timeValue   func(ts time.Time) any
}

// MySQL 以毫秒时间戳存储时间列。
var mysqlDialect = sqlDialect{
	placeholder: func(int) string { return "?" },
	timeValue:   func(ts time.Time) any { return ts.UnixMilli() },
}

// buildFilterClause 生成与 ListOptions 对应的 WHERE 子句，不包含分页。
func buildFilterClause(opts ListOptions, dialect sqlDialect) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)
	next := func(value any) string {
		args = append(args, value)
		return dialect.placeholder(len(args))
	}

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, next(status.String()))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Target != "" {
		conditions = append(conditions, "target = "+next(opts.Target))
	}
	if opts.Pattern != "" {
		conditions = append(conditions, "pattern = "+next(opts.Pattern))
	}
	if !opts.UpdatedSince.IsZero() {
		conditions = append(conditions, "updated_at >= "+next(dialect.timeValue(opts.UpdatedSince)))
	}
	if !opts.UpdatedUntil.IsZero() {
		conditions = append(conditions, "updated_at <= "+next(dialect.timeValue(opts.UpdatedUntil)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
