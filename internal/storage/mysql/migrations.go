package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"Orchestrator-Core/deploy/migrations"
)

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// Migrate 依次执行尚未记录在 schema_migrations 中的迁移，每个文件一个事务。
// fsys 为 nil 时使用内嵌的 MySQL 迁移。
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	if fsys == nil {
		fsys = migrations.MySQL()
	}
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	pending, err := migrations.Load(fsys)
	if err != nil {
		return err
	}
	for _, m := range pending {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("查询迁移版本 %s 失败: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migrations.Migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range m.Statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 失败: %w", m.Name, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.Version, time.Now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本 %s 失败: %w", m.Version, err)
	}
	return tx.Commit()
}
