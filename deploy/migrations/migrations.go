// Package migrations 内嵌任务表的 SQL 迁移脚本，并提供按版本排序的加载器，
// MySQL 与 PostgreSQL 存储共用同一套加载逻辑。
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed mysql/*.sql postgres/*.sql
var files embed.FS

// Migration 是一个待执行的迁移文件。
type Migration struct {
	Version    string
	Name       string
	Statements []string
}

// MySQL 返回 MySQL 迁移目录。
func MySQL() fs.FS { return sub("mysql") }

// Postgres 返回 PostgreSQL 迁移目录。
func Postgres() fs.FS { return sub("postgres") }

func sub(dir string) fs.FS {
	fsys, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return fsys
}

// Load 读取 fsys 根目录下的 .sql 文件，按版本号升序返回，跳过空脚本。
func Load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := SplitStatements(string(content))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, Migration{Version: Version(name), Name: name, Statements: stmts})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Version 取文件名中第一个下划线之前的部分，例如 0001_task_states.sql 对应 0001。
func Version(name string) string {
	base := strings.TrimSuffix(name, path.Ext(name))
	if v, _, ok := strings.Cut(base, "_"); ok && v != "" {
		return v
	}
	return base
}

// SplitStatements 按分号拆分脚本并丢弃空语句。脚本中不能出现字符串内的分号。
func SplitStatements(content string) []string {
	var stmts []string
	for _, part := range strings.Split(content, ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
