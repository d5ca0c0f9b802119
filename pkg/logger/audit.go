package logger

import (
	"errors"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newAuditWriter returns a size-rotated file writer. Backups are compressed
// and pruned by count and age.
func newAuditWriter(cfg AuditConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	if w.MaxSize <= 0 {
		w.MaxSize = 100
	}
	if w.MaxBackups <= 0 {
		w.MaxBackups = 7
	}
	if w.MaxAge <= 0 {
		w.MaxAge = 30
	}
	return w, nil
}
