package mysql

import (
	"context"
	"strings"
	"testing"
)

func TestOpenRejectsEmptyDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{DSN: "  "}); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{DSN: "not a dsn"})
	if err == nil || !strings.Contains(err.Error(), "DSN") {
		t.Fatalf("expected DSN parse error, got %v", err)
	}
}
