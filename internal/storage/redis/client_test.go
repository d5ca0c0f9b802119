package redis

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestOpenRequiresAddress(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestOpenFailsFastOnUnreachableServer(t *testing.T) {
	start := time.Now()
	_, err := Open(context.Background(), Config{Address: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatal("expected connection error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("open took too long: %s", time.Since(start))
	}
}

func TestOpenIntegration(t *testing.T) {
	addr := os.Getenv("ORCH_REDIS_INTEGRATION")
	if addr == "" {
		t.Skip("set ORCH_REDIS_INTEGRATION=<host:port> to run")
	}
	client, err := Open(context.Background(), Config{Address: addr})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
