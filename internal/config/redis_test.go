package config

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/muaviaUsmani/reportflow/internal/logger"
)

func TestConnectRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := ConnectRedis("redis://"+mr.Addr(), 3, &logger.NoOpLogger{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()
}

func TestConnectRedis_InvalidURL(t *testing.T) {
	if _, err := ConnectRedis("not-a-url", 3, &logger.NoOpLogger{}); err == nil {
		t.Error("expected parse error")
	}
}

func TestConnectRedis_RetriesUntilRedisIsUp(t *testing.T) {
	retryBaseDelay = 20 * time.Millisecond
	t.Cleanup(func() { retryBaseDelay = time.Second })

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		mr.Restart()
	}()

	client, err := ConnectRedis("redis://"+addr, 5, &logger.NoOpLogger{})
	if err != nil {
		t.Fatalf("expected connect after restart, got %v", err)
	}
	client.Close()
}

func TestConnectRedis_GivesUp(t *testing.T) {
	retryBaseDelay = time.Millisecond
	t.Cleanup(func() { retryBaseDelay = time.Second })

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := ConnectRedis("redis://"+addr, 2, &logger.NoOpLogger{}); err == nil {
		t.Error("expected failure when Redis never comes up")
	}
}
