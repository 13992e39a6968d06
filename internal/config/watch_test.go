package config

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	clearEnvironment(t)
	path := writeConfig(t, "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 64)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zaptest.NewLogger(t), func(cfg *Config) {
			select {
			case changes <- cfg:
			default:
			}
		})
	}()

	// Give the watcher time to register the file
	time.Sleep(100 * time.Millisecond)

	// Invalid content never reaches onChange
	if err := os.WriteFile(path, []byte("logging:\n  level: shout\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	// A truncating write may surface as several events; wait for the final content
	timeout := time.After(5 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case cfg := <-changes:
			if cfg.Logging.Level == "shout" {
				t.Fatal("Invalid config was delivered")
			}
			reloaded = cfg.Logging.Level == "debug"
		case <-timeout:
			t.Fatal("Timed out waiting for config reload")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop after cancel")
	}
}

func TestWatchMissingFile(t *testing.T) {
	err := Watch(context.Background(), "/nonexistent/config.yaml", zaptest.NewLogger(t), func(*Config) {})
	if err == nil {
		t.Error("Expected error watching a missing file")
	}
}
