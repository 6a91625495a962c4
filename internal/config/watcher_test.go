package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/missiond/internal/config"
)

func TestWatcher_DetectsPolicyFileChange(t *testing.T) {
	homeDir := t.TempDir()

	policyPath := filepath.Join(homeDir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}

	w := config.NewWatcher(homeDir, policyPath, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write at short intervals until the watcher produces an
	// event. This handles any platform-specific delay in filesystem
	// notification readiness.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(policyPath, []byte("enabled: false\n"), 0o644); err != nil {
		t.Fatalf("write updated policy: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "policy.yaml" {
				t.Fatalf("expected policy.yaml event, got %s", ev.Path)
			}
			if !w.IsPolicyChange(ev) {
				t.Fatalf("IsPolicyChange(%s) = false", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(policyPath, []byte("enabled: false\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for policy.yaml change event")
		}
	}
}
