package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pushwire/pushwire-go/session"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval = %s, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.MissedEventRetention != 24*time.Hour {
		t.Fatalf("MissedEventRetention = %s, want 24h", cfg.MissedEventRetention)
	}
	if cfg.MissedEventCapacity != 256 {
		t.Fatalf("MissedEventCapacity = %d, want 256", cfg.MissedEventCapacity)
	}
	if cfg.Reconnect.Multiplier != 2 {
		t.Fatalf("Reconnect.Multiplier = %g, want 2", cfg.Reconnect.Multiplier)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PUSHWIRE_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("PUSHWIRE_MISSED_EVENT_CAPACITY", "8")
	t.Setenv("PUSHWIRE_RECONNECT_MAX_ATTEMPTS", "7")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("HeartbeatInterval = %s, want 10s", cfg.HeartbeatInterval)
	}
	if cfg.MissedEventCapacity != 8 {
		t.Fatalf("MissedEventCapacity = %d, want 8", cfg.MissedEventCapacity)
	}
	if cfg.Reconnect.MaxAttempts != 7 {
		t.Fatalf("Reconnect.MaxAttempts = %d, want 7", cfg.Reconnect.MaxAttempts)
	}
}

func TestLoadFileOverlayWinsOverEnv(t *testing.T) {
	t.Setenv("PUSHWIRE_HEARTBEAT_INTERVAL", "10s")

	path := filepath.Join(t.TempDir(), "pushwire.json")
	body := `{
		"heartbeat_interval": "45s",
		"reconnect": {"initial_delay": "2s", "multiplier": 3}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval != 45*time.Second {
		t.Fatalf("HeartbeatInterval = %s, want file value 45s", cfg.HeartbeatInterval)
	}
	if cfg.Reconnect.InitialDelay != 2*time.Second || cfg.Reconnect.Multiplier != 3 {
		t.Fatalf("Reconnect = %+v", cfg.Reconnect)
	}
	// Keys absent from the file keep their env/default values.
	if cfg.MissedEventCapacity != 256 {
		t.Fatalf("MissedEventCapacity = %d, want default 256", cfg.MissedEventCapacity)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pushwire.json")
	if err := os.WriteFile(path, []byte(`{"missed_event_capacity": 0}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a zero buffer capacity")
	}

	if err := os.WriteFile(path, []byte(`{"heartbeat_interval": "soon"}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a malformed duration")
	}
}

type capturePolicy struct {
	ch chan session.ReconnectPolicy
}

func (c *capturePolicy) SetReconnectPolicy(p session.ReconnectPolicy) {
	select {
	case c.ch <- p:
	default:
	}
}

func TestWatchPushesPolicyOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pushwire.json")
	if err := os.WriteFile(path, []byte(`{"reconnect": {"initial_delay": "1s"}}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	updater := &capturePolicy{ch: make(chan session.ReconnectPolicy, 1)}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, updater, slog.New(slog.DiscardHandler))
	}()

	// Give the watcher a moment to establish before the write.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"reconnect": {"initial_delay": "5s"}}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case p := <-updater.ch:
		if p.InitialDelay != 5*time.Second {
			t.Fatalf("InitialDelay = %s, want 5s", p.InitialDelay)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no policy update observed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop on ctx cancellation")
	}
}
