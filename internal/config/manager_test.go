package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "hyperisle.json", `{
		"logging": {"level": "debug", "console": true},
		"bridge": {"enabled": true, "monitor": true},
		"island": {"capacity": 5, "eviction": "most-recent"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Island.Capacity != 5 {
		t.Fatalf("Capacity = %d, want 5", cfg.Island.Capacity)
	}
	if !cfg.Bridge.Monitor {
		t.Fatal("Bridge.Monitor not parsed")
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "hyperisle.yaml", `
logging:
  level: info
bridge:
  enabled: true
island:
  capacity: 3
  quiet_hours:
    enabled: true
    start: "22:00"
    end: "07:00"
    allow: [call, timer]
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Island.Capacity != 3 {
		t.Fatalf("Capacity = %d, want 3", cfg.Island.Capacity)
	}
	if cfg.Island.QuietHours.Start != "22:00" {
		t.Fatalf("QuietHours.Start = %q", cfg.Island.QuietHours.Start)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "hyperisle.json", `{"islnad": {}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("misspelled section accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "hyperisle.json", `{"island": {}} {"island": {}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("concatenated JSON accepted")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	path := writeConfig(t, "hyperisle.json", `{"island": {}}`)
	m := NewManager(path)

	ch := m.Subscribe(1)
	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("no config delivered")
	}

	// A full buffer drops the oldest revision, never blocks.
	old, latest := &Config{}, &Config{}
	m.publish(old)
	m.publish(latest)
	select {
	case got := <-ch:
		if got != latest {
			t.Fatal("stale config delivered; newest should win")
		}
	default:
		t.Fatal("no config delivered after drop-oldest")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(&Config{})
}
