package config

import (
	"testing"
	"time"

	"hyperisle/internal/island"
)

func TestIslandSettingsConversion(t *testing.T) {
	on := true
	cfg := &Config{Island: IslandConfig{
		Capacity:         7,
		Eviction:         "priority",
		CategoryPriority: []string{"call", "navigation", "standard"},
		MinVisible:       "2s",
		Aggressiveness:   2,
		Preset:           "driving",
		ForceRoute:       "overlay",
		QuietHours: QuietHoursConfig{
			Enabled: true,
			Start:   "22:30",
			End:     "07:00",
			Allow:   []string{"call"},
		},
		Apps: map[string]AppConfig{
			"org.chat": {
				Allow:       []string{"standard"},
				Mode:        "fully-hide",
				Profile:     "lenient",
				CancelShade: &on,
			},
		},
	}}

	s, err := cfg.IslandSettings()
	if err != nil {
		t.Fatalf("IslandSettings: %v", err)
	}
	if s.Capacity != 7 || s.Eviction != island.EvictPriorityRanked {
		t.Fatalf("capacity/eviction = %d/%v", s.Capacity, s.Eviction)
	}
	if s.MinVisible != 2*time.Second {
		t.Fatalf("MinVisible = %v, want 2s", s.MinVisible)
	}
	if s.Preset != island.PresetDriving {
		t.Fatalf("Preset = %v, want driving", s.Preset)
	}
	if s.ForceRoute != island.RouteOverlay {
		t.Fatalf("ForceRoute = %v, want overlay", s.ForceRoute)
	}
	if s.Quiet.Start != 22*60+30 || s.Quiet.End != 7*60 {
		t.Fatalf("quiet hours = %d..%d", s.Quiet.Start, s.Quiet.End)
	}
	app := s.Apps["org.chat"]
	if app.Mode != island.ModeFullyHide || app.Profile != island.ProfileLenient {
		t.Fatalf("app settings = %+v", app)
	}
	if app.CancelShade == nil || !*app.CancelShade {
		t.Fatal("CancelShade override lost")
	}
	if len(app.Allowed) != 1 || app.Allowed[0] != island.CategoryStandard {
		t.Fatalf("app allow-list = %v", app.Allowed)
	}
}

func TestIslandSettingsErrors(t *testing.T) {
	cases := []struct {
		name string
		ic   IslandConfig
	}{
		{"bad duration", IslandConfig{MinVisible: "soon"}},
		{"bad eviction", IslandConfig{Eviction: "lifo"}},
		{"bad category", IslandConfig{CategoryPriority: []string{"urgent"}}},
		{"bad aggressiveness", IslandConfig{Aggressiveness: 3}},
		{"bad retention", IslandConfig{DecayRetention: 1.5}},
		{"bad preset", IslandConfig{Preset: "vacation"}},
		{"bad route", IslandConfig{ForceRoute: "carrier-pigeon"}},
		{"bad clock", IslandConfig{QuietHours: QuietHoursConfig{Start: "25:00"}}},
		{"bad app mode", IslandConfig{Apps: map[string]AppConfig{"a": {Mode: "vanish"}}}},
		{"bad app profile", IslandConfig{Apps: map[string]AppConfig{"a": {Profile: "harsh"}}}},
	}
	for _, tc := range cases {
		cfg := &Config{Island: tc.ic}
		if _, err := cfg.IslandSettings(); err == nil {
			t.Fatalf("%s: accepted", tc.name)
		}
	}
}

func TestParseClock(t *testing.T) {
	if got, err := parseClock("p", "09:05"); err != nil || got != 9*60+5 {
		t.Fatalf("parseClock(09:05) = %d, %v", got, err)
	}
	if got, err := parseClock("p", ""); err != nil || got != 0 {
		t.Fatalf("parseClock(empty) = %d, %v", got, err)
	}
	for _, bad := range []string{"9", "24:00", "12:60", "aa:bb"} {
		if _, err := parseClock("p", bad); err == nil {
			t.Fatalf("parseClock(%q) accepted", bad)
		}
	}
}

func TestValidateDigestSection(t *testing.T) {
	cfg := &Config{Digest: &DigestConfig{
		Enabled:     true,
		DedupWindow: "30s",
		Telegram:    &DigestTelegram{Enabled: true, Token: ""},
	}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("enabled telegram without token accepted")
	}
	cfg.Digest.Telegram.Token = "123:abc"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestStorageConfigMapping(t *testing.T) {
	cfg := &Config{}
	sc, err := cfg.StorageConfig()
	if err != nil || sc.Driver != "" {
		t.Fatalf("nil section = %+v, %v", sc, err)
	}

	cfg.Storage = &StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "3s"}
	sc, err = cfg.StorageConfig()
	if err != nil {
		t.Fatalf("StorageConfig: %v", err)
	}
	if sc.BusyTimeout != 3*time.Second {
		t.Fatalf("BusyTimeout = %v, want 3s", sc.BusyTimeout)
	}

	cfg.Storage.BusyTimeout = "never"
	if _, err := cfg.StorageConfig(); err == nil {
		t.Fatal("bad busy_timeout accepted")
	}
}
