package island

import (
	"testing"
	"time"
)

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	if s.Capacity != 9 {
		t.Fatalf("Capacity = %d, want 9", s.Capacity)
	}
	if s.MinVisible != 2500*time.Millisecond {
		t.Fatalf("MinVisible = %v, want 2.5s", s.MinVisible)
	}
	if s.SilenceWindow != 10*time.Second {
		t.Fatalf("SilenceWindow = %v, want 10s", s.SilenceWindow)
	}
	if s.DecayRetention != 0.5 {
		t.Fatalf("DecayRetention = %v, want 0.5", s.DecayRetention)
	}
	if s.DecaySpec == "" {
		t.Fatal("DecaySpec default missing")
	}
	if len(s.ImportantCategories) == 0 {
		t.Fatal("ImportantCategories default missing")
	}
}

func TestSettingsAppPriorityCap(t *testing.T) {
	apps := make([]string, maxAppPriority+5)
	for i := range apps {
		apps[i] = "app"
	}
	s := Settings{AppPriority: apps}.withDefaults()
	if len(s.AppPriority) != maxAppPriority {
		t.Fatalf("AppPriority len = %d, want %d", len(s.AppPriority), maxAppPriority)
	}
}

func TestQuietHoursOvernightWrap(t *testing.T) {
	q := QuietHours{Enabled: true, Start: 22 * 60, End: 7 * 60}

	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
	}
	if !q.Active(at(23, 30)) {
		t.Fatal("23:30 should be inside 22:00-07:00")
	}
	if !q.Active(at(3, 0)) {
		t.Fatal("03:00 should be inside 22:00-07:00")
	}
	if q.Active(at(12, 0)) {
		t.Fatal("12:00 should be outside 22:00-07:00")
	}
	if q.Active(at(7, 0)) {
		t.Fatal("end boundary is exclusive")
	}
	if !q.Active(at(22, 0)) {
		t.Fatal("start boundary is inclusive")
	}
}

func TestQuietHoursDegenerate(t *testing.T) {
	q := QuietHours{Enabled: true, Start: 300, End: 300}
	if q.Active(time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)) {
		t.Fatal("equal start and end means never active")
	}
	q.Enabled = false
	q.End = 600
	if q.Active(time.Date(2026, 3, 10, 5, 30, 0, 0, time.UTC)) {
		t.Fatal("disabled window is never active")
	}
}

func TestPresetSuppresses(t *testing.T) {
	cases := []struct {
		preset Preset
		cat    Category
		want   bool
	}{
		{PresetNone, CategoryStandard, false},
		{PresetFocused, CategoryStandard, true},
		{PresetFocused, CategoryProgress, true},
		{PresetFocused, CategoryMedia, false},
		{PresetStrict, CategoryMedia, true},
		{PresetStrict, CategoryCall, false},
		{PresetDriving, CategoryNavigation, false},
		{PresetStrict, CategoryTimer, false},
	}
	for _, tc := range cases {
		if got := tc.preset.Suppresses(tc.cat); got != tc.want {
			t.Fatalf("preset %v Suppresses(%v) = %v, want %v", tc.preset, tc.cat, got, tc.want)
		}
	}
}

func TestParseEnums(t *testing.T) {
	if p, ok := ParseEvictionPolicy("most-recent"); !ok || p != EvictMostRecent {
		t.Fatalf("ParseEvictionPolicy(most-recent) = %v, %v", p, ok)
	}
	if _, ok := ParseEvictionPolicy("bogus"); ok {
		t.Fatal("bogus eviction policy accepted")
	}
	if m, ok := ParseShadeMode("fully-hide"); !ok || m != ModeFullyHide {
		t.Fatalf("ParseShadeMode(fully-hide) = %v, %v", m, ok)
	}
	if p, ok := ParsePreset("driving"); !ok || p != PresetDriving {
		t.Fatalf("ParsePreset(driving) = %v, %v", p, ok)
	}
	if pr, ok := ParseProfile("lenient"); !ok || pr != ProfileLenient {
		t.Fatalf("ParseProfile(lenient) = %v, %v", pr, ok)
	}
}

func TestAppSettingsAllowsCategory(t *testing.T) {
	a := AppSettings{}
	if !a.AllowsCategory(CategoryMedia) {
		t.Fatal("empty allow-list must allow all")
	}
	a.Allowed = []Category{CategoryCall}
	if a.AllowsCategory(CategoryMedia) {
		t.Fatal("media not in allow-list")
	}
	if !a.AllowsCategory(CategoryCall) {
		t.Fatal("call in allow-list")
	}
}
