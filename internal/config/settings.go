package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"hyperisle/internal/island"
	"hyperisle/internal/storage"
	logx "hyperisle/pkg/logx"
)

// IslandSettings converts the file schema into engine settings.
// Unknown enum values and malformed durations are hard errors so a bad
// reload never half-applies.
func (c *Config) IslandSettings() (island.Settings, error) {
	ic := c.Island
	var s island.Settings
	var err error

	s.Capacity = ic.Capacity
	if s.Eviction, err = parseEviction(ic.Eviction); err != nil {
		return s, err
	}

	if s.CategoryPriority, err = parseCategories("island.category_priority", ic.CategoryPriority); err != nil {
		return s, err
	}
	s.AppPriority = trimAll(ic.AppPriority)

	durs := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"island.min_visible", ic.MinVisible, &s.MinVisible},
		{"island.complete_collapse", ic.CompleteCollapse, &s.CompleteCollapse},
		{"island.self_cancel_window", ic.SelfCancelWindow, &s.SelfCancelWindow},
		{"island.dismiss_cooldown", ic.DismissCooldown, &s.DismissCooldown},
		{"island.silence_window", ic.SilenceWindow, &s.SilenceWindow},
		{"island.snooze_duration", ic.SnoozeDuration, &s.SnoozeDuration},
		{"island.burst_window", ic.BurstWindow, &s.BurstWindow},
		{"island.throttle_cooldown", ic.ThrottleCooldown, &s.ThrottleCooldown},
		{"island.decay_interval", ic.DecayInterval, &s.DecayInterval},
		{"island.render_confirm_timeout", ic.RenderConfirmTimeout, &s.RenderConfirmTimeout},
		{"island.render_confirm_interval", ic.RenderConfirmInterval, &s.RenderConfirmInterval},
		{"island.fast_dismiss_window", ic.FastDismissWindow, &s.FastDismissWindow},
		{"island.hint_interval", ic.HintInterval, &s.HintInterval},
	}
	for _, d := range durs {
		if *d.dst, err = ParseDurationField(d.path, d.raw); err != nil {
			return s, err
		}
	}

	s.Aggressiveness = ic.Aggressiveness
	if s.Aggressiveness < 0 || s.Aggressiveness > 2 {
		return s, fmt.Errorf("island.aggressiveness: must be 0..2, got %d", s.Aggressiveness)
	}
	s.BurstThreshold = ic.BurstThreshold
	s.ThrottleAfter = ic.ThrottleAfter
	s.CounterCap = ic.CounterCap
	s.DecayRetention = ic.DecayRetention
	if s.DecayRetention < 0 || s.DecayRetention >= 1 {
		return s, fmt.Errorf("island.decay_retention: must be in [0,1), got %v", s.DecayRetention)
	}
	s.DecaySpec = strings.TrimSpace(ic.DecaySpec)
	s.HabitualMargin = ic.HabitualMargin

	preset, ok := island.ParsePreset(ic.Preset)
	if !ok {
		return s, fmt.Errorf("island.preset: unknown preset %q", ic.Preset)
	}
	s.Preset = preset
	s.PresetBypassCritical = ic.PresetBypassCritical

	if s.Quiet, err = parseQuietHours(ic.QuietHours); err != nil {
		return s, err
	}

	s.ContextAware = ic.ContextAware
	s.OnlyImportant = ic.OnlyImportant
	if s.ImportantCategories, err = parseCategories("island.important_categories", ic.ImportantCategories); err != nil {
		return s, err
	}
	s.BlockedTerms = trimAll(ic.BlockedTerms)

	s.PreferBridge = ic.PreferBridge
	if s.ForceRoute, err = parseRoute(ic.ForceRoute); err != nil {
		return s, err
	}
	s.CancelCallShade = ic.CancelCallShade

	if len(ic.Apps) > 0 {
		s.Apps = make(map[string]island.AppSettings, len(ic.Apps))
		for app, ac := range ic.Apps {
			as, err := parseApp(app, ac)
			if err != nil {
				return s, err
			}
			s.Apps[app] = as
		}
	}
	return s, nil
}

func parseApp(app string, ac AppConfig) (island.AppSettings, error) {
	var as island.AppSettings
	var err error
	if as.Allowed, err = parseCategories("island.apps."+app+".allow", ac.Allow); err != nil {
		return as, err
	}
	as.Blocked = ac.Blocked
	as.Muted = ac.Muted
	as.Blocklist = trimAll(ac.Blocklist)
	profile, ok := island.ParseProfile(ac.Profile)
	if !ok {
		return as, fmt.Errorf("island.apps.%s.profile: unknown profile %q", app, ac.Profile)
	}
	as.Profile = profile
	mode, ok := island.ParseShadeMode(ac.Mode)
	if !ok && strings.TrimSpace(ac.Mode) != "" {
		return as, fmt.Errorf("island.apps.%s.mode: unknown mode %q", app, ac.Mode)
	}
	as.Mode = mode
	as.CancelShade = ac.CancelShade
	return as, nil
}

func parseEviction(raw string) (island.EvictionPolicy, error) {
	p, ok := island.ParseEvictionPolicy(raw)
	if !ok && strings.TrimSpace(raw) != "" {
		return p, fmt.Errorf("island.eviction: unknown policy %q", raw)
	}
	return p, nil
}

func parseRoute(raw string) (island.Route, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return island.RouteNone, nil
	case "overlay":
		return island.RouteOverlay, nil
	case "bridge":
		return island.RouteBridge, nil
	default:
		return island.RouteNone, fmt.Errorf("island.force_route: unknown route %q", raw)
	}
}

func parseCategories(path string, names []string) ([]island.Category, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]island.Category, 0, len(names))
	for _, n := range names {
		cat, ok := island.ParseCategory(n)
		if !ok {
			return nil, fmt.Errorf("%s: unknown category %q", path, n)
		}
		out = append(out, cat)
	}
	return out, nil
}

func parseQuietHours(qc QuietHoursConfig) (island.QuietHours, error) {
	var q island.QuietHours
	q.Enabled = qc.Enabled
	var err error
	if q.Start, err = parseClock("island.quiet_hours.start", qc.Start); err != nil {
		return q, err
	}
	if q.End, err = parseClock("island.quiet_hours.end", qc.End); err != nil {
		return q, err
	}
	if q.Allowed, err = parseCategories("island.quiet_hours.allow", qc.Allow); err != nil {
		return q, err
	}
	return q, nil
}

// parseClock parses "HH:MM" into minutes of day.
func parseClock(path, raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("%s: expected HH:MM, got %q", path, raw)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("%s: expected HH:MM, got %q", path, raw)
	}
	return h*60 + m, nil
}

func trimAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LogxConfig maps the logging section onto the log service.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// StorageConfig maps the storage section onto the storage layer.
// A nil section disables storage.
func (c *Config) StorageConfig() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

// Validate checks everything that conversion checks, without building the
// result. Used as the watch-time validator so bad edits are rejected before
// publish.
func (c *Config) Validate() error {
	if _, err := c.IslandSettings(); err != nil {
		return err
	}
	if _, err := c.StorageConfig(); err != nil {
		return err
	}
	if c.Digest != nil {
		if _, err := ParseDurationField("digest.dedup_window", c.Digest.DedupWindow); err != nil {
			return err
		}
		if c.Digest.Telegram != nil {
			if _, err := ParseDurationField("digest.telegram.poll_timeout", c.Digest.Telegram.PollTimeout); err != nil {
				return err
			}
			if c.Digest.Telegram.Enabled && strings.TrimSpace(c.Digest.Telegram.Token) == "" {
				return fmt.Errorf("digest.telegram.token: required when enabled")
			}
		}
	}
	return nil
}
